// Package guard implements the permission guard: a stateless wrapper
// around a loaded plugin's manifest that exposes per-capability
// allow/deny predicates (spec §4.3).
package guard

import "fmt"

// DeniedError is raised by every failing check. It carries the plugin id,
// the permission path that was consulted, and a human-readable
// description of the attempted action.
type DeniedError struct {
	PluginID   string
	Permission string
	Action     string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: plugin %q lacks %s for %s", e.PluginID, e.Permission, e.Action)
}

func denied(pluginID, permission, action string) *DeniedError {
	return &DeniedError{PluginID: pluginID, Permission: permission, Action: action}
}
