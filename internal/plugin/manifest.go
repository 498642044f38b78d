// Package plugin holds the data model shared by the loader, guard, bridge,
// and orchestrator: the plugin manifest and the loaded-plugin record
// (spec §3).
package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/frontclaw/core/internal/permission"
)

// ManifestFilename is the required manifest file name under a plugin
// directory.
const ManifestFilename = "frontclaw.json"

// ReadmeFilename is the required readme file name under a plugin
// directory (spec §4.6: "a candidate must contain a manifest file (JSON)
// and a readme file").
const ReadmeFilename = "README.md"

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Author is the optional manifest author block.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Manifest is the immutable-after-load declaration of a plugin's identity,
// permissions, and entry point (spec §3, §6).
type Manifest struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Version            string            `json:"version"`
	Author             *Author           `json:"author,omitempty"`
	Priority           int               `json:"priority,omitempty"`
	Permissions        permission.Grant  `json:"permissions"`
	ConfigSchema       map[string]any    `json:"configSchema,omitempty"`
	DefaultConfig      map[string]any    `json:"defaultConfig,omitempty"`
	Main               string            `json:"main"`
	MinFrontclawVersion string           `json:"minFrontclawVersion,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	EnabledPtr         *bool             `json:"enabled,omitempty"`
}

// Enabled returns the manifest's enabled flag, defaulting to true when
// unset.
func (m *Manifest) Enabled() bool {
	if m.EnabledPtr == nil {
		return true
	}
	return *m.EnabledPtr
}

// EffectivePriority returns the manifest priority, defaulting to 100.
func (m *Manifest) EffectivePriority() int {
	if m.Priority == 0 {
		return 100
	}
	return m.Priority
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// FieldError names one field-path validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every field-path failure found while
// validating a single manifest, per spec §4.6 ("collect all field-path
// errors into one message").
type ValidationError struct {
	PluginDir string
	Fields    []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("invalid manifest in %s: %s", e.PluginDir, strings.Join(parts, "; "))
}

// Validate checks structural invariants that do not require filesystem
// access (identifier shape, semver shape, required fields, priority
// range). Entry-file existence is checked by the loader, which has the
// plugin directory.
func (m *Manifest) Validate() *ValidationError {
	var fields []FieldError

	if strings.TrimSpace(m.ID) == "" {
		fields = append(fields, FieldError{"id", "is required"})
	} else if !identifierPattern.MatchString(m.ID) {
		fields = append(fields, FieldError{"id", "must match ^[a-z][a-z0-9-]*$"})
	}

	if strings.TrimSpace(m.Name) == "" {
		fields = append(fields, FieldError{"name", "is required"})
	}

	if strings.TrimSpace(m.Version) == "" {
		fields = append(fields, FieldError{"version", "is required"})
	} else if !semverPattern.MatchString(m.Version) {
		fields = append(fields, FieldError{"version", "must be MAJOR.MINOR.PATCH"})
	}

	if strings.TrimSpace(m.Main) == "" {
		fields = append(fields, FieldError{"main", "is required"})
	}

	if m.Priority < 0 || m.Priority > 1000 {
		fields = append(fields, FieldError{"priority", "must be between 0 and 1000"})
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// ParseVersion splits a validated MAJOR.MINOR.PATCH string into its parts.
func ParseVersion(version string) (major, minor, patch int, err error) {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", version)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("version %q has non-numeric component %q", version, p)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

// LoadedPlugin is a manifest resolved against a concrete plugin directory,
// with user configuration overrides merged atop manifest defaults
// (spec §3: "created at orchestrator start, destroyed at orchestrator
// stop; not mutated thereafter").
type LoadedPlugin struct {
	Manifest  *Manifest
	Dir       string
	EntryPath string
	Config    map[string]any
}

// ByPriority sorts loaded plugins by ascending priority, breaking ties by
// identifier (spec §4.6).
type ByPriority []*LoadedPlugin

func (b ByPriority) Len() int      { return len(b) }
func (b ByPriority) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b ByPriority) Less(i, j int) bool {
	pi, pj := b[i].Manifest.EffectivePriority(), b[j].Manifest.EffectivePriority()
	if pi != pj {
		return pi < pj
	}
	return b[i].Manifest.ID < b[j].Manifest.ID
}
