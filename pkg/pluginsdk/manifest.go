// Package pluginsdk is what a plugin author imports to build a frontclaw
// plugin binary: a Manifest type matching the host's frontclaw.json shape,
// a Serve loop implementing the sandbox side of the envelope protocol
// (spec §4.1, §4.7) over stdin/stdout, and a Context handle through which
// hook implementations reach db, network, log, memory, and skills
// sys-calls (spec §4.5, §6).
package pluginsdk

import "encoding/json"

// Author is the optional manifest author block, mirroring
// internal/plugin.Author for plugin-side JSON decoding.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Grant mirrors internal/permission.Grant. It is declared independently
// here (rather than imported from internal/permission) because a plugin
// binary is a separate module boundary from the host process: nothing
// under internal/ is importable across it.
type Grant struct {
	DB      *DBGrant      `json:"db,omitempty"`
	Network *NetworkGrant `json:"network,omitempty"`
	LLM     *LLMGrant     `json:"llm,omitempty"`
	API     *APIGrant     `json:"api,omitempty"`
	Socket  *SocketGrant  `json:"socket,omitempty"`
	Skills  []string      `json:"skills,omitempty"`
	Memory  *MemoryGrant  `json:"memory,omitempty"`
	Log     *LogGrant     `json:"log,omitempty"`
}

// DBGrant mirrors permission.DB.
type DBGrant struct {
	Tables []string `json:"tables,omitempty"`
	Access string   `json:"access,omitempty"`
}

// NetworkGrant mirrors permission.Network.
type NetworkGrant struct {
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	AllowAll       bool     `json:"allow_all,omitempty"`
}

// LLMGrant mirrors permission.LLM.
type LLMGrant struct {
	CanInterceptTask       bool `json:"can_intercept_task,omitempty"`
	CanModifyPrompt        bool `json:"can_modify_prompt,omitempty"`
	CanModifySystemMessage bool `json:"can_modify_system_message,omitempty"`
	CanModifyResponse      bool `json:"can_modify_response,omitempty"`
	MaxTokensPerRequest    int  `json:"max_tokens_per_request,omitempty"`
}

// APIGrant mirrors permission.API.
type APIGrant struct {
	Routes  []string `json:"routes,omitempty"`
	Methods []string `json:"methods,omitempty"`
}

// SocketGrant mirrors permission.Socket.
type SocketGrant struct {
	CanIntercept bool     `json:"can_intercept,omitempty"`
	CanEmit      bool     `json:"can_emit,omitempty"`
	Events       []string `json:"events,omitempty"`
}

// MemoryGrant mirrors permission.Memory.
type MemoryGrant struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// LogGrant mirrors permission.Log.
type LogGrant struct {
	Enabled bool     `json:"enabled,omitempty"`
	Levels  []string `json:"levels,omitempty"`
}

// Manifest describes a plugin to the host. Plugin authors construct one
// from Manifest() and the host loader parses the identical shape from
// frontclaw.json (internal/plugin.Manifest); the two are kept in lockstep
// by hand since they cross a module boundary.
type Manifest struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	Version             string         `json:"version"`
	Author              *Author        `json:"author,omitempty"`
	Priority            int            `json:"priority,omitempty"`
	Permissions         Grant          `json:"permissions"`
	ConfigSchema        json.RawMessage `json:"configSchema,omitempty"`
	DefaultConfig       map[string]any `json:"defaultConfig,omitempty"`
	Main                string         `json:"main"`
	MinFrontclawVersion string         `json:"minFrontclawVersion,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	Enabled             *bool          `json:"enabled,omitempty"`
}
