// Package permission declares the typed capability grants a plugin manifest
// may carry (spec §4.2). A grant that is absent, or whose pattern list is
// empty, denies the corresponding capability — the model is fail-closed
// throughout.
package permission

// DBAccess is the access level granted over a set of tables.
type DBAccess string

const (
	DBReadOnly  DBAccess = "read-only"
	DBReadWrite DBAccess = "read-write"
)

// DB grants access to database tables.
type DB struct {
	Tables []string `json:"tables,omitempty" yaml:"tables,omitempty"`
	Access DBAccess `json:"access,omitempty" yaml:"access,omitempty"`
}

// Network grants outbound HTTP access to a set of domains.
type Network struct {
	AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
	AllowAll       bool     `json:"allow_all,omitempty" yaml:"allow_all,omitempty"`
}

// LLM grants the ability to participate in prompt/response pipelines.
type LLM struct {
	CanInterceptTask         bool `json:"can_intercept_task,omitempty" yaml:"can_intercept_task,omitempty"`
	CanModifyPrompt          bool `json:"can_modify_prompt,omitempty" yaml:"can_modify_prompt,omitempty"`
	CanModifySystemMessage   bool `json:"can_modify_system_message,omitempty" yaml:"can_modify_system_message,omitempty"`
	CanModifyResponse        bool `json:"can_modify_response,omitempty" yaml:"can_modify_response,omitempty"`
	MaxTokensPerRequest      int  `json:"max_tokens_per_request,omitempty" yaml:"max_tokens_per_request,omitempty"`
}

// API grants access to HTTP route patterns under the plugin's mount point.
// A route spec is either "<VERBS> <pattern>" (space-separated verb list
// followed by a pattern) or just a bare pattern.
type API struct {
	Routes  []string `json:"routes,omitempty" yaml:"routes,omitempty"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// Socket grants participation in the socket connect/message/disconnect
// pipelines.
type Socket struct {
	CanIntercept bool     `json:"can_intercept,omitempty" yaml:"can_intercept,omitempty"`
	CanEmit      bool     `json:"can_emit,omitempty" yaml:"can_emit,omitempty"`
	Events       []string `json:"events,omitempty" yaml:"events,omitempty"`
}

// Memory grants read/write access to namespaced memory keys.
type Memory struct {
	Read  []string `json:"read,omitempty" yaml:"read,omitempty"`
	Write []string `json:"write,omitempty" yaml:"write,omitempty"`
}

// Log grants the plugin permission to forward log lines at given levels.
type Log struct {
	Enabled bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Levels  []string `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// Grant is the complete set of capabilities a manifest may declare. Any
// zero-value sub-grant denies the corresponding capability.
type Grant struct {
	DB      *DB      `json:"db,omitempty" yaml:"db,omitempty"`
	Network *Network `json:"network,omitempty" yaml:"network,omitempty"`
	LLM     *LLM     `json:"llm,omitempty" yaml:"llm,omitempty"`
	API     *API     `json:"api,omitempty" yaml:"api,omitempty"`
	Socket  *Socket  `json:"socket,omitempty" yaml:"socket,omitempty"`
	Skills  []string `json:"skills,omitempty" yaml:"skills,omitempty"`
	Memory  *Memory  `json:"memory,omitempty" yaml:"memory,omitempty"`
	Log     *Log     `json:"log,omitempty" yaml:"log,omitempty"`
}
