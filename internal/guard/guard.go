package guard

import (
	"fmt"

	"github.com/frontclaw/core/internal/net/ssrf"
	"github.com/frontclaw/core/internal/permission"
)

// Guard wraps one plugin's manifest grants and answers per-call
// permission questions. It holds no mutable state; every check reads
// straight from the underlying Grant, so one Guard can be shared freely
// across concurrent calls for the same plugin.
type Guard struct {
	pluginID string
	grant    permission.Grant
}

// New constructs a Guard for pluginID over the given grant.
func New(pluginID string, grant permission.Grant) *Guard {
	return &Guard{pluginID: pluginID, grant: grant}
}

func (g *Guard) PluginID() string { return g.pluginID }

// CheckDBTable enforces db access: the table must be covered by the
// tables list (or wildcard), and a write requires read-write access.
func (g *Guard) CheckDBTable(table string, write bool) error {
	db := g.grant.DB
	if db == nil {
		return denied(g.pluginID, "db", fmt.Sprintf("access table %q", table))
	}
	if !permission.MatchTable(db.Tables, table) {
		return denied(g.pluginID, "db.tables", fmt.Sprintf("access table %q", table))
	}
	if write && db.Access != permission.DBReadWrite {
		return denied(g.pluginID, "db.access", fmt.Sprintf("write to table %q", table))
	}
	return nil
}

// CheckNetworkURL enforces the network grant against a request URL. It
// also rejects SSRF-dangerous hostnames and literal private IPs as a
// defense-in-depth measure layered atop the domain allowlist,
// independent of plugin grants. This is the cheap, no-DNS check run at
// grant-check time; internal/syscall additionally calls
// ssrf.ValidatePublicHostname right before the live fetch to catch a
// hostname that only resolves to a private address at request time.
func (g *Guard) CheckNetworkURL(rawURL string) error {
	net := g.grant.Network
	if net == nil {
		return denied(g.pluginID, "network", fmt.Sprintf("fetch %q", rawURL))
	}
	host, err := permission.HostFromURL(rawURL)
	if err != nil {
		return denied(g.pluginID, "network", fmt.Sprintf("fetch invalid URL %q", rawURL))
	}
	if ssrf.IsBlockedHostname(host) || ssrf.IsPrivateIPAddress(host) {
		return denied(g.pluginID, "network", fmt.Sprintf("fetch blocked host %q", host))
	}
	if net.AllowAll {
		return nil
	}
	if !permission.MatchDomain(net.AllowedDomains, host) {
		return denied(g.pluginID, "network.allowed_domains", fmt.Sprintf("fetch host %q", host))
	}
	return nil
}

// CheckMemoryKey enforces the memory grant's read or write key list.
func (g *Guard) CheckMemoryKey(key string, write bool) error {
	mem := g.grant.Memory
	if mem == nil {
		return denied(g.pluginID, "memory", fmt.Sprintf("access key %q", key))
	}
	entries := mem.Read
	permName := "memory.read"
	if write {
		entries = mem.Write
		permName = "memory.write"
	}
	if !permission.MatchMemoryKey(entries, key) {
		return denied(g.pluginID, permName, fmt.Sprintf("access key %q", key))
	}
	return nil
}

// CheckSQLQuery audits sql and enforces db access over every table it
// references. A multi-statement query is always denied. A query from
// which no table could be extracted is treated as requiring wildcard
// ("*") access (spec §4.3).
func (g *Guard) CheckSQLQuery(sql string) (*SQLAudit, error) {
	audit := AuditSQL(sql)
	if audit.MultiStatement {
		return audit, denied(g.pluginID, "db", "execute multi-statement query")
	}
	tables := audit.Tables
	if len(tables) == 0 {
		tables = []string{"*"}
	}
	for _, table := range tables {
		if err := g.CheckDBTable(table, audit.Write); err != nil {
			return audit, err
		}
	}
	return audit, nil
}

// CheckSkill enforces the top-level skills grant for a fully-namespaced
// skill name.
func (g *Guard) CheckSkill(fullName string) error {
	if !permission.MatchSkill(g.grant.Skills, fullName) {
		return denied(g.pluginID, "skills", fmt.Sprintf("invoke skill %q", fullName))
	}
	return nil
}

// CheckLog enforces the log grant for a given level.
func (g *Guard) CheckLog(level string) error {
	lg := g.grant.Log
	if lg == nil || !lg.Enabled {
		return denied(g.pluginID, "log", fmt.Sprintf("log at level %q", level))
	}
	for _, l := range lg.Levels {
		if l == level {
			return nil
		}
	}
	return denied(g.pluginID, "log.levels", fmt.Sprintf("log at level %q", level))
}

// CheckSocketEvent enforces the socket grant's events list.
func (g *Guard) CheckSocketEvent(event string, emit bool) error {
	sock := g.grant.Socket
	if sock == nil {
		return denied(g.pluginID, "socket", fmt.Sprintf("handle event %q", event))
	}
	if emit && !sock.CanEmit {
		return denied(g.pluginID, "socket.can_emit", fmt.Sprintf("emit event %q", event))
	}
	if !emit && !sock.CanIntercept {
		return denied(g.pluginID, "socket.can_intercept", fmt.Sprintf("intercept event %q", event))
	}
	if !matchSocketEvent(sock.Events, event) {
		return denied(g.pluginID, "socket.events", fmt.Sprintf("handle event %q", event))
	}
	return nil
}

func matchSocketEvent(entries []string, event string) bool {
	for _, e := range entries {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// CheckLLM reports whether the named llm capability flag is granted.
// capability must be one of "can_intercept_task", "can_modify_prompt",
// "can_modify_system_message", "can_modify_response".
func (g *Guard) CheckLLM(capability string) error {
	llm := g.grant.LLM
	if llm == nil {
		return denied(g.pluginID, "llm."+capability, "participate in LLM pipeline")
	}
	var ok bool
	switch capability {
	case "can_intercept_task":
		ok = llm.CanInterceptTask
	case "can_modify_prompt":
		ok = llm.CanModifyPrompt
	case "can_modify_system_message":
		ok = llm.CanModifySystemMessage
	case "can_modify_response":
		ok = llm.CanModifyResponse
	}
	if !ok {
		return denied(g.pluginID, "llm."+capability, "participate in LLM pipeline")
	}
	return nil
}

// CheckAPIRoute enforces the api grant's verb/methods fallback chain: a
// matched spec's own verb list wins if present, else the top-level
// methods list, else any verb is allowed (spec §4.3).
func (g *Guard) CheckAPIRoute(path, method string) error {
	api := g.grant.API
	if api == nil {
		return denied(g.pluginID, "api", fmt.Sprintf("%s %s", method, path))
	}
	for _, raw := range api.Routes {
		spec := permission.ParseRouteSpec(raw)
		if !spec.MatchRoute(path) {
			continue
		}
		if len(spec.Verbs) > 0 {
			if containsVerb(spec.Verbs, method) {
				return nil
			}
			continue
		}
		if len(api.Methods) > 0 {
			if containsVerb(api.Methods, method) {
				return nil
			}
			continue
		}
		return nil
	}
	return denied(g.pluginID, "api.routes", fmt.Sprintf("%s %s", method, path))
}

func containsVerb(verbs []string, method string) bool {
	for _, v := range verbs {
		if v == method {
			return true
		}
	}
	return false
}
