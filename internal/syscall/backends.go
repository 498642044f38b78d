package syscall

import (
	"context"
	"net/http"
)

// DBBackend is the out-of-scope relational database, treated as a row
// store (spec §1): getItem, getItems, and a generic parameterized query.
type DBBackend interface {
	Query(ctx context.Context, sql string, params []any) (any, error)
	GetItems(ctx context.Context, table string, where map[string]any, limit, offset int) (any, error)
	GetItem(ctx context.Context, table string, id any) (any, error)
}

// HTTPFetcher performs the outbound request behind network.fetch. The
// default implementation is http.DefaultClient; tests inject a fake.
type HTTPFetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// HostLogger receives a forwarded plugin log line, already permission
// checked, prefixed with the originating plugin id by the caller.
type HostLogger interface {
	Log(ctx context.Context, level, message string, meta map[string]any)
}

// SkillInvoker re-enters the orchestrator's skill pipeline. It is an
// interface, not a direct dependency on the orchestrator package, so
// that orchestrator (which owns the handler) and handler do not form an
// import cycle (spec §9's own design note about this boundary).
type SkillInvoker interface {
	InvokeSkill(ctx context.Context, fullName string, args any) (any, error)
}
