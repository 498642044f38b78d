package guard

import (
	"errors"
	"testing"

	"github.com/frontclaw/core/internal/permission"
)

func TestCheckDBTable(t *testing.T) {
	g := New("plugin-a", permission.Grant{
		DB: &permission.DB{Tables: []string{"items"}, Access: permission.DBReadOnly},
	})
	if err := g.CheckDBTable("items", false); err != nil {
		t.Errorf("expected read of items to be allowed: %v", err)
	}
	if err := g.CheckDBTable("other", false); err == nil {
		t.Error("expected read of other to be denied")
	}
	if err := g.CheckDBTable("items", true); err == nil {
		t.Error("expected write on read-only grant to be denied")
	}
}

func TestCheckSQLQueryMultiStatementDenied(t *testing.T) {
	g := New("plugin-d", permission.Grant{
		DB: &permission.DB{Tables: []string{"items"}, Access: permission.DBReadOnly},
	})
	_, err := g.CheckSQLQuery("SELECT * FROM items; DELETE FROM items;")
	if err == nil {
		t.Fatal("expected multi-statement query to be denied")
	}
	var de *DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected a DeniedError, got %T", err)
	}
}

func TestCheckSQLQueryWriteOnReadOnlyDenied(t *testing.T) {
	g := New("plugin-d", permission.Grant{
		DB: &permission.DB{Tables: []string{"items"}, Access: permission.DBReadOnly},
	})
	if _, err := g.CheckSQLQuery("UPDATE items SET x=1"); err == nil {
		t.Fatal("expected write on read-only grant to be denied")
	}
}

func TestCheckSQLQueryAllowsCommentAndLiteralNoise(t *testing.T) {
	g := New("plugin-d", permission.Grant{
		DB: &permission.DB{Tables: []string{"items"}, Access: permission.DBReadOnly},
	})
	audit, err := g.CheckSQLQuery("SELECT * FROM /* c */ items WHERE title='x;y'")
	if err != nil {
		t.Fatalf("expected query to be allowed: %v", err)
	}
	if audit.Write {
		t.Error("expected a SELECT to not be classified as a write")
	}
	if len(audit.Tables) != 1 || audit.Tables[0] != "items" {
		t.Errorf("expected table extraction to find items, got %v", audit.Tables)
	}
}

func TestCheckSQLQueryNoTableExtractedNeedsWildcard(t *testing.T) {
	g := New("plugin-d", permission.Grant{
		DB: &permission.DB{Tables: []string{"items"}, Access: permission.DBReadOnly},
	})
	if _, err := g.CheckSQLQuery("SELECT 1"); err == nil {
		t.Fatal("expected a query with no extractable table to require wildcard access")
	}

	wild := New("plugin-e", permission.Grant{
		DB: &permission.DB{Tables: []string{"*"}, Access: permission.DBReadOnly},
	})
	if _, err := wild.CheckSQLQuery("SELECT 1"); err != nil {
		t.Errorf("expected wildcard grant to allow a tableless query: %v", err)
	}
}

func TestCheckNetworkURL(t *testing.T) {
	g := New("plugin-b", permission.Grant{
		Network: &permission.Network{AllowedDomains: []string{"*.example.com"}},
	})
	if err := g.CheckNetworkURL("https://api.example.com/v1"); err != nil {
		t.Errorf("expected allowed domain to pass: %v", err)
	}
	if err := g.CheckNetworkURL("https://evil.com"); err == nil {
		t.Error("expected disallowed domain to be denied")
	}
	if err := g.CheckNetworkURL("http://localhost:8080/admin"); err == nil {
		t.Error("expected localhost to be blocked regardless of grant")
	}
}

func TestCheckAPIRouteFallbackChain(t *testing.T) {
	g := New("plugin-c", permission.Grant{
		API: &permission.API{
			Routes:  []string{"GET /widgets/*", "/status"},
			Methods: []string{"GET", "POST"},
		},
	})
	if err := g.CheckAPIRoute("/widgets/123", "GET"); err != nil {
		t.Errorf("expected spec-verb match to pass: %v", err)
	}
	if err := g.CheckAPIRoute("/widgets/123", "DELETE"); err == nil {
		t.Error("expected spec-verb mismatch to be denied")
	}
	if err := g.CheckAPIRoute("/status", "POST"); err != nil {
		t.Errorf("expected top-level methods fallback to pass: %v", err)
	}
	if err := g.CheckAPIRoute("/status", "DELETE"); err == nil {
		t.Error("expected method outside top-level methods to be denied")
	}
}

func TestCheckAPIRouteAnyVerbWhenUnrestricted(t *testing.T) {
	g := New("plugin-c", permission.Grant{
		API: &permission.API{Routes: []string{"/status"}},
	})
	if err := g.CheckAPIRoute("/status", "DELETE"); err != nil {
		t.Errorf("expected unrestricted route spec to allow any verb: %v", err)
	}
}

func TestCheckLLM(t *testing.T) {
	g := New("plugin-f", permission.Grant{
		LLM: &permission.LLM{CanModifyPrompt: true},
	})
	if err := g.CheckLLM("can_modify_prompt"); err != nil {
		t.Errorf("expected granted capability to pass: %v", err)
	}
	if err := g.CheckLLM("can_modify_response"); err == nil {
		t.Error("expected ungranted capability to be denied")
	}
}
