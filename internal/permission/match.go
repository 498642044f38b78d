package permission

import (
	"net/url"
	"strings"
)

// MatchTable reports whether table matches an entry in a db.tables list.
// A bare "*" matches any table name.
func MatchTable(tables []string, table string) bool {
	for _, t := range tables {
		if t == "*" || t == table {
			return true
		}
	}
	return false
}

// MatchDomain reports whether host matches an entry in a network
// allowed_domains list. An entry of the form "*.suffix" matches the suffix
// itself or any hostname ending in ".suffix".
func MatchDomain(domains []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range domains {
		d = strings.ToLower(d)
		if strings.HasPrefix(d, "*.") {
			suffix := d[2:]
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if d == host {
			return true
		}
	}
	return false
}

// HostFromURL extracts the hostname from rawURL for domain matching.
func HostFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// MatchMemoryKey reports whether key matches an entry in a memory
// read/write list. Entries of the form "prefix:*" match by literal prefix
// (including the colon); "*" matches everything; anything else requires
// exact equality.
func MatchMemoryKey(entries []string, key string) bool {
	for _, e := range entries {
		if e == "*" {
			return true
		}
		if strings.HasSuffix(e, ":*") {
			prefix := strings.TrimSuffix(e, "*")
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if e == key {
			return true
		}
	}
	return false
}

// MatchSkill reports whether a requested skill name matches an entry in a
// skills list. Entries may be a bare name, "plugin__name", or
// "plugin__*" (prefix match). The namespace prefix "plugin__" is stripped
// from the requested name before comparison, per spec §4.3.
func MatchSkill(entries []string, requestedName string) bool {
	local := requestedName
	if idx := strings.Index(requestedName, "__"); idx >= 0 {
		local = requestedName[idx+2:]
	}
	for _, e := range entries {
		if e == "*" {
			return true
		}
		if strings.HasSuffix(e, "__*") {
			prefix := strings.TrimSuffix(e, "*")
			if strings.HasPrefix(requestedName, prefix) || strings.HasPrefix(local, strings.TrimSuffix(prefix, "__")) {
				return true
			}
			continue
		}
		if e == requestedName || e == local {
			return true
		}
	}
	return false
}

// NormalizeRoutePath trims a single trailing slash (but never reduces "/"
// itself), per the §4.3 normalization rule.
func NormalizeRoutePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimSuffix(path, "/")
	}
	return path
}

// RouteSpec is a single parsed entry from an api.routes list: an optional
// verb allowlist and a path pattern, which may end in "/*" for prefix
// matching.
type RouteSpec struct {
	Verbs   []string
	Pattern string
	Prefix  bool
}

// ParseRouteSpec parses one route spec string, which is either
// "<VERBS> <pattern>" (space-separated verbs, then the pattern) or a bare
// pattern with no verb restriction.
func ParseRouteSpec(spec string) RouteSpec {
	spec = strings.TrimSpace(spec)
	fields := strings.Fields(spec)
	var verbs []string
	pattern := spec
	if len(fields) >= 2 {
		candidate := strings.ToUpper(fields[0])
		if isHTTPVerbList(candidate) {
			for _, v := range strings.Split(candidate, ",") {
				if v != "" {
					verbs = append(verbs, v)
				}
			}
			pattern = strings.Join(fields[1:], " ")
		}
	}
	pattern = NormalizeRoutePath(pattern)
	prefix := strings.HasSuffix(pattern, "/*")
	if prefix {
		pattern = strings.TrimSuffix(pattern, "/*")
	}
	return RouteSpec{Verbs: verbs, Pattern: pattern, Prefix: prefix}
}

var knownVerbs = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

func isHTTPVerbList(candidate string) bool {
	parts := strings.Split(candidate, ",")
	for _, p := range parts {
		if !knownVerbs[p] {
			return false
		}
	}
	return len(parts) > 0
}

// MatchRoute reports whether the spec matches path and method. If the spec
// declares verbs, method must be among them. Otherwise the caller is
// expected to fall back to top-level api.methods and, failing that, allow
// any verb — see guard.CheckAPIRoute, which implements that fallback chain.
func (s RouteSpec) MatchRoute(path string) bool {
	path = NormalizeRoutePath(path)
	if s.Prefix {
		return path == s.Pattern || strings.HasPrefix(path, s.Pattern+"/")
	}
	return path == s.Pattern
}
