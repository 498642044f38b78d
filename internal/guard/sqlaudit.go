package guard

import (
	"regexp"
	"strings"
)

// SQLAudit is the best-effort analysis of a single SQL statement: the set
// of table names it references and whether it mutates data. It is
// deliberately not a real parser — spec §4.3 specifies it as a
// regex-based auditor paired with the mandatory table allowlist in the
// guard, so a table the auditor fails to extract still falls back to
// requiring wildcard ("*") access rather than being silently allowed.
type SQLAudit struct {
	Tables       []string
	Write        bool
	MultiStatement bool
}

var (
	lineCommentPattern  = regexp.MustCompile(`--[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`/\*.*?\*/`)
	stringLiteralPattern = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)

	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE)\s+([A-Za-z_][\w$.\"` + "`" + `]*)|DELETE\s+FROM\s+([A-Za-z_][\w$.\"` + "`" + `]*)`)

	writeKeywordPattern = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|TRUNCATE|REPLACE)\b`)

	bareTableNamePattern = regexp.MustCompile(`^[A-Za-z_][\w$]*$`)
)

// stripNoise removes line comments, block comments, and single-quoted
// string literal contents, replacing each with a single space so token
// boundaries are preserved for the regexes that run afterward.
func stripNoise(sql string) string {
	sql = lineCommentPattern.ReplaceAllString(sql, " ")
	sql = blockCommentPattern.ReplaceAllString(sql, " ")
	sql = stringLiteralPattern.ReplaceAllString(sql, "''")
	return sql
}

// AuditSQL inspects a single SQL statement and extracts the table names
// it references and whether it is a write, per spec §4.3's algorithm.
func AuditSQL(sql string) *SQLAudit {
	clean := stripNoise(sql)

	audit := &SQLAudit{
		Write:          writeKeywordPattern.MatchString(clean),
		MultiStatement: isMultiStatement(clean),
	}

	seen := make(map[string]bool)
	for _, m := range tableRefPattern.FindAllStringSubmatch(clean, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		name := extractTableName(raw)
		if name == "" {
			continue
		}
		if !seen[name] {
			seen[name] = true
			audit.Tables = append(audit.Tables, name)
		}
	}

	return audit
}

// isMultiStatement reports whether clean contains more than one
// semicolon-separated statement (ignoring a single trailing semicolon).
func isMultiStatement(clean string) bool {
	trimmed := strings.TrimSpace(clean)
	trimmed = strings.TrimSuffix(trimmed, ";")
	return strings.Contains(trimmed, ";")
}

// extractTableName takes the raw matched reference (possibly
// schema-qualified, possibly quoted) and returns the final dotted
// segment, stripped of quoting, if it matches the identifier shape.
// Otherwise it returns "".
func extractTableName(raw string) string {
	raw = strings.TrimSpace(raw)
	segments := strings.Split(raw, ".")
	last := segments[len(segments)-1]
	last = strings.Trim(last, `"`+"`")
	if !bareTableNamePattern.MatchString(last) {
		return ""
	}
	return last
}
