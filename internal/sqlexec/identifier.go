package sqlexec

import (
	"regexp"
	"strings"
)

// MaxIdentifierLength matches the PostgreSQL NAMEDATALEN limit.
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// System columns added to every generic table.
const (
	ColumnID         = "id"
	ColumnInsertedAt = "inserted_at"
)

// reservedPrefixes cannot start a generic table name.
var reservedPrefixes = []string{"pg_", "sqlite_"}

// NormalizeIdentifier validates a table or column name against the allow-list
// pattern and returns it lowercased. Whitespace around the name is ignored.
func NormalizeIdentifier(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if !identifierPattern.MatchString(name) {
		return "", false
	}
	return strings.ToLower(name), true
}

func normalizeTable(name string) (string, *Error) {
	n, ok := NormalizeIdentifier(name)
	if !ok {
		return "", rejected(name, "", "invalid table identifier %q", name)
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(n, p) {
			return "", rejected(n, "", "table name uses reserved prefix %q", p)
		}
	}
	return n, nil
}

func normalizeColumn(table, name string) (string, *Error) {
	n, ok := NormalizeIdentifier(name)
	if !ok {
		return "", rejected(table, name, "invalid column identifier %q", name)
	}
	return n, nil
}

// quoteIdent wraps a validated identifier in double quotes. Both supported
// dialects accept ANSI quoting. Callers pass only normalized identifiers.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func isSystemColumn(name string) bool {
	return name == ColumnID || name == ColumnInsertedAt
}
