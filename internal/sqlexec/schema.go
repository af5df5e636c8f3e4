package sqlexec

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnSchema is one introspected or planned column.
type ColumnSchema struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"-"`
	RawType  string     `json:"type"`
	NotNull  bool       `json:"not_null"`
	Default  string     `json:"default,omitempty"`
	System   bool       `json:"system,omitempty"`
	Unparsed bool       `json:"-"` // Type outside the grammar (table created out of band).
}

// TableSchema describes a generic table as the store reports it.
type TableSchema struct {
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// Column returns the named column.
func (t *TableSchema) Column(name string) (ColumnSchema, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// HasColumn reports whether the table has the named column.
func (t *TableSchema) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns column names in table order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// userColumns returns the non-system columns keyed by name.
func (t *TableSchema) userColumns() map[string]ColumnSchema {
	out := make(map[string]ColumnSchema, len(t.Columns))
	for _, c := range t.Columns {
		if isSystemColumn(c.Name) {
			continue
		}
		out[c.Name] = c
	}
	return out
}

// conflicts compares an existing table with a planned definition. Column sets
// are identical when names, type families and nullability match; system
// columns and defaults are ignored. Returns nil when identical.
func (t *TableSchema) conflicts(planned *TableSchema) *Error {
	have, want := t.userColumns(), planned.userColumns()
	var diffs []string
	for name, w := range want {
		h, ok := have[name]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("missing column %s", name))
		case h.Unparsed || h.Type.Family != w.Type.Family:
			diffs = append(diffs, fmt.Sprintf("column %s is %s, want %s", name, h.RawType, w.RawType))
		case h.NotNull != w.NotNull:
			diffs = append(diffs, fmt.Sprintf("column %s nullability differs", name))
		}
	}
	for name := range have {
		if _, ok := want[name]; !ok {
			diffs = append(diffs, fmt.Sprintf("unexpected column %s", name))
		}
	}
	if id, ok := t.Column(ColumnID); ok && !id.Unparsed && id.Type.Family != FamilyInteger {
		diffs = append(diffs, "existing id column is not an integer")
	}
	if len(diffs) == 0 {
		return nil
	}
	sort.Strings(diffs)
	return &Error{Code: CodeSchemaConflict, Table: t.Name, Detail: strings.Join(diffs, "; ")}
}
