package sqlexec

import (
	"sort"
)

// Op names a statement shape in the restricted grammar.
type Op string

const (
	OpCreateTable Op = "create_table"
	OpInsert      Op = "insert"
	OpUpdate      Op = "update"
	OpSelectLast  Op = "select_last"
	OpSelect      Op = "select"
	OpDescribe    Op = "describe"
)

// Statement is one operation requested of the executor. Implementations are
// the types below; callers never supply SQL text.
type Statement interface {
	Op() Op
	Target() string
}

// ColumnDef declares one column of a CreateTable.
type ColumnDef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
	Default string `json:"default,omitempty"`
}

// CreateTable creates a generic table. The id and inserted_at system columns
// are always added; a declared id column must be an integer type.
type CreateTable struct {
	Table   string
	Columns []ColumnDef
}

// Insert adds one row.
type Insert struct {
	Table  string
	Values map[string]any
}

// Update sets columns on rows matching an equality filter. The filter must
// not be empty.
type Update struct {
	Table string
	Set   map[string]any
	Where map[string]any
}

// SelectLast returns the most recently inserted rows.
type SelectLast struct {
	Table string
	Where map[string]any
	Limit int
}

// Select returns rows matching an equality filter in insertion order.
type Select struct {
	Table   string
	Columns []string // Empty selects all columns.
	Where   map[string]any
	Limit   int
}

// Describe returns the introspected schema of a table.
type Describe struct {
	Table string
}

func (s CreateTable) Op() Op { return OpCreateTable }
func (s Insert) Op() Op      { return OpInsert }
func (s Update) Op() Op      { return OpUpdate }
func (s SelectLast) Op() Op  { return OpSelectLast }
func (s Select) Op() Op      { return OpSelect }
func (s Describe) Op() Op    { return OpDescribe }

func (s CreateTable) Target() string { return s.Table }
func (s Insert) Target() string      { return s.Table }
func (s Update) Target() string      { return s.Table }
func (s SelectLast) Target() string  { return s.Table }
func (s Select) Target() string      { return s.Table }
func (s Describe) Target() string    { return s.Table }

// StatementKind separates schema changes from data access.
type StatementKind string

const (
	KindDDL StatementKind = "DDL"
	KindDML StatementKind = "DML"
)

// SQLStatement is a rendered statement. Text contains only validated,
// quoted identifiers and placeholders; all values travel in Args.
type SQLStatement struct {
	Kind  StatementKind `json:"kind"`
	Table string        `json:"table"`
	Text  string        `json:"text"`
	Args  []any         `json:"args,omitempty"`
}

// sortedKeys returns map keys in a stable order so rendered SQL is deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
