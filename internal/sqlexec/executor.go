// Package sqlexec executes generic table operations against a schema that is
// not known in advance. Every call follows the same pipeline: validate each
// statement against a restricted grammar, introspect the target tables inside
// one transaction, check the statements against what exists, then execute
// with bound parameters and commit. Any failure rolls the whole call back.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jkaninda/switchboard/internal/domain"
)

const (
	defaultRows    = 10
	defaultMaxRows = 100
	defaultTimeout = 30 * time.Second
)

// OperationLogStore records executor calls in a system table outside the
// generic namespace.
type OperationLogStore interface {
	Record(ctx context.Context, entry *domain.OperationLog) error
	Recent(ctx context.Context, table string, limit int) ([]domain.OperationLog, error)
}

// Options configures an Executor.
type Options struct {
	Namespace    string        // Default: "user_data".
	DefaultRows  int           // Rows returned when a read has no limit. Default: 10.
	MaxRows      int           // Upper bound for any read. Default: 100.
	Timeout      time.Duration // Per-call timeout. Default: 30s.
	OperationLog OperationLogStore
	Logger       *slog.Logger
}

// Executor validates and runs statements against generic tables.
type Executor struct {
	db          *sql.DB
	dialect     Dialect
	namespace   string
	defaultRows int
	maxRows     int
	timeout     time.Duration
	oplog       OperationLogStore
	logger      *slog.Logger
}

// New creates an Executor over a pooled connection. A connection is checked
// out per Execute call and released on every exit path.
func New(db *sql.DB, dialect Dialect, opts Options) *Executor {
	e := &Executor{
		db:          db,
		dialect:     dialect,
		namespace:   strings.ToLower(opts.Namespace),
		defaultRows: opts.DefaultRows,
		maxRows:     opts.MaxRows,
		timeout:     opts.Timeout,
		oplog:       opts.OperationLog,
		logger:      opts.Logger,
	}
	if e.namespace == "" {
		e.namespace = "user_data"
	}
	if e.maxRows <= 0 {
		e.maxRows = defaultMaxRows
	}
	if e.defaultRows <= 0 {
		e.defaultRows = defaultRows
	}
	if e.defaultRows > e.maxRows {
		e.defaultRows = e.maxRows
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Namespace returns the namespace generic tables live in.
func (e *Executor) Namespace() string { return e.namespace }

// Dialect returns the executor's SQL dialect.
func (e *Executor) Dialect() Dialect { return e.dialect }

// Init prepares the namespace. Safe to call repeatedly.
func (e *Executor) Init(ctx context.Context) error {
	for _, stmt := range e.dialect.NamespaceDDL(e.namespace) {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("preparing namespace %s: %w", e.namespace, err)
		}
	}
	return nil
}

// ExecutionResult is the outcome of one committed Execute call.
type ExecutionResult struct {
	InvocationID uuid.UUID         `json:"invocation_id"`
	Results      []StatementResult `json:"results"`
}

// StatementResult is the outcome of one statement within a call.
type StatementResult struct {
	Op           Op               `json:"op"`
	Table        string           `json:"table"`
	Applied      bool             `json:"applied"` // False for reads and for an idempotent create-table.
	RowsAffected int64            `json:"rows_affected"`
	InsertedID   int64            `json:"inserted_id,omitempty"`
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	Schema       *TableSchema     `json:"schema,omitempty"`
	SQL          []SQLStatement   `json:"sql,omitempty"`
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Introspect returns the schema of a generic table, or an *Error with
// CodeUnknownTable when it does not exist.
func (e *Executor) Introspect(ctx context.Context, table string) (*TableSchema, error) {
	name, verr := normalizeTable(table)
	if verr != nil {
		return nil, verr
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	schema, err := e.introspect(ctx, e.db, name)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, &Error{Code: CodeUnknownTable, Table: name}
	}
	return schema, nil
}

// introspect returns nil, nil when the table does not exist.
func (e *Executor) introspect(ctx context.Context, q queryer, table string) (*TableSchema, error) {
	query, args := e.dialect.ColumnsQuery(e.namespace, table)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, e.execError(table, fmt.Errorf("introspecting: %w", err))
	}
	defer rows.Close()

	schema := &TableSchema{Name: table}
	for rows.Next() {
		var (
			name, typ, nullable string
			def                 sql.NullString
		)
		if err := rows.Scan(&name, &typ, &nullable, &def); err != nil {
			return nil, e.execError(table, fmt.Errorf("scanning column info: %w", err))
		}
		col := ColumnSchema{
			Name:    strings.ToLower(name),
			RawType: typ,
			NotNull: strings.EqualFold(nullable, "NO"),
			Default: def.String,
		}
		ct, perr := ParseType(typ)
		col.Type, col.Unparsed = ct, perr != nil
		col.System = isSystemColumn(col.Name)
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, e.execError(table, fmt.Errorf("reading column info: %w", err))
	}
	if len(schema.Columns) == 0 {
		return nil, nil
	}
	return schema, nil
}

// Execute validates then runs stmts in a single transaction. Validation
// failures are returned before the store is touched.
func (e *Executor) Execute(ctx context.Context, invocationID uuid.UUID, stmts ...Statement) (*ExecutionResult, error) {
	if len(stmts) == 0 {
		return nil, rejected("", "", "no statements")
	}

	plans := make([]*plan, 0, len(stmts))
	for _, s := range stmts {
		p, verr := e.plan(s)
		if verr != nil {
			e.record(ctx, invocationID, []logEntry{{op: s.Op(), table: s.Target(), err: verr}})
			return nil, verr
		}
		plans = append(plans, p)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.execError("", fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	cache := make(map[string]*TableSchema)
	result := &ExecutionResult{InvocationID: invocationID}
	entries := make([]logEntry, 0, len(plans))
	for _, p := range plans {
		res, err := e.run(ctx, tx, p, cache)
		if err != nil {
			for i := range entries {
				entries[i].rolledBack = true
			}
			entries = append(entries, logEntry{op: p.op, table: p.table, err: err})
			e.record(ctx, invocationID, entries)
			e.logger.WarnContext(ctx, "executor call rolled back",
				slog.String("invocation_id", invocationID.String()),
				slog.String("op", string(p.op)),
				slog.String("table", p.table),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		result.Results = append(result.Results, *res)
		entries = append(entries, logEntry{op: p.op, table: p.table, applied: res.Applied, rows: res.RowsAffected, sql: res.SQL})
	}

	if err := tx.Commit(); err != nil {
		cerr := e.execError("", fmt.Errorf("committing: %w", err))
		for i := range entries {
			entries[i].rolledBack = true
		}
		e.record(ctx, invocationID, entries)
		return nil, cerr
	}

	e.record(ctx, invocationID, entries)
	e.logger.InfoContext(ctx, "executor call committed",
		slog.String("invocation_id", invocationID.String()),
		slog.Int("statements", len(plans)),
	)
	return result, nil
}

func (e *Executor) execError(table string, err error) *Error {
	return &Error{Code: CodeExecutionError, Table: table, SQLState: e.dialect.SQLState(err), Err: err}
}

// plan is a validated statement with normalized identifiers.
type plan struct {
	op      Op
	table   string
	create  *TableSchema
	defs    map[string]string // Rendered DEFAULT expressions by column.
	values  map[string]any
	where   map[string]any
	columns []string
	limit   int
}

func (e *Executor) plan(s Statement) (*plan, *Error) {
	table, verr := normalizeTable(s.Target())
	if verr != nil {
		return nil, verr
	}
	p := &plan{op: s.Op(), table: table}

	switch st := s.(type) {
	case CreateTable:
		return p, e.planCreate(p, st)
	case *CreateTable:
		return p, e.planCreate(p, *st)
	case Insert:
		return p, planInsert(p, st.Values)
	case *Insert:
		return p, planInsert(p, st.Values)
	case Update:
		return p, planUpdate(p, st)
	case *Update:
		return p, planUpdate(p, *st)
	case SelectLast:
		return p, e.planRead(p, nil, st.Where, st.Limit)
	case *SelectLast:
		return p, e.planRead(p, nil, st.Where, st.Limit)
	case Select:
		return p, e.planRead(p, st.Columns, st.Where, st.Limit)
	case *Select:
		return p, e.planRead(p, st.Columns, st.Where, st.Limit)
	case Describe, *Describe:
		return p, nil
	}
	return nil, rejected(table, "", "unsupported statement %T", s)
}

func (e *Executor) planCreate(p *plan, st CreateTable) *Error {
	schema := &TableSchema{Name: p.table}
	schema.Columns = append(schema.Columns, ColumnSchema{
		Name: ColumnID, Type: ColumnType{Family: FamilyInteger, Name: "BIGINT"}, RawType: "BIGINT", NotNull: true, System: true,
	})
	p.defs = make(map[string]string)
	seen := map[string]bool{}
	for _, def := range st.Columns {
		name, verr := normalizeColumn(p.table, def.Name)
		if verr != nil {
			return verr
		}
		if seen[name] {
			return rejected(p.table, name, "duplicate column")
		}
		seen[name] = true

		var ct ColumnType
		if def.Type != "" {
			parsed, err := ParseType(def.Type)
			if err != nil {
				return rejected(p.table, name, "%v", err)
			}
			ct = parsed
		}

		// Declared system columns merge into the implicit ones.
		switch name {
		case ColumnID:
			if def.Type != "" && ct.Family != FamilyInteger {
				return rejected(p.table, name, "id must be an integer type, got %s", def.Type)
			}
			continue
		case ColumnInsertedAt:
			if def.Type != "" && ct.Family != FamilyTimestamp {
				return rejected(p.table, name, "inserted_at must be a timestamp, got %s", def.Type)
			}
			continue
		}

		if def.Type == "" {
			return rejected(p.table, name, "missing column type")
		}
		if ct.Serial {
			return rejected(p.table, name, "serial types are reserved for the id column")
		}
		rendered, err := ParseDefault(def.Default, ct)
		if err != nil {
			return rejected(p.table, name, "%v", err)
		}
		if rendered != "" {
			p.defs[name] = rendered
		}
		schema.Columns = append(schema.Columns, ColumnSchema{
			Name:    name,
			Type:    ct,
			RawType: ct.SQL(),
			NotNull: def.NotNull,
			Default: rendered,
		})
	}
	if len(schema.Columns) == 1 {
		return rejected(p.table, "", "table needs at least one column besides id")
	}
	schema.Columns = append(schema.Columns, ColumnSchema{
		Name: ColumnInsertedAt, Type: ColumnType{Family: FamilyTimestamp, Name: "TIMESTAMP"}, RawType: "TIMESTAMP",
		NotNull: true, Default: "CURRENT_TIMESTAMP", System: true,
	})
	p.create = schema
	return nil
}

func planInsert(p *plan, values map[string]any) *Error {
	if len(values) == 0 {
		return rejected(p.table, "", "insert needs at least one value")
	}
	norm, verr := normalizeValues(p.table, values, true)
	if verr != nil {
		return verr
	}
	p.values = norm
	return nil
}

func planUpdate(p *plan, st Update) *Error {
	if len(st.Set) == 0 {
		return rejected(p.table, "", "update needs at least one column to set")
	}
	if len(st.Where) == 0 {
		return rejected(p.table, "", "update requires a filter")
	}
	set, verr := normalizeValues(p.table, st.Set, true)
	if verr != nil {
		return verr
	}
	where, verr := normalizeValues(p.table, st.Where, false)
	if verr != nil {
		return verr
	}
	p.values, p.where = set, where
	return nil
}

func (e *Executor) planRead(p *plan, columns []string, where map[string]any, limit int) *Error {
	w, verr := normalizeValues(p.table, where, false)
	if verr != nil {
		return verr
	}
	p.where = w
	for _, c := range columns {
		name, verr := normalizeColumn(p.table, c)
		if verr != nil {
			return verr
		}
		p.columns = append(p.columns, name)
	}
	switch {
	case limit <= 0:
		p.limit = e.defaultRows
	case limit > e.maxRows:
		p.limit = e.maxRows
	default:
		p.limit = limit
	}
	return nil
}

// normalizeValues lowercases and validates keys. Writes to system columns
// are rejected when write is true.
func normalizeValues(table string, in map[string]any, write bool) (map[string]any, *Error) {
	out := make(map[string]any, len(in))
	for _, k := range sortedKeys(in) {
		name, verr := normalizeColumn(table, k)
		if verr != nil {
			return nil, verr
		}
		if _, dup := out[name]; dup {
			return nil, rejected(table, name, "duplicate column")
		}
		if write && isSystemColumn(name) {
			return nil, rejected(table, name, "system column is read-only")
		}
		if !isScalar(in[k]) {
			return nil, rejected(table, name, "value must be a scalar, got %T", in[k])
		}
		out[name] = in[k]
	}
	return out, nil
}

// run executes one plan inside tx. cache holds schemas seen or created
// earlier in the same call.
func (e *Executor) run(ctx context.Context, tx *sql.Tx, p *plan, cache map[string]*TableSchema) (*StatementResult, error) {
	schema, ok := cache[p.table]
	if !ok {
		var err error
		schema, err = e.introspect(ctx, tx, p.table)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			cache[p.table] = schema
		}
	}

	res := &StatementResult{Op: p.op, Table: p.table}
	switch p.op {
	case OpCreateTable:
		if schema != nil {
			if conflict := schema.conflicts(p.create); conflict != nil {
				return nil, conflict
			}
			res.Schema = schema
			return res, nil
		}
		stmt := e.createSQL(p)
		if _, err := tx.ExecContext(ctx, stmt.Text); err != nil {
			return nil, e.execError(p.table, err)
		}
		cache[p.table] = p.create
		res.Applied = true
		res.Schema = p.create
		res.SQL = []SQLStatement{stmt}
		return res, nil
	case OpDescribe:
		if schema == nil {
			return nil, &Error{Code: CodeUnknownTable, Table: p.table}
		}
		res.Schema = schema
		return res, nil
	}

	if schema == nil {
		return nil, &Error{Code: CodeUnknownTable, Table: p.table}
	}
	values, err := coerceAll(schema, p.values)
	if err != nil {
		return nil, err
	}
	where, err := coerceAll(schema, p.where)
	if err != nil {
		return nil, err
	}
	for _, c := range p.columns {
		if !schema.HasColumn(c) {
			return nil, &Error{Code: CodeUnknownColumn, Table: p.table, Column: c}
		}
	}

	switch p.op {
	case OpInsert:
		return e.runInsert(ctx, tx, res, values)
	case OpUpdate:
		return e.runUpdate(ctx, tx, res, values, where)
	case OpSelectLast, OpSelect:
		return e.runSelect(ctx, tx, res, schema, p, where)
	}
	return nil, rejected(p.table, "", "unsupported op %s", p.op)
}

func (e *Executor) createSQL(p *plan) SQLStatement {
	parts := []string{e.dialect.IDColumnDDL()}
	for _, c := range p.create.Columns {
		if c.System {
			continue
		}
		col := quoteIdent(c.Name) + " " + e.dialect.RenderType(c.Type)
		if c.NotNull {
			col += " NOT NULL"
		}
		if d := p.defs[c.Name]; d != "" {
			col += " DEFAULT " + d
		}
		parts = append(parts, col)
	}
	parts = append(parts, e.dialect.InsertedAtDDL())
	return SQLStatement{
		Kind:  KindDDL,
		Table: p.table,
		Text:  "CREATE TABLE " + e.dialect.QualifiedTable(e.namespace, p.table) + " (" + strings.Join(parts, ", ") + ")",
	}
}

func (e *Executor) runInsert(ctx context.Context, tx *sql.Tx, res *StatementResult, values map[string]any) (*StatementResult, error) {
	keys := sortedKeys(values)
	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
		args[i] = values[k]
	}
	text, bound, err := sq.Insert(e.dialect.QualifiedTable(e.namespace, res.Table)).
		Columns(cols...).
		Values(args...).
		Suffix("RETURNING " + quoteIdent(ColumnID)).
		PlaceholderFormat(e.dialect.Placeholder()).
		ToSql()
	if err != nil {
		return nil, rejected(res.Table, "", "building insert: %v", err)
	}
	if err := tx.QueryRowContext(ctx, text, bound...).Scan(&res.InsertedID); err != nil {
		return nil, e.execError(res.Table, err)
	}
	res.Applied = true
	res.RowsAffected = 1
	res.SQL = []SQLStatement{{Kind: KindDML, Table: res.Table, Text: text, Args: bound}}
	return res, nil
}

func (e *Executor) runUpdate(ctx context.Context, tx *sql.Tx, res *StatementResult, values, where map[string]any) (*StatementResult, error) {
	ub := sq.Update(e.dialect.QualifiedTable(e.namespace, res.Table)).
		PlaceholderFormat(e.dialect.Placeholder())
	for _, k := range sortedKeys(values) {
		ub = ub.Set(quoteIdent(k), values[k])
	}
	ub = ub.Where(quotedEq(where))
	text, bound, err := ub.ToSql()
	if err != nil {
		return nil, rejected(res.Table, "", "building update: %v", err)
	}
	r, err := tx.ExecContext(ctx, text, bound...)
	if err != nil {
		return nil, e.execError(res.Table, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, e.execError(res.Table, err)
	}
	res.Applied = n > 0
	res.RowsAffected = n
	res.SQL = []SQLStatement{{Kind: KindDML, Table: res.Table, Text: text, Args: bound}}
	return res, nil
}

func (e *Executor) runSelect(ctx context.Context, tx *sql.Tx, res *StatementResult, schema *TableSchema, p *plan, where map[string]any) (*StatementResult, error) {
	order, ok := orderColumns(schema)
	if !ok && p.op == OpSelectLast {
		return nil, rejected(p.table, "", "table has no insertion marker to order by")
	}

	cols := []string{"*"}
	if len(p.columns) > 0 {
		cols = make([]string, len(p.columns))
		for i, c := range p.columns {
			cols[i] = quoteIdent(c)
		}
	}
	sb := sq.Select(cols...).
		From(e.dialect.QualifiedTable(e.namespace, p.table)).
		PlaceholderFormat(e.dialect.Placeholder()).
		Limit(uint64(p.limit))
	if len(where) > 0 {
		sb = sb.Where(quotedEq(where))
	}
	dir := " ASC"
	if p.op == OpSelectLast {
		dir = " DESC"
	}
	for _, c := range order {
		sb = sb.OrderBy(quoteIdent(c) + dir)
	}

	text, bound, err := sb.ToSql()
	if err != nil {
		return nil, rejected(p.table, "", "building select: %v", err)
	}
	rows, err := tx.QueryContext(ctx, text, bound...)
	if err != nil {
		return nil, e.execError(p.table, err)
	}
	defer rows.Close()

	res.Columns, res.Rows, err = readRows(rows, p.limit)
	if err != nil {
		return nil, e.execError(p.table, err)
	}
	res.SQL = []SQLStatement{{Kind: KindDML, Table: p.table, Text: text, Args: bound}}
	return res, nil
}

// orderColumns picks the insertion-order key: the implicit marker first,
// then created_at, then the primary key.
func orderColumns(schema *TableSchema) ([]string, bool) {
	hasID := schema.HasColumn(ColumnID)
	for _, marker := range []string{ColumnInsertedAt, "created_at"} {
		if schema.HasColumn(marker) {
			if hasID {
				return []string{marker, ColumnID}, true
			}
			return []string{marker}, true
		}
	}
	if hasID {
		return []string{ColumnID}, true
	}
	return nil, false
}

func quotedEq(where map[string]any) sq.Eq {
	eq := make(sq.Eq, len(where))
	for k, v := range where {
		eq[quoteIdent(k)] = v
	}
	return eq
}

func coerceAll(schema *TableSchema, in map[string]any) (map[string]any, *Error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	for _, k := range sortedKeys(in) {
		col, ok := schema.Column(k)
		if !ok {
			return nil, &Error{Code: CodeUnknownColumn, Table: schema.Name, Column: k}
		}
		v, err := coerce(col, in[k])
		if err != nil {
			return nil, rejected(schema.Name, k, "%v", err)
		}
		out[k] = v
	}
	return out, nil
}

func readRows(rows *sql.Rows, limit int) ([]string, []map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("getting columns: %w", err)
	}
	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, nil, fmt.Errorf("scanning row %d: %w", len(out), err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating rows: %w", err)
	}
	return cols, out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	return v
}

type logEntry struct {
	op         Op
	table      string
	applied    bool
	rows       int64
	sql        []SQLStatement
	err        error
	rolledBack bool
}

// record writes operation log rows after the transaction has finished, so
// bookkeeping never holds locks inside the data transaction.
func (e *Executor) record(ctx context.Context, invocationID uuid.UUID, entries []logEntry) {
	if e.oplog == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	for _, en := range entries {
		entry := &domain.OperationLog{
			ID:            uuid.New(),
			InvocationID:  invocationID,
			OperationType: string(en.op),
			TableName:     en.table,
			Status:        "success",
			CreatedAt:     now,
		}
		switch {
		case en.err != nil:
			entry.Status = "error"
			entry.ErrorMessage = en.err.Error()
		case en.rolledBack:
			entry.Status = "rolled_back"
		}
		entry.Description = describe(en)
		if err := e.oplog.Record(ctx, entry); err != nil {
			e.logger.WarnContext(ctx, "operation log write failed",
				slog.String("invocation_id", invocationID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func describe(en logEntry) string {
	if len(en.sql) > 0 {
		return truncate(en.sql[0].Text, 500)
	}
	if en.op == OpCreateTable && en.err == nil {
		return "table already exists with identical columns"
	}
	return string(en.op) + " " + en.table
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
