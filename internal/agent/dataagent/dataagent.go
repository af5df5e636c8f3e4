// Package dataagent turns schema and data intents into executor statements.
// It never builds SQL itself; every operation goes through sqlexec.
package dataagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/intent"
	"github.com/jkaninda/switchboard/internal/sqlexec"
)

// Actions accepted in the "action" parameter.
const (
	ActionCreateTable      = "create_table"
	ActionDescribeTable    = "describe_table"
	ActionCheckTableExists = "check_table_exists"
	ActionInsert           = "insert"
	ActionUpdate           = "update"
	ActionSelectLast       = "select_last"
	ActionSelect           = "select"
)

// Agent serves schema_op and data_op intents.
type Agent struct {
	exec   *sqlexec.Executor
	logger *slog.Logger
}

// New creates a data agent over exec.
func New(exec *sqlexec.Executor, logger *slog.Logger) *Agent {
	return &Agent{exec: exec, logger: logger}
}

func (a *Agent) Name() string { return "DataAgent" }

// SideEffect classifies a request by its action. Reads and introspection
// are ReadOnly; everything else may change the database.
func (a *Agent) SideEffect(req *agent.Request) agent.SideEffect {
	action := strings.ToLower(req.Param("action"))
	if action == "" {
		action = defaultAction(req.Kind)
	}
	switch action {
	case ActionSelect, ActionSelectLast, ActionDescribeTable, ActionCheckTableExists:
		return agent.ReadOnly
	}
	return agent.Mutating
}

// Handle maps the request onto one executor call.
func (a *Agent) Handle(ctx context.Context, req *agent.Request) (*agent.Output, error) {
	action := strings.ToLower(req.Param("action"))
	table := req.Param("table")
	if table == "" {
		table = req.Dependency.Field("table")
	}
	if table == "" {
		return nil, invalid("table is required")
	}

	if action == "" {
		action = defaultAction(req.Kind)
	}
	if !allowed(req.Kind, action) {
		return nil, invalid(fmt.Sprintf("action %q is not valid for %s", action, req.Kind))
	}

	if action == ActionCheckTableExists {
		return a.checkExists(ctx, table)
	}

	stmt, err := statementFor(action, table, req.Params)
	if err != nil {
		return nil, err
	}
	res, err := a.exec.Execute(ctx, req.InvocationID, stmt)
	if err != nil {
		return nil, err
	}
	sr := res.Results[0]
	return output(action, &sr), nil
}

func (a *Agent) checkExists(ctx context.Context, table string) (*agent.Output, error) {
	schema, err := a.exec.Introspect(ctx, table)
	if errors.Is(err, sqlexec.ErrUnknownTable) {
		return &agent.Output{
			Summary: fmt.Sprintf("Table %s does not exist.", strings.ToLower(table)),
			Fields:  map[string]any{"table": strings.ToLower(table), "exists": false},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent.Output{
		Summary: fmt.Sprintf("Table %s exists with %d columns.", schema.Name, len(schema.Columns)),
		Fields:  map[string]any{"table": schema.Name, "exists": true},
		Data:    schema,
	}, nil
}

func defaultAction(k intent.Kind) string {
	if k == intent.KindSchemaOp {
		return ActionCreateTable
	}
	return ActionSelectLast
}

func allowed(k intent.Kind, action string) bool {
	switch action {
	case ActionCreateTable, ActionDescribeTable, ActionCheckTableExists:
		return k == intent.KindSchemaOp
	case ActionInsert, ActionUpdate, ActionSelectLast, ActionSelect:
		return k == intent.KindDataOp
	}
	return false
}

func statementFor(action, table string, params map[string]any) (sqlexec.Statement, error) {
	switch action {
	case ActionCreateTable:
		cols, err := columnDefs(params["columns"])
		if err != nil {
			return nil, err
		}
		return sqlexec.CreateTable{Table: table, Columns: cols}, nil
	case ActionDescribeTable:
		return sqlexec.Describe{Table: table}, nil
	case ActionInsert:
		values, ok := objectParam(params, "values", "data")
		if !ok || len(values) == 0 {
			return nil, invalid("insert requires values")
		}
		return sqlexec.Insert{Table: table, Values: values}, nil
	case ActionUpdate:
		set, _ := objectParam(params, "set", "values")
		where, _ := objectParam(params, "where", "filter")
		return sqlexec.Update{Table: table, Set: set, Where: where}, nil
	case ActionSelectLast:
		where, _ := objectParam(params, "where", "filter")
		limit, err := intParam(params["limit"])
		if err != nil {
			return nil, err
		}
		if limit == 0 {
			limit = 1
		}
		return sqlexec.SelectLast{Table: table, Where: where, Limit: limit}, nil
	case ActionSelect:
		where, _ := objectParam(params, "where", "filter")
		limit, err := intParam(params["limit"])
		if err != nil {
			return nil, err
		}
		cols, err := stringList(params["columns"])
		if err != nil {
			return nil, err
		}
		return sqlexec.Select{Table: table, Columns: cols, Where: where, Limit: limit}, nil
	}
	return nil, invalid(fmt.Sprintf("unknown action %q", action))
}

func output(action string, sr *sqlexec.StatementResult) *agent.Output {
	fields := map[string]any{
		"table":   sr.Table,
		"action":  action,
		"applied": sr.Applied,
	}
	var summary string
	switch action {
	case ActionCreateTable:
		if sr.Applied {
			summary = fmt.Sprintf("Created table %s.", sr.Table)
		} else {
			summary = fmt.Sprintf("Table %s already exists with the same columns.", sr.Table)
		}
	case ActionDescribeTable:
		summary = fmt.Sprintf("Table %s has %d columns.", sr.Table, len(sr.Schema.Columns))
		return &agent.Output{Summary: summary, Fields: fields, Data: sr.Schema}
	case ActionInsert:
		fields["inserted_id"] = sr.InsertedID
		fields["rows_affected"] = sr.RowsAffected
		summary = fmt.Sprintf("Inserted 1 row into %s (id %d).", sr.Table, sr.InsertedID)
	case ActionUpdate:
		fields["rows_affected"] = sr.RowsAffected
		summary = fmt.Sprintf("Updated %d rows in %s.", sr.RowsAffected, sr.Table)
	default:
		fields["count"] = len(sr.Rows)
		summary = fmt.Sprintf("Read %d rows from %s.", len(sr.Rows), sr.Table)
		// A single-row read exposes its scalar values for conditions.
		if len(sr.Rows) == 1 {
			for k, v := range sr.Rows[0] {
				if s, ok := v.(string); ok {
					if _, taken := fields[k]; !taken {
						fields[k] = s
					}
				}
			}
		}
		return &agent.Output{Summary: summary, Fields: fields, Data: sr.Rows}
	}
	return &agent.Output{Summary: summary, Fields: fields, Data: sr}
}

// columnDefs accepts either column objects or bare column names.
func columnDefs(raw any) ([]sqlexec.ColumnDef, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, invalid("create_table requires columns")
	}
	defs := make([]sqlexec.ColumnDef, 0, len(list))
	for i, item := range list {
		var def sqlexec.ColumnDef
		switch v := item.(type) {
		case string:
			def.Name = v
		case map[string]any:
			def.Name, _ = v["name"].(string)
			def.Type, _ = v["type"].(string)
			def.NotNull = truthy(v["not_null"])
			if nullable, ok := v["nullable"].(bool); ok && !nullable {
				def.NotNull = true
			}
			switch d := v["default"].(type) {
			case string:
				def.Default = d
			case bool:
				def.Default = strconv.FormatBool(d)
			case json.Number:
				def.Default = d.String()
			case float64:
				def.Default = strconv.FormatFloat(d, 'f', -1, 64)
			}
		default:
			return nil, invalid(fmt.Sprintf("column %d is neither a name nor an object", i))
		}
		if def.Name == "" {
			return nil, invalid(fmt.Sprintf("column %d has no name", i))
		}
		if def.Type == "" && !systemColumn(def.Name) {
			def.Type = InferType(def.Name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// systemColumn reports whether name is one of the implicit columns every
// table gets. Untyped mentions of these are left for the executor to merge.
func systemColumn(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case sqlexec.ColumnID, sqlexec.ColumnInsertedAt:
		return true
	}
	return false
}

// InferType picks a column type from its name when none was given.
func InferType(column string) string {
	name := strings.ToLower(column)
	switch name {
	case "name", "title", "status", "email":
		return "VARCHAR(255)"
	case "description", "content", "notes", "body":
		return "TEXT"
	case "price", "value", "amount":
		return "DECIMAL(10,2)"
	case "quantity", "age", "count":
		return "INTEGER"
	case "created_at", "updated_at":
		return "TIMESTAMP"
	case "active", "published", "available":
		return "BOOLEAN"
	}
	switch {
	case strings.HasSuffix(name, "_at"):
		return "TIMESTAMP"
	case strings.HasPrefix(name, "is_"):
		return "BOOLEAN"
	}
	return "TEXT"
}

func objectParam(params map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if m, ok := params[k].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func intParam(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalid(fmt.Sprintf("limit %q is not an integer", n))
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, invalid(fmt.Sprintf("limit %q is not an integer", n))
		}
		return i, nil
	}
	return 0, invalid(fmt.Sprintf("limit has unsupported type %T", v))
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, invalid("columns must be a list of names")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, invalid("columns must be a list of names")
		}
		out = append(out, s)
	}
	return out, nil
}

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func invalid(detail string) error {
	return &sqlexec.Error{Code: sqlexec.CodeStatementRejected, Detail: detail}
}

var _ agent.Agent = (*Agent)(nil)
