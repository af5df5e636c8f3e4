package sqlexec

import (
	"fmt"
	"strings"
)

// Code classifies executor failures.
type Code string

const (
	CodeSchemaConflict    Code = "SchemaConflict"
	CodeUnknownColumn     Code = "UnknownColumn"
	CodeUnknownTable      Code = "UnknownTable"
	CodeStatementRejected Code = "StatementRejected"
	CodeExecutionError    Code = "ExecutionError"
)

// Error is an executor failure. Every failure rolls back the whole call.
type Error struct {
	Code     Code
	Table    string
	Column   string
	Detail   string
	SQLState string // Set for ExecutionError when the driver reports one.
	Err      error
}

// Sentinels for errors.Is matching by code.
var (
	ErrSchemaConflict    = &Error{Code: CodeSchemaConflict}
	ErrUnknownColumn     = &Error{Code: CodeUnknownColumn}
	ErrUnknownTable      = &Error{Code: CodeUnknownTable}
	ErrStatementRejected = &Error{Code: CodeStatementRejected}
	ErrExecutionError    = &Error{Code: CodeExecutionError}
)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if e.Table != "" {
		fmt.Fprintf(&sb, " table=%s", e.Table)
	}
	if e.Column != "" {
		fmt.Fprintf(&sb, " column=%s", e.Column)
	}
	if e.SQLState != "" {
		fmt.Fprintf(&sb, " sqlstate=%s", e.SQLState)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable code reported in invocation records.
func (e *Error) ErrorCode() string { return string(e.Code) }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Transient reports whether the store failure is safe to retry: serialization
// failures, deadlocks and connection errors.
func (e *Error) Transient() bool {
	if e.Code != CodeExecutionError {
		return false
	}
	switch {
	case e.SQLState == "40001", e.SQLState == "40P01":
		return true
	case strings.HasPrefix(e.SQLState, "08"):
		return true
	}
	return false
}

func rejected(table, column, format string, args ...any) *Error {
	return &Error{Code: CodeStatementRejected, Table: table, Column: column, Detail: fmt.Sprintf(format, args...)}
}
