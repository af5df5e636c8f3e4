// Package agent defines the task agent interface, the capability registry and
// the error classification shared by every agent.
package agent

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/jkaninda/switchboard/internal/intent"
)

// SideEffect declares what an agent may do to the outside world. It decides
// whether a failed step may be retried.
type SideEffect string

const (
	ReadOnly     SideEffect = "read_only"
	Mutating     SideEffect = "mutating"
	ExternalCall SideEffect = "external_call"
)

// Agent handles one intent kind.
type Agent interface {
	// Name identifies the agent in results, e.g. "SearchAgent".
	Name() string
	// Handle runs one step. It must honor ctx cancellation.
	Handle(ctx context.Context, req *Request) (*Output, error)
}

// Request is the input to a single agent step.
type Request struct {
	InvocationID uuid.UUID
	Kind         intent.Kind
	Params       map[string]any
	// Dependency is the output of the step this one depends on, if any.
	Dependency *Output
}

// Param returns a string parameter, or "" when absent or not a string.
func (r *Request) Param(key string) string {
	if v, ok := r.Params[key].(string); ok {
		return v
	}
	return ""
}

// Output is what an agent returns. Fields holds flat values that later steps
// can test in conditions (e.g. "status"); Data holds the full result.
type Output struct {
	Summary string         `json:"summary"`
	Fields  map[string]any `json:"fields,omitempty"`
	Data    any            `json:"data,omitempty"`
}

// Field returns a string field, or "" when absent or not a string.
func (o *Output) Field(key string) string {
	if o == nil {
		return ""
	}
	if v, ok := o.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Error codes used when an error carries no code of its own.
const (
	CodeTimeout    = "Timeout"
	CodeCanceled   = "Canceled"
	CodeAgentError = "AgentError"
)

// CodeOf returns the stable error code for err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeAgentError
}

// IsTransient reports whether err is a transient I/O failure worth one retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
