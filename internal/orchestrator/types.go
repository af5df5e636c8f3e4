// Package orchestrator dispatches an ordered list of intents to the agents
// registered for them. Steps run strictly in order; a step that consumes an
// earlier step's output runs only once that step has succeeded, and an
// unmet condition ends the run early without being an error.
package orchestrator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/intent"
)

// StepStatus is the outcome of one intent.
type StepStatus string

const (
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"         // Not run because an earlier step ended the request.
	StepShortCircuited   StepStatus = "short_circuited" // Condition on the dependency's output did not hold.
	StepDependencyFailed StepStatus = "dependency_failed"
)

// Status is the overall outcome of a request.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusPartial        Status = "partial"
	StatusFailed         Status = "failed"
	StatusShortCircuited Status = "short_circuited"
)

// Error codes assigned by the orchestrator itself.
const (
	CodeUnknownIntentKind = "UnknownIntentKind"
	CodeDependencyFailed  = "DependencyFailed"
)

// ErrUnknownIntentKind is recorded when no agent is registered for a kind.
var ErrUnknownIntentKind = errors.New("unknown intent kind")

// AgentInvocation records one step of a request, whatever its outcome.
type AgentInvocation struct {
	ID         uuid.UUID        `json:"id"`
	Index      int              `json:"index"`
	Kind       intent.Kind      `json:"kind"`
	Agent      string           `json:"agent,omitempty"`
	DependsOn  *int             `json:"depends_on,omitempty"`
	Input      map[string]any   `json:"input,omitempty"`
	Output     *agent.Output    `json:"output,omitempty"`
	SideEffect agent.SideEffect `json:"side_effect,omitempty"`
	Status     StepStatus       `json:"status"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

// AggregatedResult is the response to one message.
type AggregatedResult struct {
	RequestID   uuid.UUID         `json:"request_id"`
	Status      Status            `json:"status"`
	Summary     string            `json:"summary"`
	AgentUsed   string            `json:"agent_used"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Invocations []AgentInvocation `json:"steps"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration"`
}
