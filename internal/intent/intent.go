// Package intent converts a user message into an ordered list of typed
// intents. The extraction itself is delegated to an LLM; everything it returns
// is validated before the orchestrator sees it.
package intent

import (
	"context"
	"fmt"

	"github.com/jkaninda/switchboard/internal/domain"
)

// Kind is the class of work an intent asks for.
type Kind string

const (
	KindSearch   Kind = "search"
	KindProcess  Kind = "process"
	KindNotify   Kind = "notify"
	KindSchemaOp Kind = "schema_op"
	KindDataOp   Kind = "data_op"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindSearch, KindProcess, KindNotify, KindSchemaOp, KindDataOp:
		return true
	}
	return false
}

// Intent is one step requested by the user. DependsOn is the zero-based index
// of an earlier intent whose output this one consumes. When, if set, is an
// equality condition over the dependency's output fields.
type Intent struct {
	Kind      Kind           `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn *int           `json:"depends_on,omitempty"`
	When      map[string]any `json:"when,omitempty"`
}

// String returns a short description for logs.
func (i Intent) String() string {
	if i.DependsOn != nil {
		return fmt.Sprintf("%s(depends_on=%d)", i.Kind, *i.DependsOn)
	}
	return string(i.Kind)
}

// Param returns a string parameter, or "" when absent or not a string.
func (i Intent) Param(key string) string {
	if v, ok := i.Params[key].(string); ok {
		return v
	}
	return ""
}

// Extractor maps a message and its conversation history to intents.
type Extractor interface {
	Extract(ctx context.Context, message string, history []domain.ConversationTurn) ([]Intent, error)
}

// ExtractionError is returned when no usable intent list could be produced.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return "intent extraction failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "intent extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ErrorCode returns the stable code reported to callers.
func (e *ExtractionError) ErrorCode() string { return "ExtractionError" }

// Validate checks an intent list produced by any extractor. Dependency
// references are checked later, when the referenced step's outcome is known.
func Validate(intents []Intent, maxIntents int) error {
	if len(intents) == 0 {
		return &ExtractionError{Reason: "no intents found in message"}
	}
	if maxIntents > 0 && len(intents) > maxIntents {
		return &ExtractionError{Reason: fmt.Sprintf("%d intents exceeds limit of %d", len(intents), maxIntents)}
	}
	for i, in := range intents {
		if in.Kind == "" {
			return &ExtractionError{Reason: fmt.Sprintf("intent %d has no kind", i)}
		}
		if len(in.When) > 0 && in.DependsOn == nil {
			return &ExtractionError{Reason: fmt.Sprintf("intent %d has a condition but no dependency", i)}
		}
	}
	return nil
}
