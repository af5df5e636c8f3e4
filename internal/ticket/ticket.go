// Package ticket implements the ticket agents (search, processor, webhook)
// and the store contract they run against.
package ticket

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/switchboard/internal/domain"
)

// Store persists tickets and their transition log.
type Store interface {
	// Get returns the ticket or an *Error with CodeNotFound.
	Get(ctx context.Context, id string) (*domain.Ticket, error)

	// List returns tickets ordered by ID. An empty status lists all tickets.
	// limit <= 0 means no limit.
	List(ctx context.Context, status domain.TicketStatus, limit int) ([]domain.Ticket, error)

	// Upsert inserts or replaces a ticket by ID. Used by imports.
	Upsert(ctx context.Context, t *domain.Ticket) error

	// Transition atomically moves a ticket from one status to another and
	// records the transition. It reports false, without error, when the
	// ticket's current status is no longer from.
	Transition(ctx context.Context, id string, from, to domain.TicketStatus, invocationID uuid.UUID) (bool, error)

	// Transitions returns the recorded transitions for a ticket, oldest first.
	Transitions(ctx context.Context, id string) ([]domain.TicketTransition, error)
}

// Error codes reported by ticket agents and stores.
const (
	CodeNotFound          = "NotFound"
	CodeInvalidTransition = "InvalidTransition"
	CodeInvalidInput      = "InvalidInput"
	CodeDeliveryFailed    = "DeliveryFailed"
)

// Error is a ticket operation failure with a stable code.
type Error struct {
	Code     string
	TicketID string
	Status   domain.TicketStatus // Current status, for InvalidTransition.
	Detail   string
	Err      error
}

// Sentinels for errors.Is matching by code.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrDeliveryFailed    = &Error{Code: CodeDeliveryFailed}
)

func (e *Error) Error() string {
	msg := e.Code
	if e.TicketID != "" {
		msg += " " + e.TicketID
	}
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable code reported in invocation records.
func (e *Error) ErrorCode() string { return e.Code }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NotFoundError returns the error stores use for a missing ticket.
func NotFoundError(id string) error {
	return &Error{Code: CodeNotFound, TicketID: id}
}
