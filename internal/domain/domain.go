// Package domain defines entity types shared across storage, agents and gateways.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending    TicketStatus = "pending"
	TicketProcessing TicketStatus = "processing"
	TicketResolved   TicketStatus = "resolved"
	TicketNotified   TicketStatus = "notified"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketProcessing, TicketResolved, TicketNotified:
		return true
	}
	return false
}

// ParseTicketStatus maps external status strings onto TicketStatus.
// Imported data uses "solved" and "done" for resolved tickets.
func ParseTicketStatus(s string) (TicketStatus, bool) {
	switch s {
	case "solved", "done", "closed":
		return TicketResolved, true
	case "in_progress":
		return TicketProcessing, true
	}
	st := TicketStatus(s)
	return st, st.Valid()
}

// Ticket is a support ticket. Payload is opaque to the store; imported
// tickets carry "body" and "owner" keys.
type Ticket struct {
	ID        string // Stable identifier, e.g. "TKT-005".
	Status    TicketStatus
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TicketTransition records one fresh status change made by an agent invocation.
type TicketTransition struct {
	ID           uuid.UUID
	TicketID     string
	From         TicketStatus
	To           TicketStatus
	InvocationID uuid.UUID
	CreatedAt    time.Time
}

// ConversationTurn is a single message in a chat session's history.
type ConversationTurn struct {
	ID        uuid.UUID
	SessionID string
	Role      string // "user" or "assistant".
	Content   string
	CreatedAt time.Time
}

// OperationLog records one generic database executor call.
type OperationLog struct {
	ID            uuid.UUID
	InvocationID  uuid.UUID
	OperationType string // e.g. "create_table", "insert".
	TableName     string
	Description   string
	Status        string // "success", "error" or "rolled_back".
	ErrorMessage  string
	CreatedAt     time.Time
}
