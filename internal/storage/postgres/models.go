package postgres

import (
	"time"

	"github.com/google/uuid"
)

// TicketModel maps to the "tickets" table.
type TicketModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"not null;index;default:'pending'"`
	Payload   string `gorm:"type:text;not null;default:'{}'"` // JSON object.
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TicketModel) TableName() string { return "tickets" }

// TicketTransitionModel maps to the "ticket_transitions" table.
// Append-only: one row per fresh status change.
type TicketTransitionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TicketID     string    `gorm:"not null;index;size:64"`
	FromStatus   string    `gorm:"not null"`
	ToStatus     string    `gorm:"not null"`
	InvocationID uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt    time.Time
}

func (TicketTransitionModel) TableName() string { return "ticket_transitions" }

// ConversationTurnModel maps to the "conversation_turns" table.
type ConversationTurnModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"not null;index:idx_turn_session_seq"`
	SeqNum    int       `gorm:"not null;index:idx_turn_session_seq"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (ConversationTurnModel) TableName() string { return "conversation_turns" }

// OperationLogModel maps to the "operation_logs" table.
// No UpdatedAt: the operation log is append-only.
type OperationLogModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	InvocationID  uuid.UUID `gorm:"type:uuid;index"`
	OperationType string    `gorm:"not null"`
	Target        string    `gorm:"column:table_name;index"`
	Description   string    `gorm:"type:text"`
	Status        string    `gorm:"not null"`
	ErrorMessage  string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (OperationLogModel) TableName() string { return "operation_logs" }
