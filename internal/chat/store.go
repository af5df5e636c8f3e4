package chat

import (
	"context"
	"time"

	"github.com/jkaninda/switchboard/internal/domain"
)

// DefaultMaxHistory is the number of turns loaded per request when no limit is set.
const DefaultMaxHistory = 20

// ConversationStore persists chat turns per session.
type ConversationStore interface {
	Append(ctx context.Context, sessionID string, turns ...domain.ConversationTurn) error
	// History returns the most recent maxTurns turns, oldest first.
	History(ctx context.Context, sessionID string, maxTurns int) ([]domain.ConversationTurn, error)
	Reset(ctx context.Context, sessionID string) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
