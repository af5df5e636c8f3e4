package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/domain"
)

// Compile-time interface check.
var _ chat.ConversationStore = (*ConversationRepository)(nil)

// ConversationRepository implements chat.ConversationStore with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Append atomically appends turns to a session.
// Sequence numbers are monotonically assigned starting after the current max.
func (r *ConversationRepository) Append(ctx context.Context, sessionID string, turns ...domain.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&ConversationTurnModel{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		now := time.Now().UTC()
		models := make([]ConversationTurnModel, 0, len(turns))
		for i, t := range turns {
			created := t.CreatedAt
			if created.IsZero() {
				created = now
			}
			models = append(models, ConversationTurnModel{
				ID:        uuid.New(),
				SessionID: sessionID,
				SeqNum:    maxSeq + i + 1,
				Role:      sanitizeRole(t.Role),
				Content:   t.Content,
				CreatedAt: created.UTC(),
			})
		}

		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("inserting turns: %w", err)
		}
		return nil
	})
}

// History returns the most recent turns for a session, oldest first.
func (r *ConversationRepository) History(ctx context.Context, sessionID string, maxTurns int) ([]domain.ConversationTurn, error) {
	if maxTurns <= 0 {
		maxTurns = chat.DefaultMaxHistory
	}

	var models []ConversationTurnModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq_num DESC").
		Limit(maxTurns).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}

	// Reverse to oldest-first order.
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}

	turns := make([]domain.ConversationTurn, len(models))
	for i, m := range models {
		turns[i] = domain.ConversationTurn{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return turns, nil
}

// Reset deletes all turns of a session.
func (r *ConversationRepository) Reset(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&ConversationTurnModel{}).Error; err != nil {
		return fmt.Errorf("resetting session %s: %w", sessionID, err)
	}
	return nil
}

// PruneBefore deletes turns created before cutoff and returns the count removed.
func (r *ConversationRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&ConversationTurnModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning conversation turns: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// sanitizeRole enforces that only "user" and "assistant" roles are stored.
func sanitizeRole(role string) string {
	if role == "assistant" {
		return "assistant"
	}
	return "user"
}
