package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/ticket"
)

// Compile-time interface check.
var _ ticket.Store = (*TicketRepository)(nil)

// TicketRepository implements ticket.Store with GORM.
type TicketRepository struct {
	db *gorm.DB
}

// NewTicketRepository creates a TicketRepository.
func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Get retrieves a ticket by ID.
func (r *TicketRepository) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	var model TicketModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ticket.NotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting ticket %s: %w", id, err)
	}
	return toTicketDomain(&model), nil
}

// List returns tickets ordered by ID, optionally filtered by status.
func (r *TicketRepository) List(ctx context.Context, status domain.TicketStatus, limit int) ([]domain.Ticket, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TicketModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	tickets := make([]domain.Ticket, len(models))
	for i := range models {
		tickets[i] = *toTicketDomain(&models[i])
	}
	return tickets, nil
}

// Upsert inserts a ticket or replaces its status and payload.
func (r *TicketRepository) Upsert(ctx context.Context, t *domain.Ticket) error {
	model, err := toTicketModel(t)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "payload", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting ticket %s: %w", t.ID, err)
	}
	return nil
}

// Transition applies a conditional status update and appends the transition
// row in the same transaction. Concurrent transitions on the same ticket
// yield at most one fresh change.
func (r *TicketRepository) Transition(ctx context.Context, id string, from, to domain.TicketStatus, invocationID uuid.UUID) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&TicketModel{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(map[string]any{"status": string(to), "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("updating ticket status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Create(&TicketTransitionModel{
			ID:           uuid.New(),
			TicketID:     id,
			FromStatus:   string(from),
			ToStatus:     string(to),
			InvocationID: invocationID,
			CreatedAt:    now,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("transitioning ticket %s %s->%s: %w", id, from, to, err)
	}
	return applied, nil
}

// Transitions returns the transition log for a ticket, oldest first.
func (r *TicketRepository) Transitions(ctx context.Context, id string) ([]domain.TicketTransition, error) {
	var models []TicketTransitionModel
	if err := r.db.WithContext(ctx).
		Where("ticket_id = ?", id).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", id, err)
	}
	out := make([]domain.TicketTransition, len(models))
	for i, m := range models {
		out[i] = domain.TicketTransition{
			ID:           m.ID,
			TicketID:     m.TicketID,
			From:         domain.TicketStatus(m.FromStatus),
			To:           domain.TicketStatus(m.ToStatus),
			InvocationID: m.InvocationID,
			CreatedAt:    m.CreatedAt,
		}
	}
	return out, nil
}

func toTicketModel(t *domain.Ticket) (TicketModel, error) {
	payload := []byte("{}")
	if len(t.Payload) > 0 {
		data, err := json.Marshal(t.Payload)
		if err != nil {
			return TicketModel{}, fmt.Errorf("marshaling ticket payload: %w", err)
		}
		payload = data
	}
	now := time.Now().UTC()
	created, updated := t.CreatedAt, t.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	status := t.Status
	if status == "" {
		status = domain.TicketPending
	}
	return TicketModel{
		ID:        t.ID,
		Status:    string(status),
		Payload:   string(payload),
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func toTicketDomain(m *TicketModel) *domain.Ticket {
	t := &domain.Ticket{
		ID:        m.ID,
		Status:    domain.TicketStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Payload != "" {
		_ = json.Unmarshal([]byte(m.Payload), &t.Payload)
	}
	return t
}
