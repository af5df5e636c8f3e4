package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/sqlexec"
)

// Compile-time interface check.
var _ sqlexec.OperationLogStore = (*OperationLogRepository)(nil)

// OperationLogRepository implements sqlexec.OperationLogStore with GORM.
type OperationLogRepository struct {
	db *gorm.DB
}

// NewOperationLogRepository creates an OperationLogRepository.
func NewOperationLogRepository(db *gorm.DB) *OperationLogRepository {
	return &OperationLogRepository{db: db}
}

// Record appends one operation log entry.
func (r *OperationLogRepository) Record(ctx context.Context, entry *domain.OperationLog) error {
	model := OperationLogModel{
		ID:            entry.ID,
		InvocationID:  entry.InvocationID,
		OperationType: entry.OperationType,
		Target:        entry.TableName,
		Description:   entry.Description,
		Status:        entry.Status,
		ErrorMessage:  entry.ErrorMessage,
		CreatedAt:     entry.CreatedAt,
	}
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording operation log: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally for one table.
func (r *OperationLogRepository) Recent(ctx context.Context, table string, limit int) ([]domain.OperationLog, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []OperationLogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing operation logs: %w", err)
	}
	out := make([]domain.OperationLog, len(models))
	for i, m := range models {
		out[i] = domain.OperationLog{
			ID:            m.ID,
			InvocationID:  m.InvocationID,
			OperationType: m.OperationType,
			TableName:     m.Target,
			Description:   m.Description,
			Status:        m.Status,
			ErrorMessage:  m.ErrorMessage,
			CreatedAt:     m.CreatedAt,
		}
	}
	return out, nil
}
