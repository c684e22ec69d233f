package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payflow/internal/models"
	"payflow/internal/payment"
)

// AttemptRepository persists payment attempt snapshots.
type AttemptRepository struct {
	db *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Save upserts the snapshot keyed by order id.
func (r *AttemptRepository) Save(ctx context.Context, snap *payment.Snapshot) error {
	row, err := attemptToModel(snap)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

// FindByOrderID returns nil, nil when the order has no attempt.
func (r *AttemptRepository) FindByOrderID(ctx context.Context, orderID string) (*payment.Snapshot, error) {
	var row models.PaymentAttempt
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return attemptFromModel(&row)
}

// ListAwaitingVerification returns succeeded attempts last touched before
// olderThan, oldest first.
func (r *AttemptRepository) ListAwaitingVerification(ctx context.Context, olderThan time.Time, limit int) ([]payment.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(payment.StatusSucceeded), olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]payment.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := attemptFromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

// CountByStatus returns attempt counts grouped by status.
func (r *AttemptRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func attemptToModel(s *payment.Snapshot) (*models.PaymentAttempt, error) {
	history := ""
	if len(s.ErrorHistory) > 0 {
		raw, err := json.Marshal(s.ErrorHistory)
		if err != nil {
			return nil, fmt.Errorf("encode error history: %w", err)
		}
		history = string(raw)
	}
	return &models.PaymentAttempt{
		ID:               s.ID,
		OrderID:          s.OrderID,
		UserID:           s.UserID,
		Amount:           s.Amount,
		Currency:         s.Currency,
		Method:           string(s.Method),
		Status:           string(s.Status),
		SessionID:        s.SessionID,
		TransactionID:    s.TransactionID,
		BankReference:    s.BankReference,
		FallbackStrategy: string(s.FallbackStrategy),
		FallbackMethod:   string(s.FallbackMethod),
		ErrorHistory:     history,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}, nil
}

func attemptFromModel(m *models.PaymentAttempt) (*payment.Snapshot, error) {
	snap := &payment.Snapshot{
		ID:               m.ID,
		OrderID:          m.OrderID,
		UserID:           m.UserID,
		Amount:           m.Amount,
		Currency:         m.Currency,
		Method:           payment.Method(m.Method),
		Status:           payment.Status(m.Status),
		SessionID:        m.SessionID,
		TransactionID:    m.TransactionID,
		BankReference:    m.BankReference,
		FallbackStrategy: payment.Strategy(m.FallbackStrategy),
		FallbackMethod:   payment.Method(m.FallbackMethod),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.ErrorHistory != "" {
		if err := json.Unmarshal([]byte(m.ErrorHistory), &snap.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decode error history of %s: %w", m.OrderID, err)
		}
	}
	return snap, nil
}
