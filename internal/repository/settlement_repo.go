package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/internal/models"
	"payflow/internal/payment"
)

// SettlementRepository records orders that are settled out of band.
type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Register creates a pending settlement for the order, or returns the
// existing one.
func (r *SettlementRepository) Register(ctx context.Context, req payment.ManualRequest) (string, error) {
	var existing models.ManualSettlement
	err := r.db.WithContext(ctx).Where("order_id = ?", req.OrderID).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	row := models.ManualSettlement{
		ID:      uuid.NewString(),
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Amount:  req.Amount,
		Reason:  req.Reason,
		Status:  models.SettlementPending,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return row.ID, nil
}

// FindPending returns pending settlements, oldest first.
func (r *SettlementRepository) FindPending(ctx context.Context, limit int) ([]models.ManualSettlement, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ManualSettlement
	err := r.db.WithContext(ctx).
		Where("status = ?", models.SettlementPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkSettled closes a pending settlement.
func (r *SettlementRepository) MarkSettled(ctx context.Context, orderID string) error {
	return r.db.WithContext(ctx).Model(&models.ManualSettlement{}).
		Where("order_id = ? AND status = ?", orderID, models.SettlementPending).
		Update("status", models.SettlementSettled).Error
}

// ExpireOlderThan expires pending settlements created before cutoff and
// returns how many were expired.
func (r *SettlementRepository) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ManualSettlement{}).
		Where("status = ? AND created_at < ?", models.SettlementPending, cutoff).
		Update("status", models.SettlementExpired)
	return res.RowsAffected, res.Error
}
