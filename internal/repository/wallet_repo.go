package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payflow/internal/models"
	"payflow/internal/payment"
)

// WalletRepository is the in-app wallet ledger.
type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Balance returns zero for users without a wallet row.
func (r *WalletRepository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var w models.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Debit takes amount from the wallet if the balance covers it. A repeated
// debit with the same reference returns the original transaction id.
func (r *WalletRepository) Debit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error) {
	var txID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if id, ok, err := findTransaction(tx, reference); err != nil || ok {
			txID = id
			return err
		}

		res := tx.Model(&models.Wallet{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return payment.ErrInsufficientFunds
		}

		row := models.WalletTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    amount,
			Direction: models.WalletDebit,
			Reference: reference,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		txID = row.ID
		return nil
	})
	return txID, err
}

// Credit adds amount to the wallet, creating it when missing.
func (r *WalletRepository) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error) {
	var txID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if id, ok, err := findTransaction(tx, reference); err != nil || ok {
			txID = id
			return err
		}

		wallet := models.Wallet{UserID: userID, Balance: amount, UpdatedAt: time.Now()}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now(),
			}),
		}).Create(&wallet).Error
		if err != nil {
			return err
		}

		row := models.WalletTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    amount,
			Direction: models.WalletCredit,
			Reference: reference,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		txID = row.ID
		return nil
	})
	return txID, err
}

func findTransaction(tx *gorm.DB, reference string) (string, bool, error) {
	var existing models.WalletTransaction
	err := tx.Where("reference = ?", reference).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing.ID, true, nil
}
