package bootstrap

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payflow/internal/models"
)

// MigrateAndSeed ensures required tables exist and inserts the given opening
// wallet balances for users that have no wallet yet.
func MigrateAndSeed(db *gorm.DB, wallets map[string]decimal.Decimal) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	if err := seedWallets(db, wallets); err != nil {
		return fmt.Errorf("seed wallets failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		&models.PaymentAttempt{},
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.ManualSettlement{},
		&models.ReconcileRun{},
	}
}

func seedWallets(db *gorm.DB, wallets map[string]decimal.Decimal) error {
	if len(wallets) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for userID, balance := range wallets {
			row := models.Wallet{UserID: userID, Balance: balance}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ParseWalletSeeds parses "user:amount" pairs.
func ParseWalletSeeds(pairs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		userID, raw, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("invalid wallet seed %q, want user:amount", pair)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid wallet seed amount %q: %w", raw, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("wallet seed for %s is negative", userID)
		}
		out[strings.TrimSpace(userID)] = amount
	}
	return out, nil
}
