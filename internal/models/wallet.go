package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet maps to the `wallet` table.
type Wallet struct {
	UserID    string          `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(18,2);default:0" json:"balance"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// Wallet transaction directions.
const (
	WalletDebit  = "debit"
	WalletCredit = "credit"
)

// WalletTransaction maps to the `wallet_transaction` table.
// Reference is unique so a repeated debit for the same order is a no-op.
type WalletTransaction struct {
	ID        string          `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID    string          `gorm:"column:user_id;size:64;index" json:"user_id"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(18,2)" json:"amount"`
	Direction string          `gorm:"column:direction;size:10" json:"direction"`
	Reference string          `gorm:"column:reference;size:128;uniqueIndex" json:"reference"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
