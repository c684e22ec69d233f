package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentAttempt maps to the `payment_attempt` table.
// One row per order; the latest attempt overwrites the previous one.
type PaymentAttempt struct {
	ID               string          `gorm:"column:id;primaryKey;size:64" json:"id"`
	OrderID          string          `gorm:"column:order_id;size:64;uniqueIndex" json:"order_id"`
	UserID           string          `gorm:"column:user_id;size:64;index" json:"user_id"`
	Amount           decimal.Decimal `gorm:"column:amount;type:decimal(18,2)" json:"amount"`
	Currency         string          `gorm:"column:currency;size:3" json:"currency"`
	Method           string          `gorm:"column:method;size:40" json:"method"`
	Status           string          `gorm:"column:status;size:40;index:idx_status_updated" json:"status"`
	SessionID        string          `gorm:"column:session_id;size:255" json:"session_id"`
	TransactionID    string          `gorm:"column:transaction_id;size:255" json:"transaction_id"`
	BankReference    string          `gorm:"column:bank_reference;size:255" json:"bank_reference"`
	FallbackStrategy string          `gorm:"column:fallback_strategy;size:40" json:"fallback_strategy"`
	FallbackMethod   string          `gorm:"column:fallback_method;size:40" json:"fallback_method"`
	ErrorHistory     string          `gorm:"column:error_history;type:text" json:"error_history"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;index:idx_status_updated" json:"updated_at"`
}

func (PaymentAttempt) TableName() string {
	return "payment_attempt"
}
