package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Manual settlement states.
const (
	SettlementPending = "pending"
	SettlementSettled = "settled"
	SettlementExpired = "expired"
)

// ManualSettlement maps to the `manual_settlement` table.
type ManualSettlement struct {
	ID        string          `gorm:"column:id;primaryKey;size:64" json:"id"`
	OrderID   string          `gorm:"column:order_id;size:64;uniqueIndex" json:"order_id"`
	UserID    string          `gorm:"column:user_id;size:64;index" json:"user_id"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(18,2)" json:"amount"`
	Reason    string          `gorm:"column:reason;size:100" json:"reason"`
	Status    string          `gorm:"column:status;size:20;index" json:"status"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (ManualSettlement) TableName() string {
	return "manual_settlement"
}
