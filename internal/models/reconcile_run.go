package models

import "time"

// Reconcile run kinds.
const (
	RunKindVerify           = "verify"
	RunKindSettlementExpiry = "settlement_expiry"
)

// ReconcileRun records one pass of a scheduled reconciliation job.
type ReconcileRun struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Kind           string    `gorm:"column:kind;size:50;index:idx_reconcile_runs_kind_status,priority:1" json:"kind"`
	Status         string    `gorm:"column:status;size:30;index:idx_reconcile_runs_kind_status,priority:2" json:"status"`
	TotalItems     int       `gorm:"column:total_items;default:0" json:"total_items"`
	ProcessedItems int       `gorm:"column:processed_items;default:0" json:"processed_items"`
	FailedItems    int       `gorm:"column:failed_items;default:0" json:"failed_items"`
	LastError      string    `gorm:"column:last_error;type:text" json:"last_error"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ReconcileRun) TableName() string {
	return "reconcile_runs"
}
