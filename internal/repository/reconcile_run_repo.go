package repository

import (
	"gorm.io/gorm"

	"payflow/internal/models"
)

// Run states.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
	RunPartial = "partial"
)

// ReconcileRunRepository tracks scheduled reconciliation passes.
type ReconcileRunRepository struct {
	db *gorm.DB
}

func NewReconcileRunRepository(db *gorm.DB) *ReconcileRunRepository {
	return &ReconcileRunRepository{db: db}
}

// Start opens a run of kind covering total items.
func (r *ReconcileRunRepository) Start(kind string, total int) (*models.ReconcileRun, error) {
	run := &models.ReconcileRun{
		Kind:       kind,
		Status:     RunRunning,
		TotalItems: total,
	}
	if err := r.db.Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish closes a run. The status follows from the counters unless lastError
// is set.
func (r *ReconcileRunRepository) Finish(runID uint, processed, failed int, lastError string) error {
	status := RunDone
	switch {
	case lastError != "":
		status = RunFailed
	case failed > 0:
		status = RunPartial
	}
	updates := map[string]interface{}{
		"status":          status,
		"processed_items": processed,
		"failed_items":    failed,
		"last_error":      lastError,
	}
	return r.db.Model(&models.ReconcileRun{}).Where("id = ?", runID).Updates(updates).Error
}

// Latest returns the most recent runs, newest first.
func (r *ReconcileRunRepository) Latest(limit int) ([]models.ReconcileRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.ReconcileRun
	err := r.db.Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
