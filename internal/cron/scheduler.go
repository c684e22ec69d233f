package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"payflow/internal/models"
	"payflow/internal/payment"
)

// AttemptLister lists persisted attempts that still need a backend check.
type AttemptLister interface {
	ListAwaitingVerification(ctx context.Context, olderThan time.Time, limit int) ([]payment.Snapshot, error)
}

// BatchVerifier polls the gateway for several orders.
type BatchVerifier interface {
	BatchVerify(ctx context.Context, orderIDs []string, concurrency int) []payment.VerificationResult
}

// Reconciler applies an authoritative result.
type Reconciler interface {
	Reconcile(ctx context.Context, result payment.VerificationResult) (payment.Status, error)
}

// RunRecorder keeps the bookkeeping rows of each pass.
type RunRecorder interface {
	Start(kind string, total int) (*models.ReconcileRun, error)
	Finish(runID uint, processed, failed int, lastError string) error
}

// SettlementExpirer expires stale manual settlements.
type SettlementExpirer interface {
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps bundles the collaborators of the scheduler. Settlements may be nil.
type Deps struct {
	Attempts    AttemptLister
	Verifier    BatchVerifier
	Reconciler  Reconciler
	Runs        RunRecorder
	Settlements SettlementExpirer
}

// Config controls the schedule and the size of each pass.
type Config struct {
	Spec          string
	BatchLimit    int
	Concurrency   int
	Grace         time.Duration
	SettlementTTL time.Duration
	// JobTimeout bounds a single pass.
	JobTimeout time.Duration
}

// Scheduler runs the reconciliation sweep and settlement expiry.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// RunSummary describes one reconciliation pass.
type RunSummary struct {
	Total     int
	Processed int
	Failed    int
	Verified  int
}

// New creates a new cron scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "*/5 * * * *"
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.SettlementTTL <= 0 {
		cfg.SettlementTTL = 72 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 4 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	if _, err := s.cron.AddFunc(s.cfg.Spec, func() {
		s.logger.Debug("Running: reconcile pending attempts")
		s.runJob("reconcilePending", func(ctx context.Context) error {
			_, err := s.ReconcilePending(ctx)
			return err
		})
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.Spec, err)
	}

	if s.deps.Settlements != nil {
		// Settlement expiry - every hour
		if _, err := s.cron.AddFunc("0 * * * *", func() {
			s.logger.Debug("Running: settlement expiry")
			s.runJob("expireSettlements", func(ctx context.Context) error {
				_, err := s.ExpireSettlements(ctx)
				return err
			})
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.String("reconcile", s.cfg.Spec))
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runJob(name string, job func(ctx context.Context) error) {
	defer s.recoverFromPanic(name)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		s.logger.Error("Cron job failed", zap.String("job", name), zap.Error(err))
	}
}

// ReconcilePending verifies succeeded attempts that in-process verification
// did not settle and applies the backend results.
func (s *Scheduler) ReconcilePending(ctx context.Context) (RunSummary, error) {
	cutoff := s.now().Add(-s.cfg.Grace)
	pending, err := s.deps.Attempts.ListAwaitingVerification(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list awaiting verification: %w", err)
	}
	summary := RunSummary{Total: len(pending)}
	if len(pending) == 0 {
		return summary, nil
	}

	run, err := s.deps.Runs.Start(models.RunKindVerify, len(pending))
	if err != nil {
		return summary, fmt.Errorf("start reconcile run: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, snap := range pending {
		ids = append(ids, snap.OrderID)
	}
	results := s.deps.Verifier.BatchVerify(ctx, ids, s.cfg.Concurrency)

	var firstErr string
	for _, res := range results {
		status, err := s.deps.Reconciler.Reconcile(ctx, res)
		if err != nil {
			summary.Failed++
			if firstErr == "" {
				firstErr = err.Error()
			}
			if !errors.Is(err, payment.ErrUnknownOrder) {
				s.logger.Warn("Reconcile failed", zap.String("order_id", res.OrderID), zap.Error(err))
			}
			continue
		}
		summary.Processed++
		if status == payment.StatusVerified {
			summary.Verified++
		}
	}

	// Failed items alone make a partial run; lastError marks a failed one.
	var lastErr string
	if ctx.Err() != nil {
		lastErr = ctx.Err().Error()
	} else if summary.Failed == summary.Total {
		lastErr = firstErr
	}
	if err := s.deps.Runs.Finish(run.ID, summary.Processed, summary.Failed, lastErr); err != nil {
		s.logger.Warn("Failed to close reconcile run", zap.Uint("run_id", run.ID), zap.Error(err))
	}

	s.logger.Info("Reconcile pass completed",
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("verified", summary.Verified),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// ExpireSettlements expires manual settlements older than the TTL.
func (s *Scheduler) ExpireSettlements(ctx context.Context) (int64, error) {
	if s.deps.Settlements == nil {
		return 0, nil
	}
	expired, err := s.deps.Settlements.ExpireOlderThan(ctx, s.now().Add(-s.cfg.SettlementTTL))
	if err != nil {
		return 0, fmt.Errorf("expire settlements: %w", err)
	}
	if expired == 0 {
		return 0, nil
	}

	run, err := s.deps.Runs.Start(models.RunKindSettlementExpiry, int(expired))
	if err == nil {
		err = s.deps.Runs.Finish(run.ID, int(expired), 0, "")
	}
	if err != nil {
		s.logger.Warn("Failed to record settlement expiry run", zap.Error(err))
	}
	s.logger.Info("Manual settlements expired", zap.Int64("count", expired))
	return expired, nil
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
