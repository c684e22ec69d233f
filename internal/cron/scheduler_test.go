package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/models"
	"payflow/internal/payment"
)

type fakeAttempts struct {
	snaps     []payment.Snapshot
	olderThan time.Time
	limit     int
}

func (f *fakeAttempts) ListAwaitingVerification(_ context.Context, olderThan time.Time, limit int) ([]payment.Snapshot, error) {
	f.olderThan, f.limit = olderThan, limit
	return f.snaps, nil
}

type fakeVerifier struct {
	statuses map[string]payment.PaymentStatus
	ids      []string
}

func (f *fakeVerifier) BatchVerify(_ context.Context, orderIDs []string, _ int) []payment.VerificationResult {
	f.ids = orderIDs
	out := make([]payment.VerificationResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		out = append(out, payment.VerificationResult{OrderID: id, PaymentStatus: f.statuses[id]})
	}
	return out
}

type fakeReconciler struct {
	mu  sync.Mutex
	got []payment.VerificationResult
}

func (f *fakeReconciler) Reconcile(_ context.Context, res payment.VerificationResult) (payment.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, res)
	switch res.PaymentStatus {
	case payment.PaymentStatusSuccess:
		return payment.StatusVerified, nil
	case payment.PaymentStatusFailed:
		return payment.StatusFailed, nil
	case payment.PaymentStatusUnknown:
		return "", payment.ErrUnknownOrder
	}
	return payment.StatusSucceeded, nil
}

type finishedRun struct {
	processed, failed int
	lastError         string
}

type fakeRuns struct {
	started  []string
	finished []finishedRun
}

func (f *fakeRuns) Start(kind string, total int) (*models.ReconcileRun, error) {
	f.started = append(f.started, kind)
	return &models.ReconcileRun{ID: uint(len(f.started)), Kind: kind, TotalItems: total}, nil
}

func (f *fakeRuns) Finish(_ uint, processed, failed int, lastError string) error {
	f.finished = append(f.finished, finishedRun{processed, failed, lastError})
	return nil
}

type fakeSettlements struct {
	cutoff  time.Time
	expired int64
	err     error
}

func (f *fakeSettlements) ExpireOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.expired, f.err
}

func TestReconcilePending(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	attempts := &fakeAttempts{snaps: []payment.Snapshot{{OrderID: "a"}, {OrderID: "b"}, {OrderID: "c"}}}
	verifier := &fakeVerifier{statuses: map[string]payment.PaymentStatus{
		"a": payment.PaymentStatusSuccess,
		"b": payment.PaymentStatusPending,
		"c": payment.PaymentStatusUnknown,
	}}
	reconciler := &fakeReconciler{}
	runs := &fakeRuns{}

	s := New(Config{BatchLimit: 10, Grace: 2 * time.Minute}, Deps{
		Attempts:   attempts,
		Verifier:   verifier,
		Reconciler: reconciler,
		Runs:       runs,
	}, nil)
	s.now = func() time.Time { return now }

	summary, err := s.ReconcilePending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunSummary{Total: 3, Processed: 2, Failed: 1, Verified: 1}, summary)
	assert.Equal(t, now.Add(-2*time.Minute), attempts.olderThan)
	assert.Equal(t, 10, attempts.limit)
	assert.Equal(t, []string{"a", "b", "c"}, verifier.ids)
	assert.Len(t, reconciler.got, 3)

	assert.Equal(t, []string{models.RunKindVerify}, runs.started)
	require.Len(t, runs.finished, 1)
	assert.Equal(t, finishedRun{processed: 2, failed: 1}, runs.finished[0])
}

func TestReconcilePendingNothingToDo(t *testing.T) {
	runs := &fakeRuns{}
	s := New(Config{}, Deps{
		Attempts:   &fakeAttempts{},
		Verifier:   &fakeVerifier{},
		Reconciler: &fakeReconciler{},
		Runs:       runs,
	}, nil)

	summary, err := s.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Empty(t, runs.started)
}

func TestReconcilePendingAllFailedMarksRunFailed(t *testing.T) {
	runs := &fakeRuns{}
	s := New(Config{}, Deps{
		Attempts:   &fakeAttempts{snaps: []payment.Snapshot{{OrderID: "x"}}},
		Verifier:   &fakeVerifier{statuses: map[string]payment.PaymentStatus{"x": payment.PaymentStatusUnknown}},
		Reconciler: &fakeReconciler{},
		Runs:       runs,
	}, nil)

	_, err := s.ReconcilePending(context.Background())
	require.NoError(t, err)
	require.Len(t, runs.finished, 1)
	assert.Equal(t, payment.ErrUnknownOrder.Error(), runs.finished[0].lastError)
}

func TestExpireSettlements(t *testing.T) {
	now := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	settlements := &fakeSettlements{expired: 2}
	runs := &fakeRuns{}
	s := New(Config{SettlementTTL: 72 * time.Hour}, Deps{Runs: runs, Settlements: settlements}, nil)
	s.now = func() time.Time { return now }

	n, err := s.ExpireSettlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), settlements.cutoff)
	assert.Equal(t, []string{models.RunKindSettlementExpiry}, runs.started)

	settlements.err = errors.New("db down")
	_, err = s.ExpireSettlements(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s := New(Config{Spec: "not a schedule"}, Deps{}, nil)
	assert.Error(t, s.Start())
}

func TestRunJobRecoversFromPanic(t *testing.T) {
	s := New(Config{}, Deps{}, nil)
	assert.NotPanics(t, func() {
		s.runJob("boom", func(context.Context) error { panic("boom") })
	})
}
