package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VerifierConfig tunes the verification engine.
type VerifierConfig struct {
	// BackoffMultiplier is deliberately gentler than the generic executor's.
	BackoffMultiplier float64
	MaxDelay          time.Duration
	AutoMaxRetries    int
	AutoRetryDelay    time.Duration
	BatchMaxRetries   int
	BatchRetryDelay   time.Duration
	BatchPause        time.Duration
}

// DefaultVerifierConfig returns the standard tuning.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		BackoffMultiplier: 1.5,
		MaxDelay:          30 * time.Second,
		AutoMaxRetries:    5,
		AutoRetryDelay:    2 * time.Second,
		BatchMaxRetries:   3,
		BatchRetryDelay:   time.Second,
		BatchPause:        500 * time.Millisecond,
	}
}

// Verifier polls the authoritative status API.
type Verifier struct {
	status   StatusAPI
	executor *RetryExecutor
	sleep    SleepFunc
	cfg      VerifierConfig
	logger   *zap.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(status StatusAPI, executor *RetryExecutor, sleep SleepFunc, cfg VerifierConfig, logger *zap.Logger) *Verifier {
	if executor == nil {
		executor = NewRetryExecutor(nil, sleep, logger)
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultVerifierConfig()
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.AutoMaxRetries <= 0 {
		cfg.AutoMaxRetries = def.AutoMaxRetries
	}
	if cfg.AutoRetryDelay <= 0 {
		cfg.AutoRetryDelay = def.AutoRetryDelay
	}
	if cfg.BatchMaxRetries <= 0 {
		cfg.BatchMaxRetries = def.BatchMaxRetries
	}
	if cfg.BatchRetryDelay <= 0 {
		cfg.BatchRetryDelay = def.BatchRetryDelay
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = def.BatchPause
	}
	return &Verifier{status: status, executor: executor, sleep: sleep, cfg: cfg, logger: logger}
}

// shouldRetryVerification retries transient transport failures and
// still-pending orders only.
func shouldRetryVerification(perr *PaymentError) bool {
	switch perr.Kind {
	case KindValidation, KindConfiguration, KindSecurity:
		return false
	case KindNetwork:
		return true
	case KindAPI:
		if perr.Code == CodeVerifyPending || perr.Code == CodeRateLimited {
			return true
		}
		return perr.HTTPStatus == 0 || perr.HTTPStatus >= 500 || perr.HTTPStatus == http.StatusTooManyRequests
	}
	return false
}

// VerifyWithRetry polls the status API until the order reaches a final
// status or maxRetries polls were made. An order still pending after the
// budget is returned with a nil error and PaymentStatus pending/unknown.
func (v *Verifier) VerifyWithRetry(ctx context.Context, orderID string, maxRetries int, initialDelay time.Duration) (VerificationResult, error) {
	if v.status == nil {
		return VerificationResult{OrderID: orderID, PaymentStatus: PaymentStatusUnknown},
			v.executor.classifier.Classify(ErrNotConfigured)
	}

	policy := RetryPolicy{
		MaxAttempts:       maxRetries,
		InitialDelay:      initialDelay,
		BackoffMultiplier: v.cfg.BackoffMultiplier,
		MaxDelay:          v.cfg.MaxDelay,
		ShouldRetry:       shouldRetryVerification,
	}

	var last VerificationResult
	res := Retry(ctx, v.executor, policy, func(ctx context.Context) (VerificationResult, error) {
		resp, err := v.status.GetStatus(ctx, orderID)
		if err != nil {
			return VerificationResult{}, err
		}
		result := VerificationResult{
			OrderID:       orderID,
			PaymentStatus: NormalizeStatus(resp.Status),
			TransactionID: resp.TransactionID,
			BankReference: resp.BankReference,
		}
		result.Success = result.PaymentStatus == PaymentStatusSuccess
		last = result
		switch result.PaymentStatus {
		case PaymentStatusSuccess, PaymentStatusFailed:
			return result, nil
		}
		return result, NewError(KindAPI, CodeVerifyPending, "order "+orderID+" is "+string(result.PaymentStatus))
	})

	log := v.logger.With(zap.String("order_id", orderID), zap.Int("attempts", res.Attempts))
	if res.OK() {
		res.Value.AttemptCount = res.Attempts
		log.Info("Payment verified", zap.String("status", string(res.Value.PaymentStatus)))
		return res.Value, nil
	}

	if res.Err.Code == CodeVerifyPending {
		last.AttemptCount = res.Attempts
		log.Info("Payment still not final after verification budget", zap.String("status", string(last.PaymentStatus)))
		return last, nil
	}

	log.Warn("Payment verification failed", zap.String("kind", string(res.Err.Kind)), zap.Error(res.Err))
	return VerificationResult{
		OrderID:       orderID,
		PaymentStatus: PaymentStatusUnknown,
		AttemptCount:  res.Attempts,
	}, res.Err
}

// AutoVerify waits initialDelay for gateway-side settlement and then
// verifies with the larger automatic retry budget.
func (v *Verifier) AutoVerify(ctx context.Context, orderID string, initialDelay time.Duration) (VerificationResult, error) {
	if err := v.sleep(ctx, initialDelay); err != nil {
		return VerificationResult{OrderID: orderID, PaymentStatus: PaymentStatusUnknown},
			abortedError(err, nil)
	}
	return v.VerifyWithRetry(ctx, orderID, v.cfg.AutoMaxRetries, v.cfg.AutoRetryDelay)
}

// BatchVerify verifies orderIDs in chunks of concurrency, pausing between
// chunks to respect gateway rate limits. Results keep the input order; a
// failed verification yields an unknown, unsuccessful result.
func (v *Verifier) BatchVerify(ctx context.Context, orderIDs []string, concurrency int) []VerificationResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]VerificationResult, len(orderIDs))
	for i, id := range orderIDs {
		results[i] = VerificationResult{OrderID: id, PaymentStatus: PaymentStatusUnknown}
	}

	for start := 0; start < len(orderIDs); start += concurrency {
		if start > 0 {
			if err := v.sleep(ctx, v.cfg.BatchPause); err != nil {
				v.logger.Warn("Batch verification aborted", zap.Int("verified", start), zap.Error(err))
				return results
			}
		}
		end := min(start+concurrency, len(orderIDs))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				res, err := v.VerifyWithRetry(gctx, orderIDs[i], v.cfg.BatchMaxRetries, v.cfg.BatchRetryDelay)
				if err != nil {
					var perr *PaymentError
					if errors.As(err, &perr) {
						v.logger.Debug("Batch item not verified", zap.String("order_id", orderIDs[i]), zap.String("code", perr.Code))
					}
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}
