package payment

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownOrder is returned by Reconcile when no attempt exists for an order.
var ErrUnknownOrder = errors.New("payment: unknown order")

// Dependencies are the collaborators of the orchestrator. Sessions and
// Checkout are required; a nil Verifier disables asynchronous verification.
type Dependencies struct {
	Sessions   SessionAPI
	Checkout   CheckoutSDK
	Classifier *Classifier
	Executor   *RetryExecutor
	Verifier   *Verifier
	Fallback   *FallbackEngine
	Store      AttemptStore
	Events     EventSink
	Logger     *zap.Logger
}

// OrchestratorConfig tunes the state machine.
type OrchestratorConfig struct {
	CheckoutTimeout    time.Duration
	SessionPolicy      RetryPolicy
	VerifyAfterSuccess bool
	VerifyInitialDelay time.Duration
	VerifyTimeout      time.Duration
}

// DefaultOrchestratorConfig returns the production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CheckoutTimeout:    10 * time.Minute,
		SessionPolicy:      DefaultRetryPolicy(),
		VerifyAfterSuccess: true,
		VerifyInitialDelay: 3 * time.Second,
		VerifyTimeout:      2 * time.Minute,
	}
}

// Orchestrator drives attempts from session creation to a terminal state.
type Orchestrator struct {
	deps     Dependencies
	cfg      OrchestratorConfig
	registry registry
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig) (*Orchestrator, error) {
	if deps.Sessions == nil || deps.Checkout == nil {
		return nil, errors.New("payment: session api and checkout sdk are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Classifier == nil {
		deps.Classifier = NewClassifier()
	}
	if deps.Executor == nil {
		deps.Executor = NewRetryExecutor(deps.Classifier, nil, deps.Logger)
	}
	if deps.Fallback == nil {
		deps.Fallback = NewFallbackEngine(deps.Executor, Rails{}, nil, deps.Logger)
	}

	def := DefaultOrchestratorConfig()
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = def.CheckoutTimeout
	}
	if cfg.SessionPolicy.MaxAttempts <= 0 {
		cfg.SessionPolicy = def.SessionPolicy
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = def.VerifyTimeout
	}

	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   deps.Logger,
	}, nil
}

// ProcessPayment runs an attempt for req and returns its outcome. Concurrent
// calls for the same order share the in-flight attempt. A Succeeded outcome
// is returned immediately; verification continues in the background.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if perr := o.validateRequest(req); perr != nil {
		return nil, perr
	}

	attempt := newAttempt(req)
	entry, owner := o.registry.claim(attempt)
	if !owner {
		if entry.attempt.UserID != req.UserID {
			return nil, o.deps.Classifier.Classify(ErrOrderOwnership)
		}
		o.logger.Info("Joining in-flight payment attempt",
			zap.String("order_id", req.OrderID),
			zap.String("attempt_id", entry.attempt.ID),
		)
		select {
		case <-entry.ready:
			return entry.result(), nil
		case <-ctx.Done():
			return nil, abortedError(ctx.Err(), nil)
		}
	}

	stored, err := o.storedAttempt(ctx, req.OrderID)
	if err != nil {
		// The order may already be paid; starting a session now could charge twice.
		o.logger.Error("Attempt store lookup failed", zap.String("order_id", req.OrderID), zap.Error(err))
		perr := NewError(KindSystem, CodeInternal, "attempt store lookup: "+err.Error()).WithRetryable(true)
		entry.finish(&Outcome{OrderID: req.OrderID, Status: attempt.Status, Error: perr, UserMessage: UserMessage(perr)})
		o.registry.release(attempt)
		return nil, perr
	}
	if stored != nil {
		if stored.UserID != req.UserID {
			perr := o.deps.Classifier.Classify(ErrOrderOwnership)
			entry.finish(&Outcome{OrderID: req.OrderID, Status: stored.Status, Error: perr, UserMessage: UserMessage(perr)})
			o.registry.release(attempt)
			return nil, perr
		}
		if stored.Status.IsPaid() {
			out := outcomeFromSnapshot(stored)
			entry.finish(out)
			o.registry.release(attempt)
			return entry.result(), nil
		}
	}

	o.publish(attempt, EventAttemptCreated, nil)
	out := o.run(ctx, attempt)
	entry.finish(out)
	return entry.result(), nil
}

func (o *Orchestrator) validateRequest(req PaymentRequest) *PaymentError {
	if err := o.validate.Struct(req); err != nil {
		return NewError(KindValidation, CodeInvalidRequest, err.Error())
	}
	if !req.Amount.IsPositive() {
		return NewError(KindValidation, CodeInvalidRequest, "amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return NewError(KindValidation, CodeInvalidRequest, "amount has more than two decimals")
	}
	return nil
}

func newAttempt(req PaymentRequest) *Attempt {
	now := time.Now()
	return &Attempt{
		ID:        uuid.NewString(),
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
		Customer:  req.Customer,
		Theme:     req.Theme,
		Meta:      req.Meta,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (o *Orchestrator) storedAttempt(ctx context.Context, orderID string) (*Snapshot, error) {
	if o.deps.Store == nil {
		return nil, nil
	}
	return o.deps.Store.FindByOrderID(ctx, orderID)
}

// run executes the state machine for a freshly claimed attempt.
func (o *Orchestrator) run(ctx context.Context, a *Attempt) *Outcome {
	ref, perr := o.checkout(ctx, a, a.Method)
	if perr == nil {
		a.mu.Lock()
		if ref != "" {
			a.TransactionID = ref
		}
		a.mu.Unlock()
		if o.transition(a, StatusSucceeded) {
			out := outcomeFromSnapshot(a.snapshot())
			o.afterSuccess(a)
			return out
		}
		// A webhook verified the order while checkout was still open.
		o.finalize(a)
		return outcomeFromSnapshot(a.snapshot())
	}

	if a.status() == StatusVerified {
		o.finalize(a)
		return outcomeFromSnapshot(a.snapshot())
	}
	o.transition(a, StatusFailed)
	return o.fallback(ctx, a, perr)
}

// checkout makes sure a session exists, launches the SDK and waits for the
// single completion of this launch.
func (o *Orchestrator) checkout(ctx context.Context, a *Attempt, method Method) (string, *PaymentError) {
	session, perr := o.ensureSession(ctx, a)
	if perr != nil {
		a.appendError(perr)
		return "", perr
	}

	handle := newCompletion()
	a.mu.Lock()
	previous := a.completion
	a.completion = handle
	a.mu.Unlock()
	if previous != nil {
		previous.resolve(CheckoutResult{Status: "CANCELLED", Err: &SDKError{Message: "superseded by a new launch"}})
	}
	o.transitionFrom(a, StatusSessionCreated, StatusInProgress)

	launch := *session
	launch.Method = method
	if err := o.deps.Checkout.Launch(ctx, &launch, a.Theme, func(r CheckoutResult) {
		if !handle.resolve(r) {
			o.logger.Debug("Duplicate checkout completion ignored", zap.String("order_id", a.OrderID))
		}
	}); err != nil {
		handle.resolve(CheckoutResult{Err: err})
	}

	timer := time.NewTimer(o.cfg.CheckoutTimeout)
	defer timer.Stop()
	select {
	case <-handle.Done():
	case <-timer.C:
		handle.resolve(CheckoutResult{Err: NewError(KindSystem, CodeCheckoutTimeout, "checkout did not complete in "+o.cfg.CheckoutTimeout.String())})
	case <-ctx.Done():
		handle.resolve(CheckoutResult{Err: abortedError(ctx.Err(), nil)})
	}

	result := handle.Result()
	ref, perr := o.checkoutOutcome(ctx, a, result)
	if perr != nil {
		perr.WithContext("method", string(method))
		a.appendError(perr)
		o.logger.Warn("Checkout failed",
			zap.String("order_id", a.OrderID),
			zap.String("attempt_id", a.ID),
			zap.String("kind", string(perr.Kind)),
			zap.String("code", perr.Code),
			zap.Error(perr),
		)
		return "", perr
	}
	return ref, nil
}

func (o *Orchestrator) checkoutOutcome(ctx context.Context, a *Attempt, r CheckoutResult) (string, *PaymentError) {
	if r.Err != nil {
		return "", o.deps.Classifier.Classify(r.Err).Clone()
	}
	switch NormalizeStatus(r.Status) {
	case PaymentStatusSuccess:
		return r.ReferenceID, nil
	case PaymentStatusFailed:
		return "", classifyMessage(r.Status, KindPayment, CodePaymentFailed)
	}

	// The SDK closed without a final word; ask the backend before treating
	// the payment as failed.
	if o.deps.Verifier != nil {
		res, err := o.deps.Verifier.VerifyWithRetry(ctx, a.OrderID, 2, time.Second)
		if err == nil {
			switch res.PaymentStatus {
			case PaymentStatusSuccess:
				return res.TransactionID, nil
			case PaymentStatusFailed:
				return "", NewError(KindPayment, CodePaymentFailed, "backend reported "+string(res.PaymentStatus))
			}
		}
	}
	return "", NewError(KindUnknown, CodePaymentPending, "checkout ended with status "+r.Status)
}

func (o *Orchestrator) ensureSession(ctx context.Context, a *Attempt) (*Session, *PaymentError) {
	a.mu.RLock()
	sid := a.SessionID
	a.mu.RUnlock()
	if sid != "" {
		return &Session{SessionID: sid, OrderID: a.OrderID, Method: a.Method}, nil
	}

	res := Retry(ctx, o.deps.Executor, o.cfg.SessionPolicy, func(ctx context.Context) (*Session, error) {
		return o.deps.Sessions.CreateSession(ctx, SessionRequest{
			OrderID:  a.OrderID,
			Amount:   a.Amount,
			Currency: a.Currency,
			Method:   a.Method,
			Customer: a.Customer,
			Meta:     a.Meta,
		})
	})
	if !res.OK() {
		perr := res.Err.Clone()
		perr.WithContext("stage", "session")
		return nil, perr
	}

	a.mu.Lock()
	a.SessionID = res.Value.SessionID
	a.mu.Unlock()
	o.transitionFrom(a, StatusCreated, StatusSessionCreated)
	return res.Value, nil
}

func (o *Orchestrator) fallback(ctx context.Context, a *Attempt, perr *PaymentError) *Outcome {
	plan := o.deps.Fallback.Plan(perr.Kind)
	if plan.Primary == StrategyNone {
		o.transition(a, StatusExhausted)
		o.publish(a, EventFallbackExhausted, map[string]string{"code": perr.Code, "kind": string(perr.Kind)})
		o.finalize(a)
		out := outcomeFromSnapshot(a.snapshot())
		out.Error = perr
		out.UserMessage = plan.UserMessage
		return out
	}

	if !o.transition(a, StatusFallbackInProgress) {
		// Verified by the backend in the meantime; no rail may be charged.
		o.finalize(a)
		return outcomeFromSnapshot(a.snapshot())
	}
	o.publish(a, EventFallbackStarted, map[string]string{"kind": string(perr.Kind), "strategy": string(plan.Primary)})

	res := o.deps.Fallback.Execute(ctx, FallbackRequest{
		Error:          perr,
		AttemptID:      a.ID,
		OrderID:        a.OrderID,
		UserID:         a.UserID,
		Amount:         a.Amount,
		OriginalMethod: a.Method,
		Checkout: func(ctx context.Context, method Method) (string, error) {
			ref, perr := o.checkout(ctx, a, method)
			if perr != nil {
				return "", perr
			}
			return ref, nil
		},
		Claim: a.markStrategy,
	})

	if res.Success {
		a.mu.Lock()
		a.FallbackStrategy = res.Strategy
		a.FallbackMethod = res.Method
		if res.Reference != "" {
			a.TransactionID = res.Reference
		}
		a.mu.Unlock()
		o.transition(a, StatusFallbackSucceeded)
		o.publish(a, EventFallbackSucceeded, map[string]string{"strategy": string(res.Strategy), "method": string(res.Method)})
		if res.Method == MethodManual {
			o.publish(a, EventManualSettlement, map[string]string{"reference": res.Reference})
		}
		o.finalize(a)
		out := outcomeFromSnapshot(a.snapshot())
		out.UserMessage = res.UserMessage
		return out
	}

	a.appendError(res.Err)
	o.transition(a, StatusExhausted)
	o.publish(a, EventFallbackExhausted, map[string]string{"code": res.Err.Code, "strategies": res.Err.Context["strategies"]})
	o.finalize(a)
	out := outcomeFromSnapshot(a.snapshot())
	out.Error = res.Err
	out.UserMessage = res.UserMessage
	return out
}

// afterSuccess starts background verification, or persists and releases the
// attempt when verification is off.
func (o *Orchestrator) afterSuccess(a *Attempt) {
	o.persist(a)
	if o.deps.Verifier == nil || !o.cfg.VerifyAfterSuccess {
		o.finalize(a)
		return
	}

	vctx, cancel := context.WithTimeout(context.Background(), o.cfg.VerifyTimeout)
	a.mu.Lock()
	a.stopVerify = cancel
	a.mu.Unlock()

	go func() {
		defer cancel()
		res, err := o.deps.Verifier.AutoVerify(vctx, a.OrderID, o.cfg.VerifyInitialDelay)
		if err != nil {
			o.logger.Warn("Background verification failed; attempt stays succeeded",
				zap.String("order_id", a.OrderID),
				zap.Error(err),
			)
		} else {
			o.apply(a, res)
		}
		o.finalize(a)
	}()
}

// CompleteCheckout resolves the pending checkout of orderID with a result
// relayed by the host. It reports whether this call resolved the handle.
func (o *Orchestrator) CompleteCheckout(orderID string, result CheckoutResult) bool {
	entry, ok := o.registry.load(orderID)
	if !ok {
		return false
	}
	entry.attempt.mu.RLock()
	handle := entry.attempt.completion
	entry.attempt.mu.RUnlock()
	if handle == nil {
		return false
	}
	return handle.resolve(result)
}

// Reconcile applies an authoritative result from polling or a webhook and
// returns the resulting status.
func (o *Orchestrator) Reconcile(ctx context.Context, result VerificationResult) (Status, error) {
	if entry, ok := o.registry.load(result.OrderID); ok {
		return o.apply(entry.attempt, result), nil
	}
	if o.deps.Store == nil {
		return "", ErrUnknownOrder
	}

	snap, err := o.deps.Store.FindByOrderID(ctx, result.OrderID)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return "", ErrUnknownOrder
	}

	next, conflict := reconcileStatus(snap.Status, result.PaymentStatus)
	if conflict {
		o.publishSnapshot(snap, EventReconcileConflict, map[string]string{"backend_status": string(result.PaymentStatus)})
	}
	if next == snap.Status {
		return next, nil
	}
	snap.Status = next
	if result.TransactionID != "" {
		snap.TransactionID = result.TransactionID
	}
	if result.BankReference != "" {
		snap.BankReference = result.BankReference
	}
	if next == StatusFailed {
		snap.ErrorHistory = append(snap.ErrorHistory, verificationFailure(result))
	}
	snap.UpdatedAt = time.Now()
	if err := o.deps.Store.Save(ctx, snap); err != nil {
		return "", err
	}
	o.publishSnapshot(snap, EventAttemptStatus, nil)
	return next, nil
}

func (o *Orchestrator) apply(a *Attempt, result VerificationResult) Status {
	a.mu.Lock()
	current := a.Status
	next, conflict := reconcileStatus(current, result.PaymentStatus)
	if next != current {
		a.Status = next
		a.UpdatedAt = time.Now()
		if result.TransactionID != "" {
			a.TransactionID = result.TransactionID
		}
		if result.BankReference != "" {
			a.BankReference = result.BankReference
		}
		if next == StatusFailed {
			a.ErrorHistory = append(a.ErrorHistory, verificationFailure(result))
		}
	}
	stop := a.stopVerify
	handle := a.completion
	ref := a.TransactionID
	a.mu.Unlock()

	if conflict {
		o.logger.Warn("Backend status disagrees with attempt",
			zap.String("order_id", a.OrderID),
			zap.String("status", string(current)),
			zap.String("backend_status", string(result.PaymentStatus)),
		)
		o.publish(a, EventReconcileConflict, map[string]string{"backend_status": string(result.PaymentStatus)})
	}
	if next != current {
		o.publish(a, EventAttemptStatus, map[string]string{"from": string(current)})
		if next == StatusVerified {
			// Release a checkout that is still waiting on the SDK.
			if handle != nil {
				handle.resolve(CheckoutResult{Status: "SUCCESS", ReferenceID: ref})
			}
			if stop != nil {
				stop()
			}
		}
	}
	return next
}

func verificationFailure(result VerificationResult) *PaymentError {
	return NewError(KindPayment, CodeVerificationFailed, "backend reported "+string(result.PaymentStatus)).
		WithRetryable(false).
		WithContext("source", "verification")
}

// Status returns the current snapshot of orderID from the registry or the
// store. It returns nil, nil when the order is unknown.
func (o *Orchestrator) Status(ctx context.Context, orderID string) (*Snapshot, error) {
	if entry, ok := o.registry.load(orderID); ok {
		return entry.attempt.snapshot(), nil
	}
	return o.storedAttempt(ctx, orderID)
}

// transition moves a to s. Verified is sticky: nothing the SDK path does
// can move an attempt out of it.
func (o *Orchestrator) transition(a *Attempt, s Status) bool {
	a.mu.Lock()
	prev := a.Status
	if prev == StatusVerified || prev == s {
		a.mu.Unlock()
		return false
	}
	a.Status = s
	a.UpdatedAt = time.Now()
	a.mu.Unlock()

	o.logger.Info("Payment attempt transition",
		zap.String("order_id", a.OrderID),
		zap.String("attempt_id", a.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(s)),
	)
	o.publish(a, EventAttemptStatus, map[string]string{"from": string(prev)})
	return true
}

func (o *Orchestrator) transitionFrom(a *Attempt, from, to Status) {
	if a.status() == from {
		o.transition(a, to)
	}
}

func (o *Orchestrator) persist(a *Attempt) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.deps.Store.Save(ctx, a.snapshot()); err != nil {
		o.logger.Error("Failed to persist payment attempt", zap.String("order_id", a.OrderID), zap.Error(err))
	}
}

// finalize persists the attempt and releases it from the registry.
func (o *Orchestrator) finalize(a *Attempt) {
	o.persist(a)
	o.registry.release(a)
}

func (o *Orchestrator) publish(a *Attempt, typ string, detail map[string]string) {
	if o.deps.Events == nil {
		return
	}
	a.mu.RLock()
	evt := Event{
		Type:      typ,
		AttemptID: a.ID,
		OrderID:   a.OrderID,
		UserID:    a.UserID,
		Status:    a.Status,
		Detail:    detail,
		At:        time.Now(),
	}
	a.mu.RUnlock()
	o.deps.Events.Publish(context.Background(), evt)
}

func (o *Orchestrator) publishSnapshot(s *Snapshot, typ string, detail map[string]string) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(context.Background(), Event{
		Type:      typ,
		AttemptID: s.ID,
		OrderID:   s.OrderID,
		UserID:    s.UserID,
		Status:    s.Status,
		Detail:    detail,
		At:        time.Now(),
	})
}
