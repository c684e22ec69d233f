package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/pkg/httpclient"
)

type orchestratorFixture struct {
	orch     *Orchestrator
	sessions *mockSessions
	checkout *mockCheckout
	status   *mockStatus
	intent   *mockIntent
	wallet   *mockWallet
	manual   *mockManual
	store    *memoryStore
	events   *recordingEvents
	sleeper  *recordingSleeper
}

func newOrchestratorFixture(t *testing.T, configure func(*Dependencies, *OrchestratorConfig)) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		sessions: &mockSessions{},
		checkout: &mockCheckout{},
		status:   &mockStatus{Responses: []string{"PAID"}},
		intent:   &mockIntent{available: true},
		wallet:   &mockWallet{},
		manual:   &mockManual{},
		store:    newMemoryStore(),
		events:   &recordingEvents{},
		sleeper:  &recordingSleeper{},
	}

	classifier := NewClassifier()
	exec := NewRetryExecutor(classifier, f.sleeper.Sleep, nil)
	deps := Dependencies{
		Sessions:   f.sessions,
		Checkout:   f.checkout,
		Classifier: classifier,
		Executor:   exec,
		Verifier:   NewVerifier(f.status, exec, f.sleeper.Sleep, VerifierConfig{}, nil),
		Fallback: NewFallbackEngine(exec, Rails{
			Wallet: f.wallet,
			Intent: f.intent,
			Manual: f.manual,
		}, f.sleeper.Sleep, nil),
		Store:  f.store,
		Events: f.events,
	}
	cfg := OrchestratorConfig{
		CheckoutTimeout: 5 * time.Second,
		SessionPolicy:   DefaultRetryPolicy(),
	}
	if configure != nil {
		configure(&deps, &cfg)
	}

	orch, err := NewOrchestrator(deps, cfg)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func paymentRequest(orderID, userID string) PaymentRequest {
	return PaymentRequest{
		UserID:   userID,
		OrderID:  orderID,
		Amount:   decimal.RequireFromString("499.00"),
		Currency: "INR",
		Method:   MethodUPI,
		Customer: Customer{ID: userID, Phone: "9999999999"},
	}
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{}, OrchestratorConfig{})
	assert.Error(t, err)
}

func TestOrchestrator_RejectsInvalidRequests(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(*PaymentRequest)
	}{
		{"zero amount", func(r *PaymentRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *PaymentRequest) { r.Amount = decimal.NewFromInt(-5) }},
		{"sub-paisa amount", func(r *PaymentRequest) { r.Amount = decimal.RequireFromString("10.123") }},
		{"missing order", func(r *PaymentRequest) { r.OrderID = "" }},
		{"non gateway method", func(r *PaymentRequest) { r.Method = MethodWallet }},
		{"bad currency", func(r *PaymentRequest) { r.Currency = "RUPEE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := paymentRequest("order_invalid", "user_1")
			tt.mutate(&req)

			_, err := f.orch.ProcessPayment(context.Background(), req)

			var perr *PaymentError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, KindValidation, perr.Kind)
		})
	}
	assert.Zero(t, f.sessions.Calls())
}

func TestOrchestrator_SuccessIsReportedThenVerified(t *testing.T) {
	f := newOrchestratorFixture(t, func(d *Dependencies, c *OrchestratorConfig) {
		c.VerifyAfterSuccess = true
	})
	ctx := context.Background()

	out, err := f.orch.ProcessPayment(ctx, paymentRequest("order_ok", "user_1"))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "ref_order_ok", out.TransactionID)
	assert.Nil(t, out.Error)

	require.Eventually(t, func() bool {
		snap, err := f.orch.Status(ctx, "order_ok")
		return err == nil && snap != nil && snap.Status == StatusVerified
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := f.orch.Status(ctx, "order_ok")
	require.NoError(t, err)
	assert.Equal(t, "txn_order_ok", snap.TransactionID)
	assert.Equal(t, 1, f.sessions.Calls())
	assert.Contains(t, f.events.Types(), EventAttemptCreated)
}

func TestOrchestrator_ConcurrentCallsShareOneAttempt(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	release := make(chan struct{})
	launched := make(chan struct{}, 1)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		launched <- struct{}{}
		go func() {
			<-release
			done(CheckoutResult{Status: "SUCCESS", ReferenceID: "ref_1"})
		}()
		return nil
	}

	req := paymentRequest("order_dup", "user_1")
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[0], errs[0] = f.orch.ProcessPayment(context.Background(), req)
	}()
	<-launched

	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[1], errs[1] = f.orch.ProcessPayment(context.Background(), req)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, outcomes[0].AttemptID, outcomes[1].AttemptID)
	assert.Equal(t, StatusSucceeded, outcomes[1].Status)
	assert.Equal(t, 1, f.sessions.Calls())
	assert.Len(t, f.checkout.Methods(), 1)
}

func TestOrchestrator_OrderOfAnotherUserIsRejected(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	release := make(chan struct{})
	launched := make(chan struct{}, 1)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		launched <- struct{}{}
		go func() {
			<-release
			done(CheckoutResult{Status: "SUCCESS"})
		}()
		return nil
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = f.orch.ProcessPayment(context.Background(), paymentRequest("order_shared", "user_1"))
	}()
	<-launched

	_, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_shared", "user_2"))
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindSecurity, perr.Kind)
	assert.Equal(t, CodeOrderOwnership, perr.Code)

	close(release)
	<-finished

	_, err = f.orch.ProcessPayment(context.Background(), paymentRequest("order_shared", "user_2"))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindSecurity, perr.Kind)
	assert.Equal(t, 1, f.sessions.Calls())
}

func TestOrchestrator_PaidOrderIsAnsweredFromStore(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	require.NoError(t, f.store.Save(context.Background(), &Snapshot{
		ID:            "att_old",
		OrderID:       "order_paid",
		UserID:        "user_1",
		Status:        StatusVerified,
		TransactionID: "txn_old",
	}))

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_paid", "user_1"))

	require.NoError(t, err)
	assert.Equal(t, "att_old", out.AttemptID)
	assert.Equal(t, StatusVerified, out.Status)
	assert.Zero(t, f.sessions.Calls())
}

type unreadableStore struct {
	*memoryStore
}

func (unreadableStore) FindByOrderID(context.Context, string) (*Snapshot, error) {
	return nil, errors.New("read tcp 10.0.0.5:3306: i/o timeout")
}

func TestOrchestrator_StoreLookupFailureStartsNoSession(t *testing.T) {
	f := newOrchestratorFixture(t, func(d *Dependencies, _ *OrchestratorConfig) {
		d.Store = unreadableStore{newMemoryStore()}
	})
	f.wallet.balance = decimal.NewFromInt(1000)

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_glitch", "user_1"))

	require.Nil(t, out)
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindSystem, perr.Kind)
	assert.Zero(t, f.sessions.Calls())
	assert.Empty(t, f.checkout.Methods())
	assert.Empty(t, f.wallet.debits)

	// the registry slot is released, so a later call can proceed
	_, ok := f.orch.registry.load("order_glitch")
	assert.False(t, ok)
}

func TestOrchestrator_VerifiedAttemptSkipsFallbackRails(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.wallet.balance = decimal.NewFromInt(1000)

	a := newAttempt(paymentRequest("order_late_webhook", "user_1"))
	a.Status = StatusVerified

	out := f.orch.fallback(context.Background(), a, NewError(KindSystem, CodeInternal, "launch failed"))

	assert.Equal(t, StatusVerified, out.Status)
	assert.Empty(t, f.wallet.debits)
	assert.Empty(t, f.intent.Requests())
	assert.Empty(t, f.manual.requests)
	assert.NotContains(t, f.events.Types(), EventFallbackStarted)
}

func TestOrchestrator_NetworkFailureFallsBackToIntent(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		done(CheckoutResult{Err: &SDKError{Message: "network connection lost"}})
		return nil
	}

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_net", "user_1"))
	require.NoError(t, err)

	assert.Equal(t, StatusFallbackSucceeded, out.Status)
	assert.Equal(t, StrategyExternalIntentRail, out.FallbackStrategy)
	assert.Equal(t, MethodIntent, out.FallbackMethod)
	assert.Equal(t, "intent_order_net", out.TransactionID)
	assert.Len(t, f.checkout.Methods(), 3)
	assert.Equal(t, 1, f.sessions.Calls())
	require.Len(t, f.intent.Requests(), 1)
	assert.True(t, f.intent.Requests()[0].Amount.Equal(decimal.NewFromInt(499)))

	snap, err := f.store.FindByOrderID(context.Background(), "order_net")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, StatusFallbackSucceeded, snap.Status)
	assert.Len(t, snap.ErrorHistory, 3)
	assert.Subset(t, f.events.Types(), []string{EventFallbackStarted, EventFallbackSucceeded})
}

func TestOrchestrator_DuplicateCallbackIsIgnored(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		done(CheckoutResult{Status: "SUCCESS", ReferenceID: "first"})
		done(CheckoutResult{Status: "FAILED"})
		return nil
	}

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_twice", "user_1"))

	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "first", out.TransactionID)
	assert.False(t, f.orch.CompleteCheckout("order_twice", CheckoutResult{Status: "FAILED"}))
}

func TestOrchestrator_HostRelayCompletesCheckout(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		return nil
	}

	result := make(chan *Outcome, 1)
	go func() {
		out, _ := f.orch.ProcessPayment(context.Background(), paymentRequest("order_relay", "user_1"))
		result <- out
	}()

	require.Eventually(t, func() bool {
		return f.orch.CompleteCheckout("order_relay", CheckoutResult{Status: "PAID", ReferenceID: "relay_ref"})
	}, 2*time.Second, 5*time.Millisecond)

	out := <-result
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "relay_ref", out.TransactionID)
}

func TestOrchestrator_CheckoutTimeoutExhaustsWithoutRails(t *testing.T) {
	f := newOrchestratorFixture(t, func(d *Dependencies, c *OrchestratorConfig) {
		c.CheckoutTimeout = 30 * time.Millisecond
		d.Fallback = NewFallbackEngine(d.Executor, Rails{}, func(context.Context, time.Duration) error { return nil }, nil)
	})
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		return nil
	}

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_slow", "user_1"))
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, CodeFallbackExhausted, out.Error.Code)
	assert.Equal(t, CodeCheckoutTimeout, out.Error.Context["original_code"])
	assert.Equal(t, ExhaustedMessage, out.UserMessage)
	assert.False(t, f.orch.CompleteCheckout("order_slow", CheckoutResult{Status: "SUCCESS"}))
}

func TestOrchestrator_ValidationFailureHasNoFallback(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.sessions.CreateFunc = func(ctx context.Context, req SessionRequest) (*Session, error) {
		return nil, &httpclient.StatusError{StatusCode: 400, Body: []byte(`{"message":"order_amount invalid"}`)}
	}

	out, err := f.orch.ProcessPayment(context.Background(), paymentRequest("order_400", "user_1"))
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, KindValidation, out.Error.Kind)
	assert.Equal(t, "Please check your payment details and try again.", out.UserMessage)
	assert.Equal(t, 1, f.sessions.Calls())
	assert.Empty(t, f.checkout.Methods())
	assert.Empty(t, f.manual.requests)
}

func TestOrchestrator_WebhookVerifiesInFlightCheckout(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.checkout.LaunchFunc = func(n int, s *Session, done CheckoutCallback) error {
		return nil
	}
	ctx := context.Background()

	result := make(chan *Outcome, 1)
	go func() {
		out, _ := f.orch.ProcessPayment(ctx, paymentRequest("order_hook", "user_1"))
		result <- out
	}()

	require.Eventually(t, func() bool {
		snap, _ := f.orch.Status(ctx, "order_hook")
		return snap != nil && snap.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	status, err := f.orch.Reconcile(ctx, VerificationResult{
		OrderID:       "order_hook",
		PaymentStatus: PaymentStatusSuccess,
		TransactionID: "txn_hook",
		Success:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, status)

	out := <-result
	assert.Equal(t, StatusVerified, out.Status)
	assert.Equal(t, "txn_hook", out.TransactionID)
}

func TestOrchestrator_ReconcileStoredAttempts(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, &Snapshot{ID: "att_1", OrderID: "order_sdk_lied", UserID: "u", Status: StatusSucceeded}))
	require.NoError(t, f.store.Save(ctx, &Snapshot{ID: "att_2", OrderID: "order_fallback", UserID: "u", Status: StatusFallbackSucceeded}))

	status, err := f.orch.Reconcile(ctx, VerificationResult{OrderID: "order_sdk_lied", PaymentStatus: PaymentStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	status, err = f.orch.Reconcile(ctx, VerificationResult{OrderID: "order_fallback", PaymentStatus: PaymentStatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, StatusFallbackSucceeded, status)

	status, err = f.orch.Reconcile(ctx, VerificationResult{OrderID: "order_sdk_lied", PaymentStatus: PaymentStatusPending})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	snap, _ := f.store.FindByOrderID(ctx, "order_sdk_lied")
	require.Len(t, snap.ErrorHistory, 1)
	assert.Equal(t, CodeVerificationFailed, snap.ErrorHistory[0].Code)

	conflicts := 0
	for _, typ := range f.events.Types() {
		if typ == EventReconcileConflict {
			conflicts++
		}
	}
	assert.Equal(t, 2, conflicts)

	_, err = f.orch.Reconcile(ctx, VerificationResult{OrderID: "missing", PaymentStatus: PaymentStatusSuccess})
	assert.True(t, errors.Is(err, ErrUnknownOrder))
}

func TestReconcileStatus(t *testing.T) {
	tests := []struct {
		current  Status
		backend  PaymentStatus
		next     Status
		conflict bool
	}{
		{StatusInProgress, PaymentStatusSuccess, StatusVerified, false},
		{StatusSucceeded, PaymentStatusSuccess, StatusVerified, false},
		{StatusFailed, PaymentStatusSuccess, StatusVerified, false},
		{StatusExhausted, PaymentStatusSuccess, StatusVerified, false},
		{StatusFallbackInProgress, PaymentStatusSuccess, StatusFallbackInProgress, true},
		{StatusFallbackSucceeded, PaymentStatusSuccess, StatusFallbackSucceeded, true},
		{StatusSucceeded, PaymentStatusFailed, StatusFailed, true},
		{StatusVerified, PaymentStatusFailed, StatusVerified, true},
		{StatusInProgress, PaymentStatusFailed, StatusInProgress, false},
		{StatusSucceeded, PaymentStatusPending, StatusSucceeded, false},
		{StatusSucceeded, PaymentStatusUnknown, StatusSucceeded, false},
	}

	for _, tt := range tests {
		next, conflict := reconcileStatus(tt.current, tt.backend)
		assert.Equal(t, tt.next, next, "%s + %s", tt.current, tt.backend)
		assert.Equal(t, tt.conflict, conflict, "%s + %s", tt.current, tt.backend)
	}
}

func TestCompletion_FirstResolutionWins(t *testing.T) {
	c := newCompletion()

	var wg sync.WaitGroup
	wins := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.resolve(CheckoutResult{Status: "SUCCESS", ReferenceID: string(rune('a' + i))}) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
	<-c.Done()
	assert.Equal(t, "SUCCESS", c.Result().Status)
}
