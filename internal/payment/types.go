package payment

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Method is a payment rail or a gateway payment method.
type Method string

const (
	MethodUPI        Method = "gateway_upi"
	MethodCard       Method = "gateway_card"
	MethodNetBanking Method = "gateway_netbanking"
	MethodWallet     Method = "wallet"
	MethodIntent     Method = "upi_intent"
	MethodManual     Method = "manual"
	// MethodWalletIntent is a wallet debit topped up through the intent rail.
	MethodWalletIntent Method = "wallet_upi_intent"
)

// IsGateway reports whether m is paid through the gateway checkout.
func (m Method) IsGateway() bool {
	switch m {
	case MethodUPI, MethodCard, MethodNetBanking:
		return true
	}
	return false
}

// Status is the attempt state.
type Status string

const (
	StatusCreated            Status = "created"
	StatusSessionCreated     Status = "session_created"
	StatusInProgress         Status = "in_progress"
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusFallbackInProgress Status = "fallback_in_progress"
	StatusFallbackSucceeded  Status = "fallback_succeeded"
	StatusExhausted          Status = "exhausted"
	StatusVerified           Status = "verified"
)

// IsTerminal reports whether no further transition is driven by the engine.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusVerified, StatusFallbackSucceeded, StatusExhausted:
		return true
	}
	return false
}

// IsPaid reports whether the order counts as paid for idempotence purposes.
func (s Status) IsPaid() bool {
	switch s {
	case StatusSucceeded, StatusVerified, StatusFallbackSucceeded:
		return true
	}
	return false
}

// PaymentRequest starts an attempt.
type PaymentRequest struct {
	UserID   string            `json:"user_id" validate:"required,max=64"`
	OrderID  string            `json:"order_id" validate:"required,max=64"`
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency" validate:"required,len=3"`
	Method   Method            `json:"method" validate:"required,oneof=gateway_upi gateway_card gateway_netbanking"`
	Customer Customer          `json:"customer"`
	Theme    Theme             `json:"theme"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Attempt is one payment attempt. It is only reachable through the
// orchestrator registry; mu guards its own fields and nothing else.
type Attempt struct {
	mu sync.RWMutex

	ID               string
	OrderID          string
	UserID           string
	Amount           decimal.Decimal
	Currency         string
	Method           Method
	Customer         Customer
	Theme            Theme
	Meta             map[string]string
	Status           Status
	SessionID        string
	TransactionID    string
	BankReference    string
	FallbackStrategy Strategy
	FallbackMethod   Method
	ErrorHistory     []*PaymentError
	CreatedAt        time.Time
	UpdatedAt        time.Time

	completion     *completion
	usedStrategies map[Strategy]bool
	stopVerify     func()
}

func (a *Attempt) status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status
}

func (a *Attempt) appendError(perr *PaymentError) {
	if perr == nil {
		return
	}
	a.mu.Lock()
	a.ErrorHistory = append(a.ErrorHistory, perr.Clone())
	a.mu.Unlock()
}

// markStrategy records a strategy as used and reports whether it was unused.
func (a *Attempt) markStrategy(s Strategy) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usedStrategies == nil {
		a.usedStrategies = make(map[Strategy]bool)
	}
	if a.usedStrategies[s] {
		return false
	}
	a.usedStrategies[s] = true
	return true
}

// Snapshot is an immutable copy of an attempt.
type Snapshot struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Method           Method          `json:"method"`
	Status           Status          `json:"status"`
	SessionID        string          `json:"session_id,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	BankReference    string          `json:"bank_reference,omitempty"`
	FallbackStrategy Strategy        `json:"fallback_strategy,omitempty"`
	FallbackMethod   Method          `json:"fallback_method,omitempty"`
	ErrorHistory     []*PaymentError `json:"error_history,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (a *Attempt) snapshot() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := make([]*PaymentError, 0, len(a.ErrorHistory))
	for _, e := range a.ErrorHistory {
		history = append(history, e.Clone())
	}
	return &Snapshot{
		ID:               a.ID,
		OrderID:          a.OrderID,
		UserID:           a.UserID,
		Amount:           a.Amount,
		Currency:         a.Currency,
		Method:           a.Method,
		Status:           a.Status,
		SessionID:        a.SessionID,
		TransactionID:    a.TransactionID,
		BankReference:    a.BankReference,
		FallbackStrategy: a.FallbackStrategy,
		FallbackMethod:   a.FallbackMethod,
		ErrorHistory:     history,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// Outcome is returned to the caller of ProcessPayment.
type Outcome struct {
	AttemptID        string        `json:"attempt_id"`
	OrderID          string        `json:"order_id"`
	Status           Status        `json:"status"`
	TransactionID    string        `json:"transaction_id,omitempty"`
	FallbackStrategy Strategy      `json:"fallback_strategy,omitempty"`
	FallbackMethod   Method        `json:"fallback_method,omitempty"`
	Error            *PaymentError `json:"error,omitempty"`
	UserMessage      string        `json:"message,omitempty"`
}

func outcomeFromSnapshot(s *Snapshot) *Outcome {
	out := &Outcome{
		AttemptID:        s.ID,
		OrderID:          s.OrderID,
		Status:           s.Status,
		TransactionID:    s.TransactionID,
		FallbackStrategy: s.FallbackStrategy,
		FallbackMethod:   s.FallbackMethod,
	}
	if !s.Status.IsPaid() && len(s.ErrorHistory) > 0 {
		out.Error = s.ErrorHistory[len(s.ErrorHistory)-1]
		out.UserMessage = UserMessage(out.Error)
	}
	return out
}

// VerificationResult is the normalised outcome of a status check or webhook.
type VerificationResult struct {
	OrderID       string        `json:"order_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	BankReference string        `json:"bank_reference,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	Success       bool          `json:"success"`
}

// Event types published on the event stream.
const (
	EventAttemptCreated     = "attempt.created"
	EventAttemptStatus      = "attempt.status"
	EventFallbackStarted    = "fallback.started"
	EventFallbackSucceeded  = "fallback.succeeded"
	EventFallbackExhausted  = "fallback.exhausted"
	EventManualSettlement   = "settlement.manual"
	EventReconcileConflict  = "reconcile.conflict"
	EventVerificationResult = "verification.result"
)

// Event is one entry of the append-only event stream.
type Event struct {
	Type      string            `json:"type"`
	AttemptID string            `json:"attempt_id,omitempty"`
	OrderID   string            `json:"order_id"`
	UserID    string            `json:"user_id,omitempty"`
	Status    Status            `json:"status,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}
