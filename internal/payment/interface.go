package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Customer identifies the payer towards the gateway.
type Customer struct {
	ID    string `json:"customer_id"`
	Name  string `json:"customer_name,omitempty"`
	Email string `json:"customer_email,omitempty"`
	Phone string `json:"customer_phone,omitempty"`
}

// SessionRequest is sent to the session API.
type SessionRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Method   Method
	Customer Customer
	Meta     map[string]string
}

// Session is the gateway checkout session handed to the SDK.
type Session struct {
	SessionID string `json:"session_id"`
	OrderID   string `json:"order_id"`
	Method    Method `json:"method"`
}

// StatusResponse is the authoritative status of an order.
type StatusResponse struct {
	Status        string
	TransactionID string
	Amount        decimal.Decimal
	Method        string
	BankReference string
	PaymentTime   time.Time
	FailureReason string
}

// Theme customises the checkout screen.
type Theme struct {
	PrimaryColor string `json:"primary_color,omitempty"`
	LogoURL      string `json:"logo_url,omitempty"`
}

// CheckoutResult is what the SDK reports once the payer leaves checkout.
type CheckoutResult struct {
	// Status is the gateway's terminal status word (SUCCESS, FAILED, ...).
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id,omitempty"`
	// Err carries an SDK-side failure; when set Status is ignored.
	Err error `json:"-"`
}

// CheckoutCallback receives the SDK completion. It may be called more than
// once; only the first call counts.
type CheckoutCallback func(CheckoutResult)

// SessionAPI creates gateway checkout sessions. Idempotent per order id.
type SessionAPI interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// StatusAPI queries the authoritative order status.
type StatusAPI interface {
	GetStatus(ctx context.Context, orderID string) (*StatusResponse, error)
}

// CheckoutSDK launches the host-controlled checkout.
type CheckoutSDK interface {
	Launch(ctx context.Context, session *Session, theme Theme, done CheckoutCallback) error
}

// WalletLedger is the in-app wallet. Debit returns ErrInsufficientFunds when
// the balance does not cover the amount.
type WalletLedger interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error)
}

// IntentRequest describes an external intent-based payment.
type IntentRequest struct {
	OrderID string
	UserID  string
	Amount  decimal.Decimal
}

// IntentRail hands the payment to an external app through a deep link.
type IntentRail interface {
	Available(ctx context.Context) bool
	Launch(ctx context.Context, req IntentRequest) (string, error)
}

// ManualRequest registers an order for manual settlement.
type ManualRequest struct {
	OrderID string
	UserID  string
	Amount  decimal.Decimal
	Reason  string
}

// ManualSettlement records orders that will be settled out of band.
type ManualSettlement interface {
	Register(ctx context.Context, req ManualRequest) (string, error)
}

// AttemptStore persists attempt snapshots. FindByOrderID returns nil, nil
// when nothing is stored.
type AttemptStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	FindByOrderID(ctx context.Context, orderID string) (*Snapshot, error)
	ListAwaitingVerification(ctx context.Context, olderThan time.Time, limit int) ([]Snapshot, error)
}

// EventSink receives the fire-and-forget event stream.
type EventSink interface {
	Publish(ctx context.Context, evt Event)
}
