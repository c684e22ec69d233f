package payment

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories every raw error is mapped to.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindAPI           Kind = "api"
	KindPayment       Kind = "payment"
	KindValidation    Kind = "validation"
	KindSystem        Kind = "system"
	KindSDK           Kind = "sdk"
	KindConfiguration Kind = "configuration"
	KindSecurity      Kind = "security"
	KindUnknown       Kind = "unknown"
)

// Severity of a classified error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type kindDefaults struct {
	severity  Severity
	retryable bool
}

var defaultsByKind = map[Kind]kindDefaults{
	KindNetwork:       {SeverityMedium, true},
	KindAPI:           {SeverityMedium, true},
	KindPayment:       {SeverityHigh, true},
	KindValidation:    {SeverityLow, false},
	KindSystem:        {SeverityHigh, true},
	KindSDK:           {SeverityMedium, true},
	KindConfiguration: {SeverityCritical, false},
	KindSecurity:      {SeverityCritical, false},
	KindUnknown:       {SeverityMedium, true},
}

// Error codes produced by the classifier and the engine.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnprocessable      = "UNPROCESSABLE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServerError        = "SERVER_ERROR"
	CodeClientError        = "CLIENT_ERROR"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeDeclined           = "PAYMENT_DECLINED"
	CodePaymentFailed      = "PAYMENT_FAILED"
	CodeCancelled          = "PAYMENT_CANCELLED"
	CodeSDKError           = "SDK_ERROR"
	CodeNotConfigured      = "NOT_CONFIGURED"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeOrderOwnership     = "ORDER_OWNERSHIP"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeCheckoutTimeout    = "CHECKOUT_TIMEOUT"
	CodeRetryAborted       = "RETRY_ABORTED"
	CodeContextCancelled   = "CONTEXT_CANCELLED"
	CodeVerifyPending      = "VERIFICATION_PENDING"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodePaymentPending     = "PAYMENT_PENDING"
	CodeFallbackExhausted  = "FALLBACK_EXHAUSTED"
	CodeNoFallback         = "NO_FALLBACK"
	CodeInternal           = "INTERNAL_ERROR"
	CodeUnknown            = "UNKNOWN_ERROR"
)

// Sentinel errors understood by the classifier.
var (
	ErrNotConfigured     = errors.New("payment: collaborator not configured")
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	ErrIntentNotLaunched = errors.New("payment: intent rail did not launch")
	ErrOrderOwnership    = errors.New("payment: order belongs to another user")
)

// PaymentError is the typed failure every component consumes after
// classification. RawMessage is kept for logs and never serialised.
type PaymentError struct {
	Code       string            `json:"code"`
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Retryable  bool              `json:"retryable"`
	HTTPStatus int               `json:"http_status,omitempty"`
	RawMessage string            `json:"-"`
	Context    map[string]string `json:"context,omitempty"`
}

// NewError builds a PaymentError with the kind's default severity and retryability.
func NewError(kind Kind, code, raw string) *PaymentError {
	d, ok := defaultsByKind[kind]
	if !ok {
		kind = KindUnknown
		d = defaultsByKind[KindUnknown]
	}
	return &PaymentError{
		Code:       code,
		Kind:       kind,
		Severity:   d.severity,
		Retryable:  d.retryable,
		RawMessage: raw,
	}
}

func (e *PaymentError) Error() string {
	if e.RawMessage == "" {
		return fmt.Sprintf("%s/%s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.RawMessage)
}

// WithRetryable overrides the default retryability.
func (e *PaymentError) WithRetryable(retryable bool) *PaymentError {
	e.Retryable = retryable
	return e
}

// WithContext attaches a key/value pair. The receiver is returned for chaining.
func (e *PaymentError) WithContext(key, value string) *PaymentError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// Clone returns a deep copy so history entries never alias each other.
func (e *PaymentError) Clone() *PaymentError {
	if e == nil {
		return nil
	}
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// SDKError is returned by checkout SDK adapters. The message is classified
// with the string table and defaults to the sdk kind.
type SDKError struct {
	Message string
}

func (e *SDKError) Error() string {
	return "checkout sdk: " + e.Message
}

// userMessages are the only texts ever shown to a payer.
var userMessages = map[Kind]string{
	KindNetwork:       "We are having trouble reaching the payment provider. Please try again.",
	KindAPI:           "The payment provider is temporarily unavailable. Please try again shortly.",
	KindPayment:       "Your payment was not completed. Please try another payment method.",
	KindValidation:    "Please check your payment details and try again.",
	KindSystem:        "Something went wrong while processing your payment. Please try again.",
	KindSDK:           "The payment screen could not be opened. Please try again.",
	KindConfiguration: "Online payment is temporarily unavailable.",
	KindSecurity:      "This payment could not be processed for security reasons. Please contact support.",
	KindUnknown:       "Your payment could not be completed. Please try again.",
}

// ExhaustedMessage is returned when retries and every fallback have failed.
const ExhaustedMessage = "We could not complete your payment. Please try again later or use manual payment."

// UserMessage returns the safe, non-diagnostic text for an error.
func UserMessage(e *PaymentError) string {
	if e == nil {
		return ""
	}
	if e.Code == CodeFallbackExhausted {
		return ExhaustedMessage
	}
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}
