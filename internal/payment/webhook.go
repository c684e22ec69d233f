package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultWebhookTolerance is the accepted clock skew for webhook timestamps.
const DefaultWebhookTolerance = 300 * time.Second

// Webhook rejection reasons.
var (
	ErrMalformedSignature = errors.New("webhook: malformed signature header")
	ErrStaleTimestamp     = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
	ErrMissingSecret      = errors.New("webhook: secret not configured")
)

// WebhookEvent is a parsed gateway notification.
type WebhookEvent struct {
	EventType       string        `json:"event_type"`
	OrderID         string        `json:"order_id"`
	Signature       string        `json:"-"`
	TimestampHeader string        `json:"timestamp"`
	RawBody         []byte        `json:"-"`
	Verified        bool          `json:"verified"`
	Status          PaymentStatus `json:"status"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	BankReference   string        `json:"bank_reference,omitempty"`
}

// VerificationResult converts the event for reconciliation.
func (e *WebhookEvent) VerificationResult() VerificationResult {
	return VerificationResult{
		OrderID:       e.OrderID,
		PaymentStatus: e.Status,
		TransactionID: e.TransactionID,
		BankReference: e.BankReference,
		AttemptCount:  1,
		Success:       e.Status == PaymentStatusSuccess,
	}
}

// WebhookVerifier authenticates inbound gateway webhooks.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier creates a verifier. A non-positive tolerance uses
// DefaultWebhookTolerance.
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &WebhookVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock replaces the time source.
func (v *WebhookVerifier) WithClock(now func() time.Time) *WebhookVerifier {
	v.now = now
	return v
}

// Verify reports whether the delivery is authentic and fresh.
func (v *WebhookVerifier) Verify(signatureHeader string, rawBody []byte) bool {
	return v.Check(signatureHeader, rawBody) == nil
}

// Check is Verify with the rejection reason.
func (v *WebhookVerifier) Check(signatureHeader string, rawBody []byte) error {
	if v.secret == "" {
		return ErrMissingSecret
	}
	ts, sigs, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	skew := math.Abs(float64(v.now().Unix() - tsInt))
	if skew > v.tolerance.Seconds() {
		return ErrStaleTimestamp
	}

	expected := []byte(Sign(v.secret, ts, rawBody))
	for _, sig := range sigs {
		got := []byte(strings.ToLower(sig))
		if len(got) != len(expected) {
			continue
		}
		if subtle.ConstantTimeCompare(got, expected) == 1 {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats a header value for the given timestamp and body.
func SignatureHeader(secret string, timestamp int64, rawBody []byte) string {
	ts := strconv.FormatInt(timestamp, 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, Sign(secret, ts, rawBody))
}

// parseSignatureHeader splits "t=<ts>,v1=<sig>[,v1=<sig>...]". Several v1
// entries are allowed during secret rotation.
func parseSignatureHeader(header string) (string, []string, error) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || value == "" {
			return "", nil, ErrMalformedSignature
		}
		switch strings.TrimSpace(key) {
		case "t":
			if ts != "" {
				return "", nil, ErrMalformedSignature
			}
			ts = strings.TrimSpace(value)
		case "v1":
			sigs = append(sigs, strings.TrimSpace(value))
		}
	}
	if ts == "" || len(sigs) == 0 {
		return "", nil, ErrMalformedSignature
	}
	return ts, sigs, nil
}

type webhookPayload struct {
	Type      string `json:"type"`
	EventTime string `json:"event_time"`
	Data      struct {
		Order struct {
			OrderID string `json:"order_id"`
		} `json:"order"`
		Payment struct {
			CFPaymentID   json.Number `json:"cf_payment_id"`
			PaymentStatus string      `json:"payment_status"`
			BankReference string      `json:"bank_reference"`
		} `json:"payment"`
	} `json:"data"`
}

// Parse maps a webhook body onto the shared status vocabulary. It does not
// authenticate; call Verify first.
func (v *WebhookVerifier) Parse(rawBody []byte) (*WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("webhook: invalid body: %w", err)
	}
	if p.Data.Order.OrderID == "" {
		return nil, errors.New("webhook: missing order_id")
	}
	return &WebhookEvent{
		EventType:     p.Type,
		OrderID:       p.Data.Order.OrderID,
		RawBody:       rawBody,
		Status:        NormalizeStatus(p.Data.Payment.PaymentStatus),
		TransactionID: p.Data.Payment.CFPaymentID.String(),
		BankReference: p.Data.Payment.BankReference,
	}, nil
}

// Accept verifies and parses a delivery in one step. The returned event is
// nil when the delivery is rejected.
func (v *WebhookVerifier) Accept(signatureHeader string, rawBody []byte) (*WebhookEvent, error) {
	if err := v.Check(signatureHeader, rawBody); err != nil {
		return nil, err
	}
	evt, err := v.Parse(rawBody)
	if err != nil {
		return nil, err
	}
	evt.Verified = true
	evt.Signature = signatureHeader
	if ts, _, err := parseSignatureHeader(signatureHeader); err == nil {
		evt.TimestampHeader = ts
	}
	return evt, nil
}
