package rail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payflow/internal/payment"
	"payflow/internal/pkg/httpclient"
)

// IntentConfig configures the UPI intent rail.
type IntentConfig struct {
	VPA       string
	PayeeName string
	Currency  string
	// RelayURL is the service that pushes the deep link to the payer's app.
	RelayURL   string
	RelayToken string
	Timeout    time.Duration
}

// UPIIntent implements payment.IntentRail by building a upi://pay link and
// handing it to the relay, which delivers it to the payer's device.
type UPIIntent struct {
	cfg    IntentConfig
	client *httpclient.Client
	logger *zap.Logger
}

func NewUPIIntent(cfg IntentConfig, logger *zap.Logger) *UPIIntent {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UPIIntent{
		cfg: cfg,
		client: httpclient.New().
			WithTimeout(cfg.Timeout).
			WithBaseURL(strings.TrimRight(cfg.RelayURL, "/")).
			WithBearerToken(cfg.RelayToken),
		logger: logger,
	}
}

// BuildURI returns the upi://pay deep link for an order.
func BuildURI(vpa, payee string, amount decimal.Decimal, orderID, currency string) string {
	q := url.Values{}
	q.Set("pa", vpa)
	q.Set("pn", payee)
	q.Set("am", amount.StringFixed(2))
	q.Set("tr", orderID)
	q.Set("tn", "Order "+orderID)
	q.Set("cu", currency)
	return "upi://pay?" + q.Encode()
}

// Available reports whether the rail is configured and the relay answers.
func (u *UPIIntent) Available(ctx context.Context) bool {
	if u.cfg.VPA == "" || u.cfg.RelayURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := u.client.Get(ctx, "/health"); err != nil {
		u.logger.Warn("Intent relay unavailable", zap.Error(err))
		return false
	}
	return true
}

type intentRelayRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	URI     string `json:"uri"`
}

type intentRelayResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Launch delivers the intent and returns the relay's reference once the
// payer's app has confirmed the transfer.
func (u *UPIIntent) Launch(ctx context.Context, req payment.IntentRequest) (string, error) {
	if u.cfg.VPA == "" || u.cfg.RelayURL == "" {
		return "", payment.ErrNotConfigured
	}
	uri := BuildURI(u.cfg.VPA, u.cfg.PayeeName, req.Amount, req.OrderID, u.cfg.Currency)

	resp, err := u.client.Post(ctx, "/intents", intentRelayRequest{
		OrderID: req.OrderID,
		UserID:  req.UserID,
		URI:     uri,
	})
	if err != nil {
		return "", fmt.Errorf("intent relay %s: %w", req.OrderID, err)
	}

	var out intentRelayResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("intent relay parse response: %w", err)
	}
	if payment.NormalizeStatus(out.Status) != payment.PaymentStatusSuccess {
		msg := out.Message
		if msg == "" {
			msg = "intent payment " + strings.ToLower(out.Status)
		}
		return "", &payment.SDKError{Message: msg}
	}
	if out.Reference == "" {
		return "", fmt.Errorf("%w: relay returned no reference for %s", payment.ErrIntentNotLaunched, req.OrderID)
	}

	u.logger.Info("Intent payment confirmed",
		zap.String("order_id", req.OrderID),
		zap.String("reference", out.Reference),
	)
	return out.Reference, nil
}
