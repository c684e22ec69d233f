package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"payflow/internal/middleware"
	"payflow/internal/payment"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// Reconciler applies an authenticated gateway result.
type Reconciler interface {
	Reconcile(ctx context.Context, result payment.VerificationResult) (payment.Status, error)
}

// WebhookHandler receives gateway payment notifications.
type WebhookHandler struct {
	verifier   *payment.WebhookVerifier
	reconciler Reconciler
	deduper    middleware.Deduper
	logger     *zap.Logger
}

// NewWebhookHandler creates a webhook handler. deduper may be nil.
func NewWebhookHandler(
	verifier *payment.WebhookVerifier,
	reconciler Reconciler,
	deduper middleware.Deduper,
	logger *zap.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		deduper:    deduper,
		logger:     logger,
	}
}

// Receive authenticates the delivery against the raw body, drops replays and
// hands the result to the reconciler. Gateways only need a 2xx to stop
// redelivering, so anything we cannot act on is still acknowledged.
func (h *WebhookHandler) Receive(c echo.Context) error {
	req := c.Request()
	rawBody, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	signature := req.Header.Get(SignatureHeader)

	evt, err := h.verifier.Accept(signature, rawBody)
	if err != nil {
		h.logger.Warn("Webhook rejected", zap.String("ip", c.RealIP()), zap.Error(err))
		if isAuthError(err) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}

	ctx := req.Context()
	key := deliveryKey(signature)
	if h.deduper != nil {
		seen, err := h.deduper.Seen(ctx, key)
		if err != nil {
			h.logger.Warn("Webhook dedup unavailable", zap.Error(err))
		} else if seen {
			h.logger.Info("Duplicate webhook dropped", zap.String("order_id", evt.OrderID))
			return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
		}
	}

	status, err := h.reconciler.Reconcile(ctx, evt.VerificationResult())
	switch {
	case errors.Is(err, payment.ErrUnknownOrder):
		h.logger.Warn("Webhook for unknown order", zap.String("order_id", evt.OrderID))
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.logger.Error("Webhook reconcile failed", zap.String("order_id", evt.OrderID), zap.Error(err))
		if h.deduper != nil {
			if ferr := h.deduper.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				h.logger.Warn("Failed to release webhook key", zap.Error(ferr))
			}
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reconcile failed"})
	}

	h.logger.Info("Webhook applied",
		zap.String("order_id", evt.OrderID),
		zap.String("event_type", evt.EventType),
		zap.String("payment_status", string(evt.Status)),
		zap.String("status", string(status)),
	)
	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}

func isAuthError(err error) bool {
	return errors.Is(err, payment.ErrSignatureMismatch) ||
		errors.Is(err, payment.ErrStaleTimestamp) ||
		errors.Is(err, payment.ErrMalformedSignature) ||
		errors.Is(err, payment.ErrMissingSecret)
}

// deliveryKey identifies a delivery. A replay carries the same signature
// header; a genuine redelivery is signed with a new timestamp.
func deliveryKey(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
