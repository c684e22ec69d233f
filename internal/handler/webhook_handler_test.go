package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/middleware"
	"payflow/internal/payment"
)

const testSecret = "whsec_test"

type fakeReconciler struct {
	mu     sync.Mutex
	calls  []payment.VerificationResult
	status payment.Status
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, result payment.VerificationResult) (payment.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, result)
	return f.status, f.err
}

func (f *fakeReconciler) Calls() []payment.VerificationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.VerificationResult(nil), f.calls...)
}

const successBody = `{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"order_1"},"payment":{"cf_payment_id":5114,"payment_status":"SUCCESS","bank_reference":"BR77"}}}`

func setupWebhook(t *testing.T, rec *fakeReconciler) (*echo.Echo, func(body, signature string) *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	verifier := payment.NewWebhookVerifier(testSecret, 0)
	h := NewWebhookHandler(verifier, rec, middleware.NewDeduper(nil, "webhook", time.Hour), nil)
	e.POST("/payment/webhook", h.Receive)

	send := func(body, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		if signature != "" {
			req.Header.Set(SignatureHeader, signature)
		}
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		return w
	}
	return e, send
}

func TestWebhookAppliesVerifiedDelivery(t *testing.T) {
	rec := &fakeReconciler{status: payment.StatusVerified}
	_, send := setupWebhook(t, rec)

	sig := payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(successBody))
	w := send(successBody, sig)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"verified"`)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "order_1", calls[0].OrderID)
	assert.Equal(t, payment.PaymentStatusSuccess, calls[0].PaymentStatus)
	assert.Equal(t, "5114", calls[0].TransactionID)
	assert.Equal(t, "BR77", calls[0].BankReference)
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	rec := &fakeReconciler{status: payment.StatusVerified}
	_, send := setupWebhook(t, rec)

	tests := []struct {
		name string
		sig  string
	}{
		{"missing header", ""},
		{"wrong secret", payment.SignatureHeader("other", time.Now().Unix(), []byte(successBody))},
		{"stale timestamp", payment.SignatureHeader(testSecret, time.Now().Add(-10*time.Minute).Unix(), []byte(successBody))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(successBody, tt.sig)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	tampered := strings.Replace(successBody, "SUCCESS", "FAILED", 1)
	w := send(tampered, payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(successBody)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, rec.Calls())
}

func TestWebhookRejectsUnparseablePayload(t *testing.T) {
	rec := &fakeReconciler{}
	_, send := setupWebhook(t, rec)

	body := `{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{}}`
	w := send(body, payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, rec.Calls())
}

func TestWebhookDropsReplays(t *testing.T) {
	rec := &fakeReconciler{status: payment.StatusVerified}
	_, send := setupWebhook(t, rec)

	sig := payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(successBody))
	require.Equal(t, http.StatusOK, send(successBody, sig).Code)

	w := send(successBody, sig)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
	assert.Len(t, rec.Calls(), 1)
}

func TestWebhookUnknownOrderIsAcknowledged(t *testing.T) {
	rec := &fakeReconciler{err: payment.ErrUnknownOrder}
	_, send := setupWebhook(t, rec)

	w := send(successBody, payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(successBody)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestWebhookReconcileFailureAllowsRedelivery(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("db down")}
	_, send := setupWebhook(t, rec)

	sig := payment.SignatureHeader(testSecret, time.Now().Unix(), []byte(successBody))
	assert.Equal(t, http.StatusInternalServerError, send(successBody, sig).Code)

	rec.mu.Lock()
	rec.err = nil
	rec.status = payment.StatusVerified
	rec.mu.Unlock()

	assert.Equal(t, http.StatusOK, send(successBody, sig).Code)
	assert.Len(t, rec.Calls(), 2)
}
