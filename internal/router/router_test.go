package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"payflow/internal/gateway"
	"payflow/internal/handler"
	"payflow/internal/handler/api"
	"payflow/internal/payment"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	orch, err := payment.NewOrchestrator(payment.Dependencies{
		Sessions: gateway.NewCashfree(gateway.Config{BaseURL: "http://127.0.0.1:1"}, nil),
		Checkout: gateway.NewHostedCheckout(nil),
	}, payment.DefaultOrchestratorConfig())
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	ph := api.NewPaymentHandler(api.PaymentDeps{
		Service:  orch,
		Launcher: gateway.NewHostedCheckout(nil),
		Fallback: payment.NewFallbackEngine(nil, payment.Rails{}, nil, nil),
	}, nil)
	wh := handler.NewWebhookHandler(payment.NewWebhookVerifier("secret", 0), orch, nil, nil)
	Setup(e, zap.NewNop(), "key", ph, wh)
	return e
}

func TestRoutes(t *testing.T) {
	e := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
		{"api requires token", http.MethodGet, "/api/payments/order_1", "", "", http.StatusUnauthorized},
		{"unknown order", http.MethodGet, "/api/payments/order_1", "key", "", http.StatusNotFound},
		{"fallback methods", http.MethodGet, "/api/payments/fallback-methods?kind=payment", "key", "", http.StatusOK},
		{"webhook without signature", http.MethodPost, "/payment/webhook", "", `{}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			if tt.token != "" {
				req.Header.Set("Token", tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
