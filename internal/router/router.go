package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"payflow/internal/handler"
	"payflow/internal/handler/api"
	"payflow/internal/middleware"
)

// Setup configures all routes for the Echo server.
func Setup(
	e *echo.Echo,
	logger *zap.Logger,
	apiKey string,
	paymentHandler *api.PaymentHandler,
	webhookHandler *handler.WebhookHandler,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.CORS())

	// API group with auth
	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey))

	apiGroup.POST("/payments", paymentHandler.Create)
	apiGroup.POST("/payments/verify", paymentHandler.Verify)
	apiGroup.GET("/payments/fallback-methods", paymentHandler.FallbackMethods)
	apiGroup.GET("/payments/:order_id", paymentHandler.Get)
	apiGroup.GET("/payments/:order_id/events", paymentHandler.Events)
	apiGroup.POST("/payments/:order_id/checkout-result", paymentHandler.CheckoutResult)

	// Gateway webhook, authenticated by its signature
	paymentGroup := e.Group("/payment")
	paymentGroup.POST("/webhook", webhookHandler.Receive)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
