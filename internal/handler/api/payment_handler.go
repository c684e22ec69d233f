package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payflow/internal/models"
	"payflow/internal/payment"
)

// PaymentService is the engine surface the API drives.
type PaymentService interface {
	ProcessPayment(ctx context.Context, req payment.PaymentRequest) (*payment.Outcome, error)
	Status(ctx context.Context, orderID string) (*payment.Snapshot, error)
	CompleteCheckout(orderID string, result payment.CheckoutResult) bool
	Reconcile(ctx context.Context, result payment.VerificationResult) (payment.Status, error)
}

// CheckoutLauncher exposes launched checkout sessions to the API.
type CheckoutLauncher interface {
	AwaitLaunch(ctx context.Context, orderID string) (*payment.Session, payment.Theme, error)
	Pending(orderID string) (*payment.Session, bool)
	Forget(orderID string)
}

// BatchVerifier polls the gateway for several orders.
type BatchVerifier interface {
	BatchVerify(ctx context.Context, orderIDs []string, concurrency int) []payment.VerificationResult
}

// FallbackAdvisor lists alternative methods for a failure kind.
type FallbackAdvisor interface {
	AvailableFallbackMethods(kind payment.Kind, original payment.Method, amount decimal.Decimal) []payment.Method
}

// EventHistory returns the recorded events of an order.
type EventHistory interface {
	History(ctx context.Context, orderID string) ([]payment.Event, error)
}

// PaymentDeps bundles the collaborators of PaymentHandler. History may be nil.
type PaymentDeps struct {
	Service           PaymentService
	Launcher          CheckoutLauncher
	Verifier          BatchVerifier
	Fallback          FallbackAdvisor
	History           EventHistory
	VerifyConcurrency int
	// LaunchWait bounds how long POST /payments waits for a session.
	LaunchWait time.Duration
}

// PaymentHandler serves the payment API.
type PaymentHandler struct {
	deps     PaymentDeps
	validate *validator.Validate
	logger   *zap.Logger
}

func NewPaymentHandler(deps PaymentDeps, logger *zap.Logger) *PaymentHandler {
	if deps.VerifyConcurrency <= 0 {
		deps.VerifyConcurrency = 5
	}
	if deps.LaunchWait <= 0 {
		deps.LaunchWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{
		deps:     deps,
		validate: validator.New(),
		logger:   logger,
	}
}

type processResult struct {
	outcome *payment.Outcome
	err     error
}

type launchResult struct {
	session *payment.Session
	theme   payment.Theme
}

// Create starts a payment. It answers 202 with the checkout session once the
// checkout is launched, or with the final outcome when the attempt finishes
// without a checkout (already paid, rejected, resolved by fallback).
func (h *PaymentHandler) Create(c echo.Context) error {
	var req payment.PaymentRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	// The attempt outlives this request; the client polls for its outcome.
	runCtx := context.WithoutCancel(c.Request().Context())
	done := make(chan processResult, 1)
	go func() {
		defer h.deps.Launcher.Forget(req.OrderID)
		out, err := h.deps.Service.ProcessPayment(runCtx, req)
		if err != nil {
			h.logger.Warn("Payment attempt rejected", zap.String("order_id", req.OrderID), zap.Error(err))
		}
		done <- processResult{outcome: out, err: err}
	}()

	waitCtx, cancel := context.WithTimeout(c.Request().Context(), h.deps.LaunchWait)
	defer cancel()
	launched := make(chan launchResult, 1)
	go func() {
		session, theme, err := h.deps.Launcher.AwaitLaunch(waitCtx, req.OrderID)
		if err == nil {
			launched <- launchResult{session: session, theme: theme}
		}
	}()

	select {
	case res := <-done:
		return h.outcomeResponse(c, res)
	case l := <-launched:
		return successResponse(c, http.StatusAccepted, "checkout launched", models.PaymentAccepted{
			OrderID:   l.session.OrderID,
			SessionID: l.session.SessionID,
			Method:    string(l.session.Method),
			Theme:     l.theme,
		})
	case <-waitCtx.Done():
		return successResponse(c, http.StatusAccepted, "payment is being processed", map[string]string{
			"order_id": req.OrderID,
		})
	}
}

func (h *PaymentHandler) outcomeResponse(c echo.Context, res processResult) error {
	if res.err != nil {
		var perr *payment.PaymentError
		if errors.As(res.err, &perr) {
			return paymentErrorResponse(c, perr)
		}
		return errorResponse(c, http.StatusInternalServerError, "payment could not be processed")
	}
	out := res.outcome
	if out.Status.IsPaid() {
		return successResponse(c, http.StatusOK, "payment completed", out)
	}
	return c.JSON(statusForOutcome(out), models.APIResponse{
		Status: false,
		Msg:    out.UserMessage,
		Obj:    out,
	})
}

func statusForOutcome(out *payment.Outcome) int {
	if out.Error != nil {
		return statusForKind(out.Error.Kind)
	}
	return http.StatusPaymentRequired
}

// Get returns the current state of an order.
func (h *PaymentHandler) Get(c echo.Context) error {
	orderID := c.Param("order_id")
	snap, err := h.deps.Service.Status(c.Request().Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to load payment", zap.String("order_id", orderID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to load payment")
	}
	pending, launched := h.deps.Launcher.Pending(orderID)
	if snap == nil && !launched {
		return errorResponse(c, http.StatusNotFound, "payment not found")
	}

	view := models.PaymentView{Snapshot: snap}
	if launched {
		view.Checkout = &models.PaymentAccepted{
			OrderID:   pending.OrderID,
			SessionID: pending.SessionID,
			Method:    string(pending.Method),
		}
	}
	return successResponse(c, http.StatusOK, "", view)
}

// Events returns the event history of an order.
func (h *PaymentHandler) Events(c echo.Context) error {
	if h.deps.History == nil {
		return errorResponse(c, http.StatusNotImplemented, "event history is not enabled")
	}
	orderID := c.Param("order_id")
	events, err := h.deps.History.History(c.Request().Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to load events", zap.String("order_id", orderID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to load events")
	}
	if events == nil {
		events = []payment.Event{}
	}
	return successResponse(c, http.StatusOK, "", events)
}

// CheckoutResult relays the client SDK result to the pending checkout.
func (h *PaymentHandler) CheckoutResult(c echo.Context) error {
	orderID := c.Param("order_id")
	var req models.CheckoutResultRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "status or error is required")
	}

	result := payment.CheckoutResult{Status: req.Status, ReferenceID: req.ReferenceID}
	if req.Error != "" {
		result.Err = &payment.SDKError{Message: req.Error}
	}
	resolved := h.deps.Service.CompleteCheckout(orderID, result)
	if !resolved {
		h.logger.Info("Checkout result ignored", zap.String("order_id", orderID))
	}
	return successResponse(c, http.StatusOK, "", map[string]bool{"resolved": resolved})
}

// Verify polls the gateway for the given orders and reconciles every result.
func (h *PaymentHandler) Verify(c echo.Context) error {
	var req models.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "order_ids must hold 1 to 100 ids")
	}

	ctx := c.Request().Context()
	results := h.deps.Verifier.BatchVerify(ctx, req.OrderIDs, h.deps.VerifyConcurrency)
	items := make([]models.VerifyResponseItem, 0, len(results))
	for _, res := range results {
		item := models.VerifyResponseItem{
			OrderID:       res.OrderID,
			PaymentStatus: string(res.PaymentStatus),
			TransactionID: res.TransactionID,
			Attempts:      res.AttemptCount,
		}
		status, err := h.deps.Service.Reconcile(ctx, res)
		switch {
		case errors.Is(err, payment.ErrUnknownOrder):
			item.Error = "unknown order"
		case err != nil:
			h.logger.Error("Reconcile failed", zap.String("order_id", res.OrderID), zap.Error(err))
			item.Error = "reconcile failed"
		default:
			item.Status = string(status)
		}
		items = append(items, item)
	}
	return successResponse(c, http.StatusOK, "", items)
}

// FallbackMethods lists the methods a payer can switch to after a failure.
func (h *PaymentHandler) FallbackMethods(c echo.Context) error {
	kind := payment.Kind(c.QueryParam("kind"))
	if kind == "" {
		return errorResponse(c, http.StatusBadRequest, "kind is required")
	}
	method := payment.Method(c.QueryParam("method"))

	amount := decimal.Zero
	if raw := c.QueryParam("amount"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.IsNegative() {
			return errorResponse(c, http.StatusBadRequest, "invalid amount")
		}
		amount = parsed
	}

	methods := h.deps.Fallback.AvailableFallbackMethods(kind, method, amount)
	if methods == nil {
		methods = []payment.Method{}
	}
	return successResponse(c, http.StatusOK, "", methods)
}
