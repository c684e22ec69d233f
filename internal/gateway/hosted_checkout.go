package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"payflow/internal/payment"
)

// HostedCheckout is the server-side CheckoutSDK. Launch does not open any
// UI; it publishes the session so the client app can open the gateway
// checkout, and the app relays the result back through the API.
type HostedCheckout struct {
	mu     sync.Mutex
	slots  map[string]*launchSlot
	logger *zap.Logger
}

type launchSlot struct {
	ready    chan struct{}
	launched bool
	session  payment.Session
	theme    payment.Theme
}

func NewHostedCheckout(logger *zap.Logger) *HostedCheckout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostedCheckout{
		slots:  make(map[string]*launchSlot),
		logger: logger,
	}
}

// Launch records the session for the order. The callback is not kept: the
// relayed result reaches the engine through Orchestrator.CompleteCheckout.
func (h *HostedCheckout) Launch(ctx context.Context, session *payment.Session, theme payment.Theme, done payment.CheckoutCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.SessionID == "" {
		return &payment.SDKError{Message: "invalid session: missing session id"}
	}

	h.mu.Lock()
	slot := h.slots[session.OrderID]
	if slot == nil || slot.launched {
		slot = &launchSlot{ready: make(chan struct{})}
		h.slots[session.OrderID] = slot
	}
	slot.session = *session
	slot.theme = theme
	slot.launched = true
	close(slot.ready)
	h.mu.Unlock()

	h.logger.Info("Checkout launched",
		zap.String("order_id", session.OrderID),
		zap.String("method", string(session.Method)),
	)
	return nil
}

// AwaitLaunch blocks until a checkout for orderID has been launched and
// returns the session the client should open.
func (h *HostedCheckout) AwaitLaunch(ctx context.Context, orderID string) (*payment.Session, payment.Theme, error) {
	h.mu.Lock()
	slot := h.slots[orderID]
	if slot == nil {
		slot = &launchSlot{ready: make(chan struct{})}
		h.slots[orderID] = slot
	}
	h.mu.Unlock()

	select {
	case <-slot.ready:
	case <-ctx.Done():
		return nil, payment.Theme{}, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.slots[orderID]
	if current == nil {
		current = slot
	}
	session := current.session
	return &session, current.theme, nil
}

// Pending returns the last launched session for orderID.
func (h *HostedCheckout) Pending(orderID string) (*payment.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[orderID]
	if !ok || !slot.launched {
		return nil, false
	}
	session := slot.session
	return &session, true
}

// Forget drops the launch record once the attempt has finished.
func (h *HostedCheckout) Forget(orderID string) {
	h.mu.Lock()
	delete(h.slots, orderID)
	h.mu.Unlock()
}
