package events

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"payflow/internal/payment"
)

// Sender delivers a formatted report to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, text string) error
}

// reportedEvents are the events an operator has to act on.
var reportedEvents = map[string]string{
	payment.EventFallbackExhausted: "Payment exhausted",
	payment.EventManualSettlement:  "Manual settlement required",
	payment.EventReconcileConflict: "Reconciliation conflict",
}

// TelegramReporter forwards operator-relevant events to an admin chat.
// Sending happens in the background so Publish never blocks the engine.
type TelegramReporter struct {
	sender Sender
	chatID string
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewTelegramReporter(sender Sender, chatID string, logger *zap.Logger) *TelegramReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramReporter{sender: sender, chatID: chatID, logger: logger}
}

func (t *TelegramReporter) Publish(_ context.Context, evt payment.Event) {
	title, ok := reportedEvents[evt.Type]
	if !ok || t.sender == nil || t.chatID == "" {
		return
	}
	text := formatReport(title, evt)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.sender.SendMessage(ctx, t.chatID, text); err != nil {
			t.logger.Warn("Failed to send admin report",
				zap.String("type", evt.Type),
				zap.String("order_id", evt.OrderID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight reports are sent.
func (t *TelegramReporter) Wait() {
	t.wg.Wait()
}

func formatReport(title string, evt payment.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "Order: <code>%s</code>\n", html.EscapeString(evt.OrderID))
	if evt.UserID != "" {
		fmt.Fprintf(&b, "User: <code>%s</code>\n", html.EscapeString(evt.UserID))
	}
	if evt.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", html.EscapeString(string(evt.Status)))
	}

	keys := make([]string, 0, len(evt.Detail))
	for k := range evt.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", html.EscapeString(k), html.EscapeString(evt.Detail[k]))
	}
	fmt.Fprintf(&b, "At: %s", evt.At.UTC().Format(time.RFC3339))
	return b.String()
}
