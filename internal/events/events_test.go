package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payflow/internal/payment"
	"payflow/internal/pkg/telegram"
)

func TestMemoryRetainsNewest(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	m.Publish(ctx, payment.Event{Type: payment.EventAttemptCreated, OrderID: "a"})
	m.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "b"})
	m.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "a"})

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].OrderID)
	assert.Equal(t, "a", got[1].OrderID)

	history, err := m.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, payment.EventAttemptStatus, history[0].Type)
}

func TestFanoutPublishesToEverySink(t *testing.T) {
	first, second := NewMemory(0), NewMemory(0)
	f := Fanout{first, nil, second}

	f.Publish(context.Background(), payment.Event{Type: payment.EventAttemptCreated, OrderID: "order_1"})

	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)
}

func TestStreamValuesCarryFilterFields(t *testing.T) {
	evt := payment.Event{
		Type:    payment.EventReconcileConflict,
		OrderID: "order_1",
		Status:  payment.StatusFallbackSucceeded,
		Detail:  map[string]string{"backend_status": "success"},
		At:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	values, err := eventValues(evt)
	require.NoError(t, err)
	assert.Equal(t, "order_1", values["order_id"])
	assert.Equal(t, payment.EventReconcileConflict, values["type"])

	decoded, err := eventFromValues(values)
	require.NoError(t, err)
	assert.Equal(t, evt.Detail, decoded.Detail)
	assert.True(t, evt.At.Equal(decoded.At))

	_, err = eventFromValues(map[string]interface{}{"type": "x"})
	assert.Error(t, err)
}

type blockingAppender struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan struct{}
	orders  []string
}

func (b *blockingAppender) add(ctx context.Context, args *redis.XAddArgs) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, args.Values.(map[string]interface{})["order_id"].(string))
	return nil
}

func TestRedisStreamPublishDoesNotWaitForRedis(t *testing.T) {
	appender := &blockingAppender{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	stream := newRedisStream(appender.add, "", 2, nil)
	ctx := context.Background()

	stream.Publish(ctx, payment.Event{Type: payment.EventAttemptCreated, OrderID: "order_1"})
	<-appender.started // the writer holds order_1 until the gate opens

	published := make(chan struct{})
	go func() {
		stream.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "order_2"})
		stream.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "order_3"})
		stream.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "order_4"}) // queue full
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled Redis write")
	}

	close(appender.gate)
	stream.Close()
	stream.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "order_5"})

	assert.Equal(t, []string{"order_1", "order_2", "order_3"}, appender.orders)
}

func TestTelegramReporterSendsOperatorEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		sent = append(sent, body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	reporter := NewTelegramReporter(telegram.NewBotAPI("token", srv.URL), "-100123", nil)
	ctx := context.Background()

	reporter.Publish(ctx, payment.Event{Type: payment.EventAttemptStatus, OrderID: "order_1"})
	reporter.Publish(ctx, payment.Event{
		Type:    payment.EventFallbackExhausted,
		OrderID: "order_<2>",
		UserID:  "user_1",
		Status:  payment.StatusExhausted,
		Detail:  map[string]string{"original_code": "NETWORK_ERROR"},
	})
	reporter.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "-100123", sent[0]["chat_id"])
	text := sent[0]["text"].(string)
	assert.Contains(t, text, "<b>Payment exhausted</b>")
	assert.Contains(t, text, "order_&lt;2&gt;")
	assert.Contains(t, text, "original_code: NETWORK_ERROR")
}

func TestTelegramReporterLogsSendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "description": "chat not found"}`))
	}))
	defer srv.Close()

	bot := telegram.NewBotAPI("token", srv.URL)
	err := bot.SendMessage(context.Background(), "-1", "hi")
	assert.ErrorContains(t, err, "chat not found")

	reporter := NewTelegramReporter(bot, "-1", nil)
	reporter.Publish(context.Background(), payment.Event{Type: payment.EventManualSettlement, OrderID: "order_1"})
	reporter.Wait()
}
