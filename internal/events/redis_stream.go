package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payflow/internal/payment"
)

const (
	defaultStream       = "payflow:events"
	defaultStreamMaxLen = 100000
	defaultStreamBuffer = 1024
	historyScan         = 500
	appendTimeout       = 2 * time.Second
)

// RedisStream appends events to a Redis stream. Publish only queues the
// event; a single writer appends in publish order. Events published while
// the queue is full or after Close are dropped and logged.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
	add    func(ctx context.Context, args *redis.XAddArgs) error

	mu     sync.RWMutex
	closed bool
	queue  chan payment.Event
	done   chan struct{}
}

func NewRedisStream(client *redis.Client, stream string, logger *zap.Logger) *RedisStream {
	add := func(ctx context.Context, args *redis.XAddArgs) error {
		return client.XAdd(ctx, args).Err()
	}
	r := newRedisStream(add, stream, defaultStreamBuffer, logger)
	r.client = client
	return r
}

func newRedisStream(add func(context.Context, *redis.XAddArgs) error, stream string, buffer int, logger *zap.Logger) *RedisStream {
	if stream == "" {
		stream = defaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RedisStream{
		stream: stream,
		maxLen: defaultStreamMaxLen,
		logger: logger,
		add:    add,
		queue:  make(chan payment.Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *RedisStream) Publish(_ context.Context, evt payment.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("Event stream closed, event dropped", zap.String("type", evt.Type), zap.String("order_id", evt.OrderID))
		return
	}
	select {
	case r.queue <- evt:
	default:
		r.logger.Warn("Event stream queue full, event dropped", zap.String("type", evt.Type), zap.String("order_id", evt.OrderID))
	}
}

// Close stops accepting events and waits until queued ones are written.
func (r *RedisStream) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *RedisStream) run() {
	defer close(r.done)
	for evt := range r.queue {
		r.write(evt)
	}
}

func (r *RedisStream) write(evt payment.Event) {
	values, err := eventValues(evt)
	if err != nil {
		r.logger.Error("Failed to encode event", zap.String("type", evt.Type), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	err = r.add(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	})
	if err != nil {
		r.logger.Warn("Failed to append event",
			zap.String("type", evt.Type),
			zap.String("order_id", evt.OrderID),
			zap.Error(err),
		)
	}
}

// History scans the newest entries of the stream for one order and returns
// them oldest first.
func (r *RedisStream) History(ctx context.Context, orderID string) ([]payment.Event, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", historyScan).Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	var out []payment.Event
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Values["order_id"] != orderID {
			continue
		}
		evt, err := eventFromValues(msgs[i].Values)
		if err != nil {
			r.logger.Warn("Skipping malformed event", zap.String("id", msgs[i].ID), zap.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// eventValues flattens an event into stream fields. type and order_id are
// duplicated outside the payload so consumers can filter without decoding.
func eventValues(evt payment.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":     evt.Type,
		"order_id": evt.OrderID,
		"payload":  string(payload),
	}, nil
}

func eventFromValues(values map[string]interface{}) (payment.Event, error) {
	var evt payment.Event
	raw, ok := values["payload"].(string)
	if !ok {
		return evt, fmt.Errorf("missing payload")
	}
	err := json.Unmarshal([]byte(raw), &evt)
	return evt, err
}
