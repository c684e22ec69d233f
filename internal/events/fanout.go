package events

import (
	"context"

	"payflow/internal/payment"
)

// Fanout publishes every event to each sink in order.
type Fanout []payment.EventSink

func (f Fanout) Publish(ctx context.Context, evt payment.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(ctx, evt)
		}
	}
}
