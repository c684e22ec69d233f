package events

import (
	"context"
	"sync"

	"payflow/internal/payment"
)

const defaultMemoryCapacity = 1000

// Memory keeps the most recent events in process. It is the default sink
// when Redis is not configured.
type Memory struct {
	mu       sync.RWMutex
	events   []payment.Event
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Publish(_ context.Context, evt payment.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == m.capacity {
		copy(m.events, m.events[1:])
		m.events = m.events[:len(m.events)-1]
	}
	m.events = append(m.events, evt)
}

// Events returns a copy of everything retained, oldest first.
func (m *Memory) Events() []payment.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payment.Event, len(m.events))
	copy(out, m.events)
	return out
}

// History returns the retained events of one order, oldest first.
func (m *Memory) History(_ context.Context, orderID string) ([]payment.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payment.Event
	for _, evt := range m.events {
		if evt.OrderID == orderID {
			out = append(out, evt)
		}
	}
	return out, nil
}
