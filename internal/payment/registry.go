package payment

import "sync"

// attemptEntry is the registry slot for one in-flight attempt. ready is
// closed once the owning ProcessPayment call has an outcome, so concurrent
// callers for the same order wait on it instead of starting a session.
type attemptEntry struct {
	attempt *Attempt
	ready   chan struct{}
	outcome *Outcome
}

func (e *attemptEntry) finish(out *Outcome) {
	e.outcome = out
	close(e.ready)
}

func (e *attemptEntry) result() *Outcome {
	out := *e.outcome
	return &out
}

// registry maps order ids to their single active attempt. Order ids are
// unique at the gateway, so keying on the order and checking the owner
// enforces one active attempt per (user, order).
type registry struct {
	byOrder sync.Map
}

// claim stores a new entry for a's order unless one exists. It returns the
// entry now in place and whether the caller owns it.
func (r *registry) claim(a *Attempt) (*attemptEntry, bool) {
	entry := &attemptEntry{attempt: a, ready: make(chan struct{})}
	existing, loaded := r.byOrder.LoadOrStore(a.OrderID, entry)
	return existing.(*attemptEntry), !loaded
}

func (r *registry) load(orderID string) (*attemptEntry, bool) {
	v, ok := r.byOrder.Load(orderID)
	if !ok {
		return nil, false
	}
	return v.(*attemptEntry), true
}

// release drops the entry for a, leaving any newer attempt untouched.
func (r *registry) release(a *Attempt) {
	entry, ok := r.load(a.OrderID)
	if !ok || entry.attempt != a {
		return
	}
	r.byOrder.CompareAndDelete(a.OrderID, entry)
}
