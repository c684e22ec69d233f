package payment

import "sync/atomic"

// completion is the single-resolution handle for one checkout launch. The
// SDK callback, the host relay and the timeout race to resolve it; the first
// writer wins and later writers are discarded.
type completion struct {
	resolved atomic.Bool
	done     chan struct{}
	result   CheckoutResult
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// resolve stores r if the handle is still open and reports whether it did.
func (c *completion) resolve(r CheckoutResult) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.result = r
	close(c.done)
	return true
}

// Done is closed once the handle is resolved.
func (c *completion) Done() <-chan struct{} {
	return c.done
}

// Result must only be read after Done is closed.
func (c *completion) Result() CheckoutResult {
	return c.result
}
