package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var errMockRail = errors.New("mock rail error")

// recordingSleeper records requested delays and returns immediately.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type mockSessions struct {
	mu         sync.Mutex
	calls      int
	CreateFunc func(ctx context.Context, req SessionRequest) (*Session, error)
}

func (m *mockSessions) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return &Session{SessionID: "session_" + req.OrderID, OrderID: req.OrderID, Method: req.Method}, nil
}

func (m *mockSessions) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockStatus struct {
	mu        sync.Mutex
	calls     int
	Responses []string
	Err       error
}

// GetStatus returns Responses in order and repeats the last one.
func (m *mockStatus) GetStatus(ctx context.Context, orderID string) (*StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	idx := m.calls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return &StatusResponse{Status: m.Responses[idx], TransactionID: "txn_" + orderID}, nil
}

func (m *mockStatus) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCheckout struct {
	mu         sync.Mutex
	methods    []Method
	LaunchFunc func(n int, session *Session, done CheckoutCallback) error
}

func (m *mockCheckout) Launch(ctx context.Context, session *Session, theme Theme, done CheckoutCallback) error {
	m.mu.Lock()
	m.methods = append(m.methods, session.Method)
	n := len(m.methods)
	m.mu.Unlock()
	if m.LaunchFunc != nil {
		return m.LaunchFunc(n, session, done)
	}
	done(CheckoutResult{Status: "SUCCESS", ReferenceID: "ref_" + session.OrderID})
	return nil
}

func (m *mockCheckout) Methods() []Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Method(nil), m.methods...)
}

type mockIntent struct {
	mu         sync.Mutex
	available  bool
	requests   []IntentRequest
	LaunchFunc func(req IntentRequest) (string, error)
}

func (m *mockIntent) Available(ctx context.Context) bool {
	return m.available
}

func (m *mockIntent) Launch(ctx context.Context, req IntentRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.LaunchFunc != nil {
		return m.LaunchFunc(req)
	}
	return "intent_" + req.OrderID, nil
}

func (m *mockIntent) Requests() []IntentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IntentRequest(nil), m.requests...)
}

// mockWallet treats a known reference as already applied, like the ledger.
type mockWallet struct {
	mu      sync.Mutex
	balance decimal.Decimal
	debits  []decimal.Decimal
	credits []decimal.Decimal
	applied map[string]bool
}

func (m *mockWallet) seen(reference string) bool {
	if m.applied == nil {
		m.applied = make(map[string]bool)
	}
	if m.applied[reference] {
		return true
	}
	m.applied[reference] = true
	return false
}

func (m *mockWallet) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockWallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[reference] {
		return "wallet_" + reference, nil
	}
	if m.balance.LessThan(amount) {
		return "", ErrInsufficientFunds
	}
	m.seen(reference)
	m.balance = m.balance.Sub(amount)
	m.debits = append(m.debits, amount)
	return "wallet_" + reference, nil
}

func (m *mockWallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen(reference) {
		return "credit_" + reference, nil
	}
	m.balance = m.balance.Add(amount)
	m.credits = append(m.credits, amount)
	return "credit_" + reference, nil
}

type mockManual struct {
	mu       sync.Mutex
	requests []ManualRequest
}

func (m *mockManual) Register(ctx context.Context, req ManualRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return "manual_" + req.OrderID, nil
}

type memoryStore struct {
	mu    sync.Mutex
	items map[string]Snapshot
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]Snapshot)}
}

func (m *memoryStore) Save(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[snap.OrderID] = *snap
	m.saves++
	return nil
}

func (m *memoryStore) FindByOrderID(ctx context.Context, orderID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.items[orderID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memoryStore) ListAwaitingVerification(ctx context.Context, olderThan time.Time, limit int) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.items {
		if s.Status == StatusSucceeded && s.UpdatedAt.Before(olderThan) {
			out = append(out, s)
		}
	}
	return out, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(ctx context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEvents) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
