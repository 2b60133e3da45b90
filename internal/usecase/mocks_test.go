package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

// MockFeed serves scripted prices; the last price repeats once the script
// runs out. A nil entry in Errs at the same index fails that fetch.
type MockFeed struct {
	mu      sync.Mutex
	Prices  []float64
	Errs    []error
	Candles []domain.Candle
	calls   int
}

func (m *MockFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.Errs) && m.Errs[i] != nil {
		return 0, m.Errs[i]
	}
	if len(m.Prices) == 0 {
		return 0, errors.New("no prices scripted")
	}
	if i >= len(m.Prices) {
		i = len(m.Prices) - 1
	}
	return m.Prices[i], nil
}

func (m *MockFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Candles, nil
}

func (m *MockFeed) SetPrices(prices ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices = prices
	m.Errs = nil
	m.calls = 0
}

// MockLLM answers with Reply or calls Fn when set. With Block set, every
// call first signals Started and waits until Block closes or ctx ends.
type MockLLM struct {
	mu        sync.Mutex
	Reply     string
	TokensIn  int
	TokensOut int
	Err       error
	Fn        func(req domain.CompletionRequest) (*domain.Completion, error)
	Requests  []domain.CompletionRequest
	Block     chan struct{}
	Started   chan struct{}
}

func (m *MockLLM) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn := m.Fn
	m.mu.Unlock()
	if m.Block != nil {
		select {
		case m.Started <- struct{}{}:
		default:
		}
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &domain.Completion{Text: m.Reply, TokensIn: m.TokensIn, TokensOut: m.TokensOut}, nil
}

func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// MockStore keeps snapshots in memory and can be told to fail.
type MockStore struct {
	mu    sync.Mutex
	snaps map[string]domain.SessionSnapshot
	saves int
	Fail  error
}

func NewMockStore() *MockStore {
	return &MockStore{snaps: make(map[string]domain.SessionSnapshot)}
}

func (m *MockStore) SaveSessionSnapshot(ctx context.Context, session *domain.Session, agents []domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.Fail != nil {
		return m.Fail
	}
	cp := make([]domain.Agent, len(agents))
	for i := range agents {
		cp[i] = agents[i].Clone()
	}
	m.snaps[session.ID] = domain.SessionSnapshot{Session: *session, Agents: cp}
	return nil
}

func (m *MockStore) LoadSession(ctx context.Context, id string) (*domain.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &snap, nil
}

func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.snaps {
		out = append(out, s.Session)
	}
	return out, nil
}

func (m *MockStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MockStore) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}
