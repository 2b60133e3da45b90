package usecase

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_ReserveAndSettle(t *testing.T) {
	b := NewBudget(1.0)

	res, ok := b.Reserve(0.4, SpendDecision)
	require.True(t, ok)
	assert.InDelta(t, 0.4, b.Usage().ReservedUSD, 1e-12)

	b.Settle(res, 0.1)
	b.Settle(res, 0.1)
	u := b.Usage()
	assert.InDelta(t, 0.1, u.SpentUSD, 1e-12)
	assert.InDelta(t, 0, u.ReservedUSD, 1e-12)
	assert.InDelta(t, 0.1, u.DecisionUSD, 1e-12)
}

func TestBudget_DeniedDecisionExhausts(t *testing.T) {
	b := NewBudget(0.01)

	_, ok := b.Reserve(0.02, SpendCommentary)
	assert.False(t, ok)
	assert.False(t, b.Exhausted(), "commentary denial does not exhaust")

	_, ok = b.Reserve(0.02, SpendDecision)
	assert.False(t, ok)
	assert.True(t, b.Exhausted())

	_, ok = b.Reserve(0.0001, SpendDecision)
	assert.False(t, ok, "exhaustion is permanent")
	assert.Equal(t, 3, b.Usage().Denied)
}

func TestBudget_ConcurrentSpendIsBounded(t *testing.T) {
	const (
		limit     = 0.05
		estimate  = 0.001
		overshoot = 0.0005
	)
	b := NewBudget(limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var last float64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, ok := b.Reserve(estimate, SpendDecision)
			if !ok {
				return
			}
			b.Settle(res, estimate+overshoot)
			mu.Lock()
			spent := b.Spent()
			assert.GreaterOrEqual(t, spent, last, "spend must be monotonic")
			last = spent
			mu.Unlock()
		}()
	}
	wg.Wait()

	// every settled call passed Reserve against the limit, so the worst case
	// is the limit plus one overshoot per call still in flight at the edge
	calls := int(limit/estimate) + 1
	assert.LessOrEqual(t, b.Spent(), limit+float64(calls)*overshoot)
	assert.True(t, b.Exhausted())
}

func TestPricingTable(t *testing.T) {
	p := DefaultPricing.For("gpt-4o-mini-2024-07-18")
	assert.Equal(t, DefaultPricing["gpt-4o-mini"], p)
	assert.Equal(t, DefaultPricing["default"], DefaultPricing.For("unknown-model"))

	assert.InDelta(t, 0.15+0.6, DefaultPricing.Cost("gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)
	assert.Greater(t, DefaultPricing.WorstCase("gpt-4o", "system", "prompt", 300), 0.0)
	assert.Equal(t, 16, EstimateTokens(""))
}
