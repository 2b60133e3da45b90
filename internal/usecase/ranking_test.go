package usecase

import (
	"math/rand"
	"testing"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedIDs(agents []domain.Agent) []string {
	ids := make([]string, len(agents))
	for i := range agents {
		ids[i] = agents[i].ID
	}
	return ids
}

func TestRanking_TieBreakOrder(t *testing.T) {
	agents := []domain.Agent{
		{ID: "d", Order: 3, Equity: 1000, Wins: 1, Losses: 1, MaxDrawdown: 0.1},
		{ID: "c", Order: 2, Equity: 1000, Wins: 1, Losses: 1, MaxDrawdown: 0.1},
		{ID: "b", Order: 1, Equity: 1000, Wins: 1, Losses: 1, MaxDrawdown: 0.05},
		{ID: "a", Order: 0, Equity: 1000, Wins: 2, Losses: 0, MaxDrawdown: 0.3},
		{ID: "top", Order: 4, Equity: 1200},
	}

	ranked := DefaultRankingPolicy.Rank(agents)

	assert.Equal(t, []string{"top", "a", "b", "c", "d"}, rankedIDs(ranked))
	for i := range ranked {
		assert.Equal(t, i+1, ranked[i].Rank)
	}
	assert.Equal(t, "d", agents[0].ID, "input must not be reordered")
}

func TestRanking_DeterministicTotalOrder(t *testing.T) {
	base := make([]domain.Agent, 8)
	for i := range base {
		base[i] = domain.Agent{ID: string(rune('a' + i)), Order: i, Equity: float64(1000 + (i%3)*10)}
	}
	want := rankedIDs(DefaultRankingPolicy.Rank(base))

	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 20; n++ {
		shuffled := append([]domain.Agent(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, rankedIDs(DefaultRankingPolicy.Rank(shuffled)))
	}
}

func TestRanking_DeadAgentsRankByFinalEquity(t *testing.T) {
	agents := []domain.Agent{
		{ID: "dead", Order: 0, Equity: 5, Alive: false},
		{ID: "alive", Order: 1, Equity: 800, Alive: true},
	}
	ranked := DefaultRankingPolicy.Rank(agents)
	assert.Equal(t, []string{"alive", "dead"}, rankedIDs(ranked))
}

func TestStandings(t *testing.T) {
	agents := []domain.Agent{
		{ID: "x", Config: domain.AgentConfig{Name: "X"}, StartingCapital: 1000, Equity: 1100, Wins: 1, Alive: true},
	}
	rows := Standings(DefaultRankingPolicy.Rank(agents))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "X", rows[0].Name)
	assert.InDelta(t, 10, rows[0].PnLPct, 1e-9)
	assert.Equal(t, 1.0, rows[0].WinRate)
}
