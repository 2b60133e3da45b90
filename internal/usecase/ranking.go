package usecase

import (
	"sort"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

// RankKey compares two agents; negative means a ranks ahead of b.
type RankKey func(a, b *domain.Agent) int

// RankingPolicy is an ordered list of keys. Registration order is always
// appended as the final key, which makes the result a total order.
type RankingPolicy []RankKey

func ByEquity(a, b *domain.Agent) int {
	return cmpDesc(a.Equity, b.Equity)
}

func ByWinRate(a, b *domain.Agent) int {
	return cmpDesc(a.WinRate(), b.WinRate())
}

func ByDrawdown(a, b *domain.Agent) int {
	return -cmpDesc(a.MaxDrawdown, b.MaxDrawdown)
}

func byRegistration(a, b *domain.Agent) int {
	switch {
	case a.Order < b.Order:
		return -1
	case a.Order > b.Order:
		return 1
	}
	return 0
}

var DefaultRankingPolicy = RankingPolicy{ByEquity, ByWinRate, ByDrawdown}

// Rank orders agents and assigns Rank starting at 1. The input slice is not
// modified; dead agents are ranked by the equity they died with.
func (p RankingPolicy) Rank(agents []domain.Agent) []domain.Agent {
	out := make([]domain.Agent, len(agents))
	copy(out, agents)

	keys := append(append(RankingPolicy{}, p...), byRegistration)
	sort.SliceStable(out, func(i, j int) bool {
		for _, key := range keys {
			if c := key(&out[i], &out[j]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Standings projects ranked agents onto leaderboard rows.
func Standings(ranked []domain.Agent) []domain.Standing {
	rows := make([]domain.Standing, 0, len(ranked))
	for i := range ranked {
		a := &ranked[i]
		rows = append(rows, domain.Standing{
			Rank:        a.Rank,
			AgentID:     a.ID,
			Name:        a.Name(),
			Equity:      a.Equity,
			PnLPct:      a.PnLPct(),
			WinRate:     a.WinRate(),
			MaxDrawdown: a.MaxDrawdown,
			Alive:       a.Alive,
		})
	}
	return rows
}

func cmpDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
