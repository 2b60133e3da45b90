package usecase

import (
	"testing"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hAgent(id string, equity float64) domain.Agent {
	return domain.Agent{
		ID:              id,
		Config:          domain.AgentConfig{Name: "Agent " + id},
		StartingCapital: 1000,
		Equity:          equity,
		Health:          80,
		Alive:           true,
	}
}

func withPosition(a domain.Agent, side domain.Side) domain.Agent {
	a.Position = &domain.Position{Side: side, Open: true}
	return a
}

func typesOf(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestHighlights_LeadChange(t *testing.T) {
	h := NewHighlightDetector()
	a, b := hAgent("a", 1050), hAgent("b", 1000)

	assert.Empty(t, h.Detect(100, []domain.Agent{a, b}, nil, nil), "first round sets the leader")

	a.Equity, b.Equity = 990, 1080
	events := h.Detect(100, []domain.Agent{b, a}, nil, nil)
	require.Equal(t, []domain.EventType{domain.EventLeadChange}, typesOf(events))
	p := events[0].Payload.(domain.RivalryPayload)
	assert.Equal(t, "b", p.AgentID)
	assert.Equal(t, "a", p.RivalID)

	assert.Empty(t, h.Detect(100, []domain.Agent{b, a}, nil, nil))
}

func TestHighlights_FaceOffOncePerPairing(t *testing.T) {
	h := NewHighlightDetector()
	a := withPosition(hAgent("a", 1000), domain.SideLong)
	b := withPosition(hAgent("b", 1000), domain.SideShort)

	events := h.Detect(100, []domain.Agent{a, b}, nil, nil)
	assert.Equal(t, []domain.EventType{domain.EventFaceOff}, typesOf(events))
	assert.Empty(t, h.Detect(100, []domain.Agent{a, b}, nil, nil))

	b.Position = nil
	assert.Empty(t, h.Detect(100, []domain.Agent{a, b}, nil, nil))
	b = withPosition(b, domain.SideShort)
	assert.Equal(t, []domain.EventType{domain.EventFaceOff}, typesOf(h.Detect(100, []domain.Agent{a, b}, nil, nil)))
}

func TestHighlights_NearDeathOncePerEntry(t *testing.T) {
	h := NewHighlightDetector()
	a := hAgent("a", 400)
	a.Health = 10

	assert.Contains(t, typesOf(h.Detect(100, []domain.Agent{a}, nil, nil)), domain.EventNearDeath)
	assert.NotContains(t, typesOf(h.Detect(100, []domain.Agent{a}, nil, nil)), domain.EventNearDeath)

	a.Health = 50
	h.Detect(100, []domain.Agent{a}, nil, nil)
	a.Health = 12
	assert.Contains(t, typesOf(h.Detect(100, []domain.Agent{a}, nil, nil)), domain.EventNearDeath)
}

func TestHighlights_StreakComebackMilestone(t *testing.T) {
	h := NewHighlightDetector()
	a := hAgent("a", 650)
	h.Detect(100, []domain.Agent{a}, nil, nil)

	a.Equity = 1000
	a.Streak = 3
	events := typesOf(h.Detect(100, []domain.Agent{a}, nil, nil))
	assert.Contains(t, events, domain.EventHotStreak)
	assert.Contains(t, events, domain.EventComeback)

	a.Equity = 1300
	a.Streak = 4
	events2 := h.Detect(100, []domain.Agent{a}, nil, nil)
	require.Equal(t, []domain.EventType{domain.EventMilestone}, typesOf(events2))
	assert.Equal(t, 25.0, events2[0].Payload.(domain.MilestonePayload).ThresholdPct)

	assert.Empty(t, h.Detect(100, []domain.Agent{a}, nil, nil))
}

func TestHighlights_MarketShock(t *testing.T) {
	h := NewHighlightDetector()
	h.Detect(100, nil, nil, nil)
	assert.Empty(t, h.Detect(101, nil, nil, nil))
	events := h.Detect(103, nil, nil, nil)
	require.Equal(t, []domain.EventType{domain.EventMarketShock}, typesOf(events))
	assert.InDelta(t, (103.0-101)/101*100, events[0].Payload.(domain.MarketShockPayload).ChangePct, 1e-9)
}

func TestHighlights_Badges(t *testing.T) {
	h := NewHighlightDetector()
	a := hAgent("a", 1100)
	held := map[domain.Badge]bool{}
	award := func(id string, b domain.Badge) bool {
		if held[b] {
			return false
		}
		held[b] = true
		return true
	}
	closeEv := domain.Event{Type: domain.EventTradeClose, Payload: domain.TradePayload{
		AgentID: "a", RealizedPnL: 50, Leverage: 25, HeldRounds: 40,
	}}

	events := h.Detect(100, []domain.Agent{a}, []domain.Event{closeEv}, award)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, []domain.EventType{domain.EventBadgeEarned, domain.EventBadgeEarned, domain.EventBadgeEarned}, typesOf(events)[:3])
	assert.True(t, held[domain.BadgeFirstBlood])
	assert.True(t, held[domain.BadgeSniper])
	assert.True(t, held[domain.BadgeIronHands])

	liquidated := domain.Event{Type: domain.EventTradeClose, Payload: domain.TradePayload{AgentID: "a", RealizedPnL: -10, Liquidated: true}}
	for _, ev := range h.Detect(100, []domain.Agent{a}, []domain.Event{liquidated}, award) {
		assert.NotEqual(t, domain.EventBadgeEarned, ev.Type)
	}
}
