package usecase

import (
	"fmt"
	"math"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

const (
	NearDeathHealth      = 15.0
	HotStreakLength      = 3
	ComebackLowFraction  = 0.7
	MarketShockThreshold = 0.015
	SniperLeverage       = 20
	IronHandsRounds      = 30
)

var milestoneThresholds = []float64{10, 25, 50, 100}

// HighlightDetector compares consecutive rounds and emits the dramatic
// moments. It is only used from the scheduler goroutine.
type HighlightDetector struct {
	leaderID   string
	prevPrice  float64
	facing     map[string]bool
	nearDeath  map[string]bool
	lowWater   map[string]float64
	comeback   map[string]bool
	prevStreak map[string]int
	milestone  map[string]int
	firstBlood bool
}

func NewHighlightDetector() *HighlightDetector {
	return &HighlightDetector{
		facing:     make(map[string]bool),
		nearDeath:  make(map[string]bool),
		lowWater:   make(map[string]float64),
		comeback:   make(map[string]bool),
		prevStreak: make(map[string]int),
		milestone:  make(map[string]int),
	}
}

// BadgeAwarder grants a badge and reports whether it was new.
type BadgeAwarder func(agentID string, b domain.Badge) bool

// Detect returns highlight events for this round. ranked must be in rank
// order; trades are the round's trade events.
func (h *HighlightDetector) Detect(price float64, ranked []domain.Agent, trades []domain.Event, award BadgeAwarder) []domain.Event {
	var out []domain.Event
	out = append(out, h.marketShock(price)...)
	out = append(out, h.badges(ranked, trades, award)...)
	out = append(out, h.leadChange(ranked, price)...)
	out = append(out, h.faceOff(ranked, price)...)
	for i := range ranked {
		a := &ranked[i]
		out = append(out, h.perAgent(a, price)...)
	}
	return out
}

func (h *HighlightDetector) marketShock(price float64) []domain.Event {
	prev := h.prevPrice
	h.prevPrice = price
	if prev <= 0 {
		return nil
	}
	chg := (price - prev) / prev
	if math.Abs(chg) < MarketShockThreshold {
		return nil
	}
	return []domain.Event{{
		Type:    domain.EventMarketShock,
		Title:   fmt.Sprintf("Market shock %+.2f%%", chg*100),
		Detail:  fmt.Sprintf("%.2f → %.2f in one round", prev, price),
		Price:   price,
		Payload: domain.MarketShockPayload{From: prev, To: price, ChangePct: chg * 100},
	}}
}

func (h *HighlightDetector) leadChange(ranked []domain.Agent, price float64) []domain.Event {
	if len(ranked) == 0 {
		return nil
	}
	leader := &ranked[0]
	prevID := h.leaderID
	h.leaderID = leader.ID
	if prevID == "" || prevID == leader.ID {
		return nil
	}
	var prev *domain.Agent
	for i := range ranked {
		if ranked[i].ID == prevID {
			prev = &ranked[i]
		}
	}
	if prev == nil {
		return nil
	}
	return []domain.Event{{
		Type:      domain.EventLeadChange,
		Title:     fmt.Sprintf("%s takes the lead", leader.Name()),
		Detail:    fmt.Sprintf("%s %.2f overtakes %s %.2f", leader.Name(), leader.Equity, prev.Name(), prev.Equity),
		AgentName: leader.Name(),
		Price:     price,
		Payload: domain.RivalryPayload{
			AgentID:     leader.ID,
			RivalID:     prev.ID,
			RivalName:   prev.Name(),
			Equity:      leader.Equity,
			RivalEquity: prev.Equity,
		},
	}}
}

// faceOff emits at most one new opposing pair per round, best ranked first.
func (h *HighlightDetector) faceOff(ranked []domain.Agent, price float64) []domain.Event {
	now := make(map[string]bool)
	var out []domain.Event
	for i := range ranked {
		a := &ranked[i]
		if !a.Alive || !a.HasOpenPosition() {
			continue
		}
		for j := i + 1; j < len(ranked); j++ {
			b := &ranked[j]
			if !b.Alive || !b.HasOpenPosition() || a.Position.Side == b.Position.Side {
				continue
			}
			key := pairKey(a.ID, b.ID)
			now[key] = true
			if h.facing[key] || len(out) > 0 {
				continue
			}
			out = append(out, domain.Event{
				Type:      domain.EventFaceOff,
				Title:     fmt.Sprintf("%s vs %s", a.Name(), b.Name()),
				Detail:    fmt.Sprintf("%s is %s, %s is %s", a.Name(), a.Position.Side, b.Name(), b.Position.Side),
				AgentName: a.Name(),
				Price:     price,
				Payload: domain.RivalryPayload{
					AgentID:     a.ID,
					RivalID:     b.ID,
					RivalName:   b.Name(),
					Equity:      a.Equity,
					RivalEquity: b.Equity,
				},
			})
		}
	}
	h.facing = now
	return out
}

func (h *HighlightDetector) perAgent(a *domain.Agent, price float64) []domain.Event {
	var out []domain.Event
	if !a.Alive {
		delete(h.nearDeath, a.ID)
		return nil
	}

	if a.Health < NearDeathHealth {
		if !h.nearDeath[a.ID] {
			h.nearDeath[a.ID] = true
			out = append(out, domain.Event{
				Type:      domain.EventNearDeath,
				Title:     a.Name() + " is near death",
				Detail:    fmt.Sprintf("health %.0f, equity %.2f", a.Health, a.Equity),
				AgentName: a.Name(),
				Price:     price,
				Payload:   domain.HealthPayload{AgentID: a.ID, Health: a.Health, Zone: a.HealthZone, Equity: a.Equity},
			})
		}
	} else {
		delete(h.nearDeath, a.ID)
	}

	if prev := h.prevStreak[a.ID]; prev < HotStreakLength && a.Streak >= HotStreakLength {
		out = append(out, domain.Event{
			Type:      domain.EventHotStreak,
			Title:     fmt.Sprintf("%s is on a %d-win streak", a.Name(), a.Streak),
			AgentName: a.Name(),
			Price:     price,
			Payload:   domain.StreakPayload{AgentID: a.ID, Streak: a.Streak},
		})
	}
	h.prevStreak[a.ID] = a.Streak

	if a.Equity <= a.StartingCapital*ComebackLowFraction {
		if low, ok := h.lowWater[a.ID]; !ok || a.Equity < low {
			h.lowWater[a.ID] = a.Equity
		}
	}
	if low, ok := h.lowWater[a.ID]; ok && !h.comeback[a.ID] && a.Equity >= a.StartingCapital {
		h.comeback[a.ID] = true
		out = append(out, domain.Event{
			Type:      domain.EventComeback,
			Title:     a.Name() + " completes a comeback",
			Detail:    fmt.Sprintf("from %.2f back to %.2f", low, a.Equity),
			AgentName: a.Name(),
			Price:     price,
			Payload:   domain.ComebackPayload{AgentID: a.ID, LowEquity: low, Equity: a.Equity},
		})
	}

	reached := h.milestone[a.ID]
	top := reached
	for i := reached; i < len(milestoneThresholds); i++ {
		if a.PnLPct() >= milestoneThresholds[i] {
			top = i + 1
		}
	}
	if top > reached {
		h.milestone[a.ID] = top
		pct := milestoneThresholds[top-1]
		out = append(out, domain.Event{
			Type:      domain.EventMilestone,
			Title:     fmt.Sprintf("%s is up %.0f%%", a.Name(), pct),
			Detail:    fmt.Sprintf("equity %.2f", a.Equity),
			AgentName: a.Name(),
			Price:     price,
			Payload:   domain.MilestonePayload{AgentID: a.ID, ThresholdPct: pct, Equity: a.Equity},
		})
	}
	return out
}

func (h *HighlightDetector) badges(ranked []domain.Agent, trades []domain.Event, award BadgeAwarder) []domain.Event {
	if award == nil {
		return nil
	}
	names := make(map[string]string, len(ranked))
	for i := range ranked {
		names[ranked[i].ID] = ranked[i].Name()
	}
	var out []domain.Event
	grant := func(p domain.TradePayload, b domain.Badge, detail string) {
		if !award(p.AgentID, b) {
			return
		}
		out = append(out, domain.Event{
			Type:      domain.EventBadgeEarned,
			Title:     fmt.Sprintf("%s earned %s", names[p.AgentID], b),
			Detail:    detail,
			AgentName: names[p.AgentID],
			Price:     p.FillPrice,
			Payload:   domain.BadgePayload{AgentID: p.AgentID, Badge: b},
		})
	}
	for _, ev := range trades {
		p, ok := ev.Payload.(domain.TradePayload)
		if !ok || ev.Type != domain.EventTradeClose || p.Liquidated || p.RealizedPnL <= 0 {
			continue
		}
		if !h.firstBlood {
			h.firstBlood = true
			grant(p, domain.BadgeFirstBlood, "first profitable close of the session")
		}
		if p.Leverage >= SniperLeverage {
			grant(p, domain.BadgeSniper, fmt.Sprintf("profit at %dx", p.Leverage))
		}
		if p.HeldRounds >= IronHandsRounds {
			grant(p, domain.BadgeIronHands, fmt.Sprintf("held %d rounds", p.HeldRounds))
		}
	}
	return out
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
