package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTick EventType = "tick"

	EventSessionCreated EventType = "session_created"
	EventSessionStarted EventType = "session_started"
	EventSessionPaused  EventType = "session_paused"
	EventSessionResumed EventType = "session_resumed"
	EventSessionEnded   EventType = "session_ended"

	EventTradeOpen  EventType = "trade_open"
	EventTradeClose EventType = "trade_close"
	EventTradeDCA   EventType = "trade_dca"

	EventAgentDeath  EventType = "agent_death"
	EventBadgeEarned EventType = "badge_earned"
	EventFaceOff     EventType = "face_off"
	EventLeadChange  EventType = "lead_change"
	EventNearDeath   EventType = "near_death"
	EventHotStreak   EventType = "hot_streak"
	EventComeback    EventType = "comeback"
	EventMarketShock EventType = "market_shock"
	EventMilestone   EventType = "milestone"

	EventAgentHolding        EventType = "agent_holding"
	EventAgentDecisionFailed EventType = "agent_decision_failed"
	EventAgentBudgetHold     EventType = "agent_budget_hold"

	EventBudgetExhausted EventType = "budget_exhausted"
	EventFeedStale       EventType = "feed_stale"
)

// Payload is the typed body of an event. Each event type uses exactly one
// payload struct; see PayloadFor.
type Payload interface {
	isPayload()
}

// Event is immutable once published.
type Event struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	Title      string    `json:"title"`
	Detail     string    `json:"detail,omitempty"`
	Commentary string    `json:"commentary,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	Payload    Payload   `json:"payload,omitempty"`
}

type TickPayload struct {
	Tick     int           `json:"tick"`
	Price    float64       `json:"price"`
	Stale    bool          `json:"stale"`
	Elapsed  time.Duration `json:"elapsed"`
	Agents   []Agent       `json:"agents"`
	Rankings []Standing    `json:"rankings"`
}

type LifecyclePayload struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Summary   *Summary      `json:"summary,omitempty"`
}

type TradePayload struct {
	AgentID          string  `json:"agent_id"`
	Side             Side    `json:"side"`
	Volume           float64 `json:"volume"`
	FillPrice        float64 `json:"fill_price"`
	Leverage         int     `json:"leverage"`
	Margin           float64 `json:"margin"`
	Fee              float64 `json:"fee"`
	AvgEntry         float64 `json:"avg_entry"`
	LiquidationPrice float64 `json:"liquidation_price"`
	RealizedPnL      float64 `json:"realized_pnl,omitempty"`
	Liquidated       bool    `json:"liquidated,omitempty"`
	DCACount         int     `json:"dca_count,omitempty"`
	HeldRounds       int     `json:"held_rounds,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

type DeathPayload struct {
	AgentID     string  `json:"agent_id"`
	Tick        int     `json:"tick"`
	Reason      string  `json:"reason"`
	FinalEquity float64 `json:"final_equity"`
}

type BadgePayload struct {
	AgentID string `json:"agent_id"`
	Badge   Badge  `json:"badge"`
}

// RivalryPayload backs face_off and lead_change.
type RivalryPayload struct {
	AgentID     string  `json:"agent_id"`
	RivalID     string  `json:"rival_id"`
	RivalName   string  `json:"rival_name"`
	Equity      float64 `json:"equity"`
	RivalEquity float64 `json:"rival_equity"`
}

type HealthPayload struct {
	AgentID string     `json:"agent_id"`
	Health  float64    `json:"health"`
	Zone    HealthZone `json:"zone"`
	Equity  float64    `json:"equity"`
}

type StreakPayload struct {
	AgentID string `json:"agent_id"`
	Streak  int    `json:"streak"`
}

type ComebackPayload struct {
	AgentID   string  `json:"agent_id"`
	LowEquity float64 `json:"low_equity"`
	Equity    float64 `json:"equity"`
}

type MarketShockPayload struct {
	From      float64 `json:"from"`
	To        float64 `json:"to"`
	ChangePct float64 `json:"change_pct"`
}

type MilestonePayload struct {
	AgentID      string  `json:"agent_id"`
	ThresholdPct float64 `json:"threshold_pct"`
	Equity       float64 `json:"equity"`
}

// ActivityPayload backs the per-agent activity states.
type ActivityPayload struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BudgetPayload struct {
	SpentUSD float64 `json:"spent_usd"`
	LimitUSD float64 `json:"limit_usd"`
}

type FeedPayload struct {
	LastPrice float64 `json:"last_price"`
	Error     string  `json:"error"`
}

func (TickPayload) isPayload()        {}
func (LifecyclePayload) isPayload()   {}
func (TradePayload) isPayload()       {}
func (DeathPayload) isPayload()       {}
func (BadgePayload) isPayload()       {}
func (RivalryPayload) isPayload()     {}
func (HealthPayload) isPayload()      {}
func (StreakPayload) isPayload()      {}
func (ComebackPayload) isPayload()    {}
func (MarketShockPayload) isPayload() {}
func (MilestonePayload) isPayload()   {}
func (ActivityPayload) isPayload()    {}
func (BudgetPayload) isPayload()      {}
func (FeedPayload) isPayload()        {}

// PayloadMatches reports whether p is the payload type declared for t.
func PayloadMatches(t EventType, p Payload) bool {
	switch p.(type) {
	case TickPayload:
		return t == EventTick
	case LifecyclePayload:
		return t == EventSessionCreated || t == EventSessionStarted || t == EventSessionPaused ||
			t == EventSessionResumed || t == EventSessionEnded
	case TradePayload:
		return t == EventTradeOpen || t == EventTradeClose || t == EventTradeDCA
	case DeathPayload:
		return t == EventAgentDeath
	case BadgePayload:
		return t == EventBadgeEarned
	case RivalryPayload:
		return t == EventFaceOff || t == EventLeadChange
	case HealthPayload:
		return t == EventNearDeath
	case StreakPayload:
		return t == EventHotStreak
	case ComebackPayload:
		return t == EventComeback
	case MarketShockPayload:
		return t == EventMarketShock
	case MilestonePayload:
		return t == EventMilestone
	case ActivityPayload:
		return t == EventAgentHolding || t == EventAgentDecisionFailed || t == EventAgentBudgetHold
	case BudgetPayload:
		return t == EventBudgetExhausted
	case FeedPayload:
		return t == EventFeedStale
	}
	return false
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// PayloadFor decodes raw into the payload struct declared for t.
func PayloadFor(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventTick:
		return decodePayload[TickPayload](raw)
	case EventSessionCreated, EventSessionStarted, EventSessionPaused, EventSessionResumed, EventSessionEnded:
		return decodePayload[LifecyclePayload](raw)
	case EventTradeOpen, EventTradeClose, EventTradeDCA:
		return decodePayload[TradePayload](raw)
	case EventAgentDeath:
		return decodePayload[DeathPayload](raw)
	case EventBadgeEarned:
		return decodePayload[BadgePayload](raw)
	case EventFaceOff, EventLeadChange:
		return decodePayload[RivalryPayload](raw)
	case EventNearDeath:
		return decodePayload[HealthPayload](raw)
	case EventHotStreak:
		return decodePayload[StreakPayload](raw)
	case EventComeback:
		return decodePayload[ComebackPayload](raw)
	case EventMarketShock:
		return decodePayload[MarketShockPayload](raw)
	case EventMilestone:
		return decodePayload[MilestonePayload](raw)
	case EventAgentHolding, EventAgentDecisionFailed, EventAgentBudgetHold:
		return decodePayload[ActivityPayload](raw)
	case EventBudgetExhausted:
		return decodePayload[BudgetPayload](raw)
	case EventFeedStale:
		return decodePayload[FeedPayload](raw)
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

type eventJSON Event

// UnmarshalJSON restores the typed payload from the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		eventJSON
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event(wire.eventJSON)
	e.Payload = nil
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}
	p, err := PayloadFor(e.Type, wire.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}
