package domain

import "time"

type HealthZone string

const (
	ZoneSafe    HealthZone = "safe"
	ZoneCaution HealthZone = "caution"
	ZoneDanger  HealthZone = "danger"
	ZoneDead    HealthZone = "dead"
)

// ZoneFor buckets a health score. Dead agents are always ZoneDead.
func ZoneFor(health float64, alive bool) HealthZone {
	switch {
	case !alive:
		return ZoneDead
	case health >= 60:
		return ZoneSafe
	case health >= 30:
		return ZoneCaution
	default:
		return ZoneDanger
	}
}

type Brain string

const (
	BrainRules Brain = "rules"
	BrainLLM   Brain = "llm"
)

// AgentConfig is the static personality an agent is built from.
type AgentConfig struct {
	Name        string   `json:"name"`
	ArchetypeID string   `json:"archetype_id"`
	Avatar      string   `json:"avatar"`
	ColorIndex  int      `json:"color_index"`
	Personality string   `json:"personality"`
	Philosophy  string   `json:"philosophy"`
	Indicators  []string `json:"indicators,omitempty"`
	Regime      string   `json:"regime,omitempty"`
	Risk        string   `json:"risk"`
	MaxLeverage int      `json:"max_leverage"`
	Brain       Brain    `json:"brain"`
	// Templates maps event types to commentary lines in this agent's voice.
	Templates map[EventType][]string `json:"templates,omitempty"`
}

type Badge string

const (
	BadgeFirstBlood Badge = "first_blood"
	BadgeSniper     Badge = "sniper"
	BadgeIronHands  Badge = "iron_hands"
)

// Agent is one competitor. Financial fields are only mutated by the runtime.
type Agent struct {
	ID     string      `json:"id"`
	Order  int         `json:"order"`
	Config AgentConfig `json:"config"`

	Balance         float64    `json:"balance"`
	Equity          float64    `json:"equity"`
	StartingCapital float64    `json:"starting_capital"`
	PeakEquity      float64    `json:"peak_equity"`
	MaxDrawdown     float64    `json:"max_drawdown"`
	Health          float64    `json:"health"`
	HealthZone      HealthZone `json:"health_zone"`
	Rank            int        `json:"rank"`
	Alive           bool       `json:"alive"`
	DeathTick       int        `json:"death_tick,omitempty"`
	DeathReason     string     `json:"death_reason,omitempty"`
	DiedAt          time.Time  `json:"died_at,omitempty"`

	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	Trades          int     `json:"trades"`
	Streak          int     `json:"streak"`
	RealizedPnL     float64 `json:"realized_pnl"`
	TotalFees       float64 `json:"total_fees"`
	FailedDecisions int     `json:"failed_decisions"`
	LastAction      string  `json:"last_action,omitempty"`
	LastReason      string  `json:"last_reason,omitempty"`

	LLMCalls  int     `json:"llm_calls"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`

	Position *Position `json:"position,omitempty"`
	Badges   []Badge   `json:"badges,omitempty"`
}

func (a *Agent) Name() string {
	return a.Config.Name
}

// WinRate is wins over closed trades, 0 when nothing closed yet.
func (a *Agent) WinRate() float64 {
	closed := a.Wins + a.Losses
	if closed == 0 {
		return 0
	}
	return float64(a.Wins) / float64(closed)
}

func (a *Agent) PnLPct() float64 {
	if a.StartingCapital == 0 {
		return 0
	}
	return (a.Equity - a.StartingCapital) / a.StartingCapital * 100
}

func (a *Agent) HasOpenPosition() bool {
	return a.Position != nil && a.Position.Open
}

func (a *Agent) HasBadge(b Badge) bool {
	for _, have := range a.Badges {
		if have == b {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares nothing mutable with the original.
func (a *Agent) Clone() Agent {
	cp := *a
	cp.Position = a.Position.Clone()
	cp.Badges = append([]Badge(nil), a.Badges...)
	return cp
}
