package domain

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	StatusIdle        SessionStatus = "idle"
	StatusConfiguring SessionStatus = "configuring"
	StatusRunning     SessionStatus = "running"
	StatusPaused      SessionStatus = "paused"
	StatusCompleted   SessionStatus = "completed"
)

// Active reports whether a session in this status blocks creating another one.
func (s SessionStatus) Active() bool {
	return s == StatusConfiguring || s == StatusRunning || s == StatusPaused
}

const (
	MinAgents          = 2
	MaxAgents          = 8
	MinStartingCapital = 10.0
	MaxStartingCapital = 1_000_000.0
	MinDecisionMs      = 1_000
	MaxDecisionMs      = 3_600_000
	MaxDurationHours   = 72.0

	DefaultFeeRate           = 0.0005
	DefaultMaintenanceMargin = 0.005
	DefaultCheckpointEvery   = 5
	PriceWindowSize          = 120
)

// SessionConfig is frozen once the session starts.
type SessionConfig struct {
	Pair               string   `json:"pair" yaml:"pair"`
	AgentCount         int      `json:"agent_count" yaml:"agent_count"`
	StartingCapital    float64  `json:"starting_capital" yaml:"starting_capital"`
	DecisionIntervalMs int64    `json:"decision_interval_ms" yaml:"decision_interval_ms"`
	MaxDurationHours   float64  `json:"max_duration_hours" yaml:"max_duration_hours"`
	SessionBudgetUSD   float64  `json:"session_budget_usd" yaml:"session_budget_usd"`
	Model              string   `json:"model" yaml:"model"`
	ArchetypeIDs       []string `json:"archetype_ids,omitempty" yaml:"archetype_ids"`
	AIRoster           bool     `json:"ai_roster" yaml:"ai_roster"`

	FeeRate           float64 `json:"fee_rate" yaml:"fee_rate"`
	MaintenanceMargin float64 `json:"maintenance_margin" yaml:"maintenance_margin"`
	CheckpointEvery   int     `json:"checkpoint_every" yaml:"checkpoint_every"`
	Seed              int64   `json:"seed,omitempty" yaml:"seed"`
}

func (c SessionConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalMs) * time.Millisecond
}

func (c SessionConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationHours * float64(time.Hour))
}

// WithDefaults fills the optional knobs left at zero.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.FeeRate == 0 {
		c.FeeRate = DefaultFeeRate
	}
	if c.MaintenanceMargin == 0 {
		c.MaintenanceMargin = DefaultMaintenanceMargin
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	return c
}

// Validate checks the ranges a session can be created with.
func (c SessionConfig) Validate() error {
	switch {
	case c.Pair == "":
		return fmt.Errorf("%w: pair is required", ErrInvalidConfig)
	case c.AgentCount < MinAgents || c.AgentCount > MaxAgents:
		return fmt.Errorf("%w: agent count %d outside [%d,%d]", ErrInvalidConfig, c.AgentCount, MinAgents, MaxAgents)
	case c.StartingCapital < MinStartingCapital || c.StartingCapital > MaxStartingCapital:
		return fmt.Errorf("%w: starting capital %.2f outside [%.0f,%.0f]", ErrInvalidConfig, c.StartingCapital, MinStartingCapital, MaxStartingCapital)
	case c.DecisionIntervalMs < MinDecisionMs || c.DecisionIntervalMs > MaxDecisionMs:
		return fmt.Errorf("%w: decision interval %dms outside [%d,%d]", ErrInvalidConfig, c.DecisionIntervalMs, MinDecisionMs, MaxDecisionMs)
	case c.MaxDurationHours <= 0 || c.MaxDurationHours > MaxDurationHours:
		return fmt.Errorf("%w: max duration %.2fh outside (0,%.0f]", ErrInvalidConfig, c.MaxDurationHours, MaxDurationHours)
	case c.SessionBudgetUSD < 0:
		return fmt.Errorf("%w: session budget must not be negative", ErrInvalidConfig)
	case c.FeeRate < 0 || c.FeeRate >= 0.01:
		return fmt.Errorf("%w: fee rate %.4f outside [0,0.01)", ErrInvalidConfig, c.FeeRate)
	case c.MaintenanceMargin < 0 || c.MaintenanceMargin >= 0.01:
		return fmt.Errorf("%w: maintenance margin %.4f outside [0,0.01)", ErrInvalidConfig, c.MaintenanceMargin)
	}
	return nil
}

// Session is the lifecycle record of one competition run.
type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	Config       SessionConfig `json:"config"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Tick         int           `json:"tick"`
	CurrentPrice float64       `json:"current_price"`
	PriceStale   bool          `json:"price_stale"`
	PriceWindow  []float64     `json:"price_window"`
	Roster       RosterMeta    `json:"roster"`
	Spend        SessionSpend  `json:"spend"`
	Summary      *Summary      `json:"summary,omitempty"`
}

// SessionSpend is the budget drawn so far, as of the last checkpoint.
type SessionSpend struct {
	DecisionUSD         float64 `json:"decision_usd"`
	CommentaryUSD       float64 `json:"commentary_usd"`
	CommentaryCalls     int     `json:"commentary_calls"`
	CommentaryTokensIn  int     `json:"commentary_tokens_in"`
	CommentaryTokensOut int     `json:"commentary_tokens_out"`
}

// GenerationCost is the one-time LLM spend of building the roster.
type GenerationCost struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

type RosterSource string

const (
	RosterSourceAI      RosterSource = "ai"
	RosterSourceClassic RosterSource = "classic"
	RosterSourceCustom  RosterSource = "custom"
)

// RosterMeta lets a reconnecting UI restore how the roster was produced.
type RosterMeta struct {
	Source         RosterSource   `json:"source"`
	Theme          string         `json:"theme,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	Cost           GenerationCost `json:"cost"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

type EndReason string

const (
	EndReasonStopped  EndReason = "stopped"
	EndReasonDeadline EndReason = "deadline"
	EndReasonAllDead  EndReason = "all_dead"
)

// Summary is filled in when the session completes.
type Summary struct {
	Reason               EndReason     `json:"reason"`
	Winner               string        `json:"winner"`
	WinnerID             string        `json:"winner_id"`
	Standings            []Standing    `json:"standings"`
	Ticks                int           `json:"ticks"`
	Elapsed              time.Duration `json:"elapsed"`
	DecisionCostUSD      float64       `json:"decision_cost_usd"`
	CommentaryCostUSD    float64       `json:"commentary_cost_usd"`
	GenerationCostUSD    float64       `json:"generation_cost_usd"`
	TotalCostUSD         float64       `json:"total_cost_usd"`
	FinalPrice           float64       `json:"final_price"`
	BudgetExhausted      bool          `json:"budget_exhausted"`
	TotalLLMCalls        int           `json:"total_llm_calls"`
	TotalFailedDecisions int           `json:"total_failed_decisions"`
}

// Standing is one row of the derived leaderboard.
type Standing struct {
	Rank        int     `json:"rank"`
	AgentID     string  `json:"agent_id"`
	Name        string  `json:"name"`
	Equity      float64 `json:"equity"`
	PnLPct      float64 `json:"pnl_pct"`
	WinRate     float64 `json:"win_rate"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Alive       bool    `json:"alive"`
}

// SessionSnapshot is the unit the durable store saves and loads.
type SessionSnapshot struct {
	Session Session   `json:"session"`
	Agents  []Agent   `json:"agents"`
	SavedAt time.Time `json:"saved_at"`
}
