package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultDecisionMaxTokens = 300
	defaultDecisionSize      = 0.25
	budgetHoldReason         = "budget"
)

// Decision is the outcome of one agent's turn.
type Decision struct {
	Action       domain.Action
	TokensIn     int
	TokensOut    int
	CostUSD      float64
	UsedLLM      bool
	BudgetDenied bool
}

type DecisionOptions struct {
	LLM       domain.LLMClient
	Budget    *Budget
	Pricing   PricingTable
	Model     string
	MaxTokens int
	Logger    *zap.Logger
}

// DecisionEngine produces an action for an agent: rule agents run their
// archetype function, LLM agents go through the spend gate first.
type DecisionEngine struct {
	llm       domain.LLMClient
	budget    *Budget
	pricing   PricingTable
	model     string
	maxTokens int
	logger    *zap.Logger
}

func NewDecisionEngine(opts DecisionOptions) *DecisionEngine {
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultDecisionMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DecisionEngine{
		llm:       opts.LLM,
		budget:    opts.Budget,
		pricing:   opts.Pricing,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    opts.Logger,
	}
}

// Decide never panics outward for rule agents; callers still guard it.
// A returned error means the decision failed and the agent holds. Usage
// fields are valid even when err is set.
func (e *DecisionEngine) Decide(ctx context.Context, v MarketView) (Decision, error) {
	cfg := v.Agent.Config
	if cfg.Brain != domain.BrainLLM {
		return Decision{Action: ruleFor(cfg)(v)}, nil
	}
	return e.decideLLM(ctx, v)
}

func (e *DecisionEngine) decideLLM(ctx context.Context, v MarketView) (Decision, error) {
	if e.llm == nil || e.budget == nil {
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrAgentDecision, domain.ErrLLMUnavailable)
	}
	system := decisionSystemPrompt(v.Agent.Config)
	prompt := decisionPrompt(v)

	res, ok := e.budget.Reserve(e.pricing.WorstCase(e.model, system, prompt, e.maxTokens), SpendDecision)
	if !ok {
		return Decision{Action: domain.Hold(budgetHoldReason), BudgetDenied: true}, nil
	}
	var cost float64
	defer func() { e.budget.Settle(res, cost) }()

	comp, err := e.llm.Complete(ctx, domain.CompletionRequest{
		Model:     e.model,
		System:    system,
		Prompt:    prompt,
		Schema:    decisionSchema,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: llm call: %w", domain.ErrAgentDecision, err)
	}
	cost = e.pricing.Cost(e.model, comp.TokensIn, comp.TokensOut)

	d := Decision{TokensIn: comp.TokensIn, TokensOut: comp.TokensOut, CostUSD: cost, UsedLLM: true}
	action, err := ParseDecision(comp.Text)
	if err != nil {
		e.logger.Debug("Unparsable decision",
			zap.String("agent", v.Agent.Name()),
			zap.String("text", comp.Text))
		return d, fmt.Errorf("%w: %v", domain.ErrAgentDecision, err)
	}
	d.Action = action
	return d, nil
}

var decisionSchema = map[string]any{
	"type":     "object",
	"required": []string{"action", "reason"},
	"properties": map[string]any{
		"action":   map[string]any{"type": "string", "enum": []string{"hold", "open", "add", "close"}},
		"side":     map[string]any{"type": "string", "enum": []string{"long", "short"}},
		"size_pct": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"leverage": map[string]any{"type": "integer", "minimum": 1, "maximum": MaxLeverageCap},
		"reason":   map[string]any{"type": "string"},
	},
}

func decisionSystemPrompt(cfg domain.AgentConfig) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a trader competing in a leveraged crypto arena.\n", cfg.Name)
	if cfg.Personality != "" {
		fmt.Fprintf(&sb, "Personality: %s\n", cfg.Personality)
	}
	if cfg.Philosophy != "" {
		fmt.Fprintf(&sb, "Philosophy: %s\n", cfg.Philosophy)
	}
	if len(cfg.Indicators) > 0 {
		fmt.Fprintf(&sb, "You watch: %s\n", strings.Join(cfg.Indicators, ", "))
	}
	fmt.Fprintf(&sb, "Risk appetite: %s. Max leverage: %dx.\n", cfg.Risk, cfg.MaxLeverage)
	sb.WriteString(`Each round choose one action and reply with JSON only:
{"action":"hold|open|add|close","side":"long|short","size_pct":0.0-1.0,"leverage":int,"reason":"short"}
open needs side; add increases the current position; size_pct is a fraction of free balance.`)
	return sb.String()
}

func decisionPrompt(v MarketView) string {
	a := v.Agent
	var sb strings.Builder
	fmt.Fprintf(&sb, "Round %d. Price %.2f", v.Tick, v.Price)
	if v.Stale {
		sb.WriteString(" (stale)")
	}
	fmt.Fprintf(&sb, ". Change 5 rounds %+.2f%%, 20 rounds %+.2f%%. SMA20 %.2f.\n",
		v.Change(5)*100, v.Change(20)*100, v.SMA(20))
	fmt.Fprintf(&sb, "Balance %.2f, equity %.2f (%+.1f%%), health %.0f (%s), rank %d of %d.\n",
		a.Balance, a.Equity, a.PnLPct(), a.Health, a.HealthZone, a.Rank, len(v.Standings))
	if pos := a.Position; pos != nil && pos.Open {
		fmt.Fprintf(&sb, "Open %s %dx, avg %.2f, margin %.2f, unrealized %+.2f, liquidation %.2f, adds %d.\n",
			pos.Side, pos.Leverage, pos.AvgEntry, pos.Margin, pos.UnrealizedPnL, pos.LiquidationPrice, pos.DCACount)
	} else {
		sb.WriteString("No open position.\n")
	}
	if v.Remaining > 0 {
		fmt.Fprintf(&sb, "Time left: %s.\n", v.Remaining.Round(time.Second))
	}
	return sb.String()
}

type decisionReply struct {
	Action   string  `json:"action"`
	Side     string  `json:"side"`
	SizePct  float64 `json:"size_pct"`
	Leverage int     `json:"leverage"`
	Reason   string  `json:"reason"`
}

// ParseDecision turns model output into an action. It tolerates code fences,
// surrounding prose, percent-style sizes and buy/sell synonyms.
func ParseDecision(text string) (domain.Action, error) {
	var r decisionReply
	if err := json.Unmarshal([]byte(extractJSON(text)), &r); err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", domain.ErrInvalidDecision, err)
	}
	side := domain.Side(strings.ToLower(strings.TrimSpace(r.Side)))
	kind := strings.ToLower(strings.TrimSpace(r.Action))
	switch kind {
	case "buy", "long":
		kind, side = string(domain.ActionOpen), domain.SideLong
	case "sell", "short":
		kind, side = string(domain.ActionOpen), domain.SideShort
	case "dca":
		kind = string(domain.ActionAdd)
	case "wait", "":
		kind = string(domain.ActionHold)
	}

	size := r.SizePct
	if size > 1 && size <= 100 {
		size /= 100
	}
	if size <= 0 || size > 1 {
		size = defaultDecisionSize
	}
	lev := r.Leverage
	if lev <= 0 {
		lev = DefaultLeverage
	}

	switch domain.ActionKind(kind) {
	case domain.ActionHold:
		return domain.Hold(r.Reason), nil
	case domain.ActionOpen:
		if !side.Valid() {
			return domain.Action{}, fmt.Errorf("%w: open without a valid side %q", domain.ErrInvalidDecision, r.Side)
		}
		return domain.Open(side, size, lev, r.Reason), nil
	case domain.ActionAdd:
		return domain.Add(size, r.Reason), nil
	case domain.ActionClose:
		return domain.Close(r.Reason), nil
	}
	return domain.Action{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidDecision, r.Action)
}
