package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultCommentaryCooldown  = 30 * time.Second
	DefaultCommentaryMaxTokens = 60
	archetypeTemplateWeight    = 0.8
)

var errCommentaryCooldown = errors.New("commentary cooldown")

var genericTemplates = map[domain.EventType][]string{
	domain.EventTradeOpen: {
		"{name} opens {side} {leverage}x at {price}.",
		"{name} makes a move: {side} at {price}.",
		"Position open! {name} goes {side}.",
	},
	domain.EventTradeClose: {
		"{name} closes out with {pnl}.",
		"{name} takes {pnl} off the table.",
		"That's a wrap for {name}'s trade: {pnl}.",
	},
	domain.EventTradeDCA: {
		"{name} adds to the position at {price}.",
		"{name} doubles down at {price}.",
	},
	domain.EventAgentDeath: {
		"{name} is out of the arena.",
		"And just like that, {name} is gone.",
	},
	domain.EventLeadChange: {
		"{name} overtakes {rival} for first place!",
		"New leader: {name} with {equity}.",
	},
	domain.EventFaceOff: {
		"{name} and {rival} are on opposite sides. Only one can be right.",
		"Face-off: {name} versus {rival}!",
	},
	domain.EventNearDeath: {
		"{name} is hanging by a thread.",
		"Danger zone for {name}!",
	},
	domain.EventHotStreak: {
		"{name} is on fire!",
		"{name} can't stop winning.",
	},
	domain.EventComeback: {
		"What a comeback from {name}!",
		"{name} rises from the ashes.",
	},
	domain.EventMarketShock: {
		"The market just jumped to {price}. Hold on tight.",
		"Shock move to {price}!",
	},
	domain.EventMilestone: {
		"{name} hits {equity}!",
		"Milestone for {name}: {equity}.",
	},
	domain.EventBadgeEarned: {
		"{name} earns a badge.",
	},
}

var llmCommentaryEvents = map[domain.EventType]bool{
	domain.EventAgentDeath: true,
	domain.EventLeadChange: true,
	domain.EventFaceOff:    true,
	domain.EventMilestone:  true,
}

// CommentaryUsage totals the LLM-assisted commentary calls.
type CommentaryUsage struct {
	Calls     int
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

type CommentaryOptions struct {
	LLM       domain.LLMClient
	Budget    *Budget
	Pricing   PricingTable
	Model     string
	Cooldown  time.Duration
	MaxTokens int
	Seed      int64
	Logger    *zap.Logger
}

// CommentaryEngine narrates events. Most lines come from templates; a few
// dramatic event types may get one LLM sentence when budget and cooldown
// allow.
type CommentaryEngine struct {
	mu        sync.Mutex
	rng       *rand.Rand
	llm       domain.LLMClient
	budget    *Budget
	pricing   PricingTable
	model     string
	cooldown  time.Duration
	maxTokens int
	lastLLM   time.Time
	usage     CommentaryUsage
	logger    *zap.Logger
	timeNow   func() time.Time
}

func NewCommentaryEngine(opts CommentaryOptions) *CommentaryEngine {
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCommentaryCooldown
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultCommentaryMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &CommentaryEngine{
		rng:       rand.New(rand.NewSource(opts.Seed)),
		llm:       opts.LLM,
		budget:    opts.Budget,
		pricing:   opts.Pricing,
		model:     opts.Model,
		cooldown:  opts.Cooldown,
		maxTokens: opts.MaxTokens,
		logger:    opts.Logger,
		timeNow:   time.Now,
	}
}

// Narrate returns one line for ev. speaker is the agent the event is about,
// nil for market-wide events; standings give the LLM path context.
func (c *CommentaryEngine) Narrate(ctx context.Context, ev domain.Event, speaker *domain.Agent, standings []domain.Standing) string {
	if !llmCommentaryEvents[ev.Type] {
		return c.template(ev, speaker)
	}
	line, reason, _ := Fallback(ctx,
		func(ctx context.Context) (string, error) { return c.fromLLM(ctx, ev, standings) },
		func(context.Context) (string, error) { return c.template(ev, speaker), nil },
	)
	if reason != "" && !strings.Contains(reason, errCommentaryCooldown.Error()) {
		c.logger.Debug("LLM commentary skipped", zap.String("type", string(ev.Type)), zap.String("reason", reason))
	}
	return line
}

func (c *CommentaryEngine) Usage() CommentaryUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// PreloadUsage carries totals over from a restored session.
func (c *CommentaryEngine) PreloadUsage(u CommentaryUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Calls += u.Calls
	c.usage.TokensIn += u.TokensIn
	c.usage.TokensOut += u.TokensOut
	c.usage.CostUSD += u.CostUSD
}

func (c *CommentaryEngine) template(ev domain.Event, speaker *domain.Agent) string {
	c.mu.Lock()
	var pool []string
	if speaker != nil {
		own := speaker.Config.Templates[ev.Type]
		if len(own) > 0 && c.rng.Float64() < archetypeTemplateWeight {
			pool = own
		}
	}
	if pool == nil {
		pool = genericTemplates[ev.Type]
	}
	if len(pool) == 0 {
		c.mu.Unlock()
		return ""
	}
	tpl := pool[c.rng.Intn(len(pool))]
	c.mu.Unlock()
	return fillTemplate(tpl, ev, speaker)
}

func (c *CommentaryEngine) fromLLM(ctx context.Context, ev domain.Event, standings []domain.Standing) (string, error) {
	if c.llm == nil || c.budget == nil || c.model == "" {
		return "", domain.ErrLLMUnavailable
	}
	c.mu.Lock()
	now := c.timeNow()
	if !c.lastLLM.IsZero() && now.Sub(c.lastLLM) < c.cooldown {
		c.mu.Unlock()
		return "", errCommentaryCooldown
	}
	c.lastLLM = now
	c.mu.Unlock()

	system := "You are a punchy esports-style commentator for a crypto trading arena. Reply with one short sentence."
	var sb strings.Builder
	sb.WriteString("Standings:\n")
	for _, s := range standings {
		status := ""
		if !s.Alive {
			status = " (eliminated)"
		}
		fmt.Fprintf(&sb, "%d. %s $%.2f (%+.1f%%)%s\n", s.Rank, s.Name, s.Equity, s.PnLPct, status)
	}
	fmt.Fprintf(&sb, "Event: %s. %s %s\n", ev.Type, ev.Title, ev.Detail)
	prompt := sb.String()

	res, ok := c.budget.Reserve(c.pricing.WorstCase(c.model, system, prompt, c.maxTokens), SpendCommentary)
	if !ok {
		return "", domain.ErrBudgetExhausted
	}
	comp, err := c.llm.Complete(ctx, domain.CompletionRequest{
		Model:     c.model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		c.budget.Settle(res, 0)
		return "", err
	}
	cost := c.pricing.Cost(c.model, comp.TokensIn, comp.TokensOut)
	c.budget.Settle(res, cost)

	c.mu.Lock()
	c.usage.Calls++
	c.usage.TokensIn += comp.TokensIn
	c.usage.TokensOut += comp.TokensOut
	c.usage.CostUSD += cost
	c.mu.Unlock()

	line := strings.Trim(strings.TrimSpace(comp.Text), `"`)
	if line == "" {
		return "", errors.New("empty commentary")
	}
	return line, nil
}

func fillTemplate(tpl string, ev domain.Event, speaker *domain.Agent) string {
	name := ev.AgentName
	vals := map[string]string{
		"{name}":  name,
		"{price}": fmt.Sprintf("$%.2f", ev.Price),
	}
	if speaker != nil {
		if name == "" {
			vals["{name}"] = speaker.Name()
		}
		vals["{rank}"] = fmt.Sprintf("#%d", speaker.Rank)
		vals["{equity}"] = fmt.Sprintf("$%.2f", speaker.Equity)
	}
	switch p := ev.Payload.(type) {
	case domain.TradePayload:
		vals["{side}"] = string(p.Side)
		vals["{leverage}"] = fmt.Sprintf("%d", p.Leverage)
		vals["{pnl}"] = fmt.Sprintf("%+.2f", p.RealizedPnL)
		vals["{price}"] = fmt.Sprintf("$%.2f", p.FillPrice)
	case domain.RivalryPayload:
		vals["{rival}"] = p.RivalName
		vals["{equity}"] = fmt.Sprintf("$%.2f", p.Equity)
	case domain.MilestonePayload:
		vals["{equity}"] = fmt.Sprintf("$%.2f", p.Equity)
	case domain.DeathPayload:
		vals["{equity}"] = fmt.Sprintf("$%.2f", p.FinalEquity)
	}
	pairs := make([]string, 0, len(vals)*2)
	for k, v := range vals {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
