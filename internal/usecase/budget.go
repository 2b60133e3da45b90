package usecase

import (
	"strings"
	"sync"
)

type SpendCategory string

const (
	SpendDecision   SpendCategory = "decision"
	SpendCommentary SpendCategory = "commentary"
)

// Reservation holds a worst-case amount until the call settles.
type Reservation struct {
	amount   float64
	category SpendCategory
	settled  bool
}

// BudgetUsage is a point-in-time view of session spend.
type BudgetUsage struct {
	LimitUSD      float64 `json:"limit_usd"`
	SpentUSD      float64 `json:"spent_usd"`
	ReservedUSD   float64 `json:"reserved_usd"`
	DecisionUSD   float64 `json:"decision_usd"`
	CommentaryUSD float64 `json:"commentary_usd"`
	Exhausted     bool    `json:"exhausted"`
	Denied        int     `json:"denied"`
}

// Budget is the session-wide API spend counter. Reserve is a single
// check-then-increment, so concurrent callers can never jointly pass the limit
// on estimates; spend can only overshoot by a call's actual minus estimate.
type Budget struct {
	mu         sync.Mutex
	limit      float64
	spent      float64
	reserved   float64
	byCategory map[SpendCategory]float64
	exhausted  bool
	denied     int
}

func NewBudget(limitUSD float64) *Budget {
	return &Budget{
		limit:      limitUSD,
		byCategory: make(map[SpendCategory]float64),
	}
}

// Reserve claims worstCase USD. A denied decision reservation marks the
// budget exhausted for the rest of the session.
func (b *Budget) Reserve(worstCase float64, category SpendCategory) (*Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted || b.spent+b.reserved+worstCase > b.limit {
		b.denied++
		if category == SpendDecision {
			b.exhausted = true
		}
		return nil, false
	}
	b.reserved += worstCase
	return &Reservation{amount: worstCase, category: category}, true
}

// Settle releases the reservation and records the actual cost.
func (b *Budget) Settle(res *Reservation, actualUSD float64) {
	if res == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if res.settled {
		return
	}
	res.settled = true
	b.reserved -= res.amount
	if actualUSD > 0 {
		b.spent += actualUSD
		b.byCategory[res.category] += actualUSD
	}
}

// Preload records spend made before this budget existed, e.g. by a session
// that is being restored.
func (b *Budget) Preload(category SpendCategory, usd float64) {
	if usd <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += usd
	b.byCategory[category] += usd
}

func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

func (b *Budget) Usage() BudgetUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetUsage{
		LimitUSD:      b.limit,
		SpentUSD:      b.spent,
		ReservedUSD:   b.reserved,
		DecisionUSD:   b.byCategory[SpendDecision],
		CommentaryUSD: b.byCategory[SpendCommentary],
		Exhausted:     b.exhausted,
		Denied:        b.denied,
	}
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

type PricingTable map[string]ModelPricing

var DefaultPricing = PricingTable{
	"gpt-4o-mini":      {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":           {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4.1-mini":     {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"claude-3-5-haiku": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-sonnet-4":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"deepseek-chat":    {InputPerMTok: 0.27, OutputPerMTok: 1.10},
	"llama-3.1-8b":     {InputPerMTok: 0.05, OutputPerMTok: 0.08},
	"default":          {InputPerMTok: 1.00, OutputPerMTok: 4.00},
}

// For returns the pricing for model, matching by prefix, else "default".
func (t PricingTable) For(model string) ModelPricing {
	if p, ok := t[model]; ok {
		return p
	}
	best := ""
	for name := range t {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return t[best]
	}
	if p, ok := t["default"]; ok {
		return p
	}
	return DefaultPricing["default"]
}

func (t PricingTable) Cost(model string, tokensIn, tokensOut int) float64 {
	p := t.For(model)
	return (float64(tokensIn)*p.InputPerMTok + float64(tokensOut)*p.OutputPerMTok) / 1_000_000
}

// WorstCase estimates the most a call can cost before it is made.
func (t PricingTable) WorstCase(model, system, prompt string, maxTokens int) float64 {
	return t.Cost(model, EstimateTokens(system)+EstimateTokens(prompt), maxTokens)
}

// EstimateTokens is a ~4 chars/token heuristic with per-message overhead.
func EstimateTokens(text string) int {
	return len(text)/4 + 16
}
