package usecase

import (
	"math"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

// MarketView is everything an agent may look at when deciding.
type MarketView struct {
	Tick      int
	Price     float64
	Stale     bool
	Window    []float64 // oldest first, current price last
	Agent     domain.Agent
	Elapsed   time.Duration
	Remaining time.Duration
	Standings []domain.Standing
}

// ROE is unrealized return on the position's margin, 0 when flat.
func (v MarketView) ROE() float64 {
	pos := v.Agent.Position
	if pos == nil || !pos.Open || pos.Margin == 0 {
		return 0
	}
	return pos.UnrealizedPnL / pos.Margin
}

// Change is the fractional price move over the last n points.
func (v MarketView) Change(n int) float64 {
	if len(v.Window) < 2 {
		return 0
	}
	if n >= len(v.Window) {
		n = len(v.Window) - 1
	}
	from := v.Window[len(v.Window)-1-n]
	if from == 0 {
		return 0
	}
	return (v.Price - from) / from
}

// SMA over the last n points, or the current price with no history.
func (v MarketView) SMA(n int) float64 {
	if len(v.Window) == 0 {
		return v.Price
	}
	if n > len(v.Window) {
		n = len(v.Window)
	}
	sum := 0.0
	for _, p := range v.Window[len(v.Window)-n:] {
		sum += p
	}
	return sum / float64(n)
}

// Range returns low and high over the last n points.
func (v MarketView) Range(n int) (lo, hi float64) {
	lo, hi = v.Price, v.Price
	if n > len(v.Window) {
		n = len(v.Window)
	}
	for _, p := range v.Window[len(v.Window)-n:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	return lo, hi
}

// RuleFunc is a deterministic, cost-free decision function.
type RuleFunc func(v MarketView) domain.Action

// Archetype is one entry of the classic catalogue.
type Archetype struct {
	ID          string
	Name        string
	Avatar      string
	Personality string
	Philosophy  string
	Indicators  []string
	Regime      string
	Risk        string
	MaxLeverage int
	Rule        RuleFunc
	Templates   map[domain.EventType][]string
}

// Config turns the archetype into an agent configuration.
func (a Archetype) Config(color int) domain.AgentConfig {
	return domain.AgentConfig{
		Name:        a.Name,
		ArchetypeID: a.ID,
		Avatar:      a.Avatar,
		ColorIndex:  color,
		Personality: a.Personality,
		Philosophy:  a.Philosophy,
		Indicators:  a.Indicators,
		Regime:      a.Regime,
		Risk:        a.Risk,
		MaxLeverage: a.MaxLeverage,
		Brain:       domain.BrainRules,
		Templates:   a.Templates,
	}
}

// dangerExit closes losing positions once health drops into the danger zone.
func dangerExit(v MarketView) (domain.Action, bool) {
	if v.Agent.HasOpenPosition() && v.Agent.HealthZone == domain.ZoneDanger && v.ROE() < 0 {
		return domain.Close("health in danger zone, cutting losses"), true
	}
	return domain.Action{}, false
}

func momentumRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	chg := v.Change(5)
	if pos := v.Agent.Position; pos != nil && pos.Open {
		switch {
		case v.ROE() >= 0.15:
			return domain.Close("taking momentum profits")
		case v.ROE() <= -0.10:
			return domain.Close("momentum stopped out")
		case chg*pos.Side.Dir() < -0.002:
			return domain.Close("momentum reversed")
		}
		return domain.Hold("")
	}
	switch {
	case chg > 0.003:
		return domain.Open(domain.SideLong, 0.3, 10, "riding upward momentum")
	case chg < -0.003:
		return domain.Open(domain.SideShort, 0.3, 10, "riding downward momentum")
	}
	return domain.Hold("waiting for a trend")
}

func contrarianRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	sma := v.SMA(20)
	dev := (v.Price - sma) / sma
	if pos := v.Agent.Position; pos != nil && pos.Open {
		if (pos.Side == domain.SideLong && dev >= 0) || (pos.Side == domain.SideShort && dev <= 0) {
			return domain.Close("price reverted to the mean")
		}
		if v.ROE() <= -0.20 {
			return domain.Close("the crowd was right this time")
		}
		return domain.Hold("")
	}
	switch {
	case dev > 0.005:
		return domain.Open(domain.SideShort, 0.25, 5, "fading the pump")
	case dev < -0.005:
		return domain.Open(domain.SideLong, 0.25, 5, "buying the panic")
	}
	return domain.Hold("nothing to fade")
}

func scalperRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	if v.Agent.HasOpenPosition() {
		switch {
		case v.ROE() >= 0.04:
			return domain.Close("quick scalp banked")
		case v.ROE() <= -0.03:
			return domain.Close("scalp invalidated")
		}
		return domain.Hold("")
	}
	chg := v.Change(1)
	switch {
	case chg > 0:
		return domain.Open(domain.SideLong, 0.2, 20, "tick up, scalping long")
	case chg < 0:
		return domain.Open(domain.SideShort, 0.2, 20, "tick down, scalping short")
	}
	return domain.Hold("flat tape")
}

func hodlerRule(v MarketView) domain.Action {
	pos := v.Agent.Position
	if pos == nil || !pos.Open {
		if v.Agent.Trades == 0 {
			return domain.Open(domain.SideLong, 0.5, 3, "buying and never selling")
		}
		return domain.Hold("already sold once, never again")
	}
	if pos.DCACount == 0 && v.ROE() <= -0.20 {
		return domain.Add(0.3, "buying the dip with conviction")
	}
	return domain.Hold("diamond hands")
}

func degenRule(v MarketView) domain.Action {
	if v.Agent.HasOpenPosition() {
		if math.Abs(v.ROE()) >= 0.15 {
			return domain.Close("YOLO exit")
		}
		return domain.Hold("")
	}
	if v.Change(1) >= 0 {
		return domain.Open(domain.SideLong, 0.6, 50, "send it")
	}
	return domain.Open(domain.SideShort, 0.6, 50, "it's going to zero")
}

func dcaRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	pos := v.Agent.Position
	if pos == nil || !pos.Open {
		return domain.Open(domain.SideLong, 0.15, 5, "starting a DCA ladder")
	}
	switch {
	case v.Price >= pos.AvgEntry*1.03:
		return domain.Close("average entry paid off")
	case v.Price <= pos.AvgEntry*0.99 && pos.DCACount < DefaultMaxDCA:
		return domain.Add(0.15, "lowering the average")
	}
	return domain.Hold("")
}

func sentinelRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	fast, slow := v.SMA(5), v.SMA(20)
	if pos := v.Agent.Position; pos != nil && pos.Open {
		switch {
		case v.ROE() <= -0.04:
			return domain.Close("risk limit hit")
		case v.ROE() >= 0.06:
			return domain.Close("target reached")
		}
		return domain.Hold("")
	}
	if v.Agent.HealthZone != domain.ZoneSafe || len(v.Window) < 20 {
		return domain.Hold("standing guard")
	}
	switch {
	case fast > slow*1.002:
		return domain.Open(domain.SideLong, 0.2, 3, "confirmed uptrend")
	case fast < slow*0.998:
		return domain.Open(domain.SideShort, 0.2, 3, "confirmed downtrend")
	}
	return domain.Hold("standing guard")
}

func swingRule(v MarketView) domain.Action {
	if act, ok := dangerExit(v); ok {
		return act
	}
	lo, hi := v.Range(30)
	span := hi - lo
	if span <= 0 {
		return domain.Hold("range too tight")
	}
	pos := (v.Price - lo) / span
	if p := v.Agent.Position; p != nil && p.Open {
		if (p.Side == domain.SideLong && pos >= 0.8) || (p.Side == domain.SideShort && pos <= 0.2) {
			return domain.Close("swing target hit")
		}
		if v.ROE() <= -0.12 {
			return domain.Close("range broke")
		}
		return domain.Hold("")
	}
	switch {
	case pos <= 0.2:
		return domain.Open(domain.SideLong, 0.35, 5, "bottom of the range")
	case pos >= 0.8:
		return domain.Open(domain.SideShort, 0.35, 5, "top of the range")
	}
	return domain.Hold("mid-range, waiting")
}

// Catalogue is the fixed set of classic archetypes, in display order.
var Catalogue = []Archetype{
	{
		ID: "momentum", Name: "Momentum Max", Avatar: "triangle",
		Personality: "Loud trend chaser who never argues with the tape.",
		Philosophy:  "The trend is your friend until it ends.",
		Indicators:  []string{"price change", "breakouts"}, Regime: "trending", Risk: "medium", MaxLeverage: 10,
		Rule: momentumRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} jumps on the train, {side} at {price}!", "{name} smells momentum and goes {side} {leverage}x."},
			domain.EventTradeClose: {"{name} steps off the train with {pnl}.", "Momentum fades, {name} books {pnl}."},
			domain.EventAgentDeath: {"{name} rode the trend straight off a cliff."},
		},
	},
	{
		ID: "contrarian", Name: "Contra Carla", Avatar: "circle",
		Personality: "Skeptic who bets against every crowd.",
		Philosophy:  "Be fearful when others are greedy.",
		Indicators:  []string{"SMA20 deviation"}, Regime: "ranging", Risk: "medium", MaxLeverage: 5,
		Rule: contrarianRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} fades the crowd: {side} at {price}.", "Everyone's wrong, says {name}, going {side}."},
			domain.EventTradeClose: {"{name} collects {pnl} from the herd.", "Mean reversion pays {name} {pnl}."},
			domain.EventLeadChange: {"{name} takes the lead by doing the opposite of {rival}."},
		},
	},
	{
		ID: "scalper", Name: "Scalpy", Avatar: "diamond",
		Personality: "Hyperactive, trades every wiggle.",
		Philosophy:  "Small wins, many times.",
		Indicators:  []string{"last tick"}, Regime: "volatile", Risk: "high", MaxLeverage: 20,
		Rule: scalperRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} darts in {side} at {price}.", "Another scalp from {name}, {leverage}x {side}."},
			domain.EventTradeClose: {"{name} is out already: {pnl}.", "Blink and you missed it, {name} {pnl}."},
		},
	},
	{
		ID: "hodler", Name: "Diamond Dee", Avatar: "square",
		Personality: "Serene long-term believer.",
		Philosophy:  "Time in the market beats timing the market.",
		Indicators:  []string{"none"}, Regime: "bull", Risk: "low", MaxLeverage: 3,
		Rule: hodlerRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen: {"{name} buys at {price} and throws away the keys."},
			domain.EventTradeDCA:  {"{name} buys the dip at {price}. Diamond hands."},
			domain.EventNearDeath: {"{name}'s diamond hands are starting to crack."},
		},
	},
	{
		ID: "degen", Name: "Degen Dan", Avatar: "star",
		Personality: "Maximum leverage, minimum thought.",
		Philosophy:  "Fortune favors the reckless.",
		Indicators:  []string{"vibes"}, Regime: "any", Risk: "high", MaxLeverage: 50,
		Rule: degenRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} apes in {leverage}x {side}. Of course.", "{name} bets the farm: {side} {leverage}x at {price}."},
			domain.EventTradeClose: {"{name} walks away with {pnl}, somehow."},
			domain.EventAgentDeath: {"{name} got liquidated. Nobody is surprised."},
		},
	},
	{
		ID: "dca", Name: "DCA Dora", Avatar: "hexagon",
		Personality: "Patient accumulator with a spreadsheet.",
		Philosophy:  "Average down, never panic.",
		Indicators:  []string{"average entry"}, Regime: "ranging", Risk: "medium", MaxLeverage: 5,
		Rule: dcaRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeDCA:   {"{name} adds another rung at {price}.", "{name} lowers her average to {price}."},
			domain.EventTradeClose: {"{name}'s ladder pays out {pnl}."},
		},
	},
	{
		ID: "sentinel", Name: "Sentinel Sam", Avatar: "shield",
		Personality: "Risk manager first, trader second.",
		Philosophy:  "Survive first, profit second.",
		Indicators:  []string{"SMA5/SMA20 cross", "health"}, Regime: "trending", Risk: "low", MaxLeverage: 3,
		Rule: sentinelRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} finally sees a setup: {side} {leverage}x."},
			domain.EventTradeClose: {"{name} exits by the book with {pnl}."},
			domain.EventMilestone:  {"Slow and steady: {name} reaches {equity}."},
		},
	},
	{
		ID: "swing", Name: "Swing Sara", Avatar: "pentagon",
		Personality: "Range trader with a ruler on the chart.",
		Philosophy:  "Buy support, sell resistance.",
		Indicators:  []string{"30-round range"}, Regime: "ranging", Risk: "medium", MaxLeverage: 5,
		Rule: swingRule,
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen:  {"{name} swings {side} at {price}, right on the line."},
			domain.EventTradeClose: {"{name} rides the swing for {pnl}."},
		},
	},
}

// ArchetypeByID looks up the catalogue.
func ArchetypeByID(id string) (Archetype, bool) {
	for _, a := range Catalogue {
		if a.ID == id {
			return a, true
		}
	}
	return Archetype{}, false
}

// ruleFor resolves the rule of a configured agent, defaulting to sentinel.
func ruleFor(cfg domain.AgentConfig) RuleFunc {
	if a, ok := ArchetypeByID(cfg.ArchetypeID); ok {
		return a.Rule
	}
	return sentinelRule
}
