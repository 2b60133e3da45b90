package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

const (
	DefaultMaxDCA      = 5
	DefaultLeverage    = 10
	MaxLeverageCap     = 100
	BankruptcyFraction = 0.01
	minMarginFraction  = 0.001
)

// RuntimeParams are the session-wide trading constants an agent trades under.
type RuntimeParams struct {
	Pair              string
	FeeRate           float64
	MaintenanceMargin float64
	MaxDCA            int
}

// HealthPolicy turns an agent's financial state into a 0-100 score.
type HealthPolicy struct {
	DrawdownWeight  float64 // points lost per unit of drawdown from peak
	ProximityZone   float64 // fraction of entry→liquidation distance that counts as "close"
	ProximityWeight float64 // max points lost when sitting on the liquidation price
}

var DefaultHealthPolicy = HealthPolicy{
	DrawdownWeight:  50,
	ProximityZone:   0.25,
	ProximityWeight: 20,
}

// Score computes health for an agent marked at price.
func (p HealthPolicy) Score(a *domain.Agent, price float64) float64 {
	if !a.Alive || a.StartingCapital <= 0 {
		return 0
	}
	h := 100 * math.Min(a.Equity/a.StartingCapital, 1)
	if a.PeakEquity > 0 {
		h -= p.DrawdownWeight * (a.PeakEquity - a.Equity) / a.PeakEquity
	}
	if pos := a.Position; pos != nil && pos.Open && p.ProximityZone > 0 {
		span := math.Abs(pos.AvgEntry - pos.LiquidationPrice)
		if span > 0 {
			frac := math.Abs(price-pos.LiquidationPrice) / span
			if frac < p.ProximityZone {
				h -= p.ProximityWeight * (1 - frac/p.ProximityZone)
			}
		}
	}
	return math.Max(0, math.Min(100, h))
}

// AgentRuntime is the only mutator of an agent's financial state. Every
// public method is atomic with respect to the others.
type AgentRuntime struct {
	mu      sync.Mutex
	agent   domain.Agent
	params  RuntimeParams
	health  HealthPolicy
	timeNow func() time.Time
}

func NewAgentRuntime(id string, order int, cfg domain.AgentConfig, capital float64, params RuntimeParams) *AgentRuntime {
	if params.MaxDCA <= 0 {
		params.MaxDCA = DefaultMaxDCA
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = DefaultLeverage
	}
	cfg.MaxLeverage = clampInt(cfg.MaxLeverage, 1, MaxLeverageCap)
	rt := &AgentRuntime{
		agent: domain.Agent{
			ID:              id,
			Order:           order,
			Config:          cfg,
			Balance:         capital,
			Equity:          capital,
			StartingCapital: capital,
			PeakEquity:      capital,
			Alive:           true,
		},
		params:  params,
		health:  DefaultHealthPolicy,
		timeNow: time.Now,
	}
	rt.refreshHealth(0)
	return rt
}

// restoreAgentRuntime rebuilds a runtime from a stored agent record.
func restoreAgentRuntime(a domain.Agent, params RuntimeParams) *AgentRuntime {
	if params.MaxDCA <= 0 {
		params.MaxDCA = DefaultMaxDCA
	}
	return &AgentRuntime{
		agent:   a.Clone(),
		params:  params,
		health:  DefaultHealthPolicy,
		timeNow: time.Now,
	}
}

func (r *AgentRuntime) ID() string {
	return r.agent.ID
}

func (r *AgentRuntime) Config() domain.AgentConfig {
	return r.agent.Config
}

func (r *AgentRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.Alive
}

func (r *AgentRuntime) Snapshot() domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.Clone()
}

// Settle marks the agent to price and force-closes a position whose
// liquidation price has been crossed. It runs before any decision each round.
func (r *AgentRuntime) Settle(tick int, price float64) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.agent.Alive {
		return nil
	}
	r.markLocked(price)
	pos := r.agent.Position
	if pos == nil || !pos.Crossed(price) {
		return nil
	}
	return r.liquidateLocked(tick, price)
}

// MarkToMarket recomputes unrealized P&L, equity, peak, drawdown and health.
func (r *AgentRuntime) MarkToMarket(price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent.Alive {
		r.markLocked(price)
	}
}

// Apply executes one action at the fill price. The action is either fully
// applied or rejected with no state change besides LastAction/LastReason.
func (r *AgentRuntime) Apply(tick int, price float64, action domain.Action) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &r.agent
	if !a.Alive {
		return nil, domain.ErrAgentDead
	}

	var (
		events []domain.Event
		err    error
	)
	switch action.Kind {
	case domain.ActionOpen:
		if a.HasOpenPosition() && a.Position.Side == action.Side {
			events, err = r.addLocked(tick, price, action)
		} else {
			events, err = r.openLocked(tick, price, action)
		}
	case domain.ActionAdd:
		events, err = r.addLocked(tick, price, action)
	case domain.ActionClose:
		events, err = r.closeLocked(tick, price, action.Reason)
	default:
		events = r.holdLocked(price, action.Reason)
	}
	if err != nil {
		a.LastAction = string(domain.ActionHold)
		a.LastReason = "ignored: " + err.Error()
		return nil, err
	}
	r.markLocked(price)
	return events, nil
}

// RecordUsage adds one LLM call's tokens and cost to the agent counters.
func (r *AgentRuntime) RecordUsage(tokensIn, tokensOut int, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.LLMCalls++
	r.agent.TokensIn += tokensIn
	r.agent.TokensOut += tokensOut
	r.agent.CostUSD += cost
}

// HoldQuietly records a hold whose event the caller emits itself.
func (r *AgentRuntime) HoldQuietly(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.LastAction = string(domain.ActionHold)
	r.agent.LastReason = reason
}

func (r *AgentRuntime) RecordFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent.FailedDecisions++
	r.agent.LastAction = string(domain.ActionHold)
	r.agent.LastReason = "failed: " + reason
}

// AwardBadge returns false when the agent already holds the badge.
func (r *AgentRuntime) AwardBadge(b domain.Badge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agent.HasBadge(b) {
		return false
	}
	r.agent.Badges = append(r.agent.Badges, b)
	return true
}

func (r *AgentRuntime) SetRank(rank int) {
	r.mu.Lock()
	r.agent.Rank = rank
	r.mu.Unlock()
}

func (r *AgentRuntime) holdLocked(price float64, reason string) []domain.Event {
	a := &r.agent
	prev := a.LastAction
	a.LastAction = string(domain.ActionHold)
	a.LastReason = reason
	if prev == string(domain.ActionHold) || reason == "" {
		return nil
	}
	return []domain.Event{{
		Type:      domain.EventAgentHolding,
		Title:     a.Name() + " is holding",
		Detail:    reason,
		AgentName: a.Name(),
		Price:     price,
		Payload:   domain.ActivityPayload{AgentID: a.ID, Action: "hold", Reason: reason},
	}}
}

// size returns margin, fee and notional for committing sizePct of balance.
func (r *AgentRuntime) size(sizePct float64, leverage int) (margin, fee, notional float64, err error) {
	a := &r.agent
	sizePct = math.Max(0.01, math.Min(1, sizePct))
	lev := float64(leverage)

	margin = a.Balance * sizePct
	fee = margin * lev * r.params.FeeRate
	if margin+fee > a.Balance {
		margin = a.Balance / (1 + lev*r.params.FeeRate)
		fee = margin * lev * r.params.FeeRate
	}
	if margin < a.StartingCapital*minMarginFraction {
		return 0, 0, 0, fmt.Errorf("%w: %.2f available", domain.ErrInsufficientBalance, a.Balance)
	}
	return margin, fee, margin * lev, nil
}

func (r *AgentRuntime) openLocked(tick int, price float64, action domain.Action) ([]domain.Event, error) {
	a := &r.agent
	if a.HasOpenPosition() {
		return nil, domain.ErrPositionAlreadyOpen
	}
	if !action.Side.Valid() {
		return nil, fmt.Errorf("%w: side %q", domain.ErrInvalidDecision, action.Side)
	}
	leverage := clampInt(action.Leverage, 1, a.Config.MaxLeverage)
	margin, fee, notional, err := r.size(action.SizePct, leverage)
	if err != nil {
		return nil, err
	}

	pos := &domain.Position{
		Pair:       r.params.Pair,
		Side:       action.Side,
		Volume:     notional / price,
		AvgEntry:   price,
		Leverage:   leverage,
		Margin:     margin,
		Fees:       fee,
		Open:       true,
		OpenedAt:   r.timeNow(),
		OpenedTick: tick,
	}
	pos.LiquidationPrice = domain.LiquidationPriceFor(pos.Side, pos.AvgEntry, pos.Leverage, r.params.MaintenanceMargin)

	a.Position = pos
	a.Balance = math.Max(0, a.Balance-margin-fee)
	a.TotalFees += fee
	a.Trades++
	a.LastAction = action.Label()
	a.LastReason = action.Reason

	return []domain.Event{{
		Type:      domain.EventTradeOpen,
		Title:     fmt.Sprintf("%s opened %s %dx", a.Name(), pos.Side, pos.Leverage),
		Detail:    fmt.Sprintf("%.6f @ %.2f, margin %.2f, liq %.2f", pos.Volume, price, margin, pos.LiquidationPrice),
		AgentName: a.Name(),
		Price:     price,
		Payload:   r.tradePayload(pos, price, margin, fee, 0, false, action.Reason),
	}}, nil
}

func (r *AgentRuntime) addLocked(tick int, price float64, action domain.Action) ([]domain.Event, error) {
	a := &r.agent
	pos := a.Position
	if pos == nil || !pos.Open {
		return nil, domain.ErrPositionNotOpen
	}
	if pos.DCACount >= r.params.MaxDCA {
		return nil, domain.ErrDCALimit
	}
	margin, fee, notional, err := r.size(action.SizePct, pos.Leverage)
	if err != nil {
		return nil, err
	}

	addVolume := notional / price
	pos.AvgEntry = (pos.AvgEntry*pos.Volume + price*addVolume) / (pos.Volume + addVolume)
	pos.Volume += addVolume
	pos.Margin += margin
	pos.Fees += fee
	pos.DCACount++
	pos.DCAHistory = append(pos.DCAHistory, domain.DCAEntry{
		Price:  price,
		Volume: addVolume,
		Margin: margin,
		Fee:    fee,
		Tick:   tick,
		Time:   r.timeNow(),
	})
	pos.LiquidationPrice = domain.LiquidationPriceFor(pos.Side, pos.AvgEntry, pos.Leverage, r.params.MaintenanceMargin)

	a.Balance = math.Max(0, a.Balance-margin-fee)
	a.TotalFees += fee
	a.LastAction = "add"
	a.LastReason = action.Reason

	payload := r.tradePayload(pos, price, margin, fee, 0, false, action.Reason)
	payload.DCACount = pos.DCACount
	return []domain.Event{{
		Type:      domain.EventTradeDCA,
		Title:     fmt.Sprintf("%s added to %s (#%d)", a.Name(), pos.Side, pos.DCACount),
		Detail:    fmt.Sprintf("avg entry now %.2f, liq %.2f", pos.AvgEntry, pos.LiquidationPrice),
		AgentName: a.Name(),
		Price:     price,
		Payload:   payload,
	}}, nil
}

func (r *AgentRuntime) closeLocked(tick int, price float64, reason string) ([]domain.Event, error) {
	a := &r.agent
	pos := a.Position
	if pos == nil || !pos.Open {
		return nil, domain.ErrPositionNotOpen
	}

	pnl := pos.PnLAt(price)
	fee := pos.Notional(price) * r.params.FeeRate
	pos.Fees += fee
	net := pnl - pos.Fees

	a.Balance = math.Max(0, a.Balance+pos.Margin+pnl-fee)
	a.TotalFees += fee
	a.RealizedPnL += net
	if net > 0 {
		a.Wins++
		a.Streak++
	} else {
		a.Losses++
		a.Streak = 0
	}
	a.LastAction = "close"
	a.LastReason = reason

	payload := r.tradePayload(pos, price, pos.Margin, fee, net, false, reason)
	payload.HeldRounds = tick - pos.OpenedTick
	closed := *pos
	closed.Open = false
	a.Position = nil
	r.markLocked(price)

	events := []domain.Event{{
		Type:      domain.EventTradeClose,
		Title:     fmt.Sprintf("%s closed %s %+.2f", a.Name(), closed.Side, net),
		Detail:    fmt.Sprintf("entry %.2f exit %.2f after %d rounds", closed.AvgEntry, price, tick-closed.OpenedTick),
		AgentName: a.Name(),
		Price:     price,
		Payload:   payload,
	}}
	return append(events, r.checkBankruptLocked(tick, price, "bankrupt after closing at a loss")...), nil
}

// liquidateLocked closes at the liquidation price; the margin is forfeited.
func (r *AgentRuntime) liquidateLocked(tick int, price float64) []domain.Event {
	a := &r.agent
	pos := a.Position
	exit := pos.LiquidationPrice
	net := -(pos.Margin + pos.Fees)

	a.RealizedPnL += net
	a.Losses++
	a.Streak = 0
	a.LastAction = "liquidated"
	a.LastReason = fmt.Sprintf("price %.2f crossed liquidation %.2f", price, exit)

	payload := r.tradePayload(pos, exit, pos.Margin, 0, net, true, a.LastReason)
	payload.HeldRounds = tick - pos.OpenedTick
	closed := *pos
	a.Position = nil
	r.markLocked(price)

	events := []domain.Event{{
		Type:      domain.EventTradeClose,
		Title:     fmt.Sprintf("%s LIQUIDATED %s %dx", a.Name(), closed.Side, closed.Leverage),
		Detail:    fmt.Sprintf("entry %.2f liquidated at %.2f, margin %.2f lost", closed.AvgEntry, exit, closed.Margin),
		AgentName: a.Name(),
		Price:     price,
		Payload:   payload,
	}}
	return append(events, r.checkBankruptLocked(tick, price, fmt.Sprintf("liquidated %s %dx at %.2f", closed.Side, closed.Leverage, exit))...)
}

func (r *AgentRuntime) checkBankruptLocked(tick int, price float64, reason string) []domain.Event {
	a := &r.agent
	if a.HasOpenPosition() || a.Equity > a.StartingCapital*BankruptcyFraction {
		return nil
	}
	a.Alive = false
	a.DeathTick = tick
	a.DeathReason = reason
	a.DiedAt = r.timeNow()
	r.refreshHealth(price)

	return []domain.Event{{
		Type:      domain.EventAgentDeath,
		Title:     a.Name() + " has been eliminated",
		Detail:    reason,
		AgentName: a.Name(),
		Price:     price,
		Payload: domain.DeathPayload{
			AgentID:     a.ID,
			Tick:        tick,
			Reason:      reason,
			FinalEquity: a.Equity,
		},
	}}
}

// markLocked: isolated margin, so the unrealized loss is capped at the margin.
func (r *AgentRuntime) markLocked(price float64) {
	a := &r.agent
	equity := a.Balance
	if pos := a.Position; pos != nil && pos.Open {
		pos.UnrealizedPnL = math.Max(pos.PnLAt(price), -pos.Margin)
		pos.LiquidationPrice = domain.LiquidationPriceFor(pos.Side, pos.AvgEntry, pos.Leverage, r.params.MaintenanceMargin)
		equity += pos.Margin + pos.UnrealizedPnL
	}
	a.Equity = equity
	if equity > a.PeakEquity {
		a.PeakEquity = equity
	}
	if a.PeakEquity > 0 {
		dd := (a.PeakEquity - equity) / a.PeakEquity
		if dd > a.MaxDrawdown {
			a.MaxDrawdown = dd
		}
	}
	r.refreshHealth(price)
}

func (r *AgentRuntime) refreshHealth(price float64) {
	r.agent.Health = r.health.Score(&r.agent, price)
	r.agent.HealthZone = domain.ZoneFor(r.agent.Health, r.agent.Alive)
}

func (r *AgentRuntime) tradePayload(pos *domain.Position, fill, margin, fee, realized float64, liquidated bool, reason string) domain.TradePayload {
	return domain.TradePayload{
		AgentID:          r.agent.ID,
		Side:             pos.Side,
		Volume:           pos.Volume,
		FillPrice:        fill,
		Leverage:         pos.Leverage,
		Margin:           margin,
		Fee:              fee,
		AvgEntry:         pos.AvgEntry,
		LiquidationPrice: pos.LiquidationPrice,
		RealizedPnL:      realized,
		Liquidated:       liquidated,
		Reason:           reason,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
