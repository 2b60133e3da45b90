package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickScheduler calls round at a fixed interval until round returns false,
// Stop is called, or the parent context ends.
type TickScheduler struct {
	interval time.Duration
	round    func(ctx context.Context) bool
	logger   *zap.Logger
	cancel   context.CancelFunc
	stopChan chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewTickScheduler(interval time.Duration, round func(ctx context.Context) bool, logger *zap.Logger) *TickScheduler {
	return &TickScheduler{
		interval: interval,
		round:    round,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *TickScheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go t.run(ctx)
}

func (t *TickScheduler) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("Tick scheduler started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ticker.C:
			if !t.round(ctx) {
				t.logger.Info("Tick scheduler finished")
				return
			}
		case <-t.stopChan:
			t.logger.Info("Tick scheduler stopped")
			return
		case <-ctx.Done():
			t.logger.Info("Tick scheduler cancelled")
			return
		}
	}
}

// Stop lets an in-flight round finish and waits for the loop to exit.
func (t *TickScheduler) Stop() {
	t.once.Do(func() { close(t.stopChan) })
	if t.cancel != nil {
		<-t.done
	}
}

// Halt cancels an in-flight round's context, then stops.
func (t *TickScheduler) Halt() {
	if t.cancel != nil {
		t.cancel()
	}
	t.Stop()
}

func (t *TickScheduler) Done() <-chan struct{} {
	return t.done
}

const roundCancelledReason = "round cancelled"

// agentTurn is one agent's output for a round.
type agentTurn struct {
	events       []domain.Event
	budgetDenied bool
}

// runRound executes one decision round. It returns false once the session
// has ended and the scheduler should stop.
func (s *ArenaService) runRound(ctx context.Context) bool {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	s.mu.Lock()
	cur := s.cur
	if cur == nil || cur.stopRequested || cur.session.Status == domain.StatusCompleted {
		s.mu.Unlock()
		return false
	}
	if cur.session.Status != domain.StatusRunning {
		s.mu.Unlock()
		return true
	}
	elapsed := s.elapsedLocked(cur)
	cfg := cur.session.Config
	tick := cur.session.Tick + 1
	standings := cur.standings
	s.mu.Unlock()

	if elapsed >= cfg.MaxDuration() {
		s.finish(ctx, cur, domain.EndReasonDeadline)
		return false
	}
	if cur.aliveCount() == 0 {
		s.finish(ctx, cur, domain.EndReasonAllDead)
		return false
	}

	price, stale, feedEvents := s.priceSnapshot(ctx, cur, cfg.Pair)
	if price <= 0 {
		s.publishAll(feedEvents)
		return true
	}
	cur.window = append(cur.window, price)
	if len(cur.window) > domain.PriceWindowSize {
		cur.window = cur.window[len(cur.window)-domain.PriceWindowSize:]
	}
	window := append([]float64(nil), cur.window...)

	turns := make([]agentTurn, len(cur.runtimes))
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrentDecisions)
	for i, rt := range cur.runtimes {
		if !rt.Alive() {
			continue
		}
		g.Go(func() error {
			turns[i] = s.playAgent(ctx, cur, rt, MarketView{
				Tick:      tick,
				Price:     price,
				Stale:     stale,
				Window:    window,
				Elapsed:   elapsed,
				Remaining: cfg.MaxDuration() - elapsed,
				Standings: standings,
			})
			return nil
		})
	}
	_ = g.Wait()

	var agentEvents, budgetEvents []domain.Event
	for i, turn := range turns {
		agentEvents = append(agentEvents, turn.events...)
		if turn.budgetDenied && !cur.budgetHeld[cur.runtimes[i].ID()] {
			cur.budgetHeld[cur.runtimes[i].ID()] = true
			a := cur.runtimes[i].Snapshot()
			budgetEvents = append(budgetEvents, domain.Event{
				Type:      domain.EventAgentBudgetHold,
				Title:     a.Name() + " is out of budget and holding",
				AgentName: a.Name(),
				Price:     price,
				Payload:   domain.ActivityPayload{AgentID: a.ID, Action: "hold", Reason: budgetHoldReason},
			})
		}
	}
	if cur.budget.Exhausted() && !cur.budgetAnnounced {
		cur.budgetAnnounced = true
		usage := cur.budget.Usage()
		budgetEvents = append([]domain.Event{{
			Type:    domain.EventBudgetExhausted,
			Title:   "Session API budget exhausted",
			Detail:  fmt.Sprintf("spent $%.4f of $%.4f, LLM agents now hold", usage.SpentUSD, usage.LimitUSD),
			Price:   price,
			Payload: domain.BudgetPayload{SpentUSD: usage.SpentUSD, LimitUSD: usage.LimitUSD},
		}}, budgetEvents...)
		s.logger.Warn("Session budget exhausted",
			zap.String("session_id", cur.session.ID),
			zap.Float64("spent_usd", usage.SpentUSD))
	}

	ranked, highlights := s.rankAndDetect(cur, price, agentEvents)
	rankings := Standings(ranked)
	published := append(append(append(feedEvents, agentEvents...), highlights...), budgetEvents...)
	s.narrate(ctx, cur, published, ranked, rankings)

	s.mu.Lock()
	cur.session.Tick = tick
	cur.session.CurrentPrice = price
	cur.session.PriceStale = stale
	cur.session.PriceWindow = window
	cur.session.Elapsed = s.elapsedLocked(cur)
	cur.agents = ranked
	cur.standings = rankings
	elapsed = cur.session.Elapsed
	s.mu.Unlock()

	s.publishAll(published)
	s.bus.Publish(domain.Event{
		Type:  domain.EventTick,
		Title: fmt.Sprintf("Round %d", tick),
		Price: price,
		Payload: domain.TickPayload{
			Tick:     tick,
			Price:    price,
			Stale:    stale,
			Elapsed:  elapsed,
			Agents:   cloneAgents(ranked),
			Rankings: rankings,
		},
	})

	if tick%cfg.CheckpointEvery == 0 || cur.checkpointDue {
		cur.checkpointDue = s.checkpoint(ctx, cur) != nil
	}

	if cur.aliveCount() == 0 {
		s.finish(ctx, cur, domain.EndReasonAllDead)
		return false
	}
	return true
}

// priceSnapshot fetches the round's single price, falling back to the last
// known one. A zero price means the round must be skipped.
func (s *ArenaService) priceSnapshot(ctx context.Context, cur *arenaSession, pair string) (float64, bool, []domain.Event) {
	price, err := s.feed.GetCurrentPrice(ctx, pair)
	if err == nil && price > 0 {
		cur.lastPrice = price
		cur.feedStale = false
		return price, false, nil
	}
	if err == nil {
		err = domain.ErrNoPriceAvailable
	}

	var events []domain.Event
	if !cur.feedStale {
		cur.feedStale = true
		s.logger.Warn("Price feed stale, reusing last price",
			zap.String("pair", pair),
			zap.Float64("last_price", cur.lastPrice),
			zap.Error(err))
		events = append(events, domain.Event{
			Type:    domain.EventFeedStale,
			Title:   "Price feed stale",
			Detail:  err.Error(),
			Price:   cur.lastPrice,
			Payload: domain.FeedPayload{LastPrice: cur.lastPrice, Error: err.Error()},
		})
	}
	return cur.lastPrice, true, events
}

// playAgent settles, decides and applies for one agent. Nothing it does can
// fail the round.
func (s *ArenaService) playAgent(ctx context.Context, cur *arenaSession, rt *AgentRuntime, v MarketView) agentTurn {
	var turn agentTurn
	turn.events = rt.Settle(v.Tick, v.Price)
	if !rt.Alive() {
		return turn
	}
	v.Agent = rt.Snapshot()

	dec, err := decideSafe(ctx, cur.decisions, v)
	if dec.UsedLLM {
		rt.RecordUsage(dec.TokensIn, dec.TokensOut, dec.CostUSD)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Shutdown cut the call short; the agent did not fail.
		rt.HoldQuietly(roundCancelledReason)
		rt.MarkToMarket(v.Price)
		return turn
	}
	if err != nil {
		rt.RecordFailure(err.Error())
		s.logger.Warn("Agent decision failed",
			zap.String("agent", v.Agent.Name()),
			zap.Int("tick", v.Tick),
			zap.Error(err))
		turn.events = append(turn.events, domain.Event{
			Type:      domain.EventAgentDecisionFailed,
			Title:     v.Agent.Name() + " fumbled the decision",
			Detail:    err.Error(),
			AgentName: v.Agent.Name(),
			Price:     v.Price,
			Payload:   domain.ActivityPayload{AgentID: v.Agent.ID, Action: "hold", Error: err.Error()},
		})
		rt.MarkToMarket(v.Price)
		return turn
	}
	if dec.BudgetDenied {
		turn.budgetDenied = true
		rt.HoldQuietly(budgetHoldReason)
		rt.MarkToMarket(v.Price)
		return turn
	}

	events, err := rt.Apply(v.Tick, v.Price, dec.Action)
	if err != nil {
		s.logger.Debug("Agent action ignored",
			zap.String("agent", v.Agent.Name()),
			zap.String("action", dec.Action.Label()),
			zap.Error(err))
		rt.MarkToMarket(v.Price)
		return turn
	}
	turn.events = append(turn.events, events...)
	return turn
}

func decideSafe(ctx context.Context, e *DecisionEngine, v MarketView) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrAgentDecision, r)
		}
	}()
	return e.Decide(ctx, v)
}

// rankAndDetect ranks the round's snapshots and runs highlight detection,
// awarding badges through the runtimes.
func (s *ArenaService) rankAndDetect(cur *arenaSession, price float64, agentEvents []domain.Event) ([]domain.Agent, []domain.Event) {
	agents := make([]domain.Agent, len(cur.runtimes))
	for i, rt := range cur.runtimes {
		agents[i] = rt.Snapshot()
	}
	ranked := s.opts.Ranking.Rank(agents)
	index := make(map[string]int, len(ranked))
	for i := range ranked {
		index[ranked[i].ID] = i
		cur.runtime(ranked[i].ID).SetRank(ranked[i].Rank)
	}

	var trades []domain.Event
	for _, ev := range agentEvents {
		if ev.Type == domain.EventTradeClose {
			trades = append(trades, ev)
		}
	}
	highlights := cur.highlights.Detect(price, ranked, trades, func(agentID string, b domain.Badge) bool {
		rt := cur.runtime(agentID)
		if rt == nil || !rt.AwardBadge(b) {
			return false
		}
		i := index[agentID]
		ranked[i].Badges = append(ranked[i].Badges, b)
		return true
	})
	return ranked, highlights
}

func (s *ArenaService) narrate(ctx context.Context, cur *arenaSession, events []domain.Event, ranked []domain.Agent, rankings []domain.Standing) {
	byName := make(map[string]*domain.Agent, len(ranked))
	for i := range ranked {
		byName[ranked[i].Name()] = &ranked[i]
	}
	for i := range events {
		events[i].Commentary = cur.commentary.Narrate(ctx, events[i], byName[events[i].AgentName], rankings)
	}
}

func (s *ArenaService) publishAll(events []domain.Event) {
	for _, ev := range events {
		s.bus.Publish(ev)
	}
}

func cloneAgents(agents []domain.Agent) []domain.Agent {
	out := make([]domain.Agent, len(agents))
	for i := range agents {
		out[i] = agents[i].Clone()
	}
	return out
}
