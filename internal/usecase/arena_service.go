package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultMaxConcurrentDecisions = 4
	DefaultCandleInterval         = "1"
)

type ArenaOptions struct {
	MaxConcurrentDecisions int
	DecisionMaxTokens      int
	CommentaryCooldown     time.Duration
	CandleInterval         string
	Pricing                PricingTable
	Ranking                RankingPolicy
	// Roster overrides the generator chosen from SessionConfig.AIRoster.
	Roster           RosterGenerator
	ReplayCapacity   int
	SubscriberBuffer int
}

func (o ArenaOptions) withDefaults() ArenaOptions {
	if o.MaxConcurrentDecisions <= 0 {
		o.MaxConcurrentDecisions = DefaultMaxConcurrentDecisions
	}
	if o.CandleInterval == "" {
		o.CandleInterval = DefaultCandleInterval
	}
	if o.Pricing == nil {
		o.Pricing = DefaultPricing
	}
	if o.Ranking == nil {
		o.Ranking = DefaultRankingPolicy
	}
	return o
}

// CreateResult identifies a freshly configured session.
type CreateResult struct {
	SessionID string            `json:"session_id"`
	AgentIDs  []string          `json:"agent_ids"`
	Roster    domain.RosterMeta `json:"roster"`
}

// ArenaSnapshot is every query answered from one consistent read.
type ArenaSnapshot struct {
	Session  domain.Session    `json:"session"`
	Elapsed  time.Duration     `json:"elapsed"`
	Agents   []domain.Agent    `json:"agents"`
	Rankings []domain.Standing `json:"rankings"`
	Budget   BudgetUsage       `json:"budget"`
	LastSeq  uint64            `json:"last_seq"`
}

// arenaSession is the in-memory state of the current session. Fields below
// session are guarded by ArenaService.mu; the rest belong to the round.
type arenaSession struct {
	session       domain.Session
	agents        []domain.Agent
	standings     []domain.Standing
	activeSince   time.Time
	elapsedBefore time.Duration
	stopRequested bool
	scheduler     *TickScheduler

	runtimes   []*AgentRuntime
	byID       map[string]*AgentRuntime
	budget     *Budget
	decisions  *DecisionEngine
	commentary *CommentaryEngine
	highlights *HighlightDetector

	window          []float64
	lastPrice       float64
	feedStale       bool
	budgetAnnounced bool
	budgetHeld      map[string]bool
	checkpointDue   bool
}

func (c *arenaSession) runtime(id string) *AgentRuntime {
	return c.byID[id]
}

func (c *arenaSession) aliveCount() int {
	n := 0
	for _, rt := range c.runtimes {
		if rt.Alive() {
			n++
		}
	}
	return n
}

// ArenaService owns the single session of this process and its lifecycle.
type ArenaService struct {
	feed   domain.PriceFeed
	store  domain.SessionStore
	llm    domain.LLMClient
	bus    *EventBus
	opts   ArenaOptions
	logger *zap.Logger

	mu       sync.Mutex
	roundMu  sync.Mutex
	cur      *arenaSession
	creating bool
	timeNow  func() time.Time
}

func NewArenaService(feed domain.PriceFeed, store domain.SessionStore, llm domain.LLMClient, opts ArenaOptions, logger *zap.Logger) *ArenaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &ArenaService{
		feed:    feed,
		store:   store,
		llm:     llm,
		bus:     NewEventBus(opts.ReplayCapacity, opts.SubscriberBuffer, logger),
		opts:    opts,
		logger:  logger,
		timeNow: time.Now,
	}
}

// CreateSession validates cfg, builds the roster and agents, and leaves the
// session in configuring. Empty agentConfigs means the roster is generated.
func (s *ArenaService) CreateSession(ctx context.Context, cfg domain.SessionConfig, agentConfigs []domain.AgentConfig) (*CreateResult, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.creating || (s.cur != nil && s.cur.session.Status.Active()) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a session is already active", domain.ErrSessionConflict)
	}
	s.creating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.creating = false
		s.mu.Unlock()
	}()

	now := s.timeNow()
	if cfg.Seed == 0 {
		cfg.Seed = now.UnixNano()
	}

	roster, err := s.buildRoster(ctx, cfg, agentConfigs, now)
	if err != nil {
		return nil, err
	}

	cur := s.newArenaSession(cfg)
	cur.session = domain.Session{
		ID:        uuid.NewString(),
		Status:    domain.StatusConfiguring,
		Config:    cfg,
		CreatedAt: now,
		Roster:    roster.Meta,
	}
	params := runtimeParams(cfg)
	agentIDs := make([]string, len(roster.Configs))
	for i, ac := range roster.Configs {
		rt := NewAgentRuntime(uuid.NewString(), i, ac, cfg.StartingCapital, params)
		cur.addRuntime(rt)
		agentIDs[i] = rt.ID()
	}

	s.seedWindow(ctx, cur)
	cur.agents = s.opts.Ranking.Rank(cur.snapshots())
	cur.standings = Standings(cur.agents)

	s.mu.Lock()
	s.cur = cur
	s.mu.Unlock()

	s.bus.Reset()
	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionCreated,
		Title:   fmt.Sprintf("Arena ready: %d agents on %s", len(agentIDs), cfg.Pair),
		Detail:  roster.Meta.Theme,
		Price:   cur.lastPrice,
		Payload: domain.LifecyclePayload{SessionID: cur.session.ID, Status: domain.StatusConfiguring},
	})
	if err := s.checkpoint(ctx, cur); err != nil {
		cur.checkpointDue = true
	}

	s.logger.Info("Arena session created",
		zap.String("session_id", cur.session.ID),
		zap.String("pair", cfg.Pair),
		zap.Int("agents", len(agentIDs)),
		zap.String("roster", string(roster.Meta.Source)),
		zap.String("fallback_reason", roster.Meta.FallbackReason))

	return &CreateResult{SessionID: cur.session.ID, AgentIDs: agentIDs, Roster: roster.Meta}, nil
}

func (s *ArenaService) buildRoster(ctx context.Context, cfg domain.SessionConfig, agentConfigs []domain.AgentConfig, now time.Time) (*Roster, error) {
	if len(agentConfigs) > 0 {
		return customRoster(agentConfigs, cfg.AgentCount, now)
	}
	gen := s.opts.Roster
	if gen == nil {
		gen = NewClassicRoster()
		if cfg.AIRoster {
			gen = WithFallback(NewAIRoster(s.llm, s.opts.Pricing, s.logger), gen, s.logger)
		}
	}
	roster, err := gen.Generate(ctx, RosterRequest{
		Count:        cfg.AgentCount,
		ArchetypeIDs: cfg.ArchetypeIDs,
		Model:        cfg.Model,
		Pair:         cfg.Pair,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	return roster, nil
}

func runtimeParams(cfg domain.SessionConfig) RuntimeParams {
	return RuntimeParams{
		Pair:              cfg.Pair,
		FeeRate:           cfg.FeeRate,
		MaintenanceMargin: cfg.MaintenanceMargin,
		MaxDCA:            DefaultMaxDCA,
	}
}

func (s *ArenaService) newArenaSession(cfg domain.SessionConfig) *arenaSession {
	budget := NewBudget(cfg.SessionBudgetUSD)
	return &arenaSession{
		byID:   make(map[string]*AgentRuntime),
		budget: budget,
		decisions: NewDecisionEngine(DecisionOptions{
			LLM:       s.llm,
			Budget:    budget,
			Pricing:   s.opts.Pricing,
			Model:     cfg.Model,
			MaxTokens: s.opts.DecisionMaxTokens,
			Logger:    s.logger,
		}),
		commentary: NewCommentaryEngine(CommentaryOptions{
			LLM:      s.llm,
			Budget:   budget,
			Pricing:  s.opts.Pricing,
			Model:    cfg.Model,
			Cooldown: s.opts.CommentaryCooldown,
			Seed:     cfg.Seed,
			Logger:   s.logger,
		}),
		highlights: NewHighlightDetector(),
		budgetHeld: make(map[string]bool),
	}
}

func (c *arenaSession) addRuntime(rt *AgentRuntime) {
	c.runtimes = append(c.runtimes, rt)
	c.byID[rt.ID()] = rt
}

func (c *arenaSession) snapshots() []domain.Agent {
	out := make([]domain.Agent, len(c.runtimes))
	for i, rt := range c.runtimes {
		out[i] = rt.Snapshot()
	}
	return out
}

// seedWindow fills the price window from recent candles; failure is tolerated.
func (s *ArenaService) seedWindow(ctx context.Context, cur *arenaSession) {
	pair := cur.session.Config.Pair
	candles, err := s.feed.GetRecentCandles(ctx, pair, s.opts.CandleInterval, domain.PriceWindowSize)
	if err != nil {
		s.logger.Warn("Failed to seed price window", zap.String("pair", pair), zap.Error(err))
		return
	}
	for _, c := range candles {
		if c.Close > 0 {
			cur.window = append(cur.window, c.Close)
		}
	}
	if n := len(cur.window); n > 0 {
		if n > domain.PriceWindowSize {
			cur.window = cur.window[n-domain.PriceWindowSize:]
		}
		cur.lastPrice = cur.window[len(cur.window)-1]
	}
	cur.session.PriceWindow = append([]float64(nil), cur.window...)
	cur.session.CurrentPrice = cur.lastPrice
}

// Start arms the scheduler for a configured session.
func (s *ArenaService) Start(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cur
	if cur == nil {
		s.mu.Unlock()
		return domain.ErrNoSession
	}
	if st := cur.session.Status; st != domain.StatusConfiguring && st != domain.StatusIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start a %s session", domain.ErrSessionConflict, st)
	}
	now := s.timeNow()
	cur.session.Status = domain.StatusRunning
	cur.session.StartedAt = now
	cur.activeSince = now
	cur.scheduler = NewTickScheduler(cur.session.Config.DecisionInterval(), s.runRound, s.logger.With(zap.String("session_id", cur.session.ID)))
	cur.scheduler.Start(context.Background())
	id := cur.session.ID
	s.mu.Unlock()

	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionStarted,
		Title:   "The arena is live",
		Price:   cur.lastPrice,
		Payload: domain.LifecyclePayload{SessionID: id, Status: domain.StatusRunning},
	})
	s.logger.Info("Arena session started", zap.String("session_id", id))
	return nil
}

// Pause reports changed=false when the session is already paused.
func (s *ArenaService) Pause() (bool, error) {
	s.mu.Lock()
	cur := s.cur
	if cur == nil {
		s.mu.Unlock()
		return false, domain.ErrNoSession
	}
	switch cur.session.Status {
	case domain.StatusPaused:
		s.mu.Unlock()
		return false, nil
	case domain.StatusRunning:
	default:
		st := cur.session.Status
		s.mu.Unlock()
		return false, fmt.Errorf("%w: cannot pause a %s session", domain.ErrSessionConflict, st)
	}
	now := s.timeNow()
	cur.elapsedBefore += now.Sub(cur.activeSince)
	cur.session.Elapsed = cur.elapsedBefore
	cur.session.Status = domain.StatusPaused
	id := cur.session.ID
	s.mu.Unlock()

	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionPaused,
		Title:   "Arena paused",
		Payload: domain.LifecyclePayload{SessionID: id, Status: domain.StatusPaused},
	})
	s.logger.Info("Arena session paused", zap.String("session_id", id))
	return true, nil
}

// Resume reports changed=false when the session is already running.
func (s *ArenaService) Resume() (bool, error) {
	s.mu.Lock()
	cur := s.cur
	if cur == nil {
		s.mu.Unlock()
		return false, domain.ErrNoSession
	}
	switch cur.session.Status {
	case domain.StatusRunning:
		s.mu.Unlock()
		return false, nil
	case domain.StatusPaused:
	default:
		st := cur.session.Status
		s.mu.Unlock()
		return false, fmt.Errorf("%w: cannot resume a %s session", domain.ErrSessionConflict, st)
	}
	cur.activeSince = s.timeNow()
	cur.session.Status = domain.StatusRunning
	if cur.scheduler == nil {
		// restored sessions have no scheduler until first resume
		cur.scheduler = NewTickScheduler(cur.session.Config.DecisionInterval(), s.runRound, s.logger.With(zap.String("session_id", cur.session.ID)))
		cur.scheduler.Start(context.Background())
	}
	id := cur.session.ID
	s.mu.Unlock()

	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionResumed,
		Title:   "Arena resumed",
		Payload: domain.LifecyclePayload{SessionID: id, Status: domain.StatusRunning},
	})
	s.logger.Info("Arena session resumed", zap.String("session_id", id))
	return true, nil
}

// Stop ends a running or paused session. An in-flight round is allowed to
// finish before the session completes.
func (s *ArenaService) Stop(ctx context.Context) (*domain.Summary, error) {
	s.mu.Lock()
	cur := s.cur
	if cur == nil {
		s.mu.Unlock()
		return nil, domain.ErrNoSession
	}
	if st := cur.session.Status; st != domain.StatusRunning && st != domain.StatusPaused {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot stop a %s session", domain.ErrSessionConflict, st)
	}
	cur.stopRequested = true
	sched := cur.scheduler
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	return s.finish(ctx, cur, domain.EndReasonStopped), nil
}

// finish completes the session once; later calls return the same summary.
func (s *ArenaService) finish(ctx context.Context, cur *arenaSession, reason domain.EndReason) *domain.Summary {
	s.mu.Lock()
	if cur.session.Status == domain.StatusCompleted {
		sum := cur.session.Summary
		s.mu.Unlock()
		return sum
	}
	elapsed := s.elapsedLocked(cur)
	now := s.timeNow()

	ranked := s.opts.Ranking.Rank(cur.snapshots())
	summary := s.summarize(cur, ranked, reason, elapsed)

	cur.session.Status = domain.StatusCompleted
	cur.session.EndedAt = now
	cur.session.Elapsed = elapsed
	cur.session.Summary = summary
	cur.agents = ranked
	cur.standings = summary.Standings
	id := cur.session.ID
	s.mu.Unlock()

	s.bus.Publish(domain.Event{
		Type:      domain.EventSessionEnded,
		Title:     "Arena over: " + summary.Winner + " wins",
		Detail:    fmt.Sprintf("%s after %d rounds", reason, summary.Ticks),
		AgentName: summary.Winner,
		Price:     summary.FinalPrice,
		Payload:   domain.LifecyclePayload{SessionID: id, Status: domain.StatusCompleted, Summary: summary},
	})
	if err := s.checkpoint(ctx, cur); err != nil {
		s.logger.Error("Final checkpoint failed", zap.String("session_id", id), zap.Error(err))
	}
	s.logger.Info("Arena session completed",
		zap.String("session_id", id),
		zap.String("reason", string(reason)),
		zap.String("winner", summary.Winner),
		zap.Int("ticks", summary.Ticks),
		zap.Float64("total_cost_usd", summary.TotalCostUSD))
	return summary
}

func (s *ArenaService) summarize(cur *arenaSession, ranked []domain.Agent, reason domain.EndReason, elapsed time.Duration) *domain.Summary {
	sum := &domain.Summary{
		Reason:            reason,
		Standings:         Standings(ranked),
		Ticks:             cur.session.Tick,
		Elapsed:           elapsed,
		GenerationCostUSD: cur.session.Roster.Cost.CostUSD,
		FinalPrice:        cur.session.CurrentPrice,
		BudgetExhausted:   cur.budget.Exhausted(),
	}
	if len(ranked) > 0 {
		sum.Winner = ranked[0].Name()
		sum.WinnerID = ranked[0].ID
	}
	for i := range ranked {
		sum.DecisionCostUSD += ranked[i].CostUSD
		sum.TotalLLMCalls += ranked[i].LLMCalls
		sum.TotalFailedDecisions += ranked[i].FailedDecisions
	}
	usage := cur.commentary.Usage()
	sum.CommentaryCostUSD = usage.CostUSD
	sum.TotalLLMCalls += usage.Calls
	sum.TotalCostUSD = sum.DecisionCostUSD + sum.CommentaryCostUSD + sum.GenerationCostUSD
	return sum
}

// checkpoint persists the session; failures are logged, never returned to
// the round as fatal.
func (s *ArenaService) checkpoint(ctx context.Context, cur *arenaSession) error {
	if s.store == nil {
		return nil
	}
	budget, commentary := cur.budget.Usage(), cur.commentary.Usage()
	s.mu.Lock()
	cur.session.Spend = domain.SessionSpend{
		DecisionUSD:         budget.DecisionUSD,
		CommentaryUSD:       budget.CommentaryUSD,
		CommentaryCalls:     commentary.Calls,
		CommentaryTokensIn:  commentary.TokensIn,
		CommentaryTokensOut: commentary.TokensOut,
	}
	sess := cur.session
	sess.Elapsed = s.elapsedLocked(cur)
	sess.PriceWindow = append([]float64(nil), cur.session.PriceWindow...)
	s.mu.Unlock()

	if err := s.store.SaveSessionSnapshot(ctx, &sess, cur.snapshots()); err != nil {
		s.logger.Warn("Checkpoint failed, retrying next round",
			zap.String("session_id", sess.ID),
			zap.Int("tick", sess.Tick),
			zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Restore rebuilds a stored session after a restart. Running sessions come
// back paused, and open positions are re-marked against the current price.
func (s *ArenaService) Restore(ctx context.Context, sessionID string) (*ArenaSnapshot, error) {
	if s.store == nil {
		return nil, domain.ErrSessionNotFound
	}
	s.mu.Lock()
	if s.creating || (s.cur != nil && s.cur.session.Status.Active()) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a session is already active", domain.ErrSessionConflict)
	}
	s.mu.Unlock()

	snap, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	sess := snap.Session
	cur := s.newArenaSession(sess.Config)
	params := runtimeParams(sess.Config)
	var agentCost float64
	for _, a := range snap.Agents {
		cur.addRuntime(restoreAgentRuntime(a, params))
		agentCost += a.CostUSD
	}
	// snapshots written before spend was recorded only carry agent costs
	decisionSpend := sess.Spend.DecisionUSD
	if decisionSpend == 0 {
		decisionSpend = agentCost
	}
	cur.budget.Preload(SpendDecision, decisionSpend)
	cur.budget.Preload(SpendCommentary, sess.Spend.CommentaryUSD)
	cur.commentary.PreloadUsage(CommentaryUsage{
		Calls:     sess.Spend.CommentaryCalls,
		TokensIn:  sess.Spend.CommentaryTokensIn,
		TokensOut: sess.Spend.CommentaryTokensOut,
		CostUSD:   sess.Spend.CommentaryUSD,
	})
	if sess.Status == domain.StatusRunning {
		sess.Status = domain.StatusPaused
	}
	cur.session = sess
	cur.elapsedBefore = sess.Elapsed
	cur.window = append([]float64(nil), sess.PriceWindow...)
	cur.lastPrice = sess.CurrentPrice

	if price, err := s.feed.GetCurrentPrice(ctx, sess.Config.Pair); err == nil && price > 0 {
		cur.lastPrice = price
		cur.session.CurrentPrice = price
		cur.session.PriceStale = false
		for _, rt := range cur.runtimes {
			rt.MarkToMarket(price)
		}
	} else {
		cur.session.PriceStale = true
		s.logger.Warn("Restored session without a fresh price", zap.String("session_id", sess.ID), zap.Error(err))
	}
	cur.agents = s.opts.Ranking.Rank(cur.snapshots())
	cur.standings = Standings(cur.agents)

	s.mu.Lock()
	if s.creating || (s.cur != nil && s.cur.session.Status.Active()) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a session is already active", domain.ErrSessionConflict)
	}
	s.cur = cur
	s.mu.Unlock()

	s.bus.Reset()
	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionCreated,
		Title:   "Arena restored",
		Detail:  fmt.Sprintf("round %d, %s", sess.Tick, cur.session.Status),
		Price:   cur.lastPrice,
		Payload: domain.LifecyclePayload{SessionID: sess.ID, Status: cur.session.Status, Summary: sess.Summary},
	})
	s.logger.Info("Arena session restored",
		zap.String("session_id", sess.ID),
		zap.String("status", string(cur.session.Status)),
		zap.Int("tick", sess.Tick))

	out := s.Snapshot()
	return &out, nil
}

// ListSessions returns stored sessions, newest first.
func (s *ArenaService) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSessions(ctx, limit)
}

func (s *ArenaService) elapsedLocked(cur *arenaSession) time.Duration {
	if cur.session.Status == domain.StatusRunning {
		return cur.elapsedBefore + s.timeNow().Sub(cur.activeSince)
	}
	if cur.session.Status == domain.StatusCompleted {
		return cur.session.Elapsed
	}
	return cur.elapsedBefore
}

func (s *ArenaService) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return domain.StatusIdle
	}
	return s.cur.session.Status
}

func (s *ArenaService) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.elapsedLocked(s.cur)
}

func (s *ArenaService) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.session.Tick
}

// CurrentPrice returns the last round's price and whether it was stale.
func (s *ArenaService) CurrentPrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0, false
	}
	return s.cur.session.CurrentPrice, s.cur.session.PriceStale
}

// Agents returns the snapshots of the last completed round, in rank order.
func (s *ArenaService) Agents() []domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return cloneAgents(s.cur.agents)
}

func (s *ArenaService) Rankings() []domain.Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return append([]domain.Standing(nil), s.cur.standings...)
}

func (s *ArenaService) Config() (domain.SessionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return domain.SessionConfig{}, domain.ErrNoSession
	}
	return s.cur.session.Config, nil
}

func (s *ArenaService) Events() []domain.Event {
	return s.bus.Events()
}

func (s *ArenaService) RosterMeta() (domain.RosterMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return domain.RosterMeta{}, domain.ErrNoSession
	}
	return s.cur.session.Roster, nil
}

// AgentConfigs maps agent id to its configuration.
func (s *ArenaService) AgentConfigs() map[string]domain.AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.AgentConfig)
	if s.cur == nil {
		return out
	}
	for _, rt := range s.cur.runtimes {
		out[rt.ID()] = rt.Config()
	}
	return out
}

func (s *ArenaService) Budget() BudgetUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return BudgetUsage{}
	}
	return s.cur.budget.Usage()
}

func (s *ArenaService) Snapshot() ArenaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ArenaService) snapshotLocked() ArenaSnapshot {
	if s.cur == nil {
		return ArenaSnapshot{Session: domain.Session{Status: domain.StatusIdle}, LastSeq: s.bus.LastSeq()}
	}
	sess := s.cur.session
	sess.PriceWindow = append([]float64(nil), sess.PriceWindow...)
	return ArenaSnapshot{
		Session:  sess,
		Elapsed:  s.elapsedLocked(s.cur),
		Agents:   cloneAgents(s.cur.agents),
		Rankings: append([]domain.Standing(nil), s.cur.standings...),
		Budget:   s.cur.budget.Usage(),
		LastSeq:  s.bus.LastSeq(),
	}
}

// Subscribe registers a callback observer.
func (s *ArenaService) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	return s.bus.SubscribeFunc(fn)
}

// Connection is what a reconnecting observer receives, in delivery order:
// the snapshot (status, agents, rankings), replayed events, then Live.
type Connection struct {
	Snapshot ArenaSnapshot
	Replay   []domain.Event
	Live     *Subscription
}

// Connect serves a (re)connecting observer. Events with Seq <= lastSeq are
// not replayed; pass 0 for a fresh connection.
func (s *ArenaService) Connect(lastSeq uint64) *Connection {
	snap := s.Snapshot()
	replay, sub := s.bus.SubscribeWithReplay(lastSeq)
	return &Connection{Snapshot: snap, Replay: replay, Live: sub}
}

// Candles passes through to the feed for chart seeding.
func (s *ArenaService) Candles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	if pair == "" {
		cfg, err := s.Config()
		if err != nil {
			return nil, err
		}
		pair = cfg.Pair
	}
	if interval == "" {
		interval = s.opts.CandleInterval
	}
	candles, err := s.feed.GetRecentCandles(ctx, pair, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFeedStale, err)
	}
	return candles, nil
}

// Shutdown stops the scheduler without completing the session, so the last
// checkpoint can be restored later.
func (s *ArenaService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	cur := s.cur
	var sched *TickScheduler
	if cur != nil {
		sched = cur.scheduler
	}
	s.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Halt()
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	if err := s.checkpoint(ctx, cur); err != nil {
		s.logger.Error("Shutdown checkpoint failed", zap.Error(err))
	}
}
