package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultRosterMaxTokens = 2500
	aiArchetypeID          = "ai"
)

var avatarShapes = []string{"triangle", "circle", "diamond", "square", "star", "hexagon", "shield", "pentagon"}

// RosterRequest describes the roster a session needs.
type RosterRequest struct {
	Count        int
	ArchetypeIDs []string
	Model        string
	Pair         string
	Seed         int64
}

// Roster is a generated set of agent configurations plus how it was made.
type Roster struct {
	Configs []domain.AgentConfig
	Meta    domain.RosterMeta
}

// RosterGenerator builds agent configurations before a session starts.
type RosterGenerator interface {
	Generate(ctx context.Context, req RosterRequest) (*Roster, error)
}

// ClassicRoster picks from the archetype catalogue. It is free and
// deterministic for a given seed.
type ClassicRoster struct {
	timeNow func() time.Time
}

func NewClassicRoster() *ClassicRoster {
	return &ClassicRoster{timeNow: time.Now}
}

func (g *ClassicRoster) Generate(_ context.Context, req RosterRequest) (*Roster, error) {
	picked := make([]Archetype, 0, req.Count)
	used := make(map[string]bool, len(Catalogue))
	for _, id := range req.ArchetypeIDs {
		a, ok := ArchetypeByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown archetype %q", domain.ErrInvalidConfig, id)
		}
		if len(picked) < req.Count {
			picked = append(picked, a)
			used[a.ID] = true
		}
	}

	// Random fill repeats an archetype only once the whole catalogue is in.
	rng := rand.New(rand.NewSource(req.Seed))
	for len(picked) < req.Count {
		if len(used) == len(Catalogue) {
			clear(used)
		}
		for _, i := range rng.Perm(len(Catalogue)) {
			if len(picked) == req.Count {
				break
			}
			if used[Catalogue[i].ID] {
				continue
			}
			used[Catalogue[i].ID] = true
			picked = append(picked, Catalogue[i])
		}
	}

	seen := make(map[string]int, len(picked))
	configs := make([]domain.AgentConfig, len(picked))
	for i, a := range picked {
		cfg := a.Config(i)
		seen[cfg.Name]++
		if n := seen[cfg.Name]; n > 1 {
			cfg.Name = fmt.Sprintf("%s %d", cfg.Name, n)
		}
		configs[i] = cfg
	}
	return &Roster{
		Configs: configs,
		Meta: domain.RosterMeta{
			Source:      domain.RosterSourceClassic,
			Theme:       "Classic archetypes",
			GeneratedAt: g.timeNow(),
		},
	}, nil
}

// AIRoster asks the LLM for a themed roster in one structured call.
type AIRoster struct {
	llm       domain.LLMClient
	pricing   PricingTable
	maxTokens int
	logger    *zap.Logger
	timeNow   func() time.Time
}

func NewAIRoster(llm domain.LLMClient, pricing PricingTable, logger *zap.Logger) *AIRoster {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &AIRoster{
		llm:       llm,
		pricing:   pricing,
		maxTokens: DefaultRosterMaxTokens,
		logger:    logger,
		timeNow:   time.Now,
	}
}

type aiRosterReply struct {
	Theme  string          `json:"theme"`
	Agents []aiAgentRecord `json:"agents"`
}

type aiAgentRecord struct {
	Name        string              `json:"name"`
	Avatar      string              `json:"avatar"`
	Personality string              `json:"personality"`
	Philosophy  string              `json:"philosophy"`
	Indicators  []string            `json:"indicators"`
	Regime      string              `json:"regime"`
	Risk        string              `json:"risk"`
	MaxLeverage int                 `json:"max_leverage"`
	Templates   map[string][]string `json:"templates"`
}

var rosterSchema = map[string]any{
	"type":     "object",
	"required": []string{"theme", "agents"},
	"properties": map[string]any{
		"theme": map[string]any{"type": "string"},
		"agents": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"name", "personality", "philosophy", "risk", "max_leverage"},
				"properties": map[string]any{
					"name":         map[string]any{"type": "string"},
					"avatar":       map[string]any{"type": "string", "enum": avatarShapes},
					"personality":  map[string]any{"type": "string"},
					"philosophy":   map[string]any{"type": "string"},
					"indicators":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"regime":       map[string]any{"type": "string"},
					"risk":         map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					"max_leverage": map[string]any{"type": "integer", "minimum": 1, "maximum": MaxLeverageCap},
					"templates": map[string]any{
						"type":                 "object",
						"additionalProperties": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
		},
	},
}

const rosterSystemPrompt = `You are the master of ceremonies of a crypto trading arena.
You invent a cast of rival trader personas with distinct strategies and voices.
Reply with JSON only.`

func (g *AIRoster) Generate(ctx context.Context, req RosterRequest) (*Roster, error) {
	if g.llm == nil {
		return nil, domain.ErrLLMUnavailable
	}
	prompt := fmt.Sprintf(`Create a themed roster of exactly %d trader agents competing on %s.
For each agent give: name, avatar (one of %s), personality, philosophy,
indicators they watch, preferred market regime, risk (low|medium|high),
max_leverage (1-%d), and templates: a map from event type (trade_open,
trade_close, trade_dca, agent_death, lead_change, milestone) to 2-3 short
commentary lines in the agent's voice. Lines may use {name}, {price}, {pnl},
{side}, {leverage}, {rival}, {rank}, {equity}.`,
		req.Count, req.Pair, strings.Join(avatarShapes, ", "), MaxLeverageCap)

	comp, err := g.llm.Complete(ctx, domain.CompletionRequest{
		Model:     req.Model,
		System:    rosterSystemPrompt,
		Prompt:    prompt,
		Schema:    rosterSchema,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRosterGeneration, err)
	}
	cost := domain.GenerationCost{
		TokensIn:  comp.TokensIn,
		TokensOut: comp.TokensOut,
		CostUSD:   g.pricing.Cost(req.Model, comp.TokensIn, comp.TokensOut),
	}

	var reply aiRosterReply
	if err := json.Unmarshal([]byte(extractJSON(comp.Text)), &reply); err != nil {
		return nil, &rosterError{err: fmt.Errorf("%w: parse roster: %v", domain.ErrRosterGeneration, err), cost: cost}
	}
	configs, err := validateAIRoster(reply, req.Count)
	if err != nil {
		return nil, &rosterError{err: err, cost: cost}
	}
	if g.logger != nil {
		g.logger.Info("AI roster generated",
			zap.String("theme", reply.Theme),
			zap.Int("agents", len(configs)),
			zap.Float64("cost_usd", cost.CostUSD))
	}
	return &Roster{
		Configs: configs,
		Meta: domain.RosterMeta{
			Source:      domain.RosterSourceAI,
			Theme:       reply.Theme,
			Cost:        cost,
			GeneratedAt: g.timeNow(),
		},
	}, nil
}

func validateAIRoster(reply aiRosterReply, count int) ([]domain.AgentConfig, error) {
	if len(reply.Agents) != count {
		return nil, fmt.Errorf("%w: got %d agents, want %d", domain.ErrRosterGeneration, len(reply.Agents), count)
	}
	names := make(map[string]bool, count)
	configs := make([]domain.AgentConfig, 0, count)
	for i, rec := range reply.Agents {
		name := strings.TrimSpace(rec.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: agent %d has no name", domain.ErrRosterGeneration, i)
		}
		key := strings.ToLower(name)
		if names[key] {
			return nil, fmt.Errorf("%w: duplicate name %q", domain.ErrRosterGeneration, name)
		}
		names[key] = true
		if rec.MaxLeverage < 1 || rec.MaxLeverage > MaxLeverageCap {
			return nil, fmt.Errorf("%w: %s leverage %d outside [1,%d]", domain.ErrRosterGeneration, name, rec.MaxLeverage, MaxLeverageCap)
		}

		avatar := rec.Avatar
		if avatar == "" {
			avatar = avatarShapes[i%len(avatarShapes)]
		}
		risk := strings.ToLower(rec.Risk)
		if risk != "low" && risk != "high" {
			risk = "medium"
		}
		var templates map[domain.EventType][]string
		if len(rec.Templates) > 0 {
			templates = make(map[domain.EventType][]string, len(rec.Templates))
			for k, lines := range rec.Templates {
				templates[domain.EventType(k)] = lines
			}
		}
		configs = append(configs, domain.AgentConfig{
			Name:        name,
			ArchetypeID: aiArchetypeID,
			Avatar:      avatar,
			ColorIndex:  i,
			Personality: rec.Personality,
			Philosophy:  rec.Philosophy,
			Indicators:  rec.Indicators,
			Regime:      rec.Regime,
			Risk:        risk,
			MaxLeverage: rec.MaxLeverage,
			Brain:       domain.BrainLLM,
			Templates:   templates,
		})
	}
	return configs, nil
}

// rosterError is a failed generation that was still billed.
type rosterError struct {
	err  error
	cost domain.GenerationCost
}

func (e *rosterError) Error() string { return e.err.Error() }
func (e *rosterError) Unwrap() error { return e.err }

type fallbackRoster struct {
	primary  RosterGenerator
	fallback RosterGenerator
	logger   *zap.Logger
}

// WithFallback returns a generator that uses fallback for the full count
// whenever primary errors. The reason lands in RosterMeta.FallbackReason.
func WithFallback(primary, fallback RosterGenerator, logger *zap.Logger) RosterGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackRoster{primary: primary, fallback: fallback, logger: logger}
}

func (f *fallbackRoster) Generate(ctx context.Context, req RosterRequest) (*Roster, error) {
	var primaryErr error
	roster, reason, err := Fallback(ctx,
		func(ctx context.Context) (*Roster, error) {
			r, err := f.primary.Generate(ctx, req)
			primaryErr = err
			return r, err
		},
		func(ctx context.Context) (*Roster, error) { return f.fallback.Generate(ctx, req) },
	)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		f.logger.Warn("Roster generation fell back", zap.String("reason", reason))
		roster.Meta.FallbackReason = reason
		// the rejected reply was still paid for
		var billed *rosterError
		if errors.As(primaryErr, &billed) {
			roster.Meta.Cost.TokensIn += billed.cost.TokensIn
			roster.Meta.Cost.TokensOut += billed.cost.TokensOut
			roster.Meta.Cost.CostUSD += billed.cost.CostUSD
		}
	}
	return roster, nil
}

// customRoster validates caller-supplied configs.
func customRoster(configs []domain.AgentConfig, count int, now time.Time) (*Roster, error) {
	if len(configs) != count {
		return nil, fmt.Errorf("%w: %d agent configs for agent count %d", domain.ErrInvalidConfig, len(configs), count)
	}
	seen := make(map[string]bool, len(configs))
	out := make([]domain.AgentConfig, len(configs))
	for i, cfg := range configs {
		if strings.TrimSpace(cfg.Name) == "" {
			return nil, fmt.Errorf("%w: agent %d has no name", domain.ErrInvalidConfig, i)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%w: duplicate agent name %q", domain.ErrInvalidConfig, cfg.Name)
		}
		seen[cfg.Name] = true
		if cfg.Brain == "" {
			cfg.Brain = domain.BrainRules
		}
		if cfg.Brain == domain.BrainRules {
			if a, ok := ArchetypeByID(cfg.ArchetypeID); ok && cfg.Templates == nil {
				cfg.Templates = a.Templates
			}
		}
		if cfg.Avatar == "" {
			cfg.Avatar = avatarShapes[i%len(avatarShapes)]
		}
		cfg.ColorIndex = i
		out[i] = cfg
	}
	return &Roster{
		Configs: out,
		Meta:    domain.RosterMeta{Source: domain.RosterSourceCustom, GeneratedAt: now},
	}, nil
}

// extractJSON trims code fences and prose around the first JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(text)
	}
	return text[start : end+1]
}
