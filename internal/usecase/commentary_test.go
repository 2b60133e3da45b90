package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tradeOpenEvent() domain.Event {
	return domain.Event{
		Type:      domain.EventTradeOpen,
		AgentName: "Degen Dan",
		Price:     100,
		Payload:   domain.TradePayload{Side: domain.SideLong, Leverage: 50, FillPrice: 100},
	}
}

func TestCommentary_TemplatesFillPlaceholders(t *testing.T) {
	c := NewCommentaryEngine(CommentaryOptions{Seed: 1})
	speaker := &domain.Agent{Config: domain.AgentConfig{
		Name: "Degen Dan",
		Templates: map[domain.EventType][]string{
			domain.EventTradeOpen: {"{name} goes {side} {leverage}x at {price}"},
		},
	}}

	seenOwn := false
	for i := 0; i < 50; i++ {
		line := c.Narrate(context.Background(), tradeOpenEvent(), speaker, nil)
		require.NotEmpty(t, line)
		assert.NotContains(t, line, "{name}")
		assert.Contains(t, line, "Degen Dan")
		if line == "Degen Dan goes long 50x at $100.00" {
			seenOwn = true
		}
	}
	assert.True(t, seenOwn, "agent pool should be used most of the time")
}

func TestCommentary_DeterministicForSeed(t *testing.T) {
	a := NewCommentaryEngine(CommentaryOptions{Seed: 99})
	b := NewCommentaryEngine(CommentaryOptions{Seed: 99})
	for i := 0; i < 10; i++ {
		ev := tradeOpenEvent()
		assert.Equal(t, a.Narrate(context.Background(), ev, nil, nil), b.Narrate(context.Background(), ev, nil, nil))
	}
}

func TestCommentary_NoTemplateForTick(t *testing.T) {
	c := NewCommentaryEngine(CommentaryOptions{})
	assert.Empty(t, c.Narrate(context.Background(), domain.Event{Type: domain.EventTick}, nil, nil))
}

func deathEvent() domain.Event {
	return domain.Event{
		Type:      domain.EventAgentDeath,
		Title:     "Degen Dan has been eliminated",
		AgentName: "Degen Dan",
		Payload:   domain.DeathPayload{FinalEquity: 3},
	}
}

func TestCommentary_LLMPathForDramaticEvents(t *testing.T) {
	llm := &MockLLM{Reply: `"Dan flew too close to the sun."`, TokensIn: 100, TokensOut: 12}
	budget := NewBudget(1)
	c := NewCommentaryEngine(CommentaryOptions{LLM: llm, Budget: budget, Model: "gpt-4o-mini", Cooldown: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.timeNow = func() time.Time { return now }

	line := c.Narrate(context.Background(), deathEvent(), nil, []domain.Standing{{Rank: 1, Name: "Sam", Equity: 1100}})
	assert.Equal(t, "Dan flew too close to the sun.", line)
	assert.Equal(t, 1, c.Usage().Calls)
	assert.Greater(t, budget.Usage().CommentaryUSD, 0.0)
	assert.Contains(t, llm.Requests[0].Prompt, "Sam")

	// inside the cooldown the template path is used
	line = c.Narrate(context.Background(), deathEvent(), nil, nil)
	assert.NotEqual(t, "Dan flew too close to the sun.", line)
	assert.Equal(t, 1, llm.Calls())

	now = now.Add(2 * time.Minute)
	c.Narrate(context.Background(), deathEvent(), nil, nil)
	assert.Equal(t, 2, llm.Calls())

	// routine events never reach the LLM
	c.Narrate(context.Background(), tradeOpenEvent(), nil, nil)
	assert.Equal(t, 2, llm.Calls())
}

func TestCommentary_DegradesToTemplates(t *testing.T) {
	failing := NewCommentaryEngine(CommentaryOptions{LLM: &MockLLM{Err: errors.New("down")}, Budget: NewBudget(1), Model: "m"})
	assert.NotEmpty(t, failing.Narrate(context.Background(), deathEvent(), nil, nil))

	llm := &MockLLM{Reply: "never"}
	broke := NewCommentaryEngine(CommentaryOptions{LLM: llm, Budget: NewBudget(0), Model: "m"})
	line := broke.Narrate(context.Background(), deathEvent(), nil, nil)
	assert.NotEmpty(t, line)
	assert.NotEqual(t, "never", line)
	assert.Equal(t, 0, llm.Calls())
}
