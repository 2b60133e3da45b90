package domain

import "context"

// PriceFeed is the market data collaborator. Implementations own their own
// caching and rate limiting.
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context, pair string) (float64, error)
	GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
}

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CompletionRequest is one LLM call. Schema, when set, asks for JSON output.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	Schema    map[string]any
	MaxTokens int
}

type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// LLMClient performs a single completion.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// SessionStore is the durable checkpoint store.
type SessionStore interface {
	SaveSessionSnapshot(ctx context.Context, session *Session, agents []Agent) error
	LoadSession(ctx context.Context, id string) (*SessionSnapshot, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}
