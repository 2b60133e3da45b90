package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
)

// SimulatedFeed is a seeded geometric random walk for offline runs. Every
// GetCurrentPrice call advances the walk one step.
type SimulatedFeed struct {
	mu         sync.Mutex
	rng        *rand.Rand
	price      float64
	volatility float64
	drift      float64
	step       time.Duration
	now        time.Time
}

// NewSimulatedFeed starts at start with per-step volatility (e.g. 0.002).
func NewSimulatedFeed(start, volatility float64, seed int64) *SimulatedFeed {
	if volatility <= 0 {
		volatility = 0.002
	}
	return &SimulatedFeed{
		rng:        rand.New(rand.NewSource(seed)),
		price:      start,
		volatility: volatility,
		step:       time.Minute,
		now:        time.Now().Truncate(time.Minute),
	}
}

// WithDrift adds a constant per-step trend, e.g. -0.01 for a crash.
func (s *SimulatedFeed) WithDrift(drift float64) *SimulatedFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = drift
	return s
}

func (s *SimulatedFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = s.next(s.price)
	return s.price, nil
}

// GetRecentCandles synthesizes a history ending at the current price.
func (s *SimulatedFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candles := make([]domain.Candle, limit)
	closePrice := s.price
	for i := limit - 1; i >= 0; i-- {
		open := closePrice / math.Exp(s.drift+s.volatility*s.rng.NormFloat64())
		spread := math.Abs(s.rng.NormFloat64()) * s.volatility * closePrice / 2
		candles[i] = domain.Candle{
			Time:   s.now.Add(-time.Duration(limit-1-i) * s.step).Unix(),
			Open:   open,
			High:   math.Max(open, closePrice) + spread,
			Low:    math.Min(open, closePrice) - spread,
			Close:  closePrice,
			Volume: 10 + s.rng.Float64()*90,
		}
		closePrice = open
	}
	return candles, nil
}

func (s *SimulatedFeed) next(p float64) float64 {
	return p * math.Exp(s.drift+s.volatility*s.rng.NormFloat64())
}
