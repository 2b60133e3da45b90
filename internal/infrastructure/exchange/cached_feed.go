package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPriceTTL  = time.Second
	DefaultCandleTTL = 30 * time.Second
)

type cachedPrice struct {
	price float64
	at    time.Time
}

type cachedCandles struct {
	candles []domain.Candle
	at      time.Time
}

// CachedFeed puts a short TTL cache and a request rate limit in front of an
// upstream feed, so many readers cost at most one upstream call per TTL.
type CachedFeed struct {
	upstream  domain.PriceFeed
	limiter   *rate.Limiter
	priceTTL  time.Duration
	candleTTL time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	prices    map[string]cachedPrice
	candles   map[string]cachedCandles
	timeNow   func() time.Time
}

// NewCachedFeed allows rps upstream requests per second with the given burst.
func NewCachedFeed(upstream domain.PriceFeed, rps float64, burst int, logger *zap.Logger) *CachedFeed {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFeed{
		upstream:  upstream,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		priceTTL:  DefaultPriceTTL,
		candleTTL: DefaultCandleTTL,
		logger:    logger,
		prices:    make(map[string]cachedPrice),
		candles:   make(map[string]cachedCandles),
		timeNow:   time.Now,
	}
}

// WithTTL overrides the cache lifetimes.
func (c *CachedFeed) WithTTL(price, candles time.Duration) *CachedFeed {
	c.priceTTL = price
	c.candleTTL = candles
	return c
}

func (c *CachedFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	c.mu.Lock()
	if p, ok := c.prices[pair]; ok && c.timeNow().Sub(p.at) < c.priceTTL {
		c.mu.Unlock()
		return p.price, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("price rate limit: %w", err)
	}
	price, err := c.upstream.GetCurrentPrice(ctx, pair)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s returned %v", domain.ErrNoPriceAvailable, pair, price)
	}

	c.mu.Lock()
	c.prices[pair] = cachedPrice{price: price, at: c.timeNow()}
	c.mu.Unlock()
	return price, nil
}

func (c *CachedFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	key := fmt.Sprintf("%s|%s|%d", pair, interval, limit)
	c.mu.Lock()
	if cc, ok := c.candles[key]; ok && c.timeNow().Sub(cc.at) < c.candleTTL {
		c.mu.Unlock()
		return append([]domain.Candle(nil), cc.candles...), nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("candle rate limit: %w", err)
	}
	candles, err := c.upstream.GetRecentCandles(ctx, pair, interval, limit)
	if err != nil {
		c.logger.Warn("Candle fetch failed", zap.String("pair", pair), zap.String("interval", interval), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.candles[key] = cachedCandles{candles: candles, at: c.timeNow()}
	c.mu.Unlock()
	return append([]domain.Candle(nil), candles...), nil
}
