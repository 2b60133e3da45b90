package exchange

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const binanceMaxRetries = 2

// BinanceFeed serves USDT-M futures prices through go-binance.
type BinanceFeed struct {
	client  *futures.Client
	logger  *zap.Logger
	backoff time.Duration
}

func NewBinanceFeed(apiKey, secretKey string, logger *zap.Logger) *BinanceFeed {
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceFeed{client: client, logger: logger, backoff: 100 * time.Millisecond}
}

// SetBaseURL points the client at another endpoint, e.g. the testnet.
func (f *BinanceFeed) SetBaseURL(u string) {
	f.client.BaseURL = u
}

func (f *BinanceFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	var prices []*futures.SymbolPrice
	err := f.retry(ctx, func() error {
		var err error
		prices, err = f.client.NewListPricesService().Symbol(pair).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("binance price %s: %w", pair, err)
	}
	for _, p := range prices {
		if p.Symbol == pair {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("%w: %s", domain.ErrNoPriceAvailable, pair)
}

func (f *BinanceFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	var klines []*futures.Kline
	err := f.retry(ctx, func() error {
		var err error
		klines, err = f.client.NewKlinesService().
			Symbol(pair).
			Interval(BinanceInterval(interval)).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", pair, err)
	}

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, domain.Candle{
			Time:   k.OpenTime / 1000,
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// retry backs off exponentially between attempts.
func (f *BinanceFeed) retry(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; attempt <= binanceMaxRetries; attempt++ {
		if err = call(); err == nil {
			return nil
		}
		if attempt == binanceMaxRetries {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * f.backoff
		f.logger.Debug("Binance call failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// BinanceInterval maps Bybit-style intervals ("1", "60", "D") to Binance
// notation. Binance-style values pass through.
func BinanceInterval(interval string) string {
	switch interval {
	case "D":
		return "1d"
	case "W":
		return "1w"
	case "M":
		return "1M"
	}
	minutes, err := strconv.Atoi(interval)
	if err != nil {
		return interval
	}
	if minutes >= 60 && minutes%60 == 0 {
		return strconv.Itoa(minutes/60) + "h"
	}
	return strconv.Itoa(minutes) + "m"
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
