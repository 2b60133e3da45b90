package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	bybitPingInterval = 20 * time.Second
	// DefaultLiveMaxAge bounds how old a streamed price may be before REST is used.
	DefaultLiveMaxAge = 10 * time.Second
)

type livePrice struct {
	price float64
	at    time.Time
}

// BybitFeed serves linear-perpetual prices from Bybit's public API. Prices
// streamed over the ticker websocket are preferred while fresh.
type BybitFeed struct {
	baseURL    string
	wsURL      string
	client     *http.Client
	logger     *zap.Logger
	maxAge     time.Duration
	mu         sync.Mutex
	wsConn     *websocket.Conn
	wsDone     chan struct{}
	live       map[string]livePrice
	subscribed map[string]bool
	timeNow    func() time.Time
}

func NewBybitFeed(baseURL, wsURL string, logger *zap.Logger) *BybitFeed {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsURL:      wsURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxAge:     DefaultLiveMaxAge,
		live:       make(map[string]livePrice),
		subscribed: make(map[string]bool),
		timeNow:    time.Now,
	}
}

// --- REST API ---

func (b *BybitFeed) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bybit %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func (b *BybitFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	b.mu.Lock()
	lp, ok := b.live[pair]
	b.mu.Unlock()
	if ok && b.timeNow().Sub(lp.at) <= b.maxAge {
		return lp.price, nil
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	query := url.Values{"category": {"linear"}, "symbol": {pair}}
	if err := b.get(ctx, "/v5/market/tickers", query, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit ticker error %d: %s", result.RetCode, result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrNoPriceAvailable, pair)
	}
	return strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
}

// GetRecentCandles returns klines oldest first. Interval uses Bybit notation
// ("1", "5", "60", "D").
func (b *BybitFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	query := url.Values{
		"category": {"linear"},
		"symbol":   {pair},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := b.get(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error %d: %s", result.RetCode, result.RetMsg)
	}

	candles := make([]domain.Candle, 0, len(result.Result.List))
	for _, raw := range result.Result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit lists newest first
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// --- WebSocket ---

// Subscribe streams tickers for pairs, dialing on first use.
func (b *BybitFeed) Subscribe(pairs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fresh []string
	for _, p := range pairs {
		if !b.subscribed[p] {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if b.wsConn == nil {
		c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
		if err != nil {
			return fmt.Errorf("bybit ws dial: %w", err)
		}
		b.wsConn = c
		b.wsDone = make(chan struct{})
		go b.readLoop(c, b.wsDone)
		go b.pingLoop(c, b.wsDone)
	}

	args := make([]string, len(fresh))
	for i, p := range fresh {
		args[i] = "tickers." + p
	}
	if err := b.wsConn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	for _, p := range fresh {
		b.subscribed[p] = true
	}
	b.logger.Info("Subscribed to Bybit tickers", zap.Strings("pairs", fresh))
	return nil
}

func (b *BybitFeed) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn == nil {
		return nil
	}
	return b.wsConn.Close()
}

func (b *BybitFeed) pingLoop(c *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(bybitPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			err := c.WriteJSON(map[string]string{"op": "ping"})
			b.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (b *BybitFeed) readLoop(c *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		c.Close()
		b.mu.Lock()
		if b.wsConn == c {
			b.wsConn = nil
			// resubscribe on the next Subscribe call; REST covers the gap
			b.subscribed = make(map[string]bool)
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			b.logger.Warn("Bybit WS read error", zap.Error(err))
			return
		}
		b.handleMessage(message)
	}
}

func (b *BybitFeed) handleMessage(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		b.logger.Debug("Bybit WS unmarshal error", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, "tickers.") || event.Data.LastPrice == "" {
		// deltas omit unchanged fields
		return
	}
	price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	pair := event.Data.Symbol
	if pair == "" {
		pair = strings.TrimPrefix(event.Topic, "tickers.")
	}

	b.mu.Lock()
	b.live[pair] = livePrice{price: price, at: b.timeNow()}
	b.mu.Unlock()
}
