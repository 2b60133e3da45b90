package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bybitServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			fmt.Fprint(w, `{"retCode":0,"result":{"list":[]}}`)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","lastPrice":"64250.5"}]}}`)
	})
	mux.HandleFunc("GET /v5/market/kline", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[
			["1700000120000","102","103","101","102.5","7","0"],
			["1700000060000","101","102","100","102","5","0"],
			["1700000000000","100","101","99","101","3","0"]]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBybitFeed_REST(t *testing.T) {
	srv := bybitServer(t)
	feed := NewBybitFeed(srv.URL, "", nil)

	price, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64250.5, price)

	_, err = feed.GetCurrentPrice(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, domain.ErrNoPriceAvailable)

	candles, err := feed.GetRecentCandles(context.Background(), "BTCUSDT", "5", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, int64(1700000000), candles[0].Time, "oldest first")
	assert.Equal(t, 102.5, candles[2].Close)
}

func TestBybitFeed_LivePricePreferredWhileFresh(t *testing.T) {
	feed := NewBybitFeed("http://127.0.0.1:1", "", nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.timeNow = func() time.Time { return now }

	feed.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","type":"snapshot","data":{"symbol":"ETHUSDT","lastPrice":"3120.25"}}`))
	feed.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","type":"delta","data":{"symbol":"ETHUSDT","fundingRate":"0.0001"}}`))
	feed.handleMessage([]byte(`not json`))

	price, err := feed.GetCurrentPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3120.25, price)

	now = now.Add(DefaultLiveMaxAge + time.Second)
	_, err = feed.GetCurrentPrice(context.Background(), "ETHUSDT")
	assert.Error(t, err, "stale stream falls back to REST, which is unreachable here")
}

func TestBybitFeed_WebSocketSubscription(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var msg struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		subscribed <- strings.Join(msg.Args, ",")
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"65000"}}`))
		// hold the connection until the client closes it
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	feed := NewBybitFeed("http://127.0.0.1:1", "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	defer feed.Close()
	require.NoError(t, feed.Subscribe([]string{"BTCUSDT"}))
	require.NoError(t, feed.Subscribe([]string{"BTCUSDT"}), "already subscribed")

	select {
	case args := <-subscribed:
		assert.Equal(t, "tickers.BTCUSDT", args)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message")
	}
	require.Eventually(t, func() bool {
		p, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
		return err == nil && p == 65000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBinanceInterval(t *testing.T) {
	cases := map[string]string{"1": "1m", "5": "5m", "60": "1h", "240": "4h", "D": "1d", "15m": "15m"}
	for in, want := range cases {
		assert.Equal(t, want, BinanceInterval(in), in)
	}
}

func TestBinanceFeed_Klines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `[[1700000000000,"100","101","99","100.5","12",1700000059999,"0",10,"0","0","0"],
			[1700000060000,"100.5","102","100","101.5","8",1700000119999,"0",7,"0","0","0"]]`)
	}))
	defer srv.Close()

	feed := NewBinanceFeed("", "", nil)
	feed.SetBaseURL(srv.URL)
	candles, err := feed.GetRecentCandles(context.Background(), "BTCUSDT", "1", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].Time)
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestSimulatedFeed_DeterministicWalk(t *testing.T) {
	a := NewSimulatedFeed(100, 0.01, 7)
	b := NewSimulatedFeed(100, 0.01, 7)
	for i := 0; i < 20; i++ {
		pa, err := a.GetCurrentPrice(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		pb, _ := b.GetCurrentPrice(context.Background(), "BTCUSDT")
		assert.Equal(t, pa, pb)
		assert.Greater(t, pa, 0.0)
	}

	candles, err := a.GetRecentCandles(context.Background(), "BTCUSDT", "1", 30)
	require.NoError(t, err)
	require.Len(t, candles, 30)
	for i, c := range candles {
		assert.GreaterOrEqual(t, c.High, c.Low)
		if i > 0 {
			assert.InDelta(t, candles[i-1].Close, c.Open, 1e-9, "candles chain")
			assert.Greater(t, c.Time, candles[i-1].Time)
		}
	}
}

func TestSimulatedFeed_Drift(t *testing.T) {
	feed := NewSimulatedFeed(100, 0.0001, 1).WithDrift(-0.05)
	var p float64
	for i := 0; i < 10; i++ {
		p, _ = feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	}
	assert.Less(t, p, 70.0)
}

type countingFeed struct {
	mu      sync.Mutex
	calls   int
	price   float64
	err     error
	candles []domain.Candle
}

func (c *countingFeed) GetCurrentPrice(ctx context.Context, pair string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.price, c.err
}

func (c *countingFeed) GetRecentCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.candles, c.err
}

func TestCachedFeed_TTL(t *testing.T) {
	up := &countingFeed{price: 100, candles: []domain.Candle{{Close: 1}}}
	feed := NewCachedFeed(up, 100, 10, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.timeNow = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		p, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, 100.0, p)
	}
	assert.Equal(t, 1, up.calls)

	now = now.Add(DefaultPriceTTL)
	up.price = 101
	p, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.0, p)
	assert.Equal(t, 2, up.calls)

	_, err = feed.GetRecentCandles(context.Background(), "BTCUSDT", "1", 10)
	require.NoError(t, err)
	_, err = feed.GetRecentCandles(context.Background(), "BTCUSDT", "1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, up.calls)
}

func TestCachedFeed_ErrorsAreNotCached(t *testing.T) {
	up := &countingFeed{err: errors.New("503")}
	feed := NewCachedFeed(up, 100, 10, nil)

	_, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	assert.Error(t, err)
	up.err = nil
	_, err = feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNoPriceAvailable, "zero price is rejected")
	assert.Equal(t, 2, up.calls)
}

func TestCachedFeed_RateLimitHonoursContext(t *testing.T) {
	up := &countingFeed{price: 100}
	feed := NewCachedFeed(up, 0.001, 1, nil).WithTTL(0, 0)

	_, err := feed.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = feed.GetCurrentPrice(ctx, "BTCUSDT")
	assert.Error(t, err)
	assert.Equal(t, 1, up.calls)
}
