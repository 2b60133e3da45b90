package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/exchange"
)

func main() {
	driver := flag.String("driver", "bybit", "bybit | binance | simulated")
	pair := flag.String("pair", "BTCUSDT", "pair to query")
	endpoint := flag.String("endpoint", "", "REST endpoint override")
	stream := flag.Bool("stream", false, "also check the bybit ticker websocket")
	flag.Parse()

	var feed domain.PriceFeed
	switch *driver {
	case "bybit":
		bybit := exchange.NewBybitFeed(*endpoint, "", nil)
		defer bybit.Close()
		if *stream {
			if err := bybit.Subscribe([]string{*pair}); err != nil {
				fmt.Printf("❌ Failed to subscribe: %v\n", err)
			} else {
				fmt.Printf("✅ Subscribed to tickers.%s\n", *pair)
				time.Sleep(2 * time.Second)
			}
		}
		feed = bybit
	case "binance":
		binance := exchange.NewBinanceFeed("", "", nil)
		if *endpoint != "" {
			binance.SetBaseURL(*endpoint)
		}
		feed = binance
	case "simulated":
		feed = exchange.NewSimulatedFeed(60_000, 0.002, time.Now().UnixNano())
	default:
		fmt.Printf("Unknown driver %q\n", *driver)
		os.Exit(1)
	}

	fmt.Printf("Testing %s feed for %s...\n", *driver, *pair)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	price, err := feed.GetCurrentPrice(ctx, *pair)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %f (%s)\n", *pair, price, time.Since(start).Round(time.Millisecond))
	}

	candles, err := feed.GetRecentCandles(ctx, *pair, "1", 5)
	if err != nil {
		fmt.Printf("❌ Failed to get candles: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ %d candles:\n", len(candles))
	for _, c := range candles {
		fmt.Printf("  %s O=%.2f H=%.2f L=%.2f C=%.2f V=%.2f\n",
			time.Unix(c.Time, 0).UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
}
