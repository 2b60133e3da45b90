package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/exchange"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/llm"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/logger"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/storage"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/usecase"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/web"
	"go.uber.org/zap"
)

type closer interface {
	Close() error
}

func buildFeed(cfg *Config, log *zap.Logger) (domain.PriceFeed, closer, error) {
	var upstream domain.PriceFeed
	var c closer
	switch cfg.Feed.Driver {
	case "bybit":
		bybit := exchange.NewBybitFeed(cfg.Feed.RESTEndpoint, cfg.Feed.WSEndpoint, log.Named("bybit"))
		if cfg.Feed.Stream && cfg.Arena.Defaults.Pair != "" {
			if err := bybit.Subscribe([]string{cfg.Arena.Defaults.Pair}); err != nil {
				log.Warn("Ticker stream unavailable, using REST only", zap.Error(err))
			}
		}
		upstream, c = bybit, bybit
	case "binance":
		binance := exchange.NewBinanceFeed(cfg.Feed.APIKey, cfg.Feed.APISecret, log.Named("binance"))
		if cfg.Feed.RESTEndpoint != "" {
			binance.SetBaseURL(cfg.Feed.RESTEndpoint)
		}
		upstream = binance
	case "simulated":
		sim := cfg.Feed.Simulated
		seed := sim.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		upstream = exchange.NewSimulatedFeed(sim.StartPrice, sim.Volatility, seed).WithDrift(sim.Drift)
	default:
		return nil, nil, fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
	}
	return exchange.NewCachedFeed(upstream, cfg.Feed.RateLimit, cfg.Feed.Burst, log), c, nil
}

func buildStore(cfg *Config) (domain.SessionStore, closer, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := storage.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, nil
}

// restoreLatest brings back the newest session that did not complete.
func restoreLatest(ctx context.Context, arena *usecase.ArenaService, log *zap.Logger) {
	sessions, err := arena.ListSessions(ctx, 1)
	if err != nil || len(sessions) == 0 {
		return
	}
	latest := sessions[0]
	if !latest.Status.Active() {
		return
	}
	if _, err := arena.Restore(ctx, latest.ID); err != nil {
		log.Error("Failed to restore session", zap.String("session_id", latest.ID), zap.Error(err))
		return
	}
	log.Info("Restored session", zap.String("session_id", latest.ID), zap.Int("tick", latest.Tick))
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config (.env first so it can supply secrets)
	_ = godotenv.Load()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, storeCloser, err := buildStore(cfg)
	if err != nil {
		log.Fatal("Failed to init storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}

	// 4. Init Price Feed
	feed, feedCloser, err := buildFeed(cfg, log)
	if err != nil {
		log.Fatal("Failed to init feed", zap.Error(err))
	}
	if feedCloser != nil {
		defer feedCloser.Close()
	}

	// 5. Init LLM (rule-based fallbacks run without one)
	var llmClient domain.LLMClient
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second, log.Named("llm"))
	} else {
		log.Warn("No LLM API key configured, LLM agents will use their fallback rules")
	}

	// 6. Init Arena
	arena := usecase.NewArenaService(feed, store, llmClient, cfg.arenaOptions(), log.Named("arena"))
	ctx := context.Background()
	if cfg.Arena.RestoreLatest && store != nil {
		restoreLatest(ctx, arena, log)
	}
	if cfg.Arena.AutoCreate && arena.Status() == domain.StatusIdle {
		if _, err := arena.CreateSession(ctx, cfg.Arena.Defaults, nil); err != nil {
			log.Error("Failed to create default session", zap.Error(err))
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 7. Init Web Server
	server := web.NewServer(cfg.Server.Port, arena, log.Named("web"))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 8. Wait for Shutdown
	<-stop

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	arena.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
