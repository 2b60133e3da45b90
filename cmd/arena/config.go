package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed struct {
		Driver         string  `yaml:"driver"` // bybit | binance | simulated
		RESTEndpoint   string  `yaml:"rest_endpoint"`
		WSEndpoint     string  `yaml:"ws_endpoint"`
		Stream         bool    `yaml:"stream"`
		APIKey         string  `yaml:"api_key"`
		APISecret      string  `yaml:"api_secret"`
		RateLimit      float64 `yaml:"rate_limit"`
		Burst          int     `yaml:"burst"`
		CandleInterval string  `yaml:"candle_interval"`
		Simulated      struct {
			StartPrice float64 `yaml:"start_price"`
			Volatility float64 `yaml:"volatility"`
			Drift      float64 `yaml:"drift"`
			Seed       int64   `yaml:"seed"`
		} `yaml:"simulated"`
	} `yaml:"feed"`
	LLM struct {
		BaseURL        string                          `yaml:"base_url"`
		APIKey         string                          `yaml:"api_key"`
		TimeoutSeconds int                             `yaml:"timeout_seconds"`
		MaxConcurrent  int                             `yaml:"max_concurrent"`
		MaxTokens      int                             `yaml:"max_tokens"`
		Pricing        map[string]usecase.ModelPricing `yaml:"pricing"`
	} `yaml:"llm"`
	Arena struct {
		Defaults             domain.SessionConfig `yaml:"defaults"`
		AutoCreate           bool                 `yaml:"auto_create"`
		RestoreLatest        bool                 `yaml:"restore_latest"`
		CommentaryCooldownMs int                  `yaml:"commentary_cooldown_ms"`
		ReplayCapacity       int                  `yaml:"replay_capacity"`
		SubscriberBuffer     int                  `yaml:"subscriber_buffer"`
	} `yaml:"arena"`
	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres | none
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets live outside the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ARENA_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("ARENA_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("ARENA_FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("ARENA_FEED_API_SECRET"); v != "" {
		c.Feed.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Feed.Driver == "" {
		c.Feed.Driver = "bybit"
	}
	if c.Feed.Simulated.StartPrice == 0 {
		c.Feed.Simulated.StartPrice = 60_000
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "arena.db"
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 30
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

func (c *Config) validate() error {
	switch c.Feed.Driver {
	case "bybit", "binance", "simulated":
	default:
		return fmt.Errorf("unknown feed driver %q", c.Feed.Driver)
	}
	switch c.Storage.Driver {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres storage needs a dsn (or ARENA_DB_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// pricing merges configured overrides into the built-in table.
func (c *Config) pricing() usecase.PricingTable {
	out := make(usecase.PricingTable, len(usecase.DefaultPricing)+len(c.LLM.Pricing))
	for k, v := range usecase.DefaultPricing {
		out[k] = v
	}
	for k, v := range c.LLM.Pricing {
		out[k] = v
	}
	return out
}

func (c *Config) arenaOptions() usecase.ArenaOptions {
	return usecase.ArenaOptions{
		MaxConcurrentDecisions: c.LLM.MaxConcurrent,
		DecisionMaxTokens:      c.LLM.MaxTokens,
		CommentaryCooldown:     time.Duration(c.Arena.CommentaryCooldownMs) * time.Millisecond,
		CandleInterval:         c.Feed.CandleInterval,
		Pricing:                c.pricing(),
		ReplayCapacity:         c.Arena.ReplayCapacity,
		SubscriberBuffer:       c.Arena.SubscriberBuffer,
	}
}
