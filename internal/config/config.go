// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Port string `json:"port"`

	StoreBackend string `json:"store_backend"`
	DatabaseURL  string `json:"-"`
	RedisURL     string `json:"-"`

	OracleAPIKey      string        `json:"-"`
	OracleBaseURL     string        `json:"oracle_base_url"`
	OracleModel       string        `json:"oracle_model"`
	OracleTimeout     time.Duration `json:"oracle_timeout"`
	OracleMaxAttempts int           `json:"oracle_max_attempts"`

	DebateRounds     int `json:"debate_rounds"`
	AgentConcurrency int `json:"agent_concurrency"`

	PayoutAmount     decimal.Decimal `json:"payout_amount"`
	InitialAgentCash decimal.Decimal `json:"initial_agent_cash"`

	// Risk limits, in contract units.
	MaxPositionPerGoal int64 `json:"max_position_per_goal"`
	MaxTotalExposure   int64 `json:"max_total_exposure"`

	// SeedAgents are registered at startup when the store has no agents.
	SeedAgents []string `json:"seed_agents"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:               "8080",
		OracleBaseURL:      "https://openrouter.ai/api/v1",
		OracleModel:        "openai/gpt-5-mini",
		OracleTimeout:      45 * time.Second,
		OracleMaxAttempts:  2,
		DebateRounds:       2,
		AgentConcurrency:   8,
		PayoutAmount:       decimal.NewFromInt(100),
		InitialAgentCash:   decimal.NewFromInt(1000),
		MaxPositionPerGoal: 25,
		MaxTotalExposure:   250,
	}
}

// Load returns the defaults overridden by .env and the process environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// A missing .env file is fine; production sets real env vars.
	_ = godotenv.Load()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if val := os.Getenv("PORT"); val != "" {
		c.Port = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		c.DatabaseURL = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		c.RedisURL = val
	}
	c.StoreBackend = strings.ToLower(os.Getenv("STORE_BACKEND"))
	if c.StoreBackend == "" {
		switch {
		case c.DatabaseURL != "":
			c.StoreBackend = BackendPostgres
		case c.RedisURL != "":
			c.StoreBackend = BackendRedis
		default:
			c.StoreBackend = BackendMemory
		}
	}

	for _, key := range []string{"ORACLE_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY"} {
		if val := os.Getenv(key); val != "" {
			c.OracleAPIKey = val
			break
		}
	}
	if val := os.Getenv("ORACLE_BASE_URL"); val != "" {
		c.OracleBaseURL = val
	}
	if val := os.Getenv("ORACLE_MODEL"); val != "" {
		c.OracleModel = val
	}
	if val := os.Getenv("ORACLE_TIMEOUT"); val != "" {
		v, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: ORACLE_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		c.OracleTimeout = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ORACLE_MAX_ATTEMPTS", &c.OracleMaxAttempts},
		{"DEBATE_ROUNDS", &c.DebateRounds},
		{"AGENT_CONCURRENCY", &c.AgentConcurrency},
	}
	for _, f := range ints {
		if val := os.Getenv(f.key); val != "" {
			v, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.key, err)
			}
			*f.dst = v
		}
	}

	limits := []struct {
		key string
		dst *int64
	}{
		{"MAX_POSITION_PER_GOAL", &c.MaxPositionPerGoal},
		{"MAX_TOTAL_EXPOSURE", &c.MaxTotalExposure},
	}
	for _, f := range limits {
		if val := os.Getenv(f.key); val != "" {
			v, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.key, err)
			}
			*f.dst = v
		}
	}

	amounts := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"PAYOUT_AMOUNT", &c.PayoutAmount},
		{"INITIAL_AGENT_CASH", &c.InitialAgentCash},
	}
	for _, f := range amounts {
		if val := os.Getenv(f.key); val != "" {
			v, err := decimal.NewFromString(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.key, err)
			}
			*f.dst = v
		}
	}

	if val := os.Getenv("SEED_AGENTS"); val != "" {
		c.SeedAgents = nil
		for _, name := range strings.Split(val, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.SeedAgents = append(c.SeedAgents, name)
			}
		}
	}
	return nil
}

// Validate rejects settings the market cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.StoreBackend != BackendMemory && c.StoreBackend != BackendRedis && c.StoreBackend != BackendPostgres:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.StoreBackend)
	case c.StoreBackend == BackendPostgres && c.DatabaseURL == "":
		return fmt.Errorf("%w: postgres backend requires DATABASE_URL", ErrInvalidConfig)
	case c.StoreBackend == BackendRedis && c.RedisURL == "":
		return fmt.Errorf("%w: redis backend requires REDIS_URL", ErrInvalidConfig)
	case c.DebateRounds < 1:
		return fmt.Errorf("%w: DEBATE_ROUNDS must be at least 1", ErrInvalidConfig)
	case c.AgentConcurrency < 1:
		return fmt.Errorf("%w: AGENT_CONCURRENCY must be at least 1", ErrInvalidConfig)
	case c.OracleMaxAttempts < 1:
		return fmt.Errorf("%w: ORACLE_MAX_ATTEMPTS must be at least 1", ErrInvalidConfig)
	case c.OracleTimeout <= 0:
		return fmt.Errorf("%w: ORACLE_TIMEOUT must be positive", ErrInvalidConfig)
	case !c.PayoutAmount.IsPositive():
		return fmt.Errorf("%w: PAYOUT_AMOUNT must be positive", ErrInvalidConfig)
	case c.InitialAgentCash.IsNegative():
		return fmt.Errorf("%w: INITIAL_AGENT_CASH must not be negative", ErrInvalidConfig)
	case c.MaxPositionPerGoal < 1 || c.MaxTotalExposure < 1:
		return fmt.Errorf("%w: position limits must be at least 1", ErrInvalidConfig)
	}
	return nil
}
