// Package config loads process configuration from the environment,
// exactly the way trader/internal/config does: .env optional, getEnv*
// helpers, a Validate() step run once at Load() time so a
// misconfigured core fails fast instead of deep inside a sweep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// Config holds process-wide configuration.
type Config struct {
	DataDir  string // base directory for the shard database and price cache
	Port     int
	DevMode  bool
	LogLevel string

	ShardRetentionDays int // shard janitor prunes shards older than this

	Backtest BacktestDefaults
	Split    SplitDefaults
	Sweep    SweepDefaults
	Filter   FilterDefaults
	Combine  CombineDefaults
}

// BacktestDefaults seeds fields a /backtest request may omit.
type BacktestDefaults struct {
	Mode            backtest.Mode
	CostBps         float64
	BenchmarkTicker string
}

// SplitDefaults seeds the IS/OOS split applied when a request omits one.
type SplitDefaults struct {
	Strategy             backtest.SplitStrategy
	ChronologicalPercent int
	RollingWindowPeriod  backtest.WindowPeriod
	MinWarmUpYears       int
	RankBy               string
}

// SweepDefaults bounds how a parameter sweep is batched.
type SweepDefaults struct {
	ChunkSize int // passed to orchestrator.New, which stores it; RunSweep reports progress per branch, not per chunk
}

// FilterDefaults seeds the Filter/Pattern/Combine stage (C8).
type FilterDefaults struct {
	TopX           int
	TopXPerPattern int
	RankMetric     string
}

// CombineDefaults seeds the weighting applied when assembling a
// composite tree out of selected branches.
type CombineDefaults struct {
	WeightMode stree.WeightMode
	CappedPct  float64
}

// Load reads configuration from environment variables, creating
// DataDir if it doesn't already exist.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("TRADER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "/home/arduino/data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory %q: %w", dataDir, err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", absDataDir, err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		Port:               getEnvAsInt("PORT", 8080),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ShardRetentionDays: getEnvAsInt("SHARD_RETENTION_DAYS", 90),
		Backtest: BacktestDefaults{
			Mode:            backtest.ModeCC,
			CostBps:         getEnvAsFloat("BACKTEST_COST_BPS", 5),
			BenchmarkTicker: getEnv("BACKTEST_BENCHMARK", "SPY"),
		},
		Split: SplitDefaults{
			Strategy:             backtest.SplitChronological,
			ChronologicalPercent: getEnvAsInt("SPLIT_CHRONOLOGICAL_PERCENT", 70),
			RollingWindowPeriod:  backtest.WindowYearly,
			MinWarmUpYears:       getEnvAsInt("SPLIT_MIN_WARMUP_YEARS", 2),
			RankBy:               getEnv("SPLIT_RANK_BY", "Sharpe"),
		},
		Sweep: SweepDefaults{
			ChunkSize: getEnvAsInt("SWEEP_CHUNK_SIZE", 50),
		},
		Filter: FilterDefaults{
			TopX:           getEnvAsInt("FILTER_TOP_X", 10),
			TopXPerPattern: getEnvAsInt("FILTER_TOP_X_PER_PATTERN", 1),
			RankMetric:     getEnv("FILTER_RANK_METRIC", "Sharpe"),
		},
		Combine: CombineDefaults{
			WeightMode: stree.WeightEqual,
			CappedPct:  getEnvAsFloat("COMBINE_CAPPED_PCT", 25),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects contradictory configuration at load time rather
// than deep inside the sweep/filter pipeline.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: Port must be in (0, 65535], got %d", c.Port)
	}
	if c.Split.ChronologicalPercent < 0 || c.Split.ChronologicalPercent > 100 {
		return fmt.Errorf("config: Split.ChronologicalPercent must be in [0, 100], got %d", c.Split.ChronologicalPercent)
	}
	if c.Sweep.ChunkSize <= 0 {
		return fmt.Errorf("config: Sweep.ChunkSize must be positive, got %d", c.Sweep.ChunkSize)
	}
	if c.Filter.TopX <= 0 {
		return fmt.Errorf("config: Filter.TopX must be positive, got %d", c.Filter.TopX)
	}
	if c.Filter.TopXPerPattern <= 0 {
		return fmt.Errorf("config: Filter.TopXPerPattern must be positive, got %d", c.Filter.TopXPerPattern)
	}
	if c.Combine.WeightMode == stree.WeightCapped && (c.Combine.CappedPct <= 0 || c.Combine.CappedPct >= 100) {
		return fmt.Errorf("config: Combine.CappedPct must be in (0, 100) when WeightMode is capped, got %v", c.Combine.CappedPct)
	}
	if c.ShardRetentionDays <= 0 {
		return fmt.Errorf("config: ShardRetentionDays must be positive, got %d", c.ShardRetentionDays)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
