// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Config holds runtime settings for the load tester. Chain and contract
// settings live in the file named by ConfigFile, see File.
type Config struct {
	ConfigFile         string
	WalletsFile        string
	ListenAddr         string // control API bind address
	DatabasePath       string // SQLite file; empty disables persistence
	CORSAllowedOrigins string // comma-separated origins, or "*"
	LogLevel           string
	LogFile            string // rotated log file in addition to stderr; empty disables

	// Headless starts a run immediately, prints a summary and exits.
	Headless bool

	Pattern        types.LoadPattern
	Users          int
	SpawnRate      float64 // users started per second
	Duration       time.Duration
	WaitMinMs      int
	WaitMaxMs      int
	ConfirmTimeout time.Duration
}

// Defaults
const (
	DefaultConfigFile         = "config.json"
	DefaultWalletsFile        = "wallets.json"
	DefaultListenAddr         = ":8089"
	DefaultDatabasePath       = "./data/loadtest.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultUsers              = 10
	DefaultSpawnRate          = 1.0
	DefaultDuration           = 60 * time.Second
	DefaultWaitMinMs          = 1000
	DefaultWaitMaxMs          = 5000
	DefaultConfirmTimeout     = 2 * time.Minute
)

func defaults() *Config {
	return &Config{
		ConfigFile:         DefaultConfigFile,
		WalletsFile:        DefaultWalletsFile,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
		Pattern:            types.PatternConstant,
		Users:              DefaultUsers,
		SpawnRate:          DefaultSpawnRate,
		Duration:           DefaultDuration,
		WaitMinMs:          DefaultWaitMinMs,
		WaitMaxMs:          DefaultWaitMaxMs,
		ConfirmTimeout:     DefaultConfirmTimeout,
	}
}

// Load reads configuration from environment variables and command-line
// arguments. Flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	cfg := defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Chain, contract and gas config file (.json, .toml, .yaml)")
	fs.StringVar(&cfg.WalletsFile, "wallets", cfg.WalletsFile, "Wallets JSON file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Control API listen address")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite database path (empty disables history)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run once without the control API and print a summary")
	pattern := fs.String("pattern", string(cfg.Pattern), "User-count pattern for headless runs (constant, ramp, spike)")
	fs.IntVar(&cfg.Users, "users", cfg.Users, "Concurrent users")
	fs.Float64Var(&cfg.SpawnRate, "spawn-rate", cfg.SpawnRate, "Users started per second")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 runs until interrupted)")
	fs.IntVar(&cfg.WaitMinMs, "wait-min", cfg.WaitMinMs, "Minimum pause between tasks in milliseconds")
	fs.IntVar(&cfg.WaitMaxMs, "wait-max", cfg.WaitMaxMs, "Maximum pause between tasks in milliseconds")
	fs.DurationVar(&cfg.ConfirmTimeout, "confirm-timeout", cfg.ConfirmTimeout, "How long to wait for a receipt")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Pattern = types.LoadPattern(*pattern)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("WALLETS_FILE"); v != "" {
		c.WalletsFile = v
	}
	if v := os.Getenv("TARGET_HOST"); v != "" {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("DATABASE_PATH"); ok {
		c.DatabasePath = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("LOADTEST_USERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOADTEST_USERS: %w", err)
		}
		c.Users = n
	}
	if v := os.Getenv("LOADTEST_SPAWN_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LOADTEST_SPAWN_RATE: %w", err)
		}
		c.SpawnRate = r
	}
	if v := os.Getenv("LOADTEST_DURATION"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("LOADTEST_DURATION: %w", err)
		}
		c.Duration = d
	}
	return nil
}

// parseDurationEnv accepts a Go duration or a whole number of seconds.
func parseDurationEnv(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("config file is required")
	}
	if c.WalletsFile == "" {
		return fmt.Errorf("wallets file is required")
	}
	if !c.Headless && c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Pattern {
	case types.PatternConstant, types.PatternRamp, types.PatternSpike:
	default:
		return fmt.Errorf("invalid pattern: %s", c.Pattern)
	}
	if c.Users <= 0 {
		return fmt.Errorf("users must be positive")
	}
	if c.SpawnRate <= 0 {
		return fmt.Errorf("spawn rate must be positive")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if c.WaitMinMs < 0 || c.WaitMaxMs < c.WaitMinMs {
		return fmt.Errorf("wait bounds [%d, %d]ms are invalid", c.WaitMinMs, c.WaitMaxMs)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirmation timeout must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// StartRequest is the run request implied by the flags. The control API uses
// it to fill fields a request leaves empty; headless mode runs it as is.
func (c *Config) StartRequest() types.StartRunRequest {
	req := types.StartRunRequest{
		Pattern:      c.Pattern,
		DurationSec:  int(c.Duration / time.Second),
		SpawnRate:    c.SpawnRate,
		Users:        c.Users,
		WaitStrategy: types.WaitBetween,
		WaitMinMs:    c.WaitMinMs,
		WaitMaxMs:    c.WaitMaxMs,
	}
	switch c.Pattern {
	case types.PatternRamp:
		req.RampStart = 1
		req.RampEnd = c.Users
	case types.PatternSpike:
		req.BaselineUsers = max(1, c.Users/5)
		req.SpikeUsers = c.Users
		req.SpikeDuration = 10
		req.SpikeInterval = 60
	}
	return req
}
