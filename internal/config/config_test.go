package config

import (
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_FILE", "WALLETS_FILE", "TARGET_HOST", "CORS_ALLOWED_ORIGINS",
		"LOG_LEVEL", "LOG_FILE", "LOADTEST_USERS", "LOADTEST_SPAWN_RATE", "LOADTEST_DURATION",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("DATABASE_PATH", DefaultDatabasePath)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigFile != DefaultConfigFile || cfg.WalletsFile != DefaultWalletsFile {
		t.Errorf("files = %q, %q", cfg.ConfigFile, cfg.WalletsFile)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Pattern != types.PatternConstant {
		t.Errorf("Pattern = %q, want constant", cfg.Pattern)
	}
	if cfg.Users != DefaultUsers || cfg.SpawnRate != DefaultSpawnRate || cfg.Duration != DefaultDuration {
		t.Errorf("users/spawn/duration = %d/%v/%v", cfg.Users, cfg.SpawnRate, cfg.Duration)
	}
	if cfg.Headless {
		t.Error("Headless should default to false")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", "chain.toml")
	t.Setenv("WALLETS_FILE", "keys.json")
	t.Setenv("TARGET_HOST", "127.0.0.1:9000")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOADTEST_USERS", "25")
	t.Setenv("LOADTEST_SPAWN_RATE", "2.5")
	t.Setenv("LOADTEST_DURATION", "90")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigFile != "chain.toml" || cfg.WalletsFile != "keys.json" {
		t.Errorf("files = %q, %q", cfg.ConfigFile, cfg.WalletsFile)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DatabasePath != "" {
		t.Errorf("DatabasePath = %q, want empty (persistence disabled)", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Users != 25 || cfg.SpawnRate != 2.5 || cfg.Duration != 90*time.Second {
		t.Errorf("users/spawn/duration = %d/%v/%v", cfg.Users, cfg.SpawnRate, cfg.Duration)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOADTEST_USERS", "25")
	t.Setenv("LOADTEST_DURATION", "5m")

	cfg, err := Load([]string{"-users", "3", "-duration", "10s", "-pattern", "ramp", "-headless"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Users != 3 {
		t.Errorf("Users = %d, want 3", cfg.Users)
	}
	if cfg.Duration != 10*time.Second {
		t.Errorf("Duration = %v, want 10s", cfg.Duration)
	}
	if cfg.Pattern != types.PatternRamp || !cfg.Headless {
		t.Errorf("Pattern = %q, Headless = %v", cfg.Pattern, cfg.Headless)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "bad users env", env: map[string]string{"LOADTEST_USERS": "many"}, want: "LOADTEST_USERS"},
		{name: "bad spawn rate env", env: map[string]string{"LOADTEST_SPAWN_RATE": "fast"}, want: "LOADTEST_SPAWN_RATE"},
		{name: "bad duration env", env: map[string]string{"LOADTEST_DURATION": "soon"}, want: "LOADTEST_DURATION"},
		{name: "unknown flag", args: []string{"-tps", "100"}, want: "flag provided but not defined"},
		{name: "invalid pattern", args: []string{"-pattern", "adaptive"}, want: "invalid pattern"},
		{name: "zero users", args: []string{"-users", "0"}, want: "users must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "empty config file", modify: func(c *Config) { c.ConfigFile = "" }, wantErr: true},
		{name: "empty wallets file", modify: func(c *Config) { c.WalletsFile = "" }, wantErr: true},
		{name: "empty listen address", modify: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{name: "headless needs no listen address", modify: func(c *Config) { c.ListenAddr = ""; c.Headless = true }},
		{name: "negative spawn rate", modify: func(c *Config) { c.SpawnRate = -1 }, wantErr: true},
		{name: "negative duration", modify: func(c *Config) { c.Duration = -time.Second }, wantErr: true},
		{name: "zero duration runs until stopped", modify: func(c *Config) { c.Duration = 0 }},
		{name: "wait bounds reversed", modify: func(c *Config) { c.WaitMinMs = 500; c.WaitMaxMs = 100 }, wantErr: true},
		{name: "negative wait", modify: func(c *Config) { c.WaitMinMs = -1 }, wantErr: true},
		{name: "equal wait bounds", modify: func(c *Config) { c.WaitMinMs = 100; c.WaitMaxMs = 100 }},
		{name: "zero confirm timeout", modify: func(c *Config) { c.ConfirmTimeout = 0 }, wantErr: true},
		{name: "unknown log level", modify: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "upper case log level", modify: func(c *Config) { c.LogLevel = "WARN" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_StartRequest(t *testing.T) {
	tests := []struct {
		name    string
		pattern types.LoadPattern
		check   func(t *testing.T, req types.StartRunRequest)
	}{
		{
			name:    "constant",
			pattern: types.PatternConstant,
			check: func(t *testing.T, req types.StartRunRequest) {
				if req.Users != 20 || req.RampEnd != 0 || req.SpikeUsers != 0 {
					t.Errorf("req = %+v", req)
				}
			},
		},
		{
			name:    "ramp ends at users",
			pattern: types.PatternRamp,
			check: func(t *testing.T, req types.StartRunRequest) {
				if req.RampStart != 1 || req.RampEnd != 20 {
					t.Errorf("ramp = %d..%d, want 1..20", req.RampStart, req.RampEnd)
				}
			},
		},
		{
			name:    "spike peaks at users",
			pattern: types.PatternSpike,
			check: func(t *testing.T, req types.StartRunRequest) {
				if req.BaselineUsers != 4 || req.SpikeUsers != 20 {
					t.Errorf("spike = %d/%d, want 4/20", req.BaselineUsers, req.SpikeUsers)
				}
				if req.SpikeInterval < req.SpikeDuration {
					t.Errorf("interval %d shorter than spike %d", req.SpikeInterval, req.SpikeDuration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Users = 20
			cfg.Duration = 45 * time.Second
			cfg.Pattern = tt.pattern

			req := cfg.StartRequest()
			if req.Pattern != tt.pattern {
				t.Errorf("Pattern = %q", req.Pattern)
			}
			if req.DurationSec != 45 {
				t.Errorf("DurationSec = %d, want 45", req.DurationSec)
			}
			if req.WaitStrategy != types.WaitBetween || req.WaitMinMs != DefaultWaitMinMs || req.WaitMaxMs != DefaultWaitMaxMs {
				t.Errorf("wait = %s %d..%d", req.WaitStrategy, req.WaitMinMs, req.WaitMaxMs)
			}
			tt.check(t, req)
		})
	}
}
