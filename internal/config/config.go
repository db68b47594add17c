// Package config loads agentflow settings from an optional YAML file with
// AGENTFLOW_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix         = "AGENTFLOW_"
	maxConfigFileSize = 1 << 20
)

type Config struct {
	HTTP         HTTP         `koanf:"http"`
	DB           DB           `koanf:"db"`
	Log          Log          `koanf:"log"`
	Worker       Worker       `koanf:"worker"`
	Scheduler    Scheduler    `koanf:"scheduler"`
	Orchestrator Orchestrator `koanf:"orchestrator"`
	Autonomous   Autonomous   `koanf:"autonomous"`
	RateLimit    RateLimit    `koanf:"ratelimit"`
	Engine       Engine       `koanf:"engine"`
	Tools        Tools        `koanf:"tools"`
	APIKeys      []APIKey     `koanf:"api_keys"`
}

type HTTP struct {
	Addr            string        `koanf:"addr"`
	Debug           bool          `koanf:"debug"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DB struct {
	Path string `koanf:"path"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console or json
}

type Worker struct {
	Concurrency       int           `koanf:"concurrency"`
	RatePerSec        float64       `koanf:"rate_per_sec"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
}

type Scheduler struct {
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	RunTimeout        time.Duration `koanf:"run_timeout"`
}

type Orchestrator struct {
	MaxRetries     int           `koanf:"max_retries"`
	StepTimeout    time.Duration `koanf:"step_timeout"`
	TraceLimit     int           `koanf:"trace_limit"`
	SummarizeAfter int           `koanf:"summarize_after"`
}

type Autonomous struct {
	DefaultMaxIterations int           `koanf:"default_max_iterations"`
	MaxIterationsCap     int           `koanf:"max_iterations_cap"`
	RunBudget            time.Duration `koanf:"run_budget"`
	PhaseTimeout         time.Duration `koanf:"phase_timeout"`
}

type RateLimit struct {
	DefaultLimit    int           `koanf:"default_limit"`
	Window          time.Duration `koanf:"window"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

type Engine struct {
	URL      string        `koanf:"url"`
	Timeout  time.Duration `koanf:"timeout"`
	MaxTurns int           `koanf:"max_turns"`
}

type Tools struct {
	ShellAllow []string `koanf:"shell_allow"`
}

// APIKey maps a key presented in X-API-Key to the owner it acts as.
// RateLimit 0 uses ratelimit.default_limit.
type APIKey struct {
	Key       string `koanf:"key"`
	Owner     string `koanf:"owner"`
	RateLimit int    `koanf:"rate_limit"`
}

func Default() Config {
	return Config{
		HTTP:         HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		DB:           DB{Path: "agentflow.db"},
		Log:          Log{Level: "info", Format: "console"},
		Worker:       Worker{Concurrency: 5, RatePerSec: 10, PollInterval: 250 * time.Millisecond, VisibilityTimeout: 5 * time.Minute},
		Scheduler:    Scheduler{ReconcileInterval: time.Minute, RunTimeout: 5 * time.Minute},
		Orchestrator: Orchestrator{MaxRetries: 3, StepTimeout: 5 * time.Minute, TraceLimit: 20, SummarizeAfter: 40},
		Autonomous:   Autonomous{DefaultMaxIterations: 20, MaxIterationsCap: 100, RunBudget: 5 * time.Minute, PhaseTimeout: 5 * time.Minute},
		RateLimit:    RateLimit{DefaultLimit: 60, Window: 60 * time.Second, CleanupInterval: time.Minute},
		Engine:       Engine{URL: "http://127.0.0.1:8090", Timeout: 5 * time.Minute, MaxTurns: 8},
	}
}

// Load reads path when it is non-empty, then applies environment overrides.
// Precedence, highest first: environment, file, defaults.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return Config{}, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		if data, err = os.ReadFile(path); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse loads YAML bytes (possibly empty) and the environment.
func Parse(data []byte) (Config, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps AGENTFLOW_WORKER_RATE_PER_SEC to worker.rate_per_sec: the
// first segment is the section, the rest is the field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.DB.Path != "", "db.path is required")
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format must be console or json, got %q", c.Log.Format)
	check(c.Worker.Concurrency > 0, "worker.concurrency must be positive")
	check(c.Worker.RatePerSec > 0, "worker.rate_per_sec must be positive")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(c.Worker.VisibilityTimeout > 0, "worker.visibility_timeout must be positive")
	check(c.Scheduler.ReconcileInterval > 0, "scheduler.reconcile_interval must be positive")
	check(c.Scheduler.RunTimeout > 0, "scheduler.run_timeout must be positive")
	check(c.Orchestrator.MaxRetries >= 0, "orchestrator.max_retries must not be negative")
	check(c.Orchestrator.StepTimeout > 0, "orchestrator.step_timeout must be positive")
	check(c.Autonomous.MaxIterationsCap > 0, "autonomous.max_iterations_cap must be positive")
	check(c.Autonomous.DefaultMaxIterations > 0 && c.Autonomous.DefaultMaxIterations <= c.Autonomous.MaxIterationsCap,
		"autonomous.default_max_iterations must be between 1 and %d", c.Autonomous.MaxIterationsCap)
	check(c.Autonomous.RunBudget > 0, "autonomous.run_budget must be positive")
	check(c.RateLimit.DefaultLimit > 0, "ratelimit.default_limit must be positive")
	check(c.RateLimit.Window > 0, "ratelimit.window must be positive")
	check(c.Engine.URL != "", "engine.url is required")

	seen := make(map[string]bool, len(c.APIKeys))
	for i, k := range c.APIKeys {
		check(k.Key != "" && k.Owner != "", "api_keys[%d] needs key and owner", i)
		check(!seen[k.Key], "api_keys[%d] duplicates an earlier key", i)
		check(k.RateLimit >= 0, "api_keys[%d].rate_limit must not be negative", i)
		seen[k.Key] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
