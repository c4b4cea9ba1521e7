package config

import (
	"time"

	"github.com/quantpaper/tradesync/internal/retry"
)

// Config is the root configuration for a tradesync instance.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Poller     PollerConfig     `yaml:"poller"`
	Health     HealthConfig     `yaml:"health"`
}

// APIConfig holds REST backend settings.
type APIConfig struct {
	RestURL   string        `yaml:"rest_url"`
	Token     string        `yaml:"token"`      // literal token, wins over the other sources
	TokenFile string        `yaml:"token_file"` // path to a file holding the token
	TokenEnv  string        `yaml:"token_env"`  // env var holding the token
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

// ConnectionConfig holds push channel settings.
type ConnectionConfig struct {
	WSURL        string        `yaml:"ws_url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"` // 0 disables liveness checks
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig is the YAML form of a retry profile. NoJitter is
// inverted so the zero value keeps jitter on.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	NoJitter    bool          `yaml:"no_jitter"`
}

// Profile converts the YAML form to a retry profile.
func (r RetryConfig) Profile() retry.Profile {
	return retry.Profile{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      !r.NoJitter,
	}
}

// ReconcilerConfig holds state merge settings.
type ReconcilerConfig struct {
	PortfolioThreshold float64 `yaml:"portfolio_threshold"`
	TradeTapeSize      int     `yaml:"trade_tape_size"`
}

// PollerConfig holds the active-order poll fallback settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig holds the health/stats HTTP endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
