package config

import (
	"time"

	"github.com/quantpaper/tradesync/internal/retry"
)

// Default values for optional configuration fields.
const (
	DefaultRestURL = "https://api.quantpaper.io/v1"
	DefaultWSURL   = "wss://stream.quantpaper.io/ws"

	DefaultAPITimeout = 30 * time.Second

	DefaultPingInterval = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBufferSize   = 1024

	DefaultPortfolioThreshold = 1.0
	DefaultTradeTapeSize      = 256

	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 10 * time.Second

	DefaultHealthPort = 8090
	DefaultHealthPath = "/healthz"
)

func (c *Config) applyDefaults() {
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	applyRetryDefaults(&c.API.Retry, retry.RESTProfile())

	if c.Connection.WSURL == "" {
		c.Connection.WSURL = DefaultWSURL
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	applyRetryDefaults(&c.Connection.Retry, retry.ConnectionProfile())

	if c.Reconciler.PortfolioThreshold == 0 {
		c.Reconciler.PortfolioThreshold = DefaultPortfolioThreshold
	}
	if c.Reconciler.TradeTapeSize == 0 {
		c.Reconciler.TradeTapeSize = DefaultTradeTapeSize
	}

	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyRetryDefaults(rc *RetryConfig, p retry.Profile) {
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = p.MaxAttempts
	}
	if rc.BaseDelay == 0 {
		rc.BaseDelay = p.BaseDelay
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = p.MaxDelay
	}
	if rc.Multiplier == 0 {
		rc.Multiplier = p.Multiplier
	}
}
