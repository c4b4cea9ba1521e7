package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}

	if c.Connection.WSURL == "" {
		return errors.New("connection.ws_url is required")
	}
	if !strings.HasPrefix(c.Connection.WSURL, "ws://") && !strings.HasPrefix(c.Connection.WSURL, "wss://") {
		return fmt.Errorf("connection.ws_url must use ws:// or wss://, got %q", c.Connection.WSURL)
	}
	if c.Connection.PingInterval <= 0 {
		return errors.New("connection.ping_interval must be > 0")
	}
	if c.Connection.PongTimeout < 0 {
		return errors.New("connection.pong_timeout must be >= 0")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}

	if err := c.API.Retry.validate("api.retry"); err != nil {
		return err
	}
	if err := c.Connection.Retry.validate("connection.retry"); err != nil {
		return err
	}

	if c.Reconciler.PortfolioThreshold < 0 {
		return errors.New("reconciler.portfolio_threshold must be >= 0")
	}
	if c.Reconciler.TradeTapeSize < 1 {
		return errors.New("reconciler.trade_tape_size must be >= 1")
	}

	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (r *RetryConfig) validate(prefix string) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be >= 1", prefix)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be > 0", prefix)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("%s.max_delay (%v) cannot be below base_delay (%v)", prefix, r.MaxDelay, r.BaseDelay)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", prefix)
	}
	return nil
}
