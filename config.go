// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package tunnelgate holds the top-level configuration for the CONNECT
// tunnel proxy. The subpackages under pkg/ implement the proxy itself.
package tunnelgate

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tunnelgate/tunnelgate/pkg/proxy"
	"github.com/tunnelgate/tunnelgate/pkg/whitelist"
)

// Config is the environment-driven proxy configuration.
type Config struct {
	// Address is the proxy listen address.
	Address string `env:"ADDRESS" envDefault:":8443"`

	// MaxConcurrentTunnels bounds simultaneously open tunnels.
	MaxConcurrentTunnels int64 `env:"MAX_CONCURRENT_TUNNELS" envDefault:"10000"`

	// AdmissionMode is "block" (queue until a slot frees) or "reject"
	// (refuse with 503 immediately).
	AdmissionMode string `env:"ADMISSION_MODE" envDefault:"block"`

	// MaxQueuedWaiters caps queued connections in block mode. Zero means
	// unbounded.
	MaxQueuedWaiters int64 `env:"MAX_QUEUED_WAITERS" envDefault:"0"`

	// Whitelist lists allowed destinations as host:port entries; a bare
	// host allows any port on that host.
	Whitelist []string `env:"WHITELIST" envSeparator:","`

	// WhitelistEmptyMode is "allow" or "deny" when Whitelist is empty.
	WhitelistEmptyMode string `env:"WHITELIST_EMPTY_MODE" envDefault:"allow"`

	// MaxTunnelDuration is the fairness cap on tunnel lifetime.
	MaxTunnelDuration time.Duration `env:"MAX_TUNNEL_DURATION" envDefault:"30s"`

	// IdleTimeout tears down tunnels with no traffic in either direction.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"15s"`

	// DrainOnExpiry half-closes and drains instead of closing abruptly when
	// MaxTunnelDuration expires.
	DrainOnExpiry bool `env:"DRAIN_ON_EXPIRY" envDefault:"false"`

	// ConnectTimeout bounds the destination dial.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`

	// HandshakeTimeout bounds the CONNECT negotiation.
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`

	// ShutdownTimeout bounds the graceful drain of in-flight tunnels.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ForceCloseOnShutdown skips the drain and closes tunnels immediately.
	ForceCloseOnShutdown bool `env:"FORCE_CLOSE_ON_SHUTDOWN" envDefault:"false"`

	// RateLimitPerClient is the per-source-IP token bucket size. Zero
	// disables rate limiting.
	RateLimitPerClient int64 `env:"RATE_LIMIT_PER_CLIENT" envDefault:"0"`

	// RateLimitRefillPerSec is the per-second refill rate of each bucket.
	RateLimitRefillPerSec int64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"1"`

	// RateLimitMaxClients caps tracked client buckets.
	RateLimitMaxClients int `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"100000"`

	// BreakerMaxFailures is the consecutive dial failures that open the
	// destination circuit breaker. Zero disables the breaker.
	BreakerMaxFailures int `env:"BREAKER_MAX_FAILURES" envDefault:"0"`

	// BreakerResetTimeout is how long the breaker stays open before probing.
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"10s"`

	// MetricsAddress serves Prometheus metrics. Empty disables the server.
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:""`

	// HealthAddress serves health, readiness and liveness endpoints. Empty
	// disables the server.
	HealthAddress string `env:"HEALTH_ADDRESS" envDefault:""`

	// WatchdogInterval is how often slot availability is logged. Zero
	// disables the watchdog.
	WatchdogInterval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"10s"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NewConfig reads the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	switch c.AdmissionMode {
	case "block", "reject":
	default:
		return Config{}, fmt.Errorf("invalid ADMISSION_MODE %q: must be block or reject", c.AdmissionMode)
	}
	switch c.WhitelistEmptyMode {
	case "allow", "deny":
	default:
		return Config{}, fmt.Errorf("invalid WHITELIST_EMPTY_MODE %q: must be allow or deny", c.WhitelistEmptyMode)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT %q: must be json or text", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// WhitelistFilter parses the configured entries into a destination filter.
func (c Config) WhitelistFilter() (*whitelist.Filter, error) {
	mode := whitelist.EmptyAllowAll
	if c.WhitelistEmptyMode == "deny" {
		mode = whitelist.EmptyDenyAll
	}

	entries := make([]whitelist.Entry, 0, len(c.Whitelist))
	for _, raw := range c.Whitelist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entry, err := whitelist.ParseEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", raw, err)
		}
		entries = append(entries, entry)
	}

	return whitelist.New(entries, mode), nil
}

// Admission maps the configured mode string onto the proxy's type.
func (c Config) Admission() proxy.AdmissionMode {
	if c.AdmissionMode == "reject" {
		return proxy.AdmissionReject
	}
	return proxy.AdmissionBlock
}

// Level parses the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
