// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelgate/tunnelgate"
	"github.com/tunnelgate/tunnelgate/examples/logging"
	"github.com/tunnelgate/tunnelgate/pkg/breaker"
	"github.com/tunnelgate/tunnelgate/pkg/health"
	"github.com/tunnelgate/tunnelgate/pkg/metrics"
	"github.com/tunnelgate/tunnelgate/pkg/proxy"
	"github.com/tunnelgate/tunnelgate/pkg/ratelimit"
)

const (
	envPrefix     = "TUNNELGATE_"
	metricsPrefix = "tunnelgate"

	// Goroutine count above which the runtime health check reports trouble.
	maxHealthyGoroutines = 50000
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file before reading the environment.
	envFileErr := godotenv.Load()

	cfg, err := tunnelgate.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	if envFileErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	whitelistFilter, err := cfg.WhitelistFilter()
	if err != nil {
		logger.Error("invalid whitelist", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if whitelistFilter.Size() == 0 {
		logger.Warn("whitelist is empty",
			slog.String("empty_mode", cfg.WhitelistEmptyMode))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(metricsPrefix, registry)

	var limiter *ratelimit.PerClient
	if cfg.RateLimitPerClient > 0 {
		limiter = ratelimit.NewPerClient(cfg.RateLimitPerClient,
			cfg.RateLimitRefillPerSec, cfg.RateLimitMaxClients)
		defer limiter.Close()
	}

	var dialBreaker *breaker.Breaker
	if cfg.BreakerMaxFailures > 0 {
		dialBreaker = breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		dialBreaker.OnStateChange(func(from, to breaker.State) {
			logger.Warn("dial circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.CircuitBreakerState.Set(float64(to))
			if to == breaker.StateOpen {
				m.CircuitBreakerTrips.Inc()
			}
		})
	}

	p := proxy.New(proxy.Config{
		Address:              cfg.Address,
		MaxConcurrentTunnels: cfg.MaxConcurrentTunnels,
		AdmissionMode:        cfg.Admission(),
		MaxQueuedWaiters:     cfg.MaxQueuedWaiters,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ConnectTimeout:       cfg.ConnectTimeout,
		MaxTunnelDuration:    cfg.MaxTunnelDuration,
		IdleTimeout:          cfg.IdleTimeout,
		DrainOnExpiry:        cfg.DrainOnExpiry,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		ForceCloseOnShutdown: cfg.ForceCloseOnShutdown,
		Whitelist:            whitelistFilter,
		Handler:              logging.New(logger),
		Metrics:              m,
		RateLimiter:          limiter,
		DialBreaker:          dialBreaker,
		Logger:               logger,
	})

	g.Go(func() error {
		err := p.Listen(ctx)
		if errors.Is(err, proxy.ErrShutdownTimeout) {
			logger.Warn("some tunnels were force-closed during shutdown")
			return nil
		}
		return err
	})

	if cfg.WatchdogInterval > 0 {
		g.Go(func() error {
			p.Watch(ctx, cfg.WatchdogInterval)
			return nil
		})
	}

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		startHTTPServer(g, ctx, cfg.MetricsAddress, mux, "metrics", logger)
	}

	if cfg.HealthAddress != "" {
		checker := health.NewChecker(5 * time.Second)
		checker.Register("admission", func(context.Context) error {
			if p.Gate().Available() == 0 {
				return errors.New("no admission slots available")
			}
			return nil
		})
		checker.Register("goroutines", func(context.Context) error {
			if n := runtime.NumGoroutine(); n > maxHealthyGoroutines {
				return fmt.Errorf("goroutine count %d exceeds %d", n, maxHealthyGoroutines)
			}
			return nil
		})

		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.HTTPHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		startHTTPServer(g, ctx, cfg.HealthAddress, mux, "health", logger)
	}

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("tunnelgate service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("tunnelgate service stopped")
}

func setupLogger(cfg tunnelgate.Config) *slog.Logger {
	level, _ := cfg.Level() // validated by NewConfig
	opts := &slog.HandlerOptions{Level: level}

	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logHandler)
}

// startHTTPServer runs an auxiliary HTTP server under the group and shuts
// it down when the context is cancelled.
func startHTTPServer(g *errgroup.Group, ctx context.Context, address string, mux *http.ServeMux, name string, logger *slog.Logger) {
	srv := &http.Server{Addr: address, Handler: mux}

	g.Go(func() error {
		logger.Info(name+" server started", slog.String("address", address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server failed: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
