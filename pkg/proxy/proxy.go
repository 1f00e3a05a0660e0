// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelgate/tunnelgate/pkg/admission"
	"github.com/tunnelgate/tunnelgate/pkg/breaker"
	"github.com/tunnelgate/tunnelgate/pkg/dialer"
	terrors "github.com/tunnelgate/tunnelgate/pkg/errors"
	"github.com/tunnelgate/tunnelgate/pkg/handler"
	"github.com/tunnelgate/tunnelgate/pkg/handshake"
	"github.com/tunnelgate/tunnelgate/pkg/metrics"
	"github.com/tunnelgate/tunnelgate/pkg/ratelimit"
	"github.com/tunnelgate/tunnelgate/pkg/relay"
	"github.com/tunnelgate/tunnelgate/pkg/whitelist"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the
	// configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// AdmissionMode selects how saturated admission behaves.
type AdmissionMode int

const (
	// AdmissionBlock queues the connection (up to MaxQueuedWaiters) until a
	// slot frees.
	AdmissionBlock AdmissionMode = iota
	// AdmissionReject refuses immediately with 503 when no slot is free.
	AdmissionReject
)

// Config holds the proxy configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// MaxConcurrentTunnels bounds simultaneously open tunnels.
	MaxConcurrentTunnels int64

	// AdmissionMode selects blocking or rejecting admission.
	AdmissionMode AdmissionMode

	// MaxQueuedWaiters caps connections queued for a slot in block mode.
	// Zero means unbounded.
	MaxQueuedWaiters int64

	// HandshakeTimeout bounds the CONNECT negotiation.
	HandshakeTimeout time.Duration

	// ConnectTimeout bounds the destination dial.
	ConnectTimeout time.Duration

	// MaxTunnelDuration is the fairness cap on tunnel lifetime.
	MaxTunnelDuration time.Duration

	// IdleTimeout tears down tunnels with no traffic in either direction.
	IdleTimeout time.Duration

	// DrainOnExpiry selects a bounded half-close drain instead of an abrupt
	// close when MaxTunnelDuration expires.
	DrainOnExpiry bool

	// ShutdownTimeout is the maximum time to wait for in-flight tunnels to
	// drain during graceful shutdown before they are forcefully closed.
	ShutdownTimeout time.Duration

	// ForceCloseOnShutdown skips the drain and cancels in-flight tunnels as
	// soon as the listener stops.
	ForceCloseOnShutdown bool

	// Whitelist filters destinations. Nil means an empty allow-all filter.
	Whitelist *whitelist.Filter

	// Handler receives tunnel lifecycle callbacks. Nil means NoopHandler.
	Handler handler.Handler

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics

	// RateLimiter optionally gates connection attempts per source IP.
	RateLimiter *ratelimit.PerClient

	// DialBreaker optionally short-circuits dials when upstream connects
	// keep failing.
	DialBreaker *breaker.Breaker

	// Dialer overrides the destination dialer. Nil builds one from
	// ConnectTimeout.
	Dialer *dialer.Dialer

	// Logger for proxy events
	Logger *slog.Logger
}

// Proxy accepts CONNECT requests and runs fairness-bounded tunnels. Each
// accepted connection is dispatched to its own goroutine; the accept loop
// never waits on any one connection's lifecycle.
type Proxy struct {
	cfg        Config
	gate       *admission.Gate
	negotiator *handshake.Negotiator
	dialer     *dialer.Dialer
	relay      *relay.Relay
	wg         sync.WaitGroup
	addr       atomic.Value // net.Addr, set once listening
}

// New creates a Proxy from cfg, filling defaults for optional fields.
func New(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentTunnels <= 0 {
		cfg.MaxConcurrentTunnels = 10000
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = whitelist.New(nil, whitelist.EmptyAllowAll)
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}

	d := cfg.Dialer
	if d == nil {
		d = dialer.New(cfg.ConnectTimeout)
	}

	return &Proxy{
		cfg:        cfg,
		gate:       admission.New(cfg.MaxConcurrentTunnels, cfg.MaxQueuedWaiters),
		negotiator: handshake.New(cfg.HandshakeTimeout, cfg.Logger),
		dialer:     d,
		relay: relay.New(relay.Config{
			MaxLifetime:   cfg.MaxTunnelDuration,
			IdleTimeout:   cfg.IdleTimeout,
			DrainOnExpiry: cfg.DrainOnExpiry,
			Logger:        cfg.Logger,
		}),
	}
}

// Gate exposes the admission gate for health checks and the capacity
// watchdog.
func (p *Proxy) Gate() *admission.Gate {
	return p.gate
}

// Addr returns the bound listen address, or nil before Listen has started
// accepting. Useful when Address is configured with port 0.
func (p *Proxy) Addr() net.Addr {
	addr, _ := p.addr.Load().(net.Addr)
	return addr
}

// Listen starts the proxy and blocks until the context is cancelled. It
// implements graceful shutdown with connection draining.
func (p *Proxy) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Address, err)
	}
	p.addr.Store(listener.Addr())

	p.cfg.Logger.Info("proxy started",
		slog.String("address", listener.Addr().String()),
		slog.Int64("max_concurrent_tunnels", p.cfg.MaxConcurrentTunnels))

	// Separate context for in-flight tunnels so shutdown can decide when to
	// force-close them.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					p.cfg.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	p.cfg.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		p.cfg.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	if p.cfg.ForceCloseOnShutdown {
		p.cfg.Logger.Info("force-closing in-flight tunnels")
		connCancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cfg.Logger.Info("all tunnels closed")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cfg.Logger.Warn("shutdown timeout exceeded, forcing tunnel closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// Watch periodically logs slot availability and refreshes admission gauges.
// It also warns when the proxy is running at capacity.
func (p *Proxy) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available := p.gate.Available()
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.SlotsAvailable.Set(float64(available))
				p.cfg.Metrics.SlotsWaiting.Set(float64(p.gate.Waiting()))
			}
			p.cfg.Logger.Info("admission slots",
				slog.Int64("available", available),
				slog.Int64("capacity", p.gate.Capacity()))
			if available == 0 {
				p.cfg.Logger.Warn("proxy is running at capacity")
			}
		}
	}
}

// handleConn runs the full per-connection lifecycle: rate limit, admission,
// handshake, whitelist check, dial, relay. Socket closure and slot release
// are guaranteed on every exit path.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.New().String()
	remote := conn.RemoteAddr().String()
	start := time.Now()
	logger := p.cfg.Logger.With(
		slog.String("session", sessionID),
		slog.String("remote", remote))

	if p.cfg.RateLimiter != nil && !p.cfg.RateLimiter.Allow(clientKey(remote)) {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RateLimitedClients.Inc()
		}
		p.countRejection(handshake.StatusTooManyRequests)
		handshake.WriteStatus(conn, handshake.StatusTooManyRequests)
		logger.Warn("connection rate limited")
		return
	}

	slot, err := p.acquireSlot(ctx)
	if err != nil {
		if errors.Is(err, admission.ErrBusy) {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.AdmissionBusy.Inc()
			}
			p.countRejection(handshake.StatusUnavailable)
			handshake.WriteStatus(conn, handshake.StatusUnavailable)
			logger.Warn("admission refused, proxy at capacity")
		}
		return
	}
	defer slot.Release()

	req, err := p.negotiator.Negotiate(conn)
	if err != nil {
		var rej *handshake.Rejection
		if errors.As(err, &rej) {
			p.countRejection(rej.Status)
			logger.Debug("handshake rejected",
				slog.Int("status", rej.Status.Code),
				slog.String("error", err.Error()))
		}
		return
	}

	target := req.Target()
	logger = logger.With(slog.String("target", target))
	hctx := &handler.Context{
		SessionID:  sessionID,
		RemoteAddr: remote,
		Target:     target,
	}

	if !p.cfg.Whitelist.IsAllowed(req.Host, req.Port) {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.WhitelistDenials.Inc()
		}
		p.countRejection(handshake.StatusForbidden)
		handshake.WriteStatus(conn, handshake.StatusForbidden)
		logger.Warn("destination not whitelisted")
		p.notifyClose(hctx, handler.Stats{
			Duration: time.Since(start),
			Reason:   "denied",
			Err:      terrors.New("whitelist", sessionID, remote, target, terrors.ErrForbidden),
		}, logger)
		return
	}

	if err := p.cfg.Handler.AuthTunnel(ctx, hctx); err != nil {
		p.countRejection(handshake.StatusForbidden)
		handshake.WriteStatus(conn, handshake.StatusForbidden)
		logger.Warn("tunnel vetoed by handler", slog.String("error", err.Error()))
		p.notifyClose(hctx, handler.Stats{
			Duration: time.Since(start),
			Reason:   "denied",
			Err:      err,
		}, logger)
		return
	}

	dest, err := p.dialDestination(ctx, target)
	if err != nil {
		status := dialStatus(err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.DialErrors.WithLabelValues(dialClass(err)).Inc()
		}
		p.countRejection(status)
		handshake.WriteStatus(conn, status)
		logger.Warn("destination dial failed",
			slog.Int("status", status.Code),
			slog.String("error", err.Error()))
		p.notifyClose(hctx, handler.Stats{
			Duration: time.Since(start),
			Reason:   "dial_failed",
			Err:      terrors.New("dial", sessionID, remote, target, err),
		}, logger)
		return
	}

	// The client learns "connected" only now that a live path exists.
	if err := handshake.WriteStatus(conn, handshake.StatusConnected); err != nil {
		dest.Close()
		logger.Debug("failed to write success response", slog.String("error", err.Error()))
		return
	}

	if err := p.cfg.Handler.OnTunnelOpen(ctx, hctx); err != nil {
		logger.Error("open handler error", slog.String("error", err.Error()))
	}
	logger.Info("tunnel established")

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveTunnels.Inc()
	}
	res := p.relay.Run(ctx, sessionID, conn, dest)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveTunnels.Dec()
		p.cfg.Metrics.ObserveTunnel(res.Reason.String(), res.Duration.Seconds(),
			res.BytesClientToDest, res.BytesDestToClient)
	}

	stats := handler.Stats{
		BytesClientToDest: res.BytesClientToDest,
		BytesDestToClient: res.BytesDestToClient,
		Duration:          time.Since(start),
		Reason:            res.Reason.String(),
		Err:               terrors.New("relay", sessionID, remote, target, firstErr(res.ClientToDestErr, res.DestToClientErr)),
	}
	p.notifyClose(hctx, stats, logger)

	logger.Info("tunnel closed",
		slog.String("reason", stats.Reason),
		slog.Uint64("bytes_client_to_dest", stats.BytesClientToDest),
		slog.Uint64("bytes_dest_to_client", stats.BytesDestToClient),
		slog.Duration("duration", stats.Duration))
}

func (p *Proxy) acquireSlot(ctx context.Context) (*admission.Slot, error) {
	if p.cfg.AdmissionMode == AdmissionReject {
		return p.gate.TryAcquire()
	}
	return p.gate.Acquire(ctx)
}

func (p *Proxy) dialDestination(ctx context.Context, target string) (net.Conn, error) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.DialAttempts.Inc()
	}
	if p.cfg.DialBreaker == nil {
		return p.dialer.Dial(ctx, target)
	}

	var dest net.Conn
	err := p.cfg.DialBreaker.Do(func() error {
		var derr error
		dest, derr = p.dialer.Dial(ctx, target)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return dest, nil
}

// notifyClose delivers the per-connection result event. Uses a background
// context: the connection context may already be cancelled during shutdown.
func (p *Proxy) notifyClose(hctx *handler.Context, stats handler.Stats, logger *slog.Logger) {
	if err := p.cfg.Handler.OnTunnelClose(context.Background(), hctx, stats); err != nil {
		logger.Error("close handler error", slog.String("error", err.Error()))
	}
}

func (p *Proxy) countRejection(status handshake.Status) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.HandshakeRejections.WithLabelValues(strconv.Itoa(status.Code)).Inc()
	}
}

// dialStatus maps dial failures onto client-facing statuses: timeouts are
// distinguishable (504) from everything else (502).
func dialStatus(err error) handshake.Status {
	if errors.Is(err, dialer.ErrConnectTimeout) {
		return handshake.StatusGatewayTimeout
	}
	return handshake.StatusBadGateway
}

func dialClass(err error) string {
	switch {
	case errors.Is(err, dialer.ErrResolutionFailed):
		return "resolution_failed"
	case errors.Is(err, dialer.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, dialer.ErrConnectRefused):
		return "connect_refused"
	case errors.Is(err, breaker.ErrOpen):
		return "breaker_open"
	default:
		return "other"
	}
}

// clientKey reduces a remote address to its host so all connections from
// one IP share a rate limit bucket.
func clientKey(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
