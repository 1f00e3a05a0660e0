// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the fairness-bounded bidirectional byte copy at
// the heart of every tunnel.
//
// Two independent goroutines copy each direction between client and
// destination.
// Neither direction can starve the other; a read EOF half-closes the write
// side toward the peer so the remaining direction drains. Two timeout
// classes bound every tunnel: a hard lifetime cap (fairness: no client may
// occupy an admission slot indefinitely) and a rolling idle timeout reset on
// every successful read in either direction. Whichever fires first wins,
// and teardown is always both-sockets-down.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the per-direction copy chunk size.
	DefaultBufferSize = 32 * 1024

	// DefaultMaxLifetime caps tunnel wall-clock age.
	DefaultMaxLifetime = 30 * time.Second

	// DefaultIdleTimeout tears down tunnels with no traffic in either
	// direction.
	DefaultIdleTimeout = 15 * time.Second

	// DefaultDrainGrace bounds the drain window when DrainOnExpiry is set.
	DefaultDrainGrace = 5 * time.Second
)

// Reason describes why a tunnel ended.
type Reason int

const (
	ReasonCompleted Reason = iota
	ReasonLifetimeExceeded
	ReasonIdleTimeout
	ReasonError
	ReasonCanceled
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonLifetimeExceeded:
		return "lifetime_exceeded"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonError:
		return "error"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config holds relay tuning.
type Config struct {
	// MaxLifetime is the hard tunnel deadline measured from Run.
	MaxLifetime time.Duration

	// IdleTimeout is the rolling no-traffic deadline.
	IdleTimeout time.Duration

	// DrainOnExpiry selects graceful teardown at the lifetime cap: both
	// write sides are half-closed and in-flight bytes drain for up to
	// DrainGrace before the sockets are forced shut. When false, expiry
	// closes both sockets immediately even if data is flowing.
	DrainOnExpiry bool

	// DrainGrace bounds the drain window. Only used with DrainOnExpiry.
	DrainGrace time.Duration

	// BufferSize is the copy chunk size per direction.
	BufferSize int

	// Logger for relay events
	Logger *slog.Logger
}

// Result summarizes a finished tunnel. Counters are final: no copy
// goroutine is running once Run returns.
type Result struct {
	BytesClientToDest uint64
	BytesDestToClient uint64
	Duration          time.Duration
	Reason            Reason

	// ClientToDestErr and DestToClientErr carry the terminal error of each
	// direction, when the direction failed before teardown began.
	ClientToDestErr error
	DestToClientErr error
}

// Relay runs fairness-bounded tunnels. One Relay is shared across all
// tunnels of a proxy; buffers are pooled.
type Relay struct {
	cfg     Config
	bufPool *bufferPool
}

// New creates a Relay with the given configuration.
func New(cfg Config) *Relay {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:     cfg,
		bufPool: newBufferPool(cfg.BufferSize),
	}
}

// Run relays bytes between client and dest until EOF in both directions, an
// error on either socket, the lifetime cap, the idle timeout, or ctx
// cancellation. It takes exclusive ownership of both sockets and always
// closes them before returning.
func (r *Relay) Run(ctx context.Context, sessionID string, client, dest net.Conn) Result {
	start := time.Now()

	var bytesClientToDest, bytesDestToClient atomic.Uint64
	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())

	type dirDone struct {
		clientToDest bool
		err          error
	}
	done := make(chan dirDone, 2)

	go func() {
		err := r.copyDirection(client, dest, &bytesClientToDest, &lastActivity)
		done <- dirDone{clientToDest: true, err: err}
	}()
	go func() {
		err := r.copyDirection(dest, client, &bytesDestToClient, &lastActivity)
		done <- dirDone{clientToDest: false, err: err}
	}()

	lifetime := time.NewTimer(r.cfg.MaxLifetime)
	defer lifetime.Stop()
	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	var grace *time.Timer
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	lifetimeC := lifetime.C
	idleC := idle.C
	ctxDone := ctx.Done()
	var graceC <-chan time.Time

	reason := ReasonCompleted
	reasonSet := false
	setReason := func(why Reason) {
		if !reasonSet {
			reasonSet = true
			reason = why
		}
	}

	tornDown := false
	teardown := func(why Reason) {
		setReason(why)
		if tornDown {
			return
		}
		tornDown = true
		client.Close()
		dest.Close()
		lifetimeC, idleC, ctxDone, graceC = nil, nil, nil, nil
	}

	var clientToDestErr, destToClientErr error

	for finished := 0; finished < 2; {
		select {
		case d := <-done:
			finished++
			if d.err != nil {
				// Errors surfacing after teardown are the expected fallout
				// of closing the sockets under the copy loops.
				if !tornDown {
					if d.clientToDest {
						clientToDestErr = d.err
					} else {
						destToClientErr = d.err
					}
					teardown(ReasonError)
				}
			}

		case <-lifetimeC:
			if r.cfg.DrainOnExpiry {
				setReason(ReasonLifetimeExceeded)
				halfClose(client)
				halfClose(dest)
				grace = time.NewTimer(r.cfg.DrainGrace)
				graceC = grace.C
				lifetimeC, idleC = nil, nil
			} else {
				teardown(ReasonLifetimeExceeded)
			}

		case <-graceC:
			teardown(ReasonLifetimeExceeded)

		case <-idleC:
			idleFor := time.Since(time.Unix(0, lastActivity.Load()))
			if idleFor >= r.cfg.IdleTimeout {
				teardown(ReasonIdleTimeout)
			} else {
				idle.Reset(r.cfg.IdleTimeout - idleFor)
			}

		case <-ctxDone:
			teardown(ReasonCanceled)
		}
	}

	// Natural completion path: both directions hit EOF before any bound.
	if !tornDown {
		client.Close()
		dest.Close()
	}

	res := Result{
		BytesClientToDest: bytesClientToDest.Load(),
		BytesDestToClient: bytesDestToClient.Load(),
		Duration:          time.Since(start),
		Reason:            reason,
		ClientToDestErr:   clientToDestErr,
		DestToClientErr:   destToClientErr,
	}

	r.cfg.Logger.Debug("tunnel closed",
		slog.String("session", sessionID),
		slog.String("reason", res.Reason.String()),
		slog.Uint64("bytes_client_to_dest", res.BytesClientToDest),
		slog.Uint64("bytes_dest_to_client", res.BytesDestToClient),
		slog.Duration("duration", res.Duration))

	return res
}

// copyDirection pumps bytes src to dst until EOF or error. On EOF it
// half-closes dst so the opposite direction can keep draining.
func (r *Relay) copyDirection(src, dst net.Conn, count *atomic.Uint64, lastActivity *atomic.Int64) error {
	buf := r.bufPool.get()
	defer r.bufPool.put(buf)

	for {
		nr, err := src.Read(buf)
		if nr > 0 {
			lastActivity.Store(time.Now().UnixNano())
			count.Add(uint64(nr))
			if _, werr := dst.Write(buf[:nr]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				halfClose(dst)
				return nil
			}
			return err
		}
	}
}

// closeWriter is satisfied by *net.TCPConn and friends.
type closeWriter interface {
	CloseWrite() error
}

func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
	}
}
