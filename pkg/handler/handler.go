// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package handler defines authorization and notification callbacks for
// tunnel lifecycle events.
package handler

import (
	"context"
	"time"
)

// Context contains connection metadata passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Target is the requested destination host:port
	Target string
}

// Stats summarizes a finished tunnel.
type Stats struct {
	// BytesClientToDest is the byte count relayed from client to destination.
	BytesClientToDest uint64

	// BytesDestToClient is the byte count relayed from destination to client.
	BytesDestToClient uint64

	// Duration is the wall-clock time from accept to teardown.
	Duration time.Duration

	// Reason describes why the tunnel ended (completed, lifetime_exceeded,
	// idle_timeout, error, canceled).
	Reason string

	// Err is the terminal error, if any.
	Err error
}

// Handler defines authorization and notification callbacks for tunnel events.
//
// AuthTunnel is called BEFORE the destination dial and can veto the tunnel
// by returning an error; the client then receives a forbidden status.
// Notification methods are called after the fact for audit logging or
// metrics. Errors from notification methods are logged but don't affect
// the tunnel.
type Handler interface {
	// AuthTunnel authorizes a validated CONNECT request before any dial
	// attempt. Return an error to reject the tunnel.
	AuthTunnel(ctx context.Context, hctx *Context) error

	// OnTunnelOpen is called after the destination dial succeeds and the
	// success response has been written to the client.
	OnTunnelOpen(ctx context.Context, hctx *Context) error

	// OnTunnelClose is called once per connection that produced a validated
	// CONNECT request, when the tunnel (or the failed setup attempt) ends,
	// with final byte counters.
	OnTunnelClose(ctx context.Context, hctx *Context, stats Stats) error
}

// NoopHandler is a Handler implementation that allows all tunnels.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthTunnel(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnTunnelOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnTunnelClose(ctx context.Context, hctx *Context, stats Stats) error {
	return nil
}
