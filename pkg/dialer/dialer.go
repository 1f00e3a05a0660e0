// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package dialer opens TCP connections to validated CONNECT destinations.
//
// Resolution is delegated to the platform resolver. Dial errors are
// classified so the dispatcher can map them to distinct client-facing
// statuses; no retries happen at this layer.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Dial error classes.
var (
	// ErrResolutionFailed indicates the destination host did not resolve.
	ErrResolutionFailed = errors.New("resolution failed")

	// ErrConnectTimeout indicates the TCP connect did not complete in time.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectRefused indicates the destination actively refused.
	ErrConnectRefused = errors.New("connection refused")
)

// DialFunc matches net.Dialer.DialContext and can be swapped in tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer connects to destinations with a bounded connect timeout.
type Dialer struct {
	timeout  time.Duration
	dialFunc DialFunc
}

// New creates a Dialer with the given connect timeout.
func New(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &net.Dialer{Timeout: timeout}
	return &Dialer{
		timeout:  timeout,
		dialFunc: d.DialContext,
	}
}

// NewWithDialFunc creates a Dialer using a custom dial function. Used by
// tests to count or fake dial attempts.
func NewWithDialFunc(timeout time.Duration, fn DialFunc) *Dialer {
	d := New(timeout)
	if fn != nil {
		d.dialFunc = fn
	}
	return d
}

// Dial opens a TCP connection to target (host:port). The returned error,
// if any, matches one of the exported classes via errors.Is where the
// cause is recognizable.
func (d *Dialer) Dial(ctx context.Context, target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dialFunc(ctx, "tcp", target)
	if err != nil {
		return nil, Classify(err, target)
	}
	return conn, nil
}

// Classify maps a raw dial error onto the exported error classes.
func Classify(err error, target string) error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %s: %v", ErrResolutionFailed, target, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %s", ErrConnectTimeout, target)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s", ErrConnectRefused, target)
	default:
		return fmt.Errorf("dial %s: %w", target, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
