// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for tunnelgate.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrBadRequest indicates a malformed or incomplete CONNECT request.
	ErrBadRequest = errors.New("bad request")

	// ErrMethodNotAllowed indicates a method other than CONNECT.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrRequestTooLarge indicates the CONNECT request exceeded the size cap.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrHandshakeTimeout indicates the client did not complete the
	// CONNECT exchange in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrForbidden indicates the destination is not whitelisted.
	ErrForbidden = errors.New("destination not allowed")

	// ErrSaturated indicates no admission slot was available.
	ErrSaturated = errors.New("proxy at capacity")

	// ErrRateLimited indicates the client exceeded its connection rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTunnelClosed indicates the tunnel was closed.
	ErrTunnelClosed = errors.New("tunnel closed")
)

// TunnelError wraps an error with connection context.
type TunnelError struct {
	Op         string // Operation that failed (handshake, dial, relay)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Target     string // Destination host:port, if known
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s [%s] %s -> %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Target, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError.
func New(op, sessionID, remoteAddr, target string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Target:     target,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
