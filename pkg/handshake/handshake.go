// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the HTTP CONNECT negotiation that precedes
// every tunnel.
//
// The negotiator reads the client's request under a deadline and a hard
// size cap, accepts only `CONNECT host:port HTTP/1.1`, and writes the
// rejection status line itself on failure. The success response is NOT
// written here: the dispatcher sends it only after the destination dial
// succeeds, so the client is never told "connected" before a live path
// exists.
package handshake

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelgate/tunnelgate/pkg/errors"
)

const (
	// DefaultMaxRequestSize caps the CONNECT request (request line plus
	// headers) in bytes.
	DefaultMaxRequestSize = 2048

	// DefaultTimeout bounds the whole negotiation.
	DefaultTimeout = 5 * time.Second
)

// State is the per-connection negotiation state.
type State int

const (
	StateAwaitingRequestLine State = iota
	StateParsingHeaders
	StateValidated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequestLine:
		return "awaiting_request_line"
	case StateParsingHeaders:
		return "parsing_headers"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Status is a minimal HTTP-style response status.
type Status struct {
	Code int
	Text string
}

var (
	StatusConnected        = Status{200, "Connection Established"}
	StatusBadRequest       = Status{400, "Bad Request"}
	StatusForbidden        = Status{403, "Forbidden"}
	StatusMethodNotAllowed = Status{405, "Method Not Allowed"}
	StatusRequestTimeout   = Status{408, "Request Timeout"}
	StatusPayloadTooLarge  = Status{413, "Payload Too Large"}
	StatusTooManyRequests  = Status{429, "Too Many Requests"}
	StatusInternalError    = Status{500, "Internal Server Error"}
	StatusBadGateway       = Status{502, "Bad Gateway"}
	StatusUnavailable      = Status{503, "Service Unavailable"}
	StatusGatewayTimeout   = Status{504, "Gateway Timeout"}
)

// StatusLine renders the full response: status line plus terminator.
// After a 200 the channel is raw bytes, so there are never headers.
func (s Status) StatusLine() string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", s.Code, s.Text)
}

// WriteStatus writes the response for s to w.
func WriteStatus(w io.Writer, s Status) error {
	_, err := io.WriteString(w, s.StatusLine())
	return err
}

// Request is a validated CONNECT request. Immutable once parsed.
type Request struct {
	Host           string
	Port           uint16
	RawRequestLine string
}

// Target returns the destination as a dialable host:port.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Rejection is a terminal negotiation failure carrying the status already
// written to the client.
type Rejection struct {
	Status Status
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handshake rejected (%d %s): %v", r.Status.Code, r.Status.Text, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Negotiator parses CONNECT requests off client sockets. It is stateless
// between connections and safe for concurrent use.
type Negotiator struct {
	timeout        time.Duration
	maxRequestSize int
	logger         *slog.Logger
}

// New creates a Negotiator with the given handshake timeout.
func New(timeout time.Duration, logger *slog.Logger) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		timeout:        timeout,
		maxRequestSize: DefaultMaxRequestSize,
		logger:         logger,
	}
}

// Negotiate runs the negotiation state machine on conn. On success it
// returns the parsed request; the caller owns writing the success response
// after the dial. On failure it writes the rejection response and returns a
// *Rejection; the caller owns closing the socket.
//
// Reads are byte-wise so no client bytes beyond the request terminator are
// consumed; whatever follows belongs to the tunnel.
func (n *Negotiator) Negotiate(conn net.Conn) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(n.timeout)); err != nil {
		return nil, n.reject(conn, &Rejection{Status: StatusInternalError, Err: err})
	}
	defer conn.SetReadDeadline(time.Time{})

	var (
		req      *Request
		consumed int
	)

	state := StateAwaitingRequestLine
	for {
		switch state {
		case StateAwaitingRequestLine:
			line, err := n.readLine(conn, &consumed)
			if err != nil {
				return nil, n.reject(conn, classifyReadError(err))
			}
			parsed, rej := parseRequestLine(line)
			if rej != nil {
				return nil, n.reject(conn, rej)
			}
			req = parsed
			state = StateParsingHeaders

		case StateParsingHeaders:
			line, err := n.readLine(conn, &consumed)
			if err != nil {
				return nil, n.reject(conn, classifyReadError(err))
			}
			if line == "" {
				state = StateValidated
				continue
			}
			if !strings.Contains(line, ":") {
				return nil, n.reject(conn, &Rejection{
					Status: StatusBadRequest,
					Err:    errors.Wrap(errors.ErrBadRequest, "malformed header line"),
				})
			}
			// Header values are not interpreted; CONNECT carries no
			// proxy semantics beyond the request target here.

		case StateValidated:
			return req, nil
		}
	}
}

// readLine reads a CRLF- (or LF-) terminated line one byte at a time,
// charging every byte against the request size cap.
func (n *Negotiator) readLine(conn net.Conn, consumed *int) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if *consumed >= n.maxRequestSize {
			return "", errors.ErrRequestTooLarge
		}
		if _, err := conn.Read(buf); err != nil {
			return "", err
		}
		*consumed++
		if buf[0] == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(buf[0])
	}
}

// reject writes the failure response and transitions to the terminal
// Rejected state.
func (n *Negotiator) reject(conn net.Conn, rej *Rejection) error {
	conn.SetWriteDeadline(time.Now().Add(n.timeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := WriteStatus(conn, rej.Status); err != nil {
		n.logger.Debug("failed to write rejection response",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
	return rej
}

func classifyReadError(err error) *Rejection {
	switch {
	case errors.Is(err, errors.ErrRequestTooLarge):
		return &Rejection{Status: StatusPayloadTooLarge, Err: err}
	case isTimeout(err):
		return &Rejection{Status: StatusRequestTimeout, Err: errors.Wrap(errors.ErrHandshakeTimeout, err.Error())}
	default:
		return &Rejection{Status: StatusBadRequest, Err: errors.Wrap(errors.ErrBadRequest, "incomplete request")}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// parseRequestLine validates `CONNECT host:port HTTP/1.1`.
func parseRequestLine(line string) (*Request, *Rejection) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, &Rejection{
			Status: StatusBadRequest,
			Err:    errors.Wrap(errors.ErrBadRequest, "malformed request line"),
		}
	}

	method, target, version := parts[0], parts[1], parts[2]
	if method != "CONNECT" {
		return nil, &Rejection{
			Status: StatusMethodNotAllowed,
			Err:    errors.Wrap(errors.ErrMethodNotAllowed, method),
		}
	}
	if version != "HTTP/1.1" {
		return nil, &Rejection{
			Status: StatusBadRequest,
			Err:    errors.Wrap(errors.ErrBadRequest, "required HTTP version is 1.1"),
		}
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return nil, &Rejection{
			Status: StatusBadRequest,
			Err:    errors.Wrap(errors.ErrBadRequest, "request target must be host:port"),
		}
	}
	if !validHost(host) {
		return nil, &Rejection{
			Status: StatusBadRequest,
			Err:    errors.Wrap(errors.ErrBadRequest, "invalid characters in host"),
		}
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, &Rejection{
			Status: StatusBadRequest,
			Err:    errors.Wrap(errors.ErrBadRequest, "port must be numeric, 1-65535"),
		}
	}

	return &Request{
		Host:           host,
		Port:           uint16(port),
		RawRequestLine: line,
	}, nil
}

// validHost accepts a conservative charset: letters, digits, '.', '-', and
// ':' for IPv6 literals (brackets already stripped by SplitHostPort).
func validHost(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == ':':
		default:
			return false
		}
	}
	return true
}
