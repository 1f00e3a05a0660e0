// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tunnelgate/tunnelgate/pkg/errors"
)

// negotiate runs Negotiate on one end of a pipe while the test side writes
// the raw request and captures whatever the negotiator writes back.
func negotiate(t *testing.T, timeout time.Duration, raw string) (*Request, error, string) {
	t.Helper()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	n := New(timeout, nil)

	type result struct {
		req *Request
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		req, err := n.Negotiate(server)
		server.Close()
		resCh <- result{req, err}
	}()

	// Write from a separate goroutine: the negotiator stops reading once it
	// decides, and net.Pipe writes block until consumed.
	go func() {
		if raw != "" {
			client.Write([]byte(raw))
		}
	}()

	response, _ := io.ReadAll(client)

	res := <-resCh
	return res.req, res.err, string(response)
}

func TestNegotiate_ValidConnect(t *testing.T) {
	req, err, response := negotiate(t, time.Second,
		"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if req.Host != "example.com" || req.Port != 443 {
		t.Errorf("parsed %s:%d, want example.com:443", req.Host, req.Port)
	}
	if req.Target() != "example.com:443" {
		t.Errorf("Target() = %q, want example.com:443", req.Target())
	}
	if response != "" {
		t.Errorf("negotiator wrote %q before dial, want nothing", response)
	}
}

func TestNegotiate_NoHeaders(t *testing.T) {
	req, err, _ := negotiate(t, time.Second, "CONNECT example.com:80 HTTP/1.1\r\n\r\n")
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if req.Port != 80 {
		t.Errorf("port = %d, want 80", req.Port)
	}
}

func TestNegotiate_IPv6Target(t *testing.T) {
	req, err, _ := negotiate(t, time.Second, "CONNECT [::1]:443 HTTP/1.1\r\n\r\n")
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if req.Host != "::1" {
		t.Errorf("host = %q, want ::1", req.Host)
	}
	if req.Target() != "[::1]:443" {
		t.Errorf("Target() = %q, want [::1]:443", req.Target())
	}
}

func TestNegotiate_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus Status
		wantErr    error
	}{
		{
			name:       "method not allowed",
			raw:        "GET example.com:443 HTTP/1.1\r\n\r\n",
			wantStatus: StatusMethodNotAllowed,
			wantErr:    errors.ErrMethodNotAllowed,
		},
		{
			name:       "unsupported version",
			raw:        "CONNECT example.com:443 HTTP/1.0\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "missing port",
			raw:        "CONNECT example.com HTTP/1.1\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "port zero",
			raw:        "CONNECT example.com:0 HTTP/1.1\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "port out of range",
			raw:        "CONNECT example.com:99999 HTTP/1.1\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "bad host charset",
			raw:        "CONNECT exa mple.com:443 HTTP/1.1\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "garbage request line",
			raw:        "not an http request\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "malformed header",
			raw:        "CONNECT example.com:443 HTTP/1.1\r\nnot-a-header\r\n\r\n",
			wantStatus: StatusBadRequest,
			wantErr:    errors.ErrBadRequest,
		},
		{
			name:       "oversized request",
			raw:        "CONNECT example.com:443 HTTP/1.1\r\nPadding: " + strings.Repeat("x", DefaultMaxRequestSize) + "\r\n\r\n",
			wantStatus: StatusPayloadTooLarge,
			wantErr:    errors.ErrRequestTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err, response := negotiate(t, time.Second, tt.raw)
			if req != nil {
				t.Fatalf("expected rejection, got request %+v", req)
			}

			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("error %v is not a *Rejection", err)
			}
			if rej.Status != tt.wantStatus {
				t.Errorf("status = %d %s, want %d %s",
					rej.Status.Code, rej.Status.Text, tt.wantStatus.Code, tt.wantStatus.Text)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error chain %v does not include %v", err, tt.wantErr)
			}
			if !strings.HasPrefix(response, tt.wantStatus.StatusLine()[:12]) {
				t.Errorf("client saw %q, want status line for %d", response, tt.wantStatus.Code)
			}
		})
	}
}

func TestNegotiate_Timeout(t *testing.T) {
	// Write only a partial request and then stall; the read deadline must
	// fire and produce a 408.
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	n := New(50*time.Millisecond, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := n.Negotiate(server)
		server.Close()
		errCh <- err
	}()

	if _, err := client.Write([]byte("CONNECT example.com:443 HT")); err != nil {
		t.Fatalf("writing partial request: %v", err)
	}

	response, _ := io.ReadAll(client)

	err := <-errCh
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("error %v is not a *Rejection", err)
	}
	if rej.Status != StatusRequestTimeout {
		t.Errorf("status = %d, want 408", rej.Status.Code)
	}
	if !strings.Contains(string(response), "408") {
		t.Errorf("client saw %q, want a 408 response", response)
	}
}

func TestNegotiate_ClientClosesEarly(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	n := New(time.Second, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := n.Negotiate(server)
		errCh <- err
	}()

	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n"))
	client.Close()

	err := <-errCh
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("error %v is not a *Rejection", err)
	}
	if rej.Status != StatusBadRequest {
		t.Errorf("status = %d, want 400 for incomplete request", rej.Status.Code)
	}
}

func TestWriteStatus(t *testing.T) {
	var sb strings.Builder
	if err := WriteStatus(&sb, StatusConnected); err != nil {
		t.Fatalf("WriteStatus failed: %v", err)
	}
	if sb.String() != "HTTP/1.1 200 Connection Established\r\n\r\n" {
		t.Errorf("wrote %q", sb.String())
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateAwaitingRequestLine: "awaiting_request_line",
		StateParsingHeaders:      "parsing_headers",
		StateValidated:           "validated",
		StateRejected:            "rejected",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
