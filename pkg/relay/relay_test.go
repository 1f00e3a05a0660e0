// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two connected loopback TCP conns. Real TCP (not net.Pipe)
// so half-close via CloseWrite works.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	a := <-ch
	if a.err != nil {
		dialed.Close()
		t.Fatalf("accept failed: %v", a.err)
	}
	return dialed, a.conn
}

func TestRun_BidirectionalEchoAndCounters(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)

	r := New(Config{MaxLifetime: 5 * time.Second, IdleTimeout: 5 * time.Second})

	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(context.Background(), "test", clientPeer, destPeer)
	}()

	// Destination echoes whatever arrives, then signals EOF.
	go func() {
		io.Copy(destSide, destSide)
		destSide.(*net.TCPConn).CloseWrite()
	}()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256) // 4 KiB
	if _, err := clientSide.Write(payload); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	echoed := make([]byte, len(payload))
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, echoed); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Error("echoed bytes differ from sent bytes")
	}

	// Client signals EOF; the echo loop then hits EOF too and the tunnel
	// completes.
	clientSide.(*net.TCPConn).CloseWrite()

	select {
	case res := <-resCh:
		if res.Reason != ReasonCompleted {
			t.Errorf("reason = %s, want completed", res.Reason)
		}
		if res.BytesClientToDest != uint64(len(payload)) {
			t.Errorf("client-to-dest bytes = %d, want %d", res.BytesClientToDest, len(payload))
		}
		if res.BytesDestToClient != uint64(len(payload)) {
			t.Errorf("dest-to-client bytes = %d, want %d", res.BytesDestToClient, len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after both EOFs")
	}

	clientSide.Close()
	destSide.Close()
}

func TestRun_LifetimeCapClosesActiveTunnel(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()
	defer destSide.Close()

	r := New(Config{MaxLifetime: 200 * time.Millisecond, IdleTimeout: 10 * time.Second})

	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(context.Background(), "test", clientPeer, destPeer)
	}()

	// Synthetic endless destination: keeps pushing data so the tunnel is
	// never idle.
	go func() {
		junk := make([]byte, 1024)
		for {
			if _, err := destSide.Write(junk); err != nil {
				return
			}
		}
	}()
	go func() {
		io.Copy(io.Discard, clientSide)
	}()

	start := time.Now()
	select {
	case res := <-resCh:
		if res.Reason != ReasonLifetimeExceeded {
			t.Errorf("reason = %s, want lifetime_exceeded", res.Reason)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("lifetime teardown took %v, expected promptly after 200ms", elapsed)
		}
		if res.BytesDestToClient == 0 {
			t.Error("expected some bytes to have flowed before the cap")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lifetime cap never fired")
	}
}

func TestRun_IdleTimeoutFiresBeforeLifetime(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()
	defer destSide.Close()

	r := New(Config{MaxLifetime: 10 * time.Second, IdleTimeout: 150 * time.Millisecond})

	start := time.Now()
	res := r.Run(context.Background(), "test", clientPeer, destPeer)

	if res.Reason != ReasonIdleTimeout {
		t.Errorf("reason = %s, want idle_timeout", res.Reason)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle teardown took %v", elapsed)
	}
}

func TestRun_IdleDeadlineRollsOnActivity(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()
	defer destSide.Close()

	r := New(Config{MaxLifetime: 10 * time.Second, IdleTimeout: 300 * time.Millisecond})

	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(context.Background(), "test", clientPeer, destPeer)
	}()
	go func() {
		io.Copy(io.Discard, destSide)
	}()

	// Trickle traffic at half the idle timeout: the rolling deadline must
	// keep the tunnel alive well past a single idle interval.
	for i := 0; i < 5; i++ {
		if _, err := clientSide.Write([]byte("tick")); err != nil {
			t.Fatalf("trickle write failed: %v", err)
		}
		time.Sleep(150 * time.Millisecond)
	}

	select {
	case res := <-resCh:
		t.Fatalf("tunnel closed during trickle: reason=%s", res.Reason)
	default:
	}

	// Stop the trickle; now the idle timeout should fire.
	select {
	case res := <-resCh:
		if res.Reason != ReasonIdleTimeout {
			t.Errorf("reason = %s, want idle_timeout", res.Reason)
		}
		if res.BytesClientToDest != 20 {
			t.Errorf("client-to-dest bytes = %d, want 20", res.BytesClientToDest)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle timeout never fired after trickle stopped")
	}
}

func TestRun_HalfCloseDrainsOppositeDirection(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()
	defer destSide.Close()

	r := New(Config{MaxLifetime: 5 * time.Second, IdleTimeout: 5 * time.Second})

	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(context.Background(), "test", clientPeer, destPeer)
	}()

	// Client immediately half-closes. The destination must still be able to
	// send its response through the other direction.
	clientSide.(*net.TCPConn).CloseWrite()

	// Destination observes EOF, then responds.
	destSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, destSide); err != nil {
		t.Fatalf("destination read failed: %v", err)
	}
	response := []byte("late response after client EOF")
	if _, err := destSide.Write(response); err != nil {
		t.Fatalf("destination write failed: %v", err)
	}
	destSide.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(clientSide)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(got, response) {
		t.Errorf("client received %q, want %q", got, response)
	}

	select {
	case res := <-resCh:
		if res.Reason != ReasonCompleted {
			t.Errorf("reason = %s, want completed", res.Reason)
		}
		if res.BytesDestToClient != uint64(len(response)) {
			t.Errorf("dest-to-client bytes = %d, want %d", res.BytesDestToClient, len(response))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not complete after both half-closes")
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()
	defer destSide.Close()

	r := New(Config{MaxLifetime: 10 * time.Second, IdleTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(ctx, "test", clientPeer, destPeer)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-resCh:
		if res.Reason != ReasonCanceled {
			t.Errorf("reason = %s, want canceled", res.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancellation did not tear the tunnel down")
	}
}

func TestRun_PeerErrorIsTerminalForWholeTunnel(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	destSide, destPeer := tcpPair(t)
	defer clientSide.Close()

	r := New(Config{MaxLifetime: 10 * time.Second, IdleTimeout: 10 * time.Second})

	resCh := make(chan Result, 1)
	go func() {
		resCh <- r.Run(context.Background(), "test", clientPeer, destPeer)
	}()

	// Abort the destination socket hard (RST via SO_LINGER 0).
	destSide.(*net.TCPConn).SetLinger(0)
	destSide.Close()

	// Keep the client side writing so the failure must come from the
	// destination direction.
	go func() {
		for {
			if _, err := clientSide.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case res := <-resCh:
		if res.Reason != ReasonError && res.Reason != ReasonCompleted {
			t.Errorf("reason = %s, want error (or completed when FIN beats RST)", res.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("destination failure did not terminate the tunnel")
	}
}

func TestReasonString(t *testing.T) {
	reasons := map[Reason]string{
		ReasonCompleted:        "completed",
		ReasonLifetimeExceeded: "lifetime_exceeded",
		ReasonIdleTimeout:      "idle_timeout",
		ReasonError:            "error",
		ReasonCanceled:         "canceled",
	}
	for r, want := range reasons {
		if r.String() != want {
			t.Errorf("Reason(%d).String() = %q, want %q", r, r.String(), want)
		}
	}
}
