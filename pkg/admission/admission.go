// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package admission bounds the number of concurrently open tunnels.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned when no slot is available and the caller chose
	// not to wait, or the waiter queue is full.
	ErrBusy = errors.New("no admission slot available")
)

// Gate is a counting gate minting one Slot per admitted connection.
// Acquire suspends the calling goroutine, never an OS thread. It is safe
// for concurrent use from many connection goroutines.
type Gate struct {
	sem        *semaphore.Weighted
	capacity   int64
	maxWaiters int64
	inFlight   atomic.Int64
	waiters    atomic.Int64
}

// New creates a Gate admitting at most capacity concurrent holders.
// maxWaiters caps the number of goroutines queued in Acquire; zero means
// unbounded waiting.
func New(capacity, maxWaiters int64) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{
		sem:        semaphore.NewWeighted(capacity),
		capacity:   capacity,
		maxWaiters: maxWaiters,
	}
}

// Acquire blocks until a slot is free or ctx is done. If the gate is
// saturated and the waiter queue is full, it returns ErrBusy immediately.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	if g.sem.TryAcquire(1) {
		g.inFlight.Add(1)
		return &Slot{gate: g}, nil
	}

	if g.maxWaiters > 0 && g.waiters.Load() >= g.maxWaiters {
		return nil, ErrBusy
	}

	g.waiters.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiters.Add(-1)
	if err != nil {
		return nil, err
	}

	g.inFlight.Add(1)
	return &Slot{gate: g}, nil
}

// TryAcquire returns a slot if one is immediately available, ErrBusy
// otherwise. It never blocks.
func (g *Gate) TryAcquire() (*Slot, error) {
	if !g.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	g.inFlight.Add(1)
	return &Slot{gate: g}, nil
}

// InFlight returns the number of slots currently held.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Available returns the number of free slots.
func (g *Gate) Available() int64 {
	return g.capacity - g.inFlight.Load()
}

// Capacity returns the configured slot ceiling.
func (g *Gate) Capacity() int64 {
	return g.capacity
}

// Waiting returns the number of goroutines queued in Acquire.
func (g *Gate) Waiting() int64 {
	return g.waiters.Load()
}

// Slot is an owned admission permit. It is consumed by Release; releasing
// more than once is inert, so ownership transfer is the only discipline
// callers need to uphold.
type Slot struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit to the gate. Safe to call exactly once per
// acquired slot; extra calls do nothing.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.gate.inFlight.Add(-1)
		s.gate.sem.Release(1)
	})
}
