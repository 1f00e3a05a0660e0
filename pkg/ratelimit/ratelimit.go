// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates connection attempts per source address using
// token buckets.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when a client exceeds its
	// connection rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Bucket is a token bucket: capacity tokens, refilled at refillRate tokens
// per second.
type Bucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64
	lastRefill time.Time
	lastSeen   time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(capacity, refillRate int64) *Bucket {
	now := time.Now()
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastSeen:   now,
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available.
func (b *Bucket) AllowN(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.lastSeen = time.Now()

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()

	added := int64(elapsed * float64(b.refillRate))
	if added > 0 {
		b.tokens += added
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// Available returns the current token count.
func (b *Bucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen.Before(cutoff)
}

// PerClient tracks one bucket per client key (normally source IP), evicting
// buckets that have been idle for evictAfter.
type PerClient struct {
	mu         sync.RWMutex
	buckets    map[string]*Bucket
	capacity   int64
	refillRate int64
	maxClients int
	evictAfter time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewPerClient creates a per-client limiter. maxClients bounds tracked
// buckets; a connection from an untracked client when the map is full is
// denied outright, which fails safe under address-spoofing floods.
func NewPerClient(capacity, refillRate int64, maxClients int) *PerClient {
	if maxClients <= 0 {
		maxClients = 10000
	}

	l := &PerClient{
		buckets:    make(map[string]*Bucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		evictAfter: 5 * time.Minute,
		stop:       make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow consumes one token from the client's bucket.
func (l *PerClient) Allow(client string) bool {
	l.mu.RLock()
	b, ok := l.buckets[client]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.buckets[client]
		if !ok {
			if len(l.buckets) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
			b = NewBucket(l.capacity, l.refillRate)
			l.buckets[client] = b
		}
		l.mu.Unlock()
	}

	return b.Allow()
}

// Tracked returns the number of clients currently tracked.
func (l *PerClient) Tracked() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the eviction loop.
func (l *PerClient) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *PerClient) evictLoop() {
	ticker := time.NewTicker(l.evictAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evict(time.Now().Add(-l.evictAfter))
		}
	}
}

func (l *PerClient) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
		}
	}
}
