// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package whitelist implements destination admission for CONNECT targets.
package whitelist

import (
	"fmt"
	"strconv"
	"strings"
)

// EmptyMode declares how an empty whitelist behaves. The choice is always
// explicit configuration; there is no implicit default at this layer.
type EmptyMode int

const (
	// EmptyAllowAll admits every destination when no entries are loaded.
	EmptyAllowAll EmptyMode = iota
	// EmptyDenyAll rejects every destination when no entries are loaded.
	EmptyDenyAll
)

// Entry is a single whitelisted destination. AnyPort entries match the host
// on every port.
type Entry struct {
	Host    string
	Port    uint16
	AnyPort bool
}

// ParseEntry parses "host:port" or a bare "host" (any port) into an Entry.
// Hosts are matched case-insensitively.
func ParseEntry(s string) (Entry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Entry{}, fmt.Errorf("empty whitelist entry")
	}

	host, portStr, found := splitHostPort(s)
	if !found {
		return Entry{Host: strings.ToLower(s), AnyPort: true}, nil
	}
	if host == "" {
		return Entry{}, fmt.Errorf("whitelist entry %q has empty host", s)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Entry{}, fmt.Errorf("whitelist entry %q has invalid port", s)
	}

	return Entry{Host: strings.ToLower(host), Port: uint16(port)}, nil
}

// splitHostPort splits on the last colon so bracketed IPv6 literals keep
// their colons inside the host part.
func splitHostPort(s string) (host, port string, found bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, "", false
	}
	host, port = s[:i], s[i+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return host, port, true
}

// Filter answers allow/deny for destination host:port pairs. It is read-only
// after construction and safe for concurrent use without synchronization.
type Filter struct {
	exact     map[string]struct{} // "host:port"
	anyPort   map[string]struct{} // "host"
	emptyMode EmptyMode
	size      int
}

// New builds a Filter from the given entries and empty-list mode.
func New(entries []Entry, emptyMode EmptyMode) *Filter {
	f := &Filter{
		exact:     make(map[string]struct{}, len(entries)),
		anyPort:   make(map[string]struct{}),
		emptyMode: emptyMode,
		size:      len(entries),
	}
	for _, e := range entries {
		host := strings.ToLower(e.Host)
		if e.AnyPort {
			f.anyPort[host] = struct{}{}
			continue
		}
		f.exact[fmt.Sprintf("%s:%d", host, e.Port)] = struct{}{}
	}
	return f
}

// IsAllowed reports whether tunneling to host:port is permitted.
func (f *Filter) IsAllowed(host string, port uint16) bool {
	if f.size == 0 {
		return f.emptyMode == EmptyAllowAll
	}

	host = strings.ToLower(host)
	if _, ok := f.anyPort[host]; ok {
		return true
	}
	_, ok := f.exact[fmt.Sprintf("%s:%d", host, port)]
	return ok
}

// Size returns the number of loaded entries.
func (f *Filter) Size() int {
	return f.size
}
