// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the CONNECT tunnel listener and dispatcher.
//
// The proxy accepts TCP connections, admits them against a global
// concurrency gate, negotiates the HTTP CONNECT handshake, filters the
// requested destination through the whitelist, dials the destination, and
// hands both sockets to the relay. Every per-connection resource (the
// admission slot, both sockets) is released on every exit path, so a crash
// or rejection in any stage never leaks capacity.
package proxy
