// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync"

// bufferPool recycles copy buffers across tunnels. Pointers to slices avoid
// an allocation per Put.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *bufferPool) get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b []byte) {
	p.pool.Put(&b)
}
