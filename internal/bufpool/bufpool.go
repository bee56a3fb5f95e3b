// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers used to encode journal records.
package bufpool

import (
	"bytes"
	"sync"
)

// maxPooledCap keeps one oversized record from pinning memory in the pool.
const maxPooledCap = 64 * 1024

var (
	buffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}
	scratch = sync.Pool{New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	}}
)

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := buffers.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	buffers.Put(b)
}

// GetBytes returns a slice of length n. Its contents are undefined.
func GetBytes(n int) *[]byte {
	b := scratch.Get().(*[]byte)
	if cap(*b) < n {
		*b = make([]byte, n)
	}
	*b = (*b)[:n]
	return b
}

// PutBytes returns b to the pool.
func PutBytes(b *[]byte) {
	if cap(*b) > maxPooledCap {
		return
	}
	*b = (*b)[:0]
	scratch.Put(b)
}
