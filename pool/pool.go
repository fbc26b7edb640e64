// Package pool implements the fixed-size reusable packet buffer described
// in spec.md §3/§5: a sync.Pool-backed free list with explicit get/free
// hand-off discipline. The number of idle buffers it keeps is not
// bounded, and the runtime may drop idle buffers at any collection. A buffer is exclusively held by one
// component at a time; double-free is a contract violation, not a runtime
// error, matching the teacher's own `network/pool.go`.
package pool

import "sync"

// BufferSize is the fixed size of every buffer the pool hands out,
// spec.md §3 "Buffer pool".
const BufferSize = 16384

var bufPool = sync.Pool{New: func() interface{} { return make([]byte, BufferSize) }}

// Get returns a buffer of exactly BufferSize bytes. The caller owns it
// exclusively until it calls Put.
func Get() []byte {
	bs := bufPool.Get().([]byte)
	return bs[:BufferSize]
}

// Put returns a buffer to the pool. Calling Put twice on the same
// underlying array, or using the slice again afterwards, is a contract
// violation the pool does not attempt to detect.
func Put(bs []byte) {
	if cap(bs) < BufferSize {
		return
	}
	bufPool.Put(bs[:BufferSize])
}
