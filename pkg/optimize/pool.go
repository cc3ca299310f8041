package optimize

import (
	"sync"
)

// RTPBufferSize fits one RTP packet at the standard MTU.
const RTPBufferSize = 1500

// BytePool is a pool of fixed-size byte slices used for packet reads.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of every buffer handed out.
func (p *BytePool) Size() int {
	return p.size
}

// Get gets a byte slice from the pool
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a byte slice to the pool. Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Pool is a typed wrapper over sync.Pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) T
}

// NewPool creates a pool. reset, if set, runs on every value returned by Put.
func NewPool[T any](newFn func() T, reset func(T) T) *Pool[T] {
	return &Pool[T]{
		pool:  sync.Pool{New: func() any { return newFn() }},
		reset: reset,
	}
}

// Get takes a value from the pool.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put gives a value back.
func (p *Pool[T]) Put(v T) {
	if p.reset != nil {
		v = p.reset(v)
	}
	p.pool.Put(v)
}
