package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// Bytes pools fixed-size byte buffers. Buffers are handed out as pointers
// to avoid the allocation sync.Pool incurs for slice headers.
type Bytes struct {
	inner *Pool[*[]byte]
}

// NewBytes creates a buffer pool whose buffers have the given length.
func NewBytes(size int) *Bytes {
	return &Bytes{
		inner: New(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
	}
}

func (p *Bytes) Get() *[]byte {
	return p.inner.Get()
}

func (p *Bytes) Put(b *[]byte) {
	p.inner.Put(b)
}
