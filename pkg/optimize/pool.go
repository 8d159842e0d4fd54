package optimize

import "sync"

// BytePool is a pool of fixed-size byte slices, used for RTP packet buffers
// on the forwarding hot path.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool handing out slices of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's size.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Undersized slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
