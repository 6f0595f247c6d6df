package bufpool

import (
	"sync"
)

// BlockSize is the read block used for hashing and the maximum chunk payload.
const BlockSize = 64 * 1024

// Pool hands out fixed-size read blocks. Blocks are stored behind a pointer
// so that Put does not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

var blocks = New(BlockSize)

// Blocks returns the process-wide pool of BlockSize buffers.
func Blocks() *Pool {
	return blocks
}

// New creates a pool whose buffers are exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() interface{} {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer obtained from Get. Undersized buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
