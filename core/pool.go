package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a bounded, mutex-protected free list of buffers. Unlike sync.Pool
// its contents survive garbage collection, which keeps the encode path of a
// steadily writing store allocation free.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int
	// maxRetain drops oversized buffers instead of pinning their memory.
	maxRetain int

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
}

const (
	// DefaultRecordBufferSize is the starting capacity of pooled record buffers.
	DefaultRecordBufferSize = 1024
	defaultPoolItems        = 64
	defaultMaxRetainedSize  = 1 << 20
)

// BufferPool is shared by the record codec and the compressors.
var BufferPool = NewBufferPool(DefaultRecordBufferSize, defaultPoolItems)

// NewBufferPool creates a pool pre-warmed with maxItems buffers of the given capacity.
func NewBufferPool(capacity, maxItems int) *bufferPool {
	if capacity < 0 {
		capacity = 0
	}
	if maxItems <= 0 {
		maxItems = defaultPoolItems
	}
	bp := &bufferPool{
		items:     make([]*bytes.Buffer, 0, maxItems),
		capacity:  capacity,
		maxItems:  maxItems,
		maxRetain: defaultMaxRetainedSize,
	}
	for i := 0; i < maxItems; i++ {
		bp.items = append(bp.items, bytes.NewBuffer(make([]byte, 0, capacity)))
	}
	return bp
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if n := len(bp.items); n > 0 {
		item := bp.items[n-1]
		bp.items = bp.items[:n-1]
		bp.mu.Unlock()
		bp.hits.Add(1)
		return item
	}
	bp.mu.Unlock()
	bp.misses.Add(1)
	return bytes.NewBuffer(make([]byte, 0, bp.capacity))
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > bp.maxRetain {
		bp.dropped.Add(1)
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
	} else {
		bp.dropped.Add(1)
	}
	bp.mu.Unlock()
}

// Len returns the number of idle buffers.
func (bp *bufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.items)
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, dropped uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.dropped.Load()
}
