package http2

import (
	"sync"

	"github.com/eapache/queue"
)

// controlBuffer is the unbounded FIFO of control items (RST_STREAM,
// WINDOW_UPDATE, SETTINGS, PING, GOAWAY, HEADERS) consumed by the session
// writer. put never blocks, which is what lets Cancel be fire-and-forget.
//
// Items are either a Frame, written as is, or one of the item types below
// that the writer turns into frames at write time.
type controlBuffer struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	// signal has capacity 1; a pending value means "queue may be non-empty".
	signal chan struct{}
}

func newControlBuffer() *controlBuffer {
	return &controlBuffer{q: queue.New(), signal: make(chan struct{}, 1)}
}

// put appends item. It reports false once the buffer is closed.
func (c *controlBuffer) put(item interface{}) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.q.Add(item)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// get removes and returns the oldest item, or nil when empty.
func (c *controlBuffer) get() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() == 0 {
		return nil
	}
	return c.q.Remove()
}

func (c *controlBuffer) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}

// close rejects further puts. Items already queued can still be drained.
func (c *controlBuffer) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// headersItem asks the writer to HPACK-encode and send a header block.
// Encoding happens in queue order so the peer's decoder sees blocks in the
// order the encoder produced them.
type headersItem struct {
	st        *Stream
	fields    []HeaderField
	endStream bool
	// open marks the HEADERS that opens a locally initiated stream; it is
	// written even if the stream was cancelled meanwhile, so that the
	// RST_STREAM queued behind it never names an idle stream.
	open bool
}

// resetItem is an RST_STREAM for st. The writer records it on the stream so
// that DATA still queued for it is dropped.
type resetItem struct {
	st   *Stream
	code ErrorCode
}

// encoderTableSizeItem applies the peer's SETTINGS_HEADER_TABLE_SIZE on the
// writer goroutine, which owns the encoder.
type encoderTableSizeItem uint32

// endStreamItem sends an empty DATA frame carrying END_STREAM.
type endStreamItem struct {
	st *Stream
}
