package http2

import (
	"context"
	"fmt"
	"sync"
)

// MaxWindowSize is the maximum value a flow control window can reach (2^31 - 1).
const MaxWindowSize = (1 << 31) - 1

// FlowControlWindow is the send window for a stream or the connection: how
// much DATA this endpoint may still send. Writers block in Acquire until the
// peer grants more credit, which is how backpressure reaches the writer.
type FlowControlWindow struct {
	mu                sync.Mutex
	available         int64
	initialWindowSize uint32
	closed            bool
	err               error
	// wake is closed and replaced whenever waiters may make progress.
	wake chan struct{}

	isConnection bool
	streamID     uint32
}

// NewFlowControlWindow creates a send window. streamID is 0 for the connection.
func NewFlowControlWindow(initialSize uint32, isConn bool, streamID uint32) *FlowControlWindow {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	return &FlowControlWindow{
		available:         int64(initialSize),
		initialWindowSize: initialSize,
		isConnection:      isConn,
		streamID:          streamID,
		wake:              make(chan struct{}),
	}
}

// Available returns the current send credit. It can be negative after a
// SETTINGS_INITIAL_WINDOW_SIZE decrease.
func (fcw *FlowControlWindow) Available() int64 {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	return fcw.available
}

func (fcw *FlowControlWindow) broadcastLocked() {
	close(fcw.wake)
	fcw.wake = make(chan struct{})
}

func (fcw *FlowControlWindow) closedErrLocked() error {
	if fcw.err != nil {
		return fcw.err
	}
	return fmt.Errorf("flow control window (conn: %v, stream: %d) is closed", fcw.isConnection, fcw.streamID)
}

// AcquireUpTo takes between 1 and max bytes of credit, blocking while none
// is available. It returns early when ctx is done or the window is closed.
func (fcw *FlowControlWindow) AcquireUpTo(ctx context.Context, max uint32) (uint32, error) {
	if max == 0 {
		return 0, fmt.Errorf("cannot acquire zero bytes from flow control window")
	}
	for {
		fcw.mu.Lock()
		if fcw.closed {
			err := fcw.closedErrLocked()
			fcw.mu.Unlock()
			return 0, err
		}
		if fcw.available > 0 {
			n := max
			if int64(n) > fcw.available {
				n = uint32(fcw.available)
			}
			fcw.available -= int64(n)
			fcw.mu.Unlock()
			return n, nil
		}
		wake := fcw.wake
		fcw.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Release returns unused credit taken by AcquireUpTo.
func (fcw *FlowControlWindow) Release(n uint32) {
	if n == 0 {
		return
	}
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	fcw.available += int64(n)
	fcw.broadcastLocked()
}

// Increase applies a WINDOW_UPDATE increment from the peer.
func (fcw *FlowControlWindow) Increase(increment uint32) error {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	if fcw.closed {
		return fcw.closedErrLocked()
	}
	if increment == 0 {
		if fcw.isConnection {
			return NewConnectionError(ErrCodeProtocolError, "WINDOW_UPDATE increment cannot be 0")
		}
		return NewStreamError(fcw.streamID, ErrCodeProtocolError, "WINDOW_UPDATE increment cannot be 0 for a stream")
	}
	newSize := fcw.available + int64(increment)
	if newSize > MaxWindowSize {
		msg := fmt.Sprintf("flow control window would overflow: current %d + increment %d > max %d", fcw.available, increment, MaxWindowSize)
		var err error
		if fcw.isConnection {
			err = NewConnectionError(ErrCodeFlowControlError, msg)
		} else {
			err = NewStreamError(fcw.streamID, ErrCodeFlowControlError, msg)
		}
		fcw.closeLocked(err)
		return err
	}
	fcw.available = newSize
	fcw.broadcastLocked()
	return nil
}

// UpdateInitialWindowSize applies a SETTINGS_INITIAL_WINDOW_SIZE change to
// a stream window (RFC 7540 6.9.2). The connection window is unaffected.
func (fcw *FlowControlWindow) UpdateInitialWindowSize(newInitialSize uint32) error {
	if fcw.isConnection {
		return nil
	}
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.closed {
		return nil
	}
	delta := int64(newInitialSize) - int64(fcw.initialWindowSize)
	if fcw.available+delta > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE %d overflows window of stream %d", newInitialSize, fcw.streamID))
	}
	fcw.available += delta
	fcw.initialWindowSize = newInitialSize
	if delta > 0 {
		fcw.broadcastLocked()
	}
	return nil
}

func (fcw *FlowControlWindow) closeLocked(err error) {
	if fcw.closed {
		return
	}
	fcw.closed = true
	fcw.err = err
	fcw.broadcastLocked()
}

// Close closes the window and wakes all waiters. err may be nil.
func (fcw *FlowControlWindow) Close(err error) {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	fcw.closeLocked(err)
}

// inflow tracks the receive side of a window: how much the peer may still
// send, and how much consumed credit has not yet been returned with a
// WINDOW_UPDATE. Not safe for concurrent use.
type inflow struct {
	size   int64
	avail  int64
	unsent int64
}

func newInflow(size uint32) inflow {
	return inflow{size: int64(size), avail: int64(size)}
}

// take records n received bytes. It reports false when the peer sent more
// than it was allowed.
func (f *inflow) take(n uint32) bool {
	if int64(n) > f.avail {
		return false
	}
	f.avail -= int64(n)
	return true
}

// add records n consumed bytes and returns the WINDOW_UPDATE increment to
// send now, batching small updates until half the window is owed.
func (f *inflow) add(n int) uint32 {
	if n <= 0 {
		return 0
	}
	f.unsent += int64(n)
	if f.unsent < f.size/2 && f.avail > 0 {
		return 0
	}
	inc := f.unsent
	f.avail += inc
	f.unsent = 0
	return uint32(inc)
}
