package http2

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/metrics"
)

// Multiplexer owns a session's identifier space and its id -> Stream map.
// Every map mutation goes through its mutex; deletion is a single map
// delete plus a counter decrement.
type Multiplexer struct {
	sess *Session

	mu          sync.Mutex
	streams     map[uint32]*Stream
	nextLocalID uint32
	lastPeerID  uint32
	// localLimit is the peer's SETTINGS_MAX_CONCURRENT_STREAMS and bounds
	// streams we open; peerLimit is ours and bounds the peer's.
	localLimit  uint32
	peerLimit   uint32
	activeLocal uint32
	activePeer  uint32
	policy      config.OpenPolicy
	// openErr, once set, fails every further Open.
	openErr error
	// changed is closed and replaced when a waiting Open may proceed.
	changed chan struct{}
}

func newMultiplexer(sess *Session, firstLocalID, peerLimit uint32, policy config.OpenPolicy) *Multiplexer {
	return &Multiplexer{
		sess:        sess,
		streams:     make(map[uint32]*Stream),
		nextLocalID: firstLocalID,
		// Until the peer's SETTINGS arrive the limit is unknown; RFC 7540
		// recommends assuming at least 100.
		localLimit: 100,
		peerLimit:  peerLimit,
		policy:     policy,
		changed:    make(chan struct{}),
	}
}

func (m *Multiplexer) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Open allocates the next local identifier and registers a stream for it.
// At the concurrency limit it fails with ErrCapacityExceeded (policy fail)
// or waits for a free slot until ctx is done (policy wait). Once the
// identifier space is spent it fails with ErrStreamsExhausted and drains
// the session.
func (m *Multiplexer) Open(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	for {
		if m.openErr != nil {
			err := m.openErr
			m.mu.Unlock()
			return nil, err
		}
		if m.nextLocalID > MaxStreamID {
			m.openErr = ErrStreamsExhausted
			m.broadcastLocked()
			m.mu.Unlock()
			m.sess.Drain()
			return nil, ErrStreamsExhausted
		}
		if m.activeLocal < m.localLimit {
			break
		}
		if m.policy == config.OpenPolicyFail {
			active, limit := m.activeLocal, m.localLimit
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d streams open (limit %d)", ErrCapacityExceeded, active, limit)
		}
		wait := m.changed
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}

	id := m.nextLocalID
	m.nextLocalID += 2
	st := newStream(m.sess, id, true)
	m.streams[id] = st
	m.activeLocal++
	m.mu.Unlock()

	m.sess.metrics.StreamOpened(m.sess.role.String(), "local")
	return st, nil
}

// accept registers a stream opened by the peer. It returns a nil stream and
// a reason when the stream must be refused with REFUSED_STREAM.
func (m *Multiplexer) accept(id uint32) (*Stream, string) {
	m.mu.Lock()
	if id > m.lastPeerID {
		m.lastPeerID = id
	}
	switch {
	case m.openErr != nil:
		m.mu.Unlock()
		return nil, "draining"
	case m.activePeer >= m.peerLimit:
		m.mu.Unlock()
		return nil, "max_concurrent_streams"
	}
	m.mu.Unlock()

	// Checked outside the map lock: the valve has its own.
	if !m.sess.ctrl.AllowNewStream() {
		return nil, "reset_rate"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := newStream(m.sess, id, false)
	m.streams[id] = st
	m.activePeer++
	m.sess.metrics.StreamOpened(m.sess.role.String(), "peer")
	return st, ""
}

// Dispatch routes an inbound DATA, RST_STREAM, WINDOW_UPDATE or decoded
// HEADERS frame to its stream. It returns ErrUnknownStream when id is not
// registered, which callers log and otherwise ignore: late frames for
// streams that were just cancelled are expected.
func (m *Multiplexer) Dispatch(id uint32, f Frame) error {
	st := m.lookup(id)
	if st == nil {
		return fmt.Errorf("%w: %s frame for stream %d", ErrUnknownStream, f.Header().Type, id)
	}
	var err error
	switch f := f.(type) {
	case *DataFrame:
		err = st.receiveData(f)
	case *MetaHeadersFrame:
		err = st.receiveHeaders(f.Fields, f.EndStream())
	case *RSTStreamFrame:
		m.sess.ctrl.onPeerReset(st, f.ErrorCode)
		return nil
	case *WindowUpdateFrame:
		err = st.receiveWindowUpdate(f.WindowSizeIncrement)
	default:
		return fmt.Errorf("http2: cannot dispatch %s frame to stream %d", f.Header().Type, id)
	}
	if errors.Is(err, ErrUnknownStream) {
		return fmt.Errorf("%w: %s frame for finished stream %d", ErrUnknownStream, f.Header().Type, id)
	}
	var se *StreamError
	if errors.As(err, &se) {
		m.sess.ctrl.cancel(st, se.Code, se, true, metrics.OriginLocal)
		return nil
	}
	return err
}

// Close moves st to CLOSED and releases it. If the peer has not finished,
// it is told to stop with RST_STREAM(NO_ERROR). reason is logged only.
func (m *Multiplexer) Close(st *Stream, reason error) error {
	if !st.terminate(false, ErrCodeNoError, nil, true) {
		return nil
	}
	if reason != nil && m.sess.log.DebugEnabled() {
		m.sess.log.Debug("stream closed", m.sess.fields(st.id, "reason", reason.Error()))
	}
	return nil
}

// remove unregisters st. It is a no-op if st is not registered.
func (m *Multiplexer) remove(st *Stream) {
	m.mu.Lock()
	if m.streams[st.id] != st {
		m.mu.Unlock()
		return
	}
	delete(m.streams, st.id)
	if st.local {
		m.activeLocal--
	} else {
		m.activePeer--
	}
	m.broadcastLocked()
	empty := len(m.streams) == 0
	m.mu.Unlock()

	m.sess.metrics.StreamClosed(m.sess.role.String(), st.State().String())
	if empty {
		m.sess.onIdle()
	}
}

func (m *Multiplexer) lookup(id uint32) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// Len returns the number of registered streams.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Active returns the registered streams opened locally and by the peer.
func (m *Multiplexer) Active() (local, peer int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.activeLocal), int(m.activePeer)
}

// Limit returns the peer's current concurrency limit for our opens.
func (m *Multiplexer) Limit() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localLimit
}

func (m *Multiplexer) snapshot() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st)
	}
	return out
}

// isIdle reports whether id names a stream that was never opened. Frames
// other than HEADERS and PRIORITY on idle streams are connection errors.
func (m *Multiplexer) isIdle(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess.isLocalID(id) {
		return id >= m.nextLocalID
	}
	return id > m.lastPeerID
}

func (m *Multiplexer) lastPeerStreamID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPeerID
}

// refuseOpens makes every further Open fail with err and wakes waiters.
func (m *Multiplexer) refuseOpens(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr == nil {
		m.openErr = err
	}
	m.broadcastLocked()
}

func (m *Multiplexer) setLocalLimit(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localLimit = n
	m.broadcastLocked()
}
