package http2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState is the lifecycle state of a logical stream.
type StreamState uint8

const (
	// StreamStatePending: opened locally, the peer has not answered with
	// HEADERS yet. Data may already be sent.
	StreamStatePending StreamState = iota
	// StreamStateOpen: both directions may carry data.
	StreamStateOpen
	// StreamStateHalfClosedLocal: we sent END_STREAM.
	StreamStateHalfClosedLocal
	// StreamStateHalfClosedRemote: the peer sent END_STREAM.
	StreamStateHalfClosedRemote
	// StreamStateClosed: both directions finished, or the stream was closed
	// explicitly. Terminal.
	StreamStateClosed
	// StreamStateCancelled: aborted by either side, by a deadline or by the
	// session. Terminal.
	StreamStateCancelled
)

var streamStateNames = [...]string{
	StreamStatePending:          "PENDING",
	StreamStateOpen:             "OPEN",
	StreamStateHalfClosedLocal:  "HALF_CLOSED_LOCAL",
	StreamStateHalfClosedRemote: "HALF_CLOSED_REMOTE",
	StreamStateClosed:           "CLOSED",
	StreamStateCancelled:        "CANCELLED",
}

func (s StreamState) String() string {
	if int(s) < len(streamStateNames) {
		return streamStateNames[s]
	}
	return "UNKNOWN_STREAM_STATE_" + strconv.Itoa(int(s))
}

// Terminal reports whether no further transitions are possible.
func (s StreamState) Terminal() bool {
	return s == StreamStateClosed || s == StreamStateCancelled
}

// errStreamClosed is the context cause of a stream that finished normally.
var errStreamClosed = errors.New("http2: stream closed")

// StreamStats are observability counters. A message is one Write call
// sent, or one DATA frame with payload received.
type StreamStats struct {
	BytesSent        int64
	BytesReceived    int64
	MessagesSent     int64
	MessagesReceived int64
}

// Stream is one logical exchange multiplexed on a Session.
//
// Read, Write, Cancel and the header methods may be called from different
// goroutines. Write and CloseWrite must not race with each other: a
// CloseWrite issued while a Write is in flight may put END_STREAM on the
// wire before that Write's data.
type Stream struct {
	id    uint32
	sess  *Session
	local bool

	ctx       context.Context
	cancelCtx context.CancelCauseFunc
	done      chan struct{}

	sendWindow *FlowControlWindow

	mu          sync.Mutex
	acked       bool
	localDone   bool
	remoteDone  bool
	closed      bool
	cancelled   bool
	err         error
	code        ErrorCode
	headersSent bool
	sentStatus  int

	chunks   [][]byte
	readWake chan struct{}
	inflow   inflow

	headers    []HeaderField
	headersCh  chan struct{}
	headersSet bool
	trailers   []HeaderField
	status     int
	// noBody: the opening header block carried END_STREAM.
	noBody bool

	deadline *time.Timer

	// aborted is set once the stream is cancelled or reset; the writer
	// drops DATA and HEADERS still queued for it.
	aborted atomic.Bool

	bytesSent, bytesRecv, msgsSent, msgsRecv atomic.Int64

	peer     atomic.Pointer[Stream]
	openedAt time.Time
}

func newStream(sess *Session, id uint32, local bool) *Stream {
	ctx, cancel := context.WithCancelCause(sess.ctx)
	return &Stream{
		id:         id,
		sess:       sess,
		local:      local,
		ctx:        ctx,
		cancelCtx:  cancel,
		done:       make(chan struct{}),
		sendWindow: NewFlowControlWindow(sess.peerInitialWindowSize(), false, id),
		acked:      !local,
		readWake:   make(chan struct{}),
		inflow:     newInflow(sess.cfg.InitialWindowSize),
		headersCh:  make(chan struct{}),
		openedAt:   time.Now(),
	}
}

func (s *Stream) ID() uint32 { return s.id }

// Session returns the session the stream belongs to.
func (s *Stream) Session() *Session { return s.sess }

// IsLocal reports whether this endpoint opened the stream.
func (s *Stream) IsLocal() bool { return s.local }

// OpenedAt is when the stream was registered.
func (s *Stream) OpenedAt() time.Time { return s.openedAt }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Stream) stateLocked() StreamState {
	switch {
	case s.cancelled:
		return StreamStateCancelled
	case s.closed:
		return StreamStateClosed
	case !s.acked:
		return StreamStatePending
	case s.localDone && s.remoteDone:
		return StreamStateClosed
	case s.localDone:
		return StreamStateHalfClosedLocal
	case s.remoteDone:
		return StreamStateHalfClosedRemote
	}
	return StreamStateOpen
}

func (s *Stream) terminalLocked() bool { return s.cancelled || s.closed }

// Err returns why the stream was cancelled, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Code returns the RST_STREAM code of a cancelled stream.
func (s *Stream) Code() ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Done is closed once the stream is terminal and unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Context is cancelled when the stream becomes terminal. Its cause is the
// cancellation cause.
func (s *Stream) Context() context.Context { return s.ctx }

// Headers returns the peer's header block: the request on accepted streams,
// the response on opened streams. It is nil until the block arrives.
func (s *Stream) Headers() []HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// Status returns the response status: the one received on opened streams,
// the one sent on accepted streams. 0 if none yet.
func (s *Stream) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local {
		return s.status
	}
	return s.sentStatus
}

// AwaitHeaders blocks until the peer's header block arrives.
func (s *Stream) AwaitHeaders(ctx context.Context) ([]HeaderField, error) {
	select {
	case <-s.headersCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headers != nil {
		return s.headers, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, fmt.Errorf("%w: stream %d ended without headers", ErrInvalidTransition, s.id)
}

// Trailers returns the peer's trailing header block, if any.
func (s *Stream) Trailers() []HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailers
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesRecv.Load(),
		MessagesSent:     s.msgsSent.Load(),
		MessagesReceived: s.msgsRecv.Load(),
	}
}

// SetPeer links s to the other leg of a relay pair. The link is cleared
// when s becomes terminal.
func (s *Stream) SetPeer(p *Stream) { s.peer.Store(p) }

func (s *Stream) Peer() *Stream { return s.peer.Load() }

func (s *Stream) broadcastReadLocked() {
	close(s.readWake)
	s.readWake = make(chan struct{})
}

// consumedLocked returns the stream WINDOW_UPDATE increment owed after the
// application consumed n bytes.
func (s *Stream) consumedLocked(n int) uint32 {
	if s.remoteDone || s.terminalLocked() {
		return 0
	}
	return s.inflow.add(n)
}

// Read reads buffered data in order. It returns io.EOF after the peer's
// END_STREAM and the cancellation cause once the stream is cancelled;
// buffered data is dropped on cancel.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.cancelled {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if len(s.chunks) > 0 {
			n := copy(p, s.chunks[0])
			if n == len(s.chunks[0]) {
				s.chunks[0] = nil
				s.chunks = s.chunks[1:]
			} else {
				s.chunks[0] = s.chunks[0][n:]
			}
			inc := s.consumedLocked(n)
			s.mu.Unlock()
			s.sess.queueWindowUpdate(s.id, inc)
			return n, nil
		}
		if s.remoteDone || s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		wake := s.readWake
		s.mu.Unlock()
		<-wake
	}
}

// ReadMessage returns the payload of the next received DATA frame whole.
func (s *Stream) ReadMessage() ([]byte, error) {
	for {
		s.mu.Lock()
		if s.cancelled {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if len(s.chunks) > 0 {
			msg := s.chunks[0]
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			inc := s.consumedLocked(len(msg))
			s.mu.Unlock()
			s.sess.queueWindowUpdate(s.id, inc)
			return msg, nil
		}
		if s.remoteDone || s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		wake := s.readWake
		s.mu.Unlock()
		<-wake
	}
}

func (s *Stream) invalidLocked(op string) error {
	state := s.stateLocked()
	if s.err != nil {
		return fmt.Errorf("%w: %s on stream %d in state %s: %w", ErrInvalidTransition, op, s.id, state, s.err)
	}
	return fmt.Errorf("%w: %s on stream %d in state %s", ErrInvalidTransition, op, s.id, state)
}

// writeErr maps a failure while writing to the error reported to callers:
// if the stream became terminal meanwhile, that is an invalid transition.
func (s *Stream) writeErr(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return s.invalidLocked("write")
	}
	return err
}

// Write sends p as DATA, blocking on flow control.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteData(p, false)
}

// WriteData sends p, setting END_STREAM on the last frame when endStream
// is true. On accepted streams a 200 response is sent first if no headers
// were sent yet.
func (s *Stream) WriteData(p []byte, endStream bool) (int, error) {
	s.mu.Lock()
	if s.terminalLocked() || s.localDone {
		err := s.invalidLocked("write")
		s.mu.Unlock()
		return 0, err
	}
	needHeaders := !s.local && !s.headersSent
	if needHeaders {
		s.headersSent = true
		s.sentStatus = 200
	}
	s.mu.Unlock()
	if needHeaders {
		s.sess.queueHeaders(&headersItem{st: s, fields: []HeaderField{{Name: ":status", Value: "200"}}})
	}
	if len(p) == 0 {
		if endStream {
			return 0, s.CloseWrite()
		}
		return 0, nil
	}

	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if max := int(s.sess.peerMaxFrameSize()); chunk > max {
			chunk = max
		}
		n, err := s.acquire(chunk)
		if err != nil {
			return written, s.writeErr(err)
		}
		last := written+n == len(p)
		if err := s.sess.writeData(s, p[written:written+n], endStream && last); err != nil {
			return written, s.writeErr(err)
		}
		written += n
		s.bytesSent.Add(int64(n))
	}
	s.msgsSent.Add(1)
	if endStream {
		s.markLocalDone()
	}
	return written, nil
}

// acquire takes send credit for up to max bytes from the stream window and
// then the connection window.
func (s *Stream) acquire(max int) (int, error) {
	n, err := s.sendWindow.AcquireUpTo(s.ctx, uint32(max))
	if err != nil {
		return 0, err
	}
	c, err := s.sess.connSendWindow.AcquireUpTo(s.ctx, n)
	if err != nil {
		s.sendWindow.Release(n)
		return 0, err
	}
	if c < n {
		s.sendWindow.Release(n - c)
	}
	return int(c), nil
}

func (s *Stream) markLocalDone() {
	s.mu.Lock()
	s.localDone = true
	complete := s.remoteDone && !s.terminalLocked()
	s.mu.Unlock()
	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
}

// CloseWrite signals that no more data will be sent (END_STREAM). Calling
// it again is a no-op.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.terminalLocked() {
		err := s.invalidLocked("close write")
		s.mu.Unlock()
		return err
	}
	if s.localDone {
		s.mu.Unlock()
		return nil
	}
	needHeaders := !s.local && !s.headersSent
	if needHeaders {
		s.headersSent = true
		s.sentStatus = 200
	}
	s.localDone = true
	complete := s.remoteDone
	s.mu.Unlock()

	if needHeaders {
		s.sess.queueHeaders(&headersItem{st: s, fields: []HeaderField{{Name: ":status", Value: "200"}}, endStream: true})
	} else {
		s.sess.queueControl(endStreamItem{st: s})
	}
	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
	return nil
}

// SendHeaders sends the response header block on an accepted stream.
func (s *Stream) SendHeaders(fields []HeaderField, endStream bool) error {
	s.mu.Lock()
	if s.terminalLocked() || s.localDone {
		err := s.invalidLocked("send headers")
		s.mu.Unlock()
		return err
	}
	if s.local || s.headersSent {
		s.mu.Unlock()
		return fmt.Errorf("%w: headers already sent on stream %d", ErrInvalidTransition, s.id)
	}
	s.headersSent = true
	s.sentStatus, _ = strconv.Atoi(HeaderValue(fields, ":status"))
	if endStream {
		s.localDone = true
	}
	complete := endStream && s.remoteDone
	s.mu.Unlock()

	s.sess.queueHeaders(&headersItem{st: s, fields: fields, endStream: endStream})
	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
	return nil
}

// WriteTrailers ends the stream with a trailing header block.
func (s *Stream) WriteTrailers(fields []HeaderField) error {
	s.mu.Lock()
	if s.terminalLocked() || s.localDone {
		err := s.invalidLocked("write trailers")
		s.mu.Unlock()
		return err
	}
	if !s.local && !s.headersSent {
		s.mu.Unlock()
		return fmt.Errorf("%w: trailers before headers on stream %d", ErrInvalidTransition, s.id)
	}
	s.localDone = true
	complete := s.remoteDone
	s.mu.Unlock()

	s.sess.queueHeaders(&headersItem{st: s, fields: fields, endStream: true})
	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
	return nil
}

// Cancel aborts the stream with RST_STREAM(code). It never blocks and is
// idempotent; it reports whether this call cancelled the stream.
func (s *Stream) Cancel(code ErrorCode) bool {
	return s.sess.ctrl.Cancel(s, code)
}

// Close closes the stream normally, telling the peer to stop with
// RST_STREAM(NO_ERROR) if it has not finished.
func (s *Stream) Close() error {
	return s.sess.mux.Close(s, nil)
}

// SetDeadline arms a timer that cancels the stream with
// ErrDeadlineExceeded. A zero t disarms it.
func (s *Stream) SetDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if t.IsZero() {
		return
	}
	s.deadline = time.AfterFunc(time.Until(t), func() { s.sess.ctrl.expire(s) })
}

// HasDeadline reports whether a deadline timer is armed.
func (s *Stream) HasDeadline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline != nil
}

// receiveData handles an inbound DATA frame. A returned *StreamError must
// be answered by cancelling the stream with its code.
func (s *Stream) receiveData(f *DataFrame) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return ErrUnknownStream
	}
	if s.remoteDone {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed, "DATA after END_STREAM")
	}
	if !s.headersSet {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeProtocolError, "DATA before response HEADERS")
	}
	if !s.inflow.take(f.Length) {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeFlowControlError, fmt.Sprintf("DATA of %d bytes exceeds stream receive window", f.Length))
	}
	// Padding is never delivered, so it is credited back at once.
	inc := s.inflow.add(int(f.Length) - len(f.Data))
	if len(f.Data) > 0 {
		s.chunks = append(s.chunks, f.Data)
		s.bytesRecv.Add(int64(len(f.Data)))
		s.msgsRecv.Add(1)
	}
	if f.EndStream() {
		s.remoteDone = true
		inc = 0
	}
	s.broadcastReadLocked()
	complete := s.remoteDone && s.localDone
	s.mu.Unlock()

	s.sess.queueWindowUpdate(s.id, inc)
	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
	return nil
}

// receiveHeaders handles a decoded header block for an existing stream:
// the response on an opened stream, or trailers.
func (s *Stream) receiveHeaders(fields []HeaderField, endStream bool) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return ErrUnknownStream
	}
	if s.remoteDone {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed, "HEADERS after END_STREAM")
	}
	if !s.headersSet {
		status, _ := strconv.Atoi(HeaderValue(fields, ":status"))
		if s.local && status >= 100 && status < 200 && !endStream {
			// Interim response; the final one follows.
			s.mu.Unlock()
			return nil
		}
		s.headers = fields
		s.status = status
		s.acked = true
		s.headersSet = true
		close(s.headersCh)
	} else {
		if !endStream {
			s.mu.Unlock()
			return NewStreamError(s.id, ErrCodeProtocolError, "trailers without END_STREAM")
		}
		s.trailers = fields
	}
	if endStream {
		s.remoteDone = true
		s.broadcastReadLocked()
	}
	complete := s.remoteDone && s.localDone
	s.mu.Unlock()

	if complete {
		s.terminate(false, ErrCodeNoError, nil, false)
	}
	return nil
}

// receiveWindowUpdate applies a stream WINDOW_UPDATE. A closed window
// means the stream already finished.
func (s *Stream) receiveWindowUpdate(inc uint32) error {
	if err := s.sendWindow.Increase(inc); err != nil {
		var se *StreamError
		if errors.As(err, &se) {
			return err
		}
		return ErrUnknownStream
	}
	return nil
}

// setRequestHeaders records the header block that opened an accepted
// stream.
func (s *Stream) setRequestHeaders(fields []HeaderField, endStream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = fields
	s.headersSet = true
	close(s.headersCh)
	if endStream {
		s.remoteDone = true
		s.noBody = true
	}
}

// terminate moves s to CANCELLED (cancelled) or CLOSED and releases its
// resources before returning: the deadline timer, buffered data, the relay
// link, and its multiplexer slot. sendRST queues RST_STREAM(code). It
// reports false if s was already terminal.
func (s *Stream) terminate(cancelled bool, code ErrorCode, cause error, sendRST bool) bool {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return false
	}
	if cancelled {
		s.cancelled = true
		s.err = cause
		s.code = code
		s.chunks = nil
	} else {
		s.closed = true
		sendRST = sendRST && !(s.localDone && s.remoteDone)
	}
	if s.local && !s.headersSent {
		// The peer never saw this id; a reset would name an idle stream.
		sendRST = false
	}
	// A stream closed after its response ended keeps its queued frames; the
	// reset goes out behind them.
	if cancelled || (sendRST && !s.localDone) {
		s.aborted.Store(true)
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if !s.headersSet {
		s.headersSet = true
		close(s.headersCh)
	}
	s.broadcastReadLocked()
	s.mu.Unlock()

	if sendRST {
		s.sess.queueControl(resetItem{st: s, code: code})
	}
	ctxCause := cause
	if ctxCause == nil {
		ctxCause = errStreamClosed
	}
	s.cancelCtx(ctxCause)
	s.sendWindow.Close(ctxCause)
	s.peer.Store(nil)
	s.sess.mux.remove(s)
	close(s.done)
	return true
}
