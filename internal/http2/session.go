package http2

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

// Role says which end of the connection a Session is.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionDraining
	SessionClosed
	SessionFailed
)

var sessionStateNames = [...]string{
	SessionConnecting: "CONNECTING",
	SessionActive:     "ACTIVE",
	SessionDraining:   "DRAINING",
	SessionClosed:     "CLOSED",
	SessionFailed:     "FAILED",
}

func (s SessionState) String() string {
	if int(s) >= 0 && int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "UNKNOWN_SESSION_STATE_" + strconv.Itoa(int(s))
}

// Terminal reports whether the session is CLOSED or FAILED.
func (s SessionState) Terminal() bool {
	return s == SessionClosed || s == SessionFailed
}

func validSessionTransition(from, to SessionState) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case SessionActive:
		return from == SessionConnecting
	case SessionDraining:
		return from == SessionConnecting || from == SessionActive
	case SessionClosed, SessionFailed:
		return true
	}
	return false
}

// closeFlushTimeout bounds how long a closing session waits for the writer
// to put its final GOAWAY on the wire.
const closeFlushTimeout = time.Second

// MetaHeadersFrame is a HEADERS frame whose header block, including any
// CONTINUATION frames, has been decoded.
type MetaHeadersFrame struct {
	*HeadersFrame
	Fields []HeaderField
}

func (f *MetaHeadersFrame) EndStream() bool {
	return f.Flags.Has(FlagHeadersEndStream)
}

// writeRequest is one DATA frame handed to the writer. done has capacity 1.
type writeRequest struct {
	st        *Stream
	data      []byte
	endStream bool
	done      chan error
}

// Session is one HTTP/2 connection carrying many streams. A single reader
// goroutine owns inbound frame processing and a single writer goroutine owns
// the encoder and the socket's write side.
type Session struct {
	id      string
	role    Role
	conn    net.Conn
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelCauseFunc

	stateMu sync.Mutex
	state   atomic.Int32

	mux  *Multiplexer
	ctrl *CancellationController

	cbuf   *controlBuffer
	dataCh chan *writeRequest
	// openSem serialises OpenStream so HEADERS leave in identifier order.
	openSem chan struct{}

	br    *bufio.Reader
	bw    *bufio.Writer
	hpack *HpackAdapter
	// pending is a HEADERS frame waiting for its CONTINUATION frames.
	pending *HeadersFrame

	connSendWindow *FlowControlWindow
	connInflow     inflow

	peerMaxFrame      atomic.Uint32
	peerInitialWindow atomic.Uint32

	acceptMu   sync.Mutex
	acceptQ    *queue.Queue
	acceptWake chan struct{}

	pingMu  sync.Mutex
	pings   map[[8]byte]chan struct{}
	pingSeq atomic.Uint64

	goAwayReceived atomic.Bool
	goAwayCode     atomic.Uint32

	handshakeOnce sync.Once
	handshakeDone chan struct{}

	writerStop chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	errMu sync.Mutex
	err   error
}

func newSession(conn net.Conn, role Role, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:            uuid.NewString(),
		role:          role,
		conn:          conn,
		cfg:           cfg,
		metrics:       cfg.Metrics,
		cbuf:          newControlBuffer(),
		dataCh:        make(chan *writeRequest),
		openSem:       make(chan struct{}, 1),
		br:            bufio.NewReaderSize(conn, 32<<10),
		bw:            bufio.NewWriterSize(conn, 32<<10),
		hpack:         NewHpackAdapter(DefaultHeaderTableSize, cfg.MaxHeaderListSize),
		connInflow:    newInflow(cfg.ConnectionWindowSize),
		acceptQ:       queue.New(),
		acceptWake:    make(chan struct{}),
		pings:         make(map[[8]byte]chan struct{}),
		handshakeDone: make(chan struct{}),
		writerStop:    make(chan struct{}),
		writerDone:    make(chan struct{}),
		readerDone:    make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.log = cfg.Logger.With(logger.LogFields{"session": s.id, "role": role.String()})
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.peerMaxFrame.Store(DefaultMaxFrameSize)
	s.peerInitialWindow.Store(DefaultInitialWindowSize)
	s.connSendWindow = NewFlowControlWindow(DefaultInitialWindowSize, true, 0)

	firstLocal := uint32(1)
	if role == RoleServer {
		firstLocal = 2
	}
	s.mux = newMultiplexer(s, firstLocal, cfg.MaxConcurrentStreams, cfg.OpenPolicy)
	s.ctrl = newCancellationController(s, cfg.ResetRate, cfg.ResetBurst, cfg.ResetPolicy)
	s.metrics.SessionState(role.String(), SessionConnecting.String())
	return s
}

// Client starts the client end of a session over conn and waits for the
// server's SETTINGS. On failure conn is closed.
func Client(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	s := newSession(conn, RoleClient, cfg)
	if _, err := s.bw.WriteString(ClientPreface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing client preface: %w", err)
	}
	return s.start(ctx)
}

// Server starts the server end of a session over conn: it expects the
// client preface and waits for the client's SETTINGS. On failure conn is
// closed.
func Server(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return newSession(conn, RoleServer, cfg).start(ctx)
}

// Dial connects to addr and starts a client session. With a non-nil tlsCfg
// the connection negotiates h2 over TLS; otherwise it speaks prior-knowledge
// h2c.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, cfg Config) (*Session, error) {
	d := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		tc := tlsCfg.Clone()
		if len(tc.NextProtos) == 0 {
			tc.NextProtos = []string{"h2"}
		}
		conn, err = (&tls.Dialer{NetDialer: d, Config: tc}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if p := conn.(*tls.Conn).ConnectionState().NegotiatedProtocol; p != "h2" {
			conn.Close()
			return nil, fmt.Errorf("dial %s: server negotiated %q, want h2", addr, p)
		}
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	}
	return Client(ctx, conn, cfg)
}

func (s *Session) start(ctx context.Context) (*Session, error) {
	settings := []Setting{
		{ID: SettingMaxConcurrentStreams, Value: s.cfg.MaxConcurrentStreams},
		{ID: SettingInitialWindowSize, Value: s.cfg.InitialWindowSize},
		{ID: SettingMaxFrameSize, Value: s.cfg.MaxFrameSize},
		{ID: SettingMaxHeaderListSize, Value: s.cfg.MaxHeaderListSize},
	}
	if s.role == RoleClient {
		settings = append([]Setting{{ID: SettingEnablePush, Value: 0}}, settings...)
	}
	s.cbuf.put(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings}, Settings: settings})
	if extra := s.cfg.ConnectionWindowSize - DefaultInitialWindowSize; extra > 0 {
		s.queueWindowUpdate(0, extra)
	}

	go s.readLoop()
	go s.writeLoop()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-s.handshakeDone:
	case <-timer.C:
		s.fail(NewConnectionError(ErrCodeSettingsTimeout, "no SETTINGS from peer within "+s.cfg.HandshakeTimeout.String()))
		<-s.readerDone
		return nil, s.Err()
	case <-ctx.Done():
		s.terminate(SessionFailed, fmt.Errorf("%w: %w", ErrSessionFailed, ctx.Err()), nil)
		<-s.readerDone
		return nil, ctx.Err()
	case <-s.done:
		<-s.readerDone
		return nil, s.Err()
	}

	if s.cfg.KeepaliveInterval > 0 {
		go s.keepalive()
	}
	s.log.Info("session established", logger.LogFields{"remote_addr": s.RemoteAddr().String()})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Mux returns the session's stream multiplexer.
func (s *Session) Mux() *Multiplexer { return s.mux }

// Controller returns the session's cancellation controller.
func (s *Session) Controller() *CancellationController { return s.ctrl }

// ActiveStreams returns the number of registered streams.
func (s *Session) ActiveStreams() int { return s.mux.Len() }

// Done is closed once the session is CLOSED or FAILED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session ends, with the session error as
// its cause.
func (s *Session) Context() context.Context { return s.ctx }

// Err returns why the session ended: ErrSessionClosed after an orderly
// close, an error wrapping ErrSessionFailed after a failure, nil while the
// session is live.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) sessionErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// GoAwayCode returns the error code of the GOAWAY received from the peer.
func (s *Session) GoAwayCode() (ErrorCode, bool) {
	return ErrorCode(s.goAwayCode.Load()), s.goAwayReceived.Load()
}

func (s *Session) transition(to SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	from := SessionState(s.state.Load())
	if !validSessionTransition(from, to) {
		return false
	}
	s.state.Store(int32(to))
	role := s.role.String()
	s.metrics.SessionState(role, to.String())
	switch {
	case to == SessionActive:
		s.metrics.SessionActive(role, 1)
	case to.Terminal() && (from == SessionActive || from == SessionDraining):
		s.metrics.SessionActive(role, -1)
	}
	return true
}

func (s *Session) isLocalID(id uint32) bool {
	if s.role == RoleClient {
		return id%2 == 1
	}
	return id%2 == 0
}

func (s *Session) peerInitialWindowSize() uint32 { return s.peerInitialWindow.Load() }

func (s *Session) peerMaxFrameSize() uint32 { return s.peerMaxFrame.Load() }

// fields builds log fields for a stream from alternating keys and values.
func (s *Session) fields(streamID uint32, kv ...interface{}) logger.LogFields {
	f := logger.LogFields{"stream": streamID}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}

func (s *Session) queueControl(item interface{}) bool { return s.cbuf.put(item) }

func (s *Session) queueHeaders(it *headersItem) bool { return s.cbuf.put(it) }

func (s *Session) queueWindowUpdate(id, inc uint32) {
	if inc == 0 {
		return
	}
	s.cbuf.put(&WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: id},
		WindowSizeIncrement: inc,
	})
}

// writeData hands one DATA frame to the writer and waits until it is
// written, dropped, or the stream or session ends.
func (s *Session) writeData(st *Stream, data []byte, endStream bool) error {
	req := &writeRequest{st: st, data: data, endStream: endStream, done: make(chan error, 1)}
	select {
	case s.dataCh <- req:
	case <-st.ctx.Done():
		s.connSendWindow.Release(uint32(len(data)))
		return context.Cause(st.ctx)
	case <-s.done:
		return s.sessionErr()
	}
	select {
	case err := <-req.done:
		return err
	case <-st.ctx.Done():
		return context.Cause(st.ctx)
	case <-s.done:
		return s.sessionErr()
	}
}

// OpenStream opens a stream by sending headers. Only client sessions open
// streams. With endStream the request has no body.
func (s *Session) OpenStream(ctx context.Context, headers []HeaderField, endStream bool) (*Stream, error) {
	if s.role != RoleClient {
		return nil, fmt.Errorf("%w: server sessions do not open streams", ErrInvalidTransition)
	}
	for _, hf := range headers {
		if hf.Name == "" {
			return nil, errors.New("http2: header field with empty name")
		}
	}
	select {
	case s.openSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.openSem }()

	st, err := s.mux.Open(ctx)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.headersSent = true
	if endStream {
		st.localDone = true
	}
	st.mu.Unlock()
	s.queueHeaders(&headersItem{st: st, fields: headers, endStream: endStream, open: true})
	if s.log.DebugEnabled() {
		s.log.Debug("stream opened", s.fields(st.id))
	}
	return st, nil
}

// Accept returns the next stream opened by the peer. Streams cancelled
// before they were accepted are skipped.
func (s *Session) Accept(ctx context.Context) (*Stream, error) {
	for {
		s.acceptMu.Lock()
		for s.acceptQ.Length() > 0 {
			st := s.acceptQ.Remove().(*Stream)
			if st.State().Terminal() {
				continue
			}
			s.acceptMu.Unlock()
			return st, nil
		}
		wake := s.acceptWake
		s.acceptMu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, s.sessionErr()
		}
	}
}

func (s *Session) pushAccept(st *Stream) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	if s.acceptQ.Length() >= int(s.cfg.MaxConcurrentStreams) {
		// Live streams never exceed the limit, so pruning always makes room.
		n := s.acceptQ.Length()
		for i := 0; i < n; i++ {
			q := s.acceptQ.Remove().(*Stream)
			if !q.State().Terminal() {
				s.acceptQ.Add(q)
			}
		}
	}
	s.acceptQ.Add(st)
	close(s.acceptWake)
	s.acceptWake = make(chan struct{})
}

// Ping sends a PING and returns the round-trip time.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], s.pingSeq.Add(1))
	ch := make(chan struct{})
	s.pingMu.Lock()
	s.pings[data] = ch
	s.pingMu.Unlock()
	defer func() {
		s.pingMu.Lock()
		delete(s.pings, data)
		s.pingMu.Unlock()
	}()

	start := time.Now()
	if !s.queueControl(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}, OpaqueData: data}) {
		return 0, s.sessionErr()
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, s.sessionErr()
	}
}

func (s *Session) resolvePing(data [8]byte) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	if ch, ok := s.pings[data]; ok {
		close(ch)
		delete(s.pings, data)
	}
}

func (s *Session) keepalive() {
	t := time.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.KeepaliveInterval)
			_, err := s.Ping(ctx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.fail(fmt.Errorf("keepalive ping: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// Drain stops new streams in both directions and lets existing ones finish;
// the session closes once the last one ends. The peer is told with
// GOAWAY(NO_ERROR).
func (s *Session) Drain() {
	if !s.transition(SessionDraining) {
		return
	}
	s.mux.refuseOpens(ErrSessionDraining)
	s.queueControl(GenerateGoAwayFrame(s.mux.lastPeerStreamID(), ErrCodeNoError, "", nil))
	s.log.Info("session draining", logger.LogFields{"active_streams": s.mux.Len()})
	if s.mux.Len() == 0 {
		go s.Close()
	}
}

// onIdle is called when the last stream is unregistered.
func (s *Session) onIdle() {
	if s.State() == SessionDraining {
		go s.Close()
	}
}

// Shutdown drains the session and waits for it to close, closing it
// forcibly when ctx ends first.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Drain()
	select {
	case <-s.done:
		<-s.readerDone
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close ends the session at once: open streams are cancelled, GOAWAY
// (NO_ERROR) is sent and the connection is closed. It is idempotent.
func (s *Session) Close() error {
	s.terminate(SessionClosed, ErrSessionClosed,
		GenerateGoAwayFrame(s.mux.lastPeerStreamID(), ErrCodeNoError, "", nil))
	<-s.readerDone
	return nil
}

// fail ends the session as FAILED. Connection errors are reported to the
// peer with GOAWAY.
func (s *Session) fail(err error) {
	var ga *GoAwayFrame
	var ce *ConnectionError
	if errors.As(err, &ce) {
		ga = GenerateGoAwayFrame(s.mux.lastPeerStreamID(), ce.Code, "", ce)
	}
	s.terminate(SessionFailed, fmt.Errorf("%w: %w", ErrSessionFailed, err), ga)
}

func (s *Session) terminate(final SessionState, cause error, goAway *GoAwayFrame) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		s.transition(final)

		s.mux.refuseOpens(cause)
		n := s.ctrl.CancelAll(cause)

		if goAway != nil {
			s.cbuf.put(goAway)
		}
		s.cbuf.close()
		close(s.writerStop)
		s.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
		select {
		case <-s.writerDone:
		case <-time.After(closeFlushTimeout):
		}
		s.conn.Close()
		s.cancel(cause)
		s.connSendWindow.Close(cause)
		close(s.done)

		fields := logger.LogFields{"cancelled_streams": n}
		if final == SessionFailed {
			fields["error"] = cause.Error()
			s.log.Warn("session failed", fields)
		} else {
			s.log.Info("session closed", fields)
		}
	})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		if err := s.drainControl(); err != nil {
			go s.writeFailed(err)
			return
		}
		if s.bw.Buffered() > 0 {
			select {
			case <-s.cbuf.signal:
				continue
			case req := <-s.dataCh:
				if err := s.writeDataFrame(req); err != nil {
					go s.writeFailed(err)
					return
				}
				continue
			default:
			}
			if err := s.bw.Flush(); err != nil {
				go s.writeFailed(err)
				return
			}
		}
		select {
		case <-s.cbuf.signal:
		case req := <-s.dataCh:
			if err := s.drainControl(); err != nil {
				req.done <- err
				go s.writeFailed(err)
				return
			}
			if err := s.writeDataFrame(req); err != nil {
				go s.writeFailed(err)
				return
			}
		case <-s.writerStop:
			if s.drainControl() == nil {
				s.bw.Flush()
			}
			return
		}
	}
}

// writeFailed ends the session after a write error. The reader usually
// sees the same broken connection and knows whether the peer went away in
// an orderly fashion, so it gets the first word.
func (s *Session) writeFailed(err error) {
	t := time.NewTimer(closeFlushTimeout)
	defer t.Stop()
	select {
	case <-s.readerDone:
	case <-t.C:
	}
	s.fail(err)
}

// drainControl writes every queued control item.
func (s *Session) drainControl() error {
	for {
		item := s.cbuf.get()
		if item == nil {
			return nil
		}
		if err := s.writeItem(item); err != nil {
			return err
		}
	}
}

func (s *Session) writeItem(item interface{}) error {
	switch it := item.(type) {
	case *headersItem:
		return s.writeHeaders(it)
	case resetItem:
		return WriteFrame(s.bw, GenerateRSTStreamFrame(it.st.id, it.code, nil))
	case endStreamItem:
		if it.st.aborted.Load() {
			return nil
		}
		return WriteFrame(s.bw, &DataFrame{FrameHeader: FrameHeader{Type: FrameData, Flags: FlagDataEndStream, StreamID: it.st.id}})
	case encoderTableSizeItem:
		s.hpack.SetMaxEncoderDynamicTableSize(uint32(it))
		return nil
	case Frame:
		return WriteFrame(s.bw, it)
	}
	return fmt.Errorf("http2: unknown control item %T", item)
}

func (s *Session) writeHeaders(it *headersItem) error {
	if !it.open && it.st.aborted.Load() {
		return nil
	}
	block, err := s.hpack.Encode(it.fields)
	if err != nil {
		return NewConnectionErrorWithCause(ErrCodeInternalError, "encoding header block", err)
	}
	max := int(s.peerMaxFrame.Load())
	first := true
	for first || len(block) > 0 {
		n := len(block)
		if n > max {
			n = max
		}
		frag := block[:n]
		block = block[n:]
		var flags Flags
		if len(block) == 0 {
			flags |= FlagHeadersEndHeaders
		}
		var f Frame
		if first {
			if it.endStream {
				flags |= FlagHeadersEndStream
			}
			f = &HeadersFrame{FrameHeader: FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: it.st.id}, HeaderBlockFragment: frag}
		} else {
			f = &ContinuationFrame{FrameHeader: FrameHeader{Type: FrameContinuation, Flags: flags, StreamID: it.st.id}, HeaderBlockFragment: frag}
		}
		if err := WriteFrame(s.bw, f); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func (s *Session) writeDataFrame(req *writeRequest) error {
	if req.st.aborted.Load() {
		// The peer will never see this data, so its connection credit
		// goes back to the pool.
		s.connSendWindow.Release(uint32(len(req.data)))
		req.done <- fmt.Errorf("%w: stream %d was reset", ErrStreamCancelled, req.st.id)
		return nil
	}
	var flags Flags
	if req.endStream {
		flags = FlagDataEndStream
	}
	err := WriteFrame(s.bw, &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: flags, StreamID: req.st.id},
		Data:        req.data,
	})
	req.done <- err
	return err
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	if s.role == RoleServer {
		if err := s.readPreface(); err != nil {
			s.readFailed(err)
			return
		}
	}
	first := true
	for {
		f, err := ReadFrame(s.br, s.cfg.MaxFrameSize)
		var se *StreamError
		if errors.As(err, &se) {
			// The payload was consumed; only the stream is affected.
			if st := s.mux.lookup(se.StreamID); st != nil {
				s.ctrl.cancel(st, se.Code, se, true, metrics.OriginLocal)
			} else {
				s.queueControl(GenerateRSTStreamFrame(se.StreamID, se.Code, se))
			}
			continue
		}
		if err != nil {
			s.readFailed(err)
			return
		}
		if first {
			if sf, ok := f.(*SettingsFrame); !ok || sf.Flags.Has(FlagSettingsAck) {
				s.fail(NewConnectionError(ErrCodeProtocolError, "first frame from peer is not SETTINGS"))
				return
			}
			first = false
		}
		if s.pending != nil {
			if cf, ok := f.(*ContinuationFrame); !ok || cf.StreamID != s.pending.StreamID {
				s.fail(NewConnectionError(ErrCodeProtocolError, "expected CONTINUATION for stream "+strconv.FormatUint(uint64(s.pending.StreamID), 10)))
				return
			}
		}
		if err := s.processFrame(f); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) readPreface() error {
	buf := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if !bytes.Equal(buf, []byte(ClientPreface)) {
		return NewConnectionError(ErrCodeProtocolError, "invalid client preface")
	}
	return nil
}

// readFailed classifies a read error. Errors after the session ended are
// the result of closing the connection and are ignored.
func (s *Session) readFailed(err error) {
	if s.State().Terminal() {
		return
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		s.fail(err)
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if code, ok := s.GoAwayCode(); ok {
			if code == ErrCodeNoError {
				s.terminate(SessionClosed, ErrSessionClosed, nil)
				return
			}
			s.terminate(SessionFailed, fmt.Errorf("%w: peer sent GOAWAY %s", ErrSessionFailed, code), nil)
			return
		}
		s.terminate(SessionFailed, fmt.Errorf("%w: connection closed by peer: %w", ErrSessionFailed, err), nil)
		return
	}
	s.terminate(SessionFailed, fmt.Errorf("%w: %w", ErrSessionFailed, err), nil)
}

func (s *Session) processFrame(f Frame) error {
	switch f := f.(type) {
	case *SettingsFrame:
		return s.handleSettings(f)
	case *PingFrame:
		if f.Flags.Has(FlagPingAck) {
			s.resolvePing(f.OpaqueData)
			return nil
		}
		s.queueControl(&PingFrame{FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck}, OpaqueData: f.OpaqueData})
		return nil
	case *GoAwayFrame:
		s.handleGoAway(f)
		return nil
	case *WindowUpdateFrame:
		if f.StreamID == 0 {
			return s.connSendWindow.Increase(f.WindowSizeIncrement)
		}
		if s.mux.isIdle(f.StreamID) {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("WINDOW_UPDATE on idle stream %d", f.StreamID))
		}
		return s.dispatch(f)
	case *RSTStreamFrame:
		if s.mux.isIdle(f.StreamID) {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("RST_STREAM on idle stream %d", f.StreamID))
		}
		return s.dispatch(f)
	case *HeadersFrame:
		if err := s.hpack.DecodeFragment(f.HeaderBlockFragment); err != nil {
			return NewConnectionErrorWithCause(ErrCodeCompressionError, "decoding header block", err)
		}
		if f.Flags.Has(FlagHeadersEndHeaders) {
			return s.endHeaderBlock(f)
		}
		s.pending = f
		return nil
	case *ContinuationFrame:
		if s.pending == nil {
			return NewConnectionError(ErrCodeProtocolError, "unexpected CONTINUATION")
		}
		if err := s.hpack.DecodeFragment(f.HeaderBlockFragment); err != nil {
			return NewConnectionErrorWithCause(ErrCodeCompressionError, "decoding header block", err)
		}
		if f.Flags.Has(FlagContinuationEndHeaders) {
			hf := s.pending
			s.pending = nil
			return s.endHeaderBlock(hf)
		}
		return nil
	case *DataFrame:
		return s.handleData(f)
	case *PriorityFrame:
		return nil
	case *UnknownFrame:
		if f.Type == FramePushPromise {
			return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received but push is disabled")
		}
		return nil
	}
	return nil
}

// dispatch hands a stream frame to the multiplexer. Frames for streams that
// are no longer registered are counted and dropped.
func (s *Session) dispatch(f Frame) error {
	id := f.Header().StreamID
	err := s.mux.Dispatch(id, f)
	if errors.Is(err, ErrUnknownStream) {
		s.metrics.UnknownStreamFrame(s.role.String(), f.Header().Type.String())
		if s.log.DebugEnabled() {
			s.log.Debug("frame for unknown stream dropped", s.fields(id, "type", f.Header().Type.String()))
		}
		return nil
	}
	return err
}

func (s *Session) handleData(f *DataFrame) error {
	if s.mux.isIdle(f.StreamID) {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("DATA on idle stream %d", f.StreamID))
	}
	if !s.connInflow.take(f.Length) {
		return NewConnectionError(ErrCodeFlowControlError, "DATA exceeds connection receive window")
	}
	// The connection window is replenished on receipt; stream windows
	// only as the application reads.
	s.queueWindowUpdate(0, s.connInflow.add(int(f.Length)))
	return s.dispatch(f)
}

func (s *Session) endHeaderBlock(hf *HeadersFrame) error {
	fields, err := s.hpack.FinishDecoding()
	tooLarge := errors.Is(err, errHeaderListTooLarge)
	if err != nil && !tooLarge {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "decoding header block", err)
	}
	id := hf.StreamID
	if s.isLocalID(id) {
		if s.mux.isIdle(id) {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("HEADERS on idle stream %d", id))
		}
		if tooLarge {
			if st := s.mux.lookup(id); st != nil {
				s.ctrl.cancel(st, ErrCodeProtocolError, NewStreamError(id, ErrCodeProtocolError, "response header list too large"), true, metrics.OriginLocal)
			}
			return nil
		}
		return s.dispatch(&MetaHeadersFrame{HeadersFrame: hf, Fields: fields})
	}

	if st := s.mux.lookup(id); st != nil {
		if tooLarge {
			s.ctrl.cancel(st, ErrCodeProtocolError, NewStreamError(id, ErrCodeProtocolError, "trailer list too large"), true, metrics.OriginLocal)
			return nil
		}
		return s.dispatch(&MetaHeadersFrame{HeadersFrame: hf, Fields: fields})
	}
	if !s.mux.isIdle(id) {
		// Late trailers for a stream that already ended.
		s.metrics.UnknownStreamFrame(s.role.String(), FrameHeaders.String())
		return nil
	}
	if s.role == RoleClient {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("server opened stream %d", id))
	}
	if tooLarge {
		s.refuse(id, "header_list_size")
		return nil
	}
	st, reason := s.mux.accept(id)
	if st == nil {
		s.queueControl(GenerateRSTStreamFrame(id, ErrCodeRefusedStream, nil))
		s.metrics.StreamRefused(s.role.String(), reason)
		if s.log.DebugEnabled() {
			s.log.Debug("stream refused", s.fields(id, "reason", reason))
		}
		return nil
	}
	st.setRequestHeaders(fields, hf.Flags.Has(FlagHeadersEndStream))
	s.pushAccept(st)
	return nil
}

// refuse rejects a new peer stream without registering it.
func (s *Session) refuse(id uint32, reason string) {
	s.mux.mu.Lock()
	if id > s.mux.lastPeerID {
		s.mux.lastPeerID = id
	}
	s.mux.mu.Unlock()
	s.queueControl(GenerateRSTStreamFrame(id, ErrCodeRefusedStream, nil))
	s.metrics.StreamRefused(s.role.String(), reason)
}

func (s *Session) handleSettings(f *SettingsFrame) error {
	if f.Flags.Has(FlagSettingsAck) {
		return nil
	}
	for _, set := range f.Settings {
		switch set.ID {
		case SettingHeaderTableSize:
			s.queueControl(encoderTableSizeItem(set.Value))
		case SettingEnablePush:
			if set.Value > 1 {
				return NewConnectionError(ErrCodeProtocolError, "invalid SETTINGS_ENABLE_PUSH "+strconv.FormatUint(uint64(set.Value), 10))
			}
		case SettingMaxConcurrentStreams:
			s.mux.setLocalLimit(set.Value)
		case SettingInitialWindowSize:
			if set.Value > MaxWindowSize {
				return NewConnectionError(ErrCodeFlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE above maximum")
			}
			s.peerInitialWindow.Store(set.Value)
			// An overflowing stream window is a connection error (RFC 7540 6.9.2).
			for _, st := range s.mux.snapshot() {
				if err := st.sendWindow.UpdateInitialWindowSize(set.Value); err != nil {
					return err
				}
			}
		case SettingMaxFrameSize:
			if set.Value < MinAllowedFrameSize || set.Value > MaxAllowedFrameSize {
				return NewConnectionError(ErrCodeProtocolError, "invalid SETTINGS_MAX_FRAME_SIZE "+strconv.FormatUint(uint64(set.Value), 10))
			}
			s.peerMaxFrame.Store(set.Value)
		}
	}
	s.queueControl(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck}})
	s.handshakeOnce.Do(func() {
		s.transition(SessionActive)
		close(s.handshakeDone)
	})
	return nil
}

func (s *Session) handleGoAway(f *GoAwayFrame) {
	s.goAwayCode.Store(uint32(f.ErrorCode))
	s.goAwayReceived.Store(true)
	fields := logger.LogFields{"last_stream": f.LastStreamID, "code": f.ErrorCode.String()}
	if len(f.AdditionalDebugData) > 0 {
		fields["debug"] = string(f.AdditionalDebugData)
	}
	s.log.Info("peer sent GOAWAY", fields)

	if s.transition(SessionDraining) {
		s.mux.refuseOpens(ErrSessionDraining)
	}
	for _, st := range s.mux.snapshot() {
		if st.local && st.id > f.LastStreamID {
			s.ctrl.cancel(st, ErrCodeRefusedStream,
				fmt.Errorf("%w: stream %d above GOAWAY last stream %d", ErrStreamRefused, st.id, f.LastStreamID),
				false, metrics.OriginSession)
		}
	}
	if s.mux.Len() == 0 {
		go s.Close()
	}
}
