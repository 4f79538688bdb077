package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
	"example.com/h2mux/internal/util"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts connections, runs one server Session per connection and
// hands every accepted stream to the router on its own goroutine.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	router   RouterInterface
	sessCfg  http2.Config
	tlsCfg   *tls.Config
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	sessions   map[*http2.Session]struct{}
	closing    bool
	metricsSrv *http.Server
	conns      sync.WaitGroup

	streams       atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	shutdownOnce sync.Once
	done         chan struct{}
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithTLSConfig serves TLS with cfg instead of the certificate named in
// server.tls. ALPN "h2" is added when missing.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsCfg = cfg }
}

// WithMetrics records session and stream metrics in m and, when metrics
// are enabled in the config, serves g on the metrics address.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// NewServer creates a Server from a defaulted and validated config.
func NewServer(cfg *config.Config, lg *logger.Logger, router RouterInterface, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}

	s := &Server{
		cfg:       cfg,
		log:       lg,
		router:    router,
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*http2.Session]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tlsCfg == nil && cfg.Server.TLS != nil {
		tlsCfg, err := LoadTLSConfig(cfg.ResolvePath(cfg.Server.TLS.CertFile), cfg.ResolvePath(cfg.Server.TLS.KeyFile))
		if err != nil {
			return nil, err
		}
		s.tlsCfg = tlsCfg
	}
	if s.tlsCfg != nil {
		s.tlsCfg = withH2(s.tlsCfg)
	}

	s.sessCfg = http2.SessionConfigFrom(cfg.Session)
	s.sessCfg.Metrics = s.metrics
	return s, nil
}

// LoadTLSConfig loads a certificate and key for serving HTTP/2 over TLS.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair from %s and %s: %w", certFile, keyFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func withH2(cfg *tls.Config) *tls.Config {
	for _, p := range cfg.NextProtos {
		if p == "h2" {
			return cfg
		}
	}
	c := cfg.Clone()
	c.NextProtos = append([]string{"h2"}, c.NextProtos...)
	return c
}

// Start listens on server.address, serves until SIGINT or SIGTERM and then
// shuts down gracefully within server.graceful_shutdown_timeout. SIGHUP
// reopens the log files.
func (s *Server) Start() error {
	ln, err := util.CreateListener(context.Background(), "tcp", *s.cfg.Server.Address)
	if err != nil {
		return err
	}
	if err := s.startMetrics(); err != nil {
		ln.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	for {
		select {
		case err := <-serveErr:
			if errors.Is(err, ErrServerClosed) {
				return nil
			}
			return multierr.Append(err, s.Shutdown(context.Background()))
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				s.log.Info("reopening log files", logger.LogFields{"signal": sig.String()})
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("shutting down", logger.LogFields{"signal": sig.String()})
			ctx, cancel := context.WithTimeout(context.Background(),
				config.DurationOr(s.cfg.Server.GracefulShutdownTimeout, config.DefaultGracefulShutdownTimeout))
			err := s.Shutdown(ctx)
			cancel()
			<-serveErr
			return err
		}
	}
}

func (s *Server) startMetrics() error {
	m := s.cfg.Metrics
	if s.gatherer == nil || m == nil || m.Enabled == nil || !*m.Enabled {
		return nil
	}
	ln, err := util.CreateListener(context.Background(), "tcp", *m.Address)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(*m.Path, metrics.Handler(s.gatherer))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics listener stopped", logger.LogFields{"error": err.Error()})
		}
	}()
	s.log.Info("serving metrics", logger.LogFields{"address": ln.Addr().String(), "path": *m.Path})
	return nil
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown that is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	s.log.Info("listening", logger.LogFields{"address": ln.Addr().String(), "tls": s.tlsCfg != nil})

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("accept error, retrying", logger.LogFields{"error": err.Error(), "delay": tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			s.removeListener(ln)
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		tempDelay = 0
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) removeListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// Addrs returns the addresses of the active listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// serveConn runs one server Session until it ends.
func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	remote := conn.RemoteAddr().String()

	handshakeTimeout := s.sessCfg.HandshakeTimeout
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.log.Warn("TLS handshake failed", logger.LogFields{"remote_addr": remote, "error": err.Error()})
			conn.Close()
			return
		}
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != "h2" {
			s.log.Warn("client did not negotiate h2", logger.LogFields{"remote_addr": remote, "alpn": proto})
			conn.Close()
			return
		}
	}

	cfg := s.sessCfg
	cfg.Logger = s.log.With(logger.LogFields{"remote_addr": remote})
	sess, err := http2.Server(ctx, conn, cfg)
	if err != nil {
		s.log.Warn("session handshake failed", logger.LogFields{"remote_addr": remote, "error": err.Error()})
		return
	}
	if !s.addSession(sess) {
		sess.Close()
		return
	}
	defer s.removeSession(sess)

	var handlers sync.WaitGroup
	for {
		st, err := sess.Accept(context.Background())
		if err != nil {
			break
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleStream(sess, st)
		}()
	}
	handlers.Wait()
	<-sess.Done()

	fields := logger.LogFields{"session": sess.ID(), "remote_addr": remote, "state": sess.State().String()}
	if err := sess.Err(); err != nil && sess.State() == http2.SessionFailed {
		fields["error"] = err.Error()
	}
	s.log.Debug("session ended", fields)
}

func (s *Server) addSession(sess *http2.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) removeSession(sess *http2.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// handleStream builds the request, runs the router and finishes whatever
// the handler left open.
func (s *Server) handleStream(sess *http2.Session, st *http2.Stream) {
	s.streams.Add(1)
	req, err := http2.NewRequest(st)
	if err != nil {
		s.log.Warn("malformed request", logger.LogFields{"session": sess.ID(), "stream": st.ID(), "error": err.Error()})
		st.Cancel(http2.CodeOf(err))
		s.logAccess(sess, st, nil)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked", logger.LogFields{
					"session": sess.ID(), "stream": st.ID(), "path": req.URL.Path, "panic": fmt.Sprint(r),
				})
				if st.Status() == 0 {
					WriteErrorResponse(st, http.StatusInternalServerError, req, "", nil, s.log)
				} else {
					st.Cancel(http2.ErrCodeInternalError)
				}
			}
		}()
		s.router.ServeHTTP(st, req)
	}()

	if !st.State().Terminal() {
		if st.Status() == 0 {
			WriteErrorResponse(st, http.StatusInternalServerError, req, "handler did not respond", nil, s.log)
		}
		st.CloseWrite()
		st.Close()
	}
	s.logAccess(sess, st, req)
}

func (s *Server) logAccess(sess *http2.Session, st *http2.Stream, req *http.Request) {
	stats := st.Stats()
	s.bytesSent.Add(stats.BytesSent)
	s.bytesReceived.Add(stats.BytesReceived)

	e := logger.AccessEntry{
		SessionID:     sess.ID(),
		StreamID:      st.ID(),
		RemoteAddr:    sess.RemoteAddr().String(),
		Status:        st.Status(),
		BytesSent:     stats.BytesSent,
		BytesReceived: stats.BytesReceived,
		Duration:      time.Since(st.OpenedAt()),
		Outcome:       outcome(st),
	}
	if req != nil {
		e.Method = req.Method
		e.Path = req.URL.Path
		e.Authority = req.Host
	}
	s.log.Access(e)
}

// outcome names how a finished stream ended, for the access log.
func outcome(st *http2.Stream) string {
	switch {
	case st.State() == http2.StreamStateClosed:
		return "closed"
	case errors.Is(st.Err(), http2.ErrStreamRefused):
		return "refused"
	case errors.Is(st.Err(), http2.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(st.Err(), http2.ErrSessionClosed), errors.Is(st.Err(), http2.ErrSessionFailed):
		return "session_ended"
	case st.State() == http2.StreamStateCancelled:
		return "cancelled"
	}
	return st.State().String()
}

// Shutdown stops accepting, drains every session and waits for them to
// close. When ctx ends first the remaining sessions are closed at once and
// ctx's error is included in the result.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		start := time.Now()
		s.mu.Lock()
		s.closing = true
		listeners := make([]net.Listener, 0, len(s.listeners))
		for ln := range s.listeners {
			listeners = append(listeners, ln)
		}
		s.listeners = make(map[net.Listener]struct{})
		sessions := make([]*http2.Session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		metricsSrv := s.metricsSrv
		s.mu.Unlock()

		for _, ln := range listeners {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, fmt.Errorf("closing listener %s: %w", ln.Addr(), cerr))
			}
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Add(1)
			go func(sess *http2.Session) {
				defer wg.Done()
				if serr := sess.Shutdown(ctx); serr != nil {
					mu.Lock()
					err = multierr.Append(err, fmt.Errorf("session %s: %w", sess.ID(), serr))
					mu.Unlock()
				}
			}(sess)
		}
		wg.Wait()
		s.conns.Wait()

		if metricsSrv != nil {
			err = multierr.Append(err, metricsSrv.Shutdown(ctx))
		}
		close(s.done)

		s.log.Info("server stopped", logger.LogFields{
			"sessions":       len(sessions),
			"streams":        s.streams.Load(),
			"bytes_sent":     humanize.Bytes(uint64(s.bytesSent.Load())),
			"bytes_received": humanize.Bytes(uint64(s.bytesReceived.Load())),
			"took":           time.Since(start).String(),
		})
	})
	return err
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} { return s.done }
