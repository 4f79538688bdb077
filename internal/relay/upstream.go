package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

// ErrUpstreamUnavailable reports that no upstream session could carry the
// stream: the dial failed, or the session ended before the upstream
// response started.
var ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")

// Upstream holds the current client session toward one upstream address
// and replaces it when it can no longer open streams. Concurrent callers
// that find no usable session share a single dial.
type Upstream struct {
	addr        string
	tlsCfg      *tls.Config
	sessCfg     http2.Config
	dialTimeout time.Duration
	log         *logger.Logger
	metrics     *metrics.Metrics

	dials singleflight.Group

	mu      sync.Mutex
	current *http2.Session
	// live holds every session not yet ended, including drained
	// predecessors of current that still carry streams.
	live   map[*http2.Session]struct{}
	closed bool
}

// NewUpstream prepares a pool for cfg.Upstream. It does not dial.
func NewUpstream(cfg *config.RelayConfig, lg *logger.Logger, m *metrics.Metrics) (*Upstream, error) {
	tlsCfg, err := upstreamTLS(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg := http2.SessionConfigFrom(cfg.Session)
	sessCfg.Logger = lg.With(logger.LogFields{"upstream": cfg.Upstream})
	sessCfg.Metrics = m
	return &Upstream{
		addr:        cfg.Upstream,
		tlsCfg:      tlsCfg,
		sessCfg:     sessCfg,
		dialTimeout: config.DurationOr(cfg.DialTimeout, config.DefaultRelayDialTimeout),
		log:         lg,
		metrics:     m,
		live:        make(map[*http2.Session]struct{}),
	}, nil
}

func upstreamTLS(cfg *config.RelayConfig) (*tls.Config, error) {
	if cfg.TLS == nil || !cfg.TLS.Enabled {
		return nil, nil
	}
	tc := &tls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		NextProtos:         []string{"h2"},
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading upstream CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("upstream CA file %s contains no certificates", cfg.TLS.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Addr is the upstream address.
func (u *Upstream) Addr() string { return u.addr }

// TLS reports whether the upstream is reached over TLS.
func (u *Upstream) TLS() bool { return u.tlsCfg != nil }

// Session returns a session that can open streams, dialing a new one when
// the current session is missing, draining, closed or failed.
func (u *Upstream) Session(ctx context.Context) (*http2.Session, error) {
	if sess, err := u.usable(); sess != nil || err != nil {
		return sess, err
	}
	ch := u.dials.DoChan(u.addr, func() (interface{}, error) { return u.redial() })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*http2.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *Upstream) usable() (*http2.Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, fmt.Errorf("%w: relay closed", ErrUpstreamUnavailable)
	}
	if u.current != nil && u.current.State() == http2.SessionActive {
		return u.current, nil
	}
	return nil, nil
}

// redial runs under the single-flight group. The dial is not tied to any
// one caller's context.
func (u *Upstream) redial() (*http2.Session, error) {
	if sess, err := u.usable(); sess != nil || err != nil {
		return sess, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), u.dialTimeout)
	defer cancel()
	sess, err := http2.Dial(ctx, u.addr, u.tlsCfg, u.sessCfg)
	if err != nil {
		u.metrics.UpstreamDial("error")
		u.log.Warn("upstream dial failed", logger.LogFields{"upstream": u.addr, "error": err.Error()})
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	u.metrics.UpstreamDial("ok")

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("%w: relay closed", ErrUpstreamUnavailable)
	}
	old := u.current
	u.current = sess
	u.live[sess] = struct{}{}
	u.mu.Unlock()

	go func() {
		<-sess.Done()
		u.mu.Lock()
		delete(u.live, sess)
		u.mu.Unlock()
	}()
	if old != nil {
		// Lets the old session's streams finish; it closes when idle.
		old.Drain()
	}
	u.log.Info("upstream session established", logger.LogFields{"upstream": u.addr, "session": sess.ID()})
	return sess, nil
}

// retryable reports whether an open failed because of the session rather
// than the stream, so a fresh session may succeed.
func retryable(err error) bool {
	return errors.Is(err, http2.ErrStreamsExhausted) ||
		errors.Is(err, http2.ErrSessionDraining) ||
		errors.Is(err, http2.ErrSessionClosed) ||
		errors.Is(err, http2.ErrSessionFailed)
}

// Open opens a stream on the current upstream session. When that session
// turns out to be unusable it is replaced once.
func (u *Upstream) Open(ctx context.Context, headers []http2.HeaderField, endStream bool) (*http2.Stream, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := u.Session(ctx)
		if err != nil {
			return nil, err
		}
		st, err := sess.OpenStream(ctx, headers, endStream)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, lastErr)
}

// Sessions returns the number of upstream sessions not yet ended.
func (u *Upstream) Sessions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.live)
}

// Close closes every upstream session. Later opens fail with
// ErrUpstreamUnavailable.
func (u *Upstream) Close() error {
	u.mu.Lock()
	u.closed = true
	sessions := make([]*http2.Session, 0, len(u.live))
	for s := range u.live {
		sessions = append(sessions, s)
	}
	u.current = nil
	u.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}
