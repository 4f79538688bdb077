// Package driver runs open/consume/cancel cycles against an HTTP/2 server
// through the public Session API and reports whether the session survived.
package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/datasource"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

// Cycle outcomes, as counted in the Report and in metrics.
const (
	OutcomeCompleted    = "completed"
	OutcomeCancelled    = "cancelled"
	OutcomeRefused      = "refused"
	OutcomeSessionEnded = "session_ended"
	OutcomeError        = "error"
)

// progressEvery is how many cycles pass between progress log lines.
const progressEvery = 1000

// ErrSessionFailed is returned by Run when the session ended during the run
// and reconnect is off.
var ErrSessionFailed = errors.New("driver: session ended during run")

// Dialer establishes the client session cycles run on.
type Dialer func(ctx context.Context) (*http2.Session, error)

// Option configures a Driver.
type Option func(*Driver)

// WithDialer replaces the TCP/TLS dialer, e.g. with an in-memory pipe.
func WithDialer(d Dialer) Option {
	return func(drv *Driver) { drv.dial = d }
}

// WithTLSConfig sets the client TLS config used when cfg.TLS is on.
func WithTLSConfig(tc *tls.Config) Option {
	return func(drv *Driver) { drv.tlsCfg = tc }
}

// WithMetrics records every cycle on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(drv *Driver) { drv.metrics = m }
}

// Driver repeats one kind of cycle on a shared session.
type Driver struct {
	cfg         *config.DriverConfig
	log         *logger.Logger
	metrics     *metrics.Metrics
	tlsCfg      *tls.Config
	dial        Dialer
	cancelAfter datasource.Interval

	mu       sync.Mutex
	sess     *http2.Session
	failed   map[*http2.Session]bool
	sessions int
}

// New creates a driver for a defaulted and validated cfg.
func New(cfg *config.DriverConfig, lg *logger.Logger, opts ...Option) *Driver {
	d := &Driver{
		cfg: cfg,
		log: lg,
		cancelAfter: datasource.Interval{
			Min: config.DurationOr(cfg.CancelAfterMin, config.DefaultDriverCancelAfterMin),
			Max: config.DurationOr(cfg.CancelAfterMax, config.DefaultDriverCancelAfterMax),
		},
		failed: make(map[*http2.Session]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dial == nil {
		d.dial = d.dialTarget
	}
	return d
}

func (d *Driver) sessionConfig() http2.Config {
	sc := http2.SessionConfigFrom(d.cfg.Session)
	sc.Logger = d.log
	sc.Metrics = d.metrics
	return sc
}

func (d *Driver) dialTarget(ctx context.Context) (*http2.Session, error) {
	var tc *tls.Config
	if d.cfg.TLS {
		tc = d.tlsCfg
		if tc == nil {
			host, _, _ := net.SplitHostPort(d.cfg.Target)
			if d.cfg.Authority != "" {
				host = d.cfg.Authority
				if h, _, err := net.SplitHostPort(host); err == nil {
					host = h
				}
			}
			tc = &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: d.cfg.InsecureSkipVerify,
				NextProtos:         []string{"h2"},
				MinVersion:         tls.VersionTLS12,
			}
		}
	}
	return http2.Dial(ctx, d.cfg.Target, tc, d.sessionConfig())
}

func (d *Driver) scheme() string {
	if d.cfg.TLS {
		return "https"
	}
	return "http"
}

func (d *Driver) headers(method string) []http2.HeaderField {
	authority := d.cfg.Authority
	if authority == "" {
		authority = d.cfg.Target
	}
	return http2.RequestHeaders(method, d.scheme(), authority, d.cfg.Path, nil)
}

// session returns the session to run on. If prev has ended and reconnect
// is on, a new one is dialed once for all workers.
func (d *Driver) session(ctx context.Context, prev *http2.Session) (*http2.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess != nil && d.sess != prev {
		return d.sess, nil
	}
	if d.sess != nil && d.sess.State() == http2.SessionActive {
		return d.sess, nil
	}
	if d.sess != nil {
		if !d.cfg.Reconnect {
			return nil, fmt.Errorf("%w: session %s is %s", ErrSessionFailed, d.sess.ID(), d.sess.State())
		}
		d.sess.Close()
	}
	sess, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	d.sess = sess
	d.sessions++
	d.log.Info("driver session established", logger.LogFields{"session": sess.ID(), "target": d.cfg.Target, "count": d.sessions})
	return sess, nil
}

// markFailed reports whether this call is the first to see sess end.
func (d *Driver) markFailed(sess *http2.Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed[sess] {
		return false
	}
	d.failed[sess] = true
	return true
}

// Run executes cfg.Iterations cycles with cfg.Concurrency workers. It
// returns the report even when it returns an error.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	rep := &Report{Mode: d.cfg.Mode, Iterations: d.cfg.Iterations, Concurrency: d.cfg.Concurrency}
	start := time.Now()
	defer func() {
		rep.Duration = time.Since(start)
		d.mu.Lock()
		rep.Sessions = d.sessions
		if d.sess != nil {
			d.sess.Close()
			d.sess = nil
		}
		d.mu.Unlock()
	}()

	if _, err := d.session(ctx, nil); err != nil {
		return rep, fmt.Errorf("establishing session to %s: %w", d.cfg.Target, err)
	}

	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Concurrency; w++ {
		g.Go(func() error {
			var sess *http2.Session
			for {
				i := int(next.Add(1))
				if i > d.cfg.Iterations {
					return nil
				}
				s, err := d.session(gctx, sess)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reconnecting at iteration %d: %w", i, err)
				}
				sess = s

				began := time.Now()
				outcome, stats, err := d.cycle(gctx, sess)
				if gctx.Err() != nil {
					return nil
				}
				d.metrics.DriverCycle(outcome, time.Since(began))
				rep.record(outcome, stats)
				if outcome == OutcomeError {
					d.log.Warn("driver cycle failed", logger.LogFields{"iteration": i, "error": err.Error()})
				}
				if i%progressEvery == 0 {
					d.log.Info("driver progress", logger.LogFields{"iteration": i, "session_state": sess.State().String()})
				}
				rep.observeActive(sess.ActiveStreams())

				if st := sess.State(); st != http2.SessionActive || outcome == OutcomeSessionEnded {
					if d.markFailed(sess) {
						f := Failure{Iteration: i, Session: sess.ID(), State: st.String()}
						if serr := sess.Err(); serr != nil {
							f.Err = serr.Error()
						}
						rep.addFailure(f)
						d.log.Error("session ended during run", logger.LogFields{
							"iteration": i,
							"session":   sess.ID(),
							"state":     st.String(),
							"error":     f.Err,
						})
					}
					if !d.cfg.Reconnect {
						return fmt.Errorf("%w: session %s at iteration %d", ErrSessionFailed, sess.ID(), i)
					}
				}
			}
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return rep, err
}

// cycle runs one open/consume/end cycle and classifies how it ended.
func (d *Driver) cycle(ctx context.Context, sess *http2.Session) (string, http2.StreamStats, error) {
	var (
		st  *http2.Stream
		out string
		err error
	)
	switch d.cfg.Mode {
	case config.DriverModeCancelAfterMessages:
		st, out, err = d.cancelAfterMessages(ctx, sess)
	case config.DriverModeEcho:
		st, out, err = d.echo(ctx, sess)
	default:
		st, out, err = d.cancelAfterTime(ctx, sess)
	}
	var stats http2.StreamStats
	if st != nil {
		stats = st.Stats()
	}
	if err != nil {
		return classify(err), stats, err
	}
	return out, stats, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, http2.ErrStreamRefused), errors.Is(err, http2.ErrCapacityExceeded):
		return OutcomeRefused
	case http2.IsConnectionScoped(err), errors.Is(err, http2.ErrStreamsExhausted):
		return OutcomeSessionEnded
	}
	return OutcomeError
}

// readToEnd reads until the stream ends. A stream this process cancelled
// counts as cancelled, a complete response as completed.
func readToEnd(st *http2.Stream) (string, error) {
	for {
		_, err := st.ReadMessage()
		if err == io.EOF {
			return OutcomeCompleted, nil
		}
		if err != nil {
			if errors.Is(err, http2.ErrStreamCancelled) {
				return OutcomeCancelled, nil
			}
			return "", err
		}
	}
}

func (d *Driver) cancelAfterTime(ctx context.Context, sess *http2.Session) (*http2.Stream, string, error) {
	st, err := sess.OpenStream(ctx, d.headers(http.MethodGet), true)
	if err != nil {
		return nil, "", err
	}
	timer := time.AfterFunc(d.cancelAfter.Pick(), func() { st.Cancel(http2.ErrCodeCancel) })
	defer timer.Stop()
	out, err := readToEnd(st)
	return st, out, err
}

func (d *Driver) cancelAfterMessages(ctx context.Context, sess *http2.Session) (*http2.Stream, string, error) {
	st, err := sess.OpenStream(ctx, d.headers(http.MethodGet), true)
	if err != nil {
		return nil, "", err
	}
	for n := 0; n < d.cfg.CancelAfterMsgs; n++ {
		if _, err := st.ReadMessage(); err != nil {
			if err == io.EOF {
				return st, OutcomeCompleted, nil
			}
			return st, "", err
		}
	}
	st.Cancel(http2.ErrCodeCancel)
	return st, OutcomeCancelled, nil
}

func (d *Driver) echo(ctx context.Context, sess *http2.Session) (*http2.Stream, string, error) {
	st, err := sess.OpenStream(ctx, d.headers(http.MethodPost), false)
	if err != nil {
		return nil, "", err
	}
	msg := []byte(d.cfg.Message)
	if _, err := st.Write(msg); err != nil {
		st.Cancel(http2.ErrCodeCancel)
		return st, "", err
	}
	got, err := st.ReadMessage()
	if err != nil {
		st.Cancel(http2.ErrCodeCancel)
		return st, "", err
	}
	if !bytes.Equal(got, msg) {
		st.Cancel(http2.ErrCodeCancel)
		return st, "", fmt.Errorf("echo mismatch on stream %d: got %q, want %q", st.ID(), got, msg)
	}
	if err := st.CloseWrite(); err != nil {
		return st, "", err
	}
	out, err := readToEnd(st)
	return st, out, err
}
