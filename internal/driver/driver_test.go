package driver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/handlers/echo"
	"example.com/h2mux/internal/handlers/ticker"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/testutil"
)

type serveFunc = func(*http2.Stream, *http.Request)

// pipeServer hands out client sessions whose server side runs serve.
type pipeServer struct {
	serve    serveFunc
	mu       sync.Mutex
	sessions []*http2.Session
}

func newPipeServer(t *testing.T, serve serveFunc) *pipeServer {
	p := &pipeServer{serve: serve}
	t.Cleanup(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, s := range p.sessions {
			s.Close()
		}
	})
	return p
}

func (p *pipeServer) dial(ctx context.Context) (*http2.Session, error) {
	c1, c2 := net.Pipe()
	type result struct {
		s   *http2.Session
		err error
	}
	srvc := make(chan result, 1)
	go func() {
		s, err := http2.Server(ctx, c2, http2.Config{})
		srvc <- result{s, err}
	}()
	client, err := http2.Client(ctx, c1, http2.Config{})
	r := <-srvc
	if err != nil || r.err != nil {
		if client != nil {
			client.Close()
		}
		if r.s != nil {
			r.s.Close()
		}
		return nil, multierr.Combine(err, r.err)
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, r.s)
	p.mu.Unlock()
	testutil.Serve(r.s, p.serve)
	return client, nil
}

func tickerServe(t *testing.T) serveFunc {
	cfg, err := config.ParseTickerConfig(nil)
	require.NoError(t, err)
	return ticker.New(cfg, logger.Nop(), nil).ServeHTTP2
}

func echoServe(t *testing.T) serveFunc {
	cfg, err := config.ParseEchoConfig(nil)
	require.NoError(t, err)
	return echo.New(cfg, logger.Nop()).ServeHTTP2
}

func driverConfig(mode config.DriverMode, iterations, concurrency int) *config.DriverConfig {
	cfg := &config.DriverConfig{
		Target:      "127.0.0.1:8443",
		Mode:        mode,
		Iterations:  iterations,
		Concurrency: concurrency,
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestRunModes(t *testing.T) {
	tests := []struct {
		name          string
		mode          config.DriverMode
		iterations    int
		concurrency   int
		serve         func(t *testing.T) serveFunc
		wantCancelled int
		wantCompleted int
	}{
		{"cancel after messages", config.DriverModeCancelAfterMessages, 200, 1, tickerServe, 200, 0},
		{"cancel after messages concurrent", config.DriverModeCancelAfterMessages, 200, 4, tickerServe, 200, 0},
		{"cancel after time", config.DriverModeCancelAfterTime, 50, 1, tickerServe, 50, 0},
		{"echo", config.DriverModeEcho, 100, 1, echoServe, 0, 100},
		{"echo concurrent", config.DriverModeEcho, 100, 3, echoServe, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPipeServer(t, tt.serve(t))
			d := New(driverConfig(tt.mode, tt.iterations, tt.concurrency), logger.Nop(), WithDialer(srv.dial))

			rep, err := d.Run(context.Background())
			require.NoError(t, err)
			assert.True(t, rep.OK(), rep.String())
			assert.Equal(t, tt.wantCancelled, rep.Cancelled)
			assert.Equal(t, tt.wantCompleted, rep.Completed)
			assert.Zero(t, rep.Errors)
			assert.Empty(t, rep.Failures)
			assert.Equal(t, 1, rep.Sessions)
			assert.LessOrEqual(t, rep.PeakActiveStreams, tt.concurrency)
		})
	}
}

func TestRunCountsEchoBytes(t *testing.T) {
	srv := newPipeServer(t, echoServe(t))
	cfg := driverConfig(config.DriverModeEcho, 10, 1)
	cfg.Message = "0123456789"
	rep, err := New(cfg, logger.Nop(), WithDialer(srv.dial)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), rep.BytesSent)
	assert.Equal(t, int64(100), rep.BytesReceived)
	assert.Equal(t, int64(10), rep.MessagesReceived)
}

// closingServe serves ticks but closes the whole session on the n-th stream.
func closingServe(t *testing.T, n int64) serveFunc {
	tick := tickerServe(t)
	var count atomic.Int64
	return func(st *http2.Stream, req *http.Request) {
		if count.Add(1) == n {
			st.Session().Close()
			return
		}
		tick(st, req)
	}
}

func TestRunStopsWhenSessionEnds(t *testing.T) {
	srv := newPipeServer(t, closingServe(t, 5))
	cfg := driverConfig(config.DriverModeCancelAfterMessages, 20, 1)

	rep, err := New(cfg, logger.Nop(), WithDialer(srv.dial)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.False(t, rep.OK())
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, 5, rep.Failures[0].Iteration)
	assert.Equal(t, 4, rep.Cancelled)
	assert.Equal(t, 1, rep.SessionEnded)
	assert.Contains(t, rep.String(), "at iteration 5")
}

func TestRunReconnects(t *testing.T) {
	srv := newPipeServer(t, closingServe(t, 5))
	cfg := driverConfig(config.DriverModeCancelAfterMessages, 20, 1)
	cfg.Reconnect = true

	rep, err := New(cfg, logger.Nop(), WithDialer(srv.dial)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, 5, rep.Failures[0].Iteration)
	assert.Equal(t, 2, rep.Sessions)
	assert.Equal(t, 19, rep.Cancelled)
	assert.Equal(t, 1, rep.SessionEnded)
	assert.Equal(t, 20, rep.Cycles())
}

func TestRunStopsOnContext(t *testing.T) {
	srv := newPipeServer(t, tickerServe(t))
	cfg := driverConfig(config.DriverModeCancelAfterTime, 1_000_000, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rep, err := New(cfg, logger.Nop(), WithDialer(srv.dial)).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, rep.Cycles(), cfg.Iterations)
	assert.Empty(t, rep.Failures)
}

func TestRunDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := driverConfig(config.DriverModeEcho, 1, 1)
	cfg.Target = addr
	rep, err := New(cfg, logger.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "establishing session")
	assert.Zero(t, rep.Cycles())
}

func TestRunOverTLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	srv := newPipeServer(t, echoServe(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			sess, err := http2.Server(context.Background(), conn, http2.Config{})
			if err != nil {
				conn.Close()
				continue
			}
			srv.mu.Lock()
			srv.sessions = append(srv.sessions, sess)
			srv.mu.Unlock()
			testutil.Serve(sess, srv.serve)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})

	cfg := driverConfig(config.DriverModeEcho, 20, 1)
	cfg.Target = ln.Addr().String()
	cfg.Authority = "localhost"
	cfg.TLS = true
	rep, err := New(cfg, logger.Nop(), WithTLSConfig(clientTLS)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Completed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"refused", http2.NewStreamErrorWithCause(1, http2.ErrCodeRefusedStream, "refused", http2.ErrStreamRefused), OutcomeRefused},
		{"capacity", http2.ErrCapacityExceeded, OutcomeRefused},
		{"session closed", http2.ErrSessionClosed, OutcomeSessionEnded},
		{"draining", http2.ErrSessionDraining, OutcomeSessionEnded},
		{"exhausted", http2.ErrStreamsExhausted, OutcomeSessionEnded},
		{"peer reset", http2.NewStreamError(3, http2.ErrCodeInternalError, "reset"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestReportString(t *testing.T) {
	rep := &Report{
		Mode:          config.DriverModeCancelAfterMessages,
		Iterations:    10000,
		Cancelled:     9999,
		SessionEnded:  1,
		BytesReceived: 3 << 20,
		Sessions:      1,
		Duration:      2 * time.Second,
		Failures:      []Failure{{Iteration: 1234, Session: "s1", State: "FAILED", Err: "boom"}},
	}
	s := rep.String()
	for _, want := range []string{"10,000/10,000 cycles", "cancelled 9,999", "3.0 MiB", "session s1 became FAILED at iteration 1,234: boom"} {
		assert.True(t, strings.Contains(s, want), "%q missing from %q", want, s)
	}
	assert.False(t, rep.OK())
}

// TestReportReadsWhileRecording reads OK and Cycles while workers record;
// run with -race.
func TestReportReadsWhileRecording(t *testing.T) {
	const n = 200
	rep := &Report{Iterations: n}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			rep.record(OutcomeCancelled, http2.StreamStats{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			rep.OK()
			rep.Cycles()
		}
	}()
	wg.Wait()

	assert.Equal(t, n, rep.Cycles())
	assert.True(t, rep.OK())
	rep.addFailure(Failure{Iteration: n, Session: "s1", State: "FAILED"})
	assert.False(t, rep.OK())
}
