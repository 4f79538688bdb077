package server_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
	"example.com/h2mux/internal/server"
	"example.com/h2mux/internal/testutil"
)

const waitFor = 5 * time.Second

// routerFunc lets a plain function stand in for the router.
type routerFunc func(st *http2.Stream, req *http.Request)

func (f routerFunc) ServeHTTP(st *http2.Stream, req *http.Request) { f(st, req) }

// syncBuffer is a bytes.Buffer safe for the concurrent writes of the
// access log.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

type testServer struct {
	srv       *server.Server
	addr      string
	access    *syncBuffer
	serveErr  chan error
	clientTLS *tls.Config
}

// startServer serves router on a loopback listener, over TLS when useTLS
// is set.
func startServer(t *testing.T, router server.RouterInterface, useTLS bool, opts ...server.Option) *testServer {
	t.Helper()
	ts := &testServer{access: &syncBuffer{}, serveErr: make(chan error, 1)}
	if useTLS {
		serverCfg, clientCfg := testutil.TLSConfigs(t)
		ts.clientTLS = clientCfg
		opts = append(opts, server.WithTLSConfig(serverCfg))
	}
	lg := logger.NewWithAccess(io.Discard, ts.access, config.LogLevelInfo)
	srv, err := server.NewServer(defaultConfig(), lg, router, opts...)
	require.NoError(t, err)
	ts.srv = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = ln.Addr().String()
	go func() { ts.serveErr <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts
}

func dial(t *testing.T, ts *testServer) *http2.Session {
	t.Helper()
	sess, err := http2.Dial(context.Background(), ts.addr, ts.clientTLS, http2.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func echoRouter() routerFunc {
	return func(st *http2.Stream, req *http.Request) {
		st.SendHeaders(http2.ResponseHeaders(http.StatusOK, nil), false)
		for {
			msg, err := st.ReadMessage()
			if err != nil {
				return
			}
			st.Write(msg)
		}
	}
}

func TestNewServerValidation(t *testing.T) {
	router := echoRouter()
	lg := logger.Nop()
	missingTLS := defaultConfig()
	missingTLS.Server.TLS = &config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}

	tests := []struct {
		name    string
		cfg     *config.Config
		lg      *logger.Logger
		router  server.RouterInterface
		wantErr string
	}{
		{"nil config", nil, lg, router, "config cannot be nil"},
		{"nil logger", defaultConfig(), nil, router, "logger cannot be nil"},
		{"nil router", defaultConfig(), lg, nil, "router cannot be nil"},
		{"missing server section", &config.Config{}, lg, router, "server configuration section"},
		{"unreadable key pair", missingTLS, lg, router, "failed to load TLS key pair"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.NewServer(tt.cfg, tt.lg, tt.router)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTLSConfig(t *testing.T) {
	certFile, keyFile, err := testutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	require.NoError(t, err)
	tc, err := server.LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, tc.Certificates, 1)
	assert.Equal(t, []string{"h2"}, tc.NextProtos)
}

func TestServeEcho(t *testing.T) {
	for _, useTLS := range []bool{true, false} {
		name := "h2c"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			ts := startServer(t, echoRouter(), useTLS)
			client := dial(t, ts)

			st, err := client.OpenStream(context.Background(), testutil.Post("/echo"), false)
			require.NoError(t, err)
			_, err = st.Write([]byte("hello"))
			require.NoError(t, err)
			msg, err := st.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, "hello", string(msg))
			require.NoError(t, st.CloseWrite())
			_, err = io.ReadAll(st)
			require.NoError(t, err)
			assert.Equal(t, 200, st.Status())

			require.Eventually(t, func() bool { return len(ts.access.lines(t)) == 1 }, waitFor, time.Millisecond)
			e := ts.access.lines(t)[0]
			assert.Equal(t, "POST", e["method"])
			assert.Equal(t, "/echo", e["path"])
			assert.Equal(t, float64(200), e["status"])
			assert.Equal(t, float64(5), e["bytes_sent"])
			assert.Equal(t, float64(5), e["bytes_received"])
			assert.Equal(t, "closed", e["outcome"])
			assert.Equal(t, "localhost", e["authority"])
		})
	}
}

func TestServeFinishesHandlerLeftovers(t *testing.T) {
	router := routerFunc(func(st *http2.Stream, req *http.Request) {
		switch req.URL.Path {
		case "/silent":
		case "/partial":
			st.SendHeaders(http2.ResponseHeaders(http.StatusAccepted, nil), false)
			st.Write([]byte("part"))
		case "/panic-early":
			panic("boom")
		case "/panic-late":
			st.SendHeaders(http2.ResponseHeaders(http.StatusOK, nil), false)
			panic("boom")
		}
	})
	ts := startServer(t, router, false)
	client := dial(t, ts)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
		wantReset  http2.ErrorCode
	}{
		{"/silent", 500, "handler did not respond", 0},
		{"/partial", 202, "part", 0},
		{"/panic-early", 500, "Internal Server Error", 0},
		{"/panic-late", 200, "", http2.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			st, err := client.OpenStream(context.Background(), testutil.Get(tt.path), true)
			require.NoError(t, err)
			hdrs, err := st.AwaitHeaders(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, http2.StatusCode(hdrs))
			body, err := io.ReadAll(st)
			if tt.wantReset != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantReset, http2.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.wantBody)
		})
	}
	assert.Equal(t, http2.SessionActive, client.State())
}

func TestAccessLogOutcomes(t *testing.T) {
	router := routerFunc(func(st *http2.Stream, req *http.Request) {
		st.SendHeaders(http2.ResponseHeaders(http.StatusOK, nil), false)
		<-req.Context().Done()
	})
	ts := startServer(t, router, false)
	client := dial(t, ts)

	st, err := client.OpenStream(context.Background(), testutil.Get("/hang"), true)
	require.NoError(t, err)
	_, err = st.AwaitHeaders(context.Background())
	require.NoError(t, err)
	require.True(t, st.Cancel(http2.ErrCodeCancel))

	require.Eventually(t, func() bool { return len(ts.access.lines(t)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "cancelled", ts.access.lines(t)[0]["outcome"])
}

func TestShutdownWaitsForStreams(t *testing.T) {
	release := make(chan struct{})
	router := routerFunc(func(st *http2.Stream, req *http.Request) {
		<-release
		st.WriteData([]byte("done"), true)
	})
	ts := startServer(t, router, false)
	client := dial(t, ts)

	st, err := client.OpenStream(context.Background(), testutil.Get("/slow"), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ts.srv.Addrs()) == 1 }, waitFor, time.Millisecond)

	// Let the server see the stream before draining.
	time.Sleep(20 * time.Millisecond)
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- ts.srv.Shutdown(context.Background()) }()

	select {
	case <-ts.srv.Done():
		t.Fatal("Shutdown finished while a stream was active")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	body, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	require.NoError(t, <-shutdownErr)
	assert.ErrorIs(t, <-ts.serveErr, server.ErrServerClosed)
	<-client.Done()
	code, ok := client.GoAwayCode()
	assert.True(t, ok)
	assert.Equal(t, http2.ErrCodeNoError, code)
}

func TestShutdownTimeout(t *testing.T) {
	router := routerFunc(func(st *http2.Stream, req *http.Request) {
		<-req.Context().Done()
	})
	ts := startServer(t, router, false)
	client := dial(t, ts)

	_, err := client.OpenStream(context.Background(), testutil.Get("/forever"), true)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = ts.srv.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error %v", err)
	<-ts.srv.Done()
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	ts := startServer(t, echoRouter(), false, server.WithMetrics(m, reg))
	client := dial(t, ts)
	for i := 0; i < 3; i++ {
		st, err := client.OpenStream(context.Background(), testutil.Get("/"), true)
		require.NoError(t, err)
		_, err = io.ReadAll(st)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, f := range families {
			if strings.HasSuffix(f.GetName(), "_stream_opened_total") {
				var total float64
				for _, metric := range f.GetMetric() {
					total += metric.GetCounter().GetValue()
				}
				// The client session has no metrics, so these are the
				// server's three.
				return total == 3
			}
		}
		return false
	}, waitFor, time.Millisecond)
}
