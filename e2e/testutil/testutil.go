// Package testutil runs configured servers in-process for the end-to-end
// tests and talks to them over real TCP sessions.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/handlers/echo"
	"example.com/h2mux/internal/handlers/ticker"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
	"example.com/h2mux/internal/relay"
	"example.com/h2mux/internal/router"
	"example.com/h2mux/internal/server"
	"example.com/h2mux/internal/util"
)

// TestRequest models one request sent on its own stream.
type TestRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", m.ExpectedBody, body)
}

// StringContainsBodyMatcher checks if the body contains a substring.
type StringContainsBodyMatcher struct {
	Substring string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, body)
}

// ExpectedResponse is the expected outcome of a TestRequest.
type ExpectedResponse struct {
	StatusCode  int
	Headers     map[string]string
	BodyMatcher BodyMatcher
}

// ActualResponse is what came back on the stream.
type ActualResponse struct {
	StatusCode int
	Headers    []http2.HeaderField
	Body       []byte
	Error      error
}

// Check returns a description of every mismatch between got and want.
func Check(got ActualResponse, want ExpectedResponse) []string {
	var problems []string
	if got.Error != nil {
		return []string{fmt.Sprintf("request failed: %v", got.Error)}
	}
	if want.StatusCode != 0 && got.StatusCode != want.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", want.StatusCode, got.StatusCode))
	}
	for name, v := range want.Headers {
		if actual := http2.HeaderValue(got.Headers, name); actual != v {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, v, actual))
		}
	}
	if want.BodyMatcher != nil {
		if ok, why := want.BodyMatcher.Match(got.Body); !ok {
			problems = append(problems, why)
		}
	}
	return problems
}

// Do sends req on a new stream of sess and reads the whole response.
func Do(ctx context.Context, sess *http2.Session, req TestRequest) ActualResponse {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	endStream := len(req.Body) == 0
	st, err := sess.OpenStream(ctx, http2.RequestHeaders(method, "https", "localhost", req.Path, req.Headers), endStream)
	if err != nil {
		return ActualResponse{Error: err}
	}
	if !endStream {
		if _, err := st.Write(req.Body); err != nil {
			return ActualResponse{Error: err}
		}
		if err := st.CloseWrite(); err != nil {
			return ActualResponse{Error: err}
		}
	}
	hdrs, err := st.AwaitHeaders(ctx)
	if err != nil {
		return ActualResponse{Error: err}
	}
	body, err := io.ReadAll(st)
	return ActualResponse{StatusCode: http2.StatusCode(hdrs), Headers: hdrs, Body: body, Error: err}
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData to a temporary JSON or TOML file and
// returns its path and a cleanup function removing it. TOML files are
// produced from the JSON encoding so raw handler configs survive.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	asJSON, err := json.MarshalIndent(configData, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data: %w", err)
	}

	var data []byte
	var ext string
	switch strings.ToLower(format) {
	case "json":
		data, ext = asJSON, ".json"
	case "toml":
		var generic map[string]interface{}
		if err := json.Unmarshal(asJSON, &generic); err != nil {
			return "", nil, fmt.Errorf("failed to convert config data: %w", err)
		}
		buf := new(bytes.Buffer)
		if err := toml.NewEncoder(buf).Encode(generic); err != nil {
			return "", nil, fmt.Errorf("failed to marshal config data to toml: %w", err)
		}
		data, ext = buf.Bytes(), ".toml"
	default:
		return "", nil, fmt.Errorf("unsupported config format: %s", format)
	}

	dir, err := os.MkdirTemp("", "h2mux-e2e-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config dir: %w", err)
	}
	filePath = filepath.Join(dir, "config"+ext)
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to write temp config file: %w", err)
	}
	return filePath, func() { os.RemoveAll(dir) }, nil
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Entries decodes every JSON line written so far.
func (b *SyncBuffer) Entries() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]interface{}
		if json.Unmarshal(sc.Bytes(), &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// ServerInstance is a server built from a config file and serving on a
// loopback listener inside the test process.
type ServerInstance struct {
	Config     *config.Config
	Address    string
	ConfigPath string
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	AccessLog  *SyncBuffer
	ErrorLog   *SyncBuffer

	srv      *server.Server
	router   *router.Router
	serveErr chan error

	mu           sync.Mutex
	stopped      bool
	CleanupFuncs []func() error
}

// StartServer loads configPath and serves it the way cmd/server does,
// with the Echo, Ticker and Relay handler types registered.
func StartServer(configPath string, opts ...server.Option) (*ServerInstance, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	s := &ServerInstance{
		Config:     cfg,
		ConfigPath: configPath,
		Metrics:    metrics.New(),
		Registry:   prometheus.NewRegistry(),
		AccessLog:  &SyncBuffer{},
		ErrorLog:   &SyncBuffer{},
		serveErr:   make(chan error, 1),
	}
	if err := s.Metrics.Register(s.Registry); err != nil {
		return nil, err
	}
	lg := logger.NewWithAccess(s.ErrorLog, s.AccessLog, cfg.Logging.LogLevel)

	registry := server.NewHandlerRegistry()
	err = multierr.Combine(
		registry.Register(config.HandlerTypeEcho, echo.Factory),
		registry.Register(config.HandlerTypeTicker, ticker.Factory),
		registry.Register(config.HandlerTypeRelay, relay.Factory(s.Metrics)),
	)
	if err != nil {
		return nil, err
	}
	s.router, err = router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		return nil, err
	}

	opts = append([]server.Option{server.WithMetrics(s.Metrics, s.Registry)}, opts...)
	s.srv, err = server.NewServer(cfg, lg, s.router, opts...)
	if err != nil {
		s.router.Close()
		return nil, err
	}
	ln, err := util.CreateListener(context.Background(), "tcp", *cfg.Server.Address)
	if err != nil {
		s.router.Close()
		return nil, err
	}
	s.Address = ln.Addr().String()
	go func() { s.serveErr <- s.srv.Serve(ln) }()
	return s, nil
}

// Server exposes the running server.
func (s *ServerInstance) Server() *server.Server { return s.srv }

// Dial opens a client session to the instance. tlsCfg may be nil for h2c.
func (s *ServerInstance) Dial(ctx context.Context, tlsCfg *tls.Config, cfg http2.Config) (*http2.Session, error) {
	return http2.Dial(ctx, s.Address, tlsCfg, cfg)
}

// MetricValue sums every sample of the named metric family, or returns
// -1 when the family is absent.
func (s *ServerInstance) MetricValue(name string) float64 {
	families, err := s.Registry.Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	return -1
}

// AddCleanupFunc adds a function to be called when the instance stops.
func (s *ServerInstance) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupFuncs = append(s.CleanupFuncs, f)
}

// Stop shuts the server down within timeout, closes its handlers and runs
// the cleanup functions in reverse order. Stopping twice is a no-op.
func (s *ServerInstance) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cleanups := s.CleanupFuncs
	s.CleanupFuncs = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.serveErr
	err = multierr.Append(err, s.router.Close())
	for i := len(cleanups) - 1; i >= 0; i-- {
		if cerr := cleanups[i](); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("cleanup_func_%d: %w", i, cerr))
		}
	}
	return err
}
