package ticker

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/datasource"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/testutil"
)

func newHandler(t *testing.T, raw string, clk clock.Clock) *Handler {
	t.Helper()
	cfg, err := config.ParseTickerConfig(json.RawMessage(raw))
	require.NoError(t, err)
	return New(cfg, logger.Nop(), clk)
}

func TestFactory(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"defaults", ``, false},
		{"fixed message", `{"message":"tick\n","interval_min":"1ms","interval_max":"1ms"}`, false},
		{"inverted interval", `{"interval_min":"5ms","interval_max":"1ms"}`, true},
		{"negative count", `{"count":-2}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Factory(json.RawMessage(tt.raw), logger.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTickerCount(t *testing.T) {
	client, server := testutil.SessionPair(t, http2.Config{}, http2.Config{})
	h := newHandler(t, `{"message":"tick\n","interval_min":"1ms","interval_max":"1ms","count":3}`, nil)
	testutil.Serve(server, h.ServeHTTP2)

	st, err := client.OpenStream(context.Background(), testutil.Get("/ticker"), true)
	require.NoError(t, err)
	hdrs, err := st.AwaitHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, http2.StatusCode(hdrs))
	assert.Equal(t, "text/plain; charset=utf-8", http2.HeaderValue(hdrs, "content-type"))

	body, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "tick\ntick\ntick\n", string(body))
	<-st.Done()
	assert.Equal(t, http2.StreamStateClosed, st.State())
	assert.Equal(t, int64(3), st.Stats().MessagesReceived)
}

func TestTickerClockLinesUntilCancel(t *testing.T) {
	client, server := testutil.SessionPair(t, http2.Config{}, http2.Config{})
	h := newHandler(t, ``, nil)
	testutil.Serve(server, h.ServeHTTP2)

	for i := 0; i < 20; i++ {
		st, err := client.OpenStream(context.Background(), testutil.Get("/time"), true)
		require.NoError(t, err)
		for j := 0; j < 2; j++ {
			msg, err := st.ReadMessage()
			require.NoError(t, err)
			line := string(msg)
			require.True(t, strings.HasPrefix(line, "Current Time: "), line)
			_, err = time.Parse(datasource.ISO8601, strings.TrimSuffix(strings.TrimPrefix(line, "Current Time: "), "\n"))
			require.NoError(t, err)
		}
		require.True(t, st.Cancel(http2.ErrCodeCancel))
	}
	require.Eventually(t, func() bool { return server.ActiveStreams() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, http2.SessionActive, client.State())
	assert.Equal(t, int64(20), server.Controller().Stats().PeerResets)
}

func TestTickerMockClock(t *testing.T) {
	client, server := testutil.SessionPair(t, http2.Config{}, http2.Config{})
	mock := clock.NewMock()
	h := newHandler(t, `{"interval_min":"1s","interval_max":"1s","count":2}`, mock)
	testutil.Serve(server, h.ServeHTTP2)

	st, err := client.OpenStream(context.Background(), testutil.Get("/time"), true)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(st)
		got <- b
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b := <-got:
			lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
			require.Len(t, lines, 2)
			var stamps []time.Time
			for _, line := range lines {
				ts, err := time.Parse(datasource.ISO8601, strings.TrimPrefix(line, "Current Time: "))
				require.NoError(t, err)
				stamps = append(stamps, ts)
			}
			assert.Equal(t, time.Second, stamps[1].Sub(stamps[0]), "one line per mock second")
			return
		case <-deadline:
			t.Fatal("ticker did not finish on the mock clock")
		default:
			mock.Add(100 * time.Millisecond)
		}
	}
}
