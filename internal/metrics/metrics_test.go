package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionState("client", "ACTIVE")
	m.SessionActive("client", 1)
	m.StreamOpened("client", "local")
	m.StreamClosed("client", "closed")
	m.StreamCancelled("client", OriginLocal)
	m.StreamRefused("server", "reset_rate")
	m.UnknownStreamFrame("server", "DATA")
	m.RelayPair(1)
	m.UpstreamDial("ok")
	m.UpstreamUnavailable()
	m.DriverCycle("cancelled", time.Millisecond)
}

func TestRecordAndRegister(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.StreamCancelled("client", OriginLocal)
	m.StreamCancelled("client", OriginLocal)
	m.StreamCancelled("server", OriginPeer)
	m.RelayPair(1)
	m.RelayPair(-1)
	m.UpstreamUnavailable()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamCancels.WithLabelValues("client", OriginLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamCancels.WithLabelValues("server", OriginPeer)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RelayPairsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayUpstreamUnavailable))

	// Registering the same collectors twice fails.
	assert.Error(t, m.Register(reg))
}

func TestHandler(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.DriverCycle("cancelled", 2*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `h2mux_driver_iterations_total{outcome="cancelled"} 1`)
}
