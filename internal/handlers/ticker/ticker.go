// Package ticker implements the "Ticker" handler, a server-streaming
// response fed by a periodic data source.
package ticker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/benbjohnson/clock"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/datasource"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/server"
)

// Handler writes one message per tick until its count is reached or the
// client cancels.
type Handler struct {
	cfg   *config.TickerConfig
	log   *logger.Logger
	clock clock.Clock
}

// New creates a ticker handler. A nil clk means the wall clock.
func New(cfg *config.TickerConfig, lg *logger.Logger, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{cfg: cfg, log: lg, clock: clk}
}

// Factory is the server.HandlerFactory for config.HandlerTypeTicker.
func Factory(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	cfg, err := config.ParseTickerConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg, lg, nil), nil
}

func (h *Handler) source() datasource.Source {
	if h.cfg.Message != "" {
		return datasource.Repeat(h.cfg.Message)
	}
	return datasource.CurrentTime{}
}

func (h *Handler) ServeHTTP2(st *http2.Stream, req *http.Request) {
	hdr := http.Header{}
	hdr.Set("Content-Type", h.cfg.ContentType)
	if err := st.SendHeaders(http2.ResponseHeaders(http.StatusOK, hdr), false); err != nil {
		return
	}

	p := &datasource.Pump{
		Source:   h.source(),
		Interval: datasource.Interval{Min: h.cfg.IntervalMin.Std(), Max: h.cfg.IntervalMax.Std()},
		Count:    h.cfg.Count,
		Clock:    h.clock,
	}
	sent, err := p.Run(req.Context(), st)
	if err == nil {
		st.CloseWrite()
		return
	}
	// Cancellation by the client is how most ticker streams end.
	if h.log.DebugEnabled() && !errors.Is(err, context.Canceled) {
		h.log.Debug("ticker stream ended", logger.LogFields{"stream": st.ID(), "sent": sent, "error": err.Error()})
	}
}
