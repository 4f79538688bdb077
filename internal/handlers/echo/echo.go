// Package echo implements the "Echo" handler: every DATA frame received on
// the stream is written back as one message, until the client ends its
// side or the stream is cancelled.
package echo

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/server"
)

// Handler echoes messages.
type Handler struct {
	cfg *config.EchoConfig
	log *logger.Logger
}

// New creates an echo handler from a parsed config.
func New(cfg *config.EchoConfig, lg *logger.Logger) *Handler {
	return &Handler{cfg: cfg, log: lg}
}

// Factory is the server.HandlerFactory for config.HandlerTypeEcho.
func Factory(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	cfg, err := config.ParseEchoConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg, lg), nil
}

func (h *Handler) ServeHTTP2(st *http2.Stream, req *http.Request) {
	hdr := http.Header{}
	hdr.Set("Content-Type", h.cfg.ContentType)
	if err := st.SendHeaders(http2.ResponseHeaders(http.StatusOK, hdr), false); err != nil {
		return
	}

	echoed := 0
	for h.cfg.MaxMessages == 0 || echoed < h.cfg.MaxMessages {
		msg, err := st.ReadMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if h.log.DebugEnabled() {
				h.log.Debug("echo stream ended", logger.LogFields{"stream": st.ID(), "echoed": echoed, "error": err.Error()})
			}
			return
		}
		if _, err := st.Write(msg); err != nil {
			return
		}
		echoed++
	}
	st.CloseWrite()
}
