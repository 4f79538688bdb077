package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Handler types understood by the router.
const (
	HandlerTypeEcho   = "Echo"
	HandlerTypeTicker = "Ticker"
	HandlerTypeRelay  = "Relay"
)

// EchoConfig is the HandlerConfig for "Echo" routes.
type EchoConfig struct {
	ContentType string `json:"content_type,omitempty"`
	// MaxMessages stops echoing after this many messages; 0 means no limit.
	MaxMessages int `json:"max_messages,omitempty"`
}

// TickerConfig is the HandlerConfig for "Ticker" routes: a periodic data
// source writing one message per tick.
type TickerConfig struct {
	IntervalMin *Duration `json:"interval_min,omitempty"`
	IntervalMax *Duration `json:"interval_max,omitempty"`
	// Message is written on every tick. Empty means a clock line
	// "Current Time: <ISO-8601>\n".
	Message     string `json:"message,omitempty"`
	Count       int    `json:"count,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RelayConfig is the HandlerConfig for "Relay" routes.
type RelayConfig struct {
	Upstream    string             `json:"upstream"`
	TLS         *UpstreamTLSConfig `json:"tls,omitempty"`
	DialTimeout *Duration          `json:"dial_timeout,omitempty"`
	// RewriteAuthority replaces :authority with the upstream host.
	RewriteAuthority bool `json:"rewrite_authority,omitempty"`
	// UnavailableStatus is sent when the upstream cannot be reached.
	UnavailableStatus int `json:"unavailable_status,omitempty"`
	// StatusRemap rewrites upstream response statuses, e.g. {"502": 503}.
	StatusRemap map[string]int `json:"status_remap,omitempty"`
	// Session configures the upstream-facing leg. Its limits are
	// independent of the client-facing session.
	Session *SessionConfig `json:"session,omitempty"`
}

// UpstreamTLSConfig configures TLS toward the upstream.
type UpstreamTLSConfig struct {
	Enabled            bool   `json:"enabled"`
	ServerName         string `json:"server_name,omitempty"`
	CAFile             string `json:"ca_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

const (
	DefaultTickerIntervalMin = time.Millisecond
	DefaultTickerIntervalMax = 2 * time.Millisecond
	DefaultRelayDialTimeout  = 5 * time.Second
	DefaultUnavailableStatus = 503
)

func decodeHandlerConfig(handlerType string, raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid handler_config for HandlerType '%s': %w", handlerType, err)
	}
	return nil
}

// ParseEchoConfig decodes and defaults an Echo handler config.
func ParseEchoConfig(raw json.RawMessage) (*EchoConfig, error) {
	cfg := &EchoConfig{}
	if err := decodeHandlerConfig(HandlerTypeEcho, raw, cfg); err != nil {
		return nil, err
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	if cfg.MaxMessages < 0 {
		return nil, fmt.Errorf("handler_config.max_messages must be >= 0 for HandlerType '%s'", HandlerTypeEcho)
	}
	return cfg, nil
}

// ParseTickerConfig decodes and defaults a Ticker handler config.
func ParseTickerConfig(raw json.RawMessage) (*TickerConfig, error) {
	cfg := &TickerConfig{}
	if err := decodeHandlerConfig(HandlerTypeTicker, raw, cfg); err != nil {
		return nil, err
	}
	if cfg.IntervalMin == nil {
		cfg.IntervalMin = NewDuration(DefaultTickerIntervalMin)
	}
	if cfg.IntervalMax == nil {
		max := DefaultTickerIntervalMax
		if cfg.IntervalMin.Std() > max {
			max = cfg.IntervalMin.Std()
		}
		cfg.IntervalMax = NewDuration(max)
	}
	if cfg.IntervalMax.Std() < cfg.IntervalMin.Std() {
		return nil, fmt.Errorf("handler_config.interval_max (%s) must not be less than interval_min (%s)", cfg.IntervalMax.Std(), cfg.IntervalMin.Std())
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("handler_config.count must be >= 0 for HandlerType '%s'", HandlerTypeTicker)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	return cfg, nil
}

// ParseRelayConfig decodes, defaults and validates a Relay handler config.
func ParseRelayConfig(raw json.RawMessage) (*RelayConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("handler_config is missing for HandlerType '%s'", HandlerTypeRelay)
	}
	cfg := &RelayConfig{}
	if err := decodeHandlerConfig(HandlerTypeRelay, raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Upstream == "" {
		return nil, fmt.Errorf("handler_config.upstream is required for HandlerType '%s'", HandlerTypeRelay)
	}
	if _, _, err := net.SplitHostPort(cfg.Upstream); err != nil {
		return nil, fmt.Errorf("handler_config.upstream must be host:port, got '%s': %w", cfg.Upstream, err)
	}
	if cfg.DialTimeout == nil {
		cfg.DialTimeout = NewDuration(DefaultRelayDialTimeout)
	}
	if cfg.UnavailableStatus == 0 {
		cfg.UnavailableStatus = DefaultUnavailableStatus
	}
	if cfg.UnavailableStatus < 100 || cfg.UnavailableStatus > 599 {
		return nil, fmt.Errorf("handler_config.unavailable_status must be a valid HTTP status, got %d", cfg.UnavailableStatus)
	}
	for from, to := range cfg.StatusRemap {
		code, err := strconv.Atoi(from)
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("handler_config.status_remap key '%s' is not a valid HTTP status", from)
		}
		if to < 100 || to > 599 {
			return nil, fmt.Errorf("handler_config.status_remap[%s] = %d is not a valid HTTP status", from, to)
		}
	}
	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	ApplySessionDefaults(cfg.Session)
	if err := ValidateSession("handler_config.session", cfg.Session); err != nil {
		return nil, err
	}
	return cfg, nil
}
