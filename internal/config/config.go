package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// OpenPolicy selects what opening a stream does at the concurrency limit.
type OpenPolicy string

const (
	// OpenPolicyFail rejects the open with a capacity error.
	OpenPolicyFail OpenPolicy = "fail"
	// OpenPolicyWait blocks until a slot frees up or the caller gives up.
	OpenPolicyWait OpenPolicy = "wait"
)

// ResetPolicy selects what happens when peers reset streams faster than
// session.reset_rate allows.
type ResetPolicy string

const (
	// ResetPolicyRefuse refuses new peer streams until the rate recovers.
	ResetPolicyRefuse ResetPolicy = "refuse"
	// ResetPolicyGoAway tears the session down with ENHANCE_YOUR_CALM.
	ResetPolicyGoAway ResetPolicy = "goaway"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Session *SessionConfig `json:"session,omitempty" toml:"session,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty" toml:"metrics,omitempty"`

	// OriginalFilePath is the absolute path the config was loaded from.
	OriginalFilePath string `json:"-" toml:"-"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Address                 *string    `json:"address,omitempty" toml:"address,omitempty"`
	TLS                     *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`
	GracefulShutdownTimeout *Duration  `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
}

// TLSConfig points at a PEM certificate and key. Relative paths are
// resolved against the config file's directory.
type TLSConfig struct {
	CertFile string `json:"cert_file" toml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file"`
}

// SessionConfig tunes every HTTP/2 session the process creates.
type SessionConfig struct {
	MaxConcurrentStreams *uint32    `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	InitialWindowSize    *uint32    `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`
	ConnectionWindowSize *uint32    `json:"connection_window_size,omitempty" toml:"connection_window_size,omitempty"`
	MaxFrameSize         *uint32    `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	MaxHeaderListSize    *uint32    `json:"max_header_list_size,omitempty" toml:"max_header_list_size,omitempty"`
	OpenPolicy           OpenPolicy `json:"open_policy,omitempty" toml:"open_policy,omitempty"`
	HandshakeTimeout     *Duration  `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	KeepaliveInterval    *Duration  `json:"keepalive_interval,omitempty" toml:"keepalive_interval,omitempty"`

	// ResetRate is the sustained number of peer stream resets per second
	// tolerated per session. 0 means unbounded.
	ResetRate   *float64    `json:"reset_rate,omitempty" toml:"reset_rate,omitempty"`
	ResetBurst  *int        `json:"reset_burst,omitempty" toml:"reset_burst,omitempty"`
	ResetPolicy ResetPolicy `json:"reset_policy,omitempty" toml:"reset_policy,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures the per-stream access log.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Address *string `json:"address,omitempty" toml:"address,omitempty"`
	Path    *string `json:"path,omitempty" toml:"path,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// Duration is a time.Duration read from strings like "10s" in JSON and TOML.
// Only positive values are accepted.
type Duration time.Duration

func parseDuration(s string) (Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := parseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DurationOr returns *d, or def when d is nil.
func DurationOr(d *Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return time.Duration(*d)
}

// NewDuration returns a pointer to d as a Duration.
func NewDuration(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
