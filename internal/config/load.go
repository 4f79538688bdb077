package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by LoadConfig when a field is absent.
const (
	DefaultServerAddress           = ":8443"
	DefaultGracefulShutdownTimeout = 30 * time.Second

	DefaultMaxConcurrentStreams uint32 = 250
	DefaultInitialWindowSize    uint32 = 65535
	DefaultConnectionWindowSize uint32 = 1 << 20
	DefaultMaxFrameSize         uint32 = 16384
	DefaultMaxHeaderListSize    uint32 = 1 << 16
	DefaultOpenPolicy                  = OpenPolicyWait
	DefaultHandshakeTimeout            = 10 * time.Second
	DefaultResetBurst                  = 1000
	DefaultResetPolicy                 = ResetPolicyRefuse

	DefaultMetricsAddress = ":9090"
	DefaultMetricsPath    = "/metrics"
)

// LoadConfig reads, defaults and validates the configuration file at path.
// The format follows the extension (.json, .toml); other extensions are
// tried as JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	var cfg Config
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.OriginalFilePath = abs
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeFile decodes a JSON or TOML file into v. TOML documents are
// converted to JSON first so that json.RawMessage fields and custom JSON
// unmarshalers behave the same for both formats.
func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("configuration file %s is empty", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSON(data, v); err != nil {
			return fmt.Errorf("failed to parse JSON configuration file %s: %w", path, err)
		}
		return nil
	case ".toml":
		if err := decodeTOML(data, v); err != nil {
			return fmt.Errorf("failed to parse TOML configuration file %s: %w", path, err)
		}
		return nil
	}

	jsonErr := decodeJSON(data, v)
	if jsonErr == nil {
		return nil
	}
	tomlErr := decodeTOML(data, v)
	if tomlErr == nil {
		return nil
	}
	return fmt.Errorf("failed to auto-detect configuration format for %s: JSON error: %v; TOML error: %v", path, jsonErr, tomlErr)
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func decodeTOML(data []byte, v interface{}) error {
	var generic map[string]interface{}
	if _, err := toml.Decode(string(data), &generic); err != nil {
		return err
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("converting TOML document: %w", err)
	}
	return decodeJSON(asJSON, v)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func u32Ptr(v uint32) *uint32 { return &v }

// ApplyDefaults fills absent sections and fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		cfg.Server.Address = strPtr(DefaultServerAddress)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = NewDuration(DefaultGracefulShutdownTimeout)
	}

	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	ApplySessionDefaults(cfg.Session)

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	ApplyLoggingDefaults(cfg.Logging)

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(false)
	}
	if cfg.Metrics.Address == nil {
		cfg.Metrics.Address = strPtr(DefaultMetricsAddress)
	}
	if cfg.Metrics.Path == nil {
		cfg.Metrics.Path = strPtr(DefaultMetricsPath)
	}
}

// ApplySessionDefaults fills absent session fields. A zero reset_rate is
// kept: it means unbounded.
func ApplySessionDefaults(sc *SessionConfig) {
	if sc.MaxConcurrentStreams == nil {
		sc.MaxConcurrentStreams = u32Ptr(DefaultMaxConcurrentStreams)
	}
	if sc.InitialWindowSize == nil {
		sc.InitialWindowSize = u32Ptr(DefaultInitialWindowSize)
	}
	if sc.ConnectionWindowSize == nil {
		sc.ConnectionWindowSize = u32Ptr(DefaultConnectionWindowSize)
	}
	if sc.MaxFrameSize == nil {
		sc.MaxFrameSize = u32Ptr(DefaultMaxFrameSize)
	}
	if sc.MaxHeaderListSize == nil {
		sc.MaxHeaderListSize = u32Ptr(DefaultMaxHeaderListSize)
	}
	if sc.OpenPolicy == "" {
		sc.OpenPolicy = DefaultOpenPolicy
	}
	if sc.HandshakeTimeout == nil {
		sc.HandshakeTimeout = NewDuration(DefaultHandshakeTimeout)
	}
	if sc.ResetRate == nil {
		zero := 0.0
		sc.ResetRate = &zero
	}
	if sc.ResetBurst == nil {
		burst := DefaultResetBurst
		sc.ResetBurst = &burst
	}
	if sc.ResetPolicy == "" {
		sc.ResetPolicy = DefaultResetPolicy
	}
}

// ApplyLoggingDefaults fills absent logging fields: INFO level, errors to
// stderr, access log enabled on stdout.
func ApplyLoggingDefaults(lc *LoggingConfig) {
	if lc.LogLevel == "" {
		lc.LogLevel = LogLevelInfo
	}
	if lc.ErrorLog == nil {
		lc.ErrorLog = &ErrorLogConfig{}
	}
	if lc.ErrorLog.Target == nil {
		lc.ErrorLog.Target = strPtr("stderr")
	}
	if lc.AccessLog == nil {
		lc.AccessLog = &AccessLogConfig{}
	}
	if lc.AccessLog.Enabled == nil {
		lc.AccessLog.Enabled = boolPtr(true)
	}
	if lc.AccessLog.Target == nil {
		lc.AccessLog.Target = strPtr("stdout")
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg.Server != nil {
		if cfg.Server.Address != nil && *cfg.Server.Address == "" {
			return fmt.Errorf("server.address cannot be an empty string")
		}
		if t := cfg.Server.TLS; t != nil {
			if t.CertFile == "" || t.KeyFile == "" {
				return fmt.Errorf("server.tls requires both cert_file and key_file")
			}
		}
	}
	if cfg.Session != nil {
		if err := ValidateSession("session", cfg.Session); err != nil {
			return err
		}
	}
	if cfg.Routing != nil {
		if err := validateRoutes(cfg.Routing.Routes); err != nil {
			return err
		}
	}
	if cfg.Logging != nil {
		if err := validateLogging(cfg.Logging); err != nil {
			return err
		}
	}
	if m := cfg.Metrics; m != nil && m.Enabled != nil && *m.Enabled {
		if m.Address == nil || *m.Address == "" {
			return fmt.Errorf("metrics.address cannot be empty when metrics are enabled")
		}
		if m.Path == nil || !strings.HasPrefix(*m.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/'")
		}
	}
	return nil
}

// ValidateSession checks a defaulted session section. prefix names the
// section in error messages.
func ValidateSession(prefix string, sc *SessionConfig) error {
	if sc.MaxConcurrentStreams != nil && *sc.MaxConcurrentStreams == 0 {
		return fmt.Errorf("%s.max_concurrent_streams must be greater than 0", prefix)
	}
	if sc.InitialWindowSize != nil && *sc.InitialWindowSize > math.MaxInt32 {
		return fmt.Errorf("%s.initial_window_size must not exceed %d", prefix, math.MaxInt32)
	}
	if sc.ConnectionWindowSize != nil {
		if v := *sc.ConnectionWindowSize; v < 65535 || v > math.MaxInt32 {
			return fmt.Errorf("%s.connection_window_size must be between 65535 and %d, got %d", prefix, math.MaxInt32, v)
		}
	}
	if sc.MaxFrameSize != nil {
		if v := *sc.MaxFrameSize; v < 16384 || v > 1<<24-1 {
			return fmt.Errorf("%s.max_frame_size must be between 16384 and 16777215, got %d", prefix, v)
		}
	}
	switch sc.OpenPolicy {
	case "", OpenPolicyFail, OpenPolicyWait:
	default:
		return fmt.Errorf("%s.open_policy must be '%s' or '%s', got '%s'", prefix, OpenPolicyFail, OpenPolicyWait, sc.OpenPolicy)
	}
	if sc.ResetRate != nil && (*sc.ResetRate < 0 || math.IsNaN(*sc.ResetRate)) {
		return fmt.Errorf("%s.reset_rate must be >= 0 (0 means unbounded), got %v", prefix, *sc.ResetRate)
	}
	if sc.ResetBurst != nil && *sc.ResetBurst < 1 {
		return fmt.Errorf("%s.reset_burst must be at least 1, got %d", prefix, *sc.ResetBurst)
	}
	switch sc.ResetPolicy {
	case "", ResetPolicyRefuse, ResetPolicyGoAway:
	default:
		return fmt.Errorf("%s.reset_policy must be '%s' or '%s', got '%s'", prefix, ResetPolicyRefuse, ResetPolicyGoAway, sc.ResetPolicy)
	}
	return nil
}

func validateRoutes(routes []Route) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.PathPattern == "" || !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern must start with '/', got '%s'", i, r.PathPattern)
		}
		switch r.MatchType {
		case MatchTypeExact, MatchTypePrefix:
		default:
			return fmt.Errorf("routing.routes[%d].match_type must be '%s' or '%s', got '%s'", i, MatchTypeExact, MatchTypePrefix, r.MatchType)
		}
		if r.HandlerType == "" {
			return fmt.Errorf("routing.routes[%d].handler_type cannot be empty", i)
		}
		key := string(r.MatchType) + " " + r.PathPattern
		if seen[key] {
			return fmt.Errorf("duplicate route: path_pattern '%s' with match_type '%s'", r.PathPattern, r.MatchType)
		}
		seen[key] = true
	}
	return nil
}

func validateLogging(lc *LoggingConfig) error {
	switch lc.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level must be one of DEBUG, INFO, WARNING, ERROR, got '%s'", lc.LogLevel)
	}
	if lc.ErrorLog != nil && lc.ErrorLog.Target != nil {
		if err := validateLogTarget("logging.error_log.target", *lc.ErrorLog.Target); err != nil {
			return err
		}
	}
	if lc.AccessLog != nil && lc.AccessLog.Target != nil {
		if err := validateLogTarget("logging.access_log.target", *lc.AccessLog.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateLogTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s must be 'stdout', 'stderr', or an absolute file path, got '%s'", field, target)
	}
	return nil
}

// ResolvePath resolves p against the directory of the loaded config file.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.OriginalFilePath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.OriginalFilePath), p)
}
