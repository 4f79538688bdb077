package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DriverMode selects the cycle the workload driver repeats.
type DriverMode string

const (
	// DriverModeCancelAfterTime reads until a random delay elapses, then cancels.
	DriverModeCancelAfterTime DriverMode = "cancel-after-time"
	// DriverModeCancelAfterMessages reads N messages, then cancels.
	DriverModeCancelAfterMessages DriverMode = "cancel-after-messages"
	// DriverModeEcho sends one message, reads the echo and closes.
	DriverModeEcho DriverMode = "echo"
)

// DriverConfig configures cmd/churn.
type DriverConfig struct {
	Target             string     `json:"target" toml:"target"`
	Path               string     `json:"path,omitempty" toml:"path,omitempty"`
	Authority          string     `json:"authority,omitempty" toml:"authority,omitempty"`
	TLS                bool       `json:"tls,omitempty" toml:"tls,omitempty"`
	InsecureSkipVerify bool       `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty"`
	Mode               DriverMode `json:"mode,omitempty" toml:"mode,omitempty"`
	Iterations         int        `json:"iterations,omitempty" toml:"iterations,omitempty"`
	Concurrency        int        `json:"concurrency,omitempty" toml:"concurrency,omitempty"`
	CancelAfterMin     *Duration  `json:"cancel_after_min,omitempty" toml:"cancel_after_min,omitempty"`
	CancelAfterMax     *Duration  `json:"cancel_after_max,omitempty" toml:"cancel_after_max,omitempty"`
	CancelAfterMsgs    int        `json:"cancel_after_messages,omitempty" toml:"cancel_after_messages,omitempty"`
	Message            string     `json:"message,omitempty" toml:"message,omitempty"`
	Reconnect          bool       `json:"reconnect,omitempty" toml:"reconnect,omitempty"`

	Session *SessionConfig `json:"session,omitempty" toml:"session,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

const (
	DefaultDriverIterations      = 10000
	DefaultDriverCancelAfterMin  = 3 * time.Millisecond
	DefaultDriverCancelAfterMax  = 5 * time.Millisecond
	DefaultDriverCancelAfterMsgs = 2
)

// LoadDriverConfig reads a driver config file in JSON or TOML, then
// defaults and validates it.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	var cfg DriverConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills absent fields.
func (c *DriverConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Mode == "" {
		c.Mode = DriverModeCancelAfterTime
	}
	if c.Iterations == 0 {
		c.Iterations = DefaultDriverIterations
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.CancelAfterMin == nil {
		c.CancelAfterMin = NewDuration(DefaultDriverCancelAfterMin)
	}
	if c.CancelAfterMax == nil {
		max := DefaultDriverCancelAfterMax
		if c.CancelAfterMin.Std() > max {
			max = c.CancelAfterMin.Std()
		}
		c.CancelAfterMax = NewDuration(max)
	}
	if c.CancelAfterMsgs == 0 {
		c.CancelAfterMsgs = DefaultDriverCancelAfterMsgs
	}
	if c.Message == "" {
		c.Message = "hello"
	}
	if c.Session == nil {
		c.Session = &SessionConfig{}
	}
	ApplySessionDefaults(c.Session)
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	ApplyLoggingDefaults(c.Logging)
	c.Logging.AccessLog.Enabled = boolPtr(false)
}

// Validate checks a defaulted driver config.
func (c *DriverConfig) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		return fmt.Errorf("target must be host:port, got '%s': %w", c.Target, err)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", c.Path)
	}
	switch c.Mode {
	case DriverModeCancelAfterTime, DriverModeCancelAfterMessages, DriverModeEcho:
	default:
		return fmt.Errorf("mode must be one of %s, %s, %s, got '%s'", DriverModeCancelAfterTime, DriverModeCancelAfterMessages, DriverModeEcho, c.Mode)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.CancelAfterMax.Std() < c.CancelAfterMin.Std() {
		return fmt.Errorf("cancel_after_max (%s) must not be less than cancel_after_min (%s)", c.CancelAfterMax.Std(), c.CancelAfterMin.Std())
	}
	if c.CancelAfterMsgs < 0 {
		return fmt.Errorf("cancel_after_messages must be >= 0, got %d", c.CancelAfterMsgs)
	}
	if err := ValidateSession("session", c.Session); err != nil {
		return err
	}
	return validateLogging(c.Logging)
}
