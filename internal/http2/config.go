package http2

import (
	"time"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

// Config tunes one Session. Zero values take the defaults of the config
// package.
type Config struct {
	// MaxConcurrentStreams is advertised to the peer and bounds the streams
	// it may open.
	MaxConcurrentStreams uint32
	// InitialWindowSize is our per-stream receive window.
	InitialWindowSize uint32
	// ConnectionWindowSize is our connection receive window.
	ConnectionWindowSize uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	OpenPolicy           config.OpenPolicy
	HandshakeTimeout     time.Duration
	// KeepaliveInterval enables periodic PINGs; 0 disables them.
	KeepaliveInterval time.Duration

	// ResetRate is the sustained peer resets per second tolerated; 0 means
	// unbounded.
	ResetRate   float64
	ResetBurst  int
	ResetPolicy config.ResetPolicy

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// SessionConfigFrom converts a defaulted config section.
func SessionConfigFrom(sc *config.SessionConfig) Config {
	var c Config
	if sc == nil {
		return c.withDefaults()
	}
	if sc.MaxConcurrentStreams != nil {
		c.MaxConcurrentStreams = *sc.MaxConcurrentStreams
	}
	if sc.InitialWindowSize != nil {
		c.InitialWindowSize = *sc.InitialWindowSize
	}
	if sc.ConnectionWindowSize != nil {
		c.ConnectionWindowSize = *sc.ConnectionWindowSize
	}
	if sc.MaxFrameSize != nil {
		c.MaxFrameSize = *sc.MaxFrameSize
	}
	if sc.MaxHeaderListSize != nil {
		c.MaxHeaderListSize = *sc.MaxHeaderListSize
	}
	c.OpenPolicy = sc.OpenPolicy
	c.HandshakeTimeout = config.DurationOr(sc.HandshakeTimeout, 0)
	c.KeepaliveInterval = config.DurationOr(sc.KeepaliveInterval, 0)
	if sc.ResetRate != nil {
		c.ResetRate = *sc.ResetRate
	}
	if sc.ResetBurst != nil {
		c.ResetBurst = *sc.ResetBurst
	}
	c.ResetPolicy = sc.ResetPolicy
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = config.DefaultMaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = config.DefaultInitialWindowSize
	}
	if c.ConnectionWindowSize < DefaultInitialWindowSize {
		c.ConnectionWindowSize = config.DefaultConnectionWindowSize
	}
	if c.MaxFrameSize < MinAllowedFrameSize || c.MaxFrameSize > MaxAllowedFrameSize {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = config.DefaultMaxHeaderListSize
	}
	if c.OpenPolicy == "" {
		c.OpenPolicy = config.DefaultOpenPolicy
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if c.ResetBurst <= 0 {
		c.ResetBurst = config.DefaultResetBurst
	}
	if c.ResetPolicy == "" {
		c.ResetPolicy = config.DefaultResetPolicy
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}
