package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/handlers/echo"
	"example.com/h2mux/internal/handlers/ticker"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/router"
	"example.com/h2mux/internal/server"
)

// quickStartConfig builds the configuration of a quick-start origin: /echo
// echoes every message, /time streams a clock line every 1-2ms and
// /stream repeats -message every millisecond.
func quickStartConfig(args []string, out io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("h2mux", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("addr", "0.0.0.0:8443", "address to listen on")
	certFile := fs.String("cert", "", "TLS certificate file; h2c when empty")
	keyFile := fs.String("key", "", "TLS key file")
	message := fs.String("message", "hello world\n", "message repeated by /stream")
	level := fs.String("log-level", string(config.LogLevelInfo), "DEBUG, INFO, WARNING or ERROR")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if (*certFile == "") != (*keyFile == "") {
		return nil, fmt.Errorf("-cert and -key must be given together")
	}
	if *message == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	streamCfg, err := json.Marshal(config.TickerConfig{
		IntervalMin: config.NewDuration(config.DefaultTickerIntervalMin),
		IntervalMax: config.NewDuration(config.DefaultTickerIntervalMin),
		Message:     *message,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding /stream handler config: %w", err)
	}

	cfg := &config.Config{
		Server: &config.ServerConfig{Address: addr},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevel(*level),
		},
		Routing: &config.RoutingConfig{
			Routes: []config.Route{
				{PathPattern: "/echo", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
				{PathPattern: "/time", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeTicker},
				{PathPattern: "/stream", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeTicker, HandlerConfig: streamCfg},
			},
		},
	}
	if *certFile != "" {
		cert, err := filepath.Abs(*certFile)
		if err != nil {
			return nil, err
		}
		key, err := filepath.Abs(*keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Server.TLS = &config.TLSConfig{CertFile: cert, KeyFile: key}
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRegistry() (*server.HandlerRegistry, error) {
	reg := server.NewHandlerRegistry()
	if err := reg.Register(config.HandlerTypeEcho, echo.Factory); err != nil {
		return nil, err
	}
	if err := reg.Register(config.HandlerTypeTicker, ticker.Factory); err != nil {
		return nil, err
	}
	return reg, nil
}

func main() {
	cfg, err := quickStartConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	registry, err := newRegistry()
	if err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}
	rtr, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	srv, err := server.NewServer(cfg, lg, rtr)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	lg.Info("Starting server...", logger.LogFields{"address": *cfg.Server.Address, "tls": cfg.Server.TLS != nil})
	if err := srv.Start(); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	lg.Info("Server shut down gracefully", nil)
}
