package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/handlers/echo"
	"example.com/h2mux/internal/handlers/ticker"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
	"example.com/h2mux/internal/relay"
	"example.com/h2mux/internal/router"
	"example.com/h2mux/internal/server"
)

var (
	configFilePath string
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	// 1. Load Configuration
	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	// 3. Metrics. Collectors are recorded even when the endpoint is off.
	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		appLogger.Error("Failed to register metrics", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	// 4. Handler registry
	handlerRegistry := server.NewHandlerRegistry()
	factories := map[string]server.HandlerFactory{
		config.HandlerTypeEcho:   echo.Factory,
		config.HandlerTypeTicker: ticker.Factory,
		config.HandlerTypeRelay:  relay.Factory(m),
	}
	for name, factory := range factories {
		if err := handlerRegistry.Register(name, factory); err != nil {
			appLogger.Error("Failed to register handler factory", logger.LogFields{"handler_type": name, "error": err.Error()})
			os.Exit(1)
		}
	}
	appLogger.Debug("Handler registry initialized", logger.LogFields{"types": handlerRegistry.Types()})

	// 5. Router
	appRouter, err := router.NewRouter(cfg.Routing.Routes, handlerRegistry, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize router", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	defer func() {
		if err := appRouter.Close(); err != nil {
			appLogger.Warn("Error closing route handlers", logger.LogFields{"error": err.Error()})
		}
	}()

	// 6. Server
	srv, err := server.NewServer(cfg, appLogger, appRouter, server.WithMetrics(m, reg))
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	appLogger.Info("Starting HTTP/2 server", logger.LogFields{
		"address": *cfg.Server.Address,
		"tls":     cfg.Server.TLS != nil,
		"routes":  len(cfg.Routing.Routes),
		"config":  configFilePath,
	})
	if err := srv.Start(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		appRouter.Close()
		appLogger.CloseLogFiles()
		os.Exit(1)
	}
	appLogger.Info("Server has shut down gracefully", nil)
}
