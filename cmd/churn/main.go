// Command churn opens and cancels streams on one HTTP/2 session in a tight
// loop and reports whether the session survived.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/driver"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

func main() {
	var (
		configFilePath = flag.String("config", "", "Path to a driver configuration file (JSON or TOML)")
		target         = flag.String("target", "", "host:port to connect to; overrides the config file")
		path           = flag.String("path", "", "request path; overrides the config file")
		mode           = flag.String("mode", "", "cancel-after-time, cancel-after-messages or echo")
		iterations     = flag.Int("iterations", 0, "number of cycles")
		concurrency    = flag.Int("concurrency", 0, "number of concurrent workers")
		useTLS         = flag.Bool("tls", false, "connect with TLS")
		insecure       = flag.Bool("insecure", false, "skip upstream certificate verification")
		reconnect      = flag.Bool("reconnect", false, "dial a new session when the current one ends")
		metricsAddr    = flag.String("metrics", "", "serve Prometheus metrics on this address while running")
	)
	flag.Parse()

	cfg := &config.DriverConfig{}
	if *configFilePath != "" {
		loaded, err := config.LoadDriverConfig(*configFilePath)
		if err != nil {
			log.Fatalf("Failed to load driver configuration from %s: %v", *configFilePath, err)
		}
		cfg = loaded
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *path != "" {
		cfg.Path = *path
	}
	if *mode != "" {
		cfg.Mode = config.DriverMode(*mode)
	}
	if *iterations > 0 {
		cfg.Iterations = *iterations
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	cfg.TLS = cfg.TLS || *useTLS
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || *insecure
	cfg.Reconnect = cfg.Reconnect || *reconnect
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.CloseLogFiles()

	m := metrics.New()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("metrics listener stopped", logger.LogFields{"error": err.Error()})
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Info("starting churn", logger.LogFields{
		"target":      cfg.Target,
		"mode":        string(cfg.Mode),
		"iterations":  cfg.Iterations,
		"concurrency": cfg.Concurrency,
		"tls":         cfg.TLS,
	})
	rep, runErr := driver.New(cfg, lg, driver.WithMetrics(m)).Run(ctx)
	fmt.Println(rep.String())
	if runErr != nil {
		lg.Error("churn stopped early", logger.LogFields{"error": runErr.Error()})
	}
	if runErr != nil || !rep.OK() {
		lg.CloseLogFiles()
		os.Exit(1)
	}
}
