// Package main is the entry point for the chat load balancer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/healthcheck"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
	"github.com/vyrodovalexey/avalb/internal/registry"
	"github.com/vyrodovalexey/avalb/internal/scheduler"
	"github.com/vyrodovalexey/avalb/internal/server"
	avatls "github.com/vyrodovalexey/avalb/internal/tls"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("LB_CONFIG_PATH", ""),
		"Path to configuration file (optional)")
	logLevel := flag.String("log-level", getEnvOrDefault("LB_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("LB_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avalb version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration. Any configuration
// error is fatal at startup.
func loadConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avalb",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen", fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)),
		observability.String("policy", cfg.Policy),
		observability.String("registryKey", cfg.Registry.Key),
		observability.Int("metricsPort", cfg.MetricsPort),
	)

	return cfg
}

// application holds all application components.
type application struct {
	config      *config.Config
	metrics     *observability.Metrics
	pool        *pool.Pool
	registry    *registry.Client
	checker     *healthcheck.Checker
	tlsProvider *avatls.FileProvider
	server      *server.Server
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	metrics := observability.NewMetrics()
	backendPool := pool.New()

	reg, err := registry.NewClient(cfg.Registry, backendPool, metrics,
		registry.WithLogger(logger),
		registry.WithDrainGrace(cfg.DrainGrace.Duration()),
	)
	if err != nil {
		logger.Fatal("failed to create registry client", observability.Error(err))
	}

	checker := healthcheck.NewChecker(cfg.Health, backendPool, metrics,
		healthcheck.WithLogger(logger),
	)

	tlsProvider, err := avatls.NewFileProvider(cfg.TLS, avatls.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to load tls certificate", observability.Error(err))
	}

	picker, err := scheduler.New(cfg.Policy)
	if err != nil {
		logger.Fatal("invalid balancing policy", observability.Error(err))
	}

	bridge := server.NewBridge(cfg.ConnectTimeout.Duration(), metrics, logger,
		checker.ReportFailure)

	srv := server.NewServer(cfg, backendPool, picker, bridge,
		tlsProvider.ServerConfig(), metrics, logger)

	return &application{
		config:      cfg,
		metrics:     metrics,
		pool:        backendPool,
		registry:    reg,
		checker:     checker,
		tlsProvider: tlsProvider,
		server:      srv,
	}
}

// run starts all components and blocks until a shutdown signal.
func run(app *application, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.tlsProvider.Start(ctx); err != nil {
		logger.Warn("certificate hot-reload unavailable", observability.Error(err))
	}

	app.registry.Start(ctx)
	app.checker.Start(ctx)

	go startMetricsServer(app, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("front door failed", observability.Error(err))
		}
	}

	shutdown(app, cancel, logger)
}

// shutdown stops components in dependency order: stop admitting first,
// then the background loops.
func shutdown(app *application, cancel context.CancelFunc, logger observability.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		app.config.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop front door gracefully", observability.Error(err))
	}

	cancel()
	app.checker.Stop()
	app.registry.Stop()
	_ = app.tlsProvider.Close()

	logger.Info("load balancer stopped")
}

// startMetricsServer starts the metrics HTTP server.
func startMetricsServer(app *application, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle(app.config.MetricsPath, app.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", app.config.MetricsPort)
	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("path", app.config.MetricsPath),
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
