// Package main runs the concur server: versioned entities over REST with
// optimistic concurrency, backed by memory or NATS JetStream KV.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/c360/concur/config"
	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/health"
	"github.com/c360/concur/metric"
	"github.com/c360/concur/natsclient"
	"github.com/c360/concur/pkg/retry"
	"github.com/c360/concur/pkg/tlsutil"
	"github.com/c360/concur/service"
)

// Build information, overridden with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "concur"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting concur",
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"storage", cfg.Storage.Mode,
		"resources", len(cfg.Resources))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	monitor.SetRecorder(metricsRegistry.CoreMetrics())

	var natsClient *natsclient.Client
	if cfg.Storage.Mode == config.StorageModeKV {
		natsClient, err = connectToNATS(ctx, cfg, metricsRegistry.CoreMetrics(), monitor, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
	}

	stores, err := entitystore.Build(ctx, cfg, entitystore.BuildOptions{
		Client:   natsClient,
		Registry: metricsRegistry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}

	registerChecks(monitor, cfg, natsClient)
	monitor.Start(ctx, cliCfg.HealthInterval)

	serverTLS, err := tlsutil.LoadServer(cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("load HTTP TLS: %w", err)
	}

	srv := service.NewServer(stores,
		service.WithLogger(logger),
		service.WithHealthMonitor(monitor),
		service.WithMetricsRegistry(metricsRegistry),
		service.WithTLSConfig(serverTLS),
		service.WithCheckOrigin(service.AllowOrigins(cfg.HTTP.AllowedOrigins...)),
	)
	if err := srv.Start(cfg.HTTP.Addr(), cfg.HTTP.ReadHeaderTimeout); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	logger.Info("concur started", "addr", cfg.HTTP.Addr())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	timeout := cliCfg.ShutdownTimeout
	if timeout == 0 {
		timeout = cfg.HTTP.ShutdownTimeout
	}
	if err := srv.Stop(timeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("concur shutdown complete")
	return nil
}

// loadConfig layers every path over the defaults. With no paths the defaults
// and environment overrides alone are used.
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, metrics *metric.Metrics,
	monitor *health.Monitor, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithPingInterval(cfg.NATS.PingInterval),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
		natsclient.WithMetrics(metrics),
		natsclient.WithHealthChangeCallback(natsHealthReporter(monitor)),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	tlsConfig, err := tlsutil.LoadClient(cfg.NATS.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS: %w", err)
	}
	opts = append(opts, natsclient.WithTLSConfig(tlsConfig))

	name := cfg.NATS.Name
	if name == "" {
		name = appName
	}
	opts = append(opts, natsclient.WithName(name))

	client, err := natsclient.NewClient(cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.ConnectWithRetry(ctx, retry.Quick()); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// natsHealthReporter pushes connection changes into the monitor as they
// happen instead of waiting for the next periodic check.
func natsHealthReporter(monitor *health.Monitor) func(bool) {
	return func(healthy bool) {
		if healthy {
			monitor.UpdateHealthy("nats", "connected")
			return
		}
		monitor.UpdateUnhealthy("nats", "connection lost, reconnecting")
	}
}

func registerChecks(monitor *health.Monitor, cfg *config.Config, client *natsclient.Client) {
	if client == nil {
		monitor.UpdateHealthy("storage", "in-memory storage")
		return
	}

	monitor.AddCheck("nats", "connected", func(context.Context) error {
		if status := client.Status(); status != natsclient.StatusConnected {
			return fmt.Errorf("%w: %s", natsclient.ErrNotConnected, status)
		}
		return nil
	})

	buckets := make([]string, 0, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		buckets = append(buckets, cfg.BucketFor(rc))
	}
	monitor.AddCheck("storage", "all buckets present", func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		present, err := client.ListKeyValueBuckets(checkCtx)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			if !slices.Contains(present, b) {
				return fmt.Errorf("bucket %s missing", b)
			}
		}
		return nil
	})
}
