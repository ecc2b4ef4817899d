package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
	ShowVersion     bool
	Validate        bool
}

// layerFlag collects repeated --config flags into ordered layers.
type layerFlag struct {
	paths *[]string
	set   bool
}

func (f *layerFlag) String() string {
	if f.paths == nil {
		return ""
	}
	return fmt.Sprint(*f.paths)
}

func (f *layerFlag) Set(v string) error {
	if !f.set {
		*f.paths = nil
		f.set = true
	}
	*f.paths = append(*f.paths, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	if p := os.Getenv("CONCUR_CONFIG"); p != "" {
		cfg.ConfigPaths = []string{p}
	}
	layers := &layerFlag{paths: &cfg.ConfigPaths}
	fs.Var(layers, "config", "Configuration file, repeat to layer overrides (env: CONCUR_CONFIG)")
	fs.Var(layers, "c", "Shorthand for --config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CONCUR_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CONCUR_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CONCUR_LOG_FORMAT", "json"),
		"Log format: json, text (env: CONCUR_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CONCUR_DEBUG", false),
		"Enable debug logging (env: CONCUR_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CONCUR_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 uses http.shutdown_timeout (env: CONCUR_SHUTDOWN_TIMEOUT)")

	fs.DurationVar(&cfg.HealthInterval, "health-interval",
		getEnvDuration("CONCUR_HEALTH_INTERVAL", 15*time.Second),
		"Interval between health checks (env: CONCUR_HEALTH_INTERVAL)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	if cfg.HealthInterval <= 0 {
		return fmt.Errorf("invalid health interval: %s", cfg.HealthInterval)
	}
	return nil
}

func printHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - versioned resource server

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # In-memory store with defaults
  %s --config=configs/concur.yaml

  # Base config plus environment specific overrides
  %s -c configs/concur.yaml -c configs/prod.yaml

  # Validate configuration only
  %s --config=configs/concur.yaml --validate

Version: %s
`, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
