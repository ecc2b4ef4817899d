// Package main is concurctl, the command line client for a concur server.
// Updates go through the retrying orchestrator, so concurrent edits from other
// clients are merged instead of failing with a version conflict.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/concur/config"
	"github.com/c360/concur/conflict"
	"github.com/c360/concur/pkg/tlsutil"
	"github.com/c360/concur/resource/httpresource"
)

// Version is overridden with -ldflags at release time.
var Version = "0.1.0"

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	server     string
	headers    []string
	configPath string
	logLevel   string
	timeout    time.Duration
	tls        tlsutil.ClientConfig

	out    io.Writer
	errOut io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	g := &globals{out: out, errOut: errOut}

	cmd := &cobra.Command{
		Use:           "concurctl",
		Short:         "Read and update versioned resources on a concur server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.server, "server", "s", envOr("CONCUR_SERVER", "http://localhost:8080"), "Server base URL (env: CONCUR_SERVER)")
	pf.StringArrayVarP(&g.headers, "header", "H", nil, "Extra request header as 'Key: Value', repeatable")
	pf.StringVarP(&g.configPath, "config", "c", os.Getenv("CONCUR_CONFIG"), "Config file supplying update policy and classifier rules (env: CONCUR_CONFIG)")
	pf.StringVar(&g.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "Per-request HTTP timeout")
	pf.StringArrayVar(&g.tls.CAFiles, "ca-file", nil, "Additional CA certificate to trust, repeatable")
	pf.StringVar(&g.tls.CertFile, "cert", "", "Client certificate for mutual TLS")
	pf.StringVar(&g.tls.KeyFile, "key", "", "Client private key for mutual TLS")
	pf.BoolVar(&g.tls.InsecureSkipVerify, "insecure-skip-verify", false, "Do not verify the server certificate (testing only)")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n\n%s", err, cmd.UsageString())
		return errUsage
	})

	cmd.AddCommand(
		newGetCommand(g),
		newListCommand(g),
		newCreateCommand(g),
		newUpdateCommand(g),
		newDeleteCommand(g),
		newWatchCommand(g),
	)
	return cmd
}

func (g *globals) logger() *slog.Logger {
	level := slog.LevelWarn
	_ = level.UnmarshalText([]byte(g.logLevel))
	return slog.New(slog.NewTextHandler(g.errOut, &slog.HandlerOptions{Level: level}))
}

func (g *globals) resource(name string) (*httpresource.Resource, error) {
	opts := []httpresource.Option{httpresource.WithLogger(g.logger())}
	for _, h := range g.headers {
		key, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Key: Value'", h)
		}
		opts = append(opts, httpresource.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value)))
	}
	if g.timeout > 0 {
		opts = append(opts, httpresource.WithHTTPClient(newHTTPClient(g.timeout)))
	}

	g.tls.Enabled = strings.HasPrefix(g.server, "https://")
	if err := g.tls.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.LoadClient(g.tls)
	if err != nil {
		return nil, err
	}
	opts = append(opts, httpresource.WithTLSConfig(tlsConfig))
	return httpresource.New(g.server, name, opts...)
}

// loadConfig returns the defaults when no config file is given.
func (g *globals) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if g.configPath != "" {
		loader.AddLayer(g.configPath)
	}
	return loader.Load()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// exitCode maps the classified failure to a distinct process status so
// scripts can tell a lost race from a missing entity.
func exitCode(err error) int {
	switch conflict.Default().Classify(err) {
	case conflict.VersionConflict:
		return 3
	case conflict.NotFound:
		return 4
	case conflict.ValidationError:
		return 5
	default:
		return 1
	}
}
