// Copyright 2025 Joseph Cumines
//
// serve command

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joeycumines/uiinspector/internal/config"
	"github.com/joeycumines/uiinspector/internal/inspector"
	"github.com/joeycumines/uiinspector/internal/metrics"
	"github.com/joeycumines/uiinspector/internal/provider"
	"github.com/joeycumines/uiinspector/internal/provider/fixture"
	"github.com/joeycumines/uiinspector/internal/server"
)

// watchDebounce coalesces bursts of fixture file events.
const watchDebounce = 100 * time.Millisecond

type serveOptions struct {
	fixture     string
	transport   string
	httpAddress string
	grpcAddress string
	auditLog    string
	trace       string
	walk        bool
	watch       bool
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspector over a fixture tree",
		Long: `Run the inspector over a YAML or JSON fixture tree.

Configuration comes from the environment (UIINSPECTOR_*, MCP_*) and the
optional YAML file named by UIINSPECTOR_CONFIG. Flags override both.

Example:
  uiinspector serve --fixture screen.yaml --grpc-address 127.0.0.1:50051
  uiinspector serve --fixture screen.yaml --transport sse --http-address :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg, global); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts.walk, cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.fixture, "fixture", "", "fixture tree file (YAML or JSON)")
	f.StringVar(&opts.transport, "transport", "", "MCP transport: stdio or sse")
	f.StringVar(&opts.httpAddress, "http-address", "", "HTTP listen address for the sse transport")
	f.StringVar(&opts.grpcAddress, "grpc-address", "", "gRPC listen address, empty disables")
	f.StringVar(&opts.auditLog, "audit-log", "", "append tool invocations to this file")
	f.StringVar(&opts.trace, "trace", "", "span exporter: stdout")
	f.BoolVar(&opts.watch, "watch", true, "reload the fixture when the file changes")
	f.BoolVar(&opts.walk, "walk", false, "build snapshots one element at a time, bounded by the max depth")
	return cmd
}

// apply overlays the flags that were set onto cfg and revalidates it.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config, global *globalOptions) error {
	f := cmd.Flags()
	if f.Changed("fixture") {
		cfg.FixturePath = o.fixture
	}
	if f.Changed("transport") {
		cfg.Transport = config.TransportType(o.transport)
	}
	if f.Changed("http-address") {
		cfg.HTTPAddress = o.httpAddress
	}
	if f.Changed("grpc-address") {
		cfg.GRPCAddress = o.grpcAddress
	}
	if f.Changed("audit-log") {
		cfg.AuditLogPath = o.auditLog
	}
	if f.Changed("trace") {
		cfg.Trace = o.trace
	}
	if f.Changed("watch") {
		cfg.FixtureWatch = o.watch
	}
	if global.debug {
		cfg.Debug = true
	}
	if cfg.FixturePath == "" {
		return errors.New("no fixture: set --fixture or UIINSPECTOR_FIXTURE")
	}
	return cfg.Validate()
}

func runServe(ctx context.Context, cfg *config.Config, walk bool, stderr io.Writer) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	// stdout may carry the stdio transport, so spans go to stderr
	shutdownTracing, err := setupTracing(cfg.Trace, stderr)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("flushing spans", "error", err)
		}
	}()

	p, err := fixture.Open(cfg.FixturePath, fixture.Options{Logger: logger.With("component", "fixture")})
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	defer p.Close()

	var builder provider.TreeBuilder = p
	if walk {
		builder = provider.Walk(p, cfg.MaxDepth)
	}
	m := metrics.New(true)
	engine := inspector.NewFromParts(builder, p, p, inspector.Options{
		Observer:      m,
		Logger:        logger.With("component", "inspector"),
		TTL:           cfg.SnapshotTTL,
		BuildTimeout:  cfg.BuildTimeout,
		ActionTimeout: cfg.ActionTimeout,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.FixtureWatch {
		if err := p.Watch(ctx, watchDebounce, engine.Invalidate); err != nil {
			return fmt.Errorf("watching fixture: %w", err)
		}
	}

	runner := server.NewRunner(cfg, engine, server.RunnerOptions{Metrics: m, Logger: logger})
	if err := runner.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	case <-runner.Done():
	}
	return runner.Stop()
}

// setupTracing installs the global tracer provider for kind and returns its
// shutdown. An empty kind leaves the no-op provider in place.
func setupTracing(kind string, w io.Writer) (func(context.Context) error, error) {
	switch kind {
	case "":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", kind)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "uiinspector"))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
