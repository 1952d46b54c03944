// Copyright 2025 Joseph Cumines
//
// Runner owns every configured transport for one engine

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/uiinspector/internal/config"
	"github.com/joeycumines/uiinspector/internal/grpcapi"
	"github.com/joeycumines/uiinspector/internal/metrics"
	"github.com/joeycumines/uiinspector/internal/transport"
)

// RunnerOptions configures a Runner. Zero values select defaults.
type RunnerOptions struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// Stdin and Stdout are used by the stdio transport, default os.Stdin and
	// os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer
}

// Runner starts and stops the MCP transport named by the configuration, the
// REST surface (HTTP transport only) and the gRPC server (when an address is
// configured), all serving the same engine. Start and Stop are idempotent.
type Runner struct {
	cfg     *config.Config
	engine  Engine
	metrics *metrics.Registry
	logger  *slog.Logger
	stdin   io.Reader
	stdout  io.Writer

	cur *run
	mu  sync.Mutex
}

// run is one Start to Stop lifetime.
type run struct {
	cancel    context.CancelFunc
	transport transport.Transport
	grpc      *grpcapi.Server
	audit     *AuditLogger
	done      chan struct{}
	// err is written before done is closed.
	err error
}

func (x *run) ended() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// shutdown stops everything x started and returns the error that ended the
// MCP transport, if any.
func (x *run) shutdown() error {
	x.cancel()
	var errs []error
	if err := x.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	<-x.done
	if x.grpc != nil {
		x.grpc.Stop()
	}
	if err := x.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit log: %w", err))
	}
	if x.err != nil {
		errs = append(errs, x.err)
	}
	return errors.Join(errs...)
}

// NewRunner creates a runner for engine.
func NewRunner(cfg *config.Config, engine Engine, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Runner{
		cfg:     cfg,
		engine:  engine,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
	}
}

// Start brings every configured transport up, binding listeners before it
// returns. On failure nothing is left running. A run whose MCP transport
// already ended is torn down and replaced.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.cur; prev != nil {
		if !prev.ended() {
			return nil
		}
		r.cur = nil
		if err := prev.shutdown(); err != nil {
			r.logger.Warn("previous run ended with an error", "error", err)
		}
	}

	audit, err := NewAuditLogger(r.cfg.AuditLogPath)
	if err != nil {
		return err
	}
	mcp := NewMCPServer(r.engine, MCPOptions{
		Audit:          audit,
		Metrics:        r.metrics,
		Logger:         r.logger.With("component", "mcp"),
		RequestTimeout: time.Duration(r.cfg.RequestTimeout) * time.Second,
	})

	var tr transport.Transport
	switch r.cfg.Transport {
	case config.TransportHTTP:
		ht := transport.NewHTTPTransport(&transport.HTTPTransportConfig{
			Metrics:           r.metrics,
			Address:           r.cfg.HTTPAddress,
			SocketPath:        r.cfg.HTTPSocketPath,
			CORSOrigin:        r.cfg.CORSOrigin,
			TLSCertFile:       r.cfg.TLSCertFile,
			TLSKeyFile:        r.cfg.TLSKeyFile,
			APIKey:            r.cfg.APIKey,
			HeartbeatInterval: r.cfg.HeartbeatInterval,
			ReadTimeout:       r.cfg.HTTPReadTimeout,
			WriteTimeout:      r.cfg.HTTPWriteTimeout,
			RateLimit:         r.cfg.RateLimit,
		})
		ht.Mount("/v1", NewREST(r.engine, ht.Metrics(), r.logger.With("component", "rest")))
		if err := ht.Listen(); err != nil {
			_ = audit.Close()
			return err
		}
		tr = ht
	default:
		tr = transport.NewStdioTransport(r.stdin, r.stdout)
	}

	var gs *grpcapi.Server
	if r.cfg.GRPCAddress != "" {
		gs = grpcapi.New(r.engine, grpcapi.Options{
			Metrics: r.metrics,
			Logger:  r.logger.With("component", "grpc"),
			Address: r.cfg.GRPCAddress,
		})
		if err := gs.Start(); err != nil {
			_ = tr.Close()
			_ = audit.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &run{cancel: cancel, transport: tr, grpc: gs, audit: audit, done: make(chan struct{})}
	go func() {
		defer close(x.done)
		if err := tr.Serve(ctx, mcp.HandleMessage); err != nil {
			r.logger.Error("transport stopped", "transport", string(r.cfg.Transport), "error", err)
			x.err = err
		}
	}()

	r.cur = x
	r.logger.Info("inspector started",
		"transport", string(r.cfg.Transport),
		"grpc", r.cfg.GRPCAddress,
		"audit", audit.IsEnabled(),
	)
	return nil
}

// Stop shuts every transport down and returns the error that ended the MCP
// transport, if any.
func (r *Runner) Stop() error {
	r.mu.Lock()
	x := r.cur
	r.cur = nil
	r.mu.Unlock()
	if x == nil {
		return nil
	}
	err := x.shutdown()
	r.logger.Info("inspector stopped")
	return err
}

// IsRunning reports whether Start succeeded, the MCP transport is still
// serving and Stop has not been called.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil && !r.cur.ended()
}

// Done is closed when the MCP transport stops serving on its own, e.g. when
// stdin reaches EOF. It returns nil when the runner was not started or has
// been stopped.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	return r.cur.done
}

// HTTPAddr returns the HTTP listener address, or nil when HTTP is not
// serving.
func (r *Runner) HTTPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	if ht, ok := r.cur.transport.(*transport.HTTPTransport); ok {
		return ht.Addr()
	}
	return nil
}

// GRPCAddr returns the gRPC listener address, or nil when gRPC is disabled.
func (r *Runner) GRPCAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.grpc == nil {
		return nil
	}
	return r.cur.grpc.Addr()
}
