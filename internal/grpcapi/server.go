// Copyright 2025 Joseph Cumines
//
// gRPC server lifecycle

package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/uiinspector/internal/metrics"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// stopGrace bounds GracefulStop before in-flight calls are cut.
const stopGrace = 5 * time.Second

// Options configures a Server.
type Options struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// Address is the TCP listen address used by Start, e.g. "127.0.0.1:50051".
	Address string
}

// Server runs the Inspector and Operations services. Start and Stop are
// idempotent; a stopped server can be started again.
type Server struct {
	engine  Engine
	metrics *metrics.Registry
	logger  *slog.Logger
	address string

	grpc *grpc.Server
	ops  *Operations
	lis  net.Listener
	done chan struct{}
	err  error
	mu   sync.Mutex
}

// New creates a server over engine.
func New(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		address: opts.Address,
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s.IsRunning() {
		return nil
	}
	if s.address == "" {
		return errors.New("grpc: no listen address configured")
	}
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("grpc: listen on %s: %w", s.address, err)
	}
	if err := s.StartListener(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// StartListener serves on lis in the background. It is a no-op returning
// nil when the server is already running; lis is then left untouched.
func (s *Server) StartListener(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpc != nil {
		return nil
	}

	s.ops = NewOperations()
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.statusInterceptor))
	s.grpc.RegisterService(&ServiceDesc, NewService(s.engine, s.ops))
	longrunningpb.RegisterOperationsServer(s.grpc, s.ops)
	s.lis = lis
	s.done = make(chan struct{})
	s.err = nil

	gs, done := s.grpc, s.done
	go func() {
		defer close(done)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server stopped", "error", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	s.logger.Info("grpc server listening", "address", lis.Addr().String())
	return nil
}

// Stop stops serving, waiting briefly for in-flight calls, and cancels
// running operations.
func (s *Server) Stop() {
	s.mu.Lock()
	gs, ops, done := s.grpc, s.ops, s.done
	s.grpc, s.ops, s.lis = nil, nil, nil
	s.mu.Unlock()
	if gs == nil {
		return
	}

	ops.Close()

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopGrace):
		gs.Stop()
		<-stopped
	}
	<-done
	s.logger.Info("grpc server stopped")
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpc != nil
}

// Addr returns the listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Err returns the error that ended the last serve loop, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// statusInterceptor converts engine errors to statuses carrying ErrorInfo
// and records request metrics.
func (s *Server) statusInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	err = toStatus(err)
	s.metrics.RecordRequest("grpc "+info.FullMethod, status.Code(err).String(), time.Since(start))
	return resp, err
}

func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("grpc handler panic", "method", info.FullMethod, "panic", r)
			err = status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
		}
	}()
	return handler(ctx, req)
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var ue *uierror.Error
	if errors.As(err, &ue) {
		return uierror.Status(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
