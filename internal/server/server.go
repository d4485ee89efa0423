// Package server exposes the action lifecycle over gRPC and runs the
// background work a long-lived gate needs: the timeout sweeper, policy
// hot reload, the approval read model, alerts and the audit mirror.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/impactgate/internal/alert"
	"github.com/ppiankov/impactgate/internal/approval"
	"github.com/ppiankov/impactgate/internal/audit"
	"github.com/ppiankov/impactgate/internal/lifecycle"
	"github.com/ppiankov/impactgate/internal/policy"
)

// Config holds gRPC server configuration.
type Config struct {
	Port            int
	PolicyPath      string
	PolicyPreset    string
	SweepInterval   time.Duration
	AuditMirrorPath string
	SnapshotPath    string
	Alerts          []alert.AlertConfig
	Logger          *slog.Logger
}

// Server implements ActionService over a lifecycle engine.
type Server struct {
	cfg        Config
	engine     *lifecycle.Engine
	approvals  *approval.Store
	dispatcher *alert.Dispatcher
	mirror     *audit.Log
	health     *health.Server
	logger     *slog.Logger

	mu          sync.Mutex
	unsubscribe []func()
	closed      bool

	grpcServer *grpc.Server
}

// New wires a server around engine, which must have an event bus. The
// approval read model is restored from the snapshot, when configured, and
// caught up from the store before any RPC is served.
func New(ctx context.Context, cfg Config, engine *lifecycle.Engine) (*Server, error) {
	bus := engine.Bus()
	if bus == nil {
		return nil, errors.New("server: engine has no event bus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if engine.Policy() == nil && (cfg.PolicyPath != "" || cfg.PolicyPreset != "") {
		p, err := policy.Resolve(cfg.PolicyPath, cfg.PolicyPreset)
		if err != nil {
			return nil, fmt.Errorf("server: load policy: %w", err)
		}
		engine.SetPolicy(p)
	}

	approvals := approval.NewStore(logger)
	if cfg.SnapshotPath != "" {
		if err := approvals.Load(cfg.SnapshotPath); err != nil {
			logger.Warn("approval snapshot ignored", "path", cfg.SnapshotPath, "error", err)
			approvals = approval.NewStore(logger)
		}
	}
	if err := approvals.Rebuild(ctx, engine.Store()); err != nil {
		return nil, fmt.Errorf("server: rebuild approvals: %w", err)
	}

	var mirror *audit.Log
	if cfg.AuditMirrorPath != "" {
		var err error
		mirror, err = audit.Open(cfg.AuditMirrorPath)
		if err != nil {
			return nil, fmt.Errorf("server: open audit mirror: %w", err)
		}
	}

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		approvals:  approvals,
		dispatcher: alert.NewDispatcher(cfg.Alerts, engine.Events, logger),
		mirror:     mirror,
		health:     health.NewServer(),
		logger:     logger,
		grpcServer: grpc.NewServer(),
	}

	s.unsubscribe = append(s.unsubscribe, bus.SubscribeAll(approvals.Handle))
	if s.dispatcher != nil {
		s.unsubscribe = append(s.unsubscribe, bus.SubscribeAll(s.dispatcher.Handle))
	}
	if mirror != nil {
		s.unsubscribe = append(s.unsubscribe, bus.SubscribeAll(mirror.Handle))
	}

	RegisterActionServiceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Engine returns the engine behind the service.
func (s *Server) Engine() *lifecycle.Engine { return s.engine }

// Approvals returns the approval read model.
func (s *Server) Approvals() *approval.Store { return s.approvals }

// Serve starts the gRPC server on the configured port. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	return s.ServeOn(lis)
}

// ServeOn starts the gRPC server on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("serving", "addr", lis.Addr().String(), "service", ServiceName)
	return s.grpcServer.Serve(lis)
}

// RunBackground starts the timeout sweeper and, when a policy file is
// configured, the hot reloader. Both stop when ctx is cancelled.
func (s *Server) RunBackground(ctx context.Context) {
	sweeper := lifecycle.NewSweeper(s.engine, s.approvals, s.cfg.SweepInterval)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweeper stopped", "error", err)
		}
	}()

	if s.cfg.PolicyPath == "" {
		return
	}
	reloader, err := NewReloader(s, []string{s.cfg.PolicyPath})
	if err != nil {
		s.logger.Warn("policy hot reload disabled", "error", err)
		return
	}
	go func() {
		if err := reloader.Run(ctx); err != nil {
			s.logger.Error("reloader stopped", "error", err)
		}
	}()
}

// ReloadPolicy reloads the configured policy and swaps it into the engine.
// Called by the hot reloader on file change.
func (s *Server) ReloadPolicy() error {
	p, err := policy.Resolve(s.cfg.PolicyPath, s.cfg.PolicyPreset)
	if err != nil {
		return fmt.Errorf("failed to reload policy: %w", err)
	}
	s.engine.SetPolicy(p)
	return nil
}

// GracefulStop marks the service not serving and drains in-flight RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Close detaches bus subscribers, waits for pending alerts, saves the
// approval snapshot and closes the audit mirror.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}

	var errs []error
	if s.cfg.SnapshotPath != "" {
		if err := s.approvals.Save(s.cfg.SnapshotPath); err != nil {
			errs = append(errs, fmt.Errorf("save approval snapshot: %w", err))
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}
