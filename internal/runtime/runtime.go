// Package runtime consolidates the process-wide state every embedding
// application needs — an Object Pool Manager, a thread manager, and a
// MailboxLookupService — and exposes a gRPC control plane over it (spec
// §9 "a reimplementation may want to group these as a Runtime").
//
// Grounded on the teacher's patterns/core/controlplane.go ControlPlaneServer
// (gRPC health + reflection, healthChecker ticker) and patterns/core/plugin.go
// Bootstrap (config load → construct → serve → signal-triggered shutdown).
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dashingfabric/mailbox/internal/config"
	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/mls"
	"github.com/dashingfabric/mailbox/internal/opm"
	"github.com/dashingfabric/mailbox/internal/threadmgr"
)

// healthCheckInterval mirrors the teacher's ControlPlaneServer ticker
// cadence for pushing serving-status updates into the gRPC health server.
const healthCheckInterval = 5 * time.Second

// Runtime owns the process-wide OPM, ThreadManager, and MLS Service, and
// can optionally serve a gRPC control plane over them.
type Runtime struct {
	OPM     *opm.Manager
	Threads *threadmgr.Manager
	MLS     *mls.Service

	cfg *config.Config

	grpcServer *grpc.Server
	listener   net.Listener
	healthSrv  *health.Server
	stopHealth chan struct{}
}

// NewRuntime constructs the Runtime's three subsystems from cfg. A zero
// MLSConfig (discovery disabled) is a valid configuration — the Service
// still serves local/proxy find and register, just without cross-host
// discovery fan-out.
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	mlsCfg := mls.Config{
		Manager:          opm.NewManager(),
		DiscoveryEnabled: cfg.MLS.DiscoveryEnabled,
		Debug:            false,
	}

	if cfg.MLS.DiscoveryEnabled {
		endpoint, err := mls.ParseEndpoint(cfg.MLS.GroupAddress)
		if err != nil {
			return nil, fmt.Errorf("runtime: invalid mls discovery group address: %w", err)
		}
		mlsCfg.DiscoveryGroup = endpoint

		opts := mailbox.DefaultGroupOptions()
		if cfg.MLS.GroupInterface != "" {
			opts.MulticastInterface = net.ParseIP(cfg.MLS.GroupInterface)
		}
		mlsCfg.GroupOptions = opts
	}

	svc, err := mls.NewService(mlsCfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: mls startup failed: %w", err)
	}

	return &Runtime{
		OPM:     mlsCfg.Manager,
		Threads: threadmgr.NewManager(),
		MLS:     svc,
		cfg:     cfg,
	}, nil
}

// ServeControlPlane starts a gRPC server exposing only the health and
// reflection services (there is no generated lifecycle service for this
// core — it has no IDL of its own, spec §1 excludes the IDL layer). The
// health service's per-mailbox serving status is refreshed on a ticker,
// mirroring patterns/core/controlplane.go's healthChecker.
func (r *Runtime) ServeControlPlane(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("runtime: control plane listen failed: %w", err)
	}
	r.listener = ln

	r.grpcServer = grpc.NewServer()
	r.healthSrv = health.NewServer()
	grpc_health_v1.RegisterHealthServer(r.grpcServer, r.healthSrv)
	reflection.Register(r.grpcServer)

	r.stopHealth = make(chan struct{})
	go r.runHealthChecker(ctx)

	go func() {
		slog.Info("control plane listening", "port", port)
		if err := r.grpcServer.Serve(ln); err != nil {
			slog.Error("control plane serve error", "error", err)
		}
	}()

	return nil
}

// runHealthChecker mirrors the teacher's ticker loop: periodically walks
// every mailbox MLS currently knows about and reports REGISTERED_ACTIVE
// mailboxes as SERVING, anything else as NOT_SERVING, keyed by mailbox
// name (SPEC_FULL §4.10).
func (r *Runtime) runHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopHealth:
			return
		case <-ticker.C:
			for _, info := range r.MLS.Snapshot() {
				status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
				if info.Active {
					status = grpc_health_v1.HealthCheckResponse_SERVING
				}
				r.healthSrv.SetServingStatus(info.Address.MailboxName, status)
			}
		}
	}
}

// Shutdown drains OPM pools, stops the thread manager's restart monitor,
// deregisters all mailboxes, and (if running) stops the control plane
// server (spec §9 Runtime.Shutdown).
func (r *Runtime) Shutdown(ctx context.Context) {
	if r.stopHealth != nil {
		close(r.stopHealth)
	}
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
	if r.listener != nil {
		_ = r.listener.Close()
	}

	r.MLS.Shutdown()
	r.Threads.Stop()
	r.OPM.Shutdown()
}
