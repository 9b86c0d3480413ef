package gameserver

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the coordinator.
const ServiceName = "tabletop.Coordinator"

// HealthServer exposes the standard gRPC health checking protocol on the
// admin address.
type HealthServer struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer creates a HealthServer listening on addr once Serve is
// called. Both the overall status and ServiceName start as NOT_SERVING.
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{addr: addr, srv: srv, health: hs, logger: logger}
}

// SetServing flips the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve listens on the admin address and blocks until Stop.
func (h *HealthServer) Serve() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	return h.ServeListener(lis)
}

// ServeListener serves on an existing listener and blocks until Stop.
func (h *HealthServer) ServeListener(lis net.Listener) error {
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	h.SetServing(true)
	return h.srv.Serve(lis)
}

// Stop reports NOT_SERVING and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
