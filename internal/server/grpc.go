package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketplace-auth/backend/internal/server/interceptors"
)

// healthCheckMethod is polled by load balancers and not logged.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// GRPCDeps holds the services registered on the gRPC listener.
type GRPCDeps struct {
	// Health is the standard health server whose status the readiness checker keeps current.
	Health *health.Server
}

// NewGRPCServer returns a gRPC server instrumented with the otelgrpc stats handler and the
// recover and logging interceptors, with deps registered.
func NewGRPCServer(log *zap.Logger, deps GRPCDeps) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoverUnary(log),
			interceptors.LoggingUnary(log, map[string]bool{healthCheckMethod: true}),
		),
	)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with s. A nil Health server registers nothing.
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
