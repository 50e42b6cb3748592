// Package opsrpc hosts the operational gRPC endpoint: the standard health
// service and server reflection, behind the same request-id, metrics and
// tracing interceptors the rest of the process uses.
package opsrpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/satops/internal/logging"
)

// Metrics supplies the per-RPC metrics interceptor.
type Metrics interface {
	UnaryServerInterceptor() grpc.UnaryServerInterceptor
}

// NewServer builds the ops gRPC server with hm registered as the health
// service. metrics may be nil.
func NewServer(hm *HealthMonitor, metrics Metrics, log logging.Logger) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		SpanAttributesUnaryServerInterceptor(),
	}
	if metrics != nil {
		interceptors = append(interceptors, metrics.UnaryServerInterceptor())
	}
	interceptors = append(interceptors, StatusUnaryServerInterceptor())

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	healthpb.RegisterHealthServer(srv, hm.Server())
	reflection.Register(srv)
	return srv
}
