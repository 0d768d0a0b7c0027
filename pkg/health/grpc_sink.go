package health

import (
	"context"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCSink mirrors snapshots into a standard gRPC health service. The
// overall service ("") reports SERVING only when every field passes; the
// "healthy", "ready" and "live" services report their own field.
type GRPCSink struct {
	server *grpchealth.Server
}

// NewGRPCSink creates a sink with every service initially NOT_SERVING
func NewGRPCSink() *GRPCSink {
	sink := &GRPCSink{server: grpchealth.NewServer()}
	for _, service := range []string{"", FieldHealthy, FieldReady, FieldLive} {
		sink.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return sink
}

// Register installs the health service on a gRPC server
func (g *GRPCSink) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, g.server)
}

// Server exposes the underlying health server
func (g *GRPCSink) Server() *grpchealth.Server {
	return g.server
}

func (g *GRPCSink) Write(ctx context.Context, snapshot Snapshot) error {
	g.server.SetServingStatus("", servingStatus(snapshot.OK()))
	g.server.SetServingStatus(FieldHealthy, servingStatus(snapshot.Healthy))
	g.server.SetServingStatus(FieldReady, servingStatus(snapshot.Ready))
	g.server.SetServingStatus(FieldLive, servingStatus(snapshot.Live))
	return nil
}

// Shutdown marks every service NOT_SERVING and ignores later writes
func (g *GRPCSink) Shutdown() {
	g.server.Shutdown()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
