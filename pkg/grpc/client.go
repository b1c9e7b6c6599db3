package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CheckHealth asks the health service at target for the status of service.
func CheckHealth(ctx context.Context, target, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
