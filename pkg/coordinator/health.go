package coordinator

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthServing        = healthpb.HealthCheckResponse_SERVING
	healthNotServing     = healthpb.HealthCheckResponse_NOT_SERVING
	healthServiceUnknown = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
)

// folderService is the health service name of one folder.
func folderService(guid string) string {
	return "folder/" + guid
}

func (c *Coordinator) startHealth(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c.healthListener = listener
	c.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(c.grpcServer, c.health)

	go func() {
		if err := c.grpcServer.Serve(listener); err != nil {
			c.logger.Error("Health server failed", zap.Error(err))
		}
	}()
	c.logger.Info("Health server listening", zap.String("address", listener.Addr().String()))
	return nil
}

// HealthAddr returns the bound gRPC health address, empty when disabled.
func (c *Coordinator) HealthAddr() string {
	if c.healthListener == nil {
		return ""
	}
	return c.healthListener.Addr().String()
}

// CheckHealth queries the health service at addr. An empty service asks for
// the whole process; "folder/<guid>" asks for one folder.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
