// Package rpc exposes the standard gRPC health service for the gateway and
// persister processes, and a client probe for container health checks.
package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"PPChat/logger"
)

const (
	GatewayService   = "ppchat.Gateway"
	PersisterService = "ppchat.Persister"
)

type HealthServer struct {
	gs       *grpc.Server
	hs       *health.Server
	services []string
	stopOnce sync.Once
}

// NewHealthServer registers the health service. The overall status ("")
// and every named service start NOT_SERVING until SetServing(true).
func NewHealthServer(services ...string) *HealthServer {
	h := &HealthServer{
		gs:       grpc.NewServer(),
		hs:       health.NewServer(),
		services: append([]string{""}, services...),
	}
	grpc_health_v1.RegisterHealthServer(h.gs, h.hs)
	h.SetServing(false)
	return h
}

func (h *HealthServer) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	for _, s := range h.services {
		h.hs.SetServingStatus(s, st)
	}
}

func (h *HealthServer) Serve(lis net.Listener) error {
	logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.gs.Serve(lis)
}

func (h *HealthServer) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return h.Serve(lis)
}

// Stop flips every status to NOT_SERVING and drains in-flight checks.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		h.hs.Shutdown()
		h.gs.GracefulStop()
	})
}

// Probe dials target and returns nil only when service reports SERVING.
func Probe(ctx context.Context, target, service string) error {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check %s: %w", target, err)
	}
	if st := resp.GetStatus(); st != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s %q is %s", target, service, st)
	}
	return nil
}
