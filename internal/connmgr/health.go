// ABOUTME: Pluggable health checkers for endpoint probes.
// ABOUTME: gRPC health/v1 probe, transport probe, and TCP dial probe.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hivewire/hivewire/internal/transport"
)

// HealthResult is the outcome of one endpoint probe.
type HealthResult struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// HealthCheckFunc probes one endpoint. Implementations must respect
// the context deadline supplied by the manager.
type HealthCheckFunc func(ctx context.Context, ep *Endpoint) HealthResult

// GRPCHealthCheck probes endpoints via the standard gRPC health
// service (grpc.health.v1.Health/Check). Agents exposing a gRPC port
// answer it for free with the health server package.
func GRPCHealthCheck() HealthCheckFunc {
	return func(ctx context.Context, ep *Endpoint) HealthResult {
		start := time.Now()
		addr := net.JoinHostPort(ep.Address, fmt.Sprintf("%d", ep.Port))

		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return HealthResult{Err: fmt.Errorf("dialing %s: %w", addr, err)}
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		latency := time.Since(start)
		if err != nil {
			return HealthResult{Latency: latency, Err: fmt.Errorf("health check %s: %w", addr, err)}
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return HealthResult{Latency: latency, Err: fmt.Errorf("%s reports %s", addr, resp.GetStatus())}
		}
		return HealthResult{Healthy: true, Latency: latency}
	}
}

// TCPHealthCheck probes endpoints with a bare TCP dial. Cheapest
// probe; confirms reachability but not application health.
func TCPHealthCheck() HealthCheckFunc {
	return func(ctx context.Context, ep *Endpoint) HealthResult {
		start := time.Now()
		addr := net.JoinHostPort(ep.Address, fmt.Sprintf("%d", ep.Port))

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		latency := time.Since(start)
		if err != nil {
			return HealthResult{Latency: latency, Err: fmt.Errorf("dialing %s: %w", addr, err)}
		}
		_ = conn.Close()
		return HealthResult{Healthy: true, Latency: latency}
	}
}

// TransportHealthCheck reports the liveness of an already-established
// transport. Used when the endpoint's channel is the transport itself
// (e.g. a websocket peer) rather than a dialable port.
func TransportHealthCheck(t transport.Transport) HealthCheckFunc {
	return func(ctx context.Context, ep *Endpoint) HealthResult {
		if t.Healthy() {
			return HealthResult{Healthy: true}
		}
		return HealthResult{Err: fmt.Errorf("transport for %s not connected", ep.ID)}
	}
}
