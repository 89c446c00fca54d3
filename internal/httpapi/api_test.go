// ABOUTME: Handler tests for the read-only status HTTP surface.

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivewire/hivewire/internal/broker"
	"github.com/hivewire/hivewire/internal/connmgr"
	"github.com/hivewire/hivewire/internal/store"
	"github.com/hivewire/hivewire/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, m *connmgr.Manager) (*httptest.Server, *broker.Broker) {
	t.Helper()

	b := broker.New(broker.Config{ID: "status-broker"}, store.NewMemoryStore(),
		broker.WithLogger(discardLogger()))

	mux := http.NewServeMux()
	New(b, m, discardLogger()).Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, b
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	server, _ := newServer(t, nil)

	status, body := getJSON(t, server.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "status-broker", body["broker_id"])
}

func TestReady_NoManager(t *testing.T) {
	server, _ := newServer(t, nil)

	status, body := getJSON(t, server.URL+"/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, float64(0), body["healthy_agents"])
}

func TestReady_WithHealthyAgent(t *testing.T) {
	discover := func(ctx context.Context) ([]*connmgr.Endpoint, error) {
		return []*connmgr.Endpoint{{
			ID: "worker@127.0.0.1:9001", Role: "worker",
			Address: "127.0.0.1", Port: 9001, Status: connmgr.StatusHealthy,
		}}, nil
	}
	check := func(ctx context.Context, ep *connmgr.Endpoint) connmgr.HealthResult {
		return connmgr.HealthResult{Healthy: true}
	}
	m := connmgr.New(connmgr.Config{
		DiscoveryInterval:   time.Hour,
		HealthCheckInterval: time.Hour,
	}, discover, check, connmgr.WithLogger(discardLogger()))
	require.NoError(t, m.Start())
	defer m.Stop()

	server, _ := newServer(t, m)

	require.Eventually(t, func() bool {
		status, _ := getJSON(t, server.URL+"/health/ready")
		return status == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	status, body := getJSON(t, server.URL+"/health/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["healthy_agents"])
	assert.Equal(t, float64(1), body["total_agents"])
}

func TestAgents(t *testing.T) {
	server, b := newServer(t, nil)

	tr := transport.NewLoopback("loop", discardLogger())
	require.NoError(t, tr.Connect(t.Context()))
	b.RegisterTransport("loop", tr)

	status, body := getJSON(t, server.URL+"/agents")
	assert.Equal(t, http.StatusOK, status)

	transports, ok := body["transports"].(map[string]any)
	require.True(t, ok)
	loop, ok := transports["loop"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, loop["connected"])
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newServer(t, nil)

	resp, err := http.Post(server.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
