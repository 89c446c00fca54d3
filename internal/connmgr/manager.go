// ABOUTME: Connection manager: tracks known agent endpoints and runs the
// ABOUTME: periodic discovery and health-check loops.

package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivewire/hivewire/internal/clock"
	"github.com/hivewire/hivewire/internal/retry"
)

// Status is an endpoint's health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Endpoint is a discovered, health-tracked remote agent. Created by
// discovery, mutated only by health-check results, removed only when a
// discovery sweep no longer lists it.
type Endpoint struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Transport string            `json:"transport"`
	Status    Status            `json:"status"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DiscoverFunc returns the current set of endpoints. The manager
// reconciles the result against its known set.
type DiscoverFunc func(ctx context.Context) ([]*Endpoint, error)

// Config holds the manager's loop timing and probe retry settings.
type Config struct {
	DiscoveryInterval   time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	// ProbeRetries is how many times a failed probe is retried within
	// a single health cycle before the endpoint is marked unhealthy.
	ProbeRetries int

	// ProbeBackoff spaces probe retries within a cycle.
	ProbeBackoff retry.Policy
}

func (c *Config) applyDefaults() {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.ProbeBackoff.Initial == 0 {
		c.ProbeBackoff = retry.DefaultPolicy()
	}
}

// Manager maintains the endpoint set and runs two independent periodic
// loops: discovery and health checking. Scoped to one instance with an
// explicit start/stop lifecycle.
type Manager struct {
	cfg      Config
	discover DiscoverFunc
	check    HealthCheckFunc
	clk      clock.Clock
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	running   bool
	done      chan struct{}

	wg sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects a timer source; tests use a fake.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l.With("component", "connmgr") }
}

// New creates a connection manager with the given discovery method and
// health checker.
func New(cfg Config, discover DiscoverFunc, check HealthCheckFunc, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		discover:  discover,
		check:     check,
		clk:       clock.New(),
		logger:    slog.Default().With("component", "connmgr"),
		endpoints: make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the discovery and health-check loops. Idempotent.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(2)
	go m.discoveryLoop(m.done)
	go m.healthLoop(m.done)

	m.logger.Info("connection manager started",
		"discovery_interval", m.cfg.DiscoveryInterval,
		"health_interval", m.cfg.HealthCheckInterval,
	)
	return nil
}

// Stop cancels both loops and waits for them to exit; after Stop
// returns, no timer callback fires. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("connection manager stopped")
}

// GetAllAgents returns every known endpoint.
func (m *Manager) GetAllAgents() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		cp := *ep
		agents = append(agents, &cp)
	}
	return agents
}

// GetHealthyAgents returns exactly the endpoints whose most recent
// probe reported healthy.
func (m *Manager) GetHealthyAgents() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Endpoint
	for _, ep := range m.endpoints {
		if ep.Status == StatusHealthy {
			cp := *ep
			agents = append(agents, &cp)
		}
	}
	return agents
}

// GetAgentsByRole returns every known endpoint with the given role.
func (m *Manager) GetAgentsByRole(role string) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Endpoint
	for _, ep := range m.endpoints {
		if ep.Role == role {
			cp := *ep
			agents = append(agents, &cp)
		}
	}
	return agents
}

// GetAgent returns one endpoint by id.
func (m *Manager) GetAgent(id string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[id]
	if !ok {
		return nil, false
	}
	cp := *ep
	return &cp, true
}

// IsHealthy reports whether the endpoint exists and its last probe
// succeeded. Usable as a broker transport health source.
func (m *Manager) IsHealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[id]
	return ok && ep.Status == StatusHealthy
}

// discoveryLoop runs discovery immediately and then on every tick.
func (m *Manager) discoveryLoop(done <-chan struct{}) {
	defer m.wg.Done()

	m.runDiscovery()

	ticker := m.clk.NewTicker(m.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			m.runDiscovery()
		}
	}
}

// runDiscovery reconciles the discovered roster against the known set:
// new endpoints are added as unknown, vanished ones are removed, and
// survivors keep their last-known status until re-probed.
func (m *Manager) runDiscovery() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
	defer cancel()

	discovered, err := m.discover(ctx)
	if err != nil {
		m.logger.Warn("discovery failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Endpoint, len(discovered))
	var added, removed int
	for _, ep := range discovered {
		if existing, ok := m.endpoints[ep.ID]; ok {
			next[ep.ID] = existing
			continue
		}
		cp := *ep
		if cp.Status == "" {
			cp.Status = StatusUnknown
		}
		next[cp.ID] = &cp
		added++
	}
	for id := range m.endpoints {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	m.endpoints = next

	if added > 0 || removed > 0 {
		m.logger.Info("discovery reconciled",
			"added", added, "removed", removed, "total", len(next))
	}
}

// healthLoop probes all endpoints on every tick.
func (m *Manager) healthLoop(done <-chan struct{}) {
	defer m.wg.Done()

	ticker := m.clk.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			m.runHealthChecks(done)
		}
	}
}

// runHealthChecks probes every known endpoint. A failed probe marks
// the endpoint unhealthy; it is retried on the next cycle, never
// evicted here.
func (m *Manager) runHealthChecks(done <-chan struct{}) {
	for _, ep := range m.GetAllAgents() {
		select {
		case <-done:
			return
		default:
		}
		m.probe(ep)
	}
}

// probe runs the health checker with the per-cycle retry budget and
// records the result.
func (m *Manager) probe(ep *Endpoint) {
	var result HealthResult
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
		result = m.check(ctx, ep)
		cancel()

		if result.Healthy || attempt >= m.cfg.ProbeRetries {
			break
		}
		m.sleep(m.cfg.ProbeBackoff.Delay(attempt))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The endpoint may have been removed by discovery mid-probe.
	current, ok := m.endpoints[ep.ID]
	if !ok {
		return
	}

	if result.Healthy {
		current.Status = StatusHealthy
		current.LastSeen = m.clk.Now()
		return
	}

	current.Status = StatusUnhealthy
	m.logger.Warn("health probe failed",
		"endpoint", ep.ID, "role", ep.Role, "error", result.Err)
}

// sleep waits using the injected clock so tests control probe pacing.
func (m *Manager) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-m.clk.After(d):
	case <-m.done:
	}
}
