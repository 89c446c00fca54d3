// ABOUTME: Roster-based discovery: well-known {role, port} pairs from a
// ABOUTME: TOML file become endpoints on each discovery sweep.

package connmgr

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// RosterEntry is one well-known agent slot: a role listening on a port.
type RosterEntry struct {
	Role      string `toml:"role"`
	Address   string `toml:"address"` // defaults to 127.0.0.1
	Port      int    `toml:"port"`
	Transport string `toml:"transport"` // defaults to "grpc"
}

// Roster is the discovery input: the set of agent slots this process
// should know about. Supplied by an external configuration loader.
type Roster struct {
	Agents []RosterEntry `toml:"agents"`
}

// LoadRoster reads a TOML roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}

	var r Roster
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing roster file: %w", err)
	}

	for i, e := range r.Agents {
		if e.Role == "" {
			return nil, fmt.Errorf("roster entry %d: role is required", i)
		}
		if e.Port <= 0 || e.Port > 65535 {
			return nil, fmt.Errorf("roster entry %d (%s): invalid port %d", i, e.Role, e.Port)
		}
	}
	return &r, nil
}

// RosterDiscovery returns a DiscoverFunc producing one endpoint per
// roster entry. Endpoint ids are stable (role@address:port) so the
// reconciliation sweep preserves survivors across cycles.
func RosterDiscovery(r *Roster) DiscoverFunc {
	return func(ctx context.Context) ([]*Endpoint, error) {
		endpoints := make([]*Endpoint, 0, len(r.Agents))
		for _, e := range r.Agents {
			addr := e.Address
			if addr == "" {
				addr = "127.0.0.1"
			}
			kind := e.Transport
			if kind == "" {
				kind = "grpc"
			}
			endpoints = append(endpoints, &Endpoint{
				ID:        fmt.Sprintf("%s@%s:%d", e.Role, addr, e.Port),
				Role:      e.Role,
				Address:   addr,
				Port:      e.Port,
				Transport: kind,
				Status:    StatusUnknown,
			})
		}
		return endpoints, nil
	}
}
