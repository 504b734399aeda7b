package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoHosts       = errors.New("registry requires at least one host")
	ErrDuplicateHost = errors.New("duplicate host address")
)

// Host is a copy of one backend's state at the time it was read from the registry.
type Host struct {
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
}

// Registry is the ordered host list plus the round-robin cursor. All access
// goes through its methods, which hold the lock only for in-memory work.
type Registry struct {
	mutex  sync.Mutex
	hosts  []Host
	index  map[string]int
	cursor int
}

// New creates a registry from the configured addresses. Every host starts
// unhealthy until it is probed. The cursor is placed on the last host so the
// first selection returns the first configured address.
func New(addresses []string) (*Registry, error) {
	if len(addresses) == 0 {
		return nil, ErrNoHosts
	}

	r := &Registry{
		hosts: make([]Host, 0, len(addresses)),
		index: make(map[string]int, len(addresses)),
	}

	for _, addr := range addresses {
		if _, exists := r.index[addr]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHost, addr)
		}
		r.index[addr] = len(r.hosts)
		r.hosts = append(r.hosts, Host{Address: addr})
	}

	r.cursor = len(r.hosts) - 1

	return r, nil
}

// SelectNext advances the cursor one position and returns the host there,
// regardless of its health.
func (r *Registry) SelectNext() Host {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.cursor = (r.cursor + 1) % len(r.hosts)
	return r.hosts[r.cursor]
}

// MarkHealth sets the health flag of addr.
// Returns true if the status changed; unknown addresses are ignored.
func (r *Registry) MarkHealth(addr string, healthy bool) (changed bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	i, ok := r.index[addr]
	if !ok || r.hosts[i].Healthy == healthy {
		return false
	}

	r.hosts[i].Healthy = healthy
	return true
}

func (r *Registry) MarkUnhealthy(addr string) (changed bool) {
	return r.MarkHealth(addr, false)
}

// SnapshotHealthy returns the hosts that are currently healthy, in registry order.
func (r *Registry) SnapshotHealthy() []Host {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	healthy := make([]Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		if h.Healthy {
			healthy = append(healthy, h)
		}
	}

	return healthy
}

// Snapshot returns every host in registry order.
func (r *Registry) Snapshot() []Host {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	hosts := make([]Host, len(r.hosts))
	copy(hosts, r.hosts)
	return hosts
}

func (r *Registry) Len() int {
	return len(r.hosts)
}

// Cursor returns the index of the most recently selected host.
func (r *Registry) Cursor() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cursor
}
