package netutil

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
)

// DefaultBasePort is the first debug port tried when none is requested.
const DefaultBasePort = 9222

const maxPort = 65535

// SharedPorts is the process-wide registry used by managers that are not given
// one explicitly.
var SharedPorts = NewPortRegistry(DefaultBasePort)

// PortRegistry tracks debug ports claimed by live browser instances in this
// process. It is safe for concurrent use.
type PortRegistry struct {
	base      int
	probeHost string

	mu      sync.Mutex
	claimed map[int]struct{}
}

// NewPortRegistry returns an empty registry scanning upward from base.
func NewPortRegistry(base int) *PortRegistry {
	if base <= 0 {
		base = DefaultBasePort
	}
	return &PortRegistry{base: base, claimed: make(map[int]struct{})}
}

// WithProbeHost makes automatic allocation also skip ports that another
// process is already listening on at host. Explicit ports are never probed.
func (r *PortRegistry) WithProbeHost(host string) *PortRegistry {
	r.mu.Lock()
	r.probeHost = host
	r.mu.Unlock()
	return r
}

// Allocate claims a debug port. An explicit port of 0 means "next free port".
// An explicit port that is already claimed fails with PORT_IN_USE.
func (r *PortRegistry) Allocate(explicit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if explicit != 0 {
		if explicit < 0 || explicit > maxPort {
			return 0, cdperr.Newf(cdperr.CodeValidation, "debug port %d out of range", explicit)
		}
		if _, taken := r.claimed[explicit]; taken {
			return 0, cdperr.Newf(cdperr.CodePortInUse,
				"debug port %d is already in use by another browser instance (claimed: %v)", explicit, r.claimedLocked())
		}
		r.claimed[explicit] = struct{}{}
		slog.Debug("debug port claimed", "port", explicit, "explicit", true)
		return explicit, nil
	}

	for port := r.base; port <= maxPort; port++ {
		if _, taken := r.claimed[port]; taken {
			continue
		}
		if r.probeHost != "" && !IsPortAvailable(r.probeHost, port) {
			slog.Debug("debug port busy outside registry, skipping", "host", r.probeHost, "port", port)
			continue
		}
		r.claimed[port] = struct{}{}
		slog.Debug("debug port claimed", "port", port, "explicit", false)
		return port, nil
	}
	return 0, cdperr.Newf(cdperr.CodePortInUse, "no free debug port at or above %d", r.base)
}

// Release returns a port to the pool. Releasing an unclaimed port is a no-op.
func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[port]; !ok {
		return
	}
	delete(r.claimed, port)
	slog.Debug("debug port released", "port", port)
}

// InUse reports whether port is currently claimed.
func (r *PortRegistry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[port]
	return ok
}

// Claimed returns the claimed ports in ascending order.
func (r *PortRegistry) Claimed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimedLocked()
}

func (r *PortRegistry) claimedLocked() []int {
	out := make([]int, 0, len(r.claimed))
	for p := range r.claimed {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
