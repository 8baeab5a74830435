// Package registry is the in-memory table of services advertised by
// the current process.
package registry

import (
	"fmt"
	"sync"

	"minidisc/internal/wire"
)

// ErrNotFound is returned by Unlist when no service is registered on
// the given port.
var ErrNotFound = fmt.Errorf("registry: no service registered on that port")

// ErrInvalidPort is returned by Advertise when port is out of range.
var ErrInvalidPort = fmt.Errorf("registry: port must be in (0, 65536)")

// Mutator is the narrow capability a local process needs to manage its
// own advertisements: advertise and unlist, nothing else. Concrete
// implementations (LocalRegistry) also expose Snapshot, but that is
// deliberately not part of this interface — it is consumed only by the
// Node that owns the registry, not by arbitrary callers.
type Mutator interface {
	Advertise(port int, name string, labels map[string]string) error
	Unlist(port int) error
}

// LocalRegistry holds the services advertised by this process on its
// own address. All operations are safe for concurrent use; any
// Snapshot corresponds to some totally ordered point in the mutation
// history.
type LocalRegistry struct {
	ownAddr string

	mu       sync.Mutex
	services []wire.Service

	// OnChange, if set, is invoked after every successful mutation.
	// It runs after the registry's lock is released, so it may read
	// the registry (for example via Snapshot); it must not block.
	OnChange func()
}

// New returns an empty registry for services advertised at ownAddr.
func New(ownAddr string) *LocalRegistry {
	return &LocalRegistry{ownAddr: ownAddr}
}

// Advertise adds or replaces (in place) the service bound to port.
func (r *LocalRegistry) Advertise(port int, name string, labels map[string]string) error {
	if port <= 0 || port >= 1<<16 {
		return ErrInvalidPort
	}
	if labels == nil {
		labels = map[string]string{}
	}
	entry := wire.Service{Name: name, Labels: labels, Addr: r.ownAddr, Port: port}

	r.mu.Lock()
	replaced := false
	for i, s := range r.services {
		if s.Port == port {
			r.services[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		r.services = append(r.services, entry)
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Unlist removes the service bound to port.
func (r *LocalRegistry) Unlist(port int) error {
	r.mu.Lock()
	for i, s := range r.services {
		if s.Port == port {
			r.services = append(r.services[:i], r.services[i+1:]...)
			r.mu.Unlock()
			r.notify()
			return nil
		}
	}
	r.mu.Unlock()
	return ErrNotFound
}

// Snapshot returns an atomic copy of the currently advertised services.
func (r *LocalRegistry) Snapshot() []wire.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Service, len(r.services))
	copy(out, r.services)
	return out
}

func (r *LocalRegistry) notify() {
	if r.OnChange != nil {
		r.OnChange()
	}
}
