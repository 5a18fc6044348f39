package server

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator allocates random OS-assigned ports and tracks which ports
// belong to which service. This prevents the daemon from handing out a port
// that is already in use by another running service.
type PortAllocator struct {
	mu        sync.Mutex
	allocated map[int]string   // port → service name
	byService map[string][]int // service name → ports (reverse index for O(k) release)
}

// NewPortAllocator creates an empty port allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		allocated: make(map[int]string),
		byService: make(map[string][]int),
	}
}

// Allocate reserves n random ports for the given service. It binds to :0
// to let the OS assign free ports, records them, then closes the listeners
// and returns the ports.
//
// There is a small TOCTOU window between closing the listener and the
// service actually binding the port. In practice this is negligible.
func (a *PortAllocator) Allocate(service string, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)

	// Open all listeners first to get guaranteed-unique ports from the OS.
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}

	// Close all listeners so the ports are available for services.
	for _, ln := range listeners {
		ln.Close()
	}

	// Record the allocation. Check all ports before writing any to avoid
	// partial state if a collision is detected.
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range ports {
		if owner, ok := a.allocated[port]; ok {
			// Extremely unlikely since the OS just handed us this
			// port, but it can reuse one from a recently-released
			// service that has not been cleaned up yet.
			return nil, fmt.Errorf("port %d already allocated to service %q", port, owner)
		}
	}
	for _, port := range ports {
		a.allocated[port] = service
	}
	a.byService[service] = append(a.byService[service], ports...)

	return ports, nil
}

// Release removes all port tracking for the given service.
func (a *PortAllocator) Release(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range a.byService[service] {
		delete(a.allocated, port)
	}
	delete(a.byService, service)
}

// Allocated returns the number of currently tracked ports.
func (a *PortAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
