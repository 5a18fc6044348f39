package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoyd/convoy/spec"
)

// ServiceState is a service's position in its lifecycle.
type ServiceState string

const (
	// StatePending means the service has not started yet; it is waiting
	// for its dependencies or for its turn in the start order.
	StatePending ServiceState = "pending"

	// StateStarting means the runtime is up but the service has not yet
	// passed its health probe.
	StateStarting ServiceState = "starting"

	// StateHealthy means the service is running and passing probes.
	StateHealthy ServiceState = "healthy"

	// StateUnhealthy means the service crossed its consecutive-failure
	// threshold; the restart policy decides what happens next.
	StateUnhealthy ServiceState = "unhealthy"

	// StateStopped means the service was shut down deliberately.
	StateStopped ServiceState = "stopped"

	// StateFailed means the service is down and will not be retried:
	// startup timed out, a dependency failed, or the restart budget ran out.
	StateFailed ServiceState = "failed"
)

// validTransitions encodes the legal lifecycle moves. A service can only
// enter Starting from a state where it is not running, and terminal states
// are left only through an explicit restart.
var validTransitions = map[ServiceState][]ServiceState{
	StatePending:   {StateStarting, StateFailed, StateStopped},
	StateStarting:  {StateHealthy, StateFailed, StateStopped},
	StateHealthy:   {StateUnhealthy, StateStarting, StateFailed, StateStopped},
	StateUnhealthy: {StateStarting, StateFailed, StateStopped},
	StateStopped:   {StateStarting},
	StateFailed:    {StateStarting},
}

func canTransition(from, to ServiceState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ServiceStatus is a point-in-time view of one service.
type ServiceStatus struct {
	Name     string       `json:"name"`
	State    ServiceState `json:"state"`
	Restarts int          `json:"restarts"`
	Ports    []spec.Port  `json:"ports,omitempty"`
	Error    string       `json:"error,omitempty"`
	Since    time.Time    `json:"since"`
}

// StackStatus is a point-in-time view of the whole stack, in start order.
type StackStatus struct {
	Stack    string          `json:"stack"`
	Services []ServiceStatus `json:"services"`
}

// StatusTable tracks service states. Writers serialize through a mutex and
// publish a fresh immutable snapshot on every change; readers load the
// snapshot pointer without taking any lock, so status queries never contend
// with lifecycle transitions.
type StatusTable struct {
	stack string
	order []string // start order, fixed at construction

	mu   sync.Mutex
	snap atomic.Pointer[StackStatus]
}

// NewStatusTable creates a table with every service Pending, listed in
// start order.
func NewStatusTable(stack string, order []string) *StatusTable {
	t := &StatusTable{stack: stack, order: order}

	now := time.Now()
	services := make([]ServiceStatus, len(order))
	for i, name := range order {
		services[i] = ServiceStatus{Name: name, State: StatePending, Since: now}
	}
	t.snap.Store(&StackStatus{Stack: stack, Services: services})
	return t
}

// Snapshot returns the current stack status. The returned value is immutable;
// callers may read it without synchronization.
func (t *StatusTable) Snapshot() *StackStatus {
	return t.snap.Load()
}

// Get returns the current status of one service.
func (t *StatusTable) Get(name string) (ServiceStatus, bool) {
	for _, s := range t.snap.Load().Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceStatus{}, false
}

// Transition moves a service to a new state, applying mutate (if non-nil) to
// the entry while it holds the write lock. Illegal transitions are rejected.
func (t *StatusTable) Transition(name string, to ServiceState, mutate func(*ServiceStatus)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	services := make([]ServiceStatus, len(cur.Services))
	copy(services, cur.Services)

	for i := range services {
		if services[i].Name != name {
			continue
		}
		from := services[i].State
		if from != to && !canTransition(from, to) {
			return fmt.Errorf("service %q: illegal transition %s → %s", name, from, to)
		}
		if from != to {
			services[i].State = to
			services[i].Since = time.Now()
		}
		if to != StateFailed && to != StateUnhealthy {
			services[i].Error = ""
		}
		if mutate != nil {
			mutate(&services[i])
		}
		t.snap.Store(&StackStatus{Stack: cur.Stack, Services: services})
		return nil
	}
	return fmt.Errorf("unknown service %q", name)
}
