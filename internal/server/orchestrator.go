package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/matgreaves/run"

	"github.com/convoyd/convoy/internal/order"
	"github.com/convoyd/convoy/internal/server/probe"
	"github.com/convoyd/convoy/internal/server/service"
	"github.com/convoyd/convoy/spec"
)

// maxRestartBackoff caps the doubling delay between restart attempts.
const maxRestartBackoff = 30 * time.Second

// Orchestrator drives a stack: it starts services in dependency order, gates
// each on its dependencies' health, supervises restarts, and tears the stack
// down in reverse order. One Orchestrator manages one stack for the lifetime
// of the daemon.
type Orchestrator struct {
	stack      *spec.Stack
	registry   *service.Registry
	ports      *PortAllocator
	log        *EventLog
	table      *StatusTable
	logger     *slog.Logger
	startOrder []string

	mu          sync.Mutex
	supervisors map[string]*supervisor
	runCtx      context.Context // daemon-lifetime context, set by Up

	// restartLocks serializes Restart per service so two concurrent requests
	// cannot both replace the same supervisor and orphan one of them. Built
	// once at construction, read-only afterwards.
	restartLocks map[string]*sync.Mutex
}

// NewOrchestrator validates the stack, resolves its start order, and prepares
// supervision state. Nothing runs until Up is called.
func NewOrchestrator(stack *spec.Stack, registry *service.Registry, log *EventLog, logger *slog.Logger) (*Orchestrator, error) {
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	startOrder, err := order.Resolve(stack)
	if err != nil {
		return nil, err
	}

	restartLocks := make(map[string]*sync.Mutex, len(startOrder))
	for _, name := range startOrder {
		restartLocks[name] = &sync.Mutex{}
	}

	return &Orchestrator{
		stack:        stack,
		registry:     registry,
		ports:        NewPortAllocator(),
		log:          log,
		table:        NewStatusTable(stack.Name, startOrder),
		logger:       logger,
		startOrder:   startOrder,
		supervisors:  make(map[string]*supervisor),
		restartLocks: restartLocks,
	}, nil
}

// StartOrder returns the resolved start order.
func (o *Orchestrator) StartOrder() []string { return o.startOrder }

// Status returns the current stack status snapshot.
func (o *Orchestrator) Status() *StackStatus { return o.table.Snapshot() }

// Log returns the orchestrator's event log.
func (o *Orchestrator) Log() *EventLog { return o.log }

// Up starts every service. Supervisors launch in start order and each gates
// on its dependencies becoming Healthy, so independent subtrees start
// concurrently while every dependency edge is respected.
//
// Up blocks until every service is Healthy or has failed startup. A failure
// stops only the subtree depending on the failed service; healthy subtrees
// keep running, and the returned error reports what failed.
func (o *Orchestrator) Up(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	ready := make(map[string]<-chan error, len(o.startOrder))
	for _, name := range o.startOrder {
		sup, err := o.newSupervisor(name)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.supervisors[name] = sup
		o.mu.Unlock()
		ready[name] = sup.start(ctx)
	}

	var errs []error
	for _, name := range o.startOrder {
		select {
		case err := <-ready[name]:
			if err != nil && ctx.Err() == nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	o.log.Publish(Event{Type: EventStackUp, Stack: o.stack.Name})
	return nil
}

// Down stops every service in reverse start order, waiting for each to fully
// stop before moving to the next so dependencies outlive their dependents.
func (o *Orchestrator) Down(ctx context.Context) error {
	for i := len(o.startOrder) - 1; i >= 0; i-- {
		name := o.startOrder[i]
		o.mu.Lock()
		sup := o.supervisors[name]
		o.mu.Unlock()
		if sup == nil {
			continue
		}
		sup.stop()
		select {
		case <-sup.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.log.Publish(Event{Type: EventStackDown, Stack: o.stack.Name})
	return nil
}

// Restart stops one service and starts it fresh with a reset restart budget.
// Dependent services are not touched; their own probes notice any blip.
// Blocks until the service is Healthy again or fails startup.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	lock, ok := o.restartLocks[name]
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	sup := o.supervisors[name]
	runCtx := o.runCtx
	o.mu.Unlock()
	if sup == nil {
		return fmt.Errorf("unknown service %q", name)
	}
	if runCtx == nil {
		return fmt.Errorf("stack is not running")
	}

	sup.stop()
	select {
	case <-sup.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	fresh, err := o.newSupervisor(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.supervisors[name] = fresh
	o.mu.Unlock()

	o.log.Publish(Event{Type: EventServiceRestarting, Stack: o.stack.Name, Service: name})

	// The fresh supervisor lives on the daemon context, not the request's.
	ready := fresh.start(runCtx)
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) newSupervisor(name string) (*supervisor, error) {
	svc := o.stack.Service(name)
	if svc == nil {
		return nil, fmt.Errorf("unknown service %q", name)
	}

	runtime, err := o.registry.Get(service.ForService(svc))
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", name, err)
	}

	var execer probe.Execer
	if svc.Image != "" {
		execer = &service.ContainerExec{Stack: o.stack.Name, Service: name}
	}
	checker, err := probe.ForService(svc, execer)
	if err != nil {
		return nil, err
	}

	return &supervisor{
		o:       o,
		name:    name,
		svc:     svc,
		health:  svc.Health.WithDefaults(svc),
		restart: svc.Restart.WithDefaults(),
		runtime: runtime,
		checker: checker,
	}, nil
}

// supervisor owns the lifecycle of a single service: dependency gating, the
// runtime process/container, health probing, and the restart loop.
type supervisor struct {
	o       *Orchestrator
	name    string
	svc     *spec.Service
	health  spec.Health
	restart spec.Restart
	runtime service.Runtime
	checker probe.Checker

	cancel context.CancelFunc
	done   chan struct{}
}

// start launches the supervisor. The returned channel receives exactly one
// value: nil once the service first becomes Healthy, or the startup error.
func (s *supervisor) start(parent context.Context) <-chan error {
	ready := make(chan error, 1)
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.supervise(ctx, ready)
	return ready
}

// stop signals teardown. The supervisor is fully stopped when done closes.
func (s *supervisor) stop() {
	if st, ok := s.o.table.Get(s.name); ok && (st.State == StateHealthy || st.State == StateStarting || st.State == StateUnhealthy) {
		s.o.log.Publish(Event{Type: EventServiceStopping, Stack: s.o.stack.Name, Service: s.name})
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *supervisor) supervise(ctx context.Context, ready chan<- error) {
	defer close(s.done)

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			ready <- err
		}
	}

	if err := s.waitForDeps(ctx); err != nil {
		if ctx.Err() != nil {
			s.finishStopped()
			report(ctx.Err())
			return
		}
		s.fail(err)
		report(err)
		return
	}

	attempt := 0 // consecutive failed attempts since last Healthy
	backoff := s.restart.Backoff.Duration

	for {
		var healthy bool
		err := s.runOnce(ctx, &healthy, func() {
			attempt = 0
			backoff = s.restart.Backoff.Duration
			report(nil)
		})

		if ctx.Err() != nil {
			s.finishStopped()
			report(ctx.Err())
			return
		}

		if !healthy && attempt == 0 {
			// Never became healthy on the first try: startup failure.
			// The restart policy only applies after a service has been
			// Healthy at least once.
			if err == nil {
				err = fmt.Errorf("service %q: exited before becoming healthy", s.name)
			}
			s.fail(err)
			report(err)
			return
		}

		if healthy && err != nil {
			// Was healthy, now it is not: probe threshold crossed or
			// the runtime died underneath us.
			s.o.table.Transition(s.name, StateUnhealthy, func(st *ServiceStatus) {
				st.Error = stripRunPrefixes(err.Error())
			})
			s.o.log.Publish(Event{
				Type:    EventServiceUnhealthy,
				Stack:   s.o.stack.Name,
				Service: s.name,
				Error:   stripRunPrefixes(err.Error()),
			})
		}

		// Restart policy decision.
		switch {
		case err == nil && s.restart.Policy != spec.RestartAlways:
			// Clean exit: nothing to restart.
			s.finishStopped()
			report(nil)
			return
		case err != nil && s.restart.Policy == spec.RestartNever:
			s.fail(err)
			report(err)
			return
		}

		attempt++
		if attempt > s.restart.MaxRetries {
			limitErr := &RestartLimitExceeded{Service: s.name, Attempts: attempt - 1, Last: err}
			s.fail(limitErr)
			report(limitErr)
			return
		}

		s.o.logger.Info("restarting service",
			"service", s.name, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			s.finishStopped()
			report(ctx.Err())
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}

		s.o.log.Publish(Event{Type: EventServiceRestarting, Stack: s.o.stack.Name, Service: s.name})
		s.o.table.Transition(s.name, StateStarting, func(st *ServiceStatus) {
			st.Restarts++
		})
	}
}

// runOnce starts the service runtime and its health lifecycle, and blocks
// until one of them finishes. *healthy is set once the service passes its
// startup gate; onHealthy fires at the same moment.
func (s *supervisor) runOnce(ctx context.Context, healthy *bool, onHealthy func()) error {
	if err := s.o.table.Transition(s.name, StateStarting, nil); err != nil {
		return err
	}
	s.o.log.Publish(Event{Type: EventServiceStarting, Stack: s.o.stack.Name, Service: s.name})

	ports, err := s.resolvePorts()
	if err != nil {
		return err
	}
	defer s.o.ports.Release(s.name)

	s.o.table.Transition(s.name, StateStarting, func(st *ServiceStatus) {
		st.Ports = ports
	})

	env, err := s.svc.ResolveEnvironment(os.LookupEnv)
	if err != nil {
		return err
	}

	runner := s.runtime.Runner(service.StartParams{
		Stack:   s.o.stack.Name,
		Service: *s.svc,
		Ports:   ports,
		Env:     env,
		Stdout:  &logWriter{log: s.o.log, stack: s.o.stack.Name, service: s.name, stream: "stdout"},
		Stderr:  &logWriter{log: s.o.log, stack: s.o.stack.Name, service: s.name, stream: "stderr"},
	})

	probePort := probeHostPort(ports, s.health.Port)

	health := run.Func(func(ctx context.Context) error {
		onFailure := func(err error) {
			s.o.logger.Debug("startup probe failed", "service", s.name, "error", err)
		}
		if err := probe.Wait(ctx, s.checker, "127.0.0.1", probePort, s.health.StartTimeout.Duration, onFailure); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StartupTimeoutError{Service: s.name, Timeout: s.health.StartTimeout.Duration, Last: err}
		}

		*healthy = true
		s.o.table.Transition(s.name, StateHealthy, nil)
		s.o.log.Publish(Event{Type: EventServiceHealthy, Stack: s.o.stack.Name, Service: s.name})
		s.o.logger.Info("service healthy", "service", s.name)
		onHealthy()

		mon := &monitor{
			stack:    s.o.stack.Name,
			service:  s.name,
			checker:  s.checker,
			host:     "127.0.0.1",
			port:     probePort,
			interval: s.health.Interval.Duration,
			retries:  s.health.Retries,
			log:      s.o.log,
			logger:   s.o.logger,
		}
		return mon.run(ctx)
	})

	// Run the service and its health lifecycle in parallel. If the runtime
	// dies, the group cancels the health side; if the health side reports
	// failure, the group kills the runtime.
	err = run.Group{
		"runner": runner,
		"health": health,
	}.Run(ctx)

	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, run.ErrExited):
		// A member finished with nil. The health side never returns nil
		// on its own, so this is the runner exiting cleanly.
		return nil
	}
	return err
}

// waitForDeps blocks until every dependency is Healthy. Fails fast if a
// dependency fails or stops instead.
func (s *supervisor) waitForDeps(ctx context.Context) error {
	for _, dep := range s.svc.DependsOn {
		if st, ok := s.o.table.Get(dep); ok {
			switch st.State {
			case StateHealthy:
				continue
			case StateFailed, StateStopped:
				return &DependencyFailedError{Service: s.name, Dependency: dep}
			}
		}

		ev, err := s.o.log.WaitFor(ctx, func(e Event) bool {
			return e.Service == dep &&
				(e.Type == EventServiceHealthy || e.Type == EventServiceFailed || e.Type == EventServiceStopped)
		})
		if err != nil {
			return err
		}
		if ev.Type != EventServiceHealthy {
			return &DependencyFailedError{Service: s.name, Dependency: dep}
		}
	}
	return nil
}

// resolvePorts returns the service's port mappings with concrete host ports.
// Container services get OS-allocated ports for dynamic mappings; process
// services bind their declared port themselves, so the container port is the
// host port.
func (s *supervisor) resolvePorts() ([]spec.Port, error) {
	if len(s.svc.Ports) == 0 {
		return nil, nil
	}

	ports := make([]spec.Port, len(s.svc.Ports))
	copy(ports, s.svc.Ports)

	if s.svc.Image == "" {
		for i := range ports {
			if ports[i].Host == 0 {
				ports[i].Host = ports[i].Container
			}
		}
		return ports, nil
	}

	var dynamic []int
	for i := range ports {
		if ports[i].Host == 0 {
			dynamic = append(dynamic, i)
		}
	}
	if len(dynamic) > 0 {
		allocated, err := s.o.ports.Allocate(s.name, len(dynamic))
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", s.name, err)
		}
		for j, i := range dynamic {
			ports[i].Host = allocated[j]
		}
	}
	return ports, nil
}

func (s *supervisor) fail(err error) {
	msg := stripRunPrefixes(err.Error())
	s.o.table.Transition(s.name, StateFailed, func(st *ServiceStatus) {
		st.Error = msg
	})
	s.o.log.Publish(Event{
		Type:    EventServiceFailed,
		Stack:   s.o.stack.Name,
		Service: s.name,
		Error:   msg,
	})
	s.o.logger.Error("service failed", "service", s.name, "error", msg)
}

func (s *supervisor) finishStopped() {
	s.o.table.Transition(s.name, StateStopped, nil)
	s.o.log.Publish(Event{Type: EventServiceStopped, Stack: s.o.stack.Name, Service: s.name})
}

// probeHostPort maps the probed container port to its host port. Falls back
// to the port itself when no mapping declares it.
func probeHostPort(ports []spec.Port, containerPort int) int {
	for _, p := range ports {
		if p.Container == containerPort {
			return p.Host
		}
	}
	return containerPort
}

// runPrefixRE matches the error prefixes added by run.Sequence and run.Group.
// These are orchestration details (step indices, group names) that obscure
// the actual failure cause in user-facing output.
var runPrefixRE = regexp.MustCompile(`^(sequence \[\d+:\d+\]: |run\.Group\[[^\]]+\]: )+`)

// stripRunPrefixes removes leading run.Sequence/run.Group error prefixes,
// leaving only the domain error message.
func stripRunPrefixes(s string) string {
	return runPrefixRE.ReplaceAllString(s, "")
}
