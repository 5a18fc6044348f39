package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matgreaves/run"

	"github.com/convoyd/convoy/internal/server"
	"github.com/convoyd/convoy/internal/server/service"
	"github.com/convoyd/convoy/spec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runtimeFunc adapts a function to the service.Runtime interface so tests can
// stand in fake services without Docker or real processes.
type runtimeFunc func(p service.StartParams) run.Runner

func (f runtimeFunc) Runner(p service.StartParams) run.Runner { return f(p) }

// listenOn binds the fake service's first resolved port so its TCP probe
// passes.
func listenOn(p service.StartParams) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.Ports[0].Host))
}

// listenRuntime fakes a well-behaved service: it binds the service's first
// port so TCP probes pass, then runs until cancelled.
func listenRuntime() service.Runtime {
	return runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			<-ctx.Done()
			return ctx.Err()
		})
	})
}

// exitRuntime fakes a service that dies immediately without ever listening.
func exitRuntime(err error) service.Runtime {
	return runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			return err
		})
	})
}

// hangRuntime fakes a service that starts but never becomes healthy.
func hangRuntime() service.Runtime {
	return runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})
}

// perServiceRuntime dispatches to a different fake per service name.
type perServiceRuntime map[string]service.Runtime

func (m perServiceRuntime) Runner(p service.StartParams) run.Runner {
	rt, ok := m[p.Service.Name]
	if !ok {
		rt = listenRuntime()
	}
	return rt.Runner(p)
}

func testRegistry(rt service.Runtime) *service.Registry {
	reg := service.NewRegistry()
	reg.Register("process", rt)
	return reg
}

// freePort reserves an OS-assigned port and releases it for the test service
// to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// fastHealth is a TCP probe tuned for tests: short poll interval, short
// startup window.
func fastHealth(t *testing.T, startTimeout time.Duration) *spec.Health {
	t.Helper()
	return &spec.Health{
		Type:         spec.ProbeTCP,
		Interval:     spec.Duration{Duration: 25 * time.Millisecond},
		Retries:      2,
		StartTimeout: spec.Duration{Duration: startTimeout},
	}
}

func testService(t *testing.T, name string, deps ...string) spec.Service {
	t.Helper()
	return spec.Service{
		Name:      name,
		Command:   []string{"fake"},
		DependsOn: deps,
		Ports:     []spec.Port{{Container: freePort(t)}},
		Health:    fastHealth(t, 5*time.Second),
		Restart:   spec.Restart{Policy: spec.RestartNever},
	}
}

func newTestOrchestrator(t *testing.T, stack *spec.Stack, rt service.Runtime) *server.Orchestrator {
	t.Helper()
	orc, err := server.NewOrchestrator(stack, testRegistry(rt), server.NewEventLog(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return orc
}

// eventSeq returns the sequence number of the first event matching type and
// service, or 0 if absent.
func eventSeq(events []server.Event, typ server.EventType, svc string) uint64 {
	for _, e := range events {
		if e.Type == typ && e.Service == svc {
			return e.Seq
		}
	}
	return 0
}

func waitForState(t *testing.T, orc *server.Orchestrator, name string, state server.ServiceState) server.ServiceStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		for _, s := range orc.Status().Services {
			if s.Name == name && s.State == state {
				return s
			}
		}
		if time.Now().After(deadline) {
			st, _ := statusOf(orc, name)
			t.Fatalf("service %q never reached %s (currently %s, error %q)", name, state, st.State, st.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusOf(orc *server.Orchestrator, name string) (server.ServiceStatus, bool) {
	for _, s := range orc.Status().Services {
		if s.Name == name {
			return s, true
		}
	}
	return server.ServiceStatus{}, false
}

func TestNewOrchestrator_RejectsInvalidStack(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		{Name: "empty"}, // neither image nor command
	}}
	_, err := server.NewOrchestrator(stack, testRegistry(listenRuntime()), server.NewEventLog(), testLogger())
	if err == nil {
		t.Fatal("expected validation error")
	}
	var cfgErr *spec.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestNewOrchestrator_RejectsCycle(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		{Name: "a", Command: []string{"fake"}, DependsOn: []string{"b"}},
		{Name: "b", Command: []string{"fake"}, DependsOn: []string{"a"}},
	}}
	_, err := server.NewOrchestrator(stack, testRegistry(listenRuntime()), server.NewEventLog(), testLogger())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "dependency cycle") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOrchestrator_UpRespectsDependencyOrder(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		testService(t, "web", "api"),
		testService(t, "api", "db"),
		testService(t, "db"),
	}}
	orc := newTestOrchestrator(t, stack, listenRuntime())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"db", "api", "web"} {
		if st, _ := statusOf(orc, name); st.State != server.StateHealthy {
			t.Errorf("%s: expected healthy, got %s", name, st.State)
		}
	}

	// A dependent may only start after its dependency is healthy.
	events := orc.Log().Events()
	for _, edge := range [][2]string{{"db", "api"}, {"api", "web"}} {
		depHealthy := eventSeq(events, server.EventServiceHealthy, edge[0])
		depStarting := eventSeq(events, server.EventServiceStarting, edge[1])
		if depHealthy == 0 || depStarting == 0 {
			t.Fatalf("missing lifecycle events for edge %v", edge)
		}
		if depStarting < depHealthy {
			t.Errorf("%s started (seq %d) before %s was healthy (seq %d)",
				edge[1], depStarting, edge[0], depHealthy)
		}
	}

	if eventSeq(events, server.EventStackUp, "") == 0 {
		t.Error("missing stack.up event")
	}
}

func TestOrchestrator_StartupFailureIsolatesSubtree(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		testService(t, "bad"),
		testService(t, "child", "bad"),
		testService(t, "good"),
	}}
	orc := newTestOrchestrator(t, stack, perServiceRuntime{
		"bad": exitRuntime(errors.New("boom")),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	err := orc.Up(ctx)
	if err == nil {
		t.Fatal("expected Up to report the failed subtree")
	}

	if st, _ := statusOf(orc, "bad"); st.State != server.StateFailed {
		t.Errorf("bad: expected failed, got %s", st.State)
	}
	child, _ := statusOf(orc, "child")
	if child.State != server.StateFailed {
		t.Errorf("child: expected failed, got %s", child.State)
	}
	if !strings.Contains(child.Error, `dependency "bad" failed`) {
		t.Errorf("child: expected dependency failure, got %q", child.Error)
	}
	// The independent subtree is untouched.
	if st, _ := statusOf(orc, "good"); st.State != server.StateHealthy {
		t.Errorf("good: expected healthy, got %s", st.State)
	}

	// Events confirm the child never attempted to start.
	if seq := eventSeq(orc.Log().Events(), server.EventServiceStarting, "child"); seq != 0 {
		t.Errorf("child published service.starting (seq %d) despite failed dependency", seq)
	}
	if eventSeq(orc.Log().Events(), server.EventStackUp, "") != 0 {
		t.Error("stack.up published despite startup failures")
	}
}

func TestOrchestrator_StartupTimeout(t *testing.T) {
	svc := testService(t, "slow")
	svc.Health = fastHealth(t, 150*time.Millisecond)
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, hangRuntime())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := orc.Up(ctx)
	if err == nil {
		t.Fatal("expected startup timeout")
	}

	st, _ := statusOf(orc, "slow")
	if st.State != server.StateFailed {
		t.Errorf("expected failed, got %s", st.State)
	}
	if !strings.Contains(st.Error, "not healthy after") {
		t.Errorf("expected timeout in status error, got %q", st.Error)
	}
}

func TestOrchestrator_RestartOnFailureRecovers(t *testing.T) {
	crash := make(chan struct{})
	var runs atomic.Int32

	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			n := runs.Add(1)
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			if n == 1 {
				select {
				case <-crash:
					return errors.New("segfault")
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			<-ctx.Done()
			return ctx.Err()
		})
	})

	svc := testService(t, "app")
	svc.Restart = spec.Restart{
		Policy:     spec.RestartOnFailure,
		MaxRetries: 2,
		Backoff:    spec.Duration{Duration: 10 * time.Millisecond},
	}
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	close(crash)

	// Wait for the service to come back: healthy again with the restart
	// recorded. Checking state alone would race the crash propagating.
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, _ := statusOf(orc, "app")
		if st.State == server.StateHealthy && st.Restarts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never recovered: state %s, restarts %d, error %q",
				st.State, st.Restarts, st.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := orc.Log().Events()
	if eventSeq(events, server.EventServiceUnhealthy, "app") == 0 {
		t.Error("missing service.unhealthy event for the crash")
	}
	if eventSeq(events, server.EventServiceRestarting, "app") == 0 {
		t.Error("missing service.restarting event")
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runtime runs, got %d", got)
	}
}

func TestOrchestrator_RestartBudgetExhausted(t *testing.T) {
	crash := make(chan struct{})
	var runs atomic.Int32

	// First run becomes healthy then crashes; every retry dies immediately.
	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			if runs.Add(1) > 1 {
				return errors.New("segfault")
			}
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			select {
			case <-crash:
				return errors.New("segfault")
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	svc := testService(t, "app")
	svc.Restart = spec.Restart{
		Policy:     spec.RestartOnFailure,
		MaxRetries: 1,
		Backoff:    spec.Duration{Duration: 5 * time.Millisecond},
	}
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	close(crash)

	st := waitForState(t, orc, "app", server.StateFailed)
	if !strings.Contains(st.Error, "restart attempts") {
		t.Errorf("expected restart budget in status error, got %q", st.Error)
	}
	if st.Restarts != 1 {
		t.Errorf("expected 1 recorded restart, got %d", st.Restarts)
	}
}

func TestOrchestrator_RestartNeverFailsOnCrash(t *testing.T) {
	crash := make(chan struct{})
	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			select {
			case <-crash:
				return errors.New("segfault")
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	svc := testService(t, "app") // restart policy: never
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	close(crash)

	waitForState(t, orc, "app", server.StateFailed)
	if eventSeq(orc.Log().Events(), server.EventServiceRestarting, "app") != 0 {
		t.Error("service restarted despite restart: never")
	}
}

func TestOrchestrator_CleanExitStopsService(t *testing.T) {
	// A healthy service exiting with code 0 is a stop, not a failure: only
	// restart: always brings it back.
	for _, policy := range []spec.RestartPolicy{spec.RestartNever, spec.RestartOnFailure} {
		t.Run(string(policy), func(t *testing.T) {
			exit := make(chan struct{})
			var runs atomic.Int32

			rt := runtimeFunc(func(p service.StartParams) run.Runner {
				return run.Func(func(ctx context.Context) error {
					runs.Add(1)
					ln, err := listenOn(p)
					if err != nil {
						return err
					}
					defer ln.Close()
					select {
					case <-exit:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			})

			svc := testService(t, "app")
			svc.Restart = spec.Restart{
				Policy:     policy,
				MaxRetries: 2,
				Backoff:    spec.Duration{Duration: 5 * time.Millisecond},
			}
			stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
			orc := newTestOrchestrator(t, stack, rt)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := orc.Up(ctx); err != nil {
				t.Fatal(err)
			}

			close(exit)

			st := waitForState(t, orc, "app", server.StateStopped)
			if st.Error != "" {
				t.Errorf("expected clean stop, got error %q", st.Error)
			}
			if got := runs.Load(); got != 1 {
				t.Errorf("expected 1 runtime run, got %d", got)
			}

			events := orc.Log().Events()
			if eventSeq(events, server.EventServiceStopped, "app") == 0 {
				t.Error("missing service.stopped event")
			}
			if seq := eventSeq(events, server.EventServiceRestarting, "app"); seq != 0 {
				t.Errorf("service restarted (seq %d) after a clean exit", seq)
			}
			if seq := eventSeq(events, server.EventServiceUnhealthy, "app"); seq != 0 {
				t.Errorf("clean exit published service.unhealthy (seq %d)", seq)
			}
		})
	}
}

func TestOrchestrator_RestartAlwaysRevivesCleanExit(t *testing.T) {
	exit := make(chan struct{})
	var runs atomic.Int32

	// First run exits cleanly on signal; the replacement stays up.
	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			n := runs.Add(1)
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			if n == 1 {
				select {
				case <-exit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			<-ctx.Done()
			return ctx.Err()
		})
	})

	svc := testService(t, "app")
	svc.Restart = spec.Restart{
		Policy:     spec.RestartAlways,
		MaxRetries: 2,
		Backoff:    spec.Duration{Duration: 5 * time.Millisecond},
	}
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	close(exit)

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, _ := statusOf(orc, "app")
		if st.State == server.StateHealthy && st.Restarts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never came back: state %s, restarts %d, error %q",
				st.State, st.Restarts, st.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := orc.Log().Events()
	if eventSeq(events, server.EventServiceRestarting, "app") == 0 {
		t.Error("missing service.restarting event")
	}
	if seq := eventSeq(events, server.EventServiceUnhealthy, "app"); seq != 0 {
		t.Errorf("clean exit published service.unhealthy (seq %d)", seq)
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runtime runs, got %d", got)
	}
}

func TestOrchestrator_DownStopsInReverseOrder(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		testService(t, "db"),
		testService(t, "api", "db"),
	}}
	orc := newTestOrchestrator(t, stack, listenRuntime())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}
	if err := orc.Down(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"db", "api"} {
		if st, _ := statusOf(orc, name); st.State != server.StateStopped {
			t.Errorf("%s: expected stopped, got %s", name, st.State)
		}
	}

	events := orc.Log().Events()
	apiStopped := eventSeq(events, server.EventServiceStopped, "api")
	dbStopped := eventSeq(events, server.EventServiceStopped, "db")
	if apiStopped == 0 || dbStopped == 0 {
		t.Fatal("missing service.stopped events")
	}
	if apiStopped > dbStopped {
		t.Errorf("api stopped (seq %d) after db (seq %d); teardown must run in reverse order",
			apiStopped, dbStopped)
	}
	if eventSeq(events, server.EventStackDown, "") == 0 {
		t.Error("missing stack.down event")
	}
}

func TestOrchestrator_ManualRestart(t *testing.T) {
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{
		testService(t, "app"),
		testService(t, "other"),
	}}
	orc := newTestOrchestrator(t, stack, listenRuntime())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	if err := orc.Restart(ctx, "app"); err != nil {
		t.Fatal(err)
	}

	if st, _ := statusOf(orc, "app"); st.State != server.StateHealthy {
		t.Errorf("app: expected healthy after restart, got %s", st.State)
	}
	if st, _ := statusOf(orc, "other"); st.State != server.StateHealthy {
		t.Errorf("other: expected untouched, got %s", st.State)
	}

	events := orc.Log().Events()
	if eventSeq(events, server.EventServiceRestarting, "app") == 0 {
		t.Error("missing service.restarting event")
	}
	if eventSeq(events, server.EventServiceStopped, "app") == 0 {
		t.Error("missing service.stopped event for the old instance")
	}

	if err := orc.Restart(ctx, "nope"); err == nil {
		t.Error("expected error restarting unknown service")
	}
}

func TestOrchestrator_ConcurrentRestartsDoNotLeakRunners(t *testing.T) {
	var active, maxActive atomic.Int32

	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			<-ctx.Done()
			return ctx.Err()
		})
	})

	stack := &spec.Stack{Name: "demo", Services: []spec.Service{testService(t, "app")}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = orc.Restart(ctx, "app")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("restart %d: %v", i, err)
		}
	}

	if st, _ := statusOf(orc, "app"); st.State != server.StateHealthy {
		t.Errorf("app: expected healthy after restarts, got %s", st.State)
	}
	if got := maxActive.Load(); got > 1 {
		t.Errorf("%d runtime instances ran at once; a restart must replace the old instance", got)
	}

	if err := orc.Down(ctx); err != nil {
		t.Fatal(err)
	}
	if got := active.Load(); got != 0 {
		t.Errorf("%d runtime instances still running after down", got)
	}
}

func TestOrchestrator_ProbeFailuresTripUnhealthy(t *testing.T) {
	sick := make(chan struct{})

	// The runtime stays up but its listener goes away, so steady-state
	// probes start failing while the process itself keeps running.
	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			select {
			case <-sick:
				ln.Close()
			case <-ctx.Done():
				ln.Close()
				return ctx.Err()
			}
			<-ctx.Done()
			return ctx.Err()
		})
	})

	svc := testService(t, "app") // restart policy: never, retries: 2
	stack := &spec.Stack{Name: "demo", Services: []spec.Service{svc}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	close(sick)

	st := waitForState(t, orc, "app", server.StateFailed)
	if !strings.Contains(st.Error, "consecutive probe failures") {
		t.Errorf("expected probe threshold in status error, got %q", st.Error)
	}

	events := orc.Log().Events()
	if eventSeq(events, server.EventProbeFailed, "app") == 0 {
		t.Error("missing probe.failed events")
	}
	if eventSeq(events, server.EventServiceUnhealthy, "app") == 0 {
		t.Error("missing service.unhealthy event")
	}
}

func TestOrchestrator_ServiceLogsReachEventLog(t *testing.T) {
	rt := runtimeFunc(func(p service.StartParams) run.Runner {
		return run.Func(func(ctx context.Context) error {
			ln, err := listenOn(p)
			if err != nil {
				return err
			}
			defer ln.Close()
			fmt.Fprintf(p.Stdout, "listening on %d\n", p.Ports[0].Host)
			<-ctx.Done()
			return ctx.Err()
		})
	})

	stack := &spec.Stack{Name: "demo", Services: []spec.Service{testService(t, "app")}}
	orc := newTestOrchestrator(t, stack, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer orc.Down(context.Background())

	if err := orc.Up(ctx); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, e := range orc.Log().Events() {
		if e.Type == server.EventServiceLog && e.Service == "app" {
			if e.Log == nil || e.Log.Stream != "stdout" || !strings.Contains(e.Log.Data, "listening on") {
				t.Errorf("unexpected log event: %+v", e.Log)
			}
			found = true
		}
	}
	if !found {
		t.Error("service output never reached the event log")
	}
}
