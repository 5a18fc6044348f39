package server

import (
	"fmt"
	"time"
)

// StartupTimeoutError reports a service that never became healthy within its
// start timeout. The service and any services depending on it are marked
// Failed; independent subtrees are unaffected.
type StartupTimeoutError struct {
	Service string
	Timeout time.Duration
	Last    error // last probe error, if any
}

func (e *StartupTimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("service %q: not healthy after %s (last error: %v)", e.Service, e.Timeout, e.Last)
	}
	return fmt.Sprintf("service %q: not healthy after %s", e.Service, e.Timeout)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Last }

// DependencyFailedError reports a service that never started because one of
// its dependencies failed first.
type DependencyFailedError struct {
	Service    string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("service %q: dependency %q failed", e.Service, e.Dependency)
}

// RestartLimitExceeded reports a service whose consecutive restart attempts
// ran out. The service is marked Failed and left down until an explicit
// restart resets its budget.
type RestartLimitExceeded struct {
	Service  string
	Attempts int
	Last     error // error from the final attempt
}

func (e *RestartLimitExceeded) Error() string {
	return fmt.Sprintf("service %q: failed after %d restart attempts (last error: %v)", e.Service, e.Attempts, e.Last)
}

func (e *RestartLimitExceeded) Unwrap() error { return e.Last }

// UnhealthyError reports a running service that crossed its consecutive
// probe-failure threshold. Internal to the supervisor loop: the restart
// policy decides whether it becomes a restart or a Failed state.
type UnhealthyError struct {
	Service  string
	Failures int
	Last     error
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("service %q: unhealthy after %d consecutive probe failures (last error: %v)", e.Service, e.Failures, e.Last)
}

func (e *UnhealthyError) Unwrap() error { return e.Last }
