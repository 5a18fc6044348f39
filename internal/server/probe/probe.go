// Package probe implements health checks for managed services. A Checker
// performs one probe; the monitor in package server decides what consecutive
// results mean for a service's state.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/convoyd/convoy/spec"
)

const (
	// StartupInitialInterval is the starting poll interval while waiting
	// for a service to first become healthy.
	StartupInitialInterval = 10 * time.Millisecond

	// StartupMaxInterval is the maximum poll interval after backoff.
	StartupMaxInterval = 1 * time.Second
)

// Checker performs a single health probe against a service endpoint.
type Checker interface {
	Check(ctx context.Context, host string, port int) error
}

// Execer runs a command inside a service's runtime. Implemented by the
// container runtime; used by exec probes.
type Execer interface {
	Exec(ctx context.Context, cmd []string) (exitCode int, err error)
}

// ExecutionError marks a probe that could not run at all, as opposed to one
// that ran and found the service unhealthy. Probe execution failures do not
// count toward a service's failure threshold.
type ExecutionError struct {
	Probe spec.ProbeType
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s probe could not run: %v", e.Probe, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ForService returns the Checker for a service's health configuration.
// execer is required for exec probes and ignored otherwise.
func ForService(svc *spec.Service, execer Execer) (Checker, error) {
	h := svc.Health.WithDefaults(svc)

	switch h.Type {
	case spec.ProbeTCP:
		return &TCP{Timeout: h.Timeout.Duration}, nil
	case spec.ProbeHTTP:
		return &HTTP{Path: h.Path, Timeout: h.Timeout.Duration}, nil
	case spec.ProbeGRPC:
		return &GRPC{Timeout: h.Timeout.Duration}, nil
	case spec.ProbeExec:
		if execer == nil {
			return nil, fmt.Errorf("service %q: exec probe needs a container runtime", svc.Name)
		}
		return &Exec{Command: h.Command, Runtime: execer, Timeout: h.Timeout.Duration}, nil
	case spec.ProbePostgres:
		return &Postgres{
			Username: h.Username,
			Password: h.Password,
			Database: h.Database,
			Timeout:  h.Timeout.Duration,
		}, nil
	case spec.ProbeRedis:
		return &Redis{Password: h.Password, Timeout: h.Timeout.Duration}, nil
	case spec.ProbeKafka:
		return &Kafka{Timeout: h.Timeout.Duration}, nil
	default:
		return nil, fmt.Errorf("service %q: unknown probe type %q", svc.Name, h.Type)
	}
}

// Wait polls checker with exponential backoff until the check succeeds or
// timeout elapses. Used as the startup gate: a service is not considered
// healthy for the first time until Wait returns nil.
//
// If onFailure is non-nil it is called after each failed probe, giving the
// caller a chance to log or emit events.
func Wait(ctx context.Context, checker Checker, host string, port int, timeout time.Duration, onFailure func(err error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := StartupInitialInterval
	var lastErr error

	for {
		if err := checker.Check(ctx, host, port); err == nil {
			return nil
		} else {
			lastErr = err
			if onFailure != nil {
				onFailure(err)
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("not healthy after %s (last error: %v)", timeout, lastErr)
			}
			return fmt.Errorf("health wait: %w", ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > StartupMaxInterval {
			interval = StartupMaxInterval
		}
	}
}
