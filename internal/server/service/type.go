// Package service implements the runtimes that actually run a stack's
// services: Docker containers for services with an image, host processes for
// bare commands.
package service

import (
	"fmt"
	"io"
	"strings"

	"github.com/convoyd/convoy/spec"
	"github.com/matgreaves/run"
)

// StartParams provides the context needed to run a service.
type StartParams struct {
	Stack   string
	Service spec.Service

	// Ports are the service's port mappings with host ports resolved.
	// Dynamic (zero) host ports have been replaced by allocated ones.
	Ports []spec.Port

	// Env is the resolved "KEY=VALUE" environment for the service.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Runtime turns a service definition into something that runs. The returned
// runner blocks until the service exits or ctx is cancelled; cancellation
// must tear the service down.
type Runtime interface {
	Runner(params StartParams) run.Runner
}

// Registry maps runtime names to their implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with no runtimes registered.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime to the registry.
func (r *Registry) Register(name string, rt Runtime) {
	r.runtimes[name] = rt
}

// Get returns the runtime for the given name, or an error if not found.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime: %q", name)
	}
	return rt, nil
}

// ForService returns the registry name of the runtime a service needs:
// "container" when an image is set, "process" otherwise.
func ForService(svc *spec.Service) string {
	if svc.Image != "" {
		return "container"
	}
	return "process"
}

// envSliceToMap converts "KEY=VALUE" pairs into a map.
func envSliceToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
