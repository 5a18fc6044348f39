// Package spec defines the declarative stack descriptor: the set of services
// convoy manages, their dependency edges, health checks, and restart policies.
// A Stack is immutable after load; the orchestrator never writes back into it.
package spec

// Stack is the top-level descriptor loaded from a stack file. Services keep
// their declaration order; the dependency resolver uses it to break ties so
// start order is deterministic across runs.
type Stack struct {
	// Name identifies the stack. Used for container naming and log output.
	Name string `yaml:"name" json:"name"`

	// Services in declaration order.
	Services []Service `yaml:"-" json:"services"`
}

// Service returns the service with the given name, or nil if not declared.
func (s *Stack) Service(name string) *Service {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i]
		}
	}
	return nil
}

// Names returns all service names in declaration order.
func (s *Stack) Names() []string {
	names := make([]string, len(s.Services))
	for i := range s.Services {
		names[i] = s.Services[i].Name
	}
	return names
}
