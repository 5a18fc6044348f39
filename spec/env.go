package spec

import (
	"fmt"
	"sort"
)

// ResolveEnvironment flattens the service's environment map into KEY=VALUE
// pairs. Entries with a nil value are passed through from the host using
// lookup; a missing host variable is an error. Output is sorted so the
// resulting process environment is stable across runs.
func (s *Service) ResolveEnvironment(lookup func(string) (string, bool)) ([]string, error) {
	if len(s.Environment) == 0 {
		return nil, nil
	}

	env := make([]string, 0, len(s.Environment))
	for key, value := range s.Environment {
		if value != nil {
			env = append(env, fmt.Sprintf("%s=%s", key, *value))
			continue
		}
		host, ok := lookup(key)
		if !ok {
			return nil, fmt.Errorf("service %q: environment variable %s not set on host", s.Name, key)
		}
		env = append(env, fmt.Sprintf("%s=%s", key, host))
	}

	sort.Strings(env)
	return env, nil
}

// CheckEnvironment verifies that every passthrough environment variable in
// the stack is actually set on the host. Returns nil or a
// *ConfigurationError, so a stack with env problems is rejected before
// anything starts.
func (s *Stack) CheckEnvironment(lookup func(string) (string, bool)) error {
	var problems []string
	for i := range s.Services {
		if _, err := s.Services[i].ResolveEnvironment(lookup); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{Stack: s.Name, Problems: problems}
}
