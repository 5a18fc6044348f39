package spec

import (
	"fmt"
	"strings"
)

// ConfigurationError aggregates every structural problem found in a stack so
// the user can fix them in one pass. Configuration errors abort before any
// service starts.
type ConfigurationError struct {
	Stack    string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("stack %q: %s", e.Stack, e.Problems[0])
	}
	return fmt.Sprintf("stack %q: %d configuration errors:\n  %s",
		e.Stack, len(e.Problems), strings.Join(e.Problems, "\n  "))
}

// Validate checks the stack for structural errors. Returns nil or a
// *ConfigurationError listing all problems found. Dependency cycles are the
// resolver's concern, not Validate's.
func (s *Stack) Validate() error {
	var problems []string

	if s.Name == "" {
		problems = append(problems, "stack name is required")
	}
	if len(s.Services) == 0 {
		problems = append(problems, "stack must declare at least one service")
	}

	hostPorts := make(map[int]string)

	for i := range s.Services {
		svc := &s.Services[i]
		problems = append(problems, validateService(svc, s)...)

		for _, p := range svc.Ports {
			if p.Host == 0 {
				continue
			}
			if owner, ok := hostPorts[p.Host]; ok {
				problems = append(problems, fmt.Sprintf(
					"service %q: host port %d already bound by service %q", svc.Name, p.Host, owner))
				continue
			}
			hostPorts[p.Host] = svc.Name
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{Stack: s.Name, Problems: problems}
}

func validateService(svc *Service, stack *Stack) []string {
	var problems []string

	if svc.Image == "" && len(svc.Command) == 0 {
		problems = append(problems, fmt.Sprintf(
			"service %q: needs an image or a command", svc.Name))
	}

	for _, dep := range svc.DependsOn {
		if dep == svc.Name {
			problems = append(problems, fmt.Sprintf(
				"service %q: cannot depend on itself", svc.Name))
			continue
		}
		if stack.Service(dep) == nil {
			msg := fmt.Sprintf("service %q: depends on unknown service %q", svc.Name, dep)
			if suggestion := closestMatch(dep, stack.Names()); suggestion != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			problems = append(problems, msg)
		}
	}

	for _, p := range svc.Ports {
		if p.Container <= 0 {
			problems = append(problems, fmt.Sprintf(
				"service %q: port mapping missing container port", svc.Name))
		}
	}

	for _, v := range svc.Volumes {
		if host, container, ok := strings.Cut(v, ":"); !ok || host == "" || container == "" {
			problems = append(problems, fmt.Sprintf(
				"service %q: volume %q must be \"host:container\"", svc.Name, v))
		}
	}

	problems = append(problems, validateHealth(svc)...)

	if svc.Restart.Policy != "" && !svc.Restart.Policy.Valid() {
		problems = append(problems, fmt.Sprintf(
			"service %q: invalid restart policy %q (must be one of: never, on-failure, always)",
			svc.Name, svc.Restart.Policy))
	}
	if svc.Restart.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf(
			"service %q: restart max_retries must not be negative", svc.Name))
	}

	return problems
}

func validateHealth(svc *Service) []string {
	h := svc.Health
	if h == nil {
		return nil
	}

	var problems []string

	if h.Type != "" && !h.Type.Valid() {
		valid := make([]string, 0, len(ValidProbeTypes()))
		for _, t := range ValidProbeTypes() {
			valid = append(valid, string(t))
		}
		problems = append(problems, fmt.Sprintf(
			"service %q: invalid health type %q (must be one of: %s)",
			svc.Name, h.Type, strings.Join(valid, ", ")))
	}

	if h.Type == ProbeExec && len(h.Command) == 0 {
		problems = append(problems, fmt.Sprintf(
			"service %q: exec health check requires a command", svc.Name))
	}
	if h.Type == ProbeExec && svc.Image == "" {
		problems = append(problems, fmt.Sprintf(
			"service %q: exec health checks run inside containers; service has no image", svc.Name))
	}

	// Network probes need a port to dial.
	switch h.Type {
	case ProbeTCP, ProbeHTTP, ProbeGRPC, ProbePostgres, ProbeRedis, ProbeKafka:
		if h.Port == 0 && len(svc.Ports) == 0 {
			problems = append(problems, fmt.Sprintf(
				"service %q: %s health check needs a port (declare ports or set health.port)",
				svc.Name, h.Type))
		}
	}

	if h.Retries < 0 {
		problems = append(problems, fmt.Sprintf(
			"service %q: health retries must not be negative", svc.Name))
	}

	return problems
}

// closestMatch returns the candidate closest to target using simple edit
// distance, or "" if nothing is within half the target's length.
func closestMatch(target string, candidates []string) string {
	best := ""
	bestDist := len(target)/2 + 1

	for _, name := range candidates {
		if d := editDistance(target, name); d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
