// Package order computes the start order of a stack from its dependency
// edges. A service starts only after everything it depends on, and ties
// between independent services resolve to declaration order so the plan is
// identical across runs.
package order

import (
	"fmt"
	"strings"

	"github.com/convoyd/convoy/spec"
)

// CycleError reports a dependency cycle. Services holds the cycle path in
// dependency order, with the first service repeated at the end.
type CycleError struct {
	Services []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Services, " → "))
}

// Resolve returns the stack's services in start order: every service appears
// after all of its dependencies, and services with no ordering constraint
// between them keep their declaration order. Returns a *CycleError if the
// dependency graph has a cycle. Unknown depends_on references are Validate's
// concern and are ignored here.
func Resolve(st *spec.Stack) ([]string, error) {
	names := st.Names()
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}

	indegree := make(map[string]int, len(names))
	for _, svc := range st.Services {
		for _, dep := range svc.DependsOn {
			if known[dep] {
				indegree[svc.Name]++
			}
		}
	}

	// Kahn's algorithm, but instead of a queue we rescan the declaration
	// list each round and take the first unemitted service whose
	// dependencies are all satisfied. That makes declaration order the
	// tie-breaker for free.
	emitted := make(map[string]bool, len(names))
	result := make([]string, 0, len(names))

	for len(result) < len(names) {
		progress := false
		for _, name := range names {
			if emitted[name] || indegree[name] > 0 {
				continue
			}
			emitted[name] = true
			result = append(result, name)
			progress = true
			for _, svc := range st.Services {
				for _, dep := range svc.DependsOn {
					if dep == name {
						indegree[svc.Name]--
					}
				}
			}
			break
		}
		if !progress {
			return nil, &CycleError{Services: findCycle(st, emitted)}
		}
	}

	return result, nil
}

// findCycle locates one cycle among the services Kahn could not emit and
// returns its path, closed by repeating the first service.
func findCycle(st *spec.Stack, emitted map[string]bool) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(st.Services))
	parent := make(map[string]string, len(st.Services))

	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		state[name] = visiting

		for _, dep := range st.Service(name).DependsOn {
			if st.Service(dep) == nil {
				continue // broken ref, caught by Validate
			}
			switch state[dep] {
			case visiting:
				// Walk parents back from name to dep to recover the path.
				path := []string{name}
				for cur := name; cur != dep; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, path[0])
				return true
			case unvisited:
				parent[dep] = name
				if dfs(dep) {
					return true
				}
			}
		}

		state[name] = visited
		return false
	}

	for _, name := range st.Names() {
		if emitted[name] || state[name] != unvisited {
			continue
		}
		if dfs(name) {
			return cycle
		}
	}
	return nil
}
