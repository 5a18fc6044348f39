package spec

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service defines a single managed service. Exactly one of Image or Command
// selects the runtime: Image runs a Docker container (Command then overrides
// the image's default command), a bare Command runs a host process.
type Service struct {
	// Name is the service's unique key in the stack file.
	Name string `yaml:"-" json:"name"`

	// Image is the Docker image reference (e.g. "postgres:16-alpine").
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Command is the command to run: the container command override when
	// Image is set, otherwise the host process to execute.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Dir is the working directory for host processes. Optional.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// DependsOn names the services that must be Healthy before this one
	// may start.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Environment holds variables for the service. A nil value means the
	// variable is passed through opaquely from the orchestrator's own
	// environment; its absence there is a configuration error.
	Environment map[string]*string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Ports maps host ports to container ports. A zero host port is
	// allocated dynamically at startup.
	Ports []Port `yaml:"ports,omitempty" json:"ports,omitempty"`

	// Volumes are "host:container" bind mounts for container services.
	Volumes []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`

	// Health configures the health probe. If nil, defaults are inferred
	// from the service shape (see Health.WithDefaults).
	Health *Health `yaml:"health,omitempty" json:"health,omitempty"`

	// Restart is the restart policy applied when a running service fails.
	Restart Restart `yaml:"restart,omitempty" json:"restart,omitempty"`
}

// Port is a host-to-container port mapping. In YAML it may be written as an
// integer (container port, host allocated dynamically) or as "HOST:CONTAINER".
type Port struct {
	Host      int `json:"host"`
	Container int `json:"container"`
}

// UnmarshalYAML accepts 5432, "5432", and "15432:5432" forms.
func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("port must be a scalar, got %s", value.Tag)
	}
	s := value.Value
	host, container, found := strings.Cut(s, ":")
	if !found {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port %q", s)
		}
		p.Container = n
		return nil
	}
	h, err := strconv.Atoi(host)
	if err != nil {
		return fmt.Errorf("invalid host port in %q", s)
	}
	c, err := strconv.Atoi(container)
	if err != nil {
		return fmt.Errorf("invalid container port in %q", s)
	}
	p.Host = h
	p.Container = c
	return nil
}

// MarshalYAML renders the canonical "HOST:CONTAINER" or bare container form.
func (p Port) MarshalYAML() (any, error) {
	if p.Host == 0 {
		return p.Container, nil
	}
	return fmt.Sprintf("%d:%d", p.Host, p.Container), nil
}

// RestartPolicy controls what happens when a running service fails.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Valid reports whether p is a recognised restart policy.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartOnFailure, RestartAlways:
		return true
	}
	return false
}

// Restart configures the restart behaviour for a failed service.
type Restart struct {
	// Policy defaults to "on-failure".
	Policy RestartPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`

	// MaxRetries bounds consecutive restart attempts before the service is
	// marked Failed. Default 3.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Backoff is the initial delay before a restart attempt. It doubles on
	// each consecutive attempt, capped at 30s. Default 1s.
	Backoff Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// Restart policy defaults.
const (
	DefaultMaxRetries = 3
)

// WithDefaults returns a copy of r with zero fields replaced by defaults.
func (r Restart) WithDefaults() Restart {
	if r.Policy == "" {
		r.Policy = RestartOnFailure
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.Backoff.Duration == 0 {
		r.Backoff = Seconds(1)
	}
	return r
}
