package spec

import "time"

// ProbeType identifies how a service is health-checked.
type ProbeType string

const (
	ProbeTCP      ProbeType = "tcp"
	ProbeHTTP     ProbeType = "http"
	ProbeGRPC     ProbeType = "grpc"
	ProbeExec     ProbeType = "exec"
	ProbePostgres ProbeType = "postgres"
	ProbeRedis    ProbeType = "redis"
	ProbeKafka    ProbeType = "kafka"
)

// ValidProbeTypes returns the set of recognised probe type values.
func ValidProbeTypes() []ProbeType {
	return []ProbeType{ProbeTCP, ProbeHTTP, ProbeGRPC, ProbeExec, ProbePostgres, ProbeRedis, ProbeKafka}
}

// Valid reports whether t is a recognised probe type.
func (t ProbeType) Valid() bool {
	switch t {
	case ProbeTCP, ProbeHTTP, ProbeGRPC, ProbeExec, ProbePostgres, ProbeRedis, ProbeKafka:
		return true
	}
	return false
}

// Health configures a service's health probe: how it is checked, how often,
// and how many consecutive failures demote it to Unhealthy.
type Health struct {
	// Type selects the probe. If empty, it is inferred: exec when Command
	// is set, tcp otherwise.
	Type ProbeType `yaml:"type,omitempty" json:"type,omitempty"`

	// Path is the HTTP GET path for http probes. Default "/".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Port is the container port to probe. Zero means the service's first
	// declared port.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Command is the health-check command for exec probes, run inside the
	// container. A non-zero exit means unhealthy; a command that cannot be
	// started at all is a probe execution error, not an unhealthy result.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Username, Password, and Database are credentials for postgres and
	// redis probes. Defaults match the official images.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// Interval is the steady-state poll interval. Default 5s.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout bounds a single probe. Default 3s.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries is the consecutive-failure threshold before the service is
	// marked Unhealthy. Default 3.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// StartTimeout bounds the wait for the service to first become Healthy
	// during startup. Default 60s.
	StartTimeout Duration `yaml:"start_timeout,omitempty" json:"start_timeout,omitempty"`
}

// Health probe defaults.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	DefaultProbeRetries  = 3
	DefaultStartTimeout  = 60 * time.Second
)

// WithDefaults returns a copy of h (or a fresh Health if h is nil) with zero
// fields resolved against the service's shape.
func (h *Health) WithDefaults(svc *Service) Health {
	var out Health
	if h != nil {
		out = *h
	}
	if out.Type == "" {
		if len(out.Command) > 0 {
			out.Type = ProbeExec
		} else {
			out.Type = ProbeTCP
		}
	}
	if out.Type == ProbeHTTP && out.Path == "" {
		out.Path = "/"
	}
	if out.Port == 0 && len(svc.Ports) > 0 {
		out.Port = svc.Ports[0].Container
	}
	if out.Interval.Duration == 0 {
		out.Interval = Duration{DefaultProbeInterval}
	}
	if out.Timeout.Duration == 0 {
		out.Timeout = Duration{DefaultProbeTimeout}
	}
	if out.Retries == 0 {
		out.Retries = DefaultProbeRetries
	}
	if out.StartTimeout.Duration == 0 {
		out.StartTimeout = Duration{DefaultStartTimeout}
	}
	return out
}
