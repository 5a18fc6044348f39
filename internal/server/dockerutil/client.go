// Package dockerutil owns the daemon's connection to Docker: one shared
// client, created lazily, with socket discovery for the installs that do not
// set DOCKER_HOST (Docker Desktop, colima, rootless dockerd).
package dockerutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var shared = struct {
	once sync.Once
	cli  *client.Client
	err  error
}{}

// Client returns the process-wide Docker client. It is safe for concurrent
// use and pools its connections; callers must not Close it.
func Client() (*client.Client, error) {
	shared.once.Do(func() {
		shared.cli, shared.err = connect()
	})
	return shared.cli, shared.err
}

func connect() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	// Without DOCKER_HOST the SDK only tries /var/run/docker.sock, which
	// misses Docker Desktop and rootless installs. Probe the well-known
	// locations and pass the winner as a client option; os.Setenv is not
	// concurrent-safe here.
	if os.Getenv("DOCKER_HOST") == "" {
		if sock, ok := discoverSocket(); ok {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// discoverSocket probes the socket paths used by stock dockerd, Docker
// Desktop, colima, and rootless dockerd, in that order.
func discoverSocket() (string, bool) {
	candidates := []string{"/var/run/docker.sock"}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "docker.sock"))
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
