package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/matgreaves/run"
	"github.com/matgreaves/run/onexit"

	"github.com/convoyd/convoy/internal/server/dockerutil"
	"github.com/convoyd/convoy/spec"
)

// ContainerName returns the Docker container name for a service in a stack.
func ContainerName(stack, service string) string {
	return fmt.Sprintf("convoy-%s-%s", stack, service)
}

// Container implements Runtime for services with an image.
// It runs a Docker container with host-mapped ports.
type Container struct{}

// Runner returns a run.Runner that creates, starts, and manages a Docker
// container. The container is stopped and removed when ctx is cancelled.
func (Container) Runner(params StartParams) run.Runner {
	return run.Func(func(ctx context.Context) error {
		name := params.Service.Name

		cli, err := dockerutil.Client()
		if err != nil {
			return fmt.Errorf("service %q: docker client: %w", name, err)
		}

		// Verify Docker is reachable.
		if _, err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("service %q: cannot connect to Docker daemon (is Docker running?): %w", name, err)
		}

		if err := ensureImage(ctx, cli, params.Service.Image); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}

		portBindings, exposedPorts := buildPortBindings(params.Ports)

		config := &container.Config{
			Image:        params.Service.Image,
			Env:          params.Env,
			ExposedPorts: exposedPorts,
		}
		if len(params.Service.Command) > 0 {
			config.Cmd = params.Service.Command
		}

		mounts, err := buildMounts(params.Service.Volumes, params.Service.Dir)
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}

		hostConfig := &container.HostConfig{
			PortBindings: portBindings,
			Mounts:       mounts,
		}
		// On Linux, ensure host.docker.internal resolves to the host.
		if runtime.GOOS == "linux" {
			hostConfig.ExtraHosts = []string{"host.docker.internal:host-gateway"}
		}

		containerName := ContainerName(params.Stack, name)
		resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if err != nil {
			return fmt.Errorf("service %q: create container: %w", name, err)
		}
		containerID := resp.ID

		// Register backup cleanup with onexit so the container is removed
		// even if the daemon is killed (SIGKILL, OOM, CI timeout, etc.).
		cancelOnexit, _ := onexit.OnExitF("docker rm -f %s", containerID)

		// Ensure cleanup: stop + remove on exit.
		defer func() {
			// Use a background context for cleanup, the original ctx
			// may already be cancelled.
			cleanCtx := context.Background()
			timeout := 10 // seconds
			cli.ContainerStop(cleanCtx, containerID, container.StopOptions{Timeout: &timeout})
			cli.ContainerRemove(cleanCtx, containerID, container.RemoveOptions{Force: true})
			if cancelOnexit != nil {
				cancelOnexit()
			}
		}()

		if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("service %q: start container: %w", name, err)
		}

		// Stream container logs to the service's stdout/stderr writers.
		logReader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			return fmt.Errorf("service %q: attach logs: %w", name, err)
		}

		logDone := make(chan struct{})
		go func() {
			defer close(logDone)
			stdcopy.StdCopy(params.Stdout, params.Stderr, logReader)
			logReader.Close()
		}()

		// Wait for the container to exit or the context to be cancelled.
		waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

		select {
		case result := <-waitCh:
			<-logDone // drain remaining logs
			if result.StatusCode != 0 {
				return fmt.Errorf("service %q: container exited with code %d", name, result.StatusCode)
			}
			return nil
		case err := <-errCh:
			<-logDone
			if ctx.Err() != nil {
				// Teardown path, not an error.
				return ctx.Err()
			}
			return fmt.Errorf("service %q: container wait: %w", name, err)
		case <-ctx.Done():
			<-logDone
			return ctx.Err()
		}
	})
}

// ensureImage pulls the image unless it is already present locally.
func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the pull progress stream; the pull completes when it ends.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// ContainerExec runs probe commands inside a running container via docker
// exec. It satisfies the exec probe's runtime interface.
type ContainerExec struct {
	Stack   string
	Service string
}

// Exec runs cmd inside the container and returns its exit code. An error
// means the command could not be run at all (container gone, attach failed).
func (c *ContainerExec) Exec(ctx context.Context, cmd []string) (int, error) {
	cli, err := dockerutil.Client()
	if err != nil {
		return 0, fmt.Errorf("docker client: %w", err)
	}

	containerName := ContainerName(c.Stack, c.Service)
	exec, err := cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("exec attach: %w", err)
	}

	_, err = stdcopy.StdCopy(io.Discard, io.Discard, resp.Reader)
	resp.Close()
	if err != nil {
		return 0, fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return 0, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// buildPortBindings creates Docker port bindings from resolved port mappings.
// Host ports have already been allocated, so every mapping has a concrete
// host port by the time the container starts.
func buildPortBindings(ports []spec.Port) (nat.PortMap, nat.PortSet) {
	portBindings := make(nat.PortMap)
	exposedPorts := make(nat.PortSet)

	for _, p := range ports {
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", p.Container))
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(p.Host),
		})
	}

	return portBindings, exposedPorts
}

// buildMounts converts "host:container" volume strings into bind mounts.
// Relative host paths resolve against the service's dir, or the daemon's
// working directory when dir is empty.
func buildMounts(volumes []string, dir string) ([]mount.Mount, error) {
	if len(volumes) == 0 {
		return nil, nil
	}

	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		host, target, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("volume %q must be \"host:container\"", v)
		}
		if !filepath.IsAbs(host) {
			host = filepath.Join(dir, host)
			abs, err := filepath.Abs(host)
			if err != nil {
				return nil, fmt.Errorf("volume %q: %w", v, err)
			}
			host = abs
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: host,
			Target: target,
		})
	}
	return mounts, nil
}
