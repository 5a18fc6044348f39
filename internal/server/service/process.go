package service

import (
	"context"
	"fmt"

	"github.com/matgreaves/run"
)

// Process implements Runtime for services with a bare command.
// It runs the command as a host process.
type Process struct{}

// Runner returns a run.Process that executes the configured command. The
// process is killed when ctx is cancelled.
func (Process) Runner(params StartParams) run.Runner {
	cmd := params.Service.Command
	if len(cmd) == 0 {
		return run.Func(func(context.Context) error {
			return fmt.Errorf("service %q: process runtime needs a command", params.Service.Name)
		})
	}

	return run.Process{
		Name:   params.Service.Name,
		Path:   cmd[0],
		Args:   cmd[1:],
		Dir:    params.Service.Dir,
		Env:    envSliceToMap(params.Env),
		Stdout: params.Stdout,
		Stderr: params.Stderr,
	}
}
