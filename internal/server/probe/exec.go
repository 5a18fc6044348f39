package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/convoyd/convoy/spec"
)

// Exec checks health by running a command inside the service's container.
// A non-zero exit means unhealthy. A command that cannot be started at all
// (runtime gone, binary missing) is an ExecutionError instead.
type Exec struct {
	Command []string
	Runtime Execer
	Timeout time.Duration
}

func (e *Exec) Check(ctx context.Context, host string, port int) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	exitCode, err := e.Runtime.Exec(ctx, e.Command)
	if err != nil {
		return &ExecutionError{Probe: spec.ProbeExec, Err: err}
	}
	if exitCode != 0 {
		return fmt.Errorf("health command exited %d", exitCode)
	}
	return nil
}
