package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/internal/server"
	"github.com/convoyd/convoy/internal/server/service"
	"github.com/convoyd/convoy/spec"
)

var upAddr string

var upCmd = &cobra.Command{
	Use:   "up [stack-file]",
	Short: "Start the stack and run the daemon in the foreground",
	Long: `Start every service in dependency order and keep supervising them until
interrupted or 'convoy down' is called.

The stack file defaults to convoy.yml (or convoy.yaml) in the current
directory. A service failing startup takes down only the services that
depend on it; the rest of the stack keeps running and up exits non-zero
once it finally comes down.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upAddr, "addr", "127.0.0.1:0", "control API listen address")
}

func runUp(cmd *cobra.Command, args []string) error {
	path, err := findStackFile(args)
	if err != nil {
		return err
	}
	stack, err := spec.LoadStack(path)
	if err != nil {
		return err
	}
	if err := stack.CheckEnvironment(os.LookupEnv); err != nil {
		return err
	}

	registry := service.NewRegistry()
	registry.Register("process", service.Process{})
	registry.Register("container", service.Container{})

	orc, err := server.NewOrchestrator(stack, registry, server.NewEventLog(), logger)
	if err != nil {
		return err
	}
	srv := server.NewServer(orc, logger)

	ln, err := net.Listen("tcp", upAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	cleanup, err := server.WriteAddrFile(convoyDir, ln.Addr().String())
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{Handler: srv}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stack", "stack", stack.Name, "addr", ln.Addr(), "services", len(stack.Services))

	upErr := orc.Up(ctx)
	switch {
	case ctx.Err() != nil:
		// Interrupted mid-startup; fall through to teardown.
	case upErr != nil:
		// Partial failure: the failed subtree is down, everything else
		// keeps running until the stack is brought down.
		logger.Error("stack started with failures", "error", upErr)
	default:
		logger.Info("stack up", "stack", stack.Name)
	}

	if ctx.Err() == nil {
		select {
		case <-ctx.Done():
			logger.Info("signal received, shutting down")
		case <-srv.ShutdownCh():
			logger.Info("shutdown requested, shutting down")
		case err := <-serveErr:
			logger.Error("control API failed", "error", err)
		}
	}

	downCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := orc.Down(downCtx); err != nil {
		logger.Error("teardown incomplete", "error", err)
	}
	httpSrv.Shutdown(downCtx)

	if upErr != nil && !errors.Is(upErr, context.Canceled) {
		return upErr
	}
	return nil
}

// findStackFile resolves the stack file: the explicit argument if given,
// otherwise convoy.yml / convoy.yaml in the current directory.
func findStackFile(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	for _, name := range []string{"convoy.yml", "convoy.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no stack file: expected convoy.yml in the current directory or an explicit path")
}
