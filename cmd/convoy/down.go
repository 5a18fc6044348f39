package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/client"
	"github.com/convoyd/convoy/internal/server"
)

var downWait time.Duration

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the running stack",
	Long: `Ask the running daemon to stop every service in reverse start order and
exit. Waits until the daemon is actually gone.`,
	Args: cobra.NoArgs,
	RunE: runDown,
}

func init() {
	downCmd.Flags().DurationVar(&downWait, "wait", 60*time.Second, "how long to wait for the stack to come down")
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), downWait)
	defer cancel()

	c, err := client.Dial(ctx, convoyDir)
	if err != nil {
		return err
	}
	if err := c.Shutdown(ctx); err != nil {
		return err
	}

	// The daemon acknowledges before tearing down; the address file
	// disappearing means it has fully exited.
	for {
		if _, err := os.Stat(server.AddrFile(convoyDir)); err != nil {
			fmt.Println("stack is down")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not exit within %s", downWait)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
