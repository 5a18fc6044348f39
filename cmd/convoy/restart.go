package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/client"
)

var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart one service with a fresh restart budget",
	Long: `Stop the named service and start it again, waiting until it is healthy.
The restart budget is reset, so a service that previously exhausted its
retries gets a clean slate. Dependent services are left running.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func runRestart(cmd *cobra.Command, args []string) error {
	name := args[0]

	c, err := client.Dial(cmd.Context(), convoyDir)
	if err != nil {
		return err
	}
	status, err := c.Restart(cmd.Context(), name)
	if err != nil {
		return err
	}

	fmt.Printf("%s is %s\n", status.Name, status.State)
	return nil
}
