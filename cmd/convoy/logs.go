package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/client"
	"github.com/convoyd/convoy/internal/server"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show a service's captured output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new output as it arrives")
}

func runLogs(cmd *cobra.Command, args []string) error {
	name := args[0]

	c, err := client.Dial(cmd.Context(), convoyDir)
	if err != nil {
		return err
	}

	if logsFollow {
		// The event stream replays the full backlog before switching to
		// live output, so follow mode never touches the REST endpoint.
		events, err := c.Events(cmd.Context(), 0, true)
		if err != nil {
			return err
		}
		for e := range events {
			if e.Type == server.EventServiceLog && e.Service == name && e.Log != nil {
				printLogEntry(*e.Log)
			}
		}
		return nil
	}

	entries, err := c.ServiceLogs(cmd.Context(), name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		printLogEntry(e)
	}
	return nil
}

func printLogEntry(e server.LogEntry) {
	if e.Stream == "stderr" {
		fmt.Fprint(os.Stderr, e.Data)
		return
	}
	fmt.Print(e.Data)
}
