package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/client"
	"github.com/convoyd/convoy/internal/server"
	"github.com/convoyd/convoy/spec"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every service in the running stack",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(cmd.Context(), convoyDir)
	if err != nil {
		return err
	}
	status, err := c.Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("stack: %s\n\n", status.Stack)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tRESTARTS\tPORTS\tUPTIME\tERROR")
	for _, s := range status.Services {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.Name, s.State, s.Restarts, formatPorts(s.Ports), formatUptime(s), s.Error)
	}
	return w.Flush()
}

func formatPorts(ports []spec.Port) string {
	if len(ports) == 0 {
		return "-"
	}
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = fmt.Sprintf("%d->%d", p.Host, p.Container)
	}
	return strings.Join(out, ",")
}

// formatUptime shows how long a service has been in its current state.
// Only meaningful while the service runs; terminal states show "-".
func formatUptime(s server.ServiceStatus) string {
	switch s.State {
	case server.StateHealthy, server.StateStarting, server.StateUnhealthy:
		return time.Since(s.Since).Round(time.Second).String()
	}
	return "-"
}
