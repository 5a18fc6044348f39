package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convoyd/convoy/internal/order"
	"github.com/convoyd/convoy/spec"
)

var validateCmd = &cobra.Command{
	Use:   "validate [stack-file]",
	Short: "Check a stack file and print the resolved start order",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := findStackFile(args)
	if err != nil {
		return err
	}
	stack, err := spec.LoadStack(path)
	if err != nil {
		return err
	}
	if err := stack.Validate(); err != nil {
		return err
	}
	if err := stack.CheckEnvironment(os.LookupEnv); err != nil {
		return err
	}
	startOrder, err := order.Resolve(stack)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d services, start order: %s\n",
		stack.Name, len(stack.Services), strings.Join(startOrder, " -> "))
	return nil
}
