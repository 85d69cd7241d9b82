package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"
)

// StopOptions defines the options for the `stop` command.
type StopOptions struct {
	iooption.IOStreams
}

var stopLong = templates.LongDesc(`
	Stop is a boundary stub: this core has no daemon/process-manager
	mode (spec.md §1 non-goals), so there is nothing for it to signal.
	It exists so the CLI surface matches operator expectations.`)

// NewStopOptions provides an initialised StopOptions instance.
func NewStopOptions(streams iooption.IOStreams) *StopOptions {
	return &StopOptions{IOStreams: streams}
}

// NewStopCommand creates the `stop` command.
func NewStopCommand(o *StopOptions) *cobra.Command {
	return &cobra.Command{
		Use:                   "stop",
		DisableFlagsInUseLine: true,
		Short:                 "Stop a running core (no-op: the core has no daemon mode)",
		Long:                  stopLong,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(o.Out, "browsermcp has no background daemon to stop; terminate the serve process directly")
			return nil
		},
	}
}
