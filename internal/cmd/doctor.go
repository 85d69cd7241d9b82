package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/launcher"
)

// DoctorOptions defines the options for the `doctor` command.
type DoctorOptions struct {
	iooption.IOStreams
}

var doctorLong = templates.LongDesc(`
	Check whether a Chrome binary can be resolved and whether an
	existing DevTools endpoint is reachable, without starting the
	full core.`)

// NewDoctorOptions provides an initialised DoctorOptions instance.
func NewDoctorOptions(streams iooption.IOStreams) *DoctorOptions {
	return &DoctorOptions{IOStreams: streams}
}

// NewDoctorCommand creates the `doctor` command.
func NewDoctorCommand(o *DoctorOptions) *cobra.Command {
	return &cobra.Command{
		Use:                   "doctor",
		DisableFlagsInUseLine: true,
		Short:                 "Diagnose Chrome launch and connectivity issues",
		Long:                  doctorLong,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run()
		},
	}
}

func (o *DoctorOptions) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("doctor: load config: %w", err)
	}

	lnch := launcher.New(cfg)
	defer lnch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LaunchTimeout)
	defer cancel()

	endpoint, err := lnch.Endpoint(ctx)
	if err != nil {
		fmt.Fprintf(o.ErrOut, "chrome unreachable: %v\n", err)
		return err
	}

	fmt.Fprintf(o.Out, "chrome reachable at %s\n", endpoint)
	return nil
}
