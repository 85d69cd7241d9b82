package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/shaun0927/browserparallel/internal/config"
)

// SetupOptions defines the options for the `setup` command.
type SetupOptions struct {
	iooption.IOStreams
}

var setupLong = templates.LongDesc(`
	Print a few resolved configuration values (remote debug port,
	auto-launch, max sessions, max pool size) after defaults, the
	optional config file and environment overrides are merged. It does
	not print the config file's path or the remaining settings. There
	is no install step beyond the binary itself
	(spec.md §1 non-goals).`)

// NewSetupOptions provides an initialised SetupOptions instance.
func NewSetupOptions(streams iooption.IOStreams) *SetupOptions {
	return &SetupOptions{IOStreams: streams}
}

// NewSetupCommand creates the `setup` command.
func NewSetupCommand(o *SetupOptions) *cobra.Command {
	return &cobra.Command{
		Use:                   "setup",
		DisableFlagsInUseLine: true,
		Short:                 "Show the resolved configuration",
		Long:                  setupLong,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run()
		},
	}
}

func (o *SetupOptions) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("setup: load config: %w", err)
	}
	fmt.Fprintf(o.Out, "remote_debug_port=%d auto_launch=%t max_sessions=%d max_pool_size=%d\n",
		cfg.RemoteDebugPort, cfg.AutoLaunch, cfg.MaxSessions, cfg.MaxPoolSize)
	return nil
}
