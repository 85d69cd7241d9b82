package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/corelog"
	"github.com/shaun0927/browserparallel/internal/dispatch"
	"github.com/shaun0927/browserparallel/internal/launcher"
	"github.com/shaun0927/browserparallel/internal/mcpserver"
	"github.com/shaun0927/browserparallel/internal/pagepool"
	"github.com/shaun0927/browserparallel/internal/screenshot"
	"github.com/shaun0927/browserparallel/internal/session"
)

// ServeOptions defines the options for the `serve` command.
type ServeOptions struct {
	Verbose bool

	iooption.IOStreams
}

var (
	serveLong = templates.LongDesc(`
		Start the browser automation core: launch or attach to Chrome,
		connect over the DevTools Protocol, and serve MCP tools over
		stdio until the process receives a termination signal.`)

	serveExample = templates.Examples(`
		# Start the core with default settings
		browsermcp serve

		# Start with verbose logging
		browsermcp serve --verbose`)
)

// NewServeOptions provides an initialised ServeOptions instance.
func NewServeOptions(streams iooption.IOStreams) *ServeOptions {
	return &ServeOptions{
		IOStreams: streams,
	}
}

// NewServeCommand creates the `serve` command.
func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "serve",
		DisableFlagsInUseLine: true,
		Short:                 "Start the browser automation core",
		Long:                  serveLong,
		Example:               serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().BoolVarP(&o.Verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *ServeOptions) Validate() error {
	return nil
}

func (o *ServeOptions) Run() error {
	if o.Verbose {
		corelog.SetLevel(logrus.DebugLevel)
	}
	log := corelog.For("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	lnch := launcher.New(cfg)
	defer lnch.Close()

	client := cdp.New(cfg, lnch)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("serve: connect to chrome: %w", err)
	}
	defer client.Close()
	stopHeartbeat := client.StartHeartbeat(ctx)
	defer stopHeartbeat()

	pool := pagepool.New(cfg, client)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("serve: start page pool: %w", err)
	}
	defer pool.Shutdown()

	screens := screenshot.New(cfg, client)

	sessions := session.New(cfg, client, ctx)
	sessions.StartAutoCleanup(ctx)
	defer sessions.StopAutoCleanup()

	surface := dispatch.New(client, sessions, screens, pool)
	srv := mcpserver.New("browsermcp", versionInfo(), surface)

	log.Info("browsermcp core ready, serving MCP over stdio")
	return srv.Serve(ctx)
}
