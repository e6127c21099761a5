package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/arloliu/rangemove"
	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/transport"
)

const description = `rangemovectl

Run rangemove shards and operate them over NATS:
move chunks between shards, clean up orphaned
documents and inspect running migrations.
`

type rootCommand struct {
	cmd    *cobra.Command
	ctx    context.Context // cancelled on SIGINT/SIGTERM
	stop   context.CancelFunc
	logger *logging.ZapLogger
	nc     *nats.Conn

	natsURL  string
	prefix   string
	timeout  time.Duration
	logLevel string
}

// newRootCommand creates parent of all sub-commands.
func newRootCommand(stdout, stderr io.Writer) *rootCommand {
	root := &rootCommand{}

	root.cmd = &cobra.Command{
		Use:           "rangemovectl",
		Short:         description,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Print help if no command specified
			return cmd.Help()
		},
	}
	root.cmd.SetOut(stdout)
	root.cmd.SetErr(stderr)

	// Persistent flags for all sub-commands
	flags := root.cmd.PersistentFlags()
	flags.SortFlags = true
	flags.StringVar(&root.natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	flags.StringVar(&root.prefix, "prefix", rangemove.DefaultConfig().SubjectPrefix, "subject prefix shared by all shards")
	flags.DurationVar(&root.timeout, "timeout", 10*time.Second, "timeout of one admin request attempt")
	flags.StringVar(&root.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return root.init()
	}

	root.cmd.AddCommand(
		serveCommand(root),
		moveCommand(root),
		cleanupCommand(root),
		statusCommand(root),
	)

	return root
}

// Execute runs the selected sub-command and returns the process exit code.
func (root *rootCommand) Execute() int {
	defer root.tearDown()

	if err := root.cmd.Execute(); err != nil {
		if root.logger != nil {
			root.logger.Error("command failed", "error", err)
		} else {
			fmt.Fprintln(root.cmd.ErrOrStderr(), "Error:", err)
		}

		return 1
	}

	return 0
}

// init sets up the logger and the signal context after flags are parsed.
func (root *rootCommand) init() error {
	logger, err := logging.NewZapProduction(root.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", root.logLevel, err)
	}
	root.logger = logger
	root.ctx, root.stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	return nil
}

// connect opens the NATS connection on first use.
func (root *rootCommand) connect() (*nats.Conn, error) {
	if root.nc != nil {
		return root.nc, nil
	}

	nc, err := nats.Connect(root.natsURL, nats.Name("rangemovectl"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", root.natsURL, err)
	}
	root.nc = nc

	return nc, nil
}

// client returns an admin client for the shards under --prefix.
func (root *rootCommand) client() (*transport.Client, error) {
	nc, err := root.connect()
	if err != nil {
		return nil, err
	}

	retry := rangemove.DefaultConfig().Retry

	return transport.NewClient(nc, root.prefix, root.timeout, transport.Retry{
		InitialInterval: retry.InitialInterval,
		MaxInterval:     retry.MaxInterval,
		MaxElapsedTime:  retry.MaxElapsedTime,
	}, root.logger), nil
}

// tearDown makes clean-up after command execution.
func (root *rootCommand) tearDown() {
	if root.nc != nil {
		if err := root.nc.Drain(); err != nil {
			root.nc.Close()
		}
	}
	if root.stop != nil {
		root.stop()
	}
	if root.logger != nil {
		_ = root.logger.Sync()
	}
}
