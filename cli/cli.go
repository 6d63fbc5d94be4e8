// Package cli builds the goresque command line. Applications embed it so
// the binary that registers handlers is also the one forked children
// re-execute:
//
//	func main() {
//		cli.Execute(func(e *engines.ResqueEngine) error {
//			return e.RegisterFunc("EmailJob", sendEmail)
//		})
//	}
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BranchIntl/goresque/config"
	"github.com/BranchIntl/goresque/engines"
	"github.com/BranchIntl/goresque/internal/logging"
	"github.com/BranchIntl/goresque/strategy"
	"github.com/spf13/cobra"
)

// Setup registers handlers and listeners on a freshly opened engine
type Setup func(e *engines.ResqueEngine) error

type globals struct {
	configPath string
	envFiles   []string
	setups     []Setup
}

// NewRootCommand builds the command tree. Every setup runs against each
// engine a command opens, including the one in a forked child.
func NewRootCommand(setups ...Setup) *cobra.Command {
	g := &globals{setups: setups}

	root := &cobra.Command{
		Use:           "goresque",
		Short:         "Resque-compatible job worker",
		Long:          `A worker for Resque queues that runs jobs in process, in forked children or on a FastCGI executor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		newWorkCommand(g),
		newPerformChildCommand(g),
		newEnqueueCommand(g),
		newFailedCommand(g),
		newQueuesCommand(g),
		newWorkersCommand(g),
	)
	return root
}

// Execute runs the root command and exits nonzero on error
func Execute(setups ...Setup) {
	if err := NewRootCommand(setups...).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open loads the configuration and connects an engine. The caller closes it.
func (g *globals) open(ctx context.Context, opts ...engines.Option) (*engines.ResqueEngine, error) {
	cfg, err := config.Load(g.configPath, g.envFiles...)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.Strategy.Name == config.StrategyFork {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		opts = append(opts, engines.WithForkOptions(strategy.WithCommand(exe, g.childArgs()...)))
	}

	e, err := engines.NewResqueEngine(ctx, cfg, append([]engines.Option{engines.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	for _, setup := range g.setups {
		if err := setup(e); err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
	}
	return e, nil
}

// childArgs repeats the global flags so a child loads the same configuration
func (g *globals) childArgs() []string {
	args := []string{strategy.ChildCommand}
	if g.configPath != "" {
		args = append(args, "--config", g.configPath)
	}
	for _, f := range g.envFiles {
		args = append(args, "--env-file", f)
	}
	return args
}

func newWorkCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Reserve and perform jobs until stopped",
		Long: `Reserve and perform jobs from the queues named by QUEUE. The worker
handles TERM/INT (stop now), QUIT (finish the current job), USR1 (kill the
child), USR2 (pause) and CONT (resume).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))
			return e.Run(ctx)
		},
	}
}

func newPerformChildCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:    strategy.ChildCommand,
		Short:  "Perform one job read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the parent owns the signals; a TERM here only ends this job
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			e, err := g.open(ctx, engines.WithChildMode())
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))

			var report io.Writer
			if f := strategy.OpenReport(); f != nil {
				defer f.Close()
				report = f
			}
			return e.PerformChild(ctx, cmd.InOrStdin(), report)
		},
	}
}
