package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nathan-c/dotnet-gcforce/internal/config"
	"github.com/nathan-c/dotnet-gcforce/internal/gcforce"
	"github.com/nathan-c/dotnet-gcforce/internal/logging"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

const defaultTimeoutSeconds = 30

// transportFunc builds the session transport for a run. Tests replace it.
type transportFunc func(cfg *config.Config, logger *zap.Logger) session.Transport

func eventPipeTransport(cfg *config.Config, logger *zap.Logger) session.Transport {
	return &session.EventPipe{
		SocketDir:        cfg.SocketDir(),
		CircularBufferMB: cfg.EventPipe.CircularBufferMB,
		RequestRundown:   cfg.EventPipe.RequestRundown,
		Logger:           logger.Named(logging.ComponentSession),
	}
}

type options struct {
	configPath string
	logLevel   string
	logFormat  string
	timeout    int
}

// setup loads the configuration and builds the diagnostic logger, with
// flags taking precedence over the environment and the environment over
// the file.
func (o *options) setup(stderr io.Writer) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	level, format := logging.FromEnv(cfg.Logging.Level, cfg.Logging.Format)
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	logger, err := logging.New(level, format, stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRootCmd(transport transportFunc) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "gcforce <pid>",
		Short: "Force garbage collection on a .NET process running locally",
		Long: "Force a full garbage collection in a running .NET process through its EventPipe\n" +
			"diagnostics socket, and wait until the collection is observed to complete.\n" +
			"The result is reported on stdout; the exit status only reflects argument parsing.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			if opts.timeout <= 0 {
				return fmt.Errorf("timeout must be positive, got %d", opts.timeout)
			}

			cfg, logger, err := opts.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			timeout := cfg.Force.Timeout
			if cmd.Flags().Changed("timeout") || opts.configPath == "" {
				timeout = time.Duration(opts.timeout) * time.Second
			}

			log := logger.Named(logging.ComponentCLI)
			log.Debug("starting", zap.Int("pid", pid), zap.Duration("timeout", timeout))

			runner := gcforce.NewRunner(cfg.ForceOptions(), transport(cfg, logger), logger.Named(logging.ComponentGCForce))
			report := runner.Run(cmd.Context(), gcforce.Request{PID: pid, Timeout: timeout}, cmd.OutOrStdout())
			log.Debug("done", zap.Bool("success", report.Success), zap.Stringer("outcome", report.Outcome))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Diagnostic log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Diagnostic log format (CONSOLE, JSON)")
	root.Flags().IntVarP(&opts.timeout, "timeout", "t", defaultTimeoutSeconds, "Give up after this many seconds")

	root.AddCommand(newPsCmd(opts))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(eventPipeTransport).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
