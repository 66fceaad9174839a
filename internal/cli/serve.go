package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Port int
}

// NewServeCommand creates the serve command.
func NewServeCommand(version string) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the correlation server",
		Long: `Run the HTTP API: trace ingestion, correlation workers, queries, and the
completion event stream. Configuration comes from environment variables;
flags override them.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, version)
		},
	}

	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port (overrides MUSUBI_PORT)")

	return cmd
}

func runServe(opts *ServeOptions, version string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appOpts := []musubi.Option{
		musubi.WithLogger(logger),
		musubi.WithVersion(version),
	}
	if opts.Port != 0 {
		appOpts = append(appOpts, musubi.WithPort(opts.Port))
	}

	app, err := musubi.New(appOpts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// newLogger builds the process logger from the log environment variables
// alone. The rest of the environment is validated in config.Load; the
// logger has to exist first so startup failures are logged too.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("MUSUBI_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if os.Getenv("MUSUBI_LOG_JSON") == "false" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}
