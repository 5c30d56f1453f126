package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// newServeCmd builds the "serve" subcommand: load config, wire the
// App, and run until the process receives a shutdown signal.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task orchestration HTTP server and dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			app := NewApp(cfg, logger)

			ctx := cmd.Context()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown()

			logger.Info("taskcore starting", "version", Version, "http_addr", cfg.HTTP.Addr)
			return app.Run(ctx)
		},
	}
}
