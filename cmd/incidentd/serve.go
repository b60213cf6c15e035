package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpapi "github.com/scttfrdmn/agenkit/incident-go/adapter/http"
	"github.com/scttfrdmn/agenkit/incident-go/app"
	"github.com/scttfrdmn/agenkit/incident-go/config"
	"github.com/scttfrdmn/agenkit/incident-go/observability"
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API, admin controls and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().Bool("auto-resolution", true, "Let the response team resolve incidents without an operator")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.ConfigureLogging(c.config.Log)
	a, err := app.New(ctx, c.config, logger)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Start(ctx); err != nil {
		return err
	}
	if c.configPath != "" {
		w := config.NewWatcher(c.viper, logger)
		w.Subscribe("app", func(cfg *config.Config) error {
			return a.ApplyConfig(ctx, cfg)
		})
		w.Start()
		logger.Info("watching config file", "path", c.configPath)
	}

	return httpapi.NewServer(a).ListenAndServe(ctx)
}
