package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/agenkit/incident-go/app"
	"github.com/scttfrdmn/agenkit/incident-go/config"
	"github.com/scttfrdmn/agenkit/incident-go/observability"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	jsonOutput bool

	viper  *viper.Viper
	config *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "incidentd",
		Short: "Multi-agent incident response service",
		Long: `incidentd watches a search service, opens incidents when it fails and
coordinates a team of agents that triage, fix and report on them.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to config file")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("rules-dir", "", "Directory of responder rule files layered over the built-ins")
	flags.BoolVar(&c.jsonOutput, "json", false, "Print results as JSON")

	cmd.AddCommand(
		newServeCommand(c),
		newAskCommand(c),
		newRouteCommand(c),
		newAssessCommand(c),
		newAgentsCommand(c),
		newWorkflowCommand(c),
		newWatchCommand(c),
	)
	return cmd
}

// load reads configuration from file, environment and flags, in increasing
// precedence, and sets up logging on stderr.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	v, err := config.New(c.configPath)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	c.viper, c.config = v, cfg
	c.logger = observability.NewLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(c.logger)
	return nil
}

// newApp assembles the service for a one-shot command.
func (c *cli) newApp(ctx context.Context) (*app.App, error) {
	cfg := *c.config
	cfg.Audit.Enabled = false
	cfg.Metrics.Enabled = false
	return app.New(ctx, &cfg, c.logger)
}

func (c *cli) print(out io.Writer, v interface{}, text func(io.Writer)) error {
	if c.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func closeApp(a *app.App) {
	if err := a.Close(context.Background()); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
}
