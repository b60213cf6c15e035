package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/transport"
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
)

func newAskCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <agent> <message...>",
		Short: "Send a message to one agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			agent, ok := a.Registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("agent %q is not registered", args[0])
			}
			reply, err := agent.Process(ctx, agenkit.NewMessage("user", strings.Join(args[1:], " ")))
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), reply, func(w io.Writer) {
				fmt.Fprintln(w, reply.Content)
			})
		},
	}
}

func newRouteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "route <query...>",
		Short: "Route a request to the responsible agent and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			reply, err := a.Router.Process(ctx, agenkit.NewMessage("user", strings.Join(args, " ")))
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), reply, func(w io.Writer) {
				fmt.Fprintf(w, "category: %s\nagent:    %s\nmodel:    %s\n\n%s\n",
					reply.MetadataString("routed_category"),
					reply.MetadataString("routed_agent"),
					reply.MetadataString(agenkit.MetaModel),
					reply.Content)
			})
		},
	}
}

func newAssessCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "assess <text...>",
		Short: "Assess the severity and type of an incident report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			res := a.Assessor.Assess(strings.Join(args, " "))
			return c.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "severity:   %s (%s)\ntype:       %s\nconfidence: %.2f\neta:        %s\n",
					res.Severity, res.Severity.Label(), res.Type, res.Confidence, res.ETA)
				for _, action := range res.Actions {
					fmt.Fprintf(w, "  - %s\n", action)
				}
			})
		},
	}
}

func newAgentsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			var infos []agenkit.Info
			for _, reg := range a.Registry.ListAgents() {
				infos = append(infos, agenkit.Introspect(middleware.Innermost(reg.Agent)).Info)
			}
			return c.print(cmd.OutOrStdout(), infos, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tMODEL\tCAPABILITIES")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.ID, info.Name, info.Model,
						strings.Join(info.Capabilities, ","))
				}
				tw.Flush()
			})
		},
	}
}

func newWorkflowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow <text...>",
		Short: "Run the crisis management workflow on an incident report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			run, runErr := a.Workflow.Run(ctx, strings.Join(args, " "))
			if run == nil {
				return runErr
			}
			if err := c.print(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", run.Workflow, run.Status)
				for i, step := range run.Steps {
					fmt.Fprintf(w, "%d. %-26s %s\n", i+1, step.Name, step.Status)
					if step.Output != "" {
						fmt.Fprintf(w, "   %s\n", strings.ReplaceAll(step.Output, "\n", "\n   "))
					}
				}
			}); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newWatchCommand(c *cli) *cobra.Command {
	var (
		url       string
		reconnect bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the live event stream of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamURL, err := transport.StreamURL(url)
			if err != nil {
				return err
			}
			client := transport.NewEventClient(streamURL, transport.ClientOptions{Reconnect: reconnect})
			out := cmd.OutOrStdout()
			return client.Watch(cmd.Context(), func(ev events.Event) error {
				return c.print(out, ev, func(w io.Writer) {
					fmt.Fprintf(w, "%s  %-15s %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Kind, describe(ev))
				})
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Base URL of the incident service")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "Reconnect when the service restarts")
	return cmd
}

// describe summarizes an event payload on one line.
func describe(ev events.Event) string {
	m, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return fmt.Sprint(ev.Payload)
	}
	switch ev.Kind {
	case events.KindAgentActivity:
		return fmt.Sprintf("%v (%v): %v", m["agent_name"], m["model"], m["action"])
	case events.KindBanner:
		return fmt.Sprintf("[%v] %v", m["level"], m["message"])
	case events.KindBannerRemoved:
		if m["all"] == true {
			return "all banners"
		}
		return fmt.Sprint(m["id"])
	case events.KindStatus:
		return fmt.Sprintf("%v auto_resolution=%v", m["status"], m["auto_resolution_enabled"])
	case events.KindIncident:
		if m["resolved_time"] != nil {
			return fmt.Sprintf("%v resolved (%v)", m["id"], m["resolution"])
		}
		return fmt.Sprintf("%v opened: %v", m["id"], m["description"])
	case events.KindSystemMetrics:
		return fmt.Sprintf("incidents=%v success_rate=%v", m["total_incidents"], m["success_rate"])
	default:
		return fmt.Sprint(m)
	}
}
