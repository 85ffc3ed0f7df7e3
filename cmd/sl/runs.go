package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/repo"
)

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
		Long:  "A run is created per ticket and scan. Its cursor moves received -> in_progress -> done, or ends failed/cancelled; the lock marks the worker processing it.",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsCancelCmd())
	runs.AddCommand(runsAuditCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var ticket, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, repo.RunFilters{TicketKey: ticket, State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ticket", "State", "Step", "Attempt", "Lock", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.TicketKey, r.CursorState, r.CursorStep,
						fmt.Sprintf("%d/%d", r.CursorAttempt, r.MaxAutofixAttempts), deref(r.LockOwner), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ticket, "ticket", "", "ticket key filter")
	cmd.Flags().StringVar(&state, "state", "", "cursor state filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				artifacts, err := e.Repo.ListArtifacts(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "artifacts": artifacts})
				}
				printRun(run)
				if len(artifacts) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Artifact", "Value", "Created"})
					for _, a := range artifacts {
						tw.AppendRow(table.Row{a.Type, a.Value, a.CreatedAt})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func runsCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an unfinished run",
		Long:  "The worker holding the run stops before its next step and compensates the ticket.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printRun(run)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func runsAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Show the audit trail of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetRun(ctx, args[0]); err != nil {
					return err
				}
				entries, err := e.Repo.ListAudit(ctx, repo.AuditFilters{RunID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				// Newest first from the store; print chronologically.
				for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
					entries[i], entries[j] = entries[j], entries[i]
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Phase", "Action", "Actor", "Correlation", "Payload"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.ID, a.TS, a.Phase, a.Action, a.ActorID, a.CorrelationID, a.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func printRun(r domain.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Ticket", r.TicketKey},
		{"State", r.CursorState},
		{"Step", r.CursorStep},
		{"Attempt", fmt.Sprintf("%d/%d", r.CursorAttempt, r.MaxAutofixAttempts)},
		{"Lock", deref(r.LockOwner)},
		{"Lock expires", deref(r.LockExpiresAt)},
		{"Fingerprint", deref(r.Fingerprint)},
		{"Last error", deref(r.LastError)},
		{"Created", r.CreatedAt},
		{"Updated", r.UpdatedAt},
	})
	tw.Render()
}
