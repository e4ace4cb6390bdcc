package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/fallback"
)

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Manage tasks handed over for manual follow-up",
}

var fallbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		q, err := a.fallbackQueue(ctx)
		if err != nil {
			return err
		}
		entries, err := q.List(ctx)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Fallback queue is empty.")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			queued := e.QueuedAt
			rows = append(rows, []string{e.ID, truncate(e.Title, 40), e.Branch, ago(&queued), truncate(e.Reason, 50)})
		}
		writeTable(cmd.OutOrStdout(), []string{"TASK", "TITLE", "BRANCH", "QUEUED", "REASON"}, rows)
		return nil
	},
}

var fallbackShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a queued task with its suggested commit and PR text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		q, err := a.fallbackQueue(ctx)
		if err != nil {
			return err
		}
		e, err := q.Get(ctx, args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Task:     %s\n", e.ID)
		fmt.Fprintf(w, "Title:    %s\n", e.Title)
		fmt.Fprintf(w, "Queued:   %s\n", e.QueuedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Reason:   %s\n", e.Reason)
		if e.Branch != "" {
			fmt.Fprintf(w, "Branch:   %s\n", e.Branch)
		}
		if e.CommitMessage != "" {
			fmt.Fprintf(w, "Commit:   %s\n", e.CommitMessage)
		}
		if e.PRTitle != "" {
			fmt.Fprintf(w, "PR title: %s\n", e.PRTitle)
		}
		if e.PRBody != "" {
			fmt.Fprintf(w, "\n%s\n", e.PRBody)
		}
		return nil
	},
}

var fallbackAddCmd = &cobra.Command{
	Use:   "add <task-id>",
	Short: "Queue a task for manual follow-up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		title, _ := cmd.Flags().GetString("title")
		branch, _ := cmd.Flags().GetString("branch")
		reason, _ := cmd.Flags().GetString("reason")

		ctx := cmd.Context()
		q, err := a.fallbackQueue(ctx)
		if err != nil {
			return err
		}
		added, err := q.Add(ctx, fallback.Task{
			ID:         args[0],
			Title:      title,
			Repository: a.cfg.Source.Repo,
			Branch:     branch,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		if !added {
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is already queued.\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s queued.\n", args[0])
		return nil
	},
}

var fallbackRemoveCmd = &cobra.Command{
	Use:     "remove <task-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a handled task from the queue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		q, err := a.fallbackQueue(ctx)
		if err != nil {
			return err
		}
		if err := q.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s removed.\n", args[0])
		return nil
	},
}

func init() {
	fallbackListCmd.Flags().String("format", "", "output format: json or table (default)")
	fallbackAddCmd.Flags().String("title", "", "task title")
	fallbackAddCmd.Flags().String("branch", "", "branch holding partial work")
	fallbackAddCmd.Flags().String("reason", "queued manually", "why the task needs a human")

	fallbackCmd.AddCommand(fallbackListCmd)
	fallbackCmd.AddCommand(fallbackShowCmd)
	fallbackCmd.AddCommand(fallbackAddCmd)
	fallbackCmd.AddCommand(fallbackRemoveCmd)
}
