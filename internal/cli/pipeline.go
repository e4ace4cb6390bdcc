package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/github"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect and manage pipelines",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var status pipeline.Status
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			st, ok := pipeline.ParseStatus(s)
			if !ok {
				return fmt.Errorf("unknown status %q", s)
			}
			status = st
		}

		ctx := cmd.Context()
		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}
		pipelines, err := repo.List(ctx, status)
		if err != nil {
			return fmt.Errorf("list pipelines: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(pipelines, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}
		printPipelines(cmd.OutOrStdout(), pipelines)
		return nil
	},
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a pipeline with its stages, errors and metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}
		p, err := repo.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return &pipeline.NotFoundError{TaskID: args[0]}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(p, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printPipeline(cmd.OutOrStdout(), p)
		return nil
	},
}

func printPipeline(w io.Writer, p *pipeline.Pipeline) {
	fmt.Fprintf(w, "Task:      %s\n", p.TaskID)
	fmt.Fprintf(w, "Title:     %s\n", p.TaskName)
	fmt.Fprintf(w, "Status:    %s\n", p.Status)
	fmt.Fprintf(w, "Stage:     %s\n", p.CurrentStage)
	fmt.Fprintf(w, "Created:   %s (%s)\n", p.CreatedAt.Format(time.RFC3339), humanize.Time(p.CreatedAt))
	fmt.Fprintf(w, "Heartbeat: %s\n", ago(p.LastHeartbeat))
	if !p.Active() {
		fmt.Fprintf(w, "Ended:     %s\n", humanize.Time(p.TerminatedAt()))
	}

	if len(p.Stages) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(p.Stages))
		for _, r := range p.Stages {
			dur := "-"
			if r.DurationMs > 0 {
				dur = (time.Duration(r.DurationMs) * time.Millisecond).String()
			}
			rows = append(rows, []string{string(r.Stage), string(r.Status), ago(r.StartedAt), dur, truncate(r.Error, 50)})
		}
		writeTable(w, []string{"STAGE", "STATUS", "STARTED", "DURATION", "ERROR"}, rows, 3)
	}

	if len(p.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range p.Errors {
			fmt.Fprintf(w, "  %s  %-16s %s\n", e.Timestamp.Format(time.RFC3339), e.Stage, e.Error)
		}
	}

	if len(p.Metadata) > 0 {
		fmt.Fprintln(w, "\nMetadata:")
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-18s %s\n", k, truncate(p.Metadata[k], 80))
		}
	}
}

var pipelineInitCmd = &cobra.Command{
	Use:   "init <task-id>",
	Short: "Create a pipeline by hand; the daemon picks it up on its next poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")
		fromIssue, _ := cmd.Flags().GetBool("from-issue")
		ctx := cmd.Context()

		provider, taskURL := "manual", ""
		if fromIssue {
			task, err := github.NewTaskSource(a.githubClient(), github.SourceConfig{}).Task(ctx, args[0])
			if err != nil {
				return fmt.Errorf("look up issue: %w", err)
			}
			provider, taskURL = "github", task.URL
			if title == "" {
				title = task.Title
			}
			if desc == "" {
				desc = task.Description
			}
		}
		meta := map[string]string{}
		if desc != "" {
			meta[pipeline.MetaDescription] = desc
		}
		if taskURL != "" {
			meta[pipeline.MetaTaskURL] = taskURL
		}

		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}
		p, err := repo.Init(ctx, args[0], pipeline.TaskData{
			Name:       title,
			Provider:   provider,
			Repository: a.cfg.Source.Repo,
			Metadata:   meta,
		})
		if err != nil {
			return err
		}
		logEvent(cmd, a, p.TaskID, "created", pipeline.StageDetected, "manual")
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s created at %s.\n", p.TaskID, p.CurrentStage)
		return nil
	},
}

var pipelineAdvanceCmd = &cobra.Command{
	Use:   "advance <task-id>",
	Short: "Advance one pipeline as far as it can go now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		orch, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		res, err := orch.Advance(ctx, args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %s", res.TaskID, res.Action, res.Stage)
		if res.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", res.Message)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var pipelineFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark an active pipeline as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		reason, _ := cmd.Flags().GetString("reason")
		ctx := cmd.Context()
		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}
		p, err := repo.Fail(ctx, args[0], errors.New(reason))
		if err != nil {
			return err
		}
		logEvent(cmd, a, p.TaskID, "failed", p.CurrentStage, reason)
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s failed at %s.\n", p.TaskID, p.CurrentStage)
		return nil
	},
}

var pipelineRerunStageCmd = &cobra.Command{
	Use:   "rerun-stage <task-id> <stage>",
	Short: "Restart a stage of an active pipeline",
	Long: `Rerun-stage marks the stage IN_PROGRESS again and makes it the current
stage. The next advance continues from there.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, ok := pipeline.ParseStage(args[1])
		if !ok {
			return fmt.Errorf("unknown stage %q", args[1])
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}
		p, err := repo.UpdateStage(ctx, args[0], stage, nil)
		if err != nil {
			return err
		}
		logEvent(cmd, a, p.TaskID, "stage_rerun", stage, "")
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s is back at %s.\n", p.TaskID, p.CurrentStage)
		return nil
	},
}

var pipelineHistoryCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Show the event log of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		d, err := a.database(ctx)
		if err != nil {
			return err
		}
		events, err := d.GetPipelineHistory(ctx, args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(events, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(events) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events for %s.\n", args[0])
			return nil
		}
		rows := make([][]string, 0, len(events))
		for _, e := range events {
			rows = append(rows, []string{e.Timestamp, e.Event, e.Stage, truncate(e.Detail, 60)})
		}
		writeTable(cmd.OutOrStdout(), []string{"TIME", "EVENT", "STAGE", "DETAIL"}, rows)
		return nil
	},
}

var pipelineCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished pipelines and their events",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		age, _ := cmd.Flags().GetDuration("older-than")
		if age < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		ctx := cmd.Context()
		repo, err := a.repository(ctx)
		if err != nil {
			return err
		}

		// Collected first: the repository only reports a count.
		all, err := repo.List(ctx, "")
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-age)
		var ids []string
		for _, p := range all {
			if !p.Active() && p.TerminatedAt().Before(cutoff) {
				ids = append(ids, p.TaskID)
			}
		}

		removed, err := repo.CleanupOlderThan(ctx, age)
		if err != nil {
			return err
		}
		pruned := 0
		if len(ids) > 0 {
			d, err := a.database(ctx)
			if err != nil {
				return err
			}
			if pruned, err = d.PrunePipelineEvents(ctx, ids); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s and %s %s.\n",
			strconv.Itoa(removed), plural(removed, "pipeline", "pipelines"),
			humanize.Comma(int64(pruned)), plural(pruned, "event", "events"))
		return nil
	},
}

// logEvent records an audit event. The event log is best-effort for manual
// commands; the pipeline change already happened.
func logEvent(cmd *cobra.Command, a *app, taskID, event string, stage pipeline.Stage, detail string) {
	d, err := a.database(cmd.Context())
	if err == nil {
		err = d.LogPipelineEvent(cmd.Context(), taskID, event, string(stage), detail)
	}
	if err != nil {
		a.logger.Warningf("could not record %s event for %s: %s", event, taskID, err)
	}
}

func init() {
	pipelineListCmd.Flags().String("status", "", "filter by status: pending, in-progress, completed, failed")
	pipelineListCmd.Flags().String("format", "", "output format: json or table (default)")
	pipelineShowCmd.Flags().String("format", "", "output format: json or text (default)")
	pipelineInitCmd.Flags().String("title", "", "task title")
	pipelineInitCmd.Flags().String("description", "", "task description handed to the worker")
	pipelineInitCmd.Flags().Bool("from-issue", false, "fill title and description from the GitHub issue with this number")
	pipelineAdvanceCmd.Flags().String("format", "", "output format: json or text (default)")
	pipelineFailCmd.Flags().String("reason", "failed manually", "failure reason")
	pipelineHistoryCmd.Flags().String("format", "", "output format: json or table (default)")
	pipelineCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "remove pipelines that ended longer ago than this")

	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineShowCmd)
	pipelineCmd.AddCommand(pipelineInitCmd)
	pipelineCmd.AddCommand(pipelineAdvanceCmd)
	pipelineCmd.AddCommand(pipelineFailCmd)
	pipelineCmd.AddCommand(pipelineRerunStageCmd)
	pipelineCmd.AddCommand(pipelineHistoryCmd)
	pipelineCmd.AddCommand(pipelineCleanupCmd)
}
