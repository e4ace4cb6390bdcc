package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Stale worker detection",
}

var watchdogScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Fail pipelines whose worker stopped heartbeating",
	Long: `Scan runs one watchdog pass. Every pipeline that is IN_PROGRESS with a
heartbeat older than watchdog.stale_threshold is failed and handed over to
the fallback queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		onTerminated, err := a.terminationHandler(ctx)
		if err != nil {
			return err
		}
		wd, err := a.watchdog(ctx, onTerminated)
		if err != nil {
			return err
		}
		ids, err := wd.Tick(ctx)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if ids == nil {
				ids = []string{}
			}
			data, _ := json.MarshalIndent(ids, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stale pipelines.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "Terminated %s.\n", id)
		}
		return nil
	},
}

// terminationHandler returns the orchestrator handoff when the orchestrator
// can be built. Otherwise terminated pipelines still go to the fallback queue
// directly.
func (a *app) terminationHandler(ctx context.Context) (func(context.Context, *pipeline.Pipeline), error) {
	orch, err := a.orchestrator(ctx)
	if err == nil {
		return orch.HandleTerminated, nil
	}
	a.logger.Warningf("orchestrator unavailable, queueing terminated tasks without notification: %s", err)

	q, err := a.fallbackQueue(ctx)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, p *pipeline.Pipeline) {
		reason := pipeline.StaleWorkerMessage
		if n := len(p.Errors); n > 0 {
			reason = p.Errors[n-1].Error
		}
		_, err := q.Add(ctx, fallback.Task{
			ID:          p.TaskID,
			Title:       p.TaskName,
			Description: p.Metadata[pipeline.MetaDescription],
			Repository:  p.Metadata[pipeline.MetaRepository],
			Branch:      p.Metadata[pipeline.MetaBranch],
			Reason:      reason,
		})
		if err != nil {
			a.logger.Errorf("could not queue %s: %s", p.TaskID, err)
		}
	}, nil
}

func init() {
	watchdogScanCmd.Flags().String("format", "", "output format: json or text (default)")
	watchdogCmd.AddCommand(watchdogScanCmd)
}
