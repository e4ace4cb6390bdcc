package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/analytics"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stage durations, failures and weekly throughput",
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
		d, err := a.database(ctx)
		if err != nil {
			return err
		}
		all, err := repo.List(ctx, "")
		if err != nil {
			return err
		}

		window, _ := cmd.Flags().GetDuration("since")
		report, err := analytics.Build(ctx, all, d, time.Now().Add(-window))
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printReport(cmd, report)
		return nil
	},
}

func printReport(cmd *cobra.Command, r *analytics.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Since %s:", r.Since.Format("2006-01-02 15:04"))
	for _, st := range []pipeline.Status{pipeline.StatusPending, pipeline.StatusInProgress, pipeline.StatusCompleted, pipeline.StatusFailed} {
		fmt.Fprintf(w, " %d %s", r.ByStatus[st], st)
	}
	fmt.Fprintln(w)

	if len(r.Stages) > 0 {
		fmt.Fprintln(w, "\nStage durations (minutes):")
		rows := make([][]string, 0, len(r.Stages))
		for _, s := range r.Stages {
			rows = append(rows, []string{string(s.Stage), strconv.Itoa(s.Count), ftoa(s.Avg), ftoa(s.P50), ftoa(s.P95)})
		}
		writeTable(w, []string{"STAGE", "COUNT", "AVG", "P50", "P95"}, rows, 1, 2, 3, 4)
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		rows := make([][]string, 0, len(r.Failures))
		for _, f := range r.Failures {
			rows = append(rows, []string{string(f.Stage), strconv.Itoa(f.Failures), strconv.Itoa(f.Stale), ftoa(f.Pct) + "%"})
		}
		writeTable(w, []string{"STAGE", "FAILURES", "STALE", "SHARE"}, rows, 1, 2, 3)
	}

	if len(r.Throughput) > 0 {
		fmt.Fprintln(w, "\nThroughput:")
		rows := make([][]string, 0, len(r.Throughput))
		for _, t := range r.Throughput {
			rows = append(rows, []string{t.Period, strconv.Itoa(t.Created), strconv.Itoa(t.Completed), strconv.Itoa(t.Failed), ftoa(t.AvgDuration)})
		}
		writeTable(w, []string{"WEEK", "CREATED", "COMPLETED", "FAILED", "AVG HOURS"}, rows, 1, 2, 3, 4)
	}

	if len(r.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		rows := make([][]string, 0, len(r.Events))
		for _, e := range r.Events {
			rows = append(rows, []string{e.Event, strconv.Itoa(e.Count)})
		}
		writeTable(w, []string{"EVENT", "COUNT"}, rows, 1)
	}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}

func init() {
	statsCmd.Flags().Duration("since", 30*24*time.Hour, "only count activity within this window")
	statsCmd.Flags().String("format", "", "output format: json or table (default)")
}
