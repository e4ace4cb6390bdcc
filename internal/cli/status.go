package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active pipelines and the fallback queue size",
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

		all, _ := cmd.Flags().GetBool("all")
		var pipelines []*pipeline.Pipeline
		if all {
			pipelines, err = repo.List(ctx, "")
		} else {
			pipelines, err = repo.GetActive(ctx)
		}
		if err != nil {
			return fmt.Errorf("list pipelines: %w", err)
		}

		queue, err := a.fallbackQueue(ctx)
		if err != nil {
			return err
		}
		queued, err := queue.Len(ctx)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(struct {
				Pipelines []*pipeline.Pipeline `json:"pipelines"`
				Fallback  int                  `json:"fallback"`
			}{pipelines, queued}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		if len(pipelines) == 0 {
			fmt.Fprintln(w, "No pipelines found.")
		} else {
			printPipelines(w, pipelines)
		}
		fmt.Fprintf(w, "Fallback queue: %s %s\n", humanize.Comma(int64(queued)), plural(queued, "task", "tasks"))
		return nil
	},
}

func printPipelines(w io.Writer, pipelines []*pipeline.Pipeline) {
	rows := make([][]string, 0, len(pipelines))
	for _, p := range pipelines {
		rows = append(rows, []string{
			p.TaskID,
			string(p.Status),
			string(p.CurrentStage),
			ago(p.LastHeartbeat),
			humanize.Time(p.CreatedAt),
			strconv.Itoa(len(p.Errors)),
			truncate(p.TaskName, 40),
		})
	}
	writeTable(w, []string{"TASK", "STATUS", "STAGE", "HEARTBEAT", "CREATED", "ERRORS", "TITLE"}, rows, 5)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	statusCmd.Flags().Bool("all", false, "include completed and failed pipelines")
	statusCmd.Flags().String("format", "", "output format: json or table (default)")
}
