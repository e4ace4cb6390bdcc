package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/pipeline"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Report stage outcomes for a pipeline",
	Long: `Stage records the outcome of one stage. Workers call it when they exit:

  autodev stage complete 42 implementing
  autodev stage fail 42 implementing --reason "tests failed"`,
}

var stageCompleteCmd = &cobra.Command{
	Use:   "complete <task-id> <stage>",
	Short: "Mark a stage completed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseData(cmd)
		if err != nil {
			return err
		}
		return reportStage(cmd, args, "stage_completed", func(r *pipeline.Repository, taskID string, st pipeline.Stage) (*pipeline.Pipeline, error) {
			return r.CompleteStage(cmd.Context(), taskID, st, data)
		})
	},
}

var stageFailCmd = &cobra.Command{
	Use:   "fail <task-id> <stage>",
	Short: "Mark a stage failed; the pipeline stays active",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return reportStage(cmd, args, "stage_failed", func(r *pipeline.Repository, taskID string, st pipeline.Stage) (*pipeline.Pipeline, error) {
			return r.FailStage(cmd.Context(), taskID, st, errors.New(reason))
		})
	},
}

var stageSkipCmd = &cobra.Command{
	Use:   "skip <task-id> <stage>",
	Short: "Mark a stage skipped",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return reportStage(cmd, args, "stage_skipped", func(r *pipeline.Repository, taskID string, st pipeline.Stage) (*pipeline.Pipeline, error) {
			return r.SkipStage(cmd.Context(), taskID, st, reason)
		})
	},
}

type stageUpdate func(r *pipeline.Repository, taskID string, st pipeline.Stage) (*pipeline.Pipeline, error)

func reportStage(cmd *cobra.Command, args []string, event string, update stageUpdate) error {
	taskID := args[0]
	st, ok := pipeline.ParseStage(args[1])
	if !ok {
		return fmt.Errorf("unknown stage %q", args[1])
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.repository(cmd.Context())
	if err != nil {
		return err
	}
	p, err := update(repo, taskID, st)
	if err != nil {
		return err
	}

	detail := ""
	if rec := p.StageRecord(st); rec != nil {
		detail = rec.Error
	}
	logEvent(cmd, a, taskID, event, st, detail)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", taskID, st, p.StageRecord(st).Status)
	return nil
}

// parseData reads repeated --data key=value flags.
func parseData(cmd *cobra.Command) (map[string]any, error) {
	pairs, _ := cmd.Flags().GetStringArray("data")
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q (want key=value)", kv)
		}
		data[k] = v
	}
	return data, nil
}

func init() {
	stageCompleteCmd.Flags().StringArray("data", nil, "key=value to store on the stage record (repeatable)")
	stageFailCmd.Flags().String("reason", "stage failed", "failure reason")
	stageSkipCmd.Flags().String("reason", "skipped manually", "skip reason")

	stageCmd.AddCommand(stageCompleteCmd)
	stageCmd.AddCommand(stageFailCmd)
	stageCmd.AddCommand(stageSkipCmd)
}
