package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/log"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <task-id>",
	Short: "Record worker liveness for a pipeline",
	Long: `Heartbeat stamps the pipeline's last heartbeat. Agent hooks call it on
every lifecycle event.

With --watch-pid it keeps beating every --every until that process exits or
the pipeline leaves IN_PROGRESS. With --quiet errors are logged but the
command still succeeds, so a hook never breaks the agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		err := heartbeat(cmd, args[0])
		if err != nil && quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "heartbeat %s: %s\n", args[0], err)
			return nil
		}
		return err
	},
}

func heartbeat(cmd *cobra.Command, taskID string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	repo, err := a.repository(ctx)
	if err != nil {
		return err
	}
	if err := repo.UpdateHeartbeat(ctx, taskID); err != nil {
		return err
	}

	pid, _ := cmd.Flags().GetInt("watch-pid")
	if pid <= 0 {
		return nil
	}
	every, _ := cmd.Flags().GetDuration("every")
	if every <= 0 {
		return fmt.Errorf("--every must be positive")
	}

	logger := a.logger.WithValues(log.Kv{"task": taskID, "pid": pid})
	logger.Debugf("beating every %s", every)
	watchHeartbeat(ctx, every, func(ctx context.Context) bool {
		if !processAlive(pid) {
			logger.Debugf("watched process exited")
			return false
		}
		p, err := repo.Get(ctx, taskID)
		if err != nil {
			logger.Warningf("could not read pipeline: %s", err)
			return true
		}
		if p == nil || p.Status != pipeline.StatusInProgress {
			logger.Debugf("pipeline no longer in progress")
			return false
		}
		if err := repo.UpdateHeartbeat(ctx, taskID); err != nil {
			logger.Warningf("heartbeat failed: %s", err)
		}
		return true
	})
	return nil
}

// watchHeartbeat calls beat on every tick until it reports false or ctx is
// done.
func watchHeartbeat(ctx context.Context, every time.Duration, beat func(ctx context.Context) bool) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !beat(ctx) {
				return
			}
		}
	}
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func init() {
	heartbeatCmd.Flags().Int("watch-pid", 0, "keep beating while this process is alive")
	heartbeatCmd.Flags().Duration("every", 30*time.Second, "interval between beats with --watch-pid")
	heartbeatCmd.Flags().Bool("quiet", false, "never fail; report errors on stderr only")
}
