package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator and watchdog until interrupted",
	Long: `Run polls the task source, advances every active pipeline and watches
heartbeats for stale workers. Only one daemon may run per state directory.

With --once it performs a single watchdog scan and a single poll, then exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		once, _ := cmd.Flags().GetBool("once")
		if once {
			return runOnce(cmd, a)
		}

		dir, err := stateDir()
		if err != nil {
			return err
		}
		lock := flock.New(filepath.Join(dir, "daemon.lock"))
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire daemon lock: %w", err)
		}
		if !ok {
			return errors.New("another autodev daemon is already running")
		}
		defer lock.Unlock()

		webAddr, _ := cmd.Flags().GetString("web")
		if webAddr == "" {
			webAddr = a.cfg.Web.Addr
		}
		return runDaemon(cmd.Context(), a, webAddr)
	},
}

func runDaemon(ctx context.Context, a *app, webAddr string) error {
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	wd, err := a.watchdog(ctx, orch.HandleTerminated)
	if err != nil {
		return err
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				a.logger.Infof("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Watchdog.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				wd.Start(ctx)
				<-ctx.Done()
				wd.Stop()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Orchestrator.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := orch.Run(ctx); err != nil {
					return fmt.Errorf("orchestrator failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Status server.
	if webAddr != "" {
		srv, err := a.statusServer(ctx, webAddr)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return srv.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	a.logger.Infof("autodev daemon started")
	err = g.Run()
	a.logger.Infof("autodev daemon stopped")
	return err
}

func runOnce(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	wd, err := a.watchdog(ctx, orch.HandleTerminated)
	if err != nil {
		return err
	}

	terminated, err := wd.Tick(ctx)
	if err != nil {
		return err
	}
	results, err := orch.Poll(ctx)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		data, _ := json.MarshalIndent(struct {
			Terminated []string                     `json:"terminated"`
			Results    []orchestrator.AdvanceResult `json:"results"`
		}{terminated, results}, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	w := cmd.OutOrStdout()
	for _, id := range terminated {
		fmt.Fprintf(w, "Watchdog terminated pipeline %s.\n", id)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return nil
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.TaskID, r.Action, string(r.Stage), truncate(r.Message, 60)})
	}
	writeTable(w, []string{"TASK", "ACTION", "STAGE", "MESSAGE"}, rows)
	return nil
}

func init() {
	runCmd.Flags().Bool("once", false, "run one watchdog scan and one poll, then exit")
	runCmd.Flags().String("format", "", "output format for --once: json or table (default)")
	runCmd.Flags().String("web", "", "also serve the status UI on this address (overrides web.addr)")
}
