// Package session starts implementation workers in tmux sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lucasnoah/autodev/internal/log"
	"github.com/lucasnoah/autodev/internal/orchestrator"
	"github.com/lucasnoah/autodev/internal/worktree"
)

// stateDir is the per-worktree directory holding the prompt. It is ignored by git.
const stateDir = ".autodev"

const sessionSuffixLen = 6

// Worktrees creates per-task git worktrees.
type Worktrees interface {
	Create(ctx context.Context, opts worktree.CreateOpts) (*worktree.CreateResult, error)
}

// LauncherConfig is the launcher configuration.
type LauncherConfig struct {
	Tmux      TmuxRunner
	Worktrees Worktrees
	// AgentCommand is the worker CLI; the prompt is fed on stdin.
	AgentCommand      string
	SessionPrefix     string
	HeartbeatInterval time.Duration
	// Binary is the autodev binary workers call back into.
	Binary string
	Env    map[string]string
	Logger log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.Tmux == nil {
		return errors.New("tmux runner is required")
	}
	if c.Worktrees == nil {
		return errors.New("worktree manager is required")
	}
	if strings.TrimSpace(c.AgentCommand) == "" {
		return errors.New("agent command is required")
	}
	if c.SessionPrefix == "" {
		c.SessionPrefix = "autodev"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Binary == "" {
		c.Binary = ResolveBinary()
	}
	if c.Env == nil {
		c.Env = WorkerEnv()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Launcher"})
	return nil
}

// Launcher implements orchestrator.WorkerLauncher. Each worker gets its own
// worktree and tmux session. The session shell runs a heartbeat sidecar tied
// to its own PID, then the agent, then reports the IMPLEMENTING outcome back
// through the CLI before exiting.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher returns a Launcher with defaults applied to cfg.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Launcher{cfg: cfg}, nil
}

// Launch starts a worker for req. Sessions left over from an earlier launch
// of the same task are killed first.
func (l *Launcher) Launch(ctx context.Context, req orchestrator.LaunchRequest) (*orchestrator.WorkerHandle, error) {
	wt, err := l.cfg.Worktrees.Create(ctx, worktree.CreateOpts{TaskID: req.TaskID, Title: req.Title, Branch: req.Branch})
	if err != nil {
		return nil, err
	}
	logger := l.cfg.Logger.WithValues(log.Kv{"task": req.TaskID, "branch": wt.Branch})
	if wt.Reused {
		logger.Infof("reusing worktree %s", wt.Path)
	}

	if err := l.Stop(ctx, req.TaskID); err != nil {
		return nil, err
	}

	promptPath, err := writePrompt(wt.Path, req.Prompt)
	if err != nil {
		return nil, err
	}
	if _, err := WriteHooksFile(wt.Path, GenerateHooksConfig(l.cfg.Binary, req.TaskID)); err != nil {
		return nil, fmt.Errorf("write hooks config: %w", err)
	}

	name := l.sessionName(req.TaskID)
	if err := l.cfg.Tmux.NewSession(ctx, name, wt.Path, l.cfg.Env); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := l.cfg.Tmux.SendKeys(ctx, name, l.workerCommand(req.TaskID, promptPath)); err != nil {
		_ = l.cfg.Tmux.KillSession(ctx, name)
		return nil, fmt.Errorf("send worker command: %w", err)
	}

	pid, err := l.cfg.Tmux.PanePID(ctx, name)
	if err != nil {
		logger.Warningf("could not read worker pid: %s", err)
	}
	logger.Infof("worker started in session %s (pid %d)", name, pid)

	return &orchestrator.WorkerHandle{
		PID:     pid,
		Branch:  wt.Branch,
		Workdir: wt.Path,
		Session: name,
	}, nil
}

// Stop kills every session belonging to taskID.
func (l *Launcher) Stop(ctx context.Context, taskID string) error {
	names, err := l.cfg.Tmux.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("tmux not available: %w", err)
	}
	prefix := l.taskPrefix(taskID)
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) || len(n) != len(prefix)+sessionSuffixLen {
			continue
		}
		if err := l.cfg.Tmux.KillSession(ctx, n); err != nil {
			return fmt.Errorf("kill session %s: %w", n, err)
		}
		l.cfg.Logger.Infof("killed session %s", n)
	}
	return nil
}

// Alive reports whether the worker session still exists. The worker command
// reports its outcome and exits, which ends the session.
func (l *Launcher) Alive(ctx context.Context, session string) (bool, error) {
	ok, err := l.cfg.Tmux.HasSession(ctx, session)
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", session, err)
	}
	return ok, nil
}

func (l *Launcher) taskPrefix(taskID string) string {
	return fmt.Sprintf("%s-%s-", l.cfg.SessionPrefix, sessionSafe(taskID))
}

// sessionName suffixes the task prefix with the random tail of a ULID so a
// relaunch never collides with a session that is still shutting down.
func (l *Launcher) sessionName(taskID string) string {
	id := strings.ToLower(ulid.Make().String())
	return l.taskPrefix(taskID) + id[len(id)-sessionSuffixLen:]
}

// workerCommand is the shell line typed into the session. $$ is the pane
// shell, so the heartbeat sidecar ends with the session.
func (l *Launcher) workerCommand(taskID, promptPath string) string {
	bin := shellQuote(l.cfg.Binary)
	task := shellQuote(taskID)
	return fmt.Sprintf(
		"%s heartbeat %s --watch-pid $$ --every %s >/dev/null 2>&1 & "+
			"%s < %s && %s stage complete %s implementing || %s stage fail %s implementing --reason \"agent exited with status $?\"; exit",
		bin, task, l.cfg.HeartbeatInterval,
		l.cfg.AgentCommand, shellQuote(promptPath), bin, task, bin, task,
	)
}

func writePrompt(workdir, prompt string) (string, error) {
	dir := filepath.Join(workdir, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", stateDir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s/.gitignore: %w", stateDir, err)
	}
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	return path, nil
}

// sessionSafe strips characters tmux treats specially in target names.
func sessionSafe(s string) string {
	return strings.NewReplacer(".", "-", ":", "-", " ", "-").Replace(s)
}
