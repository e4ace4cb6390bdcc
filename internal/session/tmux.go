package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// TmuxRunner abstracts tmux shell commands for testability.
type TmuxRunner interface {
	NewSession(ctx context.Context, name, dir string, env map[string]string) error
	SendKeys(ctx context.Context, session string, keys string) error
	KillSession(ctx context.Context, name string) error
	CapturePaneLines(ctx context.Context, name string, lines int) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	HasSession(ctx context.Context, name string) (bool, error)
	PanePID(ctx context.Context, name string) (int, error)
}

// ExecTmux implements TmuxRunner by shelling out to tmux.
type ExecTmux struct{}

// NewExecTmux returns a new ExecTmux.
func NewExecTmux() *ExecTmux {
	return &ExecTmux{}
}

// NewSession starts a detached session in dir. env is set in the session
// environment only, never on the command line of the agent.
func (e *ExecTmux) NewSession(ctx context.Context, name, dir string, env map[string]string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return run(ctx, args...)
}

func (e *ExecTmux) SendKeys(ctx context.Context, session string, keys string) error {
	return run(ctx, "send-keys", "-t", session, keys, "Enter")
}

func (e *ExecTmux) KillSession(ctx context.Context, name string) error {
	return run(ctx, "kill-session", "-t", name)
}

func (e *ExecTmux) CapturePaneLines(ctx context.Context, name string, lines int) (string, error) {
	startLine := fmt.Sprintf("-%d", lines)
	out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", name, "-p", "-S", startLine).Output()
	if err != nil {
		return "", fmt.Errorf("capture-pane: %w", err)
	}
	return string(out), nil
}

func (e *ExecTmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// tmux exits non-zero when no server is running
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("list-sessions: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}

// HasSession reports whether the named session exists. tmux exits 1 when it
// does not.
func (e *ExecTmux) HasSession(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("has-session: %w", err)
}

// PanePID returns the PID of the shell running in the session's first pane.
func (e *ExecTmux) PanePID(ctx context.Context, name string) (int, error) {
	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-p", "-t", name, "#{pane_pid}").Output()
	if err != nil {
		return 0, fmt.Errorf("display-message: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", strings.TrimSpace(string(out)), err)
	}
	return pid, nil
}

func run(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}
