// Package worktree gives every task its own git worktree and branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix namespaces the branches workers push.
const BranchPrefix = "autodev/"

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles git worktree operations.
type Manager struct {
	git     GitRunner
	baseDir string // where worktrees are created (repo-root/worktrees/)
	repoDir string // git repo root
	stat    func(string) (os.FileInfo, error)
}

// NewManager creates a worktree manager.
func NewManager(git GitRunner, repoDir string, baseDir string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(repoDir, "worktrees")
	}
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, stat: os.Stat}
}

// CreateOpts holds options for creating a worktree.
type CreateOpts struct {
	TaskID string
	Title  string
	Branch string // override auto-generated branch name
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Branch string
	// Reused is set when the worktree already existed.
	Reused bool
}

// Create creates a new git worktree for a task. An existing worktree for the
// same task is reused so a relaunched worker continues on its branch.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*CreateResult, error) {
	if err := validateTaskID(opts.TaskID); err != nil {
		return nil, err
	}

	branch := opts.Branch
	if branch == "" {
		branch = BranchName(opts.TaskID, opts.Title)
	} else {
		branch = sanitizeBranch(branch)
	}

	worktreePath := m.Path(opts.TaskID)
	if _, err := m.stat(worktreePath); err == nil {
		if out, err := m.git.Run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && out != "" {
			branch = out
		}
		return &CreateResult{Path: worktreePath, Branch: branch, Reused: true}, nil
	}

	// Best-effort fetch to ensure we branch from up-to-date main
	_, _ = m.git.Run(ctx, m.repoDir, "fetch", "origin", "main")

	// Branch explicitly from origin/main, not the local HEAD, which may lag.
	_, err := m.git.Run(ctx, m.repoDir, "worktree", "add", worktreePath, "-b", branch, "origin/main")
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		if _, err = m.git.Run(ctx, m.repoDir, "worktree", "add", worktreePath, branch); err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}

	return &CreateResult{
		Path:   worktreePath,
		Branch: branch,
	}, nil
}

// Remove removes a task's worktree and optionally deletes the branch.
func (m *Manager) Remove(ctx context.Context, taskID string, deleteBranch bool) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}

	worktreePath := m.Path(taskID)

	var branch string
	if deleteBranch {
		out, err := m.git.Run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
		if err == nil {
			branch = out
		}
	}

	// Without --force to protect uncommitted work.
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", worktreePath); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}

	if deleteBranch && branch != "" && branch != "main" && branch != "master" {
		if _, err := m.git.Run(ctx, m.repoDir, "branch", "-d", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}

	return nil
}

// Path returns the worktree path for a task.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.baseDir, "task-"+slug(taskID, 40))
}

// BranchName returns the default branch for a task: autodev/<id>-<title slug>.
func BranchName(taskID, title string) string {
	name := BranchPrefix + slug(taskID, 40)
	if s := slug(strings.ToLower(title), 40); s != "" {
		name += "-" + s
	}
	return sanitizeBranch(name)
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)
var nonSlug = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func slug(s string, max int) string {
	s = strings.Trim(nonSlug.ReplaceAllString(s, "-"), "-")
	if len(s) > max {
		s = strings.TrimRight(s[:max], "-")
	}
	return s
}

func validateTaskID(id string) error {
	if slug(id, 40) == "" {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}
