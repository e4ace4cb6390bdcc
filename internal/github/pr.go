package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PROpts holds options for creating a PR.
type PROpts struct {
	Title  string
	Body   string
	Branch string
	Base   string
}

// PRInfo identifies a pull request.
type PRInfo struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

var prNumberRe = regexp.MustCompile(`/pull/(\d+)`)

// CreatePR creates a pull request. gh prints the new PR's URL.
func (c *Client) CreatePR(ctx context.Context, opts PROpts) (*PRInfo, error) {
	if err := validateBranch(opts.Branch); err != nil {
		return nil, err
	}
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	url := out
	if lines := strings.Split(out, "\n"); len(lines) > 1 {
		url = strings.TrimSpace(lines[len(lines)-1])
	}
	info := &PRInfo{URL: url}
	if m := prNumberRe.FindStringSubmatch(url); m != nil {
		info.Number, _ = strconv.Atoi(m[1])
	}
	return info, nil
}

// FindPRByBranch checks if a PR already exists for a given branch.
// Returns nil if none exist.
func (c *Client) FindPRByBranch(ctx context.Context, branch string) (*PRInfo, error) {
	out, err := c.gh(ctx, "pr", "list", "--head", branch, "--state", "all", "--json", "number,url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []PRInfo
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// PushBranch pushes a branch to the remote.
func (c *Client) PushBranch(ctx context.Context, dir string, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if err := validateBranch(branch); err != nil {
		return err
	}
	if _, err := c.git.RunGit(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// ForcePushBranch pushes a branch using --force-with-lease, safe to use after a
// local rebase that rewrites history already on the remote.
func (c *Client) ForcePushBranch(ctx context.Context, dir string, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if err := validateBranch(branch); err != nil {
		return err
	}
	if _, err := c.git.RunGit(ctx, dir, "push", "--force-with-lease", "-u", "origin", branch); err != nil {
		return fmt.Errorf("force push branch: %w", err)
	}
	return nil
}

// RebaseOntoMain fetches origin/main and rebases the working tree onto it.
// Returns (conflicted=true, nil) when git detects merge conflicts and the
// rebase has been aborted, leaving the worktree clean.
// Returns (false, err) for fetch errors or unexpected rebase failures.
// Returns (false, nil) when the rebase completes cleanly (including no-op).
func (c *Client) RebaseOntoMain(ctx context.Context, dir string) (conflicted bool, err error) {
	if c.git == nil {
		return false, fmt.Errorf("git runner not configured")
	}
	if _, err := c.git.RunGit(ctx, dir, "fetch", "origin", "main"); err != nil {
		return false, fmt.Errorf("fetch origin main: %w", err)
	}
	out, rebaseErr := c.git.RunGit(ctx, dir, "rebase", "origin/main")
	if rebaseErr == nil {
		return false, nil
	}
	// Distinguish conflict failures from other errors (permission denied, bad ref, etc.)
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflict") {
		_, _ = c.git.RunGit(ctx, dir, "rebase", "--abort")
		return true, nil
	}
	return false, fmt.Errorf("rebase onto origin/main: %w", rebaseErr)
}

func validateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	return nil
}
