package github

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lucasnoah/autodev/internal/orchestrator"
	"github.com/lucasnoah/autodev/internal/prompt"
)

// noFindings is the sentinel a reviewer prints for a clean review.
const noFindings = "NO_FINDINGS"

// CommandFunc runs argv in dir and returns its combined output.
type CommandFunc func(ctx context.Context, dir string, argv []string) (string, error)

// ExecCommand is the CommandFunc used outside tests.
func ExecCommand(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("%s: %s: %w", argv[0], trimmed, err)
	}
	return trimmed, nil
}

// CommandReviewer runs review and fix agents as one-shot commands inside the
// task's worktree. The prompt is passed as the last argument.
type CommandReviewer struct {
	review  []string
	fix     []string
	run     CommandFunc
	prompts prompt.Set
}

// NewCommandReviewer parses the two command lines. run defaults to ExecCommand.
func NewCommandReviewer(reviewCmd, fixCmd string, run CommandFunc) (*CommandReviewer, error) {
	review := strings.Fields(reviewCmd)
	fix := strings.Fields(fixCmd)
	if len(review) == 0 {
		return nil, fmt.Errorf("review command is empty")
	}
	if len(fix) == 0 {
		return nil, fmt.Errorf("fix command is empty")
	}
	if run == nil {
		run = ExecCommand
	}
	return &CommandReviewer{review: review, fix: fix, run: run}, nil
}

// WithPrompts makes the reviewer render its prompts from s.
func (r *CommandReviewer) WithPrompts(s prompt.Set) *CommandReviewer {
	r.prompts = s
	return r
}

// Review returns the reviewer's findings, or "" for a clean review.
func (r *CommandReviewer) Review(ctx context.Context, req orchestrator.ReviewRequest) (string, error) {
	text, err := r.prompts.Render(prompt.Review, reviewVars(req.TaskID, req.Title, req.Branch))
	if err != nil {
		return "", fmt.Errorf("review task %s: %w", req.TaskID, err)
	}
	out, err := r.run(ctx, req.Workdir, withArg(r.review, text))
	if err != nil {
		return "", fmt.Errorf("review task %s: %w", req.TaskID, err)
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.HasSuffix(out, noFindings) {
		return "", nil
	}
	return out, nil
}

// Fix asks the fix agent to address findings on the branch.
func (r *CommandReviewer) Fix(ctx context.Context, req orchestrator.FixRequest) error {
	vars := reviewVars(req.TaskID, req.Title, req.Branch)
	vars["findings"] = req.Findings
	text, err := r.prompts.Render(prompt.Fix, vars)
	if err != nil {
		return fmt.Errorf("fix task %s: %w", req.TaskID, err)
	}
	if _, err := r.run(ctx, req.Workdir, withArg(r.fix, text)); err != nil {
		return fmt.Errorf("fix task %s: %w", req.TaskID, err)
	}
	return nil
}

func withArg(argv []string, arg string) []string {
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv...)
	return append(out, arg)
}

func reviewVars(taskID, title, branch string) prompt.Vars {
	return prompt.Vars{
		"task_id":     taskID,
		"task_title":  title,
		"branch":      branch,
		"no_findings": noFindings,
	}
}
