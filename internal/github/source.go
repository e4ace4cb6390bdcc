package github

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lucasnoah/autodev/internal/orchestrator"
)

// SourceConfig maps task statuses to issue labels.
type SourceConfig struct {
	ReadyLabel      string
	InProgressLabel string
	DoneLabel       string
	FailedLabel     string
	Limit           int
}

// TaskSource exposes labelled issues as orchestrator tasks. An issue is ready
// while it carries ReadyLabel; status changes swap the labels.
type TaskSource struct {
	client *Client
	cfg    SourceConfig
}

// NewTaskSource creates a TaskSource over client.
func NewTaskSource(client *Client, cfg SourceConfig) *TaskSource {
	return &TaskSource{client: client, cfg: cfg}
}

// ListReadyTasks returns the open issues carrying the ready label.
func (s *TaskSource) ListReadyTasks(ctx context.Context) ([]orchestrator.Task, error) {
	issues, err := s.client.ListIssues(ctx, s.cfg.ReadyLabel, s.cfg.Limit)
	if err != nil {
		return nil, err
	}

	tasks := make([]orchestrator.Task, 0, len(issues))
	for _, issue := range issues {
		if s.claimed(&issue) {
			continue
		}
		tasks = append(tasks, s.task(&issue))
	}
	return tasks, nil
}

// Task looks up a single issue by task ID, whatever its labels.
func (s *TaskSource) Task(ctx context.Context, taskID string) (orchestrator.Task, error) {
	n, err := ParseIssueNumber(taskID)
	if err != nil {
		return orchestrator.Task{}, err
	}
	issue, err := s.client.GetIssue(ctx, n)
	if err != nil {
		return orchestrator.Task{}, err
	}
	return s.task(issue), nil
}

func (s *TaskSource) task(issue *Issue) orchestrator.Task {
	return orchestrator.Task{
		ID:          strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: issue.Body,
		Repository:  s.client.Repo(),
		URL:         issue.URL,
		Labels:      issue.LabelNames(),
	}
}

// claimed reports whether the issue already carries a status label, which
// happens when a label swap only half applied.
func (s *TaskSource) claimed(issue *Issue) bool {
	for _, name := range issue.LabelNames() {
		switch name {
		case s.cfg.InProgressLabel, s.cfg.DoneLabel, s.cfg.FailedLabel:
			return true
		}
	}
	return false
}

// PostComment comments on the task's issue.
func (s *TaskSource) PostComment(ctx context.Context, taskID, text string) error {
	n, err := ParseIssueNumber(taskID)
	if err != nil {
		return err
	}
	return s.client.CommentIssue(ctx, n, text)
}

// SetStatus swaps the issue's status label.
func (s *TaskSource) SetStatus(ctx context.Context, taskID string, status orchestrator.TaskStatus) error {
	n, err := ParseIssueNumber(taskID)
	if err != nil {
		return err
	}

	var label string
	switch status {
	case orchestrator.TaskInProgress:
		label = s.cfg.InProgressLabel
	case orchestrator.TaskDone:
		label = s.cfg.DoneLabel
	case orchestrator.TaskFailed:
		label = s.cfg.FailedLabel
	default:
		return fmt.Errorf("unknown task status %q", status)
	}

	var remove []string
	for _, l := range []string{s.cfg.ReadyLabel, s.cfg.InProgressLabel, s.cfg.DoneLabel, s.cfg.FailedLabel} {
		if l != "" && l != label {
			remove = append(remove, l)
		}
	}
	var add []string
	if label != "" {
		add = []string{label}
	}
	return s.client.EditLabels(ctx, n, add, remove)
}

// VCS adapts Client to orchestrator.VCS.
type VCS struct {
	client *Client
	base   string
}

// NewVCS returns a VCS opening PRs against base (default "main").
func NewVCS(client *Client, base string) *VCS {
	if base == "" {
		base = "main"
	}
	return &VCS{client: client, base: base}
}

func (v *VCS) FindPR(ctx context.Context, branch string) (*orchestrator.PR, error) {
	info, err := v.client.FindPRByBranch(ctx, branch)
	if err != nil || info == nil {
		return nil, err
	}
	return &orchestrator.PR{Number: info.Number, URL: info.URL}, nil
}

func (v *VCS) RebaseOntoMain(ctx context.Context, dir string) (bool, error) {
	return v.client.RebaseOntoMain(ctx, dir)
}

// PushBranch force-pushes with lease since the branch was just rebased.
func (v *VCS) PushBranch(ctx context.Context, dir, branch string) error {
	return v.client.ForcePushBranch(ctx, dir, branch)
}

func (v *VCS) CreatePR(ctx context.Context, opts orchestrator.PROptions) (*orchestrator.PR, error) {
	base := opts.Base
	if base == "" {
		base = v.base
	}
	info, err := v.client.CreatePR(ctx, PROpts{Title: opts.Title, Body: opts.Body, Branch: opts.Branch, Base: base})
	if err != nil {
		return nil, err
	}
	return &orchestrator.PR{Number: info.Number, URL: info.URL}, nil
}
