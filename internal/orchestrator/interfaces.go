package orchestrator

import (
	"context"

	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

// Task is a unit of work picked up from a TaskSource.
type Task struct {
	ID          string
	Title       string
	Description string
	Repository  string
	URL         string
	Labels      []string
}

// TaskStatus is the externally visible state of a task.
type TaskStatus string

const (
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// TaskSource lists ready tasks and reports progress back to the tracker.
type TaskSource interface {
	ListReadyTasks(ctx context.Context) ([]Task, error)
	PostComment(ctx context.Context, taskID, text string) error
	SetStatus(ctx context.Context, taskID string, status TaskStatus) error
}

// LaunchRequest describes the worker to start for a task.
type LaunchRequest struct {
	TaskID string
	Title  string
	Prompt string
	Branch string
}

// WorkerHandle identifies a launched worker.
type WorkerHandle struct {
	PID     int
	Branch  string
	Workdir string
	Session string
}

// WorkerLauncher starts an implementation worker.
type WorkerLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) (*WorkerHandle, error)
}

// PR is a pull request on the code host.
type PR struct {
	Number int
	URL    string
}

// PROptions holds options for creating a PR.
type PROptions struct {
	Title  string
	Body   string
	Branch string
	Base   string
}

// VCS covers the code-host operations the pipeline needs after implementation.
type VCS interface {
	FindPR(ctx context.Context, branch string) (*PR, error)
	// RebaseOntoMain reports conflicted=true when the rebase was aborted.
	RebaseOntoMain(ctx context.Context, dir string) (conflicted bool, err error)
	PushBranch(ctx context.Context, dir, branch string) error
	CreatePR(ctx context.Context, opts PROptions) (*PR, error)
}

// Analyzer turns a task into an implementation prompt.
type Analyzer interface {
	Analyze(ctx context.Context, task Task) (string, error)
}

// ReviewRequest describes a review of a worker's branch.
type ReviewRequest struct {
	TaskID  string
	Title   string
	Branch  string
	Workdir string
}

// FixRequest asks for review findings to be addressed.
type FixRequest struct {
	ReviewRequest
	Findings string
}

// Reviewer runs the optional review and fix stages.
type Reviewer interface {
	// Review returns the findings, or "" when there is nothing to fix.
	Review(ctx context.Context, req ReviewRequest) (string, error)
	Fix(ctx context.Context, req FixRequest) error
}

// EventLog records pipeline events for the audit trail.
type EventLog interface {
	LogPipelineEvent(ctx context.Context, taskID, event, stage, detail string) error
}

// FallbackQueue receives tasks that need manual handling.
type FallbackQueue interface {
	Add(ctx context.Context, task fallback.Task) (bool, error)
}

// Store is the subset of pipeline.Repository the orchestrator drives.
type Store interface {
	Init(ctx context.Context, taskID string, task pipeline.TaskData) (*pipeline.Pipeline, error)
	Get(ctx context.Context, taskID string) (*pipeline.Pipeline, error)
	GetActive(ctx context.Context) ([]*pipeline.Pipeline, error)
	UpdateHeartbeat(ctx context.Context, taskID string) error
	UpdateStage(ctx context.Context, taskID string, stage pipeline.Stage, data map[string]any) (*pipeline.Pipeline, error)
	CompleteStage(ctx context.Context, taskID string, stage pipeline.Stage, result map[string]any) (*pipeline.Pipeline, error)
	FailStage(ctx context.Context, taskID string, stage pipeline.Stage, cause error) (*pipeline.Pipeline, error)
	SkipStage(ctx context.Context, taskID string, stage pipeline.Stage, reason string) (*pipeline.Pipeline, error)
	UpdateMetadata(ctx context.Context, taskID string, kv map[string]string) (*pipeline.Pipeline, error)
	Complete(ctx context.Context, taskID string, result map[string]any) (*pipeline.Pipeline, error)
	Fail(ctx context.Context, taskID string, cause error) (*pipeline.Pipeline, error)
}
