package github

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/autodev/internal/orchestrator"
	"github.com/lucasnoah/autodev/internal/prompt"
)

func testSourceConfig() SourceConfig {
	return SourceConfig{
		ReadyLabel:      "autodev:ready",
		InProgressLabel: "autodev:in-progress",
		DoneLabel:       "autodev:done",
		FailedLabel:     "autodev:failed",
		Limit:           10,
	}
}

func TestTaskSource_ListReadyTasks(t *testing.T) {
	listJSON := `[
		{"number": 8, "title": "half claimed", "body": "", "labels": [{"name": "autodev:ready"}, {"name": "autodev:in-progress"}]},
		{"number": 4, "title": "Fix login", "body": "Login is broken", "url": "https://github.com/org/repo/issues/4", "labels": [{"name": "autodev:ready"}, {"name": "bug"}]}
	]`
	mock := &mockCmd{results: []mockResult{{output: listJSON}}}
	src := NewTaskSource(NewClient(mock).WithRepo("org/repo"), testSourceConfig())

	tasks, err := src.ListReadyTasks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %+v", tasks)
	}
	got := tasks[0]
	if got.ID != "4" || got.Title != "Fix login" || got.Description != "Login is broken" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Repository != "org/repo" || got.URL != "https://github.com/org/repo/issues/4" {
		t.Errorf("unexpected repository/url: %+v", got)
	}
	if strings.Join(got.Labels, ",") != "autodev:ready,bug" {
		t.Errorf("unexpected labels: %v", got.Labels)
	}
}

func TestTaskSource_ListReadyTasksError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("network is unreachable")}}}
	src := NewTaskSource(NewClient(mock), testSourceConfig())
	if _, err := src.ListReadyTasks(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestTaskSource_Task(t *testing.T) {
	issueJSON := `{"number": 7, "title": "Add export", "body": "CSV please", "url": "https://github.com/org/repo/issues/7", "labels": [{"name": "autodev:done"}]}`
	mock := &mockCmd{results: []mockResult{{output: issueJSON}}}
	src := NewTaskSource(NewClient(mock).WithRepo("org/repo"), testSourceConfig())

	got, err := src.Task(context.Background(), "#7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "7" || got.Title != "Add export" || got.Description != "CSV please" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Repository != "org/repo" || got.URL != "https://github.com/org/repo/issues/7" {
		t.Errorf("unexpected repository/url: %+v", got)
	}
	if len(mock.calls) != 1 || strings.Join(mock.calls[0][:3], " ") != "issue view 7" {
		t.Errorf("unexpected gh calls: %v", mock.calls)
	}

	if _, err := src.Task(context.Background(), "abc"); err == nil {
		t.Error("expected error for a non-numeric task ID")
	}
}

func TestTaskSource_SetStatus(t *testing.T) {
	tests := []struct {
		status orchestrator.TaskStatus
		want   string
	}{
		{orchestrator.TaskInProgress, "issue edit 4 --add-label autodev:in-progress --remove-label autodev:ready --remove-label autodev:done --remove-label autodev:failed"},
		{orchestrator.TaskDone, "issue edit 4 --add-label autodev:done --remove-label autodev:ready --remove-label autodev:in-progress --remove-label autodev:failed"},
		{orchestrator.TaskFailed, "issue edit 4 --add-label autodev:failed --remove-label autodev:ready --remove-label autodev:in-progress --remove-label autodev:done"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			mock := &mockCmd{}
			src := NewTaskSource(NewClient(mock), testSourceConfig())
			if err := src.SetStatus(context.Background(), "4", tt.status); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := strings.Join(mock.calls[0], " "); got != tt.want {
				t.Errorf("args = %q\nwant   %q", got, tt.want)
			}
		})
	}
}

func TestTaskSource_SetStatusUnknown(t *testing.T) {
	mock := &mockCmd{}
	src := NewTaskSource(NewClient(mock), testSourceConfig())
	if err := src.SetStatus(context.Background(), "4", "paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected no gh call, got %d", len(mock.calls))
	}
}

func TestTaskSource_PostComment(t *testing.T) {
	mock := &mockCmd{}
	src := NewTaskSource(NewClient(mock), testSourceConfig())
	if err := src.PostComment(context.Background(), "#12", "started"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(mock.calls[0], " "); got != "issue comment 12 --body started" {
		t.Errorf("unexpected args: %s", got)
	}

	if err := src.PostComment(context.Background(), "not-a-number", "x"); err == nil {
		t.Fatal("expected error for non-numeric task id")
	}
}

func TestVCS(t *testing.T) {
	cmd := &mockCmd{results: []mockResult{
		{output: `[]`},
		{output: "https://github.com/org/repo/pull/3"},
	}}
	git := &mockGitRunner{}
	vcs := NewVCS(NewClientWithGit(cmd, git), "")
	ctx := context.Background()

	pr, err := vcs.FindPR(ctx, "autodev/4-fix-login")
	if err != nil || pr != nil {
		t.Fatalf("FindPR = %+v, %v; want nil, nil", pr, err)
	}

	if err := vcs.PushBranch(ctx, "/wt", "autodev/4-fix-login"); err != nil {
		t.Fatalf("PushBranch: %v", err)
	}
	if !strings.Contains(strings.Join(git.calls[0].Args, " "), "--force-with-lease") {
		t.Errorf("expected force-with-lease push, got %v", git.calls[0].Args)
	}

	pr, err = vcs.CreatePR(ctx, orchestrator.PROptions{Title: "Fix login", Body: "Closes #4", Branch: "autodev/4-fix-login"})
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if pr.Number != 3 || pr.URL != "https://github.com/org/repo/pull/3" {
		t.Errorf("unexpected PR: %+v", pr)
	}
	if args := strings.Join(cmd.calls[1], " "); !strings.Contains(args, "--base main") {
		t.Errorf("expected default base main, got %s", args)
	}
}

func TestClaudeAnalyzer(t *testing.T) {
	task := orchestrator.Task{
		ID:          "4",
		Title:       "Fix login",
		Description: "Login is broken.\n\n## Acceptance Criteria\n- [ ] user can log in",
		Labels:      []string{"bug"},
	}

	var prompt string
	a := NewClaudeAnalyzer(func(ctx context.Context, p string) (string, error) {
		prompt = p
		return "  1. fix the handler  ", nil
	})
	plan, err := a.Analyze(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != "1. fix the handler" {
		t.Errorf("plan = %q", plan)
	}
	for _, want := range []string{"Task 4: Fix login", "Acceptance criteria:", "user can log in", "Labels: bug", "NO_PLAN"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestClaudeAnalyzer_Failures(t *testing.T) {
	tests := map[string]struct {
		resp string
		err  error
		is   error
	}{
		"no plan":   {resp: "NO_PLAN", is: ErrNoPlan},
		"empty":     {resp: "  ", is: ErrNoPlan},
		"llm error": {err: errors.New("claude: rate limit"), is: nil},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a := NewClaudeAnalyzer(func(ctx context.Context, p string) (string, error) {
				return tt.resp, tt.err
			})
			_, err := a.Analyze(context.Background(), orchestrator.Task{ID: "1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

type recordedCommand struct {
	dir  string
	argv []string
}

func TestCommandReviewer(t *testing.T) {
	var calls []recordedCommand
	outputs := []string{"- missing nil check in handler.go", ""}
	run := func(ctx context.Context, dir string, argv []string) (string, error) {
		calls = append(calls, recordedCommand{dir: dir, argv: argv})
		out := outputs[0]
		outputs = outputs[1:]
		return out, nil
	}

	r, err := NewCommandReviewer("codex exec --full-auto", "claude --print", run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := orchestrator.ReviewRequest{TaskID: "4", Title: "Fix login", Branch: "autodev/4-fix-login", Workdir: "/wt/4"}

	findings, err := r.Review(context.Background(), req)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if findings != "- missing nil check in handler.go" {
		t.Errorf("findings = %q", findings)
	}
	if calls[0].dir != "/wt/4" || strings.Join(calls[0].argv[:3], " ") != "codex exec --full-auto" {
		t.Errorf("unexpected review call: %+v", calls[0])
	}
	if !strings.Contains(calls[0].argv[3], "autodev/4-fix-login") {
		t.Errorf("review prompt should mention the branch: %q", calls[0].argv[3])
	}

	if err := r.Fix(context.Background(), orchestrator.FixRequest{ReviewRequest: req, Findings: findings}); err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if len(calls[1].argv) != 3 || !strings.Contains(calls[1].argv[2], "missing nil check") {
		t.Errorf("unexpected fix call: %+v", calls[1])
	}
}

func TestCommandReviewer_NoFindings(t *testing.T) {
	run := func(ctx context.Context, dir string, argv []string) (string, error) {
		return "Looked at 3 files.\nNO_FINDINGS\n", nil
	}
	r, err := NewCommandReviewer("codex", "claude", run)
	if err != nil {
		t.Fatal(err)
	}
	findings, err := r.Review(context.Background(), orchestrator.ReviewRequest{TaskID: "1"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if findings != "" {
		t.Errorf("expected no findings, got %q", findings)
	}
}

func TestNewCommandReviewer_Empty(t *testing.T) {
	if _, err := NewCommandReviewer(" ", "claude", nil); err == nil {
		t.Error("expected error for empty review command")
	}
	if _, err := NewCommandReviewer("codex", "", nil); err == nil {
		t.Error("expected error for empty fix command")
	}
}

func TestClaudeAnalyzer_PromptOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, prompt.Analyze), []byte("Plan {{task_id}} ({{labels}})"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got string
	a := NewClaudeAnalyzer(func(ctx context.Context, p string) (string, error) {
		got = p
		return "plan", nil
	}).WithPrompts(prompt.Set{Dir: dir})
	if _, err := a.Analyze(context.Background(), orchestrator.Task{ID: "4", Labels: []string{"bug", "ui"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Plan 4 (bug, ui)" {
		t.Errorf("prompt = %q", got)
	}
}
