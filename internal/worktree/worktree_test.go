package worktree

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
)

type mockGit struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Err
}

// newTestManager returns a Manager that sees no existing worktrees.
func newTestManager(git GitRunner) *Manager {
	mgr := NewManager(git, "/repo", "/repo/worktrees")
	mgr.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	return mgr
}

func TestCreate_HappyPath(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: ""}, // fetch origin main
			{Output: ""}, // worktree add
		},
	}

	mgr := newTestManager(git)
	result, err := mgr.Create(context.Background(), CreateOpts{TaskID: "42", Title: "Add auth"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Path != "/repo/worktrees/task-42" {
		t.Errorf("expected path /repo/worktrees/task-42, got %q", result.Path)
	}
	if result.Branch != "autodev/42-add-auth" {
		t.Errorf("expected branch autodev/42-add-auth, got %q", result.Branch)
	}
	if result.Reused {
		t.Error("expected a fresh worktree")
	}

	if len(git.calls) != 2 {
		t.Fatalf("expected 2 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "fetch", "origin", "main")
	call := git.calls[1]
	if call.Dir != "/repo" {
		t.Errorf("expected dir /repo, got %q", call.Dir)
	}
	assertArgs(t, call.Args, "worktree", "add", "/repo/worktrees/task-42", "-b", "autodev/42-add-auth", "origin/main")
}

func TestCreate_FetchFailsGracefully(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Err: fmt.Errorf("network unreachable")}, // fetch fails
			{Output: ""},                             // worktree add still succeeds
		},
	}

	mgr := newTestManager(git)
	result, err := mgr.Create(context.Background(), CreateOpts{TaskID: "42"})
	if err != nil {
		t.Fatalf("expected no error when fetch fails, got: %v", err)
	}
	if result.Branch != "autodev/42" {
		t.Errorf("expected branch autodev/42, got %q", result.Branch)
	}
	if len(git.calls) != 2 {
		t.Fatalf("expected 2 git calls, got %d", len(git.calls))
	}
}

func TestCreate_CustomBranchSanitized(t *testing.T) {
	mgr := newTestManager(&mockGit{})
	result, err := mgr.Create(context.Background(), CreateOpts{TaskID: "42", Branch: "my branch!!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Branch != "my-branch" {
		t.Errorf("expected sanitized branch 'my-branch', got %q", result.Branch)
	}
}

func TestCreate_BranchAlreadyExists(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: ""},                        // fetch
			{Err: fmt.Errorf("already exists")}, // first attempt fails
			{Output: ""},                        // retry without -b
		},
	}

	mgr := newTestManager(git)
	result, err := mgr.Create(context.Background(), CreateOpts{TaskID: "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(git.calls) != 3 {
		t.Fatalf("expected 3 git calls (fetch + retry), got %d", len(git.calls))
	}
	assertArgs(t, git.calls[2].Args, "worktree", "add", "/repo/worktrees/task-42", "autodev/42")
	if result.Branch != "autodev/42" {
		t.Errorf("expected branch, got %q", result.Branch)
	}
}

func TestCreate_Error(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: ""},                        // fetch
			{Err: fmt.Errorf("some git error")}, // worktree add
		},
	}

	_, err := newTestManager(git).Create(context.Background(), CreateOpts{TaskID: "42"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCreate_ReusesExistingWorktree(t *testing.T) {
	dir := t.TempDir()
	git := &mockGit{results: []mockResult{{Output: "autodev/7-old-title"}}}
	mgr := NewManager(git, dir, "")
	if err := os.MkdirAll(mgr.Path("7"), 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := mgr.Create(context.Background(), CreateOpts{TaskID: "7", Title: "new title"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Reused {
		t.Error("expected the existing worktree to be reused")
	}
	if result.Branch != "autodev/7-old-title" {
		t.Errorf("expected the checked-out branch, got %q", result.Branch)
	}
	if len(git.calls) != 1 {
		t.Fatalf("expected only rev-parse, got %d calls", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "rev-parse", "--abbrev-ref", "HEAD")
}

func TestCreate_InvalidTaskID(t *testing.T) {
	git := &mockGit{}
	mgr := newTestManager(git)

	for _, id := range []string{"", "  ", "///"} {
		if _, err := mgr.Create(context.Background(), CreateOpts{TaskID: id}); err == nil {
			t.Errorf("expected error for task id %q", id)
		}
	}
	if len(git.calls) != 0 {
		t.Errorf("expected no git calls, got %d", len(git.calls))
	}
}

func TestRemove_HappyPath(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: "autodev/42-add-auth"}, // rev-parse HEAD
			{Output: ""},                    // worktree remove
			{Output: ""},                    // branch -d
		},
	}

	err := newTestManager(git).Remove(context.Background(), "42", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(git.calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d", len(git.calls))
	}
	for _, arg := range git.calls[1].Args {
		if arg == "--force" {
			t.Error("worktree remove should not use --force by default")
		}
	}
	assertArgs(t, git.calls[2].Args, "branch", "-d", "autodev/42-add-auth")
}

func TestRemove_NoBranchDelete(t *testing.T) {
	git := &mockGit{}
	if err := newTestManager(git).Remove(context.Background(), "42", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 1 {
		t.Fatalf("expected 1 git call, got %d", len(git.calls))
	}
}

func TestRemove_BranchDeleteError(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: "autodev/42"}, // rev-parse HEAD
			{Output: ""},           // worktree remove
			{Err: fmt.Errorf("branch has unmerged changes")},
		},
	}

	err := newTestManager(git).Remove(context.Background(), "42", true)
	if err == nil {
		t.Fatal("expected error when branch delete fails")
	}
	if !strings.Contains(err.Error(), "delete branch") {
		t.Errorf("expected 'delete branch' in error, got %q", err.Error())
	}
}

func TestRemove_ProtectsMain(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: "main"}, // rev-parse HEAD returns main
			{Output: ""},     // worktree remove
		},
	}

	if err := newTestManager(git).Remove(context.Background(), "42", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, call := range git.calls {
		if len(call.Args) >= 2 && call.Args[0] == "branch" && call.Args[1] == "-d" {
			t.Error("should not delete main branch")
		}
	}
}

func TestPath(t *testing.T) {
	mgr := NewManager(nil, "/repo", "")
	if path := mgr.Path("42"); path != "/repo/worktrees/task-42" {
		t.Errorf("expected /repo/worktrees/task-42, got %q", path)
	}
	if path := mgr.Path("PROJ-7"); path != "/repo/worktrees/task-PROJ-7" {
		t.Errorf("expected /repo/worktrees/task-PROJ-7, got %q", path)
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		id, title string
		want      string
	}{
		{"42", "Add auth", "autodev/42-add-auth"},
		{"42", "", "autodev/42"},
		{"PROJ-7", "Fix: crash on [save]!", "autodev/PROJ-7-fix-crash-on-save"},
		{"1", strings.Repeat("word ", 30), "autodev/1-" + strings.TrimRight(strings.Repeat("word-", 8), "-")},
	}
	for _, tc := range tests {
		if got := BranchName(tc.id, tc.title); got != tc.want {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tc.id, tc.title, got, tc.want)
		}
	}
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"autodev/42-auth", "autodev/42-auth"},
		{"feature/Add Auth!", "feature/Add-Auth"},
		{"test spaces  here", "test-spaces-here"},
		{strings.Repeat("a", 200), strings.Repeat("a", 100)},
	}
	for _, tc := range tests {
		got := sanitizeBranch(tc.input)
		if got != tc.expected {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

// assertArgs verifies exact argument match (no substring false positives).
func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("args length mismatch: got %v, want %v", got, want)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("arg[%d] mismatch: got %q, want %q", i, got[i], want[i])
		}
	}
}
