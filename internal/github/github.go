package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/autodev/internal/retry"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, classify(fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), trimmed, err), trimmed)
	}
	return trimmed, nil
}

// RunGit implements GitRunner using exec.CommandContext.
func (r *ExecRunner) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), trimmed, err)
	}
	return trimmed, nil
}

var httpStatusRe = regexp.MustCompile(`HTTP (\d{3})`)

// classify turns gh's "HTTP 502" style failures into retry.HTTPError so the
// retry predicate can tell server errors from client errors.
func classify(err error, out string) error {
	m := httpStatusRe.FindStringSubmatch(out)
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	return &statusError{err: err, code: code}
}

type statusError struct {
	err  error
	code int
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

var _ retry.StatusError = (*statusError)(nil)

// Client provides GitHub operations through the gh CLI.
type Client struct {
	cmd  CmdRunner
	git  GitRunner
	repo string
}

// NewClient creates a GitHub client. If cmd also implements GitRunner,
// it will be used for git operations (e.g., PushBranch).
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a GitHub client with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner) *Client {
	return &Client{cmd: cmd, git: git}
}

// WithRepo returns a copy of c that targets repo (owner/name) instead of the
// repository of the working directory.
func (c *Client) WithRepo(repo string) *Client {
	cp := *c
	cp.repo = repo
	return &cp
}

// Repo returns the configured owner/name, or "".
func (c *Client) Repo() string { return c.repo }

func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	if c.repo != "" {
		args = append(args, "--repo", c.repo)
	}
	return c.cmd.Run(ctx, args...)
}

// Issue represents a GitHub issue.
type Issue struct {
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	Body               string     `json:"body"`
	State              string     `json:"state"`
	URL                string     `json:"url"`
	Labels             []Label    `json:"labels"`
	Milestone          *Milestone `json:"milestone,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
}

// Label represents a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// Milestone represents a GitHub milestone.
type Milestone struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// LabelNames returns the issue's label names.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

// ParseIssueNumber parses a task ID such as "42" or "#42".
func ParseIssueNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("invalid issue number %q", s))
	}
	if err := ValidateIssueNumber(n); err != nil {
		return 0, retry.Permanent(err)
	}
	return n, nil
}

const issueFields = "number,title,body,state,url,labels,milestone"

// GetIssue fetches a GitHub issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}

	out, err := c.gh(ctx, "issue", "view", strconv.Itoa(number), "--json", issueFields)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}

	issue.AcceptanceCriteria = extractAcceptanceCriteria(issue.Body)
	return &issue, nil
}

// ListIssues returns open issues carrying label, oldest first.
func (c *Client) ListIssues(ctx context.Context, label string, limit int) ([]Issue, error) {
	args := []string{"issue", "list", "--state", "open", "--json", issueFields}
	if label != "" {
		args = append(args, "--label", label)
	}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}

	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	if out == "" {
		return nil, nil
	}

	var issues []Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list JSON: %w", err)
	}
	// gh lists newest first.
	for i, j := 0, len(issues)-1; i < j; i, j = i+1, j-1 {
		issues[i], issues[j] = issues[j], issues[i]
	}
	for i := range issues {
		issues[i].AcceptanceCriteria = extractAcceptanceCriteria(issues[i].Body)
	}
	return issues, nil
}

// CommentIssue posts a comment on an issue.
func (c *Client) CommentIssue(ctx context.Context, number int, body string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if _, err := c.gh(ctx, "issue", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("comment on issue %d: %w", number, err)
	}
	return nil
}

// EditLabels adds and removes labels on an issue in one call.
func (c *Client) EditLabels(ctx context.Context, number int, add, remove []string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	args := []string{"issue", "edit", strconv.Itoa(number)}
	for _, l := range add {
		args = append(args, "--add-label", l)
	}
	for _, l := range remove {
		args = append(args, "--remove-label", l)
	}
	if _, err := c.gh(ctx, args...); err != nil {
		return fmt.Errorf("edit labels on issue %d: %w", number, err)
	}
	return nil
}

var acHeaderRe = regexp.MustCompile(`(?mi)^##\s+acceptance\s+criteria`)
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
var nextHeaderRe = regexp.MustCompile(`(?m)^##\s+`)

// extractAcceptanceCriteria parses acceptance criteria from an issue body.
// It looks for "## Acceptance Criteria" header or checkbox lists.
func extractAcceptanceCriteria(body string) string {
	loc := acHeaderRe.FindStringIndex(body)
	if loc != nil {
		section := body[loc[1]:]
		nextLoc := nextHeaderRe.FindStringIndex(section)
		if nextLoc != nil {
			section = section[:nextLoc[0]]
		}
		return strings.TrimSpace(section)
	}

	matches := checkboxRe.FindAllStringSubmatch(body, -1)
	if len(matches) > 0 {
		var criteria []string
		for _, m := range matches {
			criteria = append(criteria, "- "+m[1])
		}
		return strings.Join(criteria, "\n")
	}

	return ""
}
