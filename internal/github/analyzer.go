package github

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lucasnoah/autodev/internal/orchestrator"
	"github.com/lucasnoah/autodev/internal/prompt"
)

// ErrNoPlan is returned when the model declines to produce a plan.
var ErrNoPlan = errors.New("no implementation plan derived")

// LLMFunc sends a prompt to an LLM and returns the response text.
type LLMFunc func(ctx context.Context, prompt string) (string, error)

// ClaudeCLI returns an LLMFunc calling `claude --print` with model.
func ClaudeCLI(model string) LLMFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		args := []string{"--print"}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, prompt)
		out, err := exec.CommandContext(ctx, "claude", args...).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("claude --print: %s: %w", strings.TrimSpace(string(out)), err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}

// ClaudeAnalyzer derives an implementation plan for a task with an LLM.
type ClaudeAnalyzer struct {
	ask     LLMFunc
	prompts prompt.Set
}

// NewClaudeAnalyzer creates an analyzer backed by ask.
func NewClaudeAnalyzer(ask LLMFunc) *ClaudeAnalyzer {
	return &ClaudeAnalyzer{ask: ask}
}

// WithPrompts makes the analyzer render its prompt from s.
func (a *ClaudeAnalyzer) WithPrompts(s prompt.Set) *ClaudeAnalyzer {
	a.prompts = s
	return a
}

// Analyze returns the plan for task. An empty or NO_PLAN response is an error.
func (a *ClaudeAnalyzer) Analyze(ctx context.Context, task orchestrator.Task) (string, error) {
	text, err := a.prompts.Render(prompt.Analyze, analysisVars(task))
	if err != nil {
		return "", fmt.Errorf("analyze task %s: %w", task.ID, err)
	}
	response, err := a.ask(ctx, text)
	if err != nil {
		return "", fmt.Errorf("analyze task %s: %w", task.ID, err)
	}

	response = strings.TrimSpace(response)
	if response == "" || response == "NO_PLAN" {
		return "", fmt.Errorf("analyze task %s: %w", task.ID, ErrNoPlan)
	}
	return response, nil
}

func analysisVars(task orchestrator.Task) prompt.Vars {
	return prompt.Vars{
		"task_id":             task.ID,
		"task_title":          task.Title,
		"description":         task.Description,
		"acceptance_criteria": extractAcceptanceCriteria(task.Description),
		"labels":              strings.Join(task.Labels, ", "),
	}
}
