package orchestrator

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/autodev/internal/pipeline"
	"github.com/lucasnoah/autodev/internal/prompt"
)

// workerPrompt is the prompt handed to the implementation worker. An empty
// plan means analysis was skipped or failed, and the worker works from the
// task description alone.
func (o *Orchestrator) workerPrompt(task Task, plan string) (string, error) {
	return o.cfg.Prompts.Render(prompt.Worker, prompt.Vars{
		"task_id":        task.ID,
		"task_title":     task.Title,
		"plan":           strings.TrimSpace(plan),
		"description":    strings.TrimSpace(task.Description),
		"task_url":       task.URL,
		"commit_message": commitMessage(task),
	})
}

func (o *Orchestrator) prBody(task Task, p *pipeline.Pipeline) (string, error) {
	fallback := ""
	if p.Metadata[pipeline.MetaAnalysisFallback] == "true" {
		fallback = "true"
	}
	return o.cfg.Prompts.Render(prompt.PRBody, prompt.Vars{
		"resolves":          taskRef(task),
		"analysis_fallback": fallback,
		"review_rounds":     p.Metadata[pipeline.MetaReviewIterations],
	})
}

func commitMessage(task Task) string {
	return fmt.Sprintf("%s (task %s)", prTitle(task), task.ID)
}

func prTitle(task Task) string {
	if t := strings.TrimSpace(task.Title); t != "" {
		return t
	}
	return "Task " + task.ID
}

// fallbackPRBody is the PR body suggested for a task queued for manual follow-up.
func fallbackPRBody(task Task) string {
	return fmt.Sprintf("Resolves %s.", taskRef(task))
}

func taskRef(task Task) string {
	if task.URL != "" {
		return task.URL
	}
	return "task " + task.ID
}

func reviewRequest(p *pipeline.Pipeline, task Task) ReviewRequest {
	return ReviewRequest{
		TaskID:  task.ID,
		Title:   task.Title,
		Branch:  p.Metadata[pipeline.MetaBranch],
		Workdir: p.Metadata[pipeline.MetaWorkdir],
	}
}
