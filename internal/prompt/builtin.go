package prompt

// Template names.
const (
	Worker  = "worker.md"
	PRBody  = "pr-body.md"
	Analyze = "analyze.md"
	Review  = "review.md"
	Fix     = "fix.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	Worker:  workerTemplate,
	PRBody:  prBodyTemplate,
	Analyze: analyzeTemplate,
	Review:  reviewTemplate,
	Fix:     fixTemplate,
}

const workerTemplate = `You are implementing task {{task_id}}: {{task_title}}

{{#if plan}}## Implementation plan

{{plan}}

{{/if}}{{#if description}}## Task description

{{description}}

{{/if}}{{#if task_url}}Task link: {{task_url}}

{{/if}}## Instructions

- Work only in the current directory; it is a git worktree on the task branch.
- Run the project's tests before finishing.
- Commit your changes on the current branch with a message like "{{commit_message}}".
- Do not push and do not open a pull request; that happens after review.
`

const prBodyTemplate = `Resolves {{resolves}}.
{{#if analysis_fallback}}
Analysis failed; the change was implemented from the task description.
{{/if}}{{#if review_rounds}}
Review rounds: {{review_rounds}}
{{/if}}
Opened by autodev.
`

const analyzeTemplate = `Analyze this task and write a concise implementation plan for an engineer who will make the change in the repository.

Task {{task_id}}: {{task_title}}

{{description}}
{{#if acceptance_criteria}}
Acceptance criteria:
{{acceptance_criteria}}
{{/if}}{{#if labels}}
Labels: {{labels}}
{{/if}}
---
Respond with ONLY the plan: the files or areas to change, the steps in order, and how to verify the change. No preamble.

If the task is too unclear to plan, respond with exactly: NO_PLAN
`

const reviewTemplate = `Review the changes on branch {{branch}} against origin/main for task {{task_id}}: {{task_title}}.

List concrete problems only: bugs, missing tests, broken behaviour. One finding per line.
If there is nothing worth fixing, respond with exactly: {{no_findings}}
`

const fixTemplate = `Address these review findings on branch {{branch}} for task {{task_id}}: {{task_title}}.

{{findings}}

Commit the fixes to the branch. Do not push.
`
