// Package orchestrator drives tasks through the pipeline stages.
//
// Every transition is persisted through the Store before the next step runs,
// so a restarted orchestrator resumes each active pipeline from its records.
// Calls to the task source and the code host go through a retry.Executor;
// stages themselves are never retried automatically.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/log"
	"github.com/lucasnoah/autodev/internal/pipeline"
	"github.com/lucasnoah/autodev/internal/prompt"
	"github.com/lucasnoah/autodev/internal/retry"
)

// Actions reported in AdvanceResult.
const (
	ActionStarted   = "started"
	ActionSkipped   = "skipped"
	ActionWaiting   = "waiting"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// Config is the orchestrator configuration.
type Config struct {
	Store    Store
	Source   TaskSource
	Launcher WorkerLauncher
	VCS      VCS
	// Analyzer is optional. Without one ANALYZING is skipped and workers get
	// the raw task description.
	Analyzer Analyzer
	// Reviewer is optional. Without one the review and fix stages are skipped.
	Reviewer Reviewer
	Events   EventLog
	Fallback FallbackQueue
	Retry    *retry.Executor
	// Prompts renders the worker prompt and PR body. Templates in
	// Prompts.Dir override the built-ins.
	Prompts prompt.Set

	PollInterval time.Duration
	// PRTimeout bounds IMPLEMENTING, measured from the persisted stage start.
	PRTimeout time.Duration
	// HeartbeatInterval paces the heartbeat kept while the orchestrator itself
	// works on a pipeline.
	HeartbeatInterval time.Duration
	BaseBranch        string
	Provider          string

	Logger log.Logger
	Now    func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Source == nil {
		return errors.New("task source is required")
	}
	if c.Launcher == nil {
		return errors.New("worker launcher is required")
	}
	if c.VCS == nil {
		return errors.New("vcs is required")
	}
	if c.Fallback == nil {
		return errors.New("fallback queue is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})
	if c.Events == nil {
		c.Events = noopEvents{}
	}
	if c.Retry == nil {
		c.Retry = retry.MustNew(retry.Config{Logger: c.Logger})
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PRTimeout == 0 {
		c.PRTimeout = 30 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PollInterval < 0 || c.PRTimeout < 0 || c.HeartbeatInterval < 0 {
		return fmt.Errorf("invalid intervals: poll=%s pr=%s heartbeat=%s", c.PollInterval, c.PRTimeout, c.HeartbeatInterval)
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.Provider == "" {
		c.Provider = "github"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Orchestrator moves pipelines forward one poll at a time.
type Orchestrator struct {
	cfg    Config
	logger log.Logger
}

// New returns an Orchestrator with defaults applied to cfg.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// AdvanceResult describes what one advance did to a pipeline.
type AdvanceResult struct {
	TaskID  string         `json:"task_id"`
	Action  string         `json:"action"`
	Stage   pipeline.Stage `json:"stage,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Run polls until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Infof("polling every %s", o.cfg.PollInterval)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Poll(ctx); err != nil && ctx.Err() == nil {
			o.logger.Errorf("poll failed: %s", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Infof("stopped polling")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll advances every active pipeline, then starts pipelines for tasks that
// became ready. Failures of a single pipeline are logged and do not stop the
// poll.
func (o *Orchestrator) Poll(ctx context.Context) ([]AdvanceResult, error) {
	active, err := o.cfg.Store.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active pipelines: %w", err)
	}

	var results []AdvanceResult
	for _, p := range active {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.advance(ctx, p)
		if err != nil {
			o.taskLogger(p.TaskID).Errorf("could not advance pipeline: %s", err)
			continue
		}
		results = append(results, *res)
	}

	tasks, err := retry.Do(ctx, o.cfg.Retry, o.cfg.Source.ListReadyTasks)
	if err != nil {
		return results, fmt.Errorf("list ready tasks: %w", err)
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.Start(ctx, t)
		if err != nil {
			o.taskLogger(t.ID).Errorf("could not start pipeline: %s", err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// Start creates the pipeline for task, analyzes it and launches its worker.
// A task that already has an active pipeline is skipped.
func (o *Orchestrator) Start(ctx context.Context, task Task) (*AdvanceResult, error) {
	meta := map[string]string{}
	if task.Description != "" {
		meta[pipeline.MetaDescription] = task.Description
	}
	if task.URL != "" {
		meta[pipeline.MetaTaskURL] = task.URL
	}
	p, err := o.cfg.Store.Init(ctx, task.ID, pipeline.TaskData{
		Name:       task.Title,
		Provider:   o.cfg.Provider,
		Repository: task.Repository,
		Metadata:   meta,
	})
	if errors.Is(err, pipeline.ErrDuplicateActive) {
		return &AdvanceResult{TaskID: task.ID, Action: ActionSkipped, Message: "pipeline already active"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	o.taskLogger(task.ID).Infof("pipeline started for %q", task.Title)
	o.event(ctx, task.ID, "created", pipeline.StageDetected, "")
	o.setStatus(ctx, task.ID, TaskInProgress)
	o.comment(ctx, task.ID, "autodev picked up this task and is working on it.")

	return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
		return o.implement(ctx, p, task)
	})
}

// Advance moves the pipeline for taskID forward as far as it can go without
// waiting on the worker.
func (o *Orchestrator) Advance(ctx context.Context, taskID string) (*AdvanceResult, error) {
	p, err := o.cfg.Store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	if p == nil {
		return nil, &pipeline.NotFoundError{TaskID: taskID}
	}
	return o.advance(ctx, p)
}

func (o *Orchestrator) advance(ctx context.Context, p *pipeline.Pipeline) (*AdvanceResult, error) {
	if !p.Active() {
		action := ActionCompleted
		if p.Status == pipeline.StatusFailed {
			action = ActionFailed
		}
		return &AdvanceResult{TaskID: p.TaskID, Action: action, Stage: p.CurrentStage, Message: "pipeline already " + strings.ToLower(string(p.Status))}, nil
	}

	task := taskFromPipeline(p)
	switch p.CurrentStage {
	case pipeline.StageDetected, pipeline.StageAnalyzing, pipeline.StageAnalyzed:
		return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
			return o.implement(ctx, p, task)
		})
	case pipeline.StageImplementing:
		return o.checkImplementation(ctx, p, task)
	default:
		return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
			return o.finish(ctx, p, task)
		})
	}
}

// HandleTerminated hands a pipeline failed by the watchdog over to a human.
func (o *Orchestrator) HandleTerminated(ctx context.Context, p *pipeline.Pipeline) {
	reason := pipeline.StaleWorkerMessage
	if n := len(p.Errors); n > 0 {
		reason = p.Errors[n-1].Error
	}
	o.stopWorker(ctx, p.TaskID)
	o.handoff(ctx, taskFromPipeline(p), p.Metadata[pipeline.MetaBranch], reason)
}

func (o *Orchestrator) implement(ctx context.Context, p *pipeline.Pipeline, task Task) (*AdvanceResult, error) {
	plan, prepared, err := o.prepare(ctx, p, task)
	if err != nil {
		return o.storeFailure(ctx, task, pipeline.StageAnalyzing, p.Metadata[pipeline.MetaBranch], err)
	}
	p = prepared
	text, err := o.workerPrompt(task, plan)
	if err != nil {
		return o.fatal(ctx, task, pipeline.StageImplementing, "", fmt.Errorf("worker prompt: %w", err))
	}
	return o.launch(ctx, p, task, text)
}

// prepare returns the implementation plan, analyzing the task unless an
// earlier run already finished ANALYZING.
func (o *Orchestrator) prepare(ctx context.Context, p *pipeline.Pipeline, task Task) (string, *pipeline.Pipeline, error) {
	var plan string
	if rec := p.StageRecord(pipeline.StageAnalyzing); rec != nil && rec.Status.Done() {
		plan, _ = rec.Data["plan"].(string)
	} else {
		var err error
		if plan, p, err = o.analyze(ctx, task); err != nil {
			return "", nil, err
		}
	}

	if rec := p.StageRecord(pipeline.StageAnalyzed); rec == nil || !rec.Status.Done() {
		var err error
		p, err = o.cfg.Store.CompleteStage(ctx, task.ID, pipeline.StageAnalyzed, map[string]any{"from_description": plan == ""})
		if err != nil {
			return "", nil, err
		}
	}
	return plan, p, nil
}

// analyze runs ANALYZING. Its failure is not fatal: the stage is failed, the
// pipeline is flagged with analysis_fallback and the worker gets the raw
// description.
func (o *Orchestrator) analyze(ctx context.Context, task Task) (string, *pipeline.Pipeline, error) {
	if o.cfg.Analyzer == nil {
		p, err := o.cfg.Store.SkipStage(ctx, task.ID, pipeline.StageAnalyzing, "no analyzer configured")
		return "", p, err
	}
	if _, err := o.cfg.Store.UpdateStage(ctx, task.ID, pipeline.StageAnalyzing, nil); err != nil {
		return "", nil, err
	}

	plan, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
		return o.cfg.Analyzer.Analyze(ctx, task)
	})
	if err != nil {
		o.taskLogger(task.ID).Warningf("analysis failed, implementing from the task description: %s", err)
		if _, ferr := o.cfg.Store.FailStage(ctx, task.ID, pipeline.StageAnalyzing, err); ferr != nil {
			return "", nil, ferr
		}
		p, merr := o.cfg.Store.UpdateMetadata(ctx, task.ID, map[string]string{pipeline.MetaAnalysisFallback: "true"})
		if merr != nil {
			return "", nil, merr
		}
		o.event(ctx, task.ID, "analysis_fallback", pipeline.StageAnalyzing, err.Error())
		return "", p, nil
	}

	p, err := o.cfg.Store.CompleteStage(ctx, task.ID, pipeline.StageAnalyzing, map[string]any{"plan": plan})
	if err != nil {
		return "", nil, err
	}
	o.event(ctx, task.ID, "stage_completed", pipeline.StageAnalyzing, "")
	return plan, p, nil
}

// launch starts the worker. A launch failure is fatal to the pipeline, and so
// is failing to record the launched worker: it is stopped rather than left
// running unwatched.
func (o *Orchestrator) launch(ctx context.Context, p *pipeline.Pipeline, task Task, text string) (*AdvanceResult, error) {
	branch := p.Metadata[pipeline.MetaBranch]
	if _, err := o.cfg.Store.UpdateStage(ctx, task.ID, pipeline.StageImplementing, nil); err != nil {
		return o.storeFailure(ctx, task, pipeline.StageImplementing, branch, err)
	}

	h, err := o.cfg.Launcher.Launch(ctx, LaunchRequest{
		TaskID: task.ID,
		Title:  task.Title,
		Prompt: text,
		Branch: branch,
	})
	if err != nil {
		return o.fatal(ctx, task, pipeline.StageImplementing, branch, fmt.Errorf("launch worker: %w", err))
	}

	if err := o.recordWorker(ctx, task.ID, h); err != nil {
		o.stopWorker(context.WithoutCancel(ctx), task.ID)
		return o.storeFailure(ctx, task, pipeline.StageImplementing, h.Branch, err)
	}

	o.taskLogger(task.ID).Infof("worker launched on %s (pid %d)", h.Branch, h.PID)
	o.event(ctx, task.ID, "worker_launched", pipeline.StageImplementing, h.Session)
	return &AdvanceResult{
		TaskID:  task.ID,
		Action:  ActionStarted,
		Stage:   pipeline.StageImplementing,
		Message: fmt.Sprintf("worker running in session %s", h.Session),
	}, nil
}

// recordWorker persists the launched worker and its first heartbeat.
func (o *Orchestrator) recordWorker(ctx context.Context, taskID string, h *WorkerHandle) error {
	if _, err := o.cfg.Store.UpdateStage(ctx, taskID, pipeline.StageImplementing, map[string]any{
		"pid":     h.PID,
		"branch":  h.Branch,
		"session": h.Session,
		"workdir": h.Workdir,
	}); err != nil {
		return err
	}
	if _, err := o.cfg.Store.UpdateMetadata(ctx, taskID, map[string]string{
		pipeline.MetaBranch:  h.Branch,
		pipeline.MetaWorkdir: h.Workdir,
		pipeline.MetaSession: h.Session,
	}); err != nil {
		return err
	}
	// The watchdog ignores pipelines that never heartbeated.
	return o.cfg.Store.UpdateHeartbeat(ctx, taskID)
}

// checkImplementation looks at a running IMPLEMENTING stage. It does not
// heartbeat: liveness during implementation is the worker's job.
func (o *Orchestrator) checkImplementation(ctx context.Context, p *pipeline.Pipeline, task Task) (*AdvanceResult, error) {
	rec := p.StageRecord(pipeline.StageImplementing)
	branch := p.Metadata[pipeline.MetaBranch]

	if rec != nil {
		switch rec.Status {
		case pipeline.StageStatusFailed:
			cause := errors.New("implementation failed")
			if rec.Error != "" {
				cause = errors.New(rec.Error)
			}
			return o.abandon(ctx, task, pipeline.StageImplementing, branch, cause)
		case pipeline.StageStatusCompleted, pipeline.StageStatusSkipped:
			return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
				return o.finish(ctx, p, task)
			})
		}
	}
	if rec == nil || rec.Data["session"] == nil {
		o.taskLogger(task.ID).Warningf("no worker recorded for IMPLEMENTING, relaunching")
		return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
			return o.implement(ctx, p, task)
		})
	}

	if branch != "" {
		pr, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (*PR, error) {
			return o.cfg.VCS.FindPR(ctx, branch)
		})
		if err != nil {
			o.taskLogger(task.ID).Warningf("could not look up PR for %s: %s", branch, err)
		} else if pr != nil {
			p, err := o.cfg.Store.CompleteStage(ctx, task.ID, pipeline.StageImplementing, map[string]any{
				"pr_number": pr.Number,
				"pr_url":    pr.URL,
			})
			if err != nil {
				return nil, err
			}
			o.event(ctx, task.ID, "stage_completed", pipeline.StageImplementing, pr.URL)
			return o.withHeartbeat(ctx, task.ID, func(ctx context.Context) (*AdvanceResult, error) {
				return o.finish(ctx, p, task)
			})
		}
	}

	if session, _ := rec.Data["session"].(string); session != "" {
		gone, err := o.sessionGone(ctx, session)
		if err != nil {
			o.taskLogger(task.ID).Warningf("could not check worker session: %s", err)
		} else if gone {
			return o.workerGone(ctx, task, session, branch)
		}
	}

	if rec.StartedAt != nil {
		if elapsed := o.cfg.Now().Sub(*rec.StartedAt); elapsed > o.cfg.PRTimeout {
			o.stopWorker(ctx, task.ID)
			return o.fatal(ctx, task, pipeline.StageImplementing, branch,
				fmt.Errorf("worker produced no result within %s", o.cfg.PRTimeout))
		}
	}
	return &AdvanceResult{TaskID: task.ID, Action: ActionWaiting, Stage: pipeline.StageImplementing, Message: "worker running"}, nil
}

type sessionChecker interface {
	Alive(ctx context.Context, session string) (bool, error)
}

// sessionGone reports whether the launcher knows session has ended. Launchers
// that cannot tell always report false.
func (o *Orchestrator) sessionGone(ctx context.Context, session string) (bool, error) {
	p, ok := o.cfg.Launcher.(sessionChecker)
	if !ok {
		return false, nil
	}
	alive, err := p.Alive(ctx, session)
	return !alive && err == nil, err
}

// workerGone handles a worker session that ended. The worker reports its
// outcome before exiting, so the pipeline is read again first: only a stage
// still in progress means the worker died without reporting.
func (o *Orchestrator) workerGone(ctx context.Context, task Task, session, branch string) (*AdvanceResult, error) {
	p, err := o.cfg.Store.Get(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	if p == nil {
		return nil, &pipeline.NotFoundError{TaskID: task.ID}
	}
	if rec := p.StageRecord(pipeline.StageImplementing); !p.Active() || rec == nil || rec.Status != pipeline.StageStatusInProgress {
		return o.advance(ctx, p)
	}
	return o.fatal(ctx, task, pipeline.StageImplementing, branch,
		fmt.Errorf("worker session %s ended without reporting a result", session))
}

type postStep struct {
	stage pipeline.Stage
	// optional steps fail without failing the pipeline.
	optional bool
	// run is nil for marker stages, which complete as soon as they are reached.
	run func(ctx context.Context, p *pipeline.Pipeline, task Task) (data map[string]any, skip string, err error)
}

func (o *Orchestrator) postSteps() []postStep {
	return []postStep{
		{stage: pipeline.StageImplemented},
		{stage: pipeline.StageCodexReviewing, optional: true, run: o.review},
		{stage: pipeline.StageCodexReviewed, optional: true},
		{stage: pipeline.StageClaudeFixing, optional: true, run: o.fix},
		{stage: pipeline.StageClaudeFixed, optional: true},
		{stage: pipeline.StageMerging, run: o.merge},
		{stage: pipeline.StageMerged},
		{stage: pipeline.StagePRCreating, run: o.createPR},
	}
}

// finish runs the stages after IMPLEMENTING, skipping those already done. A
// failed optional stage skips the optional stages after it and the pipeline
// carries on to MERGING.
func (o *Orchestrator) finish(ctx context.Context, p *pipeline.Pipeline, task Task) (*AdvanceResult, error) {
	logger := o.taskLogger(task.ID)

	var skip string
	for _, st := range o.postSteps() {
		if rec := p.StageRecord(st.stage); rec != nil && rec.Status.Done() {
			if st.optional {
				switch rec.Status {
				case pipeline.StageStatusFailed:
					skip = skippedAfter(st.stage)
				case pipeline.StageStatusSkipped:
					skip = rec.Error
				}
			}
			continue
		}

		var err error
		switch {
		case st.optional && o.cfg.Reviewer == nil:
			p, err = o.cfg.Store.SkipStage(ctx, task.ID, st.stage, "no reviewer configured")
		case st.optional && skip != "":
			p, err = o.cfg.Store.SkipStage(ctx, task.ID, st.stage, skip)
		case st.run == nil:
			p, err = o.cfg.Store.CompleteStage(ctx, task.ID, st.stage, nil)
		default:
			if p, err = o.cfg.Store.UpdateStage(ctx, task.ID, st.stage, nil); err != nil {
				return nil, err
			}
			o.event(ctx, task.ID, "stage_started", st.stage, "")

			data, reason, runErr := st.run(ctx, p, task)
			switch {
			case runErr != nil && !st.optional:
				return o.fatal(ctx, task, st.stage, p.Metadata[pipeline.MetaBranch], runErr)
			case runErr != nil:
				logger.Warningf("%s failed, continuing to merge: %s", st.stage, runErr)
				o.event(ctx, task.ID, "stage_failed", st.stage, runErr.Error())
				skip = skippedAfter(st.stage)
				p, err = o.cfg.Store.FailStage(ctx, task.ID, st.stage, runErr)
			case reason != "":
				skip = reason
				p, err = o.cfg.Store.SkipStage(ctx, task.ID, st.stage, reason)
			default:
				o.event(ctx, task.ID, "stage_completed", st.stage, "")
				p, err = o.cfg.Store.CompleteStage(ctx, task.ID, st.stage, data)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return o.complete(ctx, p, task)
}

func skippedAfter(stage pipeline.Stage) string {
	return fmt.Sprintf("skipped after %s failed", strings.ReplaceAll(strings.ToLower(string(stage)), "_", "-"))
}

func (o *Orchestrator) review(ctx context.Context, p *pipeline.Pipeline, task Task) (map[string]any, string, error) {
	findings, err := o.cfg.Reviewer.Review(ctx, reviewRequest(p, task))
	if err != nil {
		return nil, "", fmt.Errorf("review: %w", err)
	}
	n, _ := strconv.Atoi(p.Metadata[pipeline.MetaReviewIterations])
	if _, err := o.cfg.Store.UpdateMetadata(ctx, task.ID, map[string]string{
		pipeline.MetaReviewIterations: strconv.Itoa(n + 1),
	}); err != nil {
		return nil, "", err
	}
	return map[string]any{"findings": findings, "clean": findings == ""}, "", nil
}

func (o *Orchestrator) fix(ctx context.Context, p *pipeline.Pipeline, task Task) (map[string]any, string, error) {
	var findings string
	if rec := p.StageRecord(pipeline.StageCodexReviewing); rec != nil {
		findings, _ = rec.Data["findings"].(string)
	}
	if strings.TrimSpace(findings) == "" {
		return nil, "no review findings", nil
	}
	if err := o.cfg.Reviewer.Fix(ctx, FixRequest{ReviewRequest: reviewRequest(p, task), Findings: findings}); err != nil {
		return nil, "", fmt.Errorf("fix review findings: %w", err)
	}
	return nil, "", nil
}

func (o *Orchestrator) merge(ctx context.Context, p *pipeline.Pipeline, task Task) (map[string]any, string, error) {
	workdir, branch := p.Metadata[pipeline.MetaWorkdir], p.Metadata[pipeline.MetaBranch]
	if workdir == "" || branch == "" {
		return nil, "", errors.New("no worktree recorded for the pipeline")
	}

	conflicted, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (bool, error) {
		return o.cfg.VCS.RebaseOntoMain(ctx, workdir)
	})
	if err != nil {
		return nil, "", err
	}
	if conflicted {
		return nil, "", fmt.Errorf("rebase of %s onto %s has conflicts", branch, o.cfg.BaseBranch)
	}
	if err := o.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		return o.cfg.VCS.PushBranch(ctx, workdir, branch)
	}); err != nil {
		return nil, "", fmt.Errorf("push %s: %w", branch, err)
	}
	return map[string]any{"branch": branch}, "", nil
}

func (o *Orchestrator) createPR(ctx context.Context, p *pipeline.Pipeline, task Task) (map[string]any, string, error) {
	branch := p.Metadata[pipeline.MetaBranch]
	pr, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (*PR, error) {
		return o.cfg.VCS.FindPR(ctx, branch)
	})
	if err != nil {
		return nil, "", fmt.Errorf("find PR: %w", err)
	}
	if pr == nil {
		body, err := o.prBody(task, p)
		if err != nil {
			return nil, "", fmt.Errorf("PR body: %w", err)
		}
		pr, err = retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) (*PR, error) {
			return o.cfg.VCS.CreatePR(ctx, PROptions{
				Title:  prTitle(task),
				Body:   body,
				Branch: branch,
				Base:   o.cfg.BaseBranch,
			})
		})
		if err != nil {
			return nil, "", fmt.Errorf("create PR: %w", err)
		}
	}
	return map[string]any{"pr_number": pr.Number, "pr_url": pr.URL}, "", nil
}

func (o *Orchestrator) complete(ctx context.Context, p *pipeline.Pipeline, task Task) (*AdvanceResult, error) {
	var url, number string
	if rec := p.StageRecord(pipeline.StagePRCreating); rec != nil {
		url, _ = rec.Data["pr_url"].(string)
		if n, ok := rec.Data["pr_number"]; ok {
			number = fmt.Sprint(n)
		}
	}
	if _, err := o.cfg.Store.UpdateMetadata(ctx, task.ID, map[string]string{
		pipeline.MetaPRURL:    url,
		pipeline.MetaPRNumber: number,
	}); err != nil {
		return nil, err
	}
	if _, err := o.cfg.Store.Complete(ctx, task.ID, map[string]any{
		"pr_url":    url,
		"pr_number": number,
		"branch":    p.Metadata[pipeline.MetaBranch],
	}); err != nil {
		return nil, err
	}

	o.taskLogger(task.ID).Infof("pipeline completed with %s", url)
	o.comment(ctx, task.ID, fmt.Sprintf("autodev opened %s for this task.", url))
	o.setStatus(ctx, task.ID, TaskDone)
	o.event(ctx, task.ID, "completed", pipeline.StageCompleted, url)
	return &AdvanceResult{TaskID: task.ID, Action: ActionCompleted, Stage: pipeline.StageCompleted, Message: url}, nil
}

// fatal fails stage and then the whole pipeline.
func (o *Orchestrator) fatal(ctx context.Context, task Task, stage pipeline.Stage, branch string, cause error) (*AdvanceResult, error) {
	if _, err := o.cfg.Store.FailStage(ctx, task.ID, stage, cause); err != nil && !errors.Is(err, pipeline.ErrTerminal) {
		o.taskLogger(task.ID).Errorf("could not record %s failure: %s", stage, err)
	}
	return o.abandon(ctx, task, stage, branch, cause)
}

// storeFailure hands the task over when a write on the way to a running
// worker failed. Errors caused by shutdown are returned as they are, leaving
// the pipeline for the next run.
func (o *Orchestrator) storeFailure(ctx context.Context, task Task, stage pipeline.Stage, branch string, err error) (*AdvanceResult, error) {
	if ctx.Err() != nil {
		return nil, err
	}
	return o.fatal(ctx, task, stage, branch, fmt.Errorf("record %s: %w", strings.ToLower(string(stage)), err))
}

// abandon fails the pipeline and hands the task over. A pipeline that is
// already terminal was handed over by whoever ended it. When the failure
// cannot be persisted the task is still queued.
func (o *Orchestrator) abandon(ctx context.Context, task Task, stage pipeline.Stage, branch string, cause error) (*AdvanceResult, error) {
	logger := o.taskLogger(task.ID)
	_, err := o.cfg.Store.Fail(ctx, task.ID, cause)
	if errors.Is(err, pipeline.ErrTerminal) {
		return &AdvanceResult{TaskID: task.ID, Action: ActionFailed, Stage: stage, Message: "pipeline already terminal"}, nil
	}
	if err != nil {
		logger.Errorf("could not record pipeline failure: %s", err)
	}
	logger.Errorf("%s failed: %s", stage, cause)
	o.handoff(ctx, task, branch, cause.Error())
	return &AdvanceResult{TaskID: task.ID, Action: ActionFailed, Stage: stage, Message: cause.Error()}, nil
}

// handoff queues task for manual follow-up and reports the failure.
func (o *Orchestrator) handoff(ctx context.Context, task Task, branch, reason string) {
	added, err := o.cfg.Fallback.Add(ctx, fallback.Task{
		ID:            task.ID,
		Title:         task.Title,
		Description:   task.Description,
		Repository:    task.Repository,
		Branch:        branch,
		CommitMessage: commitMessage(task),
		PRTitle:       prTitle(task),
		PRBody:        fallbackPRBody(task),
		Reason:        reason,
	})
	if err != nil {
		o.taskLogger(task.ID).Errorf("could not queue task for manual follow-up: %s", err)
	} else if added {
		o.event(ctx, task.ID, "fallback_queued", "", reason)
	}

	o.comment(ctx, task.ID, fmt.Sprintf("autodev could not finish this task and queued it for manual follow-up.\n\nReason: %s", reason))
	o.setStatus(ctx, task.ID, TaskFailed)
	o.event(ctx, task.ID, "failed", pipeline.StageFailed, reason)
}

type workerStopper interface {
	Stop(ctx context.Context, taskID string) error
}

func (o *Orchestrator) stopWorker(ctx context.Context, taskID string) {
	s, ok := o.cfg.Launcher.(workerStopper)
	if !ok {
		return
	}
	if err := s.Stop(ctx, taskID); err != nil {
		o.taskLogger(taskID).Warningf("could not stop worker: %s", err)
	}
}

// withHeartbeat runs fn while heartbeating taskID.
func (o *Orchestrator) withHeartbeat(ctx context.Context, taskID string, fn func(ctx context.Context) (*AdvanceResult, error)) (*AdvanceResult, error) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go o.keepAlive(hbCtx, &hbWG, taskID)

	res, err := fn(ctx)
	hbCancel()
	hbWG.Wait()
	return res, err
}

func (o *Orchestrator) keepAlive(ctx context.Context, wg *sync.WaitGroup, taskID string) {
	defer wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.cfg.Store.UpdateHeartbeat(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
				o.taskLogger(taskID).Warningf("heartbeat update failed: %s", err)
			}
		}
	}
}

func (o *Orchestrator) comment(ctx context.Context, taskID, text string) {
	err := o.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		return o.cfg.Source.PostComment(ctx, taskID, text)
	})
	if err != nil {
		o.taskLogger(taskID).Warningf("could not post comment: %s", err)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, taskID string, status TaskStatus) {
	err := o.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		return o.cfg.Source.SetStatus(ctx, taskID, status)
	})
	if err != nil {
		o.taskLogger(taskID).Warningf("could not set task status to %s: %s", status, err)
	}
}

func (o *Orchestrator) event(ctx context.Context, taskID, event string, stage pipeline.Stage, detail string) {
	if err := o.cfg.Events.LogPipelineEvent(ctx, taskID, event, string(stage), detail); err != nil {
		o.taskLogger(taskID).Warningf("could not log %s event: %s", event, err)
	}
}

func (o *Orchestrator) taskLogger(taskID string) log.Logger {
	return o.logger.WithValues(log.Kv{"task": taskID})
}

// taskFromPipeline rebuilds the task a pipeline was started for.
func taskFromPipeline(p *pipeline.Pipeline) Task {
	return Task{
		ID:          p.TaskID,
		Title:       p.TaskName,
		Description: p.Metadata[pipeline.MetaDescription],
		Repository:  p.Metadata[pipeline.MetaRepository],
		URL:         p.Metadata[pipeline.MetaTaskURL],
	}
}

type noopEvents struct{}

func (noopEvents) LogPipelineEvent(context.Context, string, string, string, string) error { return nil }
