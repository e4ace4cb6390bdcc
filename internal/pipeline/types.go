package pipeline

import (
	"strings"
	"time"
)

// Stage is one step of the fixed linear workflow.
type Stage string

const (
	StageDetected       Stage = "DETECTED"
	StageAnalyzing      Stage = "ANALYZING"
	StageAnalyzed       Stage = "ANALYZED"
	StageImplementing   Stage = "IMPLEMENTING"
	StageImplemented    Stage = "IMPLEMENTED"
	StageCodexReviewing Stage = "CODEX_REVIEWING"
	StageCodexReviewed  Stage = "CODEX_REVIEWED"
	StageClaudeFixing   Stage = "CLAUDE_FIXING"
	StageClaudeFixed    Stage = "CLAUDE_FIXED"
	StageMerging        Stage = "MERGING"
	StageMerged         Stage = "MERGED"
	StagePRCreating     Stage = "PR_CREATING"
	StageCompleted      Stage = "COMPLETED"
	StageFailed         Stage = "FAILED"
)

// Stages lists the workflow in execution order. FAILED is reachable from any
// stage and is not part of the sequence.
var Stages = []Stage{
	StageDetected,
	StageAnalyzing,
	StageAnalyzed,
	StageImplementing,
	StageImplemented,
	StageCodexReviewing,
	StageCodexReviewed,
	StageClaudeFixing,
	StageClaudeFixed,
	StageMerging,
	StageMerged,
	StagePRCreating,
	StageCompleted,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	return s.Index() >= 0
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s, or "" for the last one.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return ""
	}
	return Stages[i+1]
}

// ParseStage accepts stage names case-insensitively with '-' or '_'.
func ParseStage(s string) (Stage, bool) {
	st := Stage(normalizeEnum(s))
	return st, st.Valid()
}

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts status names case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(normalizeEnum(s))
	switch st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return st, true
	}
	return st, false
}

// StageStatus is the state of a single stage record.
type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusCompleted  StageStatus = "COMPLETED"
	StageStatusFailed     StageStatus = "FAILED"
	StageStatusSkipped    StageStatus = "SKIPPED"
)

// Done reports whether the stage reached a final state.
func (s StageStatus) Done() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// Well-known metadata keys.
const (
	MetaProvider         = "provider"
	MetaBranch           = "branch"
	MetaPRNumber         = "pr_number"
	MetaPRURL            = "pr_url"
	MetaReviewIterations = "review_iterations"
	MetaRepository       = "repository"
	MetaWorkdir          = "workdir"
	MetaAnalysisFallback = "analysis_fallback"
	MetaSession          = "session"
	MetaDescription      = "description"
	MetaTaskURL          = "url"
)

// Pipeline is the persisted progress of one task.
type Pipeline struct {
	TaskID        string            `json:"taskId"`
	TaskName      string            `json:"taskName"`
	CurrentStage  Stage             `json:"currentStage"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	FailedAt      *time.Time        `json:"failedAt,omitempty"`
	LastHeartbeat *time.Time        `json:"lastHeartbeat,omitempty"`
	Stages        []StageRecord     `json:"stages"`
	Metadata      map[string]string `json:"metadata"`
	Errors        []ErrorEntry      `json:"errors"`
	Result        map[string]any    `json:"result,omitempty"`
}

// StageRecord tracks one stage of a pipeline.
type StageRecord struct {
	Name        string         `json:"name"`
	Stage       Stage          `json:"stage"`
	Status      StageStatus    `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"duration,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Stage     Stage     `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskData describes the unit of work a pipeline is created for.
type TaskData struct {
	Name       string
	Provider   string
	Repository string
	Metadata   map[string]string
}

// Snapshot is the whole persisted store keyed by task ID.
type Snapshot map[string]*Pipeline

// StageRecord returns the record for stage, or nil.
func (p *Pipeline) StageRecord(stage Stage) *StageRecord {
	for i := range p.Stages {
		if p.Stages[i].Stage == stage {
			return &p.Stages[i]
		}
	}
	return nil
}

// Active reports whether the pipeline can still transition.
func (p *Pipeline) Active() bool {
	return !p.Status.Terminal()
}

// TerminatedAt returns the time the pipeline reached a terminal status.
func (p *Pipeline) TerminatedAt() time.Time {
	switch {
	case p.CompletedAt != nil:
		return *p.CompletedAt
	case p.FailedAt != nil:
		return *p.FailedAt
	}
	return p.UpdatedAt
}

// Clone returns a deep copy so callers cannot mutate repository state.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.FailedAt = cloneTime(p.FailedAt)
	c.LastHeartbeat = cloneTime(p.LastHeartbeat)
	c.Stages = make([]StageRecord, len(p.Stages))
	for i, r := range p.Stages {
		r.StartedAt = cloneTime(r.StartedAt)
		r.CompletedAt = cloneTime(r.CompletedAt)
		r.Data = cloneAnyMap(r.Data)
		c.Stages[i] = r
	}
	c.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	c.Errors = append([]ErrorEntry{}, p.Errors...)
	c.Result = cloneAnyMap(p.Result)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func normalizeEnum(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
}
