package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/autodev/internal/log"
)

// RepositoryConfig is the Repository configuration.
type RepositoryConfig struct {
	Backend Backend
	Logger  log.Logger
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c *RepositoryConfig) defaults() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Repository"})
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Repository is the durable store of pipelines. Every mutation reloads the
// snapshot, applies the change, and rewrites it inside one critical section:
// an in-process mutex plus the backend's cross-process lock.
//
// Returned pipelines are copies; changing them does not change the store.
type Repository struct {
	mu      sync.Mutex
	backend Backend
	logger  log.Logger
	now     func() time.Time
}

// NewRepository returns a Repository over cfg.Backend.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Repository{
		backend: cfg.Backend,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Init creates the pipeline for a newly detected task. An active pipeline for
// the same ID is rejected with ErrDuplicateActive; a terminal one is replaced.
func (r *Repository) Init(ctx context.Context, taskID string, task TaskData) (*Pipeline, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.New("task id is required")
	}

	var out *Pipeline
	err := r.Mutate(ctx, func(s Snapshot) (bool, error) {
		if existing, ok := s[taskID]; ok && existing.Active() {
			return false, fmt.Errorf("init %s: %w", taskID, ErrDuplicateActive)
		}

		now := r.now()
		meta := make(map[string]string, len(task.Metadata)+2)
		for k, v := range task.Metadata {
			meta[k] = v
		}
		if task.Provider != "" {
			meta[MetaProvider] = task.Provider
		}
		if task.Repository != "" {
			meta[MetaRepository] = task.Repository
		}

		p := &Pipeline{
			TaskID:       taskID,
			TaskName:     task.Name,
			CurrentStage: StageDetected,
			Status:       StatusInProgress,
			CreatedAt:    now,
			UpdatedAt:    now,
			Stages: []StageRecord{{
				Name:        "detection",
				Stage:       StageDetected,
				Status:      StageStatusCompleted,
				StartedAt:   cloneTime(&now),
				CompletedAt: cloneTime(&now),
			}},
			Metadata: meta,
			Errors:   []ErrorEntry{},
		}
		s[taskID] = p
		out = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the pipeline for taskID, or nil when there is none.
func (r *Repository) Get(ctx context.Context, taskID string) (*Pipeline, error) {
	snap, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap[taskID].Clone(), nil
}

// Load returns the whole store.
func (r *Repository) Load(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.backend.Load(ctx)
	if err != nil {
		r.logger.Errorf("could not load pipelines: %s", err)
		return nil, err
	}
	return snap, nil
}

// Save replaces the whole store with snap.
func (r *Repository) Save(ctx context.Context, snap Snapshot) error {
	return r.Mutate(ctx, func(s Snapshot) (bool, error) {
		for id := range s {
			delete(s, id)
		}
		for id, p := range snap {
			if p != nil {
				s[id] = p.Clone()
			}
		}
		return true, nil
	})
}

// Mutate runs fn on a freshly loaded snapshot and persists it when fn reports
// a change. Errors returned by fn abort the write and are returned as is;
// storage failures are logged and returned.
func (r *Repository) Mutate(ctx context.Context, fn func(Snapshot) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fnErr error
	err := r.backend.Update(ctx, func(s Snapshot) (bool, error) {
		changed, err := fn(s)
		fnErr = err
		return changed, err
	})
	if err != nil && fnErr == nil {
		r.logger.Errorf("could not persist pipelines: %s", err)
	}
	return err
}

// UpdateHeartbeat records worker liveness. Missing and terminal pipelines are
// ignored; only storage errors are returned.
func (r *Repository) UpdateHeartbeat(ctx context.Context, taskID string) error {
	return r.Mutate(ctx, func(s Snapshot) (bool, error) {
		p, ok := s[taskID]
		if !ok || p.Status != StatusInProgress {
			return false, nil
		}
		now := r.now()
		p.LastHeartbeat = &now
		p.UpdatedAt = now
		return true, nil
	})
}

// UpdateStage marks stage as running and merges data into its record. A new
// record, or one that previously failed or was skipped, restarts at now.
func (r *Repository) UpdateStage(ctx context.Context, taskID string, stage Stage, data map[string]any) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		if err := checkWorkStage(stage); err != nil {
			return err
		}
		rec := p.StageRecord(stage)
		if rec == nil {
			p.Stages = append(p.Stages, StageRecord{Name: stageName(stage), Stage: stage})
			rec = &p.Stages[len(p.Stages)-1]
		}
		switch rec.Status {
		case "", StageStatusPending, StageStatusFailed, StageStatusSkipped:
			rec.Status = StageStatusInProgress
			rec.StartedAt = cloneTime(&now)
			rec.CompletedAt = nil
			rec.DurationMs = 0
			rec.Error = ""
		}
		rec.Data = mergeData(rec.Data, data)
		p.CurrentStage = stage
		p.Status = StatusInProgress
		return nil
	})
}

// CompleteStage marks stage completed and merges result into its data.
func (r *Repository) CompleteStage(ctx context.Context, taskID string, stage Stage, result map[string]any) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		if err := checkWorkStage(stage); err != nil {
			return err
		}
		rec := finishStage(p, stage, StageStatusCompleted, now)
		rec.Data = mergeData(rec.Data, result)
		return nil
	})
}

// FailStage marks stage failed and records cause in the pipeline errors. The
// pipeline itself stays active.
func (r *Repository) FailStage(ctx context.Context, taskID string, stage Stage, cause error) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		if err := checkWorkStage(stage); err != nil {
			return err
		}
		msg := errorText(cause)
		rec := finishStage(p, stage, StageStatusFailed, now)
		rec.Error = msg
		p.Errors = append(p.Errors, ErrorEntry{Stage: stage, Error: msg, Timestamp: now})
		return nil
	})
}

// SkipStage marks stage skipped with reason.
func (r *Repository) SkipStage(ctx context.Context, taskID string, stage Stage, reason string) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		if err := checkWorkStage(stage); err != nil {
			return err
		}
		rec := finishStage(p, stage, StageStatusSkipped, now)
		rec.Error = reason
		return nil
	})
}

// UpdateMetadata merges kv into the pipeline metadata. It is allowed on
// terminal pipelines so late facts such as a PR URL can still be recorded.
func (r *Repository) UpdateMetadata(ctx context.Context, taskID string, kv map[string]string) (*Pipeline, error) {
	var out *Pipeline
	err := r.Mutate(ctx, func(s Snapshot) (bool, error) {
		p, ok := s[taskID]
		if !ok {
			return false, &NotFoundError{TaskID: taskID}
		}
		if p.Metadata == nil {
			p.Metadata = map[string]string{}
		}
		for k, v := range kv {
			p.Metadata[k] = v
		}
		p.UpdatedAt = r.now()
		out = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete finishes the pipeline successfully.
func (r *Repository) Complete(ctx context.Context, taskID string, result map[string]any) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		p.Stages = append(p.Stages, StageRecord{
			Name:        stageName(StageCompleted),
			Stage:       StageCompleted,
			Status:      StageStatusCompleted,
			StartedAt:   cloneTime(&now),
			CompletedAt: cloneTime(&now),
			Data:        mergeData(nil, result),
		})
		p.CurrentStage = StageCompleted
		p.Status = StatusCompleted
		p.CompletedAt = cloneTime(&now)
		p.Result = mergeData(p.Result, result)
		return nil
	})
}

// Fail finishes the pipeline with cause. Running stages are marked failed and
// the error is recorded against the stage the pipeline was in.
func (r *Repository) Fail(ctx context.Context, taskID string, cause error) (*Pipeline, error) {
	return r.mutateOne(ctx, taskID, func(p *Pipeline, now time.Time) error {
		failPipeline(p, cause, now)
		return nil
	})
}

// FailStale fails p with a StaleWorkerError when it is in progress and its
// last heartbeat is more than threshold before now, and reports whether it
// did. Pipelines that never heartbeated are left alone.
func FailStale(p *Pipeline, threshold time.Duration, now time.Time) bool {
	if p == nil || p.Status != StatusInProgress || p.LastHeartbeat == nil {
		return false
	}
	silence := now.Sub(*p.LastHeartbeat)
	if silence <= threshold {
		return false
	}
	failPipeline(p, &StaleWorkerError{Silence: silence.Round(time.Second).String()}, now)
	return true
}

// GetActive returns the in-progress pipelines, oldest first.
func (r *Repository) GetActive(ctx context.Context) ([]*Pipeline, error) {
	return r.List(ctx, StatusInProgress)
}

// List returns pipelines with the given status, or all when status is empty,
// oldest first.
func (r *Repository) List(ctx context.Context, status Status) ([]*Pipeline, error) {
	snap, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(snap))
	for _, p := range snap {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CleanupOlderThan removes terminal pipelines that ended more than age ago
// and returns how many were removed.
func (r *Repository) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	removed := 0
	err := r.Mutate(ctx, func(s Snapshot) (bool, error) {
		cutoff := r.now().Add(-age)
		for id, p := range s {
			if p.Active() || !p.TerminatedAt().Before(cutoff) {
				continue
			}
			delete(s, id)
			removed++
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Infof("removed %d pipelines older than %s", removed, age)
	}
	return removed, nil
}

// Close releases the backend.
func (r *Repository) Close() error {
	return r.backend.Close()
}

// mutateOne applies fn to an active pipeline and returns a copy of the result.
func (r *Repository) mutateOne(ctx context.Context, taskID string, fn func(p *Pipeline, now time.Time) error) (*Pipeline, error) {
	var out *Pipeline
	err := r.Mutate(ctx, func(s Snapshot) (bool, error) {
		p, ok := s[taskID]
		if !ok {
			return false, &NotFoundError{TaskID: taskID}
		}
		if p.Status.Terminal() {
			return false, fmt.Errorf("pipeline %s is %s: %w", taskID, p.Status, ErrTerminal)
		}
		now := r.now()
		if err := fn(p, now); err != nil {
			return false, err
		}
		p.UpdatedAt = now
		out = p.Clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func failPipeline(p *Pipeline, cause error, now time.Time) {
	msg := errorText(cause)
	for i := range p.Stages {
		if p.Stages[i].Status == StageStatusInProgress {
			rec := &p.Stages[i]
			rec.Status = StageStatusFailed
			rec.CompletedAt = cloneTime(&now)
			rec.DurationMs = durationMs(rec.StartedAt, now)
			rec.Error = msg
		}
	}
	p.Errors = append(p.Errors, ErrorEntry{Stage: p.CurrentStage, Error: msg, Timestamp: now})
	p.Stages = append(p.Stages, StageRecord{
		Name:        stageName(StageFailed),
		Stage:       StageFailed,
		Status:      StageStatusFailed,
		StartedAt:   cloneTime(&now),
		CompletedAt: cloneTime(&now),
		Error:       msg,
	})
	p.CurrentStage = StageFailed
	p.Status = StatusFailed
	p.FailedAt = cloneTime(&now)
	p.UpdatedAt = now
}

// finishStage closes the record for stage, creating it when the stage was
// never started. The pipeline's current stage follows the record, so a report
// for an earlier stage moves the pipeline back to it.
func finishStage(p *Pipeline, stage Stage, status StageStatus, now time.Time) *StageRecord {
	rec := p.StageRecord(stage)
	if rec == nil {
		p.Stages = append(p.Stages, StageRecord{
			Name:      stageName(stage),
			Stage:     stage,
			StartedAt: cloneTime(&now),
		})
		rec = &p.Stages[len(p.Stages)-1]
	}
	if rec.StartedAt == nil {
		rec.StartedAt = cloneTime(&now)
	}
	rec.Status = status
	rec.CompletedAt = cloneTime(&now)
	rec.DurationMs = durationMs(rec.StartedAt, now)
	p.CurrentStage = stage
	return rec
}

func checkWorkStage(stage Stage) error {
	if !stage.Valid() || stage == StageCompleted || stage == StageFailed {
		return fmt.Errorf("invalid stage %q", stage)
	}
	return nil
}

func stageName(stage Stage) string {
	return strings.ReplaceAll(strings.ToLower(string(stage)), "_", "-")
}

func durationMs(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func mergeData(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
