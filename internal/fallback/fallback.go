// Package fallback keeps tasks that automation gave up on so a human can
// finish them.
package fallback

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lucasnoah/autodev/internal/db"
	"github.com/lucasnoah/autodev/internal/log"
)

// ErrNotFound is returned for tasks that are not queued.
var ErrNotFound = db.ErrFallbackNotFound

// Task is the work handed over for manual follow-up.
type Task struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Repository    string `json:"repository,omitempty"`
	Branch        string `json:"branch,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
	PRTitle       string `json:"prTitle,omitempty"`
	PRBody        string `json:"prBody,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Entry is a queued task.
type Entry struct {
	Task
	EntryID  string    `json:"entryId"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Store is the persistence the queue needs. *db.DB implements it.
type Store interface {
	InsertFallback(ctx context.Context, row db.FallbackRow) (bool, error)
	ListFallback(ctx context.Context) ([]db.FallbackRow, error)
	GetFallback(ctx context.Context, taskID string) (*db.FallbackRow, error)
	DeleteFallback(ctx context.Context, taskID string) error
	CountFallback(ctx context.Context) (int, error)
}

// Config is the queue configuration.
type Config struct {
	Store  Store
	Logger log.Logger
	Now    func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "fallback.Queue"})
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Queue is a durable list of tasks, deduplicated by task ID.
type Queue struct {
	store  Store
	logger log.Logger
	now    func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New returns a Queue over cfg.Store.
func New(cfg Config) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Queue{
		store:   cfg.Store,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Add queues task. A task already queued is left as is and Add returns false.
func (q *Queue) Add(ctx context.Context, task Task) (bool, error) {
	if strings.TrimSpace(task.ID) == "" {
		return false, errors.New("task id is required")
	}

	now := q.now().UTC()
	row := db.FallbackRow{
		ID:            q.newID(now),
		TaskID:        task.ID,
		Title:         task.Title,
		Description:   task.Description,
		Repository:    task.Repository,
		Branch:        task.Branch,
		CommitMessage: task.CommitMessage,
		PRTitle:       task.PRTitle,
		PRBody:        task.PRBody,
		Reason:        task.Reason,
		QueuedAt:      now.Format(time.RFC3339Nano),
	}
	added, err := q.store.InsertFallback(ctx, row)
	if err != nil {
		return false, err
	}
	logger := q.logger.WithValues(log.Kv{"task": task.ID})
	if !added {
		logger.Infof("task %s already queued", task.ID)
		return false, nil
	}
	logger.Warningf("task %s queued for manual follow-up: %s", task.ID, task.Reason)
	return true, nil
}

// List returns the queued entries, oldest first.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	rows, err := q.store.ListFallback(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Get returns the entry for taskID.
func (q *Queue) Get(ctx context.Context, taskID string) (*Entry, error) {
	r, err := q.store.GetFallback(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e := fromRow(*r)
	return &e, nil
}

// Remove drops taskID from the queue once it has been handled.
func (q *Queue) Remove(ctx context.Context, taskID string) error {
	if err := q.store.DeleteFallback(ctx, taskID); err != nil {
		return err
	}
	q.logger.Infof("task %s removed from fallback queue", taskID)
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountFallback(ctx)
}

func (q *Queue) newID(t time.Time) string {
	q.entropyMu.Lock()
	defer q.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), q.entropy).String()
}

func fromRow(r db.FallbackRow) Entry {
	queuedAt, _ := time.Parse(time.RFC3339Nano, r.QueuedAt)
	return Entry{
		Task: Task{
			ID:            r.TaskID,
			Title:         r.Title,
			Description:   r.Description,
			Repository:    r.Repository,
			Branch:        r.Branch,
			CommitMessage: r.CommitMessage,
			PRTitle:       r.PRTitle,
			PRBody:        r.PRBody,
			Reason:        r.Reason,
		},
		EntryID:  r.ID,
		QueuedAt: queuedAt,
	}
}
