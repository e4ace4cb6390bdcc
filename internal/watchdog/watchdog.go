// Package watchdog fails pipelines whose worker stopped sending heartbeats.
//
// Staleness is computed only from persisted heartbeat timestamps, so a fresh
// Service started after a restart recovers pipelines abandoned before it.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/autodev/internal/log"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

// Store is the part of the pipeline repository the watchdog uses.
type Store interface {
	Load(ctx context.Context) (pipeline.Snapshot, error)
	Mutate(ctx context.Context, fn func(pipeline.Snapshot) (bool, error)) error
}

// Config is the watchdog configuration.
type Config struct {
	Store          Store
	Enabled        bool
	CheckInterval  time.Duration
	StaleThreshold time.Duration
	// OnTerminated is called with a copy of every pipeline the watchdog failed.
	OnTerminated func(ctx context.Context, p *pipeline.Pipeline)
	Logger       log.Logger
	Now          func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = time.Minute
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 10 * time.Minute
	}
	if c.CheckInterval < 0 || c.StaleThreshold < 0 {
		return fmt.Errorf("invalid intervals: check=%s stale=%s", c.CheckInterval, c.StaleThreshold)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "watchdog.Service"})
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Service periodically scans the store for stale pipelines.
type Service struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a stopped Service.
func New(cfg Config) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Service{cfg: cfg}, nil
}

// Start launches the scan loop. It does nothing when the watchdog is disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.cfg.Logger.Infof("watchdog disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(runCtx)

	s.cfg.Logger.Infof("watchdog started (interval %s, stale after %s)", s.cfg.CheckInterval, s.cfg.StaleThreshold)
}

// Stop cancels the scan loop and waits for an in-flight tick, which still
// finishes failing its pipelines and running OnTerminated. It is safe to call
// any number of times.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.cfg.Logger.Infof("watchdog stopped")
}

// Running reports whether the scan loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.cfg.Logger.Errorf("watchdog tick failed: %s", err)
			}
		}
	}
}

// Tick runs one scan and returns the IDs of the pipelines it failed. Once the
// scan has found stale pipelines, cancelling ctx no longer aborts it: they are
// failed and handed to OnTerminated regardless.
func (s *Service) Tick(ctx context.Context) ([]string, error) {
	logger := s.cfg.Logger.WithValues(log.Kv{"tick": uuid.NewString()})

	snap, err := s.cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}
	now := s.cfg.Now()
	var candidates []string
	for id, p := range snap {
		if isStale(p, s.cfg.StaleThreshold, now) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		logger.Debugf("no stale pipelines among %d", len(snap))
		return nil, nil
	}
	sort.Strings(candidates)

	commitCtx := context.WithoutCancel(ctx)

	// Re-check against fresh data: a worker may have heartbeated or finished
	// since the unlocked read.
	var failed []*pipeline.Pipeline
	err = s.cfg.Store.Mutate(commitCtx, func(fresh pipeline.Snapshot) (bool, error) {
		failed = failed[:0]
		now := s.cfg.Now()
		for _, id := range candidates {
			p := fresh[id]
			if pipeline.FailStale(p, s.cfg.StaleThreshold, now) {
				failed = append(failed, p.Clone())
			}
		}
		return len(failed) > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail stale pipelines: %w", err)
	}

	ids := make([]string, 0, len(failed))
	for _, p := range failed {
		ids = append(ids, p.TaskID)
		logger.Warningf("pipeline %s terminated: %s", p.TaskID, lastError(p))
		if s.cfg.OnTerminated != nil {
			s.cfg.OnTerminated(commitCtx, p)
		}
	}
	return ids, nil
}

func isStale(p *pipeline.Pipeline, threshold time.Duration, now time.Time) bool {
	if p == nil || p.Status != pipeline.StatusInProgress || p.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*p.LastHeartbeat) > threshold
}

func lastError(p *pipeline.Pipeline) string {
	if len(p.Errors) == 0 {
		return ""
	}
	return p.Errors[len(p.Errors)-1].Error
}
