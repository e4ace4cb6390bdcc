// Package web serves a read-only view of pipelines, their event history and
// the fallback queue, as HTML and JSON.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lucasnoah/autodev/internal/db"
	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/log"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status pipeline.Status) string {
		return "badge badge-" + strings.ToLower(strings.ReplaceAll(string(status), "_", "-"))
	},
	"ago": ago,
}

// ago renders a time.Time or *time.Time relative to now.
func ago(v any) string {
	var t time.Time
	switch tv := v.(type) {
	case time.Time:
		t = tv
	case *time.Time:
		if tv != nil {
			t = *tv
		}
	}
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// PipelineStore is the pipeline read access the server needs.
type PipelineStore interface {
	Get(ctx context.Context, taskID string) (*pipeline.Pipeline, error)
	List(ctx context.Context, status pipeline.Status) ([]*pipeline.Pipeline, error)
}

// EventStore returns the event history of a pipeline.
type EventStore interface {
	GetPipelineHistory(ctx context.Context, taskID string) ([]db.PipelineEvent, error)
}

// FallbackLister lists the tasks waiting for manual follow-up.
type FallbackLister interface {
	List(ctx context.Context) ([]fallback.Entry, error)
}

// PaneCapturer reads the visible output of a worker's terminal session.
type PaneCapturer interface {
	CapturePaneLines(ctx context.Context, name string, lines int) (string, error)
}

// Config is the server configuration.
type Config struct {
	Addr      string
	Pipelines PipelineStore
	Events    EventStore
	Fallback  FallbackLister
	// Panes is optional. Without it session streams return 404.
	Panes          PaneCapturer
	StreamInterval time.Duration
	Logger         log.Logger
}

func (c *Config) defaults() error {
	if c.Pipelines == nil {
		return fmt.Errorf("pipeline store is required")
	}
	if c.Events == nil {
		return fmt.Errorf("event store is required")
	}
	if c.Fallback == nil {
		return fmt.Errorf("fallback queue is required")
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8420"
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "web.Server"})
	return nil
}

// Server is the read-only status server.
type Server struct {
	cfg          Config
	dashboard    *template.Template
	pipelineTmpl *template.Template
	mux          *http.ServeMux
}

// New returns a server with its routes registered.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:          cfg,
		dashboard:    mustParseTmpl("base.html", "dashboard.html"),
		pipelineTmpl: mustParseTmpl("base.html", "pipeline.html"),
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /pipeline/{id}", s.handlePipelinePage)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	s.mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	s.mux.HandleFunc("GET /api/pipelines/{id}/events", s.handlePipelineEvents)
	s.mux.HandleFunc("GET /api/pipelines/{id}/stream", s.handleSessionStream)
	s.mux.HandleFunc("GET /api/fallback", s.handleFallback)
	return s, nil
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()
	s.cfg.Logger.Infof("status server listening on http://%s", listener.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.cfg.Logger.Warningf("status server shutdown: %s", err)
	}
	return nil
}
