package web

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sort"

	"github.com/lucasnoah/autodev/internal/db"
	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

// recentLimit caps the finished pipelines listed on the dashboard.
const recentLimit = 20

type dashboardData struct {
	Active   []*pipeline.Pipeline
	Recent   []*pipeline.Pipeline
	Fallback []fallback.Entry
}

type pipelineData struct {
	Pipeline *pipeline.Pipeline
	Events   []eventView
}

type eventView struct {
	ID        int    `json:"id"`
	TaskID    string `json:"taskId"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

func toEventViews(events []db.PipelineEvent) []eventView {
	out := make([]eventView, len(events))
	for i, e := range events {
		out[i] = eventView(e)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.cfg.Pipelines.List(ctx, "")
	if err != nil {
		s.serverError(w, "list pipelines", err)
		return
	}
	queued, err := s.cfg.Fallback.List(ctx)
	if err != nil {
		s.serverError(w, "list fallback queue", err)
		return
	}

	data := dashboardData{Fallback: queued}
	for _, p := range all {
		if p.Active() {
			data.Active = append(data.Active, p)
		} else {
			data.Recent = append(data.Recent, p)
		}
	}
	sort.SliceStable(data.Recent, func(i, j int) bool {
		return data.Recent[i].TerminatedAt().After(data.Recent[j].TerminatedAt())
	})
	if len(data.Recent) > recentLimit {
		data.Recent = data.Recent[:recentLimit]
	}

	s.render(w, s.dashboard, data)
}

func (s *Server) handlePipelinePage(w http.ResponseWriter, r *http.Request) {
	data, ok := s.loadPipeline(w, r)
	if !ok {
		return
	}
	s.render(w, s.pipelineTmpl, data)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	var status pipeline.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := pipeline.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		status = st
	}

	list, err := s.cfg.Pipelines.List(r.Context(), status)
	if err != nil {
		s.serverError(w, "list pipelines", err)
		return
	}
	if list == nil {
		list = []*pipeline.Pipeline{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.cfg.Pipelines.Get(r.Context(), id)
	if err != nil {
		s.serverError(w, "get pipeline", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, (&pipeline.NotFoundError{TaskID: id}).Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePipelineEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Events.GetPipelineHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serverError(w, "pipeline history", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventViews(events))
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	queued, err := s.cfg.Fallback.List(r.Context())
	if err != nil {
		s.serverError(w, "list fallback queue", err)
		return
	}
	if queued == nil {
		queued = []fallback.Entry{}
	}
	writeJSON(w, http.StatusOK, queued)
}

// loadPipeline fetches the pipeline named in the path with its history. It
// writes the error response itself and reports whether the caller may go on.
func (s *Server) loadPipeline(w http.ResponseWriter, r *http.Request) (pipelineData, bool) {
	id := r.PathValue("id")
	p, err := s.cfg.Pipelines.Get(r.Context(), id)
	if err != nil {
		s.serverError(w, "get pipeline", err)
		return pipelineData{}, false
	}
	if p == nil {
		http.NotFound(w, r)
		return pipelineData{}, false
	}
	events, err := s.cfg.Events.GetPipelineHistory(r.Context(), id)
	if err != nil {
		s.serverError(w, "pipeline history", err)
		return pipelineData{}, false
	}
	return pipelineData{Pipeline: p, Events: toEventViews(events)}, true
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.cfg.Logger.Errorf("render template: %s", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.cfg.Logger.Errorf("%s: %s", what, err)
	writeError(w, http.StatusInternalServerError, what+" failed")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
