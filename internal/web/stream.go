package web

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/autodev/internal/pipeline"
)

// paneLines is how much scrollback each stream message carries.
const paneLines = 500

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][012B]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// handleSessionStream serves a Server-Sent Events stream of the worker's
// terminal for an active pipeline. Every tick sends the captured pane as one
// message. A "done" event ends the stream once the pipeline or its session
// goes away.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Panes == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	p, err := s.cfg.Pipelines.Get(ctx, id)
	if err != nil {
		s.serverError(w, "get pipeline", err)
		return
	}
	if p == nil || p.Metadata[pipeline.MetaSession] == "" {
		writeError(w, http.StatusNotFound, "no session for pipeline "+id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.cfg.StreamInterval)
	defer tick.Stop()

	for {
		p, err := s.cfg.Pipelines.Get(ctx, id)
		switch {
		case err != nil:
			s.cfg.Logger.Warningf("stream %s: %s", id, err)
			sendDone("pipeline unavailable")
			return
		case p == nil:
			sendDone("pipeline not found")
			return
		case !p.Active():
			sendDone("pipeline " + strings.ToLower(string(p.Status)))
			return
		}

		output, err := s.cfg.Panes.CapturePaneLines(ctx, p.Metadata[pipeline.MetaSession], paneLines)
		if err != nil {
			sendDone("session ended")
			return
		}
		for _, line := range strings.Split(stripANSI(output), "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
