package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storyrt/internal/llm"
	"storyrt/internal/pipeline"
)

// handleStepStream is the SSE step transport (§4.J): a dedicated worker
// goroutine runs the same orchestrator step used by handleStep, and the
// request goroutine relays the best-effort stage events the step emits
// along the way, then exactly one terminal event (result or error).
func (s *Server) handleStepStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := r.PathValue("id")
	req, err := parseStepRequest(r)
	if err != nil {
		writeReachError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stages := make(chan llm.StageEvent, 8)
	scopedOrch := s.orch.WithTransport(s.orch.Transport().WithEmitter(func(ev llm.StageEvent) {
		select {
		case stages <- ev:
		default:
			s.metrics.incSSEDropped(id)
		}
	}))

	var selectionStart, narrationStart time.Time

	type stepResult struct {
		resp *pipeline.StepResponse
		err  error
	}
	done := make(chan stepResult, 1)
	go func() {
		resp, err := scopedOrch.Step(r.Context(), id, req)
		done <- stepResult{resp: resp, err: err}
	}()

	for {
		select {
		case ev := <-stages:
			s.metrics.setSSEQueueDepth(id, len(stages))
			switch ev.StageCode {
			case "play.selection.start":
				selectionStart = time.Now()
			case "play.narration.start":
				if !selectionStart.IsZero() {
					s.metrics.observeSelectionLatency(time.Since(selectionStart))
				}
				narrationStart = time.Now()
			}
			writeSSEEvent(w, "stage", ev)
			flusher.Flush()
		case result := <-done:
			if !narrationStart.IsZero() {
				s.metrics.observeNarrationLatency(time.Since(narrationStart))
			}
			// Drain any stage events emitted right before completion.
			for drained := true; drained; {
				select {
				case ev := <-stages:
					writeSSEEvent(w, "stage", ev)
				default:
					drained = false
				}
			}
			if result.err != nil {
				_, body := reachErrorBody(result.err)
				writeSSEEvent(w, "error", body)
			} else {
				writeSSEEvent(w, "result", result.resp)
			}
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
