package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyrt/internal/config"
	reacherrors "storyrt/internal/errors"
	"storyrt/internal/pipeline"
	"storyrt/internal/storage"
	"storyrt/internal/storypack"
	"storyrt/internal/telemetry"
)

// Server wires the HTTP surface (§6.1) over the step pipeline
// orchestrator. It never computes story logic itself; every handler
// either reads storage directly or delegates to orch.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	loader  *storypack.Loader
	orch    *pipeline.Orchestrator
	metrics *metrics
	log     *telemetry.Logger
}

func NewServer(cfg *config.Config, store *storage.Store, loader *storypack.Loader, orch *pipeline.Orchestrator) *Server {
	logger := telemetry.NewFromLevel(os.Stderr, cfg.Telemetry.LogLevel).WithComponent("api")
	return &Server{cfg: cfg, store: store, loader: loader, orch: orch, metrics: newMetrics(), log: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/step", s.handleStep)
	mux.HandleFunc("POST /sessions/{id}/step/stream", s.handleStepStream)
	mux.HandleFunc("POST /sessions/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /sessions/{id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /sessions/{id}/replay", s.handleReplay)
	return s.withRecovery(s.withLogging(withCorrelationID(mux)))
}

type createSessionRequest struct {
	StoryID string `json:"story_id"`
	Version string `json:"version,omitempty"`
}

type createSessionResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	StoryID      string `json:"story_id"`
	StoryVersion string `json:"story_version"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReachError(w, reacherrors.New(reacherrors.CodeStoryRequired, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.StoryID) == "" {
		writeReachError(w, reacherrors.New(reacherrors.CodeStoryRequired, "story_id is required"))
		return
	}

	var pack *storypack.Pack
	var err error
	if req.Version != "" {
		pack, err = s.loader.LoadVersion(r.Context(), req.StoryID, req.Version)
	} else {
		pack, err = s.loader.LoadPublished(r.Context(), req.StoryID)
	}
	if err != nil {
		writeReachError(w, err)
		return
	}

	state := storypack.ResolveInitialState(pack)
	stateJSON, _ := json.Marshal(state)
	now := time.Now().UTC()
	rec := storage.SessionRecord{
		ID:           uuid.NewString(),
		Status:       "active",
		StoryID:      pack.StoryID,
		StoryVersion: pack.Version,
		StoryNodeID:  pack.StartNodeID,
		StateJSON:    stateJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSession(r.Context(), s.store.DB(), rec); err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		ID: rec.ID, Status: rec.Status, StoryID: rec.StoryID, StoryVersion: rec.StoryVersion,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, mapNotFound(err, "session not found"))
		return
	}
	var state storypack.State
	_ = json.Unmarshal(sess.StateJSON, &state)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            sess.ID,
		"status":        sess.Status,
		"story_id":      sess.StoryID,
		"story_version": sess.StoryVersion,
		"story_node_id": sess.StoryNodeID,
		"state":         state,
	})
}

type stepRequestBody struct {
	ChoiceID    *string `json:"choice_id,omitempty"`
	PlayerInput *string `json:"player_input,omitempty"`
	Locale      string  `json:"locale,omitempty"`
}

func parseStepRequest(r *http.Request) (pipeline.StepRequest, error) {
	var body stepRequestBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return pipeline.StepRequest{}, reacherrors.New(reacherrors.CodeInputConflict, "invalid request body")
		}
	}
	hasChoice := body.ChoiceID != nil && strings.TrimSpace(*body.ChoiceID) != ""
	hasInput := body.PlayerInput != nil && strings.TrimSpace(*body.PlayerInput) != ""
	if hasChoice == hasInput {
		return pipeline.StepRequest{}, reacherrors.New(reacherrors.CodeInputConflict, "exactly one of choice_id or player_input is required")
	}
	req := pipeline.StepRequest{ChoiceID: body.ChoiceID, PlayerInput: body.PlayerInput, Locale: body.Locale}
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		req.IdempotencyKey = &key
	}
	return req, nil
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := parseStepRequest(r)
	if err != nil {
		writeReachError(w, err)
		return
	}
	start := time.Now()
	resp, err := s.orch.Step(r.Context(), id, req)
	s.metrics.ObserveExecution(time.Since(start))
	if err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, mapNotFound(err, "session not found"))
		return
	}
	blob, _ := json.Marshal(map[string]any{
		"story_node_id": sess.StoryNodeID,
		"state_json":    json.RawMessage(sess.StateJSON),
	})
	rec := storage.SessionSnapshotRecord{ID: uuid.NewString(), SessionID: id, StateBlobJSON: blob, CreatedAt: time.Now().UTC()}
	if err := s.store.SaveSnapshot(r.Context(), s.store.DB(), rec); err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": rec.ID})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshotID := strings.TrimSpace(r.URL.Query().Get("snapshot_id"))

	var snap storage.SessionSnapshotRecord
	var err error
	if snapshotID != "" {
		snap, err = s.store.GetSnapshot(r.Context(), s.store.DB(), snapshotID)
	} else {
		snap, err = s.store.GetLatestSnapshot(r.Context(), s.store.DB(), id)
	}
	if err != nil {
		writeReachError(w, mapNotFound(err, "snapshot not found"))
		return
	}
	var blob struct {
		StoryNodeID string          `json:"story_node_id"`
		StateJSON   json.RawMessage `json:"state_json"`
	}
	if err := json.Unmarshal(snap.StateBlobJSON, &blob); err != nil {
		writeReachError(w, reacherrors.Wrap(err, reacherrors.CodeInternal, "corrupt snapshot"))
		return
	}

	sess, err := s.store.GetSession(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, mapNotFound(err, "session not found"))
		return
	}
	sess.StoryNodeID = blob.StoryNodeID
	sess.StateJSON = blob.StateJSON
	sess.Status = "active"
	sess.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(r.Context(), s.store.DB(), sess); err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rolled_back": true, "snapshot_id": snap.ID})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, mapNotFound(err, "session not found"))
		return
	}
	sess.Status = "ended"
	sess.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSession(r.Context(), s.store.DB(), sess); err != nil {
		writeReachError(w, err)
		return
	}

	logs, err := s.store.ListActionLogs(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, err)
		return
	}
	summary, _ := json.Marshal(map[string]any{"session_id": id, "step_count": len(logs)})
	if err := s.store.SaveReplayReport(r.Context(), s.store.DB(), storage.ReplayReportRecord{
		SessionID: id, SummaryJSON: summary, CreatedAt: time.Now().UTC(),
	}); err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true, "replay_report_id": id})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.store.GetReplayReport(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, mapNotFound(err, "replay report not found"))
		return
	}
	logs, err := s.store.ListActionLogs(r.Context(), s.store.DB(), id)
	if err != nil {
		writeReachError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": report.SessionID,
		"summary":    json.RawMessage(report.SummaryJSON),
		"steps":      logs,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.metrics.setCircuitStats(s.orch.Transport().CircuitStats())
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.prometheus()))
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return reacherrors.New(reacherrors.CodeStoryNotFound, message)
	}
	return err
}

func reachErrorBody(err error) (int, map[string]any) {
	re, ok := err.(*reacherrors.ReachError)
	if !ok {
		re = reacherrors.Wrap(err, reacherrors.CodeInternal, "internal error")
	}
	status := re.Code.HTTPStatus()
	return status, map[string]any{
		"status": status,
		"detail": re.Message,
		"code":   string(re.Code),
	}
}

func writeReachError(w http.ResponseWriter, err error) {
	status, body := reachErrorBody(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

type correlationKey struct{}

func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", cid)
		ctx := context.WithValue(r.Context(), correlationKey{}, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *loggingResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so handlers behind the logging
// middleware still see an http.Flusher.
func (rw *loggingResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)
		s.metrics.observeRequest(r.Pattern, elapsed)
		cid, _ := r.Context().Value(correlationKey{}).(string)
		s.log.WithField("correlation_id", cid).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", strconv.Itoa(rw.status)).
			WithField("elapsed", elapsed.String()).
			Info("request handled")
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", fmt.Errorf("%v", rec))
				writeReachError(w, reacherrors.New(reacherrors.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
