package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"storyrt/internal/config"
	"storyrt/internal/idempotency"
	"storyrt/internal/llm"
	"storyrt/internal/pipeline"
	"storyrt/internal/rules"
	"storyrt/internal/storage"
	"storyrt/internal/storypack"
)

func samplePack() storypack.Pack {
	return storypack.Pack{
		StoryID:                "s1",
		Version:                "v1",
		StartNodeID:            "n1",
		GlobalFallbackChoiceID: "fe_default",
		FallbackExecutors: []storypack.FallbackExecutor{
			{ID: "fe_default", NextNodeIDPolicy: "stay", TextVariants: map[string]string{"DEFAULT": "Nothing happens."}},
		},
		Nodes: []storypack.Node{
			{
				NodeID:     "n1",
				SceneBrief: "A quiet morning.",
				Choices: []storypack.Choice{
					{ChoiceID: "c1", DisplayText: "Study", NextNodeID: "n2", Action: storypack.Action{ActionID: storypack.ActionStudy}, Effects: rules.Effects{"knowledge": 1}},
				},
				NodeFallbackChoiceID: "c1",
			},
			{
				NodeID:     "n2",
				SceneBrief: "The library hums with quiet focus.",
				Choices: []storypack.Choice{
					{ChoiceID: "c3", DisplayText: "Go home", NextNodeID: "n1"},
				},
			},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	return newTestServerWithProvider(t, &llm.FakeProvider{})
}

func newTestServerWithProvider(t *testing.T, provider llm.Provider) (*Server, *storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pack := samplePack()
	packJSON, err := json.Marshal(pack)
	if err != nil {
		t.Fatalf("marshal pack: %v", err)
	}
	now := time.Now().UTC()
	if err := store.PutStory(context.Background(), store.DB(), storage.StoryRecord{
		StoryID: pack.StoryID, Version: pack.Version, IsPublished: true, PackJSON: packJSON, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutStory failed: %v", err)
	}

	cfg := config.Default()
	loader := storypack.NewLoader(store)
	transport := llm.New(cfg.LLM, provider, nil)
	idem := idempotency.New(store, time.Hour, 30*time.Second)
	orch := pipeline.New(store, loader, transport, idem, cfg)
	return NewServer(cfg, store, loader, orch), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionThenStepAdvancesNode(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.StoryID != "s1" || created.Status != "active" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	choiceID := "c1"
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step", stepRequestBody{ChoiceID: &choiceID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stepResp pipeline.StepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stepResp); err != nil {
		t.Fatalf("decode step response: %v", err)
	}
	if stepResp.StoryNodeID != "n2" || stepResp.ExecutedChoiceID != "c1" {
		t.Fatalf("unexpected step response: %+v", stepResp)
	}
}

func TestStepRejectsBothChoiceAndPlayerInput(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	choiceID := "c1"
	input := "look around"
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step", stepRequestBody{ChoiceID: &choiceID, PlayerInput: &input})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 INPUT_CONFLICT, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "INPUT_CONFLICT" {
		t.Fatalf("expected INPUT_CONFLICT, got %+v", body)
	}
}

func TestStepRejectsNeitherChoiceNorPlayerInput(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step", stepRequestBody{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 INPUT_CONFLICT, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetSessionNotFoundMapsToStoryNotFoundCode(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/sessions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSnapshotAndRollbackRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/snapshot", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	choiceID := "c1"
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step", stepRequestBody{ChoiceID: &choiceID})
	if rec.Code != http.StatusOK {
		t.Fatalf("step failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/rollback", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+created.ID, nil)
	var sess map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &sess)
	if sess["story_node_id"] != "n1" {
		t.Fatalf("expected rollback to restore n1, got %+v", sess)
	}
}

func TestEndThenReplayReturnsActionLog(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	choiceID := "c1"
	doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step", stepRequestBody{ChoiceID: &choiceID})

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+created.ID+"/replay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &report)
	steps, ok := report["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("expected one step in replay report, got %+v", report)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
