package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"storyrt/internal/llm"
)

func TestStepStreamEmitsStageThenResultEvents(t *testing.T) {
	server, _ := newTestServer(t)
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	choiceID := "c1"
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step/stream", stepRequestBody{ChoiceID: &choiceID})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: stage") {
		t.Fatalf("expected at least one stage event, got body: %s", body)
	}
	if !strings.Contains(body, "event: result") {
		t.Fatalf("expected a terminal result event, got body: %s", body)
	}
	if strings.Contains(body, "event: error") {
		t.Fatalf("expected no error event on the happy path, got body: %s", body)
	}
	// Stage events must precede the terminal event (§4.J ordering guarantee).
	stageIdx := strings.Index(body, "event: stage")
	resultIdx := strings.Index(body, "event: result")
	if stageIdx == -1 || resultIdx == -1 || stageIdx > resultIdx {
		t.Fatalf("expected stage events before the result event, got body: %s", body)
	}
}

func TestStepStreamEmitsErrorEventOnLLMFailure(t *testing.T) {
	server, _ := newTestServerWithProvider(t, &llm.FakeProvider{FailNext: 100})
	h := server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", createSessionRequest{StoryID: "s1"})
	var created createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	choiceID := "c1"
	rec = doJSON(t, h, http.MethodPost, "/sessions/"+created.ID+"/step/stream", stepRequestBody{ChoiceID: &choiceID})
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Fatalf("expected an error event when the LLM is unavailable, got body: %s", body)
	}
	if !strings.Contains(body, "LLM_UNAVAILABLE") {
		t.Fatalf("expected LLM_UNAVAILABLE in the error payload, got body: %s", body)
	}
}
