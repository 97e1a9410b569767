package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"storyrt/internal/config"
	reacherrors "storyrt/internal/errors"
	"storyrt/internal/idempotency"
	"storyrt/internal/llm"
	"storyrt/internal/rules"
	"storyrt/internal/storage"
	"storyrt/internal/storypack"
)

func testLLMConfig() config.LLMConfig {
	cfg := config.Default().LLM
	cfg.TotalDeadlineS = 2
	cfg.CallTimeoutS = 1
	cfg.MaxRetries = 2
	cfg.CircuitBreakerFailThreshold = 2
	cfg.CircuitBreakerOpenS = 30
	return cfg
}

func samplePack() storypack.Pack {
	minMoney := 1000
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
					{ChoiceID: "c2", DisplayText: "Splurge", NextNodeID: "n2", Action: storypack.Action{ActionID: storypack.ActionGift}, Requires: &rules.Requires{MinMoney: &minMoney}},
				},
				Intents: []storypack.Intent{
					{AliasChoiceID: "c1", Patterns: []string{"study", "homework"}},
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

// testRig bundles a migrated store, an orchestrator, and a seeded
// story+session pair for a single test.
type testRig struct {
	store *storage.Store
	orch  *Orchestrator
}

func newTestRig(t *testing.T, provider llm.Provider) *testRig {
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
	transport := llm.New(testLLMConfig(), provider, nil)
	idem := idempotency.New(store, time.Hour, 30*time.Second)
	orch := New(store, storypack.NewLoader(store), transport, idem, cfg)

	return &testRig{store: store, orch: orch}
}

func (r *testRig) createSession(t *testing.T, storyID, version, nodeID string) string {
	t.Helper()
	state := storypack.NormalizeState(storypack.DefaultInitialState())
	stateJSON, _ := json.Marshal(state)
	now := time.Now().UTC()
	id := "sess1"
	if err := r.store.CreateSession(context.Background(), r.store.DB(), storage.SessionRecord{
		ID: id, Status: "active", StoryID: storyID, StoryVersion: version, StoryNodeID: nodeID, StateJSON: stateJSON, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return id
}

func TestStepExplicitChoiceAdvancesNodeAndAppliesEffects(t *testing.T) {
	rig := newTestRig(t, &llm.FakeProvider{})
	sessID := rig.createSession(t, "s1", "v1", "n1")

	choiceID := "c1"
	resp, err := rig.orch.Step(context.Background(), sessID, StepRequest{ChoiceID: &choiceID, Locale: "en-US"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ExecutedChoiceID != "c1" || resp.StoryNodeID != "n2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FallbackUsed {
		t.Fatalf("expected no fallback, got %+v", resp)
	}
	if resp.StateExcerpt["knowledge"] != 1 {
		t.Fatalf("expected knowledge effect applied, got %+v", resp.StateExcerpt)
	}
	if resp.StepIndex != 1 {
		t.Fatalf("expected step_index 1, got %d", resp.StepIndex)
	}

	sess, err := rig.store.GetSession(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.StoryNodeID != "n2" {
		t.Fatalf("expected persisted node n2, got %s", sess.StoryNodeID)
	}

	logs, err := rig.store.ListActionLogs(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("ListActionLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected exactly one action log row, got %d", len(logs))
	}
}

func TestStepPrereqBlockedChoiceReroutesToNodeFallback(t *testing.T) {
	rig := newTestRig(t, &llm.FakeProvider{})
	sessID := rig.createSession(t, "s1", "v1", "n1")

	choiceID := "c2" // requires money >= 1000, default money is 50
	resp, err := rig.orch.Step(context.Background(), sessID, StepRequest{ChoiceID: &choiceID, Locale: "en-US"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.FallbackUsed || resp.ExecutedChoiceID != "c1" {
		t.Fatalf("expected reroute to c1 via node fallback, got %+v", resp)
	}
}

func TestStepLLMUnavailableAbortsTransactionLeavingSessionUnchanged(t *testing.T) {
	rig := newTestRig(t, &llm.FakeProvider{FailNext: 100})
	sessID := rig.createSession(t, "s1", "v1", "n1")
	before, err := rig.store.GetSession(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	choiceID := "c1"
	_, err = rig.orch.Step(context.Background(), sessID, StepRequest{ChoiceID: &choiceID, Locale: "en-US"})
	if err == nil {
		t.Fatal("expected LLM_UNAVAILABLE error")
	}
	if re, ok := err.(*reacherrors.ReachError); !ok || re.Code != reacherrors.CodeLLMUnavailable {
		t.Fatalf("expected LLM_UNAVAILABLE, got %v", err)
	}

	after, err := rig.store.GetSession(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if after.StoryNodeID != before.StoryNodeID || string(after.StateJSON) != string(before.StateJSON) {
		t.Fatalf("expected no state change after aborted step, before=%+v after=%+v", before, after)
	}

	logs, err := rig.store.ListActionLogs(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("ListActionLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no action log written for an aborted step, got %d", len(logs))
	}
}

func TestStepInactiveSessionRejected(t *testing.T) {
	rig := newTestRig(t, &llm.FakeProvider{})
	sessID := rig.createSession(t, "s1", "v1", "n1")
	sess, _ := rig.store.GetSession(context.Background(), rig.store.DB(), sessID)
	sess.Status = "ended"
	if err := rig.store.UpdateSession(context.Background(), rig.store.DB(), sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	choiceID := "c1"
	_, err := rig.orch.Step(context.Background(), sessID, StepRequest{ChoiceID: &choiceID, Locale: "en-US"})
	if re, ok := err.(*reacherrors.ReachError); !ok || re.Code != reacherrors.CodeSessionNotActive {
		t.Fatalf("expected SESSION_NOT_ACTIVE, got %v", err)
	}
}

func TestStepReplaysIdempotentResponseOnReuse(t *testing.T) {
	rig := newTestRig(t, &llm.FakeProvider{})
	sessID := rig.createSession(t, "s1", "v1", "n1")

	choiceID := "c1"
	key := "key-1"
	req := StepRequest{ChoiceID: &choiceID, Locale: "en-US", IdempotencyKey: &key}

	first, err := rig.orch.Step(context.Background(), sessID, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := rig.orch.Step(context.Background(), sessID, req)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if second.StepIndex != first.StepIndex || second.StoryNodeID != first.StoryNodeID {
		t.Fatalf("expected replayed response identical to first, first=%+v second=%+v", first, second)
	}

	logs, err := rig.store.ListActionLogs(context.Background(), rig.store.DB(), sessID)
	if err != nil {
		t.Fatalf("ListActionLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected replay not to append a second action log row, got %d", len(logs))
	}
}
