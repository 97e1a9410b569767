package storypack

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	reacherrors "storyrt/internal/errors"
	"storyrt/internal/rules"
	"storyrt/internal/storage"
)

func samplePack() *Pack {
	return &Pack{
		StoryID:     "s_adv",
		Version:     "1.0.0",
		Title:       "Adventure",
		StartNodeID: "n1",
		Nodes: []Node{
			{
				NodeID:     "n1",
				SceneBrief: "start",
				Choices: []Choice{
					{ChoiceID: "c_study", DisplayText: "study", NextNodeID: "n2"},
					{ChoiceID: "c_rest", DisplayText: "rest", NextNodeID: "n1"},
				},
				Intents: []Intent{{AliasChoiceID: "c_study", Patterns: []string{"study", "learn"}}},
			},
			{NodeID: "n2", SceneBrief: "end", IsEnd: true},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(samplePack()); err != nil {
		t.Fatalf("expected valid pack, got %v", err)
	}
}

func TestValidateRejectsUnresolvedStartNode(t *testing.T) {
	p := samplePack()
	p.StartNodeID = "missing"
	if err := Validate(p); err == nil {
		t.Fatal("expected error for unresolved start_node_id")
	}
}

func TestValidateRejectsUnresolvedNextNode(t *testing.T) {
	p := samplePack()
	p.Nodes[0].Choices[0].NextNodeID = "nowhere"
	if err := Validate(p); err == nil {
		t.Fatal("expected error for unresolved next_node_id")
	}
}

func TestValidateRejectsReservedChoiceID(t *testing.T) {
	p := samplePack()
	p.Nodes[0].Choices[0].ChoiceID = "__synthetic__"
	if err := Validate(p); err == nil {
		t.Fatal("expected error for reserved choice_id prefix")
	}
}

func TestValidateRejectsDuplicateChoiceID(t *testing.T) {
	p := samplePack()
	p.Nodes[0].Choices[1].ChoiceID = "c_study"
	if err := Validate(p); err == nil {
		t.Fatal("expected error for duplicate choice_id")
	}
}

func TestValidateRejectsNonEndNodeWithNoChoices(t *testing.T) {
	p := samplePack()
	p.Nodes = append(p.Nodes, Node{NodeID: "n3", IsEnd: false})
	if err := Validate(p); err == nil {
		t.Fatal("expected error for non-end node with zero choices")
	}
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	overlay := map[string]any{"nested": map[string]any{"y": 20, "z": 3}, "b": 2}
	merged := DeepMerge(base, overlay)

	nested := merged["nested"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 20 || nested["z"] != 3 {
		t.Errorf("unexpected nested merge result: %+v", nested)
	}
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("unexpected top-level merge result: %+v", merged)
	}
}

func TestNormalizeStateFillsContainers(t *testing.T) {
	s := NormalizeState(State{})
	if s.NPCState == nil || s.QuestState.Quests == nil || s.RunState.EventCooldowns == nil {
		t.Fatalf("expected containers to be initialized: %+v", s)
	}
	if s.Slot != "morning" {
		t.Errorf("expected default slot morning, got %q", s.Slot)
	}
}

func TestStoryChoicesForResponseMarksLocked(t *testing.T) {
	minMoney := 100
	n := &Node{Choices: []Choice{
		{ChoiceID: "c1", DisplayText: "buy", Requires: &rules.Requires{MinMoney: &minMoney}, NextNodeID: "n1"},
		{ChoiceID: "c2", DisplayText: "wait", NextNodeID: "n1"},
	}}
	s := NormalizeState(DefaultInitialState())
	s.Money = 10

	choices := StoryChoicesForResponse(n, s)
	if choices[0].Available {
		t.Error("expected c1 to be locked due to insufficient money")
	}
	if choices[0].LockedReason != "min_money" {
		t.Errorf("expected locked_reason min_money, got %q", choices[0].LockedReason)
	}
	if !choices[1].Available {
		t.Error("expected c2 to be available")
	}
}

func TestLoaderLoadPublished(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	packJSON, _ := json.Marshal(samplePack())
	if err := store.PutStory(ctx, store.DB(), storage.StoryRecord{
		StoryID: "s_adv", Version: "1.0.0", IsPublished: true, PackJSON: packJSON,
	}); err != nil {
		t.Fatalf("PutStory failed: %v", err)
	}

	loader := NewLoader(store)
	p, err := loader.LoadPublished(ctx, "s_adv")
	if err != nil {
		t.Fatalf("LoadPublished failed: %v", err)
	}
	if p.StartNodeID != "n1" {
		t.Errorf("unexpected loaded pack: %+v", p)
	}

	_, err = loader.LoadPublished(ctx, "missing")
	if re, ok := err.(*reacherrors.ReachError); !ok || re.Code != reacherrors.CodeStoryNotFound {
		t.Errorf("expected CodeStoryNotFound, got %v", err)
	}
}
