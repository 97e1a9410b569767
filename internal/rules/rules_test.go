package rules

import "testing"

func intp(v int) *int { return &v }

func TestRequiresMet(t *testing.T) {
	s := StateAxes{Money: 10, Energy: 5, Slot: "night"}

	cases := []struct {
		name       string
		req        *Requires
		wantOK     bool
		wantReason string
	}{
		{"nil requires always met", nil, true, ""},
		{"min_money met", &Requires{MinMoney: intp(5)}, true, ""},
		{"min_money unmet", &Requires{MinMoney: intp(20)}, false, "min_money"},
		{"min_energy unmet", &Requires{MinEnergy: intp(50)}, false, "min_energy"},
		{"slot_in unmet", &Requires{SlotIn: []string{"morning", "afternoon"}}, false, "slot_in"},
		{"slot_in met", &Requires{SlotIn: []string{"night"}}, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := RequiresMet(s, tc.req)
			if ok != tc.wantOK || reason != tc.wantReason {
				t.Errorf("got (%v,%q), want (%v,%q)", ok, reason, tc.wantOK, tc.wantReason)
			}
		})
	}
}

func TestApplyEffectsAndCompactDelta(t *testing.T) {
	s := StateAxes{Money: 50, Energy: 80}

	next, delta := ApplyEffects(s, Effects{"money": -10, "energy": 0, "knowledge": 5})
	if next.Money != 40 || next.Knowledge != 5 || next.Energy != 80 {
		t.Fatalf("unexpected state after effects: %+v", next)
	}
	compact := CompactDelta(delta)
	if _, ok := compact["energy"]; ok {
		t.Errorf("expected zero-valued energy delta to be dropped: %+v", compact)
	}
	if compact["money"] != -10 || compact["knowledge"] != 5 {
		t.Errorf("unexpected compacted delta: %+v", compact)
	}
}

func TestMergeDeltas(t *testing.T) {
	merged := MergeDeltas(map[string]int{"money": 5, "energy": -2}, map[string]int{"money": 3, "affection": 1})
	if merged["money"] != 8 || merged["energy"] != -2 || merged["affection"] != 1 {
		t.Errorf("unexpected merged delta: %+v", merged)
	}
}

func TestEvaluateWhen(t *testing.T) {
	facts := StepFacts{
		NodeID:           "n2",
		ExecutedChoiceID: "c_study",
		ActionID:         "study",
		FallbackUsed:     false,
		State:            StateAxes{Knowledge: 10, Day: 2, Slot: "afternoon"},
		Delta:            map[string]int{"knowledge": 5},
	}

	if !EvaluateWhen(facts, When{ActionIDIs: "study", StateAtLeast: map[string]int{"knowledge": 10}}) {
		t.Error("expected matching when to evaluate true")
	}
	if EvaluateWhen(facts, When{ActionIDIs: "rest"}) {
		t.Error("expected mismatched action_id_is to evaluate false")
	}
	if EvaluateWhen(facts, When{StateDeltaAtLeast: map[string]int{"knowledge": 6}}) {
		t.Error("expected unmet state_delta_at_least to evaluate false")
	}
	if !EvaluateWhen(facts, When{DayIn: []int{1, 2, 3}, SlotIn: []string{"afternoon"}}) {
		t.Error("expected day_in/slot_in match to evaluate true")
	}
}
