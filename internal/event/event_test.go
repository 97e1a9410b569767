package event

import (
	"testing"

	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

func samplePack() *storypack.Pack {
	return &storypack.Pack{
		Events: []storypack.RuntimeEvent{
			{EventID: "e_rain", Trigger: rules.When{SlotIn: []string{"night"}}, DeclarationOrder: 0, Weight: 1, CooldownSteps: 2},
			{EventID: "e_fair", Trigger: rules.When{SlotIn: []string{"night"}}, DeclarationOrder: 1, Weight: 5, OncePerRun: true, Effects: rules.Effects{"money": 3}},
		},
	}
}

func TestEvaluateSelectsDeclarationOrderBeforeWeight(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())
	s.Slot = "night"

	_, out := Evaluate(p, s, rules.StepFacts{State: rules.StateAxes{Slot: "night"}})
	if out.Triggered == nil || out.Triggered.EventID != "e_rain" {
		t.Fatalf("expected declaration-order winner e_rain, got %+v", out.Triggered)
	}
}

func TestEvaluateAtMostOnePerStep(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())
	s.Slot = "night"

	s, out := Evaluate(p, s, rules.StepFacts{State: rules.StateAxes{Slot: "night"}})
	if out.Triggered == nil {
		t.Fatal("expected an event to trigger")
	}
	// e_rain now on cooldown; only e_fair remains eligible.
	s2, out2 := Evaluate(p, s, rules.StepFacts{State: rules.StateAxes{Slot: "night"}})
	if out2.Triggered == nil || out2.Triggered.EventID != "e_fair" {
		t.Fatalf("expected e_fair once e_rain is on cooldown, got %+v", out2.Triggered)
	}
	if s2.Money != 50+3 {
		t.Fatalf("expected e_fair's effects applied, got money=%d", s2.Money)
	}
}

func TestEvaluateOncePerRunDoesNotRetrigger(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())
	s.RunState.TriggeredEventIDs = []string{"e_fair"}

	_, out := Evaluate(p, s, rules.StepFacts{State: rules.StateAxes{Slot: "night"}})
	if out.Triggered == nil || out.Triggered.EventID != "e_rain" {
		t.Fatalf("expected e_fair to be excluded as already triggered, got %+v", out.Triggered)
	}
}
