package quest

import (
	"testing"

	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

func samplePack() *storypack.Pack {
	return &storypack.Pack{
		Quests: []storypack.Quest{
			{
				QuestID:      "q_romance",
				AutoActivate: true,
				Stages: []storypack.Stage{
					{
						StageID: "st1",
						Milestones: []storypack.Milestone{
							{MilestoneID: "m1", When: rules.When{ActionIDIs: "gift"}, Rewards: rules.Effects{"money": 4}},
						},
						StageRewards: rules.Effects{"knowledge": 2},
					},
					{
						StageID: "st2",
						Milestones: []storypack.Milestone{
							{MilestoneID: "m2", When: rules.When{ActionIDIs: "date"}},
						},
					},
				},
				CompletionRewards: rules.Effects{"affection": 10},
			},
		},
	}
}

func TestEvaluateActivatesAndProgresses(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())

	s, out := Evaluate(p, s, rules.StepFacts{ActionID: "gift", StepIndex: 1})
	if len(out.Activated) != 1 || out.Activated[0] != "q_romance" {
		t.Fatalf("expected auto-activation, got %+v", out)
	}
	if len(out.MilestonesCompleted) != 1 {
		t.Fatalf("expected milestone m1 completed, got %+v", out.MilestonesCompleted)
	}
	if len(out.StagesCompleted) != 1 {
		t.Fatalf("expected stage st1 completed, got %+v", out.StagesCompleted)
	}
	if s.QuestState.Quests["q_romance"].CurrentStageID != "st2" {
		t.Fatalf("expected quest to advance to st2, got %+v", s.QuestState.Quests["q_romance"])
	}
	if s.Money != 50+4 || s.Knowledge != 2 {
		t.Fatalf("expected milestone+stage rewards applied, got money=%d knowledge=%d", s.Money, s.Knowledge)
	}

	s, out = Evaluate(p, s, rules.StepFacts{ActionID: "date", StepIndex: 2})
	if len(out.QuestsCompleted) != 1 || out.QuestsCompleted[0] != "q_romance" {
		t.Fatalf("expected quest completion, got %+v", out)
	}
	if s.Affection != 10 {
		t.Fatalf("expected completion reward applied, got affection=%d", s.Affection)
	}
	for _, id := range s.QuestState.ActiveQuests {
		if id == "q_romance" {
			t.Fatal("expected q_romance removed from active quests")
		}
	}
}

func TestEvaluateRecordsStructuredQuestEvents(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())

	s, _ = Evaluate(p, s, rules.StepFacts{ActionID: "gift", StepIndex: 1})
	recent := s.QuestState.RecentEvents
	if len(recent) != 4 {
		t.Fatalf("expected activation+milestone+stage+next-activation records, got %+v", recent)
	}
	if recent[0].Type != "stage_activated" || recent[0].QuestID != "q_romance" || recent[0].StageID == nil || *recent[0].StageID != "st1" || recent[0].AtStep != 1 {
		t.Fatalf("unexpected activation record: %+v", recent[0])
	}
	if recent[1].Type != "milestone_completed" || recent[1].MilestoneID == nil || *recent[1].MilestoneID != "m1" {
		t.Fatalf("unexpected milestone record: %+v", recent[1])
	}
	if recent[2].Type != "stage_completed" || recent[2].StageID == nil || *recent[2].StageID != "st1" {
		t.Fatalf("unexpected stage record: %+v", recent[2])
	}
	if recent[3].Type != "stage_activated" || recent[3].StageID == nil || *recent[3].StageID != "st2" {
		t.Fatalf("unexpected next-stage activation record: %+v", recent[3])
	}

	s, _ = Evaluate(p, s, rules.StepFacts{ActionID: "date", StepIndex: 2})
	recent = s.QuestState.RecentEvents
	last := recent[len(recent)-1]
	if last.Type != "quest_completed" || last.QuestID != "q_romance" || last.AtStep != 2 {
		t.Fatalf("unexpected completion record: %+v", last)
	}
}

func TestEvaluateMilestoneIsOneShot(t *testing.T) {
	p := samplePack()
	s := storypack.NormalizeState(storypack.DefaultInitialState())

	s, _ = Evaluate(p, s, rules.StepFacts{ActionID: "gift", StepIndex: 1})
	s, out := Evaluate(p, s, rules.StepFacts{ActionID: "gift", StepIndex: 2})
	if len(out.MilestonesCompleted) != 0 {
		t.Fatalf("expected no re-trigger of a completed milestone, got %+v", out.MilestonesCompleted)
	}
}
