// Package quest implements the quest progression engine (component C):
// auto-activation, one-shot stage/milestone advancement evaluated only
// against a quest's current stage, and one-shot completion rewards.
package quest

import (
	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

// Outcome summarizes what a single Evaluate call changed, for logging
// into ActionLog.matched_rules and for narrator context (quest_summary).
type Outcome struct {
	Activated           []string
	MilestonesCompleted []MilestoneRef
	StagesCompleted     []StageRef
	QuestsCompleted     []string
	Delta               map[string]int
}

// MilestoneRef names one completed milestone.
type MilestoneRef struct{ QuestID, StageID, MilestoneID string }

// StageRef names one completed stage.
type StageRef struct{ QuestID, StageID string }

// Evaluate auto-activates eligible quests, then advances exactly the
// current stage of every active quest against the step's facts,
// applying one-shot milestone/stage/quest rewards (§4.C).
func Evaluate(p *storypack.Pack, s storypack.State, facts rules.StepFacts) (storypack.State, Outcome) {
	out := Outcome{Delta: map[string]int{}}
	s = activate(p, s, &out, facts.StepIndex)

	active := append([]string{}, s.QuestState.ActiveQuests...)
	for _, questID := range active {
		quest, ok := p.QuestByID(questID)
		if !ok {
			continue
		}
		progress := s.QuestState.Quests[questID]
		if progress == nil {
			continue
		}
		stage, stageIdx, ok := currentStage(quest, progress)
		if !ok {
			continue
		}
		stageProgress := progress.Stages[stage.StageID]
		if stageProgress == nil {
			stageProgress = &storypack.StageProgress{Milestones: map[string]*storypack.MilestoneProgress{}}
			progress.Stages[stage.StageID] = stageProgress
		}

		for _, m := range stage.Milestones {
			mp := stageProgress.Milestones[m.MilestoneID]
			if mp == nil {
				mp = &storypack.MilestoneProgress{}
				stageProgress.Milestones[m.MilestoneID] = mp
			}
			if mp.Done {
				continue
			}
			if !rules.EvaluateWhen(facts, m.When) {
				continue
			}
			mp.Done = true
			step := facts.StepIndex
			mp.At = &step
			s = applyReward(s, &out, m.Rewards)
			out.MilestonesCompleted = append(out.MilestonesCompleted, MilestoneRef{questID, stage.StageID, m.MilestoneID})
			stageID, milestoneID := stage.StageID, m.MilestoneID
			s = recordEvent(s, "milestone_completed", questID, &stageID, &milestoneID, step)
		}

		if allMilestonesDone(stage, stageProgress) && !stageProgress.Done {
			stageProgress.Done = true
			s = applyReward(s, &out, stage.StageRewards)
			out.StagesCompleted = append(out.StagesCompleted, StageRef{questID, stage.StageID})
			doneStageID := stage.StageID
			s = recordEvent(s, "stage_completed", questID, &doneStageID, nil, facts.StepIndex)

			if stageIdx == len(quest.Stages)-1 {
				s = completeQuest(s, quest, &out, facts.StepIndex)
			} else {
				nextStageID := quest.Stages[stageIdx+1].StageID
				progress.CurrentStageID = nextStageID
				s = recordEvent(s, "stage_activated", questID, &nextStageID, nil, facts.StepIndex)
			}
		}
	}
	return s, out
}

func activate(p *storypack.Pack, s storypack.State, out *Outcome, stepIndex int) storypack.State {
	for _, q := range p.Quests {
		if !q.AutoActivate {
			continue
		}
		if isActive(s, q.QuestID) || isCompleted(s, q.QuestID) {
			continue
		}
		if len(q.Stages) == 0 {
			continue
		}
		s.QuestState.ActiveQuests = append(s.QuestState.ActiveQuests, q.QuestID)
		s.QuestState.Quests[q.QuestID] = &storypack.QuestProgress{
			CurrentStageID: q.Stages[0].StageID,
			Stages:         map[string]*storypack.StageProgress{},
		}
		out.Activated = append(out.Activated, q.QuestID)
		firstStageID := q.Stages[0].StageID
		s = recordEvent(s, "stage_activated", q.QuestID, &firstStageID, nil, stepIndex)
	}
	return s
}

// recordEvent appends one structured quest-progress record to
// quest_state.recent_events (§3.2), surfaced to the narrator via
// quest_summary.recent_events (§6.2).
func recordEvent(s storypack.State, recType, questID string, stageID, milestoneID *string, atStep int) storypack.State {
	s.QuestState.RecentEvents = append(s.QuestState.RecentEvents, storypack.QuestEventRecord{
		Type:        recType,
		QuestID:     questID,
		StageID:     stageID,
		MilestoneID: milestoneID,
		AtStep:      atStep,
	})
	return s
}

func currentStage(q *storypack.Quest, progress *storypack.QuestProgress) (*storypack.Stage, int, bool) {
	for i := range q.Stages {
		if q.Stages[i].StageID == progress.CurrentStageID {
			return &q.Stages[i], i, true
		}
	}
	return nil, 0, false
}

func allMilestonesDone(stage *storypack.Stage, sp *storypack.StageProgress) bool {
	for _, m := range stage.Milestones {
		mp := sp.Milestones[m.MilestoneID]
		if mp == nil || !mp.Done {
			return false
		}
	}
	return true
}

func completeQuest(s storypack.State, q *storypack.Quest, out *Outcome, atStep int) storypack.State {
	s.QuestState.ActiveQuests = removeString(s.QuestState.ActiveQuests, q.QuestID)
	s.QuestState.CompletedQuests = append(s.QuestState.CompletedQuests, q.QuestID)
	s = applyReward(s, out, q.CompletionRewards)
	out.QuestsCompleted = append(out.QuestsCompleted, q.QuestID)
	s = recordEvent(s, "quest_completed", q.QuestID, nil, nil, atStep)
	return s
}

func applyReward(s storypack.State, out *Outcome, rewards rules.Effects) storypack.State {
	if len(rewards) == 0 {
		return s
	}
	next, delta := rules.ApplyEffects(s.Axes(), rewards)
	s = s.WithAxes(next)
	out.Delta = rules.MergeDeltas(out.Delta, delta)
	return s
}

func isActive(s storypack.State, questID string) bool {
	for _, id := range s.QuestState.ActiveQuests {
		if id == questID {
			return true
		}
	}
	return false
}

func isCompleted(s storypack.State, questID string) bool {
	for _, id := range s.QuestState.CompletedQuests {
		if id == questID {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
