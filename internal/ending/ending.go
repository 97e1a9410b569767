// Package ending implements the ending engine (component E): ordered
// rule evaluation with lowest-priority-wins selection, and the
// synthetic timeout ending used once a session outruns its pack's
// run_config bounds.
package ending

import (
	"sort"

	"storyrt/internal/storypack"
)

// Result is the ending selected for this step, if any.
type Result struct {
	Ending  *storypack.Ending
	Outcome string
}

// Evaluate checks every declared ending against the post-effects state
// and node, returning the lowest-priority match (ties broken by
// declaration order). A session that has already ended never matches
// again — callers must not call Evaluate once run_state.ending_id is set.
func Evaluate(p *storypack.Pack, s storypack.State, nodeID string) *Result {
	var candidates []storypack.Ending
	for _, en := range p.Endings {
		if en.Trigger.NodeIDIs != "" && en.Trigger.NodeIDIs != nodeID {
			continue
		}
		if !stateAtLeastMet(s, en.Trigger.StateAtLeast) {
			continue
		}
		if !completedQuestsInclude(s, en.Trigger.CompletedQuestsInclude) {
			continue
		}
		candidates = append(candidates, en)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].DeclarationOrder < candidates[j].DeclarationOrder
	})
	winner := candidates[0]
	return &Result{Ending: &winner, Outcome: winner.Outcome}
}

// Timeout builds the synthetic ending applied when a session exceeds
// run_config.max_days/max_steps without otherwise ending (§4.E.3).
func Timeout(p *storypack.Pack) *Result {
	outcome := p.RunConfig.DefaultTimeoutOutcome
	if outcome == "" {
		outcome = "neutral"
	}
	return &Result{
		Ending: &storypack.Ending{
			EndingID: storypack.TimeoutEndingID,
			Outcome:  outcome,
			Title:    "Time's Up",
		},
		Outcome: outcome,
	}
}

// ExceedsRunLimits reports whether the current step_index/day already
// exceeds the pack's configured bounds.
func ExceedsRunLimits(p *storypack.Pack, s storypack.State) bool {
	if p.RunConfig.MaxDays > 0 && s.Day > p.RunConfig.MaxDays {
		return true
	}
	if p.RunConfig.MaxSteps > 0 && s.RunState.StepIndex >= p.RunConfig.MaxSteps {
		return true
	}
	return false
}

func stateAtLeastMet(s storypack.State, want map[string]int) bool {
	axes := s.Axes()
	for axis, min := range want {
		var v int
		switch axis {
		case "energy":
			v = axes.Energy
		case "money":
			v = axes.Money
		case "knowledge":
			v = axes.Knowledge
		case "affection":
			v = axes.Affection
		case "day":
			v = axes.Day
		}
		if v < min {
			return false
		}
	}
	return true
}

func completedQuestsInclude(s storypack.State, questIDs []string) bool {
	if len(questIDs) == 0 {
		return true
	}
	completed := map[string]bool{}
	for _, id := range s.QuestState.CompletedQuests {
		completed[id] = true
	}
	for _, id := range questIDs {
		if !completed[id] {
			return false
		}
	}
	return true
}

// Freeze marks a session's state as ended with the given result,
// per §3.4 "ending engine freezes the session" — the caller is still
// responsible for persisting Session.status = "ended".
func Freeze(s storypack.State, stepIndex int, r *Result) storypack.State {
	s.RunState.EndingID = r.Ending.EndingID
	s.RunState.EndingOutcome = r.Outcome
	step := stepIndex
	s.RunState.EndedAtStep = &step
	return s
}
