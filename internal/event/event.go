// Package event implements the runtime event engine (component D):
// trigger matching, once_per_run and cooldown exclusion, and
// deterministic (declaration_order, weight) selection of at most one
// event per step.
package event

import (
	"sort"

	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

// Outcome summarizes the single event selected for a step, if any.
type Outcome struct {
	Triggered *storypack.RuntimeEvent
	Delta     map[string]int
}

// Evaluate selects at most one eligible event for this step and applies
// its effects, updating run_state bookkeeping (§4.D). Runtime events are
// tracked only in run_state (triggered_event_ids/event_cooldowns);
// quest_state.recent_events is the quest engine's own ledger and is
// never written here.
func Evaluate(p *storypack.Pack, s storypack.State, facts rules.StepFacts) (storypack.State, Outcome) {
	out := Outcome{Delta: map[string]int{}}

	candidates := make([]storypack.RuntimeEvent, 0, len(p.Events))
	for _, ev := range p.Events {
		if ev.OncePerRun && hasTriggered(s, ev.EventID) {
			continue
		}
		if onCooldown(s, ev.EventID, ev.CooldownSteps, facts.StepIndex) {
			continue
		}
		if !rules.EvaluateWhen(facts, ev.Trigger) {
			continue
		}
		candidates = append(candidates, ev)
	}
	if len(candidates) == 0 {
		return s, out
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DeclarationOrder != candidates[j].DeclarationOrder {
			return candidates[i].DeclarationOrder < candidates[j].DeclarationOrder
		}
		return candidates[i].Weight > candidates[j].Weight
	})
	chosen := candidates[0]

	s.RunState.TriggeredEventIDs = append(s.RunState.TriggeredEventIDs, chosen.EventID)
	if chosen.CooldownSteps > 0 {
		s.RunState.EventCooldowns[chosen.EventID] = facts.StepIndex
	}
	if len(chosen.Effects) > 0 {
		next, delta := rules.ApplyEffects(s.Axes(), chosen.Effects)
		s = s.WithAxes(next)
		out.Delta = rules.CompactDelta(delta)
	}
	out.Triggered = &chosen
	return s, out
}

func hasTriggered(s storypack.State, eventID string) bool {
	for _, id := range s.RunState.TriggeredEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// onCooldown implements §3.2/§4.D's event_cooldowns shape literally:
// event_cooldowns maps event_id to the step it last fired on, and an
// event is skipped while step_index - event_cooldowns[event_id] <
// cooldown_steps.
func onCooldown(s storypack.State, eventID string, cooldownSteps, stepIndex int) bool {
	lastFired, ok := s.RunState.EventCooldowns[eventID]
	if !ok {
		return false
	}
	return stepIndex-lastFired < cooldownSteps
}
