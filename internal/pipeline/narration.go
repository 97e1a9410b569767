package pipeline

import (
	"fmt"

	"storyrt/internal/ending"
	"storyrt/internal/event"
	"storyrt/internal/llm"
	"storyrt/internal/quest"
	"storyrt/internal/resolver"
	"storyrt/internal/storypack"
)

// stepOutcome carries everything computed before the narrator call, so
// buildNarrationContext never has to re-derive it.
type stepOutcome struct {
	inputMode    string
	playerInput  string
	fromNode     *storypack.Node
	toNode       *storypack.Node
	res          *resolver.Result
	actionDelta  map[string]int
	questOut     quest.Outcome
	eventOut     event.Outcome
	totalDelta   map[string]int
	stateBefore  storypack.State
	stateAfter   storypack.State
	endingResult *ending.Result
	runEnded     bool
}

func buildNarrationContext(o stepOutcome) llm.NarrationContext {
	var selectedLabel, selectedAction string
	if o.res.ExecutedChoice != nil {
		selectedLabel = o.res.ExecutedChoice.DisplayText
		selectedAction = string(o.res.ExecutedChoice.Action.ActionID)
	}

	alignment := "unknown"
	if o.res.ExecutedChoice != nil {
		switch o.res.Source {
		case resolver.SourceExplicit, resolver.SourceRule:
			alignment = "aligned"
		case resolver.SourceLLM:
			if o.res.IntentID != nil {
				alignment = "aligned"
			} else {
				alignment = "mismatch"
			}
		}
	}

	impactBrief := impactBriefLines(o)

	var runtimeEvent string
	if o.eventOut.Triggered != nil {
		runtimeEvent = o.eventOut.Triggered.NarrationHint
		if runtimeEvent == "" {
			runtimeEvent = o.eventOut.Triggered.Title
		}
	}

	var runEnding string
	if o.endingResult != nil {
		runEnding = o.endingResult.Ending.Title
	}

	return llm.NarrationContext{
		InputMode:      o.inputMode,
		PlayerInputRaw: o.playerInput,
		NodeTransition: llm.NodeTransition{
			FromNodeID: o.fromNode.NodeID,
			ToNodeID:   o.toNode.NodeID,
		},
		SelectionResolution:        fmt.Sprintf("%s (%s) via %s (confidence=%s)", selectedLabel, selectedAction, o.res.Source, confidenceString(o.res.MappingConfidence)),
		CausalPolicy:                "strict_separation",
		IntentActionAlignment:       alignment,
		StateSnapshotBefore:         stateExcerpt(o.stateBefore),
		StateSnapshotAfter:          stateExcerpt(o.stateAfter),
		StateDelta:                  o.totalDelta,
		ImpactBrief:                 impactBrief,
		ImpactSources:               impactSources(o),
		EventPresent:                o.eventOut.Triggered != nil,
		QuestSummary:                questSummary(o.stateAfter.QuestState),
		QuestNudgeSuppressedByEvent: o.eventOut.Triggered != nil,
		RuntimeEvent:                runtimeEvent,
		RunEnding:                   runEnding,
	}
}

func confidenceString(c *float64) string {
	if c == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *c)
}

func impactBriefLines(o stepOutcome) []string {
	var lines []string
	if len(o.actionDelta) > 0 {
		lines = append(lines, "the chosen action shifted the scene")
	}
	if o.eventOut.Triggered != nil {
		lines = append(lines, "a world event intervened")
	}
	if len(o.questOut.MilestonesCompleted) > 0 || len(o.questOut.StagesCompleted) > 0 || len(o.questOut.QuestsCompleted) > 0 {
		lines = append(lines, "quest progress advanced")
	}
	if o.res.FallbackUsed {
		lines = append(lines, "the request had to be redirected")
	}
	if len(lines) > 4 {
		lines = lines[:4]
	}
	return lines
}

func impactSources(o stepOutcome) []string {
	sources := []string{"action_effects"}
	if o.eventOut.Triggered != nil {
		sources = append(sources, "event_effects")
	}
	sources = append(sources, "total_effects")
	return sources
}

// recentEventsForPrompt is the maximum number of quest_state.recent_events
// entries surfaced to the narrator, newest last (§6.2 compaction).
const recentEventsForPrompt = 5

func questSummary(qs storypack.QuestState) llm.QuestSummary {
	recent := qs.RecentEvents
	if len(recent) > recentEventsForPrompt {
		recent = recent[len(recent)-recentEventsForPrompt:]
	}
	out := llm.QuestSummary{
		ActiveQuests: qs.ActiveQuests,
		RecentEvents: make([]llm.QuestEventRecord, 0, len(recent)),
	}
	for _, r := range recent {
		out.RecentEvents = append(out.RecentEvents, llm.QuestEventRecord{
			Type:        r.Type,
			QuestID:     r.QuestID,
			StageID:     r.StageID,
			MilestoneID: r.MilestoneID,
			AtStep:      r.AtStep,
		})
	}
	return out
}
