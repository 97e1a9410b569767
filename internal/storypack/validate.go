package storypack

import (
	"fmt"
	"strings"

	reacherrors "storyrt/internal/errors"
)

// Validate checks every runtime-load invariant in §3.3 and returns an
// INVALID_STORY_START_NODE error naming the first violation found (the
// pack-version gate itself is a separate, earlier check — see decodeAndValidate).
// It is run once, at load time, so every later component can assume a
// pack's cross-references all resolve.
func Validate(p *Pack) error {
	if p.StartNodeID == "" {
		return invalidPack("start_node_id is required")
	}
	nodeIDs := map[string]*Node{}
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.NodeID == "" {
			return invalidPack("node missing node_id")
		}
		if _, dup := nodeIDs[n.NodeID]; dup {
			return invalidPack(fmt.Sprintf("duplicate node_id %q", n.NodeID))
		}
		nodeIDs[n.NodeID] = n
	}
	if _, ok := nodeIDs[p.StartNodeID]; !ok {
		return invalidPack(fmt.Sprintf("start_node_id %q does not resolve", p.StartNodeID))
	}

	choiceIDs := map[string]bool{}
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if !n.IsEnd && len(n.Choices) == 0 {
			return invalidPack(fmt.Sprintf("non-end node %q has zero choices", n.NodeID))
		}
		visibleChoices := map[string]bool{}
		for _, c := range n.Choices {
			if c.ChoiceID == "" {
				return invalidPack(fmt.Sprintf("node %q has a choice with no choice_id", n.NodeID))
			}
			if strings.HasPrefix(c.ChoiceID, ReservedIDPrefix) {
				return invalidPack(fmt.Sprintf("choice_id %q uses the reserved %q prefix", c.ChoiceID, ReservedIDPrefix))
			}
			if choiceIDs[c.ChoiceID] {
				return invalidPack(fmt.Sprintf("duplicate choice_id %q", c.ChoiceID))
			}
			choiceIDs[c.ChoiceID] = true
			visibleChoices[c.ChoiceID] = true
			if _, ok := nodeIDs[c.NextNodeID]; !ok {
				return invalidPack(fmt.Sprintf("choice %q next_node_id %q does not resolve", c.ChoiceID, c.NextNodeID))
			}
		}
		for _, in := range n.Intents {
			if !visibleChoices[in.AliasChoiceID] {
				return invalidPack(fmt.Sprintf("node %q intent references non-visible choice %q", n.NodeID, in.AliasChoiceID))
			}
		}
		if n.NodeFallbackChoiceID != "" && !visibleChoices[n.NodeFallbackChoiceID] {
			return invalidPack(fmt.Sprintf("node %q node_fallback_choice_id %q does not reference a visible choice", n.NodeID, n.NodeFallbackChoiceID))
		}
		if n.Fallback != nil {
			if err := validateFallback(*n.Fallback, nodeIDs, fmt.Sprintf("node %q fallback", n.NodeID)); err != nil {
				return err
			}
		}
	}

	if p.DefaultFallback != nil {
		if err := validateFallback(*p.DefaultFallback, nodeIDs, "default_fallback"); err != nil {
			return err
		}
	}
	executorIDs := map[string]bool{}
	for _, fe := range p.FallbackExecutors {
		if strings.HasPrefix(fe.ID, ReservedIDPrefix) {
			return invalidPack(fmt.Sprintf("fallback executor id %q uses the reserved %q prefix", fe.ID, ReservedIDPrefix))
		}
		if executorIDs[fe.ID] {
			return invalidPack(fmt.Sprintf("duplicate fallback_executor id %q", fe.ID))
		}
		executorIDs[fe.ID] = true
		if err := validateFallback(FallbackBlock{
			ID: fe.ID, Action: fe.Action, NextNodeIDPolicy: fe.NextNodeIDPolicy, NextNodeID: fe.NextNodeID,
		}, nodeIDs, fmt.Sprintf("fallback_executor %q", fe.ID)); err != nil {
			return err
		}
	}
	if p.GlobalFallbackChoiceID != "" && !executorIDs[p.GlobalFallbackChoiceID] {
		return invalidPack(fmt.Sprintf("global_fallback_choice_id %q does not reference a fallback_executor", p.GlobalFallbackChoiceID))
	}

	questIDs := map[string]bool{}
	for _, q := range p.Quests {
		if strings.HasPrefix(q.QuestID, ReservedIDPrefix) {
			return invalidPack(fmt.Sprintf("quest id %q uses the reserved %q prefix", q.QuestID, ReservedIDPrefix))
		}
		if questIDs[q.QuestID] {
			return invalidPack(fmt.Sprintf("duplicate quest_id %q", q.QuestID))
		}
		questIDs[q.QuestID] = true
		stageIDs := map[string]bool{}
		for _, st := range q.Stages {
			if stageIDs[st.StageID] {
				return invalidPack(fmt.Sprintf("quest %q has duplicate stage_id %q", q.QuestID, st.StageID))
			}
			stageIDs[st.StageID] = true
			milestoneIDs := map[string]bool{}
			for _, m := range st.Milestones {
				if milestoneIDs[m.MilestoneID] {
					return invalidPack(fmt.Sprintf("quest %q stage %q has duplicate milestone_id %q", q.QuestID, st.StageID, m.MilestoneID))
				}
				milestoneIDs[m.MilestoneID] = true
				if m.When.NodeIDIs != "" {
					if _, ok := nodeIDs[m.When.NodeIDIs]; !ok {
						return invalidPack(fmt.Sprintf("quest %q milestone %q when.node_id_is %q does not resolve", q.QuestID, m.MilestoneID, m.When.NodeIDIs))
					}
				}
				if m.When.NextNodeIDIs != "" {
					if _, ok := nodeIDs[m.When.NextNodeIDIs]; !ok {
						return invalidPack(fmt.Sprintf("quest %q milestone %q when.next_node_id_is %q does not resolve", q.QuestID, m.MilestoneID, m.When.NextNodeIDIs))
					}
				}
				if m.When.ExecutedChoiceIDIs != "" && !choiceIDs[m.When.ExecutedChoiceIDIs] {
					return invalidPack(fmt.Sprintf("quest %q milestone %q when.executed_choice_id_is %q does not resolve", q.QuestID, m.MilestoneID, m.When.ExecutedChoiceIDIs))
				}
			}
		}
	}

	for _, ev := range p.Events {
		if strings.HasPrefix(ev.EventID, ReservedIDPrefix) {
			return invalidPack(fmt.Sprintf("event id %q uses the reserved %q prefix", ev.EventID, ReservedIDPrefix))
		}
	}

	for _, en := range p.Endings {
		for _, questID := range en.Trigger.CompletedQuestsInclude {
			if !questIDs[questID] {
				return invalidPack(fmt.Sprintf("ending %q completed_quests_include references unknown quest %q", en.EndingID, questID))
			}
		}
	}

	return nil
}

func validateFallback(fb FallbackBlock, nodeIDs map[string]*Node, context string) error {
	switch fb.NextNodeIDPolicy {
	case "stay":
		return nil
	case "explicit_next":
		if _, ok := nodeIDs[fb.NextNodeID]; !ok {
			return invalidPack(fmt.Sprintf("%s next_node_id %q does not resolve", context, fb.NextNodeID))
		}
		return nil
	default:
		return invalidPack(fmt.Sprintf("%s has invalid next_node_id_policy %q", context, fb.NextNodeIDPolicy))
	}
}

func invalidPack(reason string) error {
	return reacherrors.New(reacherrors.CodeInvalidStoryStartNode, "invalid story pack: "+reason)
}
