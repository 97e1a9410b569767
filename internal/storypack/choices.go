package storypack

import "storyrt/internal/rules"

// NodeByID returns the node with the given id, if present.
func (p *Pack) NodeByID(nodeID string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].NodeID == nodeID {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// ChoiceByID returns the choice with the given id within this node.
func (n *Node) ChoiceByID(choiceID string) (*Choice, bool) {
	for i := range n.Choices {
		if n.Choices[i].ChoiceID == choiceID {
			return &n.Choices[i], true
		}
	}
	return nil, false
}

// QuestByID returns the quest with the given id, if present.
func (p *Pack) QuestByID(questID string) (*Quest, bool) {
	for i := range p.Quests {
		if p.Quests[i].QuestID == questID {
			return &p.Quests[i], true
		}
	}
	return nil, false
}

// StoryChoicesForResponse projects a node's choices into the
// response-facing shape, annotating each with availability against the
// current state (§4.A story_choices_for_response).
func StoryChoicesForResponse(n *Node, s State) []VisibleChoice {
	out := make([]VisibleChoice, 0, len(n.Choices))
	for _, c := range n.Choices {
		ok, reason := rules.RequiresMet(s.Axes(), c.Requires)
		out = append(out, VisibleChoice{
			ChoiceID:     c.ChoiceID,
			DisplayText:  c.DisplayText,
			Available:    ok,
			LockedReason: reason,
		})
	}
	return out
}
