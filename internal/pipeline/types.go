// Package pipeline implements the step pipeline orchestrator (component
// H): the single transactional path that turns one step request into a
// resolved choice, updated state, and narration, wiring together the
// selection resolver (F), quest/event/ending engines (C/D/E), the LLM
// transport (G), and the idempotency guard (I).
package pipeline

import "storyrt/internal/storypack"

// StepRequest is one POST /sessions/{id}/step body, plus the transport
// headers that accompany it.
type StepRequest struct {
	ChoiceID       *string
	PlayerInput    *string
	Locale         string
	IdempotencyKey *string
}

// CurrentNode is the response-shaped view of the node a session sits on
// after a step, omitted once a session has ended.
type CurrentNode struct {
	NodeID     string                    `json:"node_id"`
	SceneBrief string                    `json:"scene_brief"`
	Choices    []storypack.VisibleChoice `json:"choices"`
}

// StepResponse is the exact-keys response of §4.H step 11. cost,
// affection_delta, and route_type are deliberately not fields here.
type StepResponse struct {
	NarrativeText     string         `json:"narrative_text"`
	StoryNodeID       string         `json:"story_node_id"`
	SessionStatus     string         `json:"session_status"`
	RunEnded          bool           `json:"run_ended"`
	EndingID          string         `json:"ending_id,omitempty"`
	EndingOutcome     string         `json:"ending_outcome,omitempty"`
	EndingEpilogue    string         `json:"ending_epilogue,omitempty"`
	CurrentNode       *CurrentNode   `json:"current_node,omitempty"`
	StateExcerpt      map[string]any `json:"state_excerpt"`
	AttemptedChoiceID *string        `json:"attempted_choice_id,omitempty"`
	ExecutedChoiceID  string         `json:"executed_choice_id"`
	ResolvedChoiceID  string         `json:"resolved_choice_id"`
	FallbackUsed      bool           `json:"fallback_used"`
	FallbackReason    string         `json:"fallback_reason,omitempty"`
	SelectionSource   string         `json:"selection_source"`
	MappingConfidence *float64       `json:"mapping_confidence,omitempty"`
	StepIndex         int            `json:"step_index"`
}

func stateExcerpt(s storypack.State) map[string]any {
	return map[string]any{
		"day":       s.Day,
		"slot":      s.Slot,
		"energy":    s.Energy,
		"money":     s.Money,
		"knowledge": s.Knowledge,
		"affection": s.Affection,
	}
}
