// Package llm implements the LLM transport core (component G): a
// strict two-schema JSON contract over a timeout/retry/circuit-breaker
// stack, with a deterministic in-process provider for test environments
// and an HTTP provider for everything else.
package llm

// Schema names the two strict-JSON contracts the transport speaks.
// Kept as typed constants (not ad hoc strings) so every call site
// references the same symbol (§4.G).
type Schema string

const (
	SchemaStorySelection Schema = "story_selection_v1"
	SchemaStoryNarrative Schema = "story_narrative_v1"
)

// SelectionReply is the story_selection_v1 schema.
type SelectionReply struct {
	ChoiceID    *string `json:"choice_id"`
	UseFallback bool    `json:"use_fallback"`
	Confidence  float64 `json:"confidence"`
	IntentID    *string `json:"intent_id"`
	Notes       *string `json:"notes"`
}

// NarrativeReply is the story_narrative_v1 schema.
type NarrativeReply struct {
	NarrativeText string `json:"narrative_text"`
}

// SelectionContext is the selector prompt's Context block (§6.3).
type SelectionContext struct {
	PlayerInput     string         `json:"player_input"`
	ValidChoiceIDs  []string       `json:"valid_choice_ids"`
	VisibleChoices  []VisibleChoice `json:"visible_choices"`
	Intents         []IntentDesc   `json:"intents"`
	State           map[string]any `json:"state"`
}

// VisibleChoice is a selector-facing view of one choice.
type VisibleChoice struct {
	ChoiceID    string `json:"choice_id"`
	DisplayText string `json:"display_text"`
}

// IntentDesc is a selector-facing view of one node intent.
type IntentDesc struct {
	AliasChoiceID string   `json:"alias_choice_id"`
	Patterns      []string `json:"patterns"`
}

// NarrationContext is the narrator prompt's Context block (§6.2).
type NarrationContext struct {
	InputMode                  string         `json:"input_mode"`
	PlayerInputRaw             string         `json:"player_input_raw,omitempty"`
	NodeTransition             NodeTransition `json:"node_transition"`
	SelectionResolution        string         `json:"selection_resolution"`
	CausalPolicy               string         `json:"causal_policy"`
	IntentActionAlignment      string         `json:"intent_action_alignment,omitempty"`
	StateSnapshotBefore        map[string]any `json:"state_snapshot_before"`
	StateSnapshotAfter         map[string]any `json:"state_snapshot_after"`
	StateDelta                 map[string]int `json:"state_delta"`
	ImpactBrief                []string       `json:"impact_brief"`
	ImpactSources              []string       `json:"impact_sources"`
	EventPresent               bool           `json:"event_present"`
	QuestSummary               QuestSummary   `json:"quest_summary"`
	QuestNudge                 string         `json:"quest_nudge,omitempty"`
	QuestNudgeSuppressedByEvent bool          `json:"quest_nudge_suppressed_by_event"`
	RuntimeEvent                string        `json:"runtime_event,omitempty"`
	RunEnding                   string        `json:"run_ending,omitempty"`
}

// NodeTransition describes the from/to of a single step for the
// narrator's context block.
type NodeTransition struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

// QuestSummary is the narrator prompt's quest_summary block (§6.2):
// currently active quests plus the tail of quest_state.recent_events.
type QuestSummary struct {
	ActiveQuests []string           `json:"active_quests"`
	RecentEvents []QuestEventRecord `json:"recent_events"`
}

// QuestEventRecord mirrors storypack.QuestEventRecord for the narrator
// prompt, keeping the llm package's context types self-contained (§3.2).
type QuestEventRecord struct {
	Type        string  `json:"type"`
	QuestID     string  `json:"quest_id"`
	StageID     *string `json:"stage_id,omitempty"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	AtStep      int     `json:"at_step"`
}
