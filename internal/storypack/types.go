// Package storypack defines the story pack (v1.0 runtime form), the
// per-session state blob, and the logic that loads, normalizes, and
// validates a pack for runtime use (component A).
package storypack

import "storyrt/internal/rules"

// Pack is the normalized, runtime-ready form of an authored story pack.
type Pack struct {
	StoryID           string                 `json:"story_id"`
	Version           string                 `json:"version"`
	Title             string                 `json:"title"`
	StartNodeID       string                 `json:"start_node_id"`
	InitialState      map[string]any         `json:"initial_state"`
	Nodes             []Node                 `json:"nodes"`
	DefaultFallback   *FallbackBlock         `json:"default_fallback,omitempty"`
	FallbackExecutors []FallbackExecutor     `json:"fallback_executors"`
	GlobalFallbackChoiceID string            `json:"global_fallback_choice_id,omitempty"`
	Quests            []Quest                `json:"quests"`
	Events            []RuntimeEvent         `json:"events"`
	Endings           []Ending               `json:"endings"`
	RunConfig         RunConfig              `json:"run_config"`
}

// Node is one scene in the story graph.
type Node struct {
	NodeID              string         `json:"node_id"`
	SceneBrief          string         `json:"scene_brief"`
	IsEnd               bool           `json:"is_end"`
	Choices             []Choice       `json:"choices"`
	Intents             []Intent       `json:"intents,omitempty"`
	NodeFallbackChoiceID string        `json:"node_fallback_choice_id,omitempty"`
	Fallback            *FallbackBlock `json:"fallback,omitempty"`
}

// Choice is one player-visible option on a node.
type Choice struct {
	ChoiceID      string          `json:"choice_id"`
	DisplayText   string          `json:"display_text"`
	Action        Action          `json:"action"`
	Requires      *rules.Requires `json:"requires,omitempty"`
	Effects       rules.Effects   `json:"effects,omitempty"`
	NextNodeID    string          `json:"next_node_id"`
	IsKeyDecision bool            `json:"is_key_decision"`
}

// ActionID enumerates the closed vocabulary of player actions (§3.3).
type ActionID string

const (
	ActionStudy ActionID = "study"
	ActionWork  ActionID = "work"
	ActionRest  ActionID = "rest"
	ActionDate  ActionID = "date"
	ActionGift  ActionID = "gift"
)

// Action describes what a choice does, semantically, beyond its effects.
type Action struct {
	ActionID ActionID       `json:"action_id"`
	Params   map[string]any `json:"params,omitempty"`
}

// Intent maps a free-text pattern set to a choice id for rule-based
// selection (§4.F rule mapping).
type Intent struct {
	AliasChoiceID string   `json:"alias_choice_id"`
	Patterns      []string `json:"patterns"`
}

// FallbackBlock is a per-node (or default) fallback rung (§4.F rung b/c).
type FallbackBlock struct {
	ID               string            `json:"id"`
	Action           string            `json:"action"`
	NextNodeIDPolicy string            `json:"next_node_id_policy"` // stay | explicit_next
	NextNodeID       string            `json:"next_node_id,omitempty"`
	Effects          rules.Effects     `json:"effects,omitempty"`
	TextVariants     map[string]string `json:"text_variants,omitempty"`
}

// FallbackExecutor is a global fallback rung, selected via
// global_fallback_choice_id (§4.F rung c).
type FallbackExecutor struct {
	ID               string            `json:"id"`
	Prereq           *rules.Requires   `json:"prereq,omitempty"`
	Action           string            `json:"action"`
	NextNodeIDPolicy string            `json:"next_node_id_policy"`
	NextNodeID       string            `json:"next_node_id,omitempty"`
	Effects          rules.Effects     `json:"effects,omitempty"`
	TextVariants     map[string]string `json:"text_variants,omitempty"`
}

// Quest is one quest line with ordered stages.
type Quest struct {
	QuestID           string        `json:"quest_id"`
	AutoActivate      bool          `json:"auto_activate"`
	Stages            []Stage       `json:"stages"`
	CompletionRewards rules.Effects `json:"completion_rewards,omitempty"`
}

// Stage is one ordered stage of a quest.
type Stage struct {
	StageID      string        `json:"stage_id"`
	Milestones   []Milestone   `json:"milestones"`
	StageRewards rules.Effects `json:"stage_rewards,omitempty"`
}

// Milestone is a one-shot trigger within a stage.
type Milestone struct {
	MilestoneID string        `json:"milestone_id"`
	When        rules.When    `json:"when"`
	Rewards     rules.Effects `json:"rewards,omitempty"`
}

// RuntimeEvent is an ambient, triggerable world event (§4.D).
type RuntimeEvent struct {
	EventID          string        `json:"event_id"`
	Title            string        `json:"title"`
	NarrationHint    string        `json:"narration_hint"`
	Trigger          rules.When    `json:"trigger"`
	OncePerRun       bool          `json:"once_per_run"`
	CooldownSteps    int           `json:"cooldown_steps"`
	Weight           int           `json:"weight"`
	DeclarationOrder int           `json:"-"`
	Effects          rules.Effects `json:"effects,omitempty"`
}

// Ending is one terminal-state rule (§4.E).
type Ending struct {
	EndingID         string        `json:"ending_id"`
	Priority         int           `json:"priority"`
	Trigger          EndingTrigger `json:"trigger"`
	Outcome          string        `json:"outcome"`
	Title            string        `json:"title"`
	Epilogue         string        `json:"epilogue"`
	DeclarationOrder int           `json:"-"`
}

// EndingTrigger is the ending-specific trigger vocabulary.
type EndingTrigger struct {
	NodeIDIs               string         `json:"node_id_is,omitempty"`
	StateAtLeast           map[string]int `json:"state_at_least,omitempty"`
	CompletedQuestsInclude []string       `json:"completed_quests_include,omitempty"`
}

// RunConfig bounds a session's length and its timeout behaviour.
type RunConfig struct {
	MaxDays               int    `json:"max_days"`
	MaxSteps              int    `json:"max_steps"`
	DefaultTimeoutOutcome string `json:"default_timeout_outcome"` // neutral | fail
}

// TimeoutEndingID is the synthetic ending emitted when a session exceeds
// run_config.max_steps/max_days without matching a declared ending (§4.E.3).
const TimeoutEndingID = "__timeout__"

// ReservedIDPrefix marks ids synthesized by the runtime rather than
// authored; author-supplied choice ids must not use it (§3.3 invariant).
const ReservedIDPrefix = "__"
