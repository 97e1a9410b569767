package storypack

import "storyrt/internal/rules"

// State is the full per-session state blob (§3.2), stored as
// Session.state_json and threaded through every step.
type State struct {
	Day        int                  `json:"day"`
	Slot       string               `json:"slot"` // morning | afternoon | night
	Energy     int                  `json:"energy"`
	Money      int                  `json:"money"`
	Knowledge  int                  `json:"knowledge"`
	Affection  int                  `json:"affection"`
	NPCState   map[string]any       `json:"npc_state"`
	QuestState QuestState           `json:"quest_state"`
	RunState   RunState             `json:"run_state"`
}

// QuestState tracks quest activation and stage/milestone progress.
type QuestState struct {
	ActiveQuests    []string                  `json:"active_quests"`
	CompletedQuests []string                  `json:"completed_quests"`
	Quests          map[string]*QuestProgress `json:"quests"`
	RecentEvents    []QuestEventRecord        `json:"recent_events"`
}

// QuestEventRecord is one structured quest-progress record kept in
// quest_state.recent_events (§3.2): a stage activation or a one-shot
// milestone/stage/quest completion, step-stamped by the quest engine.
type QuestEventRecord struct {
	Type        string  `json:"type"` // stage_activated | milestone_completed | stage_completed | quest_completed
	QuestID     string  `json:"quest_id"`
	StageID     *string `json:"stage_id,omitempty"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	AtStep      int     `json:"at_step"`
}

// QuestProgress is one quest's current stage pointer and stage map.
type QuestProgress struct {
	CurrentStageID string                    `json:"current_stage_id"`
	Stages         map[string]*StageProgress `json:"stages"`
}

// StageProgress is one stage's completion flag and milestone map.
type StageProgress struct {
	Done       bool                          `json:"done"`
	Milestones map[string]*MilestoneProgress `json:"milestones"`
}

// MilestoneProgress is one milestone's one-shot completion record.
type MilestoneProgress struct {
	Done bool `json:"done"`
	At   *int `json:"at_step,omitempty"`
}

// RunState tracks step-level bookkeeping independent of any single quest.
type RunState struct {
	StepIndex         int            `json:"step_index"`
	FallbackCount     int            `json:"fallback_count"`
	TriggeredEventIDs []string       `json:"triggered_event_ids"`
	EventCooldowns    map[string]int `json:"event_cooldowns"`
	EndingID          string         `json:"ending_id,omitempty"`
	EndingOutcome     string         `json:"ending_outcome,omitempty"`
	EndedAtStep       *int           `json:"ended_at_step,omitempty"`
}

// DefaultInitialState is the floor state every session starts from before
// a pack's initial_state overlay is deep-merged on top (§4.A).
func DefaultInitialState() State {
	return State{
		Day:       1,
		Slot:      "morning",
		Energy:    80,
		Money:     50,
		Knowledge: 0,
		Affection: 0,
		NPCState:  map[string]any{},
		QuestState: QuestState{
			ActiveQuests:    []string{},
			CompletedQuests: []string{},
			Quests:          map[string]*QuestProgress{},
			RecentEvents:    []QuestEventRecord{},
		},
		RunState: RunState{
			StepIndex:         0,
			FallbackCount:     0,
			TriggeredEventIDs: []string{},
			EventCooldowns:    map[string]int{},
		},
	}
}

// DeepMerge recursively merges overlay onto base: maps merge key-by-key,
// any non-map overlay value (including nil) replaces the base value
// outright (§4.A deep_merge).
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bMap, bIsMap := asMap(bv)
		oMap, oIsMap := asMap(ov)
		if bIsMap && oIsMap {
			out[k] = DeepMerge(bMap, oMap)
		} else {
			out[k] = ov
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// NormalizeState fills in any missing sub-objects left as nil by
// deserialization so downstream components (B-E) can assume every
// container field is non-nil (§4.A normalize_state).
func NormalizeState(s State) State {
	if s.Slot == "" {
		s.Slot = "morning"
	}
	if s.NPCState == nil {
		s.NPCState = map[string]any{}
	}
	if s.QuestState.ActiveQuests == nil {
		s.QuestState.ActiveQuests = []string{}
	}
	if s.QuestState.CompletedQuests == nil {
		s.QuestState.CompletedQuests = []string{}
	}
	if s.QuestState.Quests == nil {
		s.QuestState.Quests = map[string]*QuestProgress{}
	}
	for _, qp := range s.QuestState.Quests {
		if qp.Stages == nil {
			qp.Stages = map[string]*StageProgress{}
		}
		for _, sp := range qp.Stages {
			if sp.Milestones == nil {
				sp.Milestones = map[string]*MilestoneProgress{}
			}
		}
	}
	if s.QuestState.RecentEvents == nil {
		s.QuestState.RecentEvents = []QuestEventRecord{}
	}
	if s.RunState.TriggeredEventIDs == nil {
		s.RunState.TriggeredEventIDs = []string{}
	}
	if s.RunState.EventCooldowns == nil {
		s.RunState.EventCooldowns = map[string]int{}
	}
	return s
}

// Axes projects the numeric/day/slot fields used by requirement and
// effect evaluation out of the full state blob.
func (s State) Axes() rules.StateAxes {
	return rules.StateAxes{
		Day:       s.Day,
		Slot:      s.Slot,
		Energy:    s.Energy,
		Money:     s.Money,
		Knowledge: s.Knowledge,
		Affection: s.Affection,
	}
}

// WithAxes returns a copy of s with its numeric/day/slot fields replaced
// by the given axes, leaving npc_state/quest_state/run_state untouched.
func (s State) WithAxes(a rules.StateAxes) State {
	s.Day = a.Day
	s.Slot = a.Slot
	s.Energy = a.Energy
	s.Money = a.Money
	s.Knowledge = a.Knowledge
	s.Affection = a.Affection
	return s
}

// VisibleChoice is the response-shaped view of one choice on a node,
// annotated with availability per the current state (§4.A
// story_choices_for_response).
type VisibleChoice struct {
	ChoiceID     string `json:"choice_id"`
	DisplayText  string `json:"display_text"`
	Available    bool   `json:"available"`
	LockedReason string `json:"locked_reason,omitempty"`
}
