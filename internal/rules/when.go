package rules

// When is the shared trigger-predicate vocabulary used by quest
// milestones (§4.C) and runtime events (§4.D). An omitted field is a
// wildcard; all provided fields must match.
type When struct {
	NodeIDIs           string         `json:"node_id_is,omitempty"`
	NextNodeIDIs       string         `json:"next_node_id_is,omitempty"`
	ExecutedChoiceIDIs string         `json:"executed_choice_id_is,omitempty"`
	ActionIDIs         string         `json:"action_id_is,omitempty"`
	FallbackUsedIs     *bool          `json:"fallback_used_is,omitempty"`
	StateAtLeast       map[string]int `json:"state_at_least,omitempty"`
	StateDeltaAtLeast  map[string]int `json:"state_delta_at_least,omitempty"`
	DayIn              []int          `json:"day_in,omitempty"`
	SlotIn             []string       `json:"slot_in,omitempty"`
}

// StepFacts is the set of facts produced by one step that a When
// predicate is evaluated against.
type StepFacts struct {
	NodeID           string
	NextNodeID       string
	ExecutedChoiceID string
	ActionID         string
	FallbackUsed     bool
	State            StateAxes
	Delta            map[string]int
	StepIndex        int
}

// EvaluateWhen matches a single When predicate against a step's facts.
func EvaluateWhen(facts StepFacts, when When) bool {
	if when.NodeIDIs != "" && when.NodeIDIs != facts.NodeID {
		return false
	}
	if when.NextNodeIDIs != "" && when.NextNodeIDIs != facts.NextNodeID {
		return false
	}
	if when.ExecutedChoiceIDIs != "" && when.ExecutedChoiceIDIs != facts.ExecutedChoiceID {
		return false
	}
	if when.ActionIDIs != "" && when.ActionIDIs != facts.ActionID {
		return false
	}
	if when.FallbackUsedIs != nil && *when.FallbackUsedIs != facts.FallbackUsed {
		return false
	}
	if !stateAtLeastMet(facts.State, when.StateAtLeast) {
		return false
	}
	if !deltaAtLeastMet(facts.Delta, when.StateDeltaAtLeast) {
		return false
	}
	if len(when.DayIn) > 0 && !containsInt(when.DayIn, facts.State.Day) {
		return false
	}
	if len(when.SlotIn) > 0 && !contains(when.SlotIn, facts.State.Slot) {
		return false
	}
	return true
}

func stateAtLeastMet(s StateAxes, want map[string]int) bool {
	for axis, min := range want {
		if stateAxis(s, axis) < min {
			return false
		}
	}
	return true
}

func stateAxis(s StateAxes, axis string) int {
	switch axis {
	case "energy":
		return s.Energy
	case "money":
		return s.Money
	case "knowledge":
		return s.Knowledge
	case "affection":
		return s.Affection
	case "day":
		return s.Day
	default:
		return 0
	}
}

func deltaAtLeastMet(delta map[string]int, want map[string]int) bool {
	for axis, min := range want {
		if delta[axis] < min {
			return false
		}
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
