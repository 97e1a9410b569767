package llm

import (
	"encoding/json"
)

const jsonOnlySystemPrompt = "Return strict JSON, no markdown, no prose."

// buildSelectionPrompt renders the selector's single schema-constrained
// user block (§6.3). The context is marshaled as-is; SelectStory
// truncates the player input against llm_prompt_play_max_chars (with
// truncateText) before calling in.
func buildSelectionPrompt(ctx SelectionContext) (system, user string) {
	body, _ := json.Marshal(ctx)
	return jsonOnlySystemPrompt, "Story selection task. Schema: story_selection_v1. Context: " + string(body)
}

// buildNarrationPrompt renders the narrator's single schema-constrained
// user block (§6.2).
func buildNarrationPrompt(ctx NarrationContext) (system, user string) {
	body, _ := json.Marshal(ctx)
	return jsonOnlySystemPrompt, "Story narration task. Schema: story_narrative_v1. Context: " + string(body)
}

// truncateText clamps free text to maxChars runes, per
// llm_prompt_play_max_chars (§6.4).
func truncateText(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars])
}
