package llm

import (
	"context"
	"errors"
	"strings"
)

// FakeProvider is the deterministic in-process provider selected when
// env=="test" (§4.G). When a selection prompt contains one of a small
// keyword set, it selects the first choice_id of the prompt's embedded
// valid_choice_ids (the keyword does not decide which id); otherwise it
// asks for the fallback. Narration prompts get a canned but schema-valid
// narrative. It never makes a network call.
type FakeProvider struct {
	// FailNext, when > 0, makes the next N Complete calls return a
	// transport failure; decremented on each call. Lets tests exercise
	// the retry/circuit-breaker path deterministically.
	FailNext int

	// BadReplyNext, when > 0, makes the next N Complete calls return a
	// reply that is valid JSON but fails schema validation (rather than
	// a transport-level error), to exercise decode-triggered retries.
	BadReplyNext int

	calls int
}

var fakeKeywords = []string{"study", "work", "rest", "date", "gift"}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.calls++
	if p.FailNext > 0 {
		p.FailNext--
		return "", newParseError(KindNetwork, "", errFakeInjectedFailure)
	}
	if p.BadReplyNext > 0 {
		p.BadReplyNext--
		return `{"narrative_text":""}`, nil
	}

	if strings.Contains(userPrompt, "story_selection_v1") {
		return p.selectionReply(userPrompt), nil
	}
	return `{"narrative_text":"The evening settles and the story continues."}`, nil
}

// selectionReply returns a fallback reply unless the lowercased prompt
// contains one of fakeKeywords and neither "nonsense" nor "???"; in that
// case it selects the first id in the prompt's valid_choice_ids (or falls
// back when that list is empty). Which keyword matched does not affect
// the chosen id.
func (p *FakeProvider) selectionReply(userPrompt string) string {
	lower := strings.ToLower(userPrompt)

	var matched string
	for _, kw := range fakeKeywords {
		if strings.Contains(lower, kw) {
			matched = kw
			break
		}
	}

	if matched == "" || strings.Contains(lower, "nonsense") || strings.Contains(lower, "???") {
		return `{"choice_id":null,"use_fallback":true,"confidence":0.0,"intent_id":null,"notes":"fake_selector_fallback"}`
	}

	choiceID := extractFirstValidChoiceID(userPrompt)
	if choiceID == "" {
		return `{"choice_id":null,"use_fallback":true,"confidence":0.0,"intent_id":null,"notes":"fake_selector_fallback"}`
	}
	return `{"choice_id":"` + choiceID + `","use_fallback":false,"confidence":0.8,"intent_id":null,"notes":"fake_selector_match"}`
}

// extractFirstValidChoiceID pulls the first quoted id out of the
// embedded "valid_choice_ids":["..."] array in the prompt body.
func extractFirstValidChoiceID(prompt string) string {
	marker := `"valid_choice_ids":[`
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return ""
	}
	list := rest[:end]
	first := strings.SplitN(list, ",", 2)[0]
	return strings.Trim(strings.TrimSpace(first), `"`)
}

var errFakeInjectedFailure = errors.New("fake provider injected failure")
