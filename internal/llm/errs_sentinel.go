package llm

import "errors"

var (
	errNotJSON         = errors.New("no JSON object found in reply")
	errConfidenceRange = errors.New("confidence out of [0,1] range")
	errEmptyNarrative  = errors.New("narrative_text is empty")
	errNoChoices       = errors.New("no choices in chat completion response")
)
