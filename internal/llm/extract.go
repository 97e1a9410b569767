package llm

import (
	"encoding/json"
	"strings"
)

// extractJSON recovers a JSON object from a raw model reply: unwraps a
// ```json fenced block if present, then — if the result isn't already
// valid JSON on its own — extracts the first balanced {...} fragment
// surrounded by prose (§4.G).
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = unfence(s)
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return s, nil
	}
	frag, ok := firstObjectFragment(s)
	if !ok {
		return "", newParseError(KindJSONParse, raw, errNotJSON)
	}
	return frag, nil
}

func unfence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || strings.EqualFold(firstLine, "json") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// firstObjectFragment scans for the first balanced {...} span, honoring
// string literals so braces inside string values don't unbalance it.
func firstObjectFragment(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeSelection parses and validates a raw model reply against the
// story_selection_v1 schema.
func decodeSelection(raw string) (*SelectionReply, error) {
	frag, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var out SelectionReply
	dec := json.NewDecoder(strings.NewReader(frag))
	if err := dec.Decode(&out); err != nil {
		return nil, newParseError(KindJSONParse, raw, err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, newParseError(KindSchemaValidate, raw, errConfidenceRange)
	}
	return &out, nil
}

// decodeNarrative parses and validates a raw model reply against the
// story_narrative_v1 schema.
func decodeNarrative(raw string) (*NarrativeReply, error) {
	frag, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var out NarrativeReply
	dec := json.NewDecoder(strings.NewReader(frag))
	if err := dec.Decode(&out); err != nil {
		return nil, newParseError(KindJSONParse, raw, err)
	}
	if strings.TrimSpace(out.NarrativeText) == "" {
		return nil, newParseError(KindSchemaValidate, raw, errEmptyNarrative)
	}
	return &out, nil
}
