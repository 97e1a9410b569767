package llm

import (
	"regexp"
	"strings"

	reacherrors "storyrt/internal/errors"
)

// bareAPIKeyPattern catches unlabeled bearer/API-key-shaped tokens (e.g.
// "sk-..." or long base64/hex runs) that reacherrors.Redact, which only
// matches labeled key=value forms, would otherwise let through.
var bareAPIKeyPattern = regexp.MustCompile(`\b(sk-[a-zA-Z0-9_\-]{10,}|[A-Za-z0-9_\-]{32,})\b`)

// FailureKind is the narrative-call error taxonomy carried by an
// unavailable error's context (§4.G).
type FailureKind string

const (
	KindTimeout          FailureKind = "NARRATIVE_TIMEOUT"
	KindNetwork          FailureKind = "NARRATIVE_NETWORK"
	KindHTTPStatus       FailureKind = "NARRATIVE_HTTP_STATUS"
	KindJSONParse        FailureKind = "NARRATIVE_JSON_PARSE"
	KindSchemaValidate   FailureKind = "NARRATIVE_SCHEMA_VALIDATE"
)

// maxRawSnippet bounds the redacted raw-response snippet carried by an
// unavailable error (§4.G: "raw= ... <=200 chars").
const maxRawSnippet = 200

// parseError is the attempt-level failure raised while talking to a
// provider or validating its reply against a schema.
type parseError struct {
	kind FailureKind
	raw  string
	err  error
}

func (e *parseError) Error() string {
	return string(e.kind) + ": " + e.err.Error()
}

func (e *parseError) Unwrap() error { return e.err }

func newParseError(kind FailureKind, raw string, err error) *parseError {
	return &parseError{kind: kind, raw: raw, err: err}
}

// Unavailable wraps the final, retries-exhausted failure as the
// CodeLLMUnavailable ReachError, carrying the taxonomy kind and a
// redacted raw-response snippet in Context (§4.G).
func Unavailable(err error) *reacherrors.ReachError {
	kind := FailureKind("NARRATIVE_NETWORK")
	raw := ""
	var pe *parseError
	if asParseError(err, &pe) {
		kind = pe.kind
		raw = redactSnippet(pe.raw)
	}
	re := reacherrors.New(reacherrors.CodeLLMUnavailable, "language model unavailable").
		WithCause(err).
		SetRetryable(false).
		WithContext("kind", string(kind))
	if raw != "" {
		re = re.WithContext("raw", raw)
	}
	return re
}

func asParseError(err error, target **parseError) bool {
	for err != nil {
		if pe, ok := err.(*parseError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// redactSnippet normalizes newlines/pipes and masks API-key-like
// tokens before truncating to maxRawSnippet, per §4.G.
func redactSnippet(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.ReplaceAll(raw, "\n", " ")
	s = strings.ReplaceAll(s, "|", " ")
	s = reacherrors.Redact(s)
	s = bareAPIKeyPattern.ReplaceAllString(s, "[REDACTED_KEY]")
	return reacherrors.Truncate(s, maxRawSnippet)
}
