// Package resolver implements the selection resolver (component F): it
// turns one step request (an explicit choice id, or free-text player
// input) into the single choice that actually executes, falling back
// through an ordered degrade path when nothing resolves cleanly.
package resolver

import (
	"context"
	"strings"

	reacherrors "storyrt/internal/errors"
	"storyrt/internal/llm"
	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

// Source identifies which mechanism produced the executed choice.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceRule     Source = "rule"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Reason enumerates why a fallback rung was entered (§4.F).
type Reason string

const (
	ReasonNoInput     Reason = "NO_INPUT"
	ReasonBlocked     Reason = "BLOCKED"
	ReasonFallback    Reason = "FALLBACK"
	ReasonNoMatch     Reason = "NO_MATCH"
	ReasonLowConf     Reason = "LOW_CONF"
	ReasonInputPolicy Reason = "INPUT_POLICY"
	ReasonPrereqBlocked Reason = "PREREQ_BLOCKED"
)

// Request is exactly one of ChoiceID or PlayerInput.
type Request struct {
	ChoiceID    *string
	PlayerInput *string
}

// Result is the resolver's full output (§4.F).
type Result struct {
	AttemptedChoiceID *string
	ExecutedChoiceID  string
	ResolvedChoiceID  string
	FallbackUsed      bool
	FallbackReason    Reason
	Source            Source
	MappingConfidence *float64
	IntentID          *string
	Notes             *string

	// ExecutedChoice is the choice that actually fires, nil only for the
	// degraded no-op rung (d) where nothing executes.
	ExecutedChoice *storypack.Choice
	// NextNodeID and StayOnNode carry the next_node_id policy outcome for
	// fallback-block rungs (b)/(c), since those don't go through a
	// Choice's NextNodeID.
	NextNodeID string
	StayOnNode bool
	// FallbackEffects carries the effects to apply for rungs (b)/(c)/(d).
	FallbackEffects rules.Effects
	// FallbackText is the narration hint text for the chosen reason, from
	// a fallback block's text_variants (rungs b/c only).
	FallbackText string
	// Degraded carries a rung-level degradation marker
	// (REROUTE_LIMIT_REACHED_DEGRADED, REROUTED_TARGET_PREREQ_BLOCKED_DEGRADED,
	// FALLBACK_CONFIG_INVALID) alongside, not instead of, FallbackReason.
	Degraded string

	// LastLLMError is set when the LLM selector call itself failed
	// (transport-level), so the pipeline can decide whether to surface
	// LLM_UNAVAILABLE rather than silently degrading (§4.H step 9 only
	// aborts on the narrator's failure, not the selector's — the
	// selector failing simply routes to the fallback tree).
	LastLLMError error
}

// Resolve runs the full branching/fallback-tree decision described in
// §4.F. transport may be nil when the node has no free-text intents
// worth an LLM call pattern (tests exercising only the rule/explicit
// paths).
func Resolve(ctx context.Context, p *storypack.Pack, node *storypack.Node, s storypack.State, req Request, transport *llm.Transport, locale string) (*Result, error) {
	hasChoice := req.ChoiceID != nil && *req.ChoiceID != ""
	hasInput := req.PlayerInput != nil
	if hasChoice == hasInput {
		return nil, reacherrors.New(reacherrors.CodeInputConflict, "request must supply exactly one of choice_id or player_input")
	}

	if hasChoice {
		return resolveChoiceID(p, node, s, *req.ChoiceID)
	}
	return resolvePlayerInput(ctx, p, node, s, *req.PlayerInput, transport, locale)
}

func resolveChoiceID(p *storypack.Pack, node *storypack.Node, s storypack.State, choiceID string) (*Result, error) {
	attempted := choiceID
	c, ok := node.ChoiceByID(choiceID)
	if !ok {
		return fallbackTree(p, node, s, &attempted, ReasonFallback)
	}
	if met, _ := rules.RequiresMet(s.Axes(), c.Requires); !met {
		return fallbackTree(p, node, s, &attempted, ReasonBlocked)
	}
	return &Result{
		AttemptedChoiceID: &attempted,
		ExecutedChoiceID:  c.ChoiceID,
		ResolvedChoiceID:  c.ChoiceID,
		Source:            SourceExplicit,
		ExecutedChoice:    c,
	}, nil
}

func resolvePlayerInput(ctx context.Context, p *storypack.Pack, node *storypack.Node, s storypack.State, input string, transport *llm.Transport, locale string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return fallbackTree(p, node, s, nil, ReasonNoInput)
	}

	if intentID, choiceID, ok := matchIntent(node, input); ok {
		c, _ := node.ChoiceByID(choiceID)
		if met, _ := rules.RequiresMet(s.Axes(), c.Requires); met {
			id := intentID
			return &Result{
				ExecutedChoiceID: c.ChoiceID,
				ResolvedChoiceID: c.ChoiceID,
				Source:           SourceRule,
				IntentID:         &id,
				ExecutedChoice:   c,
			}, nil
		}
		return fallbackTree(p, node, s, nil, ReasonBlocked)
	}

	if transport == nil {
		return fallbackTree(p, node, s, nil, ReasonNoMatch)
	}

	reply, err := transport.SelectStory(ctx, selectionContext(node, s, input), locale)
	if err != nil {
		res, ferr := fallbackTree(p, node, s, nil, ReasonFallback)
		if ferr != nil {
			return nil, ferr
		}
		res.LastLLMError = err
		return res, nil
	}

	if reply.UseFallback || reply.ChoiceID == nil {
		reason := ReasonFallback
		if reply.Notes != nil && strings.Contains(strings.ToLower(*reply.Notes), "no_match") {
			reason = ReasonNoMatch
		}
		return fallbackTreeWithConfidence(p, node, s, nil, reason, reply.Confidence, reply.Notes)
	}
	c, ok := node.ChoiceByID(*reply.ChoiceID)
	if !ok {
		return fallbackTreeWithConfidence(p, node, s, nil, ReasonNoMatch, reply.Confidence, reply.Notes)
	}
	if reply.Confidence < lowConfidenceThreshold {
		return fallbackTreeWithConfidence(p, node, s, nil, ReasonLowConf, reply.Confidence, reply.Notes)
	}
	if met, _ := rules.RequiresMet(s.Axes(), c.Requires); !met {
		return fallbackTreeWithConfidence(p, node, s, nil, ReasonPrereqBlocked, reply.Confidence, reply.Notes)
	}
	conf := reply.Confidence
	return &Result{
		ExecutedChoiceID:  c.ChoiceID,
		ResolvedChoiceID:  c.ChoiceID,
		Source:            SourceLLM,
		MappingConfidence: &conf,
		IntentID:          reply.IntentID,
		Notes:             reply.Notes,
		ExecutedChoice:    c,
	}, nil
}

// lowConfidenceThreshold is the minimum selector confidence accepted
// before a reply is treated as LOW_CONF rather than a real match.
const lowConfidenceThreshold = 0.5

// matchIntent normalizes input and the node's declared patterns
// case-insensitively; exactly one winning intent is required (ties are
// treated as no match, per "if exactly one intent wins").
func matchIntent(node *storypack.Node, input string) (intentID, choiceID string, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	var winner *storypack.Intent
	count := 0
	for i := range node.Intents {
		in := &node.Intents[i]
		for _, pat := range in.Patterns {
			if strings.Contains(normalized, strings.ToLower(pat)) {
				winner = in
				count++
				break
			}
		}
	}
	if count != 1 {
		return "", "", false
	}
	return winner.AliasChoiceID, winner.AliasChoiceID, true
}

func selectionContext(node *storypack.Node, s storypack.State, input string) llm.SelectionContext {
	visible := storypack.StoryChoicesForResponse(node, s)
	vc := make([]llm.VisibleChoice, 0, len(visible))
	validIDs := make([]string, 0, len(visible))
	for _, v := range visible {
		if !v.Available {
			continue
		}
		vc = append(vc, llm.VisibleChoice{ChoiceID: v.ChoiceID, DisplayText: v.DisplayText})
		validIDs = append(validIDs, v.ChoiceID)
	}
	intents := make([]llm.IntentDesc, 0, len(node.Intents))
	for _, in := range node.Intents {
		intents = append(intents, llm.IntentDesc{AliasChoiceID: in.AliasChoiceID, Patterns: in.Patterns})
	}
	return llm.SelectionContext{
		PlayerInput:    input,
		ValidChoiceIDs: validIDs,
		VisibleChoices: vc,
		Intents:        intents,
		State:          compactStateSnippet(s),
	}
}

func compactStateSnippet(s storypack.State) map[string]any {
	return map[string]any{
		"day":       s.Day,
		"slot":      s.Slot,
		"energy":    s.Energy,
		"money":     s.Money,
		"knowledge": s.Knowledge,
		"affection": s.Affection,
	}
}
