package resolver

import (
	"storyrt/internal/rules"
	"storyrt/internal/storypack"
)

// fallbackTree runs rungs (a)-(d) of §4.F in order, stopping at the
// first one that applies. Each rung is tried at most once — rung (a)
// never recurses into itself on a blocked reroute target.
func fallbackTree(p *storypack.Pack, node *storypack.Node, s storypack.State, attempted *string, reason Reason) (*Result, error) {
	return fallbackTreeWithConfidence(p, node, s, attempted, reason, 0, nil)
}

func fallbackTreeWithConfidence(p *storypack.Pack, node *storypack.Node, s storypack.State, attempted *string, reason Reason, confidence float64, notes *string) (*Result, error) {
	base := &Result{
		AttemptedChoiceID: attempted,
		FallbackUsed:      true,
		FallbackReason:    reason,
		Source:            SourceFallback,
		Notes:             notes,
	}
	if confidence > 0 {
		c := confidence
		base.MappingConfidence = &c
	}

	// Rung (a): node_fallback_choice_id.
	if node.NodeFallbackChoiceID != "" {
		if c, ok := node.ChoiceByID(node.NodeFallbackChoiceID); ok {
			if met, _ := rules.RequiresMet(s.Axes(), c.Requires); met {
				base.ExecutedChoiceID = c.ChoiceID
				base.ResolvedChoiceID = c.ChoiceID
				base.ExecutedChoice = c
				return base, nil
			}
			// Reroute target's prereqs fail: do not recurse, degrade
			// straight to rung (c) per §4.F rung (a).
			base.Degraded = "REROUTE_LIMIT_REACHED_DEGRADED"
			if res, ok := tryGlobalExecutor(p, s, base); ok {
				return res, nil
			}
			return degradedNoOp(base), nil
		}
	}

	// Rung (b): node's own fallback block, else the pack default.
	fb := node.Fallback
	if fb == nil {
		fb = p.DefaultFallback
	}
	if fb != nil {
		return applyFallbackBlock(*fb, s, reason, base), nil
	}

	// Rung (c): global fallback executor.
	if res, ok := tryGlobalExecutor(p, s, base); ok {
		return res, nil
	}

	// Rung (d): degraded no-op.
	return degradedNoOp(base), nil
}

func tryGlobalExecutor(p *storypack.Pack, s storypack.State, base *Result) (*Result, bool) {
	if p.GlobalFallbackChoiceID == "" {
		return nil, false
	}
	for _, fe := range p.FallbackExecutors {
		if fe.ID != p.GlobalFallbackChoiceID {
			continue
		}
		if fe.Prereq != nil {
			if met, _ := rules.RequiresMet(s.Axes(), fe.Prereq); !met {
				base.Degraded = "REROUTED_TARGET_PREREQ_BLOCKED_DEGRADED"
				return degradedNoOp(base), true
			}
		}
		return applyFallbackBlock(storypack.FallbackBlock{
			ID:               fe.ID,
			Action:           fe.Action,
			NextNodeIDPolicy: fe.NextNodeIDPolicy,
			NextNodeID:       fe.NextNodeID,
			Effects:          fe.Effects,
			TextVariants:     fe.TextVariants,
		}, s, base.FallbackReason, base), true
	}
	return nil, false
}

func applyFallbackBlock(fb storypack.FallbackBlock, s storypack.State, reason Reason, base *Result) *Result {
	base.FallbackEffects = fb.Effects
	base.StayOnNode = fb.NextNodeIDPolicy != "explicit_next"
	if !base.StayOnNode {
		base.NextNodeID = fb.NextNodeID
	}
	base.FallbackText = textVariant(fb.TextVariants, reason)
	return base
}

func textVariant(variants map[string]string, reason Reason) string {
	if variants == nil {
		return ""
	}
	if t, ok := variants[string(reason)]; ok {
		return t
	}
	return variants["DEFAULT"]
}

// degradedNoOp is rung (d): no rung (a)/(b)/(c) applied. The caller has
// already set Degraded for the narrower reroute-specific cases; anything
// reaching here with no marker yet means no rung existed at all.
func degradedNoOp(base *Result) *Result {
	base.StayOnNode = true
	if base.Degraded == "" {
		base.Degraded = "FALLBACK_CONFIG_INVALID"
	}
	return base
}
