package llm

import (
	"context"
	"errors"
	"net"
	"time"

	"storyrt/internal/backpressure"
	"storyrt/internal/config"
)

// Provider speaks the raw transport: given a system prompt and a single
// schema-constrained user prompt, it returns the model's raw reply text.
// Provider implementations know nothing about story_selection_v1/
// story_narrative_v1 — schema decoding lives in Transport.
type Provider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Transport is the LLM transport core (component G): one strict JSON
// contract, a timeout profile clamped to a per-step total deadline, up
// to MaxRetries retries after the first attempt on retryable failures, and a circuit breaker
// keyed by provider name.
type Transport struct {
	cfg      config.LLMConfig
	provider Provider
	breakers *backpressure.CircuitBreakerGroup
	emit     StageEmitter
}

// New builds a Transport for the given provider. emitter may be nil, in
// which case stage notifications are dropped (§4.G's no-op default).
func New(cfg config.LLMConfig, provider Provider, emitter StageEmitter) *Transport {
	if emitter == nil {
		emitter = noopEmitter
	}
	return &Transport{
		cfg:      cfg,
		provider: provider,
		breakers: backpressure.NewCircuitBreakerGroup(backpressure.CircuitBreakerOptions{
			Threshold:   cfg.CircuitBreakerFailThreshold,
			Timeout:     cfg.CircuitBreakerOpen(),
			HalfOpenMax: 1,
		}),
		emit: emitter,
	}
}

// CircuitStats reports the current breaker state for every provider this
// transport has dialed, keyed by provider name.
func (t *Transport) CircuitStats() map[string]backpressure.CircuitStats {
	return t.breakers.Stats()
}

// WithEmitter returns a shallow copy of t that reports stage events to
// emitter instead, sharing the same circuit breaker group so per-request
// copies (one per streamed step) don't reset each other's breaker state.
func (t *Transport) WithEmitter(emitter StageEmitter) *Transport {
	if emitter == nil {
		emitter = noopEmitter
	}
	cp := *t
	cp.emit = emitter
	return &cp
}

// SelectStory runs the selector call: builds the story_selection_v1
// prompt, executes with retry/circuit-breaker/timeout policy, and
// decodes the reply. Emits play.selection.start before dialing out.
// A reply that parses but fails schema validation is retried like any
// other transport failure (§4.G), since decode happens inside call's
// retry closure.
func (t *Transport) SelectStory(ctx context.Context, sc SelectionContext, locale string) (*SelectionReply, error) {
	sc.PlayerInput = truncateText(sc.PlayerInput, t.cfg.PromptPlayMaxChars)
	system, user := buildSelectionPrompt(sc)
	emit(t.emit, StageEvent{StageCode: "play.selection.start", Label: stageLabel(locale, "play.selection.start"), Locale: locale, Task: "selection", RequestKind: string(SchemaStorySelection)})

	var out *SelectionReply
	if err := t.call(ctx, locale, system, user, func(raw string) error {
		decoded, derr := decodeSelection(raw)
		if derr != nil {
			return derr
		}
		out = decoded
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// NarrateStep runs the narrator call: builds the story_narrative_v1
// prompt, executes with retry/circuit-breaker/timeout policy, and
// decodes the reply. Emits play.narration.start before dialing out.
// A reply that parses but fails schema validation is retried like any
// other transport failure (§4.G), since decode happens inside call's
// retry closure.
func (t *Transport) NarrateStep(ctx context.Context, nc NarrationContext, locale string) (*NarrativeReply, error) {
	nc.PlayerInputRaw = truncateText(nc.PlayerInputRaw, t.cfg.PromptPlayMaxChars)
	system, user := buildNarrationPrompt(nc)
	emit(t.emit, StageEvent{StageCode: "play.narration.start", Label: stageLabel(locale, "play.narration.start"), Locale: locale, Task: "narration", RequestKind: string(SchemaStoryNarrative)})

	var out *NarrativeReply
	if err := t.call(ctx, locale, system, user, func(raw string) error {
		decoded, derr := decodeNarrative(raw)
		if derr != nil {
			return derr
		}
		out = decoded
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// call executes one provider round-trip under the full retry/circuit
// breaker/timeout stack, running decode on every raw reply so a JSON
// parse or schema validation failure is retried exactly like a network
// or HTTP-status failure (§4.G lists both as retryable conditions).
// Returns the wrapped CodeLLMUnavailable error once attempts are
// exhausted.
func (t *Transport) call(ctx context.Context, locale, system, user string, decode func(raw string) error) error {
	deadline := time.Now().Add(t.cfg.TotalDeadline())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	cb := t.breakers.Get(t.provider.Name())
	retryOpts := backpressure.RetryOptions{
		MaxRetries: t.cfg.MaxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}

	attempt := 0
	err := backpressure.RetryWithCircuitBreaker(ctx, cb, retryOpts, func() error {
		attempt++
		if attempt > 1 {
			emit(t.emit, StageEvent{StageCode: "llm.retry", Label: stageLabel(locale, "llm.retry"), Locale: locale})
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newParseError(KindTimeout, "", context.DeadlineExceeded)
		}
		callCtx, cancel := context.WithTimeout(ctx, clamp(t.cfg.CallDeadline(), remaining))
		defer cancel()

		r, cerr := t.provider.Complete(callCtx, system, user)
		if cerr != nil {
			return classifyTransportErr(cerr)
		}
		return decode(r)
	})
	if err != nil {
		return Unavailable(err)
	}
	return nil
}

func clamp(want, max time.Duration) time.Duration {
	if want <= 0 || want > max {
		return max
	}
	return want
}

// classifyTransportErr normalizes a provider-level failure into the
// taxonomy's parseError. Every kind in the taxonomy is retryable
// (§4.G); since none of these are *errors.ReachError,
// backpressure.RetryWithCircuitBreaker retries them automatically.
func classifyTransportErr(err error) error {
	if pe, ok := err.(*parseError); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newParseError(KindTimeout, "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newParseError(KindNetwork, "", err)
	}
	if he, ok := err.(*httpStatusError); ok {
		return newParseError(KindHTTPStatus, he.body, err)
	}
	return newParseError(KindNetwork, "", err)
}
