package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"storyrt/internal/config"
	"storyrt/internal/ending"
	reacherrors "storyrt/internal/errors"
	"storyrt/internal/event"
	"storyrt/internal/idempotency"
	"storyrt/internal/llm"
	"storyrt/internal/quest"
	"storyrt/internal/resolver"
	"storyrt/internal/rules"
	"storyrt/internal/storage"
	"storyrt/internal/storypack"
)

// Orchestrator wires the domain engines together into the single
// transactional step path (§4.H). It is the only collaborator allowed
// to write Session or ActionLog rows.
type Orchestrator struct {
	store     *storage.Store
	loader    *storypack.Loader
	transport *llm.Transport
	idem      *idempotency.Guard
	cfg       *config.Config
}

// New builds an Orchestrator. idem may be nil; callers that never pass
// an idempotency key can use a nil guard.
func New(store *storage.Store, loader *storypack.Loader, transport *llm.Transport, idem *idempotency.Guard, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: store, loader: loader, transport: transport, idem: idem, cfg: cfg}
}

// Transport returns the orchestrator's LLM transport, so a caller can
// derive a per-request copy (e.g. with WithEmitter) for streaming.
func (o *Orchestrator) Transport() *llm.Transport { return o.transport }

// WithTransport returns a shallow copy of the orchestrator using t
// instead of its own transport, leaving store/loader/idem/cfg shared.
func (o *Orchestrator) WithTransport(t *llm.Transport) *Orchestrator {
	cp := *o
	cp.transport = t
	return &cp
}

// Step runs one step request end to end, wrapping the idempotency guard
// (§4.I) around the single-transaction pipeline (§4.H) when the caller
// supplied a key.
func (o *Orchestrator) Step(ctx context.Context, sessionID string, req StepRequest) (*StepResponse, error) {
	now := time.Now().UTC()
	locale := req.Locale
	if locale == "" {
		locale = o.cfg.Story.DefaultLocale
	}

	if req.IdempotencyKey == nil || o.idem == nil {
		return o.runStep(ctx, sessionID, req, locale)
	}

	db := o.store.DB()
	reqKey := idempotency.RequestKey{ChoiceID: req.ChoiceID, PlayerInput: req.PlayerInput}
	decision, cached, err := o.idem.Begin(ctx, db, sessionID, *req.IdempotencyKey, reqKey, now)
	if err != nil {
		return nil, err
	}
	if decision == idempotency.Replay {
		var resp StepResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return nil, reacherrors.Wrap(err, reacherrors.CodeInternal, "corrupt cached step response")
		}
		return &resp, nil
	}

	resp, stepErr := o.runStep(ctx, sessionID, req, locale)
	finishedAt := time.Now().UTC()
	if stepErr != nil {
		_ = o.idem.Fail(ctx, db, sessionID, *req.IdempotencyKey, stepErr, finishedAt)
		return nil, stepErr
	}
	body, _ := json.Marshal(resp)
	_ = o.idem.Succeed(ctx, db, sessionID, *req.IdempotencyKey, body, finishedAt)
	return resp, nil
}

// runStep executes §4.H steps 1-10 inside one *sql.Tx, rolling back on
// any error (including a narrator failure after state was computed).
func (o *Orchestrator) runStep(ctx context.Context, sessionID string, req StepRequest, locale string) (*StepResponse, error) {
	now := time.Now().UTC()

	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	sess, err := o.store.GetSession(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reacherrors.New(reacherrors.CodeSessionNotActive, "session not found")
		}
		return nil, err
	}
	if sess.Status != "active" {
		return nil, reacherrors.New(reacherrors.CodeSessionNotActive, "session is not active")
	}
	if sess.StoryID == "" {
		return nil, reacherrors.New(reacherrors.CodeStoryRequired, "session has no story_id")
	}

	pack, err := o.loader.LoadVersion(ctx, sess.StoryID, sess.StoryVersion)
	if err != nil {
		return nil, err
	}
	fromNode, ok := pack.NodeByID(sess.StoryNodeID)
	if !ok {
		return nil, reacherrors.New(reacherrors.CodeInvalidStoryStartNode, "session node not found in pack: "+sess.StoryNodeID)
	}

	var stateBefore storypack.State
	if err := json.Unmarshal(sess.StateJSON, &stateBefore); err != nil {
		return nil, reacherrors.Wrap(err, reacherrors.CodeInternal, "corrupt session state")
	}
	stateBefore = storypack.NormalizeState(stateBefore)
	stateBeforeJSON, _ := json.Marshal(stateBefore)

	// Step 4: selection resolver. Mutation budget begins after this call.
	res, err := resolver.Resolve(ctx, pack, fromNode, stateBefore, resolver.Request{ChoiceID: req.ChoiceID, PlayerInput: req.PlayerInput}, o.transport, locale)
	if err != nil {
		return nil, err
	}

	// Step 5: compute executed action, transition node.
	state := stateBefore
	var actionEffects rules.Effects
	toNodeID := fromNode.NodeID
	var finalAction *string
	if res.ExecutedChoice != nil {
		actionEffects = res.ExecutedChoice.Effects
		toNodeID = res.ExecutedChoice.NextNodeID
		id := string(res.ExecutedChoice.Action.ActionID)
		finalAction = &id
	} else {
		actionEffects = res.FallbackEffects
		if !res.StayOnNode && res.NextNodeID != "" {
			toNodeID = res.NextNodeID
		}
	}
	axesAfter, actionDelta := rules.ApplyEffects(state.Axes(), actionEffects)
	state = state.WithAxes(axesAfter)
	if res.Degraded != "" {
		state.RunState.FallbackCount++
	}

	toNode, ok := pack.NodeByID(toNodeID)
	if !ok {
		toNode = fromNode
		toNodeID = fromNode.NodeID
	}

	// Step 6: step index, quest engine.
	state.RunState.StepIndex++
	facts := rules.StepFacts{
		NodeID:           fromNode.NodeID,
		NextNodeID:       toNodeID,
		ExecutedChoiceID: res.ExecutedChoiceID,
		FallbackUsed:     res.FallbackUsed,
		State:            state.Axes(),
		Delta:            actionDelta,
		StepIndex:        state.RunState.StepIndex,
	}
	if res.ExecutedChoice != nil {
		facts.ActionID = string(res.ExecutedChoice.Action.ActionID)
	}
	state, questOut := quest.Evaluate(pack, state, facts)
	delta := rules.MergeDeltas(actionDelta, questOut.Delta)

	// Step 7: event engine.
	facts.State = state.Axes()
	facts.Delta = delta
	state, eventOut := event.Evaluate(pack, state, facts)
	if eventOut.Triggered != nil {
		delta = rules.MergeDeltas(delta, eventOut.Delta)
	}

	// Step 8: ending engine.
	var endingResult *ending.Result
	if state.RunState.EndingID == "" {
		endingResult = ending.Evaluate(pack, state, toNodeID)
		if endingResult == nil && ending.ExceedsRunLimits(pack, state) {
			endingResult = ending.Timeout(pack)
		}
	}
	runEnded := endingResult != nil
	if runEnded {
		state = ending.Freeze(state, state.RunState.StepIndex, endingResult)
	}

	// Step 9: narrator call. Any LLM_UNAVAILABLE aborts the transaction.
	inputMode := "choice_click"
	playerInputText := ""
	if req.PlayerInput != nil {
		inputMode = "free_input"
		playerInputText = *req.PlayerInput
	}
	nc := buildNarrationContext(stepOutcome{
		inputMode:    inputMode,
		playerInput:  playerInputText,
		fromNode:     fromNode,
		toNode:       toNode,
		res:          res,
		actionDelta:  actionDelta,
		questOut:     questOut,
		eventOut:     eventOut,
		totalDelta:   rules.CompactDelta(delta),
		stateBefore:  stateBefore,
		stateAfter:   state,
		endingResult: endingResult,
		runEnded:     runEnded,
	})
	narrative, err := o.transport.NarrateStep(ctx, nc, locale)
	if err != nil {
		return nil, err
	}

	// Step 10: persist.
	stateAfterJSON, _ := json.Marshal(state)
	deltaJSON, _ := json.Marshal(rules.CompactDelta(delta))
	matchedRulesJSON, _ := json.Marshal(matchedRules(questOut, eventOut, endingResult))
	classificationJSON, _ := json.Marshal(map[string]any{
		"selection_source": string(res.Source),
		"intent_id":        res.IntentID,
		"notes":            res.Notes,
		"degraded":         res.Degraded,
	})

	sess.StoryNodeID = toNodeID
	sess.StateJSON = stateAfterJSON
	sess.UpdatedAt = now
	if runEnded {
		sess.Status = "ended"
	}
	if err := o.store.UpdateSession(ctx, tx, sess); err != nil {
		return nil, err
	}

	var fallbackReasons []string
	if res.FallbackUsed {
		fallbackReasons = []string{string(res.FallbackReason)}
	}
	var storyChoiceID *string
	if res.ExecutedChoice != nil {
		id := res.ExecutedChoice.ChoiceID
		storyChoiceID = &id
	}
	var playerInputPtr, rawInputPtr *string
	if req.PlayerInput != nil {
		playerInputPtr = req.PlayerInput
		rawInputPtr = req.PlayerInput
	}
	var proposedAction *string
	if res.ResolvedChoiceID != "" {
		id := res.ResolvedChoiceID
		proposedAction = &id
	}

	actionLog := storage.ActionLogRecord{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		StoryNodeID:        fromNode.NodeID,
		StoryChoiceID:      storyChoiceID,
		PlayerInput:        playerInputPtr,
		UserRawInput:       rawInputPtr,
		ProposedAction:     proposedAction,
		FinalAction:        finalAction,
		FallbackUsed:       res.FallbackUsed,
		FallbackReasons:    fallbackReasons,
		ActionConfidence:   res.MappingConfidence,
		KeyDecision:        res.ExecutedChoice != nil && res.ExecutedChoice.IsKeyDecision,
		ClassificationJSON: classificationJSON,
		StateBeforeJSON:    stateBeforeJSON,
		StateAfterJSON:     stateAfterJSON,
		StateDeltaJSON:     deltaJSON,
		MatchedRulesJSON:   matchedRulesJSON,
		CreatedAt:          now,
	}
	if err := o.store.AppendActionLog(ctx, tx, actionLog); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	resp := &StepResponse{
		NarrativeText:     narrative.NarrativeText,
		StoryNodeID:       toNodeID,
		SessionStatus:     sess.Status,
		RunEnded:          runEnded,
		StateExcerpt:      stateExcerpt(state),
		AttemptedChoiceID: res.AttemptedChoiceID,
		ExecutedChoiceID:  res.ExecutedChoiceID,
		ResolvedChoiceID:  res.ResolvedChoiceID,
		FallbackUsed:      res.FallbackUsed,
		SelectionSource:   string(res.Source),
		MappingConfidence: res.MappingConfidence,
		StepIndex:         state.RunState.StepIndex,
	}
	if res.FallbackUsed {
		resp.FallbackReason = string(res.FallbackReason)
	}
	if runEnded {
		resp.EndingID = endingResult.Ending.EndingID
		resp.EndingOutcome = endingResult.Outcome
		resp.EndingEpilogue = endingResult.Ending.Epilogue
	} else {
		resp.CurrentNode = &CurrentNode{
			NodeID:     toNode.NodeID,
			SceneBrief: toNode.SceneBrief,
			Choices:    storypack.StoryChoicesForResponse(toNode, state),
		}
	}
	return resp, nil
}

func matchedRules(questOut quest.Outcome, eventOut event.Outcome, endingResult *ending.Result) map[string]any {
	out := map[string]any{}
	if len(questOut.Activated) > 0 {
		out["quests_activated"] = questOut.Activated
	}
	if len(questOut.MilestonesCompleted) > 0 {
		out["milestones_completed"] = questOut.MilestonesCompleted
	}
	if len(questOut.StagesCompleted) > 0 {
		out["stages_completed"] = questOut.StagesCompleted
	}
	if len(questOut.QuestsCompleted) > 0 {
		out["quests_completed"] = questOut.QuestsCompleted
	}
	if eventOut.Triggered != nil {
		out["event"] = eventOut.Triggered.EventID
	}
	if endingResult != nil {
		out["ending"] = endingResult.Ending.EndingID
	}
	return out
}
