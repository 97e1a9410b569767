// Package idempotency implements the step idempotency guard (component
// I): a request-hash-checked, two-phase row that lets a client safely
// retry a POST /sessions/{id}/step call without double-applying it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	reacherrors "storyrt/internal/errors"
	"storyrt/internal/storage"
)

// RequestKey is the canonical input hashed into request_hash (§4.I.1).
type RequestKey struct {
	ChoiceID    *string `json:"choice_id"`
	PlayerInput *string `json:"player_input"`
}

// Hash computes sha256(canonical_json(key)) as a hex string. Field
// order is fixed by the struct's field declaration order above, so two equal requests always
// hash identically regardless of call-site field order.
func (k RequestKey) Hash() string {
	body, _ := json.Marshal(k)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Decision is what the caller should do after Begin.
type Decision int

const (
	// Proceed means run the step pipeline; Begin returns no cached response.
	Proceed Decision = iota
	// Replay means return the cached response bytes Begin returned
	// unchanged, no pipeline run.
	Replay
)

// Guard wraps the storage idempotency primitives into the exact
// check/insert/reset algorithm of §4.I.
type Guard struct {
	store           *storage.Store
	ttl             time.Duration
	inProgressStale time.Duration
}

// New builds a Guard. ttl is step_idempotency_ttl_s; inProgressStale is
// step_idempotency_in_progress_stale_s (§4.I).
func New(store *storage.Store, ttl, inProgressStale time.Duration) *Guard {
	return &Guard{store: store, ttl: ttl, inProgressStale: inProgressStale}
}

// Begin runs §4.I step 2: look up (session_id, key), and either insert a
// fresh in_progress row, return a stored success for replay, or reject
// with IDEMPOTENCY_KEY_REUSED / REQUEST_IN_PROGRESS. now is injected by
// the caller so pipelines stay deterministic in tests.
func (g *Guard) Begin(ctx context.Context, q storage.Queryer, sessionID, key string, reqKey RequestKey, now time.Time) (Decision, []byte, error) {
	hash := reqKey.Hash()

	rec, err := g.store.GetIdempotency(ctx, q, sessionID, key)
	if errors.Is(err, storage.ErrNotFound) {
		if err := g.store.InsertIdempotency(ctx, q, storage.IdempotencyRecord{
			SessionID:      sessionID,
			IdempotencyKey: key,
			RequestHash:    hash,
			Status:         "in_progress",
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      now.Add(g.ttl),
		}); err != nil {
			// A concurrent insert raced us; retry the lookup once (§4.I.2).
			rec, err = g.store.GetIdempotency(ctx, q, sessionID, key)
			if err != nil {
				return Proceed, nil, err
			}
			return g.decideExisting(ctx, q, sessionID, key, hash, rec, now)
		}
		return Proceed, nil, nil
	}
	if err != nil {
		return Proceed, nil, err
	}
	return g.decideExisting(ctx, q, sessionID, key, hash, rec, now)
}

func (g *Guard) decideExisting(ctx context.Context, q storage.Queryer, sessionID, key, hash string, rec storage.IdempotencyRecord, now time.Time) (Decision, []byte, error) {
	if rec.RequestHash != hash {
		return Proceed, nil, reacherrors.New(reacherrors.CodeIdempotencyKeyReused, "idempotency key reused with a different request")
	}

	switch rec.Status {
	case "succeeded":
		return Replay, rec.ResponseJSON, nil
	case "in_progress":
		if now.Sub(rec.UpdatedAt) < g.inProgressStale {
			return Proceed, nil, reacherrors.New(reacherrors.CodeRequestInProgress, "a request with this idempotency key is already in progress")
		}
		// Stale in_progress: reset and proceed.
		if err := g.store.ResetIdempotencyInProgress(ctx, q, sessionID, key, hash, now, now.Add(g.ttl)); err != nil {
			return Proceed, nil, err
		}
		return Proceed, nil, nil
	case "failed":
		if err := g.store.ResetIdempotencyInProgress(ctx, q, sessionID, key, hash, now, now.Add(g.ttl)); err != nil {
			return Proceed, nil, err
		}
		return Proceed, nil, nil
	default:
		return Proceed, nil, nil
	}
}

// Succeed records the pipeline's successful response for later replay
// (§4.I step 3).
func (g *Guard) Succeed(ctx context.Context, q storage.Queryer, sessionID, key string, responseJSON []byte, now time.Time) error {
	return g.store.MarkIdempotencySucceeded(ctx, q, sessionID, key, responseJSON, now)
}

// Fail records the pipeline's failure, using the error's ReachError
// code when available and INTERNAL_ERROR otherwise (§4.I step 3). It
// also writes a provider-error audit entry when the failure is
// LLM_UNAVAILABLE, per §12.
func (g *Guard) Fail(ctx context.Context, q storage.Queryer, sessionID, key string, stepErr error, now time.Time) error {
	code := string(reacherrors.CodeInternal)
	var re *reacherrors.ReachError
	if errors.As(stepErr, &re) {
		code = string(re.Code)
	}
	if err := g.store.MarkIdempotencyFailed(ctx, q, sessionID, key, code, now); err != nil {
		return err
	}
	if code == string(reacherrors.CodeLLMUnavailable) {
		_ = g.store.AppendLLMUsageLog(ctx, q, storage.LLMUsageLogRecord{
			ID:             auditID(sessionID, key, now),
			SessionID:      sessionID,
			IdempotencyKey: key,
			Status:         "failed",
			ErrorCode:      code,
			CreatedAt:      now,
		})
	}
	return nil
}

func auditID(sessionID, key string, now time.Time) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + key + "|" + now.String()))
	return hex.EncodeToString(sum[:])[:32]
}

