// Package storage persists the story runtime's entities (§3.1): sessions,
// published story packs, the per-step action log, rollback snapshots,
// idempotency records, and optional LLM usage audit rows.
//
// Every write that must be atomic with another (state mutation + ActionLog
// insert + Session update) is issued against an explicit *sql.Tx obtained
// from DB().BeginTx; every record method on Store accepts a Queryer so the
// same code path works inside or outside a transaction, mirroring the
// transaction-per-operation idiom this package was adapted from. The one
// exception is SweepExpiredIdempotency, which runs on the pool directly.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting every Store
// method run standalone or as part of a caller-managed transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StoryRecord is a published or draft version of a story pack (§3.1 Story).
type StoryRecord struct {
	StoryID     string
	Version     string
	IsPublished bool
	PackJSON    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionRecord is one player run (§3.1 Session).
type SessionRecord struct {
	ID           string
	Status       string
	StoryID      string
	StoryVersion string
	StoryNodeID  string
	StateJSON    []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActionLogRecord is one append-only per-step audit row (§3.1 ActionLog).
type ActionLogRecord struct {
	ID                string
	SessionID         string
	StoryNodeID       string
	StoryChoiceID     *string
	PlayerInput       *string
	UserRawInput      *string
	ProposedAction    *string
	FinalAction       *string
	FallbackUsed      bool
	FallbackReasons   []string
	ActionConfidence  *float64
	KeyDecision       bool
	ClassificationJSON []byte
	StateBeforeJSON   []byte
	StateAfterJSON    []byte
	StateDeltaJSON    []byte
	MatchedRulesJSON  []byte
	CreatedAt         time.Time
}

// SessionSnapshotRecord is a point-in-time clone used by rollback (§3.1).
type SessionSnapshotRecord struct {
	ID            string
	SessionID     string
	StateBlobJSON []byte
	CreatedAt     time.Time
}

// IdempotencyRecord is the two-phase step guard row (§3.1, §4.I).
type IdempotencyRecord struct {
	SessionID      string
	IdempotencyKey string
	RequestHash    string
	Status         string // in_progress | succeeded | failed
	ResponseJSON   []byte
	ErrorCode      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// LLMUsageLogRecord is the optional provider-error audit entry written when
// a failed idempotency record's error code is LLM_UNAVAILABLE (§12).
type LLMUsageLogRecord struct {
	ID             string
	SessionID      string
	IdempotencyKey string
	Status         string
	ErrorCode      string
	CreatedAt      time.Time
}

// ReplayReportRecord is the persisted summary built by the replay
// collaborator from a session's ActionLog (§3.1 ReplayReport).
type ReplayReportRecord struct {
	SessionID   string
	SummaryJSON []byte
	CreatedAt   time.Time
}

// Store wraps the SQLite connection. Data-access methods take
// (ctx, Queryer, ...) so callers control transaction scope;
// SweepExpiredIdempotency is the exception and uses the pool.
type Store struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying connection pool, for callers (the step
// pipeline orchestrator) that need to open their own transaction spanning
// several Store calls.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Story ---------------------------------------------------------------

func (s *Store) PutStory(ctx context.Context, q Queryer, rec StoryRecord) error {
	published := 0
	if rec.IsPublished {
		published = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO stories(story_id, version, is_published, pack_json, created_at, updated_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(story_id, version) DO UPDATE SET
			is_published=excluded.is_published, pack_json=excluded.pack_json, updated_at=excluded.updated_at`,
		rec.StoryID, rec.Version, published, rec.PackJSON, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	return err
}

func (s *Store) GetStoryVersion(ctx context.Context, q Queryer, storyID, version string) (StoryRecord, error) {
	var r StoryRecord
	var published int
	var created, updated string
	err := q.QueryRowContext(ctx, "SELECT story_id, version, is_published, pack_json, created_at, updated_at FROM stories WHERE story_id=? AND version=?", storyID, version).
		Scan(&r.StoryID, &r.Version, &published, &r.PackJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.IsPublished = published != 0
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

func (s *Store) GetPublishedStory(ctx context.Context, q Queryer, storyID string) (StoryRecord, error) {
	var r StoryRecord
	var published int
	var created, updated string
	err := q.QueryRowContext(ctx, "SELECT story_id, version, is_published, pack_json, created_at, updated_at FROM stories WHERE story_id=? AND is_published=1 ORDER BY version DESC LIMIT 1", storyID).
		Scan(&r.StoryID, &r.Version, &published, &r.PackJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.IsPublished = published != 0
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

// --- Session ---------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, q Queryer, rec SessionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions(id, status, story_id, story_version, story_node_id, state_json, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Status, rec.StoryID, rec.StoryVersion, rec.StoryNodeID, rec.StateJSON, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	return err
}

func (s *Store) GetSession(ctx context.Context, q Queryer, id string) (SessionRecord, error) {
	var r SessionRecord
	var created, updated string
	err := q.QueryRowContext(ctx, "SELECT id, status, story_id, story_version, story_node_id, state_json, created_at, updated_at FROM sessions WHERE id=?", id).
		Scan(&r.ID, &r.Status, &r.StoryID, &r.StoryVersion, &r.StoryNodeID, &r.StateJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

// UpdateSession persists the fields the step orchestrator is allowed to
// mutate: status, current node, and state blob.
func (s *Store) UpdateSession(ctx context.Context, q Queryer, rec SessionRecord) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET status=?, story_node_id=?, state_json=?, updated_at=? WHERE id=?`,
		rec.Status, rec.StoryNodeID, rec.StateJSON, fmtTime(rec.UpdatedAt), rec.ID)
	return err
}

// --- ActionLog ---------------------------------------------------------------

func (s *Store) AppendActionLog(ctx context.Context, q Queryer, rec ActionLogRecord) error {
	reasons, err := json.Marshal(rec.FallbackReasons)
	if err != nil {
		return err
	}
	confidence := sql.NullFloat64{}
	if rec.ActionConfidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.ActionConfidence, Valid: true}
	}
	fallbackUsed := 0
	if rec.FallbackUsed {
		fallbackUsed = 1
	}
	keyDecision := 0
	if rec.KeyDecision {
		keyDecision = 1
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO action_logs(
			id, session_id, story_node_id, story_choice_id, player_input, user_raw_input,
			proposed_action, final_action, fallback_used, fallback_reasons, action_confidence,
			key_decision, classification, state_before, state_after, state_delta, matched_rules, created_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.SessionID, rec.StoryNodeID, rec.StoryChoiceID, rec.PlayerInput, rec.UserRawInput,
		rec.ProposedAction, rec.FinalAction, fallbackUsed, string(reasons), confidence,
		keyDecision, rec.ClassificationJSON, rec.StateBeforeJSON, rec.StateAfterJSON, rec.StateDeltaJSON, rec.MatchedRulesJSON, fmtTime(rec.CreatedAt))
	return err
}

func (s *Store) ListActionLogs(ctx context.Context, q Queryer, sessionID string) ([]ActionLogRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, story_node_id, story_choice_id, player_input, user_raw_input,
			proposed_action, final_action, fallback_used, fallback_reasons, action_confidence,
			key_decision, classification, state_before, state_after, state_delta, matched_rules, created_at
		FROM action_logs WHERE session_id=? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionLogRecord
	for rows.Next() {
		var r ActionLogRecord
		var reasons, created string
		var fallbackUsed, keyDecision int
		var confidence sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StoryNodeID, &r.StoryChoiceID, &r.PlayerInput, &r.UserRawInput,
			&r.ProposedAction, &r.FinalAction, &fallbackUsed, &reasons, &confidence,
			&keyDecision, &r.ClassificationJSON, &r.StateBeforeJSON, &r.StateAfterJSON, &r.StateDeltaJSON, &r.MatchedRulesJSON, &created); err != nil {
			return nil, err
		}
		r.FallbackUsed = fallbackUsed != 0
		r.KeyDecision = keyDecision != 0
		if confidence.Valid {
			v := confidence.Float64
			r.ActionConfidence = &v
		}
		_ = json.Unmarshal([]byte(reasons), &r.FallbackReasons)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneActionLogsExcept deletes every ActionLog row for a session whose id
// is not in keepIDs, implementing rollback's "prune rows not present at
// snapshot capture" rule (§3.4).
func (s *Store) PruneActionLogsExcept(ctx context.Context, q Queryer, sessionID string, keepIDs map[string]bool) error {
	rows, err := q.QueryContext(ctx, "SELECT id FROM action_logs WHERE session_id=?", sessionID)
	if err != nil {
		return err
	}
	var toDelete []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keepIDs[id] {
			toDelete = append(toDelete, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range toDelete {
		if _, err := q.ExecContext(ctx, "DELETE FROM action_logs WHERE id=?", id); err != nil {
			return err
		}
	}
	return nil
}

// --- SessionSnapshot ---------------------------------------------------------------

func (s *Store) SaveSnapshot(ctx context.Context, q Queryer, rec SessionSnapshotRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_snapshots(id, session_id, state_blob, created_at) VALUES(?,?,?,?)`,
		rec.ID, rec.SessionID, rec.StateBlobJSON, fmtTime(rec.CreatedAt))
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, q Queryer, id string) (SessionSnapshotRecord, error) {
	var r SessionSnapshotRecord
	var created string
	err := q.QueryRowContext(ctx, "SELECT id, session_id, state_blob, created_at FROM session_snapshots WHERE id=?", id).
		Scan(&r.ID, &r.SessionID, &r.StateBlobJSON, &created)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}

func (s *Store) GetLatestSnapshot(ctx context.Context, q Queryer, sessionID string) (SessionSnapshotRecord, error) {
	var r SessionSnapshotRecord
	var created string
	err := q.QueryRowContext(ctx, "SELECT id, session_id, state_blob, created_at FROM session_snapshots WHERE session_id=? ORDER BY created_at DESC, id DESC LIMIT 1", sessionID).
		Scan(&r.ID, &r.SessionID, &r.StateBlobJSON, &created)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}

// --- SessionStepIdempotency ---------------------------------------------------------------

func (s *Store) GetIdempotency(ctx context.Context, q Queryer, sessionID, key string) (IdempotencyRecord, error) {
	var r IdempotencyRecord
	var created, updated, expires string
	var responseJSON sql.NullString
	var errorCode sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT session_id, idempotency_key, request_hash, status, response_json, error_code, created_at, updated_at, expires_at
		FROM session_step_idempotency WHERE session_id=? AND idempotency_key=?`, sessionID, key).
		Scan(&r.SessionID, &r.IdempotencyKey, &r.RequestHash, &r.Status, &responseJSON, &errorCode, &created, &updated, &expires)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if responseJSON.Valid {
		r.ResponseJSON = []byte(responseJSON.String)
	}
	r.ErrorCode = errorCode.String
	r.CreatedAt, r.UpdatedAt, r.ExpiresAt = parseTime(created), parseTime(updated), parseTime(expires)
	return r, nil
}

func (s *Store) InsertIdempotency(ctx context.Context, q Queryer, rec IdempotencyRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO session_step_idempotency(session_id, idempotency_key, request_hash, status, created_at, updated_at, expires_at)
		VALUES(?,?,?,?,?,?,?)`,
		rec.SessionID, rec.IdempotencyKey, rec.RequestHash, rec.Status, fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), fmtTime(rec.ExpiresAt))
	return err
}

// ResetIdempotencyInProgress reopens a failed or stale in_progress row for a
// fresh attempt (§4.I step 2, the "failed or stale" branch).
func (s *Store) ResetIdempotencyInProgress(ctx context.Context, q Queryer, sessionID, key, requestHash string, now, expiresAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE session_step_idempotency
		SET status='in_progress', request_hash=?, response_json=NULL, error_code=NULL, updated_at=?, expires_at=?
		WHERE session_id=? AND idempotency_key=?`,
		requestHash, fmtTime(now), fmtTime(expiresAt), sessionID, key)
	return err
}

func (s *Store) MarkIdempotencySucceeded(ctx context.Context, q Queryer, sessionID, key string, responseJSON []byte, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE session_step_idempotency SET status='succeeded', response_json=?, error_code=NULL, updated_at=?
		WHERE session_id=? AND idempotency_key=?`,
		responseJSON, fmtTime(now), sessionID, key)
	return err
}

func (s *Store) MarkIdempotencyFailed(ctx context.Context, q Queryer, sessionID, key, errorCode string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE session_step_idempotency SET status='failed', error_code=?, updated_at=?
		WHERE session_id=? AND idempotency_key=?`,
		errorCode, fmtTime(now), sessionID, key)
	return err
}

// SweepExpiredIdempotency deletes idempotency records whose expires_at has
// passed. No caller schedules this automatically (§13); it exists so an
// operator-invoked sweep has somewhere to call.
func (s *Store) SweepExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_step_idempotency WHERE expires_at < ?", fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- LLMUsageLog ---------------------------------------------------------------

func (s *Store) AppendLLMUsageLog(ctx context.Context, q Queryer, rec LLMUsageLogRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO llm_usage_log(id, session_id, idempotency_key, status, error_code, created_at)
		VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.SessionID, rec.IdempotencyKey, rec.Status, rec.ErrorCode, fmtTime(rec.CreatedAt))
	return err
}

// --- ReplayReport ---------------------------------------------------------------

func (s *Store) SaveReplayReport(ctx context.Context, q Queryer, rec ReplayReportRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO replay_reports(session_id, summary_json, created_at) VALUES(?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET summary_json=excluded.summary_json, created_at=excluded.created_at`,
		rec.SessionID, rec.SummaryJSON, fmtTime(rec.CreatedAt))
	return err
}

func (s *Store) GetReplayReport(ctx context.Context, q Queryer, sessionID string) (ReplayReportRecord, error) {
	var r ReplayReportRecord
	var created string
	err := q.QueryRowContext(ctx, "SELECT session_id, summary_json, created_at FROM replay_reports WHERE session_id=?", sessionID).
		Scan(&r.SessionID, &r.SummaryJSON, &created)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}
