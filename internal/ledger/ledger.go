package ledger

// Append-only orchestration ledger backed by local SQLite.
//
// Notes:
// - Every orchestration transition is appended as an event delta; rollups
//   periodically compact old events into summary rows so the table stays
//   bounded.
// - Constraint checks run synchronously at append time: the single-flight
//   and rate-limit checks abort the append, the token budget only warns.
// - WAL is enabled to support concurrent reads while writing.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/storyloom/storyloom-core/internal/config"
)

// ErrOrchestrationInFlight is returned when a new orchestration is started
// for a document whose previous orchestration has not emitted a completion
// event. This is a hard error, never a queued retry.
var ErrOrchestrationInFlight = errors.New("orchestration already in flight for document")

// ErrRateLimited is returned when the per-session orchestration-start rate
// limit is exceeded.
var ErrRateLimited = errors.New("orchestration rate limit exceeded")

// Event verbs.
const (
	VerbOrchestrationStarted   = "orchestration_started"
	VerbOrchestrationCompleted = "orchestration_completed"
	VerbOrchestrationFailed    = "orchestration_failed"
	VerbIntentClassified       = "intent_classified"
	VerbPlanCreated            = "plan_created"
	VerbActionCompleted        = "action_completed"
	VerbActionFailed           = "action_failed"
	VerbConfirmationResolved   = "confirmation_resolved"
	VerbTokensConsumed         = "tokens_consumed"
)

// Event is one append-only ledger delta.
type Event struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	TimestampMs    int64             `json:"timestamp_unix_ms"`
	SessionID      string            `json:"session_id"`
	DocumentID     string            `json:"document_id,omitempty"`
	Actor          string            `json:"actor"`
	Verb           string            `json:"verb"`
	Object         string            `json:"object,omitempty"`
	AttributesDiff map[string]string `json:"attributes_diff,omitempty"`
	Context        string            `json:"context,omitempty"`
	DerivedFrom    []string          `json:"derived_from,omitempty"`
	Attestation    Attestation       `json:"attestation"`
	Tokens         int64             `json:"tokens,omitempty"`
	Score          float64           `json:"score"`
}

// Rollup is one compacted summary of a span of events.
type Rollup struct {
	ID         int64            `json:"id"`
	FromSeq    int64            `json:"from_seq"`
	ToSeq      int64            `json:"to_seq"`
	EventCount int64            `json:"event_count"`
	Tokens     int64            `json:"tokens"`
	VerbCounts map[string]int64 `json:"verb_counts"`
	CreatedMs  int64            `json:"created_at_unix_ms"`
}

type Store struct {
	db     *sql.DB
	log    *slog.Logger
	cfg    config.LedgerConfig
	scorer Scorer
	attest func() Attestation
}

// Options tunes store construction. Zero values select the defaults.
type Options struct {
	Log    *slog.Logger
	Scorer Scorer
	// Attest overrides attestation capture (tests).
	Attest func() Attestation
}

// Open opens (or creates) the ledger database. An empty cfg.Path selects
// an in-memory database.
func Open(cfg config.LedgerConfig, opts Options) (*Store, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if strings.TrimSpace(cfg.Path) == "" {
		path = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = NewHashScorer(cfg.ScoringWeights)
	}
	attest := opts.Attest
	if attest == nil {
		attest = CaptureAttestation
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 10
	}
	if cfg.RollupEvery <= 0 {
		cfg.RollupEvery = 50
	}
	return &Store{db: db, log: log, cfg: cfg, scorer: scorer, attest: attest}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append validates constraints, scores and attests the event, and inserts
// it. The stored event (seq, id, timestamp, score filled in) is returned.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	if s == nil || s.db == nil {
		return Event{}, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.Verb = strings.TrimSpace(e.Verb)
	e.Actor = strings.TrimSpace(e.Actor)
	if e.SessionID == "" || e.Verb == "" {
		return Event{}, errors.New("invalid event: missing session_id or verb")
	}
	if e.Actor == "" {
		e.Actor = "orchestrator"
	}

	now := time.Now().UnixMilli()
	if e.TimestampMs <= 0 {
		e.TimestampMs = now
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}

	if e.Verb == VerbOrchestrationStarted {
		if err := s.checkSingleFlight(ctx, e.DocumentID); err != nil {
			return Event{}, err
		}
		if err := s.checkRateLimit(ctx, e.SessionID, e.TimestampMs); err != nil {
			return Event{}, err
		}
	}
	if e.Tokens > 0 {
		s.warnTokenBudget(ctx, e.SessionID, e.Tokens)
	}

	e.Attestation = s.attest()
	e.Score = s.scorer.Score(e, now)

	attrs, err := json.Marshal(e.AttributesDiff)
	if err != nil {
		return Event{}, fmt.Errorf("marshal attributes_diff: %w", err)
	}
	derived, err := json.Marshal(e.DerivedFrom)
	if err != nil {
		return Event{}, fmt.Errorf("marshal derived_from: %w", err)
	}
	attest, err := json.Marshal(e.Attestation)
	if err != nil {
		return Event{}, fmt.Errorf("marshal attestation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_events(
  event_id, timestamp_unix_ms, session_id, document_id,
  actor, verb, object, attributes_diff, context, derived_from,
  attestation, tokens, score
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		e.ID,
		e.TimestampMs,
		e.SessionID,
		strings.TrimSpace(e.DocumentID),
		e.Actor,
		e.Verb,
		strings.TrimSpace(e.Object),
		string(attrs),
		strings.TrimSpace(e.Context),
		string(derived),
		string(attest),
		e.Tokens,
		e.Score,
	)
	if err != nil {
		return Event{}, err
	}
	e.Seq, _ = res.LastInsertId()

	if err := s.maybeRollup(ctx); err != nil {
		// Compaction failures never fail the append.
		s.log.Warn("ledger rollup failed", "err", err)
	}
	return e, nil
}

// checkSingleFlight enforces one orchestration per document at a time: the
// latest lifecycle event for the document must not be a bare start.
func (s *Store) checkSingleFlight(ctx context.Context, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil
	}
	var verb string
	err := s.db.QueryRowContext(ctx, `
SELECT verb
FROM ledger_events
WHERE document_id = ? AND verb IN (?, ?, ?)
ORDER BY seq DESC
LIMIT 1
`, documentID, VerbOrchestrationStarted, VerbOrchestrationCompleted, VerbOrchestrationFailed).Scan(&verb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if verb == VerbOrchestrationStarted {
		return fmt.Errorf("%w: %s", ErrOrchestrationInFlight, documentID)
	}
	return nil
}

func (s *Store) checkRateLimit(ctx context.Context, sessionID string, nowMs int64) error {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM ledger_events
WHERE session_id = ? AND verb = ? AND timestamp_unix_ms > ?
`, sessionID, VerbOrchestrationStarted, nowMs-60_000).Scan(&n)
	if err != nil {
		return err
	}
	if n >= s.cfg.RateLimitPerMinute {
		return fmt.Errorf("%w: %d starts in the last minute (limit %d)", ErrRateLimited, n, s.cfg.RateLimitPerMinute)
	}
	return nil
}

// warnTokenBudget is advisory: exceeding the budget logs, never blocks.
func (s *Store) warnTokenBudget(ctx context.Context, sessionID string, incoming int64) {
	if s.cfg.TokenBudget <= 0 {
		return
	}
	var spent sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(tokens), 0)
FROM ledger_events
WHERE session_id = ?
`, sessionID).Scan(&spent); err != nil {
		return
	}
	if spent.Int64+incoming > s.cfg.TokenBudget {
		s.log.Warn("session token budget exceeded",
			"session", sessionID, "spent", spent.Int64+incoming, "budget", s.cfg.TokenBudget)
	}
}

// InFlight reports whether an orchestration is currently open for the
// document.
func (s *Store) InFlight(ctx context.Context, documentID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("ledger not initialized")
	}
	err := s.checkSingleFlight(ctx, documentID)
	if errors.Is(err, ErrOrchestrationInFlight) {
		return true, nil
	}
	return false, err
}

// Events returns the most recent events for a session in ascending seq
// order.
func (s *Store) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT seq, event_id, timestamp_unix_ms, session_id, document_id,
       actor, verb, object, attributes_diff, context, derived_from,
       attestation, tokens, score
FROM ledger_events
WHERE session_id = ?
ORDER BY seq DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tmp := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		tmp = append(tmp, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var attrs, derived, attest string
	if err := rows.Scan(
		&e.Seq,
		&e.ID,
		&e.TimestampMs,
		&e.SessionID,
		&e.DocumentID,
		&e.Actor,
		&e.Verb,
		&e.Object,
		&attrs,
		&e.Context,
		&derived,
		&attest,
		&e.Tokens,
		&e.Score,
	); err != nil {
		return Event{}, err
	}
	if attrs != "" && attrs != "null" {
		_ = json.Unmarshal([]byte(attrs), &e.AttributesDiff)
	}
	if derived != "" && derived != "null" {
		_ = json.Unmarshal([]byte(derived), &e.DerivedFrom)
	}
	if attest != "" {
		_ = json.Unmarshal([]byte(attest), &e.Attestation)
	}
	return e, nil
}

// maybeRollup compacts everything but the newest RollupEvery events into a
// summary row once the live table grows past twice that size.
func (s *Store) maybeRollup(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_events`).Scan(&count); err != nil {
		return err
	}
	keep := int64(s.cfg.RollupEvery)
	if count < 2*keep {
		return nil
	}

	var cutoff int64
	if err := s.db.QueryRowContext(ctx, `
SELECT seq FROM ledger_events ORDER BY seq DESC LIMIT 1 OFFSET ?
`, keep-1).Scan(&cutoff); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT seq, verb, tokens FROM ledger_events WHERE seq < ?
`, cutoff)
	if err != nil {
		return err
	}
	verbCounts := map[string]int64{}
	var fromSeq, toSeq, rolled, tokens int64
	for rows.Next() {
		var seq, tok int64
		var verb string
		if err := rows.Scan(&seq, &verb, &tok); err != nil {
			rows.Close()
			return err
		}
		if fromSeq == 0 || seq < fromSeq {
			fromSeq = seq
		}
		if seq > toSeq {
			toSeq = seq
		}
		verbCounts[verb]++
		tokens += tok
		rolled++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if rolled == 0 {
		return nil
	}

	verbsJSON, err := json.Marshal(verbCounts)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_rollups(from_seq, to_seq, event_count, tokens, verb_counts, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, fromSeq, toSeq, rolled, tokens, string(verbsJSON), time.Now().UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_events WHERE seq < ?`, cutoff); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("ledger compacted", "events", rolled, "from", fromSeq, "to", toSeq)
	return nil
}

// Rollups returns all compaction summaries, oldest first.
func (s *Store) Rollups(ctx context.Context) ([]Rollup, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("ledger not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_seq, to_seq, event_count, tokens, verb_counts, created_at_unix_ms
FROM ledger_rollups
ORDER BY id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var r Rollup
		var verbs string
		if err := rows.Scan(&r.ID, &r.FromSeq, &r.ToSeq, &r.EventCount, &r.Tokens, &verbs, &r.CreatedMs); err != nil {
			return nil, err
		}
		if verbs != "" {
			_ = json.Unmarshal([]byte(verbs), &r.VerbCounts)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS ledger_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  timestamp_unix_ms INTEGER NOT NULL,
  session_id TEXT NOT NULL,
  document_id TEXT NOT NULL DEFAULT '',
  actor TEXT NOT NULL,
  verb TEXT NOT NULL,
  object TEXT NOT NULL DEFAULT '',
  attributes_diff TEXT NOT NULL DEFAULT '{}',
  context TEXT NOT NULL DEFAULT '',
  derived_from TEXT NOT NULL DEFAULT '[]',
  attestation TEXT NOT NULL DEFAULT '{}',
  tokens INTEGER NOT NULL DEFAULT 0,
  score REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_session ON ledger_events(session_id, seq ASC);
CREATE INDEX IF NOT EXISTS idx_ledger_events_document ON ledger_events(document_id, seq DESC);
CREATE TABLE IF NOT EXISTS ledger_rollups (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  from_seq INTEGER NOT NULL,
  to_seq INTEGER NOT NULL,
  event_count INTEGER NOT NULL,
  tokens INTEGER NOT NULL DEFAULT 0,
  verb_counts TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}
	return nil
}
