// Package store implements the durable persistence gateway on SQLite.
//
// The store owns sessions (cumulative totals of record), delta records
// (signed per-session increments, ordered by a per-session sequence number),
// and raw snapshots (an unconditional append-only audit trail). Delta and
// snapshot rows are immutable once written.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tallyd/internal/usage"
)

// Schema for the tallyd usage store.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    project_path    TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    input_tokens    INTEGER NOT NULL DEFAULT 0,
    output_tokens   INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cost_usd        REAL NOT NULL DEFAULT 0,
    lines_added     INTEGER NOT NULL DEFAULT 0,
    lines_removed   INTEGER NOT NULL DEFAULT 0,
    web_searches    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path, updated_at);

CREATE TABLE IF NOT EXISTS deltas (
    session_id      TEXT NOT NULL REFERENCES sessions(session_id),
    seq             INTEGER NOT NULL,
    recorded_at     INTEGER NOT NULL,
    input_tokens    INTEGER NOT NULL,
    output_tokens   INTEGER NOT NULL,
    cache_creation_tokens INTEGER NOT NULL,
    cache_read_tokens     INTEGER NOT NULL,
    cost_usd        REAL NOT NULL,
    lines_added     INTEGER NOT NULL,
    lines_removed   INTEGER NOT NULL,
    web_searches    INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS raw_snapshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    project_path    TEXT NOT NULL,
    captured_at     INTEGER NOT NULL,
    input_tokens    INTEGER NOT NULL,
    output_tokens   INTEGER NOT NULL,
    cache_creation_tokens INTEGER NOT NULL,
    cache_read_tokens     INTEGER NOT NULL,
    cost_usd        REAL NOT NULL,
    lines_added     INTEGER NOT NULL,
    lines_removed   INTEGER NOT NULL,
    web_searches    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_snapshots_session ON raw_snapshots(session_id, captured_at);
CREATE INDEX IF NOT EXISTS idx_raw_snapshots_time ON raw_snapshots(captured_at);
`

// Session is a durable session row: identity plus cumulative totals of record.
type Session struct {
	SessionID   string
	ProjectPath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Totals      usage.Snapshot
}

// DeltaRecord is one immutable signed increment for a session.
type DeltaRecord struct {
	SessionID  string
	Seq        int64
	RecordedAt time.Time
	Delta      usage.Delta
}

// RawSnapshot is one append-only audit row.
type RawSnapshot struct {
	ID          int64
	SessionID   string
	ProjectPath string
	Snapshot    usage.Snapshot
}

// Store is the SQLite-backed persistence gateway.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies the
// schema.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EnsureSession creates a session row if one does not exist. The creation
// timestamp of an existing session is never overwritten.
func (s *Store) EnsureSession(sessionID, projectPath string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, project_path, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, projectPath, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}
	return nil
}

// AppendRawSnapshot appends one audit row for a session. Called on every
// cycle that observes the session, whether or not anything changed.
func (s *Store) AppendRawSnapshot(sessionID, projectPath string, snap usage.Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO raw_snapshots (session_id, project_path, captured_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, projectPath, snap.CapturedAt.UnixNano(),
		snap.InputTokens, snap.OutputTokens, snap.CacheCreationTokens, snap.CacheReadTokens,
		snap.CostUSD, snap.LinesAdded, snap.LinesRemoved, snap.WebSearchRequests,
	)
	if err != nil {
		return fmt.Errorf("append raw snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// UpsertSessionTotals overwrites a session's cumulative totals and bumps its
// last-updated timestamp to the snapshot's capture time.
func (s *Store) UpsertSessionTotals(sessionID string, snap usage.Snapshot) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET
			updated_at = ?,
			input_tokens = ?, output_tokens = ?,
			cache_creation_tokens = ?, cache_read_tokens = ?,
			cost_usd = ?, lines_added = ?, lines_removed = ?, web_searches = ?
		WHERE session_id = ?`,
		snap.CapturedAt.UnixNano(),
		snap.InputTokens, snap.OutputTokens,
		snap.CacheCreationTokens, snap.CacheReadTokens,
		snap.CostUSD, snap.LinesAdded, snap.LinesRemoved, snap.WebSearchRequests,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("upsert totals for %s: %w", sessionID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("upsert totals: session not found: %s", sessionID)
	}
	return nil
}

// AppendDelta appends a delta record with the next per-session sequence
// number and returns that number.
func (s *Store) AppendDelta(sessionID string, d usage.Delta) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM deltas WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next delta seq for %s: %w", sessionID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO deltas (session_id, seq, recorded_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, d.CapturedAt.UnixNano(),
		d.InputTokens, d.OutputTokens, d.CacheCreationTokens, d.CacheReadTokens,
		d.CostUSD, d.LinesAdded, d.LinesRemoved, d.WebSearchRequests,
	)
	if err != nil {
		return 0, fmt.Errorf("append delta for %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return seq, nil
}

// GetSession retrieves a session by identifier, or nil if absent.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	var createdNs, updatedNs int64

	err := s.db.QueryRow(`
		SELECT session_id, project_path, created_at, updated_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.ProjectPath, &createdNs, &updatedNs,
		&sess.Totals.InputTokens, &sess.Totals.OutputTokens,
		&sess.Totals.CacheCreationTokens, &sess.Totals.CacheReadTokens,
		&sess.Totals.CostUSD, &sess.Totals.LinesAdded, &sess.Totals.LinesRemoved,
		&sess.Totals.WebSearchRequests)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.CreatedAt = time.Unix(0, createdNs)
	sess.UpdatedAt = time.Unix(0, updatedNs)
	sess.Totals.CapturedAt = sess.UpdatedAt
	return &sess, nil
}

// ListSessions returns all sessions ordered by last update, newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, project_path, created_at, updated_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var createdNs, updatedNs int64
		if err := rows.Scan(&sess.SessionID, &sess.ProjectPath, &createdNs, &updatedNs,
			&sess.Totals.InputTokens, &sess.Totals.OutputTokens,
			&sess.Totals.CacheCreationTokens, &sess.Totals.CacheReadTokens,
			&sess.Totals.CostUSD, &sess.Totals.LinesAdded, &sess.Totals.LinesRemoved,
			&sess.Totals.WebSearchRequests); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(0, createdNs)
		sess.UpdatedAt = time.Unix(0, updatedNs)
		sess.Totals.CapturedAt = sess.UpdatedAt
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeltasBySession returns a session's delta records ordered by sequence.
func (s *Store) DeltasBySession(sessionID string) ([]DeltaRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, seq, recorded_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches
		FROM deltas WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var records []DeltaRecord
	for rows.Next() {
		var r DeltaRecord
		var recordedNs int64
		if err := rows.Scan(&r.SessionID, &r.Seq, &recordedNs,
			&r.Delta.InputTokens, &r.Delta.OutputTokens,
			&r.Delta.CacheCreationTokens, &r.Delta.CacheReadTokens,
			&r.Delta.CostUSD, &r.Delta.LinesAdded, &r.Delta.LinesRemoved,
			&r.Delta.WebSearchRequests); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		r.RecordedAt = time.Unix(0, recordedNs)
		r.Delta.CapturedAt = r.RecordedAt
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	return records, nil
}

// SnapshotsBySession returns a session's raw audit rows ordered by capture
// time.
func (s *Store) SnapshotsBySession(sessionID string) ([]RawSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, project_path, captured_at,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			cost_usd, lines_added, lines_removed, web_searches
		FROM raw_snapshots WHERE session_id = ? ORDER BY captured_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query raw snapshots: %w", err)
	}
	defer rows.Close()

	return scanRawSnapshots(rows)
}

// SnapshotCount returns the number of audit rows for a session.
func (s *Store) SnapshotCount(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM raw_snapshots WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count raw snapshots: %w", err)
	}
	return n, nil
}

// Totals returns usage summed across all sessions.
func (s *Store) Totals() (usage.Snapshot, error) {
	var t usage.Snapshot
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0), COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(SUM(lines_added), 0),
			COALESCE(SUM(lines_removed), 0), COALESCE(SUM(web_searches), 0)
		FROM sessions`,
	).Scan(&t.InputTokens, &t.OutputTokens, &t.CacheCreationTokens, &t.CacheReadTokens,
		&t.CostUSD, &t.LinesAdded, &t.LinesRemoved, &t.WebSearchRequests)
	if err != nil {
		return usage.Snapshot{}, fmt.Errorf("sum session totals: %w", err)
	}
	return t, nil
}

// Ping verifies the database connection is still usable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// scanRawSnapshots is a helper to scan audit rows into a slice.
func scanRawSnapshots(rows *sql.Rows) ([]RawSnapshot, error) {
	var snaps []RawSnapshot

	for rows.Next() {
		var r RawSnapshot
		var capturedNs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProjectPath, &capturedNs,
			&r.Snapshot.InputTokens, &r.Snapshot.OutputTokens,
			&r.Snapshot.CacheCreationTokens, &r.Snapshot.CacheReadTokens,
			&r.Snapshot.CostUSD, &r.Snapshot.LinesAdded, &r.Snapshot.LinesRemoved,
			&r.Snapshot.WebSearchRequests); err != nil {
			return nil, fmt.Errorf("scan raw snapshot: %w", err)
		}
		r.Snapshot.CapturedAt = time.Unix(0, capturedNs)
		snaps = append(snaps, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw snapshots: %w", err)
	}
	return snaps, nil
}
