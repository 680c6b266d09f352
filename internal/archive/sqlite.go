package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

const archiveSchemaSQL = `
CREATE TABLE IF NOT EXISTS voice_chat_sessions (
	session_id      TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	billed_minutes  INTEGER NOT NULL,
	elapsed_seconds INTEGER NOT NULL,
	total_charge    INTEGER NOT NULL,
	refunded        INTEGER NOT NULL DEFAULT 0,
	per_minute_rate INTEGER NOT NULL,
	ended_reason    TEXT NOT NULL,
	started_at      TEXT NOT NULL DEFAULT '',
	ended_at        TEXT NOT NULL,
	archived_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_voice_chat_sessions_user ON voice_chat_sessions(user_id, ended_at);
`

// SQLiteStore writes summaries to the voice_chat_sessions table.
type SQLiteStore struct {
	db *sql.DB
}

var _ ReadStore = (*SQLiteStore)(nil)

// OpenSQLiteStore opens or creates the archive database at the given path.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening archive db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the archive database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Write inserts the summary. A session_id that is already stored is left untouched.
func (s *SQLiteStore) Write(ctx context.Context, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO voice_chat_sessions
		(session_id, user_id, billed_minutes, elapsed_seconds, total_charge, refunded,
		 per_minute_rate, ended_reason, started_at, ended_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.UserID, sum.BilledMinutes, sum.ElapsedSeconds, sum.TotalCharge, sum.Refunded,
		sum.PerMinuteRate, sum.EndedReason, formatTime(sum.StartedAt), formatTime(sum.EndedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting summary: %w", err)
	}
	return nil
}

// Get returns the stored summary for a session.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (Summary, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, user_id, billed_minutes, elapsed_seconds,
		total_charge, refunded, per_minute_rate, ended_reason, started_at, ended_at
		FROM voice_chat_sessions WHERE session_id = ?`, sessionID)

	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	return sum, true, nil
}

// ListByUser returns a user's summaries, most recent first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, user_id, billed_minutes, elapsed_seconds,
		total_charge, refunded, per_minute_rate, ended_reason, started_at, ended_at
		FROM voice_chat_sessions WHERE user_id = ? ORDER BY ended_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Count returns the number of stored summaries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM voice_chat_sessions").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (Summary, error) {
	var sum Summary
	var startedAt, endedAt string
	err := sc.Scan(&sum.SessionID, &sum.UserID, &sum.BilledMinutes, &sum.ElapsedSeconds,
		&sum.TotalCharge, &sum.Refunded, &sum.PerMinuteRate, &sum.EndedReason, &startedAt, &endedAt)
	if err != nil {
		return Summary{}, err
	}
	sum.StartedAt = parseTime(startedAt)
	sum.EndedAt = parseTime(endedAt)
	return sum, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
