package ledger

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

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id         TEXT PRIMARY KEY,
	remaining_quota INTEGER NOT NULL CHECK (remaining_quota >= 0),
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS debits (
	idempotency_key TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	minute_index    INTEGER NOT NULL,
	amount          INTEGER NOT NULL,
	balance_after   INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_debits_session_minute ON debits(session_id, minute_index);

CREATE TABLE IF NOT EXISTS refunds (
	idempotency_key TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	amount          INTEGER NOT NULL,
	reason          TEXT NOT NULL,
	balance_after   INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);
`

// DebitRecord is one applied minute debit.
type DebitRecord struct {
	IdempotencyKey string
	SessionID      string
	UserID         string
	MinuteIndex    int
	Amount         int64
	BalanceAfter   int64
	CreatedAt      time.Time
}

// SQLiteLedger is a ledger backed by a local SQLite database. It applies the
// same check-and-debit and idempotency rules as the remote service.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ Service = (*SQLiteLedger)(nil)

// OpenSQLite opens or creates the ledger database at the given path.
func OpenSQLite(dbPath string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	// One connection serializes every balance mutation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteLedger{db: db, now: time.Now}, nil
}

// Close closes the ledger database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// SetBalance creates the account or overwrites its remaining quota.
func (l *SQLiteLedger) SetBalance(ctx context.Context, userID string, quota int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if quota < 0 {
		return fmt.Errorf("%w: quota must be >= 0, got %d", ErrInvalidRequest, quota)
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO accounts (user_id, remaining_quota, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET remaining_quota = excluded.remaining_quota, updated_at = excluded.updated_at`,
		userID, quota, l.timestamp())
	if err != nil {
		return fmt.Errorf("setting balance: %w", err)
	}
	return nil
}

// Balance returns the user's remaining quota.
func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var quota int64
	err := l.db.QueryRowContext(ctx, "SELECT remaining_quota FROM accounts WHERE user_id = ?", userID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return quota, nil
}

// Debit applies one minute debit atomically. A key that was already applied,
// or a (session, minute) pair that was already charged, returns a duplicate
// success without touching the balance.
func (l *SQLiteLedger) Debit(ctx context.Context, req DebitRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM debits
		WHERE idempotency_key = ? OR (session_id = ? AND minute_index = ?)`,
		req.IdempotencyKey, req.SessionID, req.MinuteIndex).Scan(&existing)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}

	balance, err := l.balanceTx(ctx, tx, req.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if existing > 0 {
		return Outcome{Kind: OutcomeSuccess, NewBalance: balance, Duplicate: true}, nil
	}

	now := l.timestamp()
	res, err := tx.ExecContext(ctx, `UPDATE accounts
		SET remaining_quota = remaining_quota - ?, updated_at = ?
		WHERE user_id = ? AND remaining_quota >= ?`,
		req.Amount, now, req.UserID, req.Amount)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Outcome{Kind: OutcomeInsufficientFunds, NewBalance: balance}, nil
	}

	newBalance := balance - req.Amount
	_, err = tx.ExecContext(ctx, `INSERT INTO debits
		(idempotency_key, session_id, user_id, minute_index, amount, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.IdempotencyKey, req.SessionID, req.UserID, req.MinuteIndex, req.Amount, newBalance, now)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}

	if err := tx.Commit(); err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}
	return Outcome{Kind: OutcomeSuccess, NewBalance: newBalance, Charged: req.Amount}, nil
}

// Refund credits quota back to the user once per idempotency key.
func (l *SQLiteLedger) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := req.Validate(); err != nil {
		return RefundResult{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return RefundResult{}, fmt.Errorf("starting refund: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := l.balanceTx(ctx, tx, req.UserID)
	if err != nil {
		return RefundResult{}, err
	}

	var prior int64
	err = tx.QueryRowContext(ctx, "SELECT amount FROM refunds WHERE idempotency_key = ?", req.IdempotencyKey).Scan(&prior)
	if err == nil {
		return RefundResult{Refunded: prior, NewBalance: balance, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return RefundResult{}, fmt.Errorf("checking refund: %w", err)
	}

	if req.DebitKey != "" {
		var debited int64
		err = tx.QueryRowContext(ctx, "SELECT amount FROM debits WHERE idempotency_key = ? AND user_id = ?",
			req.DebitKey, req.UserID).Scan(&debited)
		if errors.Is(err, sql.ErrNoRows) {
			return RefundResult{NewBalance: balance, Unmatched: true}, nil
		}
		if err != nil {
			return RefundResult{}, fmt.Errorf("checking refunded debit: %w", err)
		}
	}

	now := l.timestamp()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET remaining_quota = remaining_quota + ?, updated_at = ? WHERE user_id = ?`,
		req.Amount, now, req.UserID); err != nil {
		return RefundResult{}, fmt.Errorf("crediting refund: %w", err)
	}

	newBalance := balance + req.Amount
	if _, err := tx.ExecContext(ctx, `INSERT INTO refunds
		(idempotency_key, session_id, user_id, amount, reason, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.IdempotencyKey, req.SessionID, req.UserID, req.Amount, req.Reason, newBalance, now); err != nil {
		return RefundResult{}, fmt.Errorf("recording refund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RefundResult{}, fmt.Errorf("committing refund: %w", err)
	}
	return RefundResult{Refunded: req.Amount, NewBalance: newBalance}, nil
}

// Debits returns the applied debits for a session ordered by minute.
func (l *SQLiteLedger) Debits(ctx context.Context, sessionID string) ([]DebitRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT idempotency_key, session_id, user_id, minute_index, amount, balance_after, created_at
		FROM debits WHERE session_id = ? ORDER BY minute_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DebitRecord
	for rows.Next() {
		var d DebitRecord
		var created string
		if err := rows.Scan(&d.IdempotencyKey, &d.SessionID, &d.UserID, &d.MinuteIndex, &d.Amount, &d.BalanceAfter, &created); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) balanceTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var quota int64
	err := tx.QueryRowContext(ctx, "SELECT remaining_quota FROM accounts WHERE user_id = ?", userID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return quota, nil
}

func (l *SQLiteLedger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}
