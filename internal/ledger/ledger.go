// Package ledger talks to the quota ledger that owns users' prepaid balances.
//
// DESIGN: The ledger performs an atomic check-and-debit keyed by an idempotency
// key. Insufficient balance and transient failures are outcomes, not errors:
// callers stop the session or retry based on Outcome.Kind. A returned error means
// the ledger rejected the request for good (bad request, unauthorized, unknown user).
//
// FILES:
//   - ledger.go:  Interface, request/outcome types, idempotency keys
//   - client.go:  HTTP client for the ledger service
//   - sqlite.go:  SQLite-backed ledger with the same semantics (local/dev/tests)
//   - handler.go: HTTP handler exposing a Service over the wire contract
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest is returned for malformed debit or refund requests.
	ErrInvalidRequest = errors.New("ledger: invalid request")
	// ErrUnknownAccount is returned when the user has no quota account.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrUnauthorized is returned when the ledger rejects the API key.
	ErrUnauthorized = errors.New("ledger: unauthorized")
)

// keyNamespace scopes idempotency keys generated by this module.
var keyNamespace = uuid.MustParse("6f1c3b0e-9a57-4c43-8f0e-3d8a2f6b51c7")

// OutcomeKind classifies a debit result.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeInsufficientFunds OutcomeKind = "insufficient_funds"
	OutcomeTransient         OutcomeKind = "transient_error"
)

// DebitRequest charges one minute of a session.
type DebitRequest struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	MinuteIndex    int    `json:"minute_index"` // 1-based
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate checks required fields.
func (r DebitRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.MinuteIndex < 1:
		return fmt.Errorf("%w: minute_index must be >= 1, got %d", ErrInvalidRequest, r.MinuteIndex)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be > 0, got %d", ErrInvalidRequest, r.Amount)
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the typed result of a debit.
type Outcome struct {
	Kind       OutcomeKind
	NewBalance int64 // Balance after the debit; for insufficient_funds the balance that was too low
	Charged    int64 // Amount actually taken; 0 when Duplicate
	Duplicate  bool  // Ledger had already applied this idempotency key
	Err        error // Cause of a transient outcome
}

// RefundRequest returns quota to a user for a session.
type RefundRequest struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	DebitKey       string `json:"debit_key,omitempty"` // When set, credit only if this debit was applied
}

// Validate checks required fields.
func (r RefundRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be > 0, got %d", ErrInvalidRequest, r.Amount)
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}
	return nil
}

// RefundResult reports an applied refund.
type RefundResult struct {
	Refunded   int64
	NewBalance int64
	Duplicate  bool
	Unmatched  bool // DebitKey named a debit the ledger never applied; nothing was credited
}

// Ledger is what the billing path needs from the quota ledger.
type Ledger interface {
	Debit(ctx context.Context, req DebitRequest) (Outcome, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Service is a Ledger that can also report balances.
type Service interface {
	Ledger
	Balance(ctx context.Context, userID string) (int64, error)
}

// IdempotencyKey derives the debit key for one minute of a session.
// The same (sessionID, minute) always yields the same key.
func IdempotencyKey(sessionID string, minute int) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s:minute:%d", sessionID, minute))).String()
}

// RefundKey derives the refund key for a session. One refund per session and reason.
func RefundKey(sessionID, reason string) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s:refund:%s", sessionID, reason))).String()
}
