package billing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientQuota is returned by Preauthorize when minute 1 cannot be paid.
	ErrInsufficientQuota = errors.New("billing: insufficient quota")
	// ErrBillingFailed is returned by Preauthorize when the ledger could not confirm minute 1.
	ErrBillingFailed = errors.New("billing: debit failed")
	// ErrStopped is returned when the controller is stopping or stopped.
	ErrStopped = errors.New("billing: controller stopped")
	// ErrAlreadyPreauthorized is returned when minute 1 was already requested.
	ErrAlreadyPreauthorized = errors.New("billing: already preauthorized")
)

// =============================================================================
// STATE
// =============================================================================

// State is the controller's billing state. Capped, exhausted and failed are terminal.
type State int

const (
	StateIdle      State = iota // Nothing billed yet
	StateArmed                  // Waiting for the next minute boundary
	StateBilling                // One debit in flight
	StateCapped                 // max_minutes billed; waiting for the cap to elapse
	StateExhausted              // Ledger reported insufficient funds
	StateFailed                 // Ledger could not confirm a minute
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateBilling:
		return "billing"
	case StateCapped:
		return "capped"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further debits can be issued from this state.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateFailed
}

// =============================================================================
// END REASONS
// =============================================================================

// Reason is the human-readable reason a session ended.
type Reason string

const (
	ReasonQuotaExhausted Reason = "quota exhausted"
	ReasonMaxDuration    Reason = "max duration reached"
	ReasonBillingError   Reason = "billing error"
	ReasonConnectionLost Reason = "connection lost"
	ReasonUserHangUp     Reason = "user hang-up"
	ReasonCancelled      Reason = "cancelled"
)

// =============================================================================
// USER-FACING SIGNALS
// =============================================================================

// SignalKind identifies a user-facing billing notice.
type SignalKind string

const (
	// SignalLowBalance: remaining quota fell below the low-balance threshold.
	SignalLowBalance SignalKind = "low_balance"
	// SignalHardStop: a mid-call minute could not be paid.
	SignalHardStop SignalKind = "hard_stop"
	// SignalStartDenied: minute 1 could not be paid, the call never connects.
	SignalStartDenied SignalKind = "start_denied"
)

// Signal is a notice for the consuming UI.
type Signal struct {
	Kind      SignalKind
	SessionID string
	Minute    int
	Balance   int64
	Message   string
}

// =============================================================================
// CONFIG AND SNAPSHOT
// =============================================================================

// Config is fixed at session creation.
type Config struct {
	SessionID         string
	UserID            string
	PerMinuteRate     int64
	MaxMinutes        int
	DebitTimeout      time.Duration
	LowBalanceMinutes int
}

// Validate checks that the controller can bill with this config.
func (c Config) Validate() error {
	switch {
	case c.SessionID == "":
		return fmt.Errorf("billing: session_id is required")
	case c.UserID == "":
		return fmt.Errorf("billing: user_id is required")
	case c.PerMinuteRate <= 0:
		return fmt.Errorf("billing: per_minute_rate must be > 0, got %d", c.PerMinuteRate)
	case c.MaxMinutes <= 0:
		return fmt.Errorf("billing: max_minutes must be > 0, got %d", c.MaxMinutes)
	case c.DebitTimeout <= 0:
		return fmt.Errorf("billing: debit_timeout must be > 0")
	}
	return nil
}

// Snapshot is a point-in-time copy of the billing cycle.
type Snapshot struct {
	SessionID        string
	UserID           string
	State            State
	LastBilledMinute int
	BilledMinutes    int
	PerMinuteRate    int64
	MaxMinutes       int
	Charged          int64 // Sum of amounts the ledger reported as charged
	Balance          int64 // Last balance reported by the ledger
	BalanceKnown     bool
	ElapsedSeconds   int64 // Latest tick the controller processed
	InFlight         bool
	Unconfirmed      int // Minute whose debit ended without a definitive ledger answer; 0 if none
	Terminated       bool
	Reason           Reason
}

// TotalCharge is billed minutes times the per-minute rate.
func (s Snapshot) TotalCharge() int64 {
	return int64(s.BilledMinutes) * s.PerMinuteRate
}
