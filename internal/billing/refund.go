package billing

import "time"

// Refund reasons sent to the ledger.
const (
	RefundReasonConnectionFailed = "connection_failed"
	RefundReasonShortCall        = "short_call"
)

// RefundPolicy decides how much quota goes back to the user when a session ends.
type RefundPolicy struct {
	Enabled   bool
	FullBelow time.Duration // Whole first minute refunded below this call length
	HalfBelow time.Duration // Half of the first minute refunded below this call length
}

// Refund returns the amount to credit back and the ledger reason, or 0 when
// nothing is owed. A session that paid minute 1 but never became active gets
// that minute back. So does one whose minute 1 debit never got a definitive
// answer; that refund must be tied to the debit (ReversesPreauth). A call that
// became active and was billed exactly one minute gets a full or half refund
// depending on how long it lasted.
func (p RefundPolicy) Refund(snap Snapshot, wasActive bool, callLength time.Duration) (int64, string) {
	if !wasActive {
		minutes := snap.BilledMinutes
		if ReversesPreauth(snap, wasActive) {
			minutes = 1
		}
		if minutes < 1 {
			return 0, ""
		}
		return int64(minutes) * snap.PerMinuteRate, RefundReasonConnectionFailed
	}
	if !p.Enabled || snap.BilledMinutes != 1 {
		return 0, ""
	}
	switch {
	case callLength < p.FullBelow:
		return snap.PerMinuteRate, RefundReasonShortCall
	case callLength < p.HalfBelow:
		return snap.PerMinuteRate / 2, RefundReasonShortCall
	default:
		return 0, ""
	}
}

// ReversesPreauth reports whether the connection_failed refund covers a
// minute 1 debit the ledger may or may not have applied.
func ReversesPreauth(snap Snapshot, wasActive bool) bool {
	return !wasActive && snap.BilledMinutes == 0 && snap.Unconfirmed == 1
}
