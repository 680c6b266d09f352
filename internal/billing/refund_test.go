package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefundPolicy(t *testing.T) {
	policy := RefundPolicy{Enabled: true, FullBelow: 10 * time.Second, HalfBelow: 30 * time.Second}
	snap := func(billed int) Snapshot {
		return Snapshot{BilledMinutes: billed, LastBilledMinute: billed, PerMinuteRate: 8}
	}

	tests := []struct {
		name       string
		policy     RefundPolicy
		snap       Snapshot
		active     bool
		length     time.Duration
		wantAmount int64
		wantReason string
	}{
		{"nothing billed", policy, snap(0), false, 0, 0, ""},
		{"never connected", policy, snap(1), false, 0, 8, RefundReasonConnectionFailed},
		{"never connected, refunds disabled", RefundPolicy{}, snap(1), false, 0, 8, RefundReasonConnectionFailed},
		{"very short call", policy, snap(1), true, 4 * time.Second, 8, RefundReasonShortCall},
		{"short call", policy, snap(1), true, 10 * time.Second, 4, RefundReasonShortCall},
		{"half threshold", policy, snap(1), true, 29 * time.Second, 4, RefundReasonShortCall},
		{"normal call", policy, snap(1), true, 30 * time.Second, 0, ""},
		{"two minutes", policy, snap(2), true, 5 * time.Second, 0, ""},
		{"unconfirmed preauth", policy, Snapshot{Unconfirmed: 1, PerMinuteRate: 8}, false, 0, 8, RefundReasonConnectionFailed},
		{"unconfirmed later minute", policy, Snapshot{BilledMinutes: 2, LastBilledMinute: 2, Unconfirmed: 3, PerMinuteRate: 8}, true, 125 * time.Second, 0, ""},
		{"disabled", RefundPolicy{FullBelow: 10 * time.Second, HalfBelow: 30 * time.Second}, snap(1), true, 4 * time.Second, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, reason := tt.policy.Refund(tt.snap, tt.active, tt.length)
			assert.Equal(t, tt.wantAmount, amount)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestReversesPreauth(t *testing.T) {
	assert.True(t, ReversesPreauth(Snapshot{Unconfirmed: 1}, false))
	assert.False(t, ReversesPreauth(Snapshot{Unconfirmed: 1}, true))
	assert.False(t, ReversesPreauth(Snapshot{BilledMinutes: 1, Unconfirmed: 2}, false))
	assert.False(t, ReversesPreauth(Snapshot{}, false))
}
