// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - sessions:  Started, activated and ended (per end reason)
//   - debits:    Outcomes of minute debits, retries and billing anomalies
//   - refunds:   Pre-authorization and short-call refunds
//   - archive:   Summary writes and failures
//
// A nil *MetricsCollector is valid and records nothing.
package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Session counters
	sessionsStarted   atomic.Int64
	sessionsActivated atomic.Int64
	sessionsEnded     atomic.Int64

	// Debit counters
	debitsOK           atomic.Int64
	debitsInsufficient atomic.Int64
	debitsTransient    atomic.Int64
	debitsRejected     atomic.Int64
	debitRetries       atomic.Int64
	duplicateDebits    atomic.Int64 // Duplicate reported on a first attempt (bug indicator)
	chargeMismatches   atomic.Int64 // Ledger charged a different amount than requested
	minutesBilled      atomic.Int64
	quotaCharged       atomic.Int64

	// Refund counters
	refunds       atomic.Int64
	refundsFailed atomic.Int64
	quotaRefunded atomic.Int64

	// Archive counters
	archiveWrites   atomic.Int64
	archiveFailures atomic.Int64
	archiveDropped  atomic.Int64

	endMu      sync.Mutex
	endReasons map[string]int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt:  time.Now(),
		endReasons: make(map[string]int64),
	}
}

// RecordSessionStarted records a session entering pre-authorization.
func (mc *MetricsCollector) RecordSessionStarted() {
	if mc == nil {
		return
	}
	mc.sessionsStarted.Add(1)
}

// RecordSessionActivated records a provider "connected" transition.
func (mc *MetricsCollector) RecordSessionActivated() {
	if mc == nil {
		return
	}
	mc.sessionsActivated.Add(1)
}

// RecordSessionEnded records a finished session and why it ended.
func (mc *MetricsCollector) RecordSessionEnded(reason string) {
	if mc == nil {
		return
	}
	mc.sessionsEnded.Add(1)
	mc.endMu.Lock()
	mc.endReasons[reason]++
	mc.endMu.Unlock()
}

// RecordDebitSuccess records a confirmed minute debit.
func (mc *MetricsCollector) RecordDebitSuccess(charged int64) {
	if mc == nil {
		return
	}
	mc.debitsOK.Add(1)
	mc.minutesBilled.Add(1)
	mc.quotaCharged.Add(charged)
}

// RecordDebitInsufficient records an insufficient_funds outcome.
func (mc *MetricsCollector) RecordDebitInsufficient() {
	if mc == nil {
		return
	}
	mc.debitsInsufficient.Add(1)
}

// RecordDebitTransient records a debit that stayed transient after its retry.
func (mc *MetricsCollector) RecordDebitTransient() {
	if mc == nil {
		return
	}
	mc.debitsTransient.Add(1)
}

// RecordDebitRejected records a debit the ledger refused outright (bad request, auth).
func (mc *MetricsCollector) RecordDebitRejected() {
	if mc == nil {
		return
	}
	mc.debitsRejected.Add(1)
}

// RecordDebitRetry records a retry of a transiently failed debit.
func (mc *MetricsCollector) RecordDebitRetry() {
	if mc == nil {
		return
	}
	mc.debitRetries.Add(1)
}

// RecordDuplicateDebit records a duplicate reported on a first attempt.
func (mc *MetricsCollector) RecordDuplicateDebit() {
	if mc == nil {
		return
	}
	mc.duplicateDebits.Add(1)
}

// RecordChargeMismatch records a ledger charge that differs from the rate.
func (mc *MetricsCollector) RecordChargeMismatch() {
	if mc == nil {
		return
	}
	mc.chargeMismatches.Add(1)
}

// RecordRefund records a refund attempt.
func (mc *MetricsCollector) RecordRefund(amount int64, ok bool) {
	if mc == nil {
		return
	}
	if !ok {
		mc.refundsFailed.Add(1)
		return
	}
	mc.refunds.Add(1)
	mc.quotaRefunded.Add(amount)
}

// RecordArchiveWrite records the final result of archiving one summary.
func (mc *MetricsCollector) RecordArchiveWrite(ok bool) {
	if mc == nil {
		return
	}
	if ok {
		mc.archiveWrites.Add(1)
	} else {
		mc.archiveFailures.Add(1)
	}
}

// RecordArchiveDropped records a summary rejected as a duplicate or after close.
func (mc *MetricsCollector) RecordArchiveDropped() {
	if mc == nil {
		return
	}
	mc.archiveDropped.Add(1)
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
// End reasons are reported as "ended:<reason>".
func (mc *MetricsCollector) Stats() map[string]int64 {
	stats := map[string]int64{
		"sessions_started":    mc.sessionsStarted.Load(),
		"sessions_activated":  mc.sessionsActivated.Load(),
		"sessions_ended":      mc.sessionsEnded.Load(),
		"debits_ok":           mc.debitsOK.Load(),
		"debits_insufficient": mc.debitsInsufficient.Load(),
		"debits_transient":    mc.debitsTransient.Load(),
		"debits_rejected":     mc.debitsRejected.Load(),
		"debit_retries":       mc.debitRetries.Load(),
		"duplicate_debits":    mc.duplicateDebits.Load(),
		"charge_mismatches":   mc.chargeMismatches.Load(),
		"minutes_billed":      mc.minutesBilled.Load(),
		"quota_charged":       mc.quotaCharged.Load(),
		"refunds":             mc.refunds.Load(),
		"refunds_failed":      mc.refundsFailed.Load(),
		"quota_refunded":      mc.quotaRefunded.Load(),
		"archive_writes":      mc.archiveWrites.Load(),
		"archive_failures":    mc.archiveFailures.Load(),
		"archive_dropped":     mc.archiveDropped.Load(),
	}

	mc.endMu.Lock()
	for reason, n := range mc.endReasons {
		stats["ended:"+reason] = n
	}
	mc.endMu.Unlock()
	return stats
}

// Summary renders the counters as a single sorted line for shutdown logs.
func (mc *MetricsCollector) Summary() string {
	stats := mc.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "uptime=" + formatDuration(time.Since(mc.startedAt))
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%d", k, stats[k])
	}
	return out
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
