// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// Billing constants mirror the live voice product: 8 points per minute, 10 minute cap.
package config

import "time"

// =============================================================================
// BILLING DEFAULTS
// =============================================================================

// DefaultPerMinuteRate is the quota charged for each started minute of a call.
const DefaultPerMinuteRate = 8

// DefaultMaxMinutes is the hard cap on billed minutes for one session.
const DefaultMaxMinutes = 10

// DefaultTickInterval is how often the elapsed-time tracker advances by one second.
const DefaultTickInterval = 1 * time.Second

// DefaultDebitTimeout bounds a single debit attempt. A timed-out attempt is transient.
// Two attempts must fit well inside one minute of grace.
const DefaultDebitTimeout = 8 * time.Second

// DefaultLowBalanceMinutes is the number of minutes of remaining quota below which
// the low-balance warning fires.
const DefaultLowBalanceMinutes = 2

// SecondsPerMinute is the billing unit.
const SecondsPerMinute = 60

// =============================================================================
// REFUND DEFAULTS
// =============================================================================

// DefaultFullRefundBelow refunds the whole first minute for calls shorter than this.
const DefaultFullRefundBelow = 10 * time.Second

// DefaultHalfRefundBelow refunds half of the first minute for calls shorter than this.
const DefaultHalfRefundBelow = 30 * time.Second

// DefaultRefundTimeout bounds the refund call made during teardown.
const DefaultRefundTimeout = 5 * time.Second

// =============================================================================
// LEDGER AND PROVIDER
// =============================================================================

// DefaultLedgerTimeout is the HTTP client timeout for the ledger service.
const DefaultLedgerTimeout = 10 * time.Second

// DefaultConnectTimeout bounds the provider dial.
const DefaultConnectTimeout = 15 * time.Second

// DefaultDisconnectTimeout bounds the provider close handshake during teardown.
const DefaultDisconnectTimeout = 3 * time.Second


// =============================================================================
// ARCHIVE DEFAULTS
// =============================================================================

// DefaultArchiveDriver selects the archive store.
const DefaultArchiveDriver = "sqlite"

// DefaultArchivePath is where the archive is written when no path is configured.
const DefaultArchivePath = "data/voice_sessions.db"

// DefaultArchiveRetryInterval is the pause between failed archive writes.
const DefaultArchiveRetryInterval = 2 * time.Second

// DefaultArchiveMaxAttempts caps archive write attempts per record.
const DefaultArchiveMaxAttempts = 5

// DefaultArchiveQueueSize is the archive backlog above which a warning is logged.
const DefaultArchiveQueueSize = 256
