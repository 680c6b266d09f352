package monitoring

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMetricsCollector_Counters(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordSessionStarted()
	mc.RecordSessionActivated()
	mc.RecordDebitSuccess(8)
	mc.RecordDebitSuccess(8)
	mc.RecordDebitRetry()
	mc.RecordDebitTransient()
	mc.RecordDebitRejected()
	mc.RecordDebitInsufficient()
	mc.RecordDuplicateDebit()
	mc.RecordChargeMismatch()
	mc.RecordRefund(4, true)
	mc.RecordRefund(8, false)
	mc.RecordArchiveWrite(true)
	mc.RecordArchiveWrite(false)
	mc.RecordArchiveDropped()
	mc.RecordSessionEnded("quota exhausted")
	mc.RecordSessionEnded("quota exhausted")
	mc.RecordSessionEnded("user hang-up")

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats["sessions_started"])
	assert.Equal(t, int64(1), stats["sessions_activated"])
	assert.Equal(t, int64(3), stats["sessions_ended"])
	assert.Equal(t, int64(2), stats["debits_ok"])
	assert.Equal(t, int64(2), stats["minutes_billed"])
	assert.Equal(t, int64(16), stats["quota_charged"])
	assert.Equal(t, int64(1), stats["debit_retries"])
	assert.Equal(t, int64(1), stats["debits_transient"])
	assert.Equal(t, int64(1), stats["debits_rejected"])
	assert.Equal(t, int64(1), stats["debits_insufficient"])
	assert.Equal(t, int64(1), stats["duplicate_debits"])
	assert.Equal(t, int64(1), stats["charge_mismatches"])
	assert.Equal(t, int64(1), stats["refunds"])
	assert.Equal(t, int64(1), stats["refunds_failed"])
	assert.Equal(t, int64(4), stats["quota_refunded"])
	assert.Equal(t, int64(1), stats["archive_writes"])
	assert.Equal(t, int64(1), stats["archive_failures"])
	assert.Equal(t, int64(1), stats["archive_dropped"])
	assert.Equal(t, int64(2), stats["ended:quota exhausted"])
	assert.Equal(t, int64(1), stats["ended:user hang-up"])
}

func TestMetricsCollector_NilIsSafe(t *testing.T) {
	var mc *MetricsCollector
	assert.NotPanics(t, func() {
		mc.RecordSessionStarted()
		mc.RecordSessionEnded("cancelled")
		mc.RecordDebitSuccess(8)
		mc.RecordRefund(8, true)
		mc.RecordArchiveWrite(true)
		mc.RecordArchiveDropped()
	})
}

func TestMetricsCollector_Concurrent(t *testing.T) {
	mc := NewMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc.RecordDebitSuccess(8)
			mc.RecordSessionEnded("connection lost")
		}()
	}
	wg.Wait()

	stats := mc.Stats()
	assert.Equal(t, int64(50), stats["debits_ok"])
	assert.Equal(t, int64(400), stats["quota_charged"])
	assert.Equal(t, int64(50), stats["ended:connection lost"])
}

func TestMetricsCollector_Summary(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordSessionStarted()

	s := mc.Summary()
	assert.True(t, strings.HasPrefix(s, "uptime=0m"))
	assert.Contains(t, s, " sessions_started=1")
	assert.Less(t, strings.Index(s, "archive_writes"), strings.Index(s, "sessions_started"), "keys are sorted")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 3m", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
}

// =============================================================================
// TEST: Logging
// =============================================================================

func restoreLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestSetupLogging_JSON(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	closer, err := SetupLogging(LoggerConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	log.Info().Msg("hidden")
	log.Warn().Str("session_id", "s1").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "s1", gjson.Get(lines[0], "session_id").String())
	assert.Equal(t, "warn", gjson.Get(lines[0], "level").String())
	assert.Equal(t, "visible", gjson.Get(lines[0], "message").String())
}

func TestSetupLogging_Console(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	_, err := SetupLogging(LoggerConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	log.Debug().Msg("debit issued")
	assert.Contains(t, buf.String(), "debit issued")
	assert.False(t, gjson.Valid(strings.TrimSpace(buf.String())))
}

func TestSetupLogging_UnknownLevelFallsBackToInfo(t *testing.T) {
	restoreLogger(t)
	_, err := SetupLogging(LoggerConfig{Level: "loud"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetupLogging_File(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "logs", "callmeter.log")

	closer, err := SetupLogging(LoggerConfig{Level: "info", Output: path}, nil)
	require.NoError(t, err)
	log.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
