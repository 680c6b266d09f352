package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmeter/callmeter/internal/ledger"
	"github.com/callmeter/callmeter/internal/monitoring"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeLedger applies debits with real idempotency semantics unless hook
// overrides a call. hook receives the 1-based call number.
type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	applied map[string]bool
	calls   []ledger.DebitRequest
	charged map[int]int // minute -> times the balance was actually debited

	hook func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool)

	// gate, when set, blocks every Debit until closed. It ignores ctx.
	gate chan struct{}

	active      atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, applied: map[string]bool{}, charged: map[int]int{}}
}

func (f *fakeLedger) Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Outcome, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	hook := f.hook
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if hook != nil {
		if out, err, ok := hook(call, req); ok {
			return out, err
		}
	}
	return f.apply(req), nil
}

func (f *fakeLedger) apply(req ledger.DebitRequest) ledger.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[req.IdempotencyKey] {
		return ledger.Outcome{Kind: ledger.OutcomeSuccess, NewBalance: f.balance, Duplicate: true}
	}
	if f.balance < req.Amount {
		return ledger.Outcome{Kind: ledger.OutcomeInsufficientFunds, NewBalance: f.balance}
	}
	f.balance -= req.Amount
	f.applied[req.IdempotencyKey] = true
	f.charged[req.MinuteIndex]++
	return ledger.Outcome{Kind: ledger.OutcomeSuccess, NewBalance: f.balance, Charged: req.Amount}
}

func (f *fakeLedger) Refund(ctx context.Context, req ledger.RefundRequest) (ledger.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += req.Amount
	return ledger.RefundResult{Refunded: req.Amount, NewBalance: f.balance}, nil
}

func (f *fakeLedger) Calls() []ledger.DebitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.DebitRequest(nil), f.calls...)
}

func (f *fakeLedger) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

type recorder struct {
	mu      sync.Mutex
	reasons []Reason
	signals []Signal
}

func (r *recorder) terminate(reason Reason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) signal(s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) Reasons() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.reasons...)
}

func (r *recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

func (r *recorder) SignalKinds() []SignalKind {
	var kinds []SignalKind
	for _, s := range r.Signals() {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func testConfig() Config {
	return Config{
		SessionID:         "sess-1",
		UserID:            "user-1",
		PerMinuteRate:     8,
		MaxMinutes:        10,
		DebitTimeout:      time.Second,
		LowBalanceMinutes: 2,
	}
}

func startController(t *testing.T, cfg Config, l ledger.Ledger, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithOnTerminate(rec.terminate), WithOnSignal(rec.signal)}, opts...)
	c, err := NewController(cfg, l, opts...)
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, rec
}

// tickAndSettle delivers one tick and waits until it is processed and no debit is in flight.
func tickAndSettle(t *testing.T, c *Controller, sec int64) {
	t.Helper()
	c.Tick(sec)
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return (s.ElapsedSeconds >= sec || s.Terminated) && !s.InFlight
	}, 2*time.Second, time.Millisecond, "tick %d not settled", sec)
}

// =============================================================================
// TEST: Preauthorization
// =============================================================================

func TestController_PreauthorizeBillsMinuteOne(t *testing.T) {
	fl := newFakeLedger(80)
	c, rec := startController(t, testConfig(), fl)

	require.NoError(t, c.Preauthorize(context.Background()))

	s := c.Snapshot()
	assert.Equal(t, 1, s.LastBilledMinute)
	assert.Equal(t, 1, s.BilledMinutes)
	assert.Equal(t, StateArmed, s.State)
	assert.Equal(t, int64(72), s.Balance)
	assert.Empty(t, rec.Reasons())

	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrAlreadyPreauthorized)
	assert.Len(t, fl.Calls(), 1)
}

func TestController_PreauthorizeDeniedWithZeroQuota(t *testing.T) {
	fl := newFakeLedger(0)
	c, rec := startController(t, testConfig(), fl)

	err := c.Preauthorize(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientQuota)

	assert.Equal(t, []SignalKind{SignalStartDenied}, rec.SignalKinds())
	require.Eventually(t, func() bool { return len(rec.Reasons()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonQuotaExhausted, rec.Reasons()[0])

	s := c.Snapshot()
	assert.Equal(t, StateExhausted, s.State)
	assert.Equal(t, 0, s.BilledMinutes)
}

func TestController_PreauthorizeRequiresStart(t *testing.T) {
	c, err := NewController(testConfig(), newFakeLedger(80))
	require.NoError(t, err)
	assert.Error(t, c.Preauthorize(context.Background()))
}

func TestController_PreauthorizeAfterStop(t *testing.T) {
	fl := newFakeLedger(80)
	c, _ := startController(t, testConfig(), fl)
	c.Stop()

	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrStopped)
	assert.Empty(t, fl.Calls())
}

// =============================================================================
// TEST: Per-minute billing
// =============================================================================

// Rate 8, quota 20: minutes 1 and 2 succeed, minute 3 is refused.
func TestController_QuotaExhaustedScenario(t *testing.T) {
	fl := newFakeLedger(20)
	c, rec := startController(t, testConfig(), fl)

	require.NoError(t, c.Preauthorize(context.Background()))
	assert.Equal(t, int64(12), c.Snapshot().Balance)

	tickAndSettle(t, c, 30)
	assert.Len(t, fl.Calls(), 1, "no debit inside a paid minute")

	tickAndSettle(t, c, 60)
	assert.Equal(t, int64(4), c.Snapshot().Balance)
	assert.Equal(t, 2, c.Snapshot().BilledMinutes)

	tickAndSettle(t, c, 120)

	s := c.Snapshot()
	assert.Equal(t, StateExhausted, s.State)
	assert.Equal(t, 2, s.BilledMinutes)
	assert.Equal(t, int64(16), s.TotalCharge())
	assert.Equal(t, []Reason{ReasonQuotaExhausted}, rec.Reasons())
	assert.Equal(t, []SignalKind{SignalLowBalance, SignalHardStop}, rec.SignalKinds())
	assert.Equal(t, int64(4), fl.Balance())

	// Terminal: later ticks never debit again.
	tickAndSettle(t, c, 180)
	assert.Len(t, fl.Calls(), 3)
}

func TestController_LowBalanceSignalledOnce(t *testing.T) {
	fl := newFakeLedger(30)
	c, rec := startController(t, testConfig(), fl)

	require.NoError(t, c.Preauthorize(context.Background())) // 22, not low
	assert.Empty(t, rec.Signals())

	tickAndSettle(t, c, 60) // 14 < 16
	tickAndSettle(t, c, 120) // 6

	sigs := rec.Signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, SignalLowBalance, sigs[0].Kind)
	assert.Equal(t, int64(14), sigs[0].Balance)
	assert.Equal(t, "sess-1", sigs[0].SessionID)
}

func TestController_CapAtMaxMinutes(t *testing.T) {
	fl := newFakeLedger(1000)
	c, rec := startController(t, testConfig(), fl)
	require.NoError(t, c.Preauthorize(context.Background()))

	for minute := 1; minute <= 9; minute++ {
		tickAndSettle(t, c, int64(minute*60-1))
		tickAndSettle(t, c, int64(minute*60))
	}

	s := c.Snapshot()
	assert.Equal(t, 10, s.LastBilledMinute)
	assert.Equal(t, StateCapped, s.State)
	assert.Empty(t, rec.Reasons(), "the 10th minute is paid for and may be used")

	tickAndSettle(t, c, 599)
	assert.Empty(t, rec.Reasons())

	tickAndSettle(t, c, 600)
	assert.Equal(t, []Reason{ReasonMaxDuration}, rec.Reasons())

	tickAndSettle(t, c, 660)
	for _, call := range fl.Calls() {
		assert.LessOrEqual(t, call.MinuteIndex, 10, "minute 11 must never be debited")
	}
	assert.Len(t, fl.Calls(), 10)
	assert.Equal(t, 10, c.Snapshot().BilledMinutes)
}

func TestController_NoDoubleBillingUnderTickStorm(t *testing.T) {
	fl := newFakeLedger(1 << 20)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		time.Sleep(2 * time.Millisecond)
		return ledger.Outcome{}, nil, false
	}
	cfg := testConfig()
	cfg.MaxMinutes = 1000
	c, _ := startController(t, cfg, fl)
	require.NoError(t, c.Preauthorize(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sec := int64(1); sec <= 1800; sec++ {
				c.Tick(sec)
				if sec%30 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	c.Stop()

	assert.Equal(t, int32(1), fl.maxInFlight.Load(), "at most one debit in flight")

	seen := map[int]bool{}
	for _, call := range fl.Calls() {
		assert.False(t, seen[call.MinuteIndex], "minute %d debited twice", call.MinuteIndex)
		seen[call.MinuteIndex] = true
	}
	for minute, n := range fl.charged {
		assert.Equal(t, 1, n, "minute %d charged %d times", minute, n)
	}

	s := c.Snapshot()
	assert.Equal(t, s.LastBilledMinute, s.BilledMinutes)
	assert.Equal(t, len(fl.charged), s.BilledMinutes)
	for minute := 1; minute <= s.LastBilledMinute; minute++ {
		assert.True(t, seen[minute], "minute %d skipped", minute)
	}
}

// =============================================================================
// TEST: Transient failures, retries and duplicates
// =============================================================================

func TestController_TransientRetriedOnceWithSameKey(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		if call == 1 {
			return ledger.Outcome{Kind: ledger.OutcomeTransient, Err: errors.New("503")}, nil, true
		}
		return ledger.Outcome{}, nil, false
	}
	mc := monitoring.NewMetricsCollector()
	c, rec := startController(t, testConfig(), fl, WithMetrics(mc))

	require.NoError(t, c.Preauthorize(context.Background()))

	calls := fl.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
	assert.Equal(t, 1, c.Snapshot().BilledMinutes)
	assert.Empty(t, rec.Reasons())
	assert.Equal(t, int64(1), mc.Stats()["debit_retries"])
}

func TestController_TransientTwiceIsBillingError(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		return ledger.Outcome{Kind: ledger.OutcomeTransient, Err: errors.New("503")}, nil, true
	}
	c, rec := startController(t, testConfig(), fl)

	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrBillingFailed)
	assert.Len(t, fl.Calls(), 2)
	assert.Equal(t, []Reason{ReasonBillingError}, rec.Reasons())
	assert.Equal(t, StateFailed, c.Snapshot().State)
	assert.Equal(t, 0, c.Snapshot().BilledMinutes)
}

func TestController_LedgerRejectionIsBillingError(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		return ledger.Outcome{}, ledger.ErrUnauthorized, true
	}
	mc := monitoring.NewMetricsCollector()
	c, rec := startController(t, testConfig(), fl, WithMetrics(mc))

	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrBillingFailed)
	assert.Len(t, fl.Calls(), 1, "rejections are not retried")
	assert.Equal(t, []Reason{ReasonBillingError}, rec.Reasons())

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats["debits_rejected"])
	assert.Equal(t, int64(0), stats["debits_transient"])
}

func TestController_DebitTimeoutIsTransient(t *testing.T) {
	fl := newFakeLedger(80)
	fl.gate = make(chan struct{})
	t.Cleanup(func() { close(fl.gate) })

	cfg := testConfig()
	cfg.DebitTimeout = 20 * time.Millisecond
	c, rec := startController(t, cfg, fl)

	start := time.Now()
	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrBillingFailed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, fl.Calls(), 2)
	assert.Equal(t, []Reason{ReasonBillingError}, rec.Reasons())
}

// The first attempt lands but its response is lost; the retry sees the duplicate.
func TestController_DuplicateOnRetryIsSuccess(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		if call == 1 {
			fl.apply(req)
			return ledger.Outcome{Kind: ledger.OutcomeTransient, Err: errors.New("connection reset")}, nil, true
		}
		return ledger.Outcome{}, nil, false
	}
	mc := monitoring.NewMetricsCollector()
	c, rec := startController(t, testConfig(), fl, WithMetrics(mc))

	require.NoError(t, c.Preauthorize(context.Background()))
	assert.Equal(t, 1, c.Snapshot().BilledMinutes)
	assert.Equal(t, int64(72), fl.Balance())
	assert.Empty(t, rec.Reasons())
	assert.Zero(t, mc.Stats()["duplicate_debits"])
}

func TestController_DuplicateOnFirstAttemptIsFatal(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		return ledger.Outcome{Kind: ledger.OutcomeSuccess, NewBalance: 72, Duplicate: true}, nil, true
	}
	mc := monitoring.NewMetricsCollector()
	c, rec := startController(t, testConfig(), fl, WithMetrics(mc))

	assert.ErrorIs(t, c.Preauthorize(context.Background()), ErrBillingFailed)
	assert.Equal(t, []Reason{ReasonBillingError}, rec.Reasons())
	assert.Equal(t, 1, c.Snapshot().BilledMinutes, "the ledger holds the charge")
	assert.Equal(t, int64(1), mc.Stats()["duplicate_debits"])
}

func TestController_ChargeMismatchIsCounted(t *testing.T) {
	fl := newFakeLedger(80)
	fl.hook = func(call int, req ledger.DebitRequest) (ledger.Outcome, error, bool) {
		return ledger.Outcome{Kind: ledger.OutcomeSuccess, NewBalance: 70, Charged: 10}, nil, true
	}
	mc := monitoring.NewMetricsCollector()
	c, rec := startController(t, testConfig(), fl, WithMetrics(mc))

	require.NoError(t, c.Preauthorize(context.Background()))
	assert.Empty(t, rec.Reasons())
	assert.Equal(t, int64(1), mc.Stats()["charge_mismatches"])
	assert.Equal(t, int64(10), c.Snapshot().Charged)
}

// =============================================================================
// TEST: Stop, grace and cancellation
// =============================================================================

func TestController_StopAwaitsInFlightDebit(t *testing.T) {
	fl := newFakeLedger(80)
	c, rec := startController(t, testConfig(), fl)
	require.NoError(t, c.Preauthorize(context.Background()))

	gate := make(chan struct{})
	fl.mu.Lock()
	fl.gate = gate
	fl.mu.Unlock()

	c.Tick(60)
	require.Eventually(t, func() bool { return c.Snapshot().InFlight }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a debit was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the debit resolved")
	}

	s := c.Snapshot()
	assert.Equal(t, 2, s.BilledMinutes, "late success is honored")
	assert.False(t, s.InFlight)
	assert.Empty(t, rec.Reasons())
	assert.Empty(t, rec.Signals(), "no session-extending side effects after Stop")

	c.Tick(120)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, fl.Calls(), 2, "no new debit after Stop")
}

func TestController_GraceExceededWhileDebitHangs(t *testing.T) {
	fl := newFakeLedger(80)
	cfg := testConfig()
	cfg.DebitTimeout = 10 * time.Second
	c, rec := startController(t, cfg, fl)
	require.NoError(t, c.Preauthorize(context.Background()))

	gate := make(chan struct{})
	fl.mu.Lock()
	fl.gate = gate
	fl.mu.Unlock()

	c.Tick(60)
	require.Eventually(t, func() bool { return c.Snapshot().InFlight }, time.Second, time.Millisecond)

	c.Tick(119)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.Reasons(), "still inside the minute being billed")

	c.Tick(120)
	require.Eventually(t, func() bool { return len(rec.Reasons()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ReasonBillingError, rec.Reasons()[0])
	assert.Equal(t, StateFailed, c.Snapshot().State)

	close(gate)
	c.Stop()
	assert.Len(t, fl.Calls(), 2)
}

func TestController_ContextCancelTerminates(t *testing.T) {
	rec := &recorder{}
	c, err := NewController(testConfig(), newFakeLedger(80), WithOnTerminate(rec.terminate))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not exit on cancel")
	}
	assert.Equal(t, []Reason{ReasonCancelled}, rec.Reasons())
}

func TestController_StopIsIdempotent(t *testing.T) {
	c, err := NewController(testConfig(), newFakeLedger(80))
	require.NoError(t, err)
	c.Stop() // before Start
	c.Stop()

	c2, _ := startController(t, testConfig(), newFakeLedger(80))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c2.Stop()
		}()
	}
	wg.Wait()
	<-c2.Done()
}

func TestNewController_ValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PerMinuteRate = 0
	_, err := NewController(cfg, newFakeLedger(0))
	assert.Error(t, err)

	_, err = NewController(testConfig(), nil)
	assert.Error(t, err)
}
