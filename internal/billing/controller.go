// Package billing charges a live session minute by minute.
//
// DESIGN: One Controller per session. All billing state (last billed minute,
// the in-flight debit, the billing state) is owned by a single goroutine; ticks,
// preauthorization requests, debit results and stop requests reach it as
// messages and are handled one at a time. Only the ledger call runs outside the
// loop, and at most one such call exists at any time:
//
//	tick(elapsed) ──► current minute > last billed, nothing in flight ──► debit(last+1)
//	debit result  ──► success: last++ | insufficient: exhausted | transient: failed
//
// Termination is requested through the OnTerminate callback; the controller never
// tears the session down itself. After Stop no new debit is issued, but a debit
// that is already in flight is awaited and its result recorded.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/callmeter/callmeter/internal/elapsed"
	"github.com/callmeter/callmeter/internal/ledger"
	"github.com/callmeter/callmeter/internal/monitoring"
)

// maxDebitAttempts is the first attempt plus one retry with the same key.
const maxDebitAttempts = 2

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records debit outcomes on mc.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(c *Controller) { c.metrics = mc }
}

// WithOnTerminate sets the callback invoked once when billing requires the
// session to end. It runs on the controller goroutine and must not block.
func WithOnTerminate(fn func(Reason)) Option {
	return func(c *Controller) { c.onTerminate = fn }
}

// WithOnSignal sets the callback for user-facing notices. It runs on the
// controller goroutine and must not block.
func WithOnSignal(fn func(Signal)) Option {
	return func(c *Controller) { c.onSignal = fn }
}

type preauthRequest struct {
	reply chan error
}

type debitResult struct {
	minute   int
	attempts int
	outcome  ledger.Outcome
	err      error
}

// Controller bills one session.
type Controller struct {
	cfg         Config
	ledger      ledger.Ledger
	metrics     *monitoring.MetricsCollector
	onTerminate func(Reason)
	onSignal    func(Signal)

	tickCh    chan int64
	preauthCh chan preauthRequest
	resultCh  chan debitResult
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	started   atomic.Bool

	// Owned by the run loop.
	ctx            context.Context
	state          State
	lastBilled     int
	billed         int
	charged        int64
	balance        int64
	balanceKnown   bool
	elapsedSeconds int64
	inFlight       bool
	stopping       bool
	terminated     bool
	reason         Reason
	lowBalanceSent bool
	unconfirmed    int
	preauthReply   chan error

	snapMu sync.Mutex
	snap   Snapshot
}

// NewController creates a controller. It does nothing until Start.
func NewController(cfg Config, l ledger.Ledger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("billing: ledger is required")
	}

	c := &Controller{
		cfg:       cfg,
		ledger:    l,
		tickCh:    make(chan int64, 1),
		preauthCh: make(chan preauthRequest),
		resultCh:  make(chan debitResult, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publish()
	return c, nil
}

// Start launches the controller goroutine. Calling it again is a no-op.
// Cancelling ctx stops billing with ReasonCancelled; in-flight debits run on a
// context detached from ctx so they can still resolve.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.ctx = context.WithoutCancel(ctx)
	go c.run(ctx)
}

// Stop stops issuing debits, waits for an in-flight debit to resolve and for
// the controller goroutine to exit. Safe to call any number of times, before
// Start and concurrently.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.done
	}
}

// Done is closed when the controller goroutine has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Tick reports the session's elapsed seconds. It never blocks: when the
// controller is busy, an older undelivered tick is replaced by this one.
func (c *Controller) Tick(elapsedSeconds int64) {
	select {
	case c.tickCh <- elapsedSeconds:
		return
	default:
	}
	select {
	case <-c.tickCh:
	default:
	}
	select {
	case c.tickCh <- elapsedSeconds:
	default:
	}
}

// Preauthorize debits minute 1 and waits for the ledger's answer. It returns nil
// once minute 1 is paid, ErrInsufficientQuota when the balance is too low and
// ErrBillingFailed when the ledger could not confirm the debit.
func (c *Controller) Preauthorize(ctx context.Context) error {
	if !c.started.Load() {
		return errors.New("billing: controller not started")
	}

	req := preauthRequest{reply: make(chan error, 1)}
	select {
	case c.preauthCh <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published billing state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// =============================================================================
// RUN LOOP
// =============================================================================

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ctxDone := ctx.Done()
	for {
		if c.stopping && !c.inFlight {
			c.finish()
			return
		}

		stopCh := c.stopCh
		if c.stopping {
			stopCh = nil
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			c.terminate(ReasonCancelled)
			c.stopping = true
		case <-stopCh:
			c.stopping = true
		case req := <-c.preauthCh:
			c.handlePreauth(req)
		case sec := <-c.tickCh:
			c.handleTick(sec)
		case res := <-c.resultCh:
			c.handleResult(res)
		}
		c.publish()
	}
}

// stopRequested checks for a Stop that has not been observed by the loop yet.
func (c *Controller) stopRequested() bool {
	if c.stopping {
		return true
	}
	select {
	case <-c.stopCh:
		c.stopping = true
		return true
	default:
		return false
	}
}

func (c *Controller) handlePreauth(req preauthRequest) {
	switch {
	case c.stopRequested() || c.terminated:
		req.reply <- ErrStopped
	case c.lastBilled > 0 || c.inFlight || c.preauthReply != nil:
		req.reply <- ErrAlreadyPreauthorized
	default:
		c.preauthReply = req.reply
		c.issue(1)
	}
}

func (c *Controller) handleTick(sec int64) {
	if sec > c.elapsedSeconds {
		c.elapsedSeconds = sec
	}
	if c.stopping || c.terminated {
		return
	}

	current := elapsed.CurrentMinute(c.elapsedSeconds)

	switch {
	case c.state == StateCapped:
		if current > c.cfg.MaxMinutes {
			log.Info().
				Str("session_id", c.cfg.SessionID).
				Int("max_minutes", c.cfg.MaxMinutes).
				Int64("elapsed_seconds", c.elapsedSeconds).
				Msg("billing: max duration reached")
			c.terminate(ReasonMaxDuration)
		}
	case c.inFlight:
		if current > c.lastBilled+1 {
			log.Error().
				Bool("alert", true).
				Str("session_id", c.cfg.SessionID).
				Int("last_billed_minute", c.lastBilled).
				Int("current_minute", current).
				Msg("billing: unbilled grace exceeded while debit in flight")
			c.state = StateFailed
			c.terminate(ReasonBillingError)
		}
	default:
		c.maybeIssue()
	}
}

// maybeIssue starts the next debit when elapsed time has reached an unbilled minute.
func (c *Controller) maybeIssue() {
	if c.inFlight || c.terminated || c.state == StateCapped || c.state.Terminal() {
		return
	}
	if c.stopRequested() {
		return
	}
	if elapsed.CurrentMinute(c.elapsedSeconds) > c.lastBilled {
		c.issue(c.lastBilled + 1)
	}
}

func (c *Controller) issue(minute int) {
	c.inFlight = true
	c.state = StateBilling

	req := ledger.DebitRequest{
		SessionID:      c.cfg.SessionID,
		UserID:         c.cfg.UserID,
		MinuteIndex:    minute,
		Amount:         c.cfg.PerMinuteRate,
		IdempotencyKey: ledger.IdempotencyKey(c.cfg.SessionID, minute),
	}
	log.Debug().
		Str("session_id", c.cfg.SessionID).
		Int("minute", minute).
		Int64("amount", req.Amount).
		Msg("billing: debit issued")

	go c.debitWithRetry(c.ctx, req)
}

// debitWithRetry runs outside the loop. It sends exactly one result.
func (c *Controller) debitWithRetry(ctx context.Context, req ledger.DebitRequest) {
	res := debitResult{minute: req.MinuteIndex}
	for attempt := 1; attempt <= maxDebitAttempts; attempt++ {
		res.attempts = attempt
		res.outcome, res.err = c.callDebit(ctx, req)
		if res.err != nil || res.outcome.Kind != ledger.OutcomeTransient {
			break
		}
		if attempt < maxDebitAttempts {
			log.Warn().
				Err(res.outcome.Err).
				Str("session_id", req.SessionID).
				Int("minute", req.MinuteIndex).
				Int("attempt", attempt).
				Msg("billing: transient debit failure, retrying")
			c.metrics.RecordDebitRetry()
		}
	}
	c.resultCh <- res
}

// callDebit bounds one ledger call by the debit timeout, even when the ledger
// ignores its context.
func (c *Controller) callDebit(ctx context.Context, req ledger.DebitRequest) (ledger.Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.DebitTimeout)
	defer cancel()

	type reply struct {
		out ledger.Outcome
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := c.ledger.Debit(actx, req)
		ch <- reply{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return ledger.Outcome{Kind: ledger.OutcomeTransient, Err: r.err}, nil
		}
		return r.out, r.err
	case <-actx.Done():
		return ledger.Outcome{
			Kind: ledger.OutcomeTransient,
			Err:  fmt.Errorf("debit timed out after %s: %w", c.cfg.DebitTimeout, actx.Err()),
		}, nil
	}
}

func (c *Controller) handleResult(res debitResult) {
	c.inFlight = false
	logger := log.With().
		Str("session_id", c.cfg.SessionID).
		Int("minute", res.minute).
		Int("attempt", res.attempts).
		Logger()

	if res.err != nil {
		logger.Error().Err(res.err).Msg("billing: ledger rejected debit")
		c.metrics.RecordDebitRejected()
		c.fail()
		return
	}

	switch res.outcome.Kind {
	case ledger.OutcomeSuccess:
		c.handleSuccess(res, logger)
	case ledger.OutcomeInsufficientFunds:
		c.handleInsufficient(res, logger)
	default:
		logger.Error().Err(res.outcome.Err).Msg("billing: debit failed after retry")
		c.unconfirmed = res.minute
		c.metrics.RecordDebitTransient()
		c.fail()
	}
}

func (c *Controller) handleSuccess(res debitResult, logger zerolog.Logger) {
	out := res.outcome

	if res.minute != c.lastBilled+1 {
		logger.Error().
			Bool("alert", true).
			Int("last_billed_minute", c.lastBilled).
			Msg("billing: confirmed minute out of order")
		c.fail()
		return
	}

	c.lastBilled = res.minute
	c.billed++
	c.charged += out.Charged
	c.balance = out.NewBalance
	c.balanceKnown = true
	c.metrics.RecordDebitSuccess(out.Charged)

	if c.billed != c.lastBilled {
		logger.Error().
			Bool("alert", true).
			Int("billed_minutes", c.billed).
			Int("last_billed_minute", c.lastBilled).
			Msg("billing: billed minutes drifted from last billed minute")
	}

	if out.Duplicate && res.attempts == 1 {
		logger.Error().
			Bool("alert", true).
			Str("idempotency_key", ledger.IdempotencyKey(c.cfg.SessionID, res.minute)).
			Msg("billing: duplicate debit attempt")
		c.metrics.RecordDuplicateDebit()
		c.fail()
		return
	}
	if !out.Duplicate && out.Charged != c.cfg.PerMinuteRate {
		logger.Error().
			Bool("alert", true).
			Str("type", "billing_mismatch").
			Int64("expected", c.cfg.PerMinuteRate).
			Int64("charged", out.Charged).
			Msg("billing: ledger charged a different amount")
		c.metrics.RecordChargeMismatch()
	}

	logger.Info().
		Int64("new_balance", out.NewBalance).
		Bool("duplicate", out.Duplicate).
		Msg("billing: minute billed")

	if !c.state.Terminal() {
		if c.lastBilled >= c.cfg.MaxMinutes {
			c.state = StateCapped
		} else {
			c.state = StateArmed
		}
	}

	if !c.stopping && !c.terminated {
		threshold := int64(c.cfg.LowBalanceMinutes) * c.cfg.PerMinuteRate
		if !c.lowBalanceSent && out.NewBalance < threshold {
			c.lowBalanceSent = true
			c.signal(Signal{
				Kind:    SignalLowBalance,
				Minute:  res.minute,
				Balance: out.NewBalance,
				Message: fmt.Sprintf("Low balance: %d remaining, less than %d minutes of talk time", out.NewBalance, c.cfg.LowBalanceMinutes),
			})
		}
	}

	c.replyPreauth(nil)
	c.maybeIssue()
}

func (c *Controller) handleInsufficient(res debitResult, logger zerolog.Logger) {
	c.state = StateExhausted
	c.balance = res.outcome.NewBalance
	c.balanceKnown = true
	c.metrics.RecordDebitInsufficient()
	logger.Info().
		Int64("balance", res.outcome.NewBalance).
		Int64("amount", c.cfg.PerMinuteRate).
		Msg("billing: insufficient quota")

	if c.preauthReply != nil {
		c.signal(Signal{
			Kind:    SignalStartDenied,
			Minute:  res.minute,
			Balance: res.outcome.NewBalance,
			Message: fmt.Sprintf("Insufficient quota to start a call: %d available, %d needed", res.outcome.NewBalance, c.cfg.PerMinuteRate),
		})
	} else if !c.stopping && !c.terminated {
		c.signal(Signal{
			Kind:    SignalHardStop,
			Minute:  res.minute,
			Balance: res.outcome.NewBalance,
			Message: "Quota exhausted, the call has ended",
		})
	}
	c.terminate(ReasonQuotaExhausted)
	c.replyPreauth(ErrInsufficientQuota)
}

// fail moves to the failed state and requests termination.
func (c *Controller) fail() {
	c.state = StateFailed
	c.terminate(ReasonBillingError)
	c.replyPreauth(ErrBillingFailed)
}

// replyPreauth answers a pending Preauthorize after publishing the state it
// will observe.
func (c *Controller) replyPreauth(err error) {
	if c.preauthReply == nil {
		return
	}
	c.publish()
	c.preauthReply <- err
	c.preauthReply = nil
}

// terminate records the first termination reason and notifies the owner. A
// reason discovered after Stop is recorded but not reported.
func (c *Controller) terminate(reason Reason) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.reason = reason
	if c.stopping {
		return
	}
	if c.onTerminate != nil {
		c.onTerminate(reason)
	}
}

func (c *Controller) signal(s Signal) {
	s.SessionID = c.cfg.SessionID
	log.Info().
		Str("session_id", s.SessionID).
		Str("signal", string(s.Kind)).
		Int64("balance", s.Balance).
		Msg("billing: user signal")
	if c.onSignal != nil {
		c.onSignal(s)
	}
}

func (c *Controller) finish() {
	c.replyPreauth(ErrStopped)
	c.publish()
	log.Debug().
		Str("session_id", c.cfg.SessionID).
		Int("billed_minutes", c.billed).
		Str("state", c.state.String()).
		Msg("billing: controller stopped")
}

func (c *Controller) publish() {
	c.snapMu.Lock()
	c.snap = Snapshot{
		SessionID:        c.cfg.SessionID,
		UserID:           c.cfg.UserID,
		State:            c.state,
		LastBilledMinute: c.lastBilled,
		BilledMinutes:    c.billed,
		PerMinuteRate:    c.cfg.PerMinuteRate,
		MaxMinutes:       c.cfg.MaxMinutes,
		Charged:          c.charged,
		Balance:          c.balance,
		BalanceKnown:     c.balanceKnown,
		ElapsedSeconds:   c.elapsedSeconds,
		InFlight:         c.inFlight,
		Unconfirmed:      c.unconfirmed,
		Terminated:       c.terminated,
		Reason:           c.reason,
	}
	c.snapMu.Unlock()
}
