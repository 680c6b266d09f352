// Package session runs one live voice session from preauthorization to archive.
//
// DESIGN: Manager owns the session status (pending -> connecting -> active ->
// ended, forward only) and wires the other parts together:
//
//	Start:      preauthorize minute 1 -> provider.Connect -> watch provider events
//	connected:  status active, elapsed-time tracker starts feeding billing ticks
//	RequestEnd: first caller wins; teardown runs once in the background
//
// Teardown order: stop tracker, disconnect provider, stop billing (waits for an
// in-flight debit), refund if owed, hand the summary to the archiver, mark ended.
// RequestEnd never blocks, so billing and provider callbacks can call it safely.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callmeter/callmeter/internal/archive"
	"github.com/callmeter/callmeter/internal/billing"
	"github.com/callmeter/callmeter/internal/elapsed"
	"github.com/callmeter/callmeter/internal/ledger"
	"github.com/callmeter/callmeter/internal/monitoring"
	"github.com/callmeter/callmeter/internal/provider"
)

var (
	// ErrAlreadyStarted is returned by Start after the first call.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrEnded is returned by Start when the session ended before it started.
	ErrEnded = errors.New("session: ended")
)

// Status is the session lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusConnecting
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config is fixed when the session is created.
type Config struct {
	SessionID         string
	UserID            string
	PerMinuteRate     int64
	MaxMinutes        int
	TickInterval      time.Duration
	DebitTimeout      time.Duration
	LowBalanceMinutes int
	Refund            billing.RefundPolicy
	RefundTimeout     time.Duration
	DisconnectTimeout time.Duration
}

// Result is the outcome of an ended session.
type Result struct {
	SessionID      string
	UserID         string
	Reason         billing.Reason
	BilledMinutes  int
	ElapsedSeconds int64
	TotalCharge    int64 // Billed minutes times rate, minus refunds
	Refunded       int64
	StartedAt      time.Time // Zero when the session never became active
	EndedAt        time.Time
	Billing        billing.Snapshot
}

// Archiver receives the summary of an ended session. Archive must not block.
type Archiver interface {
	Archive(s archive.Summary) error
}

// Tracker is the elapsed-time source of a session.
type Tracker interface {
	Start()
	Stop()
	Elapsed() int64
}

// TrackerFactory builds the tracker that feeds onTick every interval.
type TrackerFactory func(interval time.Duration, onTick func(elapsedSeconds int64)) Tracker

// Option configures a Manager.
type Option func(*Manager)

// WithArchiver sets where the session summary goes.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithMetrics records lifecycle and billing counters on mc.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithSignalHandler receives user-facing billing notices. It must not block.
func WithSignalHandler(fn func(billing.Signal)) Option {
	return func(m *Manager) { m.onSignal = fn }
}

// WithTrackerFactory replaces the wall-clock tracker.
func WithTrackerFactory(f TrackerFactory) Option {
	return func(m *Manager) { m.newTracker = f }
}

// WithClock replaces time.Now for StartedAt and EndedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs one session.
type Manager struct {
	cfg        Config
	ledger     ledger.Ledger
	provider   provider.Provider
	archiver   Archiver
	metrics    *monitoring.MetricsCollector
	onSignal   func(billing.Signal)
	newTracker TrackerFactory
	now        func() time.Time

	billing *billing.Controller
	tracker Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	status           Status
	startCalled      bool
	connectAttempted bool
	startedAt        time.Time
	reason           billing.Reason
	result           Result

	endOnce sync.Once
	ending  chan struct{}
	done    chan struct{}
}

// New creates a session in the pending state.
func New(cfg Config, l ledger.Ledger, p provider.Provider, opts ...Option) (*Manager, error) {
	if p == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 5 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 3 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		ledger:   l,
		provider: p,
		now:      time.Now,
		newTracker: func(interval time.Duration, onTick func(int64)) Tracker {
			return elapsed.New(interval, onTick)
		},
		ending: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	ctrl, err := billing.NewController(billing.Config{
		SessionID:         cfg.SessionID,
		UserID:            cfg.UserID,
		PerMinuteRate:     cfg.PerMinuteRate,
		MaxMinutes:        cfg.MaxMinutes,
		DebitTimeout:      cfg.DebitTimeout,
		LowBalanceMinutes: cfg.LowBalanceMinutes,
	}, l,
		billing.WithMetrics(m.metrics),
		billing.WithOnTerminate(m.RequestEnd),
		billing.WithOnSignal(m.handleSignal),
	)
	if err != nil {
		return nil, err
	}
	m.billing = ctrl
	m.tracker = m.newTracker(cfg.TickInterval, ctrl.Tick)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// SessionID returns the session's identifier.
func (m *Manager) SessionID() string { return m.cfg.SessionID }

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Billing returns the latest billing snapshot.
func (m *Manager) Billing() billing.Snapshot {
	return m.billing.Snapshot()
}

// Done is closed once the session has ended and teardown finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Result returns the outcome once the session has ended.
func (m *Manager) Result() (Result, bool) {
	select {
	case <-m.done:
	default:
		return Result{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, true
}

// Wait blocks until the session has ended or ctx is done.
func (m *Manager) Wait(ctx context.Context) (Result, error) {
	select {
	case <-m.done:
		r, _ := m.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Start preauthorizes minute 1 and asks the provider to connect. It returns
// once the connect attempt has been made; billing failures and connection
// errors end the session instead of being returned. Observe Done and Result.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.startCalled {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.startCalled = true
	if m.isEnding() {
		m.mu.Unlock()
		return ErrEnded
	}
	m.mu.Unlock()

	m.metrics.RecordSessionStarted()
	log.Info().
		Str("session_id", m.cfg.SessionID).
		Str("user_id", m.cfg.UserID).
		Int64("per_minute_rate", m.cfg.PerMinuteRate).
		Int("max_minutes", m.cfg.MaxMinutes).
		Msg("session: starting")

	m.billing.Start(m.ctx)
	if err := m.billing.Preauthorize(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			m.RequestEnd(billing.ReasonCancelled)
		case errors.Is(err, billing.ErrStopped):
			// Already ending.
		default:
			// The controller has requested termination with its own reason.
			log.Info().Err(err).Str("session_id", m.cfg.SessionID).Msg("session: preauthorization failed")
		}
		return nil
	}
	if ctx.Err() != nil {
		m.RequestEnd(billing.ReasonCancelled)
		return nil
	}

	m.mu.Lock()
	if m.isEnding() {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusConnecting
	m.connectAttempted = true
	m.mu.Unlock()

	if err := m.provider.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", m.cfg.SessionID).Msg("session: provider connect failed")
		m.RequestEnd(billing.ReasonConnectionLost)
		return nil
	}

	go m.watch()
	return nil
}

// HangUp ends the session on the user's request.
func (m *Manager) HangUp() {
	m.RequestEnd(billing.ReasonUserHangUp)
}

// RequestEnd ends the session. Only the first call has an effect; it may be
// called from any goroutine, in any state, any number of times.
func (m *Manager) RequestEnd(reason billing.Reason) {
	m.endOnce.Do(func() {
		m.mu.Lock()
		m.reason = reason
		status := m.status
		close(m.ending)
		m.mu.Unlock()

		log.Info().
			Str("session_id", m.cfg.SessionID).
			Str("reason", string(reason)).
			Str("status", status.String()).
			Msg("session: end requested")

		go m.teardown()
	})
}

// isEnding must be called with mu held.
func (m *Manager) isEnding() bool {
	select {
	case <-m.ending:
		return true
	default:
		return false
	}
}

func (m *Manager) watch() {
	events := m.provider.Events()
	for {
		select {
		case <-m.ending:
			return
		case ev, ok := <-events:
			if !ok {
				m.RequestEnd(billing.ReasonConnectionLost)
				return
			}
			switch ev.Kind {
			case provider.EventConnected:
				m.activate()
			case provider.EventDisconnected:
				log.Info().Str("session_id", m.cfg.SessionID).Str("detail", ev.Reason).Msg("session: provider disconnected")
				m.RequestEnd(billing.ReasonConnectionLost)
				return
			case provider.EventError:
				log.Warn().Str("session_id", m.cfg.SessionID).Str("detail", ev.Reason).Msg("session: provider error")
				m.RequestEnd(billing.ReasonConnectionLost)
				return
			default:
				log.Debug().Str("session_id", m.cfg.SessionID).Str("type", ev.Type).Msg("session: provider activity")
			}
		}
	}
}

func (m *Manager) activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusConnecting || m.isEnding() {
		return
	}
	m.status = StatusActive
	m.startedAt = m.now()
	m.tracker.Start()
	m.metrics.RecordSessionActivated()
	log.Info().Str("session_id", m.cfg.SessionID).Msg("session: active")
}

func (m *Manager) handleSignal(s billing.Signal) {
	if m.onSignal != nil {
		m.onSignal(s)
	}
}

func (m *Manager) teardown() {
	m.tracker.Stop()

	m.mu.Lock()
	connectAttempted := m.connectAttempted
	wasActive := !m.startedAt.IsZero()
	startedAt := m.startedAt
	reason := m.reason
	m.mu.Unlock()

	if connectAttempted {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
		if err := m.provider.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", m.cfg.SessionID).Msg("session: provider disconnect failed")
		}
		cancel()
	}

	m.billing.Stop()
	snap := m.billing.Snapshot()
	elapsedSeconds := m.tracker.Elapsed()

	refunded := m.refund(snap, wasActive, elapsedSeconds)
	endedAt := m.now()

	charged := snap.TotalCharge()
	if refunded > 0 && billing.ReversesPreauth(snap, wasActive) {
		// The ledger confirmed the unanswered minute 1 debit by matching the refund.
		charged += snap.PerMinuteRate
	}

	result := Result{
		SessionID:      m.cfg.SessionID,
		UserID:         m.cfg.UserID,
		Reason:         reason,
		BilledMinutes:  snap.BilledMinutes,
		ElapsedSeconds: elapsedSeconds,
		TotalCharge:    charged - refunded,
		Refunded:       refunded,
		StartedAt:      startedAt,
		EndedAt:        endedAt,
		Billing:        snap,
	}

	if m.archiver != nil {
		err := m.archiver.Archive(archive.Summary{
			SessionID:      result.SessionID,
			UserID:         result.UserID,
			BilledMinutes:  result.BilledMinutes,
			ElapsedSeconds: result.ElapsedSeconds,
			TotalCharge:    result.TotalCharge,
			Refunded:       result.Refunded,
			PerMinuteRate:  m.cfg.PerMinuteRate,
			EndedReason:    string(result.Reason),
			StartedAt:      result.StartedAt,
			EndedAt:        result.EndedAt,
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", m.cfg.SessionID).Msg("session: archive rejected summary")
		}
	}

	m.mu.Lock()
	m.status = StatusEnded
	m.result = result
	m.mu.Unlock()

	m.metrics.RecordSessionEnded(string(reason))
	log.Info().
		Str("session_id", m.cfg.SessionID).
		Str("reason", string(reason)).
		Int("billed_minutes", result.BilledMinutes).
		Int64("elapsed_seconds", result.ElapsedSeconds).
		Int64("total_charge", result.TotalCharge).
		Int64("refunded", result.Refunded).
		Msg("session: ended")

	m.cancel()
	close(m.done)
}

// refund credits back what the refund policy says is owed and returns the
// amount the ledger confirmed.
func (m *Manager) refund(snap billing.Snapshot, wasActive bool, elapsedSeconds int64) int64 {
	amount, reason := m.cfg.Refund.Refund(snap, wasActive, time.Duration(elapsedSeconds)*time.Second)
	if amount <= 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefundTimeout)
	defer cancel()

	req := ledger.RefundRequest{
		SessionID:      m.cfg.SessionID,
		UserID:         m.cfg.UserID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: ledger.RefundKey(m.cfg.SessionID, reason),
	}
	if billing.ReversesPreauth(snap, wasActive) {
		req.DebitKey = ledger.IdempotencyKey(m.cfg.SessionID, 1)
	}
	res, err := m.ledger.Refund(ctx, req)
	if err != nil {
		log.Error().
			Bool("alert", true).
			Err(err).
			Str("session_id", m.cfg.SessionID).
			Int64("amount", amount).
			Str("refund_reason", reason).
			Msg("session: refund failed")
		m.metrics.RecordRefund(amount, false)
		return 0
	}

	if res.Unmatched {
		log.Info().
			Str("session_id", m.cfg.SessionID).
			Str("refund_reason", reason).
			Msg("session: unconfirmed debit was never applied, nothing to refund")
		return 0
	}

	m.metrics.RecordRefund(res.Refunded, true)
	log.Info().
		Str("session_id", m.cfg.SessionID).
		Int64("refunded", res.Refunded).
		Str("refund_reason", reason).
		Msg("session: refund issued")
	return res.Refunded
}
