// Package coordinator builds the metering stack from configuration and hands
// out sessions.
//
// DESIGN: One Coordinator per process. It owns the shared pieces every session
// uses (ledger client, provider factory, archiver, counters) and keeps a
// registry of live sessions so Close can end them before the archiver drains.
//
//	config.Config -> ledger.Client, provider.Factory, archive.Store -> Archiver
//	NewSession(userID) -> session.Manager (fresh uuid, rate and cap copied from config)
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/callmeter/callmeter/internal/archive"
	"github.com/callmeter/callmeter/internal/billing"
	"github.com/callmeter/callmeter/internal/config"
	"github.com/callmeter/callmeter/internal/ledger"
	"github.com/callmeter/callmeter/internal/monitoring"
	"github.com/callmeter/callmeter/internal/provider"
	"github.com/callmeter/callmeter/internal/session"
	"github.com/callmeter/callmeter/internal/utils"
)

// ErrClosed is returned by NewSession after Close.
var ErrClosed = errors.New("coordinator: closed")

// Option overrides a component the coordinator would otherwise build from config.
type Option func(*Coordinator)

// WithLedger replaces the HTTP ledger client.
func WithLedger(l ledger.Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithProviderFactory replaces the websocket provider.
func WithProviderFactory(f provider.Factory) Option {
	return func(c *Coordinator) { c.providers = f }
}

// WithArchiveStore replaces the store selected by archive.driver.
func WithArchiveStore(s archive.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithMetrics shares an existing collector.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(c *Coordinator) { c.metrics = mc }
}

// Coordinator creates and tracks sessions.
type Coordinator struct {
	cfg       *config.Config
	ledger    ledger.Ledger
	providers provider.Factory
	store     archive.Store
	archiver  *archive.Archiver
	metrics   *monitoring.MetricsCollector

	mu       sync.Mutex
	sessions map[string]*session.Manager
	closed   bool
}

// New validates cfg and builds every component it does not get through opts.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("coordinator: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Coordinator{
		cfg:      cfg,
		sessions: make(map[string]*session.Manager),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = monitoring.NewMetricsCollector()
	}
	if c.ledger == nil {
		c.ledger = ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.APIKey, ledger.WithTimeout(cfg.Ledger.Timeout))
	}
	if c.providers == nil {
		c.providers = provider.NewWebSocketFactory(provider.WebSocketConfig{
			URL:            cfg.Provider.URL,
			AgentID:        cfg.Provider.AgentID,
			APIKey:         cfg.Provider.APIKey,
			ConnectTimeout: cfg.Provider.ConnectTimeout,
		})
	}
	if c.store == nil {
		store, err := OpenStore(cfg.Archive)
		if err != nil {
			return nil, err
		}
		c.store = store
	}

	c.archiver = archive.NewArchiver(c.store, archive.Options{
		RetryInterval: cfg.Archive.RetryInterval,
		MaxAttempts:   cfg.Archive.MaxAttempts,
		QueueSize:     config.DefaultArchiveQueueSize,
		Metrics:       c.metrics,
	})

	log.Info().
		Int64("per_minute_rate", cfg.Billing.PerMinuteRate).
		Int("max_minutes", cfg.Billing.MaxMinutes).
		Str("archive_driver", cfg.Archive.Driver).
		Str("archive_path", cfg.Archive.Path).
		Str("ledger_api_key", utils.MaskKey(cfg.Ledger.APIKey)).
		Str("provider_api_key", utils.MaskKey(cfg.Provider.APIKey)).
		Msg("coordinator: ready")
	return c, nil
}

// OpenStore opens the archive store selected by cfg.Driver.
func OpenStore(cfg config.ArchiveConfig) (archive.ReadStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return archive.OpenSQLiteStore(cfg.Path)
	case "jsonl":
		return archive.OpenJSONL(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// Metrics returns the shared counters.
func (c *Coordinator) Metrics() *monitoring.MetricsCollector {
	return c.metrics
}

// Ledger returns the ledger sessions debit against.
func (c *Coordinator) Ledger() ledger.Ledger {
	return c.ledger
}

// NewSession creates a pending session for userID. The caller starts it.
func (c *Coordinator) NewSession(userID string, opts ...session.Option) (*session.Manager, error) {
	if userID == "" {
		return nil, errors.New("coordinator: user_id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	cfg := session.Config{
		SessionID:         id,
		UserID:            userID,
		PerMinuteRate:     c.cfg.Billing.PerMinuteRate,
		MaxMinutes:        c.cfg.Billing.MaxMinutes,
		TickInterval:      c.cfg.Billing.TickInterval,
		DebitTimeout:      c.cfg.Billing.DebitTimeout,
		LowBalanceMinutes: c.cfg.Billing.LowBalanceMinutes,
		Refund: billing.RefundPolicy{
			Enabled:   c.cfg.Refund.Enabled,
			FullBelow: c.cfg.Refund.FullBelow,
			HalfBelow: c.cfg.Refund.HalfBelow,
		},
		RefundTimeout:     config.DefaultRefundTimeout,
		DisconnectTimeout: config.DefaultDisconnectTimeout,
	}

	base := []session.Option{session.WithArchiver(c.archiver), session.WithMetrics(c.metrics)}
	m, err := session.New(cfg, c.ledger, c.providers(id), append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	c.sessions[id] = m
	go c.forget(m)
	return m, nil
}

// liveSession returns a session that has not ended yet.
func (c *Coordinator) liveSession(id string) (*session.Manager, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[id]
	return m, ok
}

func (c *Coordinator) liveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) forget(m *session.Manager) {
	<-m.Done()
	c.mu.Lock()
	delete(c.sessions, m.SessionID())
	c.mu.Unlock()
}

// Close ends every live session, waits for their teardown and drains the
// archiver. Sessions still tearing down when ctx expires are abandoned.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]*session.Manager, 0, len(c.sessions))
	for _, m := range c.sessions {
		live = append(live, m)
	}
	c.mu.Unlock()

	if len(live) > 0 {
		log.Info().Int("sessions", len(live)).Msg("coordinator: ending live sessions")
	}
	for _, m := range live {
		m.RequestEnd(billing.ReasonCancelled)
	}

	var errs []error
	for _, m := range live {
		select {
		case <-m.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session %s: %w", m.SessionID(), ctx.Err()))
		}
	}

	if err := c.archiver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing archiver: %w", err))
	}

	log.Info().Str("stats", c.metrics.Summary()).Msg("coordinator: closed")
	return errors.Join(errs...)
}
