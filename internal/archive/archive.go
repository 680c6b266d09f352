// Package archive persists one summary record per finished session.
//
// DESIGN: Archive never blocks the caller and never drops an accepted
// summary. Summaries are appended to a pending list drained by a single
// background worker that writes them to a Store, retrying failed writes at a
// fixed interval. A session_id is accepted at most once per Archiver and
// stores ignore a session_id they already hold, so a summary is recorded
// exactly once even across retries.
//
// FILES:
//   - archive.go: Summary, Store interface, Archiver worker
//   - sqlite.go:  voice_chat_sessions table (modernc sqlite)
//   - jsonl.go:   Append-only JSONL file
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callmeter/callmeter/internal/monitoring"
)

var (
	// ErrArchiverClosed is returned by Archive after Close.
	ErrArchiverClosed = errors.New("archive: archiver closed")
	// ErrDuplicateSummary is returned when a session_id was already submitted.
	ErrDuplicateSummary = errors.New("archive: duplicate summary")
)

// Summary is the immutable record of one finished session.
type Summary struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	BilledMinutes  int       `json:"billed_minutes"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	TotalCharge    int64     `json:"total_charge"`
	Refunded       int64     `json:"refunded"`
	PerMinuteRate  int64     `json:"per_minute_rate"`
	EndedReason    string    `json:"ended_reason"`
	StartedAt      time.Time `json:"started_at"` // Zero when the session never became active
	EndedAt        time.Time `json:"ended_at"`
}

// Store writes summaries. Write must be idempotent per SessionID.
type Store interface {
	Write(ctx context.Context, s Summary) error
	Close() error
}

// Reader lists archived summaries.
type Reader interface {
	ListByUser(ctx context.Context, userID string) ([]Summary, error)
	Count(ctx context.Context) (int, error)
}

// ReadStore is a Store that can also be read back.
type ReadStore interface {
	Store
	Reader
}

// Options configures an Archiver.
type Options struct {
	RetryInterval time.Duration
	MaxAttempts   int
	QueueSize     int // Backlog above this is logged; summaries are still accepted
	WriteTimeout  time.Duration
	Metrics       *monitoring.MetricsCollector
}

// Archiver writes summaries to a Store from a background worker.
type Archiver struct {
	store Store
	opts  Options

	wake  chan struct{}
	abort chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	pending   []Summary
	seen      map[string]struct{}
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewArchiver starts the worker. The archiver owns store and closes it on Close.
func NewArchiver(store Store, opts Options) *Archiver {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	a := &Archiver{
		store: store,
		opts:  opts,
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
		done:  make(chan struct{}),
		seen:  make(map[string]struct{}),
	}
	go a.run()
	return a
}

// Archive accepts s for writing and returns immediately.
func (a *Archiver) Archive(s Summary) error {
	if s.SessionID == "" {
		return fmt.Errorf("archive: session_id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		a.opts.Metrics.RecordArchiveDropped()
		return ErrArchiverClosed
	}
	if _, dup := a.seen[s.SessionID]; dup {
		log.Error().
			Bool("alert", true).
			Str("session_id", s.SessionID).
			Msg("archive: duplicate summary rejected")
		a.opts.Metrics.RecordArchiveDropped()
		return ErrDuplicateSummary
	}

	a.seen[s.SessionID] = struct{}{}
	a.pending = append(a.pending, s)
	if len(a.pending) > a.opts.QueueSize {
		log.Warn().
			Str("session_id", s.SessionID).
			Int("backlog", len(a.pending)).
			Int("queue_size", a.opts.QueueSize).
			Msg("archive: backlog above queue size")
	}
	a.notify()
	return nil
}

func (a *Archiver) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting summaries, waits for pending ones to be written and
// closes the store. If ctx expires first, pending retries are abandoned.
func (a *Archiver) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.notify()

		select {
		case <-a.done:
		case <-ctx.Done():
			close(a.abort)
			a.closeErr = ctx.Err()
			<-a.done
		}

		if err := a.store.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
	})
	return a.closeErr
}

func (a *Archiver) run() {
	defer close(a.done)
	for {
		s, ok := a.next()
		if !ok {
			return
		}
		a.write(s)
	}
}

// next pops the oldest pending summary. It returns false once the archiver
// is closed and the backlog is empty.
func (a *Archiver) next() (Summary, bool) {
	for {
		a.mu.Lock()
		if len(a.pending) > 0 {
			s := a.pending[0]
			a.pending = a.pending[1:]
			a.mu.Unlock()
			return s, true
		}
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return Summary{}, false
		}
		<-a.wake
	}
}

// write tries one summary up to MaxAttempts times.
func (a *Archiver) write(s Summary) {
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
		err := a.store.Write(ctx, s)
		cancel()

		if err == nil {
			a.opts.Metrics.RecordArchiveWrite(true)
			log.Info().
				Str("session_id", s.SessionID).
				Int("billed_minutes", s.BilledMinutes).
				Int64("total_charge", s.TotalCharge).
				Str("ended_reason", s.EndedReason).
				Msg("archive: session archived")
			return
		}

		log.Warn().
			Err(err).
			Str("session_id", s.SessionID).
			Int("attempt", attempt).
			Int("max_attempts", a.opts.MaxAttempts).
			Msg("archive: write failed")

		if attempt == a.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(a.opts.RetryInterval):
		case <-a.abort:
			attempt = a.opts.MaxAttempts
		}
	}

	a.opts.Metrics.RecordArchiveWrite(false)
	log.Error().
		Bool("alert", true).
		Str("session_id", s.SessionID).
		Msg("archive: giving up on session summary")
}
