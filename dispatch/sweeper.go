// Package dispatch ships a reference at-least-once dispatch drain loop. The
// persistence contract keeps the dispatch scheduler external to the core
// (spec.md §1); Sweeper is a minimal, demonstrable implementation of that
// external role, not the only valid one.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/eslog"
)

// Notifier delivers a single commit to whatever system consumes dispatched
// events (a message bus, a webhook, a subscriber registry). Returning a
// non-nil error leaves the commit undispatched so the next sweep retries it.
type Notifier interface {
	Notify(ctx context.Context, commit eventstore.Commit) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, commit eventstore.Commit) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, commit eventstore.Commit) error { return f(ctx, commit) }

// Sweeper periodically drains GetUndispatchedCommits through a Notifier,
// marking each commit dispatched only once Notify returns nil.
type Sweeper struct {
	engine   eventstore.PersistenceEngine
	notifier Notifier
	interval time.Duration
	log      *eslog.Logger

	mu        sync.RWMutex
	lastRun   time.Time
	lastSwept int
}

// NewSweeper constructs a Sweeper polling engine on interval (defaulting to
// a minute if non-positive) and handing every undispatched commit to notifier.
func NewSweeper(engine eventstore.PersistenceEngine, notifier Notifier, interval time.Duration, logger *eslog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = eslog.L()
	}
	return &Sweeper{engine: engine, notifier: notifier, interval: interval, log: logger}
}

// Run executes dispatch sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	//1.- Sweep eagerly on startup so a restart doesn't wait a full interval
	// before dispatching commits that were already pending.
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//2.- Sweep again on every tick while the context remains active.
			s.sweep(ctx)
		}
	}
}

// RunOnce performs a single sweep, primarily for tests.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s == nil {
		return
	}
	s.sweep(ctx)
}

// LastSweep reports when the most recent sweep completed and how many
// commits it dispatched.
func (s *Sweeper) LastSweep() (time.Time, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastSwept
}

func (s *Sweeper) sweep(ctx context.Context) {
	iter, err := s.engine.GetUndispatchedCommits(ctx)
	if err != nil {
		s.log.Error("dispatch sweep: list undispatched commits failed", eslog.Error(err))
		return
	}
	defer iter.Close()

	dispatched := 0
	for {
		commit, ok, err := iter.Next(ctx)
		if err != nil {
			s.log.Error("dispatch sweep: iterate undispatched commits failed", eslog.Error(err))
			break
		}
		if !ok {
			break
		}
		if err := s.notifier.Notify(ctx, commit); err != nil {
			s.log.Warn("dispatch sweep: notify failed, will retry next sweep",
				eslog.String("stream_id", commit.StreamID),
				eslog.String("commit_id", commit.CommitID),
				eslog.Error(err))
			continue
		}
		if err := s.engine.MarkCommitAsDispatched(ctx, commit.Partition, commit.StreamID, commit.CommitID); err != nil {
			s.log.Error("dispatch sweep: mark dispatched failed",
				eslog.String("stream_id", commit.StreamID),
				eslog.String("commit_id", commit.CommitID),
				eslog.Error(err))
			continue
		}
		dispatched++
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastSwept = dispatched
	s.mu.Unlock()
}
