// Package snapshotscan periodically polls for streams that have accumulated
// enough unsnapshotted commits to warrant a new snapshot, and hands each
// candidate to a caller-supplied builder. Building and persisting the
// snapshot itself is the caller's responsibility (spec.md §4.C); the scanner
// only owns the polling loop.
package snapshotscan

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/eslog"
)

// Builder produces and persists a snapshot for a stream that has crossed the
// threshold. Returning an error leaves the stream a candidate again on the
// next scan.
type Builder interface {
	BuildSnapshot(ctx context.Context, streamID string) error
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(ctx context.Context, streamID string) error

// BuildSnapshot calls f.
func (f BuilderFunc) BuildSnapshot(ctx context.Context, streamID string) error { return f(ctx, streamID) }

// Scanner periodically calls GetStreamsToSnapshot and drives a Builder over
// the returned candidates.
type Scanner struct {
	engine    eventstore.PersistenceEngine
	builder   Builder
	threshold int64
	interval  time.Duration
	log       *eslog.Logger

	mu             sync.RWMutex
	lastRun        time.Time
	lastCandidates int
}

// NewScanner constructs a Scanner that, on interval (defaulting to five
// minutes if non-positive), asks engine for streams with at least
// threshold unsnapshotted events and offers each to builder.
func NewScanner(engine eventstore.PersistenceEngine, builder Builder, threshold int64, interval time.Duration, logger *eslog.Logger) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 1
	}
	if logger == nil {
		logger = eslog.L()
	}
	return &Scanner{engine: engine, builder: builder, threshold: threshold, interval: interval, log: logger}
}

// Run executes scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	//1.- Scan eagerly on startup, matching the dispatch sweeper's behavior:
	// a restart shouldn't wait a full interval to catch up on backlog.
	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// RunOnce performs a single scan, primarily for tests.
func (s *Scanner) RunOnce(ctx context.Context) {
	if s == nil {
		return
	}
	s.scan(ctx)
}

// LastScan reports when the most recent scan completed and how many
// candidates it found.
func (s *Scanner) LastScan() (time.Time, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastCandidates
}

func (s *Scanner) scan(ctx context.Context) {
	heads, err := s.engine.GetStreamsToSnapshot(ctx, s.threshold)
	if err != nil {
		s.log.Error("snapshot scan: list candidates failed", eslog.Error(err))
		return
	}

	for _, head := range heads {
		if err := s.builder.BuildSnapshot(ctx, head.StreamID); err != nil {
			s.log.Warn("snapshot scan: build failed, will retry next scan",
				eslog.String("stream_id", head.StreamID), eslog.Error(err))
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastCandidates = len(heads)
	s.mu.Unlock()
}
