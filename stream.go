package eventstore

import (
	"context"
	"errors"

	"github.com/ledgerstream/eventstore/eslog"
)

// OptimisticEventStream is a per-stream session combining an in-memory
// uncommitted buffer with a committed cursor and conflict detection. A
// single stream instance is NOT thread-safe and must not be shared across
// goroutines; the owning facade and persistence engine are safe for
// concurrent use by independent stream instances.
type OptimisticEventStream struct {
	store     *EventStore
	partition string
	streamID  string

	streamRevision int64
	commitSequence int64

	committedEvents  []any
	committedHeaders map[string]any

	uncommittedEvents  []any
	uncommittedHeaders map[string]any
}

func newStream(store *EventStore, partition, streamID string) *OptimisticEventStream {
	return &OptimisticEventStream{
		store:            store,
		partition:        partition,
		streamID:         streamID,
		committedHeaders: make(map[string]any),
	}
}

// StreamID reports the stream's identifier.
func (s *OptimisticEventStream) StreamID() string { return s.streamID }

// Partition reports the stream's partition.
func (s *OptimisticEventStream) Partition() string { return s.partition }

// StreamRevision reports the highest revision of committed events observed
// by this stream instance.
func (s *OptimisticEventStream) StreamRevision() int64 { return s.streamRevision }

// CommitSequence reports the highest commit sequence observed by this
// stream instance.
func (s *OptimisticEventStream) CommitSequence() int64 { return s.commitSequence }

// CommittedEvents returns the events this stream instance has observed as
// history, in append order.
func (s *OptimisticEventStream) CommittedEvents() []any {
	out := make([]any, len(s.committedEvents))
	copy(out, s.committedEvents)
	return out
}

// UncommittedEvents returns the events buffered but not yet committed.
func (s *OptimisticEventStream) UncommittedEvents() []any {
	out := make([]any, len(s.uncommittedEvents))
	copy(out, s.uncommittedEvents)
	return out
}

// Add appends an event to the uncommitted buffer.
func (s *OptimisticEventStream) Add(event any) {
	if event == nil {
		return
	}
	s.uncommittedEvents = append(s.uncommittedEvents, event)
}

// AddHeader merges a header into the uncommitted buffer. A later call with
// the same key overwrites the earlier value.
func (s *OptimisticEventStream) AddHeader(key string, value any) {
	if key == "" {
		return
	}
	if s.uncommittedHeaders == nil {
		s.uncommittedHeaders = make(map[string]any)
	}
	s.uncommittedHeaders[key] = value
}

// ClearChanges discards the uncommitted buffer without affecting committed
// state.
func (s *OptimisticEventStream) ClearChanges() {
	s.uncommittedEvents = nil
	s.uncommittedHeaders = nil
}

// hydrate drains a read-mode iterator, folding every commit into the
// committed buffers and advancing streamRevision/commitSequence from the
// last commit seen. Events are filtered through the facade's hook chain.
func (s *OptimisticEventStream) hydrate(ctx context.Context, iter CommitIterator) error {
	defer iter.Close()
	for {
		commit, ok, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		filtered, keep := s.store.hooks.Select(commit)
		if !keep {
			continue
		}
		s.foldCommit(filtered)
	}
}

// applySnapshot seeds the committed cursor from a snapshot without adding
// any events to the committed buffer (the caller is expected to have
// reconstructed its own materialized state from the snapshot payload).
func (s *OptimisticEventStream) applySnapshot(snapshot Snapshot) {
	s.streamRevision = snapshot.StreamRevision
}

func (s *OptimisticEventStream) foldCommit(commit Commit) {
	s.committedEvents = append(s.committedEvents, commit.Events...)
	for k, v := range commit.Headers {
		s.committedHeaders[k] = v
	}
	s.streamRevision = commit.StreamRevision
	s.commitSequence = commit.CommitSequence
}

// CommitChanges submits the uncommitted buffer as a single commit
// identified by commitID, following the optimistic-concurrency protocol:
//
//  1. If there are no uncommitted events, this is a no-op.
//  2. An attempt is built with CommitSequence = current+1,
//     StreamRevision = current+len(uncommitted), and the caller-supplied
//     commitID.
//  3. On success, committed buffers absorb the uncommitted events/headers
//     and the uncommitted buffer is cleared.
//  4. On ErrDuplicateCommit, local state is left untouched and the error
//     is surfaced unchanged — the commit is logically already recorded
//     with this commitID.
//  5. On ErrConcurrency, the stream rebases: it re-reads every commit
//     persisted after the last one this instance observed, folds them
//     into committed state (without touching the uncommitted buffer),
//     and then surfaces ErrConcurrency so the caller can decide whether
//     to retry.
func (s *OptimisticEventStream) CommitChanges(ctx context.Context, commitID string) (Commit, error) {
	if len(s.uncommittedEvents) == 0 {
		return Commit{}, nil
	}

	attempt := CommitAttempt{
		Partition:              s.partition,
		StreamID:               s.streamID,
		CommitID:               commitID,
		CommitSequence:         s.commitSequence + 1,
		StreamRevision:         s.streamRevision + int64(len(s.uncommittedEvents)),
		StartingStreamRevision: s.streamRevision + 1,
		Headers:                s.uncommittedHeaders,
		Events:                 s.uncommittedEvents,
	}

	commit, err := s.store.Commit(ctx, attempt)
	if err != nil {
		if errors.Is(err, ErrConcurrency) {
			if rebaseErr := s.rebase(ctx); rebaseErr != nil {
				s.store.logger.Error("rebase after concurrency conflict failed",
					eslog.String("stream_id", s.streamID),
					eslog.Error(rebaseErr))
			}
			return Commit{}, err
		}
		return Commit{}, err
	}

	s.committedEvents = append(s.committedEvents, s.uncommittedEvents...)
	for k, v := range s.uncommittedHeaders {
		s.committedHeaders[k] = v
	}
	s.streamRevision = commit.StreamRevision
	s.commitSequence = commit.CommitSequence
	s.uncommittedEvents = nil
	s.uncommittedHeaders = nil
	return commit, nil
}

// rebase re-reads every commit persisted after the sequence this instance
// currently knows about and folds them into committed state, preserving
// the uncommitted buffer.
func (s *OptimisticEventStream) rebase(ctx context.Context) error {
	iter, err := s.store.persistence.GetFrom(ctx, s.streamID, s.streamRevision+1, 0)
	if err != nil {
		return err
	}
	defer iter.Close()
	for {
		commit, ok, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		filtered, keep := s.store.hooks.Select(commit)
		if !keep {
			continue
		}
		s.foldCommit(filtered)
	}
}
