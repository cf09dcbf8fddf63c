// Package memstore is the in-process reference eventstore.PersistenceEngine
// implementation: plain Go maps guarded by a mutex, with no paging and no
// external dependency. It exists to exercise every universal property and
// concrete scenario from the persistence contract without a real database,
// and to let multiple partition-scoped engines share one physical store the
// way spec.md requires of every backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/adapter"
)

// Backend is the shared physical store: every partition-scoped Store
// constructed via Engine draws from the same maps, so two engines with
// different partitions over one Backend are mutually invisible the same
// way two connections to one real database would be.
type Backend struct {
	mu        sync.RWMutex
	commits   map[string][]eventstore.Commit
	snapshots map[string][]eventstore.Snapshot
	heads     map[string]eventstore.StreamHead
	closed    bool
}

// NewBackend constructs an empty shared store.
func NewBackend() *Backend {
	return &Backend{
		commits:   make(map[string][]eventstore.Commit),
		snapshots: make(map[string][]eventstore.Snapshot),
		heads:     make(map[string]eventstore.StreamHead),
	}
}

// Engine returns a PersistenceEngine scoped to partition, backed by b.
func (b *Backend) Engine(partition string) *Store {
	return &Store{backend: b, partition: partitionOrDefault(partition)}
}

// Store is a single partition's view over a Backend.
type Store struct {
	backend   *Backend
	partition string
}

// New constructs a Store with its own private Backend, for callers that
// don't need to share state across partitions.
func New(partition string) *Store {
	return NewBackend().Engine(partition)
}

func partitionOrDefault(partition string) string {
	if partition == "" {
		return eventstore.DefaultPartition
	}
	return partition
}

func streamKey(partition, streamID string) string {
	return partition + "|" + streamID
}

// Initialize is a no-op: there is no schema to create in memory.
func (s *Store) Initialize(ctx context.Context) error {
	return nil
}

type sliceIterator struct {
	commits []eventstore.Commit
	idx     int
}

func (it *sliceIterator) Next(ctx context.Context) (eventstore.Commit, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Commit{}, false, err
	}
	if it.idx >= len(it.commits) {
		return eventstore.Commit{}, false, nil
	}
	commit := it.commits[it.idx]
	it.idx++
	return commit, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// GetFrom returns commits of streamID whose span overlaps [minRevision, maxRevision].
func (s *Store) GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (eventstore.CommitIterator, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	var out []eventstore.Commit
	for _, commit := range s.backend.commits[streamKey(s.partition, streamID)] {
		if adapter.Overlaps(commit.StartingStreamRevision, commit.StreamRevision, minRevision, maxRevision) {
			out = append(out, commit)
		}
	}
	return &sliceIterator{commits: out}, nil
}

// GetFromTimestamp returns every commit in the partition with CommitStamp
// >= ts, ordered by CommitStamp ascending, ties broken by insertion order.
func (s *Store) GetFromTimestamp(ctx context.Context, ts time.Time) (eventstore.CommitIterator, error) {
	return s.GetFromTo(ctx, ts, time.Time{})
}

// GetFromTo returns every commit in the partition with start <= CommitStamp
// < end. A zero end means unbounded.
func (s *Store) GetFromTo(ctx context.Context, start, end time.Time) (eventstore.CommitIterator, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	var out []eventstore.Commit
	prefix := s.partition + "|"
	for key, commits := range s.backend.commits {
		if !hasPrefix(key, prefix) {
			continue
		}
		for _, commit := range commits {
			if commit.CommitStamp.Before(start) {
				continue
			}
			if !end.IsZero() && !commit.CommitStamp.Before(end) {
				continue
			}
			out = append(out, commit)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CommitStamp.Before(out[j].CommitStamp)
	})
	return &sliceIterator{commits: out}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Commit persists attempt, classifying any collision as a duplicate or a
// concurrency conflict before touching the stream-head.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return eventstore.Commit{}, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}

	attempt.Partition = s.partition
	key := streamKey(s.partition, attempt.StreamID)
	existing := s.backend.commits[key]

	var bySequence, byCommitID *adapter.ExistingCommit
	for _, commit := range existing {
		if commit.CommitSequence == attempt.CommitSequence {
			found := commit.CommitID
			bySequence = &adapter.ExistingCommit{CommitID: found}
		}
		if commit.CommitID == attempt.CommitID {
			found := commit.CommitID
			byCommitID = &adapter.ExistingCommit{CommitID: found}
		}
	}
	if err := adapter.Classify(attempt, bySequence, byCommitID); err != nil {
		return eventstore.Commit{}, err
	}

	commit := attempt.ToCommit()
	s.backend.commits[key] = append(existing, commit)

	current, ok := s.backend.heads[key]
	var head eventstore.StreamHead
	if ok {
		head = adapter.NextHead(&current, s.partition, attempt.StreamID, commit.StreamRevision)
	} else {
		head = adapter.NextHead(nil, s.partition, attempt.StreamID, commit.StreamRevision)
	}
	s.backend.heads[key] = head

	return commit, nil
}

// GetUndispatchedCommits returns every commit in the partition with
// Dispatched=false, ordered by CommitStamp ascending.
func (s *Store) GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	var out []eventstore.Commit
	prefix := s.partition + "|"
	for key, commits := range s.backend.commits {
		if !hasPrefix(key, prefix) {
			continue
		}
		for _, commit := range commits {
			if !commit.Dispatched {
				out = append(out, commit)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CommitStamp.Before(out[j].CommitStamp)
	})
	return &sliceIterator{commits: out}, nil
}

// MarkCommitAsDispatched sets Dispatched=true for the given commit. It is
// idempotent: marking an already-dispatched or absent commit is not an error.
func (s *Store) MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	key := streamKey(partitionOrDefault(partition), streamID)
	commits := s.backend.commits[key]
	for i := range commits {
		if commits[i].CommitID == commitID {
			commits[i].Dispatched = true
			return nil
		}
	}
	return nil
}

// GetStreamsToSnapshot returns stream-heads in the partition with
// Unsnapshotted >= threshold, most-lagging first.
func (s *Store) GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	var out []eventstore.StreamHead
	prefix := s.partition + "|"
	for key, head := range s.backend.heads {
		if !hasPrefix(key, prefix) {
			continue
		}
		if head.Unsnapshotted >= threshold {
			out = append(out, head)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Unsnapshotted > out[j].Unsnapshotted
	})
	return out, nil
}

// GetSnapshot returns the highest-revision snapshot with StreamRevision <=
// maxRevision in the partition, or ok=false if none exists.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return eventstore.Snapshot{}, false, fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	key := streamKey(s.partition, streamID)
	var best eventstore.Snapshot
	found := false
	for _, snapshot := range s.backend.snapshots[key] {
		if maxRevision > 0 && snapshot.StreamRevision > maxRevision {
			continue
		}
		if !found || snapshot.StreamRevision >= best.StreamRevision {
			best = snapshot
			found = true
		}
	}
	return best, found, nil
}

// AddSnapshot upserts a snapshot keyed on (partition, streamId,
// streamRevision), replacing any existing entry at that exact revision in
// place, and on success updates the stream-head's
// SnapshotRevision/Unsnapshotted. It never returns an error: failures are
// logged by the caller's own instrumentation, not surfaced here.
func (s *Store) AddSnapshot(ctx context.Context, snapshot eventstore.Snapshot) bool {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return false
	}
	snapshot.Partition = s.partition
	key := streamKey(s.partition, snapshot.StreamID)
	replaced := false
	for i, existing := range s.backend.snapshots[key] {
		if existing.StreamRevision == snapshot.StreamRevision {
			s.backend.snapshots[key][i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		s.backend.snapshots[key] = append(s.backend.snapshots[key], snapshot)
	}

	if head, ok := s.backend.heads[key]; ok {
		s.backend.heads[key] = head.WithSnapshot(snapshot.StreamRevision)
	}
	return true
}

// Purge drops every commit, snapshot, and stream-head in this store's
// partition only; other partitions sharing the same Backend are untouched.
func (s *Store) Purge(ctx context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return fmt.Errorf("memstore: %w", eventstore.ErrStorageUnavailable)
	}
	prefix := s.partition + "|"
	for key := range s.backend.commits {
		if hasPrefix(key, prefix) {
			delete(s.backend.commits, key)
		}
	}
	for key := range s.backend.snapshots {
		if hasPrefix(key, prefix) {
			delete(s.backend.snapshots, key)
		}
	}
	for key := range s.backend.heads {
		if hasPrefix(key, prefix) {
			delete(s.backend.heads, key)
		}
	}
	return nil
}

// Close marks the underlying Backend closed. Since Backend may be shared
// across partition-scoped Stores, closing one closes all of them — callers
// that want independent lifecycles should use New, not a shared Engine.
func (s *Store) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.closed = true
	return nil
}

var _ eventstore.PersistenceEngine = (*Store)(nil)
