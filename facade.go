package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerstream/eventstore/eslog"
)

// EventStore is the factory for streams: it wraps a PersistenceEngine and
// a fixed hook chain, and offers Advanced for administrative access to the
// raw persistence operations.
type EventStore struct {
	persistence PersistenceEngine
	hooks       *HookChain
	logger      *eslog.Logger
	now         func() time.Time

	mu       sync.Mutex
	disposed bool
}

// Option customises an EventStore at construction time.
type Option func(*EventStore)

// WithLogger overrides the logger used for silent-drop diagnostics.
func WithLogger(logger *eslog.Logger) Option {
	return func(s *EventStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the commit-stamp time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *EventStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewEventStore constructs a facade over persistence, running commits and
// reads through the given hook chain (which may be empty).
func NewEventStore(persistence PersistenceEngine, hooks *HookChain, opts ...Option) *EventStore {
	store := &EventStore{
		persistence: persistence,
		hooks:       hooks,
		logger:      eslog.L(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Advanced exposes the underlying persistence engine directly, for
// administrative code that needs operations outside the stream-oriented
// surface (Purge, GetStreamsToSnapshot, GetUndispatchedCommits, ...).
func (s *EventStore) Advanced() PersistenceEngine {
	return s.persistence
}

// CreateStream returns an empty stream positioned at revision 0, sequence 0.
func (s *EventStore) CreateStream(streamID string) (*OptimisticEventStream, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}
	return newStream(s, DefaultPartition, streamID), nil
}

// CreateStreamInPartition is CreateStream scoped to an explicit partition.
func (s *EventStore) CreateStreamInPartition(partition, streamID string) (*OptimisticEventStream, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}
	return newStream(s, partitionOrDefault(partition), streamID), nil
}

// OpenStream reads commits [minRevision, maxRevision] through GetFrom and
// the hook Select filter, reconstituting a stream positioned at the
// highest observed revision. maxRevision <= 0 means unbounded.
func (s *EventStore) OpenStream(ctx context.Context, streamID string, minRevision, maxRevision int64) (*OptimisticEventStream, error) {
	return s.OpenStreamInPartition(ctx, DefaultPartition, streamID, minRevision, maxRevision)
}

// OpenStreamInPartition is OpenStream scoped to an explicit partition.
func (s *EventStore) OpenStreamInPartition(ctx context.Context, partition, streamID string, minRevision, maxRevision int64) (*OptimisticEventStream, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}
	partition = partitionOrDefault(partition)
	stream := newStream(s, partition, streamID)
	iter, err := s.persistence.GetFrom(ctx, streamID, minRevision, maxRevision)
	if err != nil {
		return nil, err
	}
	if err := stream.hydrate(ctx, iter); err != nil {
		return nil, err
	}
	return stream, nil
}

// OpenStreamFromSnapshot starts from snapshot.StreamRevision+1 and reads
// forward to maxRevision.
func (s *EventStore) OpenStreamFromSnapshot(ctx context.Context, snapshot Snapshot, maxRevision int64) (*OptimisticEventStream, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}
	partition := partitionOrDefault(snapshot.Partition)
	stream := newStream(s, partition, snapshot.StreamID)
	stream.applySnapshot(snapshot)
	iter, err := s.persistence.GetFrom(ctx, snapshot.StreamID, snapshot.StreamRevision+1, maxRevision)
	if err != nil {
		return nil, err
	}
	if err := stream.hydrate(ctx, iter); err != nil {
		return nil, err
	}
	return stream, nil
}

// Commit is the central write path: it validates the attempt (silently
// dropping invalid or event-empty attempts, which is logged rather than
// returned as an error — see spec.md §9's open question), runs pre-hooks,
// calls persistence, then runs post-hooks. It fails only with whatever
// persistence raises (ErrConcurrency, ErrDuplicateCommit,
// ErrStorageUnavailable, ErrStorage).
func (s *EventStore) Commit(ctx context.Context, attempt CommitAttempt) (Commit, error) {
	if err := s.checkDisposed(); err != nil {
		return Commit{}, err
	}
	attempt.Partition = partitionOrDefault(attempt.Partition)
	if attempt.CommitStamp.IsZero() {
		attempt.CommitStamp = s.now().UTC()
	}

	if err := attempt.Validate(); err != nil {
		s.logger.Debug("dropping invalid commit attempt",
			eslog.String("stream_id", attempt.StreamID),
			eslog.String("commit_id", attempt.CommitID),
			eslog.Error(err))
		return Commit{}, nil
	}

	if !s.hooks.PreCommit(attempt) {
		s.logger.Debug("pre-commit hook rejected attempt",
			eslog.String("stream_id", attempt.StreamID),
			eslog.String("commit_id", attempt.CommitID))
		return Commit{}, nil
	}

	commit, err := s.persistence.Commit(ctx, attempt)
	if err != nil {
		return Commit{}, err
	}

	s.hooks.PostCommit(commit)
	return commit, nil
}

// Close releases persistence and every hook exactly once. Subsequent
// operations fail with ErrObjectDisposed.
func (s *EventStore) Close() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	s.hooks.Dispose()
	return s.persistence.Close()
}

func (s *EventStore) checkDisposed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("event store: %w", ErrObjectDisposed)
	}
	return nil
}
