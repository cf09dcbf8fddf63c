package eventstore

import (
	"context"
	"time"
)

// CommitIterator is a pull-based, cancellation-aware sequence of commits.
// Backends that cannot page return every commit on the first Next call and
// then report io.EOF-equivalent via ok=false; the facade and stream always
// treat the result as lazy regardless of how eagerly a given backend fills
// it.
type CommitIterator interface {
	// Next advances the iterator and reports whether a commit is
	// available. It returns false (with a nil error) once the sequence is
	// exhausted, or a non-nil error if the backend failed mid-iteration.
	Next(ctx context.Context) (Commit, bool, error)

	// Close releases resources backing the iterator (e.g. a database
	// cursor). It is always safe to call multiple times.
	Close() error
}

// PersistenceEngine is the polymorphic backend contract every storage
// substrate (relational, document, key-value) must implement. Every
// operation is implicitly scoped to the partition configured when the
// engine was constructed; two engines configured with different
// partitions over the same physical store must be mutually invisible to
// one another across every read and write operation, including Purge.
type PersistenceEngine interface {
	// Initialize performs schema/index creation. It is idempotent and
	// safe to call concurrently, but only actually creates
	// schema/indexes once per process lifetime.
	Initialize(ctx context.Context) error

	// GetFrom returns, in ascending StreamRevision order, every commit of
	// streamID within the configured partition that contains an event
	// whose revision lies in [minRevision, maxRevision]. maxRevision <= 0
	// means unbounded. Returns an empty iterator if the stream is absent.
	GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (CommitIterator, error)

	// GetFromTimestamp returns every commit in the partition with
	// CommitStamp >= ts, ordered by CommitStamp ascending, ties broken by
	// insertion order.
	GetFromTimestamp(ctx context.Context, ts time.Time) (CommitIterator, error)

	// GetFromTo returns every commit in the partition with
	// start <= CommitStamp < end.
	GetFromTo(ctx context.Context, start, end time.Time) (CommitIterator, error)

	// Commit persists attempt atomically. It fails with ErrDuplicateCommit
	// when a record with the same (partition, streamId, commitId) already
	// exists; ErrConcurrency when a record with the same
	// (partition, streamId, commitSequence) exists with a different
	// commitId; ErrStorageUnavailable on transient outages; ErrStorage on
	// any other backend fault. On success the stored commit has
	// Dispatched=false and the stream-head is updated.
	Commit(ctx context.Context, attempt CommitAttempt) (Commit, error)

	// GetUndispatchedCommits returns every commit in the partition with
	// Dispatched=false, ordered by CommitStamp ascending.
	GetUndispatchedCommits(ctx context.Context) (CommitIterator, error)

	// MarkCommitAsDispatched sets Dispatched=true for the given commit.
	// Idempotent: repeated calls leave persistence in the same state as
	// one call.
	MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error

	// GetStreamsToSnapshot returns stream-heads in the partition with
	// Unsnapshotted >= threshold, most-lagging first.
	GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]StreamHead, error)

	// GetSnapshot returns the highest-revision snapshot with
	// StreamRevision <= maxRevision in the partition, or ok=false if none
	// exists.
	GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (snapshot Snapshot, ok bool, err error)

	// AddSnapshot upserts a snapshot. It never returns an error to the
	// caller: on success it returns true and updates the stream-head's
	// SnapshotRevision/Unsnapshotted; on any failure (including a
	// transient one) it returns false so that opportunistic snapshotting
	// can never corrupt the commit path. Implementations should log the
	// underlying cause rather than surface it.
	AddSnapshot(ctx context.Context, snapshot Snapshot) bool

	// Purge drops every commit, snapshot, and stream-head in the
	// configured partition only.
	Purge(ctx context.Context) error

	// Close releases engine resources (connection pools, background
	// bookkeeping workers). Safe to call once; the engine must not be
	// used afterwards.
	Close() error
}
