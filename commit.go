// Package eventstore implements an optimistic-concurrency event store: an
// append-only commit log grouped into streams, a pluggable persistence
// contract, a pipeline hook chain, and snapshot/stream-head bookkeeping.
package eventstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultPartition is used when a caller does not configure an explicit
// tenancy tag. It carries no special behaviour beyond being the default.
const DefaultPartition = "default"

// Commit is an immutable, atomically persisted batch of events appended to
// a stream. Once accepted by a PersistenceEngine it must be treated as
// read-only by callers.
type Commit struct {
	Partition               string
	StreamID                string
	CommitID                string
	CommitSequence          int64
	StreamRevision          int64
	StartingStreamRevision  int64
	CommitStamp             time.Time
	Headers                 map[string]any
	Events                  []any
	Dispatched              bool
}

// NewCommitID returns a globally unique commit identifier suitable for the
// CommitAttempt.CommitID field.
func NewCommitID() string {
	return uuid.NewString()
}

// EventCount reports how many events this commit carries.
func (c Commit) EventCount() int {
	return len(c.Events)
}

// partitionOrDefault normalizes an empty partition to DefaultPartition.
func partitionOrDefault(partition string) string {
	if partition == "" {
		return DefaultPartition
	}
	return partition
}

// CommitAttempt describes a caller's intent to append events to a stream.
// It becomes a Commit only once a PersistenceEngine accepts it.
type CommitAttempt struct {
	Partition              string
	StreamID               string
	CommitID               string
	CommitSequence         int64
	StreamRevision         int64
	StartingStreamRevision int64
	CommitStamp            time.Time
	Headers                map[string]any
	Events                 []any
}

// Validate enforces the structural invariants from the persistence
// contract: non-empty identifiers, positive sequence/revision, and a
// revision that is never smaller than the sequence. Validation failures
// surface as ErrInvalidCommit; the facade treats them as silent drops
// while direct callers of a PersistenceEngine see the error.
func (a CommitAttempt) Validate() error {
	if a.StreamID == "" {
		return fmt.Errorf("%w: stream id must not be empty", ErrInvalidCommit)
	}
	if a.CommitID == "" {
		return fmt.Errorf("%w: commit id must not be empty", ErrInvalidCommit)
	}
	if a.CommitSequence <= 0 {
		return fmt.Errorf("%w: commit sequence must be positive, got %d", ErrInvalidCommit, a.CommitSequence)
	}
	if a.StreamRevision < a.CommitSequence {
		return fmt.Errorf("%w: stream revision %d is less than commit sequence %d", ErrInvalidCommit, a.StreamRevision, a.CommitSequence)
	}
	if len(a.Events) == 0 {
		return fmt.Errorf("%w: commit must carry at least one event", ErrInvalidCommit)
	}
	return nil
}

// ToCommit materializes the attempt into an immutable Commit, defaulting
// the partition and stamping Dispatched=false as the persistence contract
// requires on every successful write. Backend adapters call this once an
// attempt has cleared duplicate/concurrency checks against their store.
func (a CommitAttempt) ToCommit() Commit {
	headers := make(map[string]any, len(a.Headers))
	for k, v := range a.Headers {
		headers[k] = v
	}
	events := make([]any, len(a.Events))
	copy(events, a.Events)
	return Commit{
		Partition:              partitionOrDefault(a.Partition),
		StreamID:               a.StreamID,
		CommitID:               a.CommitID,
		CommitSequence:         a.CommitSequence,
		StreamRevision:         a.StreamRevision,
		StartingStreamRevision: a.StartingStreamRevision,
		CommitStamp:            a.CommitStamp,
		Headers:                headers,
		Events:                 events,
		Dispatched:             false,
	}
}
