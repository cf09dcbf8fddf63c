// Package adapter provides bookkeeping shared by every concrete
// eventstore.PersistenceEngine backend: classifying a write collision as a
// duplicate or a concurrency conflict, recomputing stream-heads from
// observed commits, and selecting the in-range window for a read. Backends
// hold their own connections and transactions; this package only knows
// about eventstore's types.
package adapter

import (
	"fmt"

	"github.com/ledgerstream/eventstore"
)

// ExistingCommit is the minimal shape a backend needs to report about a
// commit already stored at the same (partition, streamId, commitSequence)
// position, so Classify can decide which sentinel error applies without
// the backend re-deriving the distinction itself.
type ExistingCommit struct {
	CommitID string
}

// Classify compares an incoming attempt against a commit already stored at
// the same sequence position (if any) and a commit already stored under
// the same commit id (if any), and returns the error a PersistenceEngine
// must raise. A nil, nil return means the attempt is clear to persist.
func Classify(attempt eventstore.CommitAttempt, bySequence *ExistingCommit, byCommitID *ExistingCommit) error {
	if byCommitID != nil {
		return fmt.Errorf("%w: commit id %q already recorded for stream %q", eventstore.ErrDuplicateCommit, attempt.CommitID, attempt.StreamID)
	}
	if bySequence != nil && bySequence.CommitID != attempt.CommitID {
		return fmt.Errorf("%w: stream %q already has a commit at sequence %d", eventstore.ErrConcurrency, attempt.StreamID, attempt.CommitSequence)
	}
	return nil
}

// NextHead folds an accepted commit into a stream-head, creating one if
// none was previously observed for the (partition, streamId) pair.
func NextHead(existing *eventstore.StreamHead, partition, streamID string, headRevision int64) eventstore.StreamHead {
	if existing == nil {
		return eventstore.NewStreamHead(partition, streamID, headRevision)
	}
	return existing.Advance(headRevision)
}

// Overlaps reports whether a commit spanning [startRevision, endRevision]
// contains any event in [min, max], where max<=0 means unbounded. Shared
// by every backend's GetFrom implementation so the bounds-interpretation
// rule lives in exactly one place.
func Overlaps(startRevision, endRevision, min, max int64) bool {
	if endRevision < min {
		return false
	}
	if max > 0 && startRevision > max {
		return false
	}
	return true
}

// PageSize is the default keyset-pagination page size used by backends
// that support native server-side cursors (e.g. postgres). Backends
// without server-side cursors materialize everything in one page.
const PageSize = 256
