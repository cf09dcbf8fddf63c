package eventstore

import "errors"

// Error taxonomy surfaced by a PersistenceEngine and the facade built on
// top of it. Callers should use errors.Is against these sentinels rather
// than string-matching.
var (
	// ErrConcurrency indicates an attempted commit collided with an
	// already-persisted commit at the same stream+sequence but a
	// different commit id.
	ErrConcurrency = errors.New("eventstore: concurrency conflict")

	// ErrDuplicateCommit indicates an attempted commit collided on the
	// same commit id as an already-persisted commit.
	ErrDuplicateCommit = errors.New("eventstore: duplicate commit")

	// ErrStorageUnavailable indicates a transient backend connectivity
	// failure; callers may retry.
	ErrStorageUnavailable = errors.New("eventstore: storage unavailable")

	// ErrStorage indicates any other backend fault; callers should treat
	// the operation as failed.
	ErrStorage = errors.New("eventstore: storage error")

	// ErrInvalidCommit indicates a commit attempt failed structural
	// validation (missing ids, non-positive sequence/revision, revision
	// less than sequence, or no events).
	ErrInvalidCommit = errors.New("eventstore: invalid commit attempt")

	// ErrObjectDisposed indicates use of a facade or stream after Close.
	ErrObjectDisposed = errors.New("eventstore: object disposed")
)
