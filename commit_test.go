package eventstore

import (
	"errors"
	"testing"
	"time"
)

func validAttempt() CommitAttempt {
	return CommitAttempt{
		StreamID:       "orders-1",
		CommitID:       "c1",
		CommitSequence: 1,
		StreamRevision: 1,
		Events:         []any{"event-a"},
	}
}

func TestCommitAttemptValidateRejectsEmptyStreamID(t *testing.T) {
	attempt := validAttempt()
	attempt.StreamID = ""
	if err := attempt.Validate(); !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("expected ErrInvalidCommit, got %v", err)
	}
}

func TestCommitAttemptValidateRejectsEmptyCommitID(t *testing.T) {
	attempt := validAttempt()
	attempt.CommitID = ""
	if err := attempt.Validate(); !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("expected ErrInvalidCommit, got %v", err)
	}
}

func TestCommitAttemptValidateRejectsNonPositiveSequence(t *testing.T) {
	attempt := validAttempt()
	attempt.CommitSequence = 0
	if err := attempt.Validate(); !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("expected ErrInvalidCommit, got %v", err)
	}
}

func TestCommitAttemptValidateRejectsRevisionBelowSequence(t *testing.T) {
	attempt := validAttempt()
	attempt.CommitSequence = 5
	attempt.StreamRevision = 4
	if err := attempt.Validate(); !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("expected ErrInvalidCommit, got %v", err)
	}
}

func TestCommitAttemptValidateRejectsEmptyEvents(t *testing.T) {
	attempt := validAttempt()
	attempt.Events = nil
	if err := attempt.Validate(); !errors.Is(err, ErrInvalidCommit) {
		t.Fatalf("expected ErrInvalidCommit, got %v", err)
	}
}

func TestCommitAttemptValidateAcceptsWellFormedAttempt(t *testing.T) {
	if err := validAttempt().Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestToCommitDefaultsPartitionAndCopiesSlicesAndMaps(t *testing.T) {
	attempt := validAttempt()
	attempt.Headers = map[string]any{"trace": "abc"}
	attempt.CommitStamp = time.Unix(100, 0).UTC()

	commit := attempt.ToCommit()

	if commit.Partition != DefaultPartition {
		t.Fatalf("expected default partition, got %q", commit.Partition)
	}
	if commit.Dispatched {
		t.Fatal("expected a freshly materialized commit to be undispatched")
	}
	if commit.CommitStamp != attempt.CommitStamp {
		t.Fatalf("expected commit stamp to be preserved, got %v", commit.CommitStamp)
	}

	// Mutating the attempt's backing slices/maps after ToCommit must not
	// leak into the materialized commit.
	attempt.Events[0] = "mutated"
	attempt.Headers["trace"] = "mutated"
	if commit.Events[0] != "event-a" {
		t.Fatalf("expected commit events to be an independent copy, got %v", commit.Events[0])
	}
	if commit.Headers["trace"] != "abc" {
		t.Fatalf("expected commit headers to be an independent copy, got %v", commit.Headers["trace"])
	}
}

func TestToCommitPreservesExplicitPartition(t *testing.T) {
	attempt := validAttempt()
	attempt.Partition = "tenant-a"
	if got := attempt.ToCommit().Partition; got != "tenant-a" {
		t.Fatalf("expected partition tenant-a, got %q", got)
	}
}

func TestCommitEventCount(t *testing.T) {
	commit := Commit{Events: []any{"a", "b", "c"}}
	if commit.EventCount() != 3 {
		t.Fatalf("expected event count 3, got %d", commit.EventCount())
	}
}

func TestNewCommitIDIsUniqueAndNonEmpty(t *testing.T) {
	a := NewCommitID()
	b := NewCommitID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty commit ids")
	}
	if a == b {
		t.Fatal("expected two calls to NewCommitID to produce distinct ids")
	}
}
