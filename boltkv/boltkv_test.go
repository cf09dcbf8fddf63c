package boltkv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerstream/eventstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.bolt")
	store, err := Open(path, "tenant-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testAttempt(streamID, commitID string, sequence, revision int64) eventstore.CommitAttempt {
	return eventstore.CommitAttempt{
		StreamID:               streamID,
		CommitID:               commitID,
		CommitSequence:         sequence,
		StreamRevision:         revision,
		StartingStreamRevision: revision,
		CommitStamp:            time.Now().UTC(),
		Events:                 []any{"event"},
	}
}

func TestBoltCommitAndReadBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Commit(ctx, testAttempt("stream-1", "c1", 1, 1)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.Commit(ctx, testAttempt("stream-1", "c2", 2, 2)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	iter, err := store.GetFrom(ctx, "stream-1", 1, 0)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	defer iter.Close()

	count := 0
	for {
		_, ok, err := iter.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 commits, got %d", count)
	}
}

func TestBoltDuplicateAndConcurrency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Commit(ctx, testAttempt("stream-1", "c1", 1, 1)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.Commit(ctx, testAttempt("stream-1", "c1", 1, 1)); !errors.Is(err, eventstore.ErrDuplicateCommit) {
		t.Fatalf("expected ErrDuplicateCommit, got %v", err)
	}
	if _, err := store.Commit(ctx, testAttempt("stream-1", "c2", 1, 1)); !errors.Is(err, eventstore.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
}

func TestBoltSnapshotAndDispatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := store.Commit(ctx, testAttempt("stream-1", string(rune('a'+i)), i, i)); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	candidates, err := store.GetStreamsToSnapshot(ctx, 2)
	if err != nil {
		t.Fatalf("GetStreamsToSnapshot: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	if ok := store.AddSnapshot(ctx, eventstore.Snapshot{StreamID: "stream-1", StreamRevision: 3, Payload: "state"}); !ok {
		t.Fatal("expected AddSnapshot to succeed")
	}

	snapshot, found, err := store.GetSnapshot(ctx, "stream-1", 3)
	if err != nil || !found {
		t.Fatalf("GetSnapshot: found=%v err=%v", found, err)
	}
	if snapshot.StreamRevision != 3 {
		t.Fatalf("expected revision 3, got %d", snapshot.StreamRevision)
	}

	iter, err := store.GetUndispatchedCommits(ctx)
	if err != nil {
		t.Fatalf("GetUndispatchedCommits: %v", err)
	}
	count := 0
	for {
		commit, ok, err := iter.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
		if err := store.MarkCommitAsDispatched(ctx, "tenant-a", "stream-1", commit.CommitID); err != nil {
			t.Fatalf("MarkCommitAsDispatched: %v", err)
		}
	}
	iter.Close()
	if count != 3 {
		t.Fatalf("expected 3 undispatched commits, got %d", count)
	}

	iter, err = store.GetUndispatchedCommits(ctx)
	if err != nil {
		t.Fatalf("GetUndispatchedCommits: %v", err)
	}
	defer iter.Close()
	if _, ok, _ := iter.Next(ctx); ok {
		t.Fatal("expected no undispatched commits remaining")
	}
}

func TestBoltPurge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Commit(ctx, testAttempt("stream-1", "c1", 1, 1)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	iter, err := store.GetFrom(ctx, "stream-1", 1, 0)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	defer iter.Close()
	if _, ok, _ := iter.Next(ctx); ok {
		t.Fatal("expected no commits after purge")
	}
}
