package sqlite

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
	path := filepath.Join(t.TempDir(), "events.db")
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

func TestSqliteCommitAndReadBack(t *testing.T) {
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
		commit, ok, err := iter.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if commit.StreamID != "stream-1" {
			t.Fatalf("unexpected stream id %q", commit.StreamID)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 commits, got %d", count)
	}
}

func TestSqliteDuplicateAndConcurrency(t *testing.T) {
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

func TestSqliteSnapshotLifecycle(t *testing.T) {
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
	if len(candidates) != 1 || candidates[0].Unsnapshotted != 3 {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}

	if ok := store.AddSnapshot(ctx, eventstore.Snapshot{StreamID: "stream-1", StreamRevision: 3, Payload: map[string]any{"k": "v"}}); !ok {
		t.Fatal("expected AddSnapshot to succeed")
	}

	candidates, err = store.GetStreamsToSnapshot(ctx, 2)
	if err != nil {
		t.Fatalf("GetStreamsToSnapshot: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates after snapshot, got %+v", candidates)
	}

	snapshot, found, err := store.GetSnapshot(ctx, "stream-1", 3)
	if err != nil || !found {
		t.Fatalf("GetSnapshot: found=%v err=%v", found, err)
	}
	if snapshot.StreamRevision != 3 {
		t.Fatalf("expected revision 3, got %d", snapshot.StreamRevision)
	}
}

func TestSqlitePurge(t *testing.T) {
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
