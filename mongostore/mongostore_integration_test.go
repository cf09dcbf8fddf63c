//go:build integration

package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/ledgerstream/eventstore"
)

func startContainer(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcmongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	store, err := Connect(ctx, uri, "eventstore_test", "tenant-a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMongoCommitAndConcurrency(t *testing.T) {
	store := startContainer(t)
	ctx := context.Background()

	attempt := eventstore.CommitAttempt{
		StreamID:               "stream-1",
		CommitID:               "c1",
		CommitSequence:         1,
		StreamRevision:         1,
		StartingStreamRevision: 1,
		CommitStamp:            time.Now().UTC(),
		Events:                 []any{"event"},
	}
	if _, err := store.Commit(ctx, attempt); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := store.Commit(ctx, attempt); !errors.Is(err, eventstore.ErrDuplicateCommit) {
		t.Fatalf("expected ErrDuplicateCommit, got %v", err)
	}

	conflict := attempt
	conflict.CommitID = "c2"
	if _, err := store.Commit(ctx, conflict); !errors.Is(err, eventstore.ErrConcurrency) {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
}

func TestMongoSnapshotRoundTrip(t *testing.T) {
	store := startContainer(t)
	ctx := context.Background()

	attempt := eventstore.CommitAttempt{
		StreamID:               "stream-1",
		CommitID:               "c1",
		CommitSequence:         1,
		StreamRevision:         1,
		StartingStreamRevision: 1,
		CommitStamp:            time.Now().UTC(),
		Events:                 []any{"event"},
	}
	if _, err := store.Commit(ctx, attempt); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if ok := store.AddSnapshot(ctx, eventstore.Snapshot{StreamID: "stream-1", StreamRevision: 1, Payload: map[string]any{"k": "v"}}); !ok {
		t.Fatal("expected AddSnapshot to succeed")
	}

	snapshot, found, err := store.GetSnapshot(ctx, "stream-1", 1)
	if err != nil || !found {
		t.Fatalf("GetSnapshot: found=%v err=%v", found, err)
	}
	if snapshot.StreamRevision != 1 {
		t.Fatalf("expected revision 1, got %d", snapshot.StreamRevision)
	}
}
