package notify

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerstream/eventstore"
)

func testCommit(streamID, commitID string, sequence int64) eventstore.Commit {
	return eventstore.Commit{
		Partition:      "tenant-a",
		StreamID:       streamID,
		CommitID:       commitID,
		CommitSequence: sequence,
		StreamRevision: sequence,
		CommitStamp:    time.Now().UTC(),
		Events:         []any{"event"},
	}
}

func TestPublishDeliversToActiveListener(t *testing.T) {
	hub := NewHub(Config{})
	listener, err := hub.Subscribe(context.Background(), "listener-1", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer listener.Close()

	hub.Publish(testCommit("stream-1", "c1", 1))

	select {
	case delivery := <-listener.Deliveries():
		if delivery.Commit.CommitID != "c1" {
			t.Fatalf("expected c1, got %q", delivery.Commit.CommitID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}
}

func TestReconnectReplaysUnacknowledged(t *testing.T) {
	hub := NewHub(Config{})
	listener, err := hub.Subscribe(context.Background(), "listener-1", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	hub.Publish(testCommit("stream-1", "c1", 1))
	hub.Publish(testCommit("stream-1", "c2", 2))

	first := <-listener.Deliveries()
	if err := listener.Ack(first.Seq); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	listener.Close()

	// Reconnect without acking the second delivery; it must be replayed.
	listener, err = hub.Subscribe(context.Background(), "listener-1", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer listener.Close()

	select {
	case delivery := <-listener.Deliveries():
		if delivery.Commit.CommitID != "c2" {
			t.Fatalf("expected replay of c2, got %q", delivery.Commit.CommitID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected replay of unacknowledged delivery")
	}
}

func TestAckOutOfOrderRejected(t *testing.T) {
	hub := NewHub(Config{})
	listener, err := hub.Subscribe(context.Background(), "listener-1", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer listener.Close()

	hub.Publish(testCommit("stream-1", "c1", 1))
	hub.Publish(testCommit("stream-1", "c2", 2))
	<-listener.Deliveries()

	if err := listener.Ack(2); err != ErrOutOfOrderAck {
		t.Fatalf("expected ErrOutOfOrderAck, got %v", err)
	}
}

func TestSlowListenerDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(Config{})
	listener, err := hub.Subscribe(context.Background(), "listener-1", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			hub.Publish(testCommit("stream-1", "c", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow listener")
	}
}
