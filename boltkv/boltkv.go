// Package boltkv is a key-value-with-compare-and-swap eventstore.
// PersistenceEngine backed by go.etcd.io/bbolt. bbolt already serializes
// writer transactions per database, so reading the current value of a key
// and writing a new one inside the same bolt.Tx gives compare-and-swap
// semantics without any extra locking. Commit and snapshot payloads are
// compressed with github.com/golang/snappy before being written, the same
// way the replay log writer this package is modeled on compresses its
// frames.
package boltkv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/adapter"
)

var (
	bucketCommits   = []byte("commits")
	bucketByCommit  = []byte("commits_by_id")
	bucketSnapshots = []byte("snapshots")
	bucketHeads     = []byte("stream_heads")
)

// Store is a bbolt-backed PersistenceEngine scoped to a single partition.
// Every key is prefixed with the partition so one database file can safely
// host more than one partition's data.
type Store struct {
	db        *bolt.DB
	partition string
}

// Open opens (creating if absent) a bbolt database file at path, scoped to
// partition. Call Initialize before first use.
func Open(path, partition string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: open: %w", err)
	}
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	return &Store{db: db, partition: partition}, nil
}

// Initialize creates the bucket family. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCommits, bucketByCommit, bucketSnapshots, bucketHeads} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltkv: initialize: %w", err)
	}
	return nil
}

func commitKey(partition, streamID string, sequence int64) []byte {
	key := make([]byte, 0, len(partition)+len(streamID)+9)
	key = append(key, []byte(partition)...)
	key = append(key, '|')
	key = append(key, []byte(streamID)...)
	key = append(key, '|')
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	return append(key, seq[:]...)
}

func commitIDKey(partition, streamID, commitID string) []byte {
	return []byte(partition + "|" + streamID + "|" + commitID)
}

func headKey(partition, streamID string) []byte {
	return []byte(partition + "|" + streamID)
}

func snapshotKey(partition, streamID string, revision int64) []byte {
	return commitKey(partition, streamID, revision)
}

type storedCommit struct {
	Partition              string         `json:"partition"`
	StreamID               string         `json:"stream_id"`
	CommitID               string         `json:"commit_id"`
	CommitSequence         int64          `json:"commit_sequence"`
	StreamRevision         int64          `json:"stream_revision"`
	StartingStreamRevision int64          `json:"starting_stream_revision"`
	CommitStamp            time.Time      `json:"commit_stamp"`
	Headers                map[string]any `json:"headers"`
	Events                 []any          `json:"events"`
	Dispatched             bool           `json:"dispatched"`
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decode(compressed []byte, v any) error {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c storedCommit) toCommit() eventstore.Commit {
	return eventstore.Commit{
		Partition: c.Partition, StreamID: c.StreamID, CommitID: c.CommitID,
		CommitSequence: c.CommitSequence, StreamRevision: c.StreamRevision,
		StartingStreamRevision: c.StartingStreamRevision, CommitStamp: c.CommitStamp,
		Headers: c.Headers, Events: c.Events, Dispatched: c.Dispatched,
	}
}

type sliceIterator struct {
	commits []eventstore.Commit
	idx     int
}

func (it *sliceIterator) Next(ctx context.Context) (eventstore.Commit, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Commit{}, false, err
	}
	if it.idx >= len(it.commits) {
		return eventstore.Commit{}, false, nil
	}
	commit := it.commits[it.idx]
	it.idx++
	return commit, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// GetFrom returns every commit of streamID overlapping [minRevision, maxRevision].
func (s *Store) GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (eventstore.CommitIterator, error) {
	var out []eventstore.Commit
	prefix := []byte(s.partition + "|" + streamID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommits).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stored storedCommit
			if err := decode(v, &stored); err != nil {
				return err
			}
			if adapter.Overlaps(stored.StartingStreamRevision, stored.StreamRevision, minRevision, maxRevision) {
				out = append(out, stored.toCommit())
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	return &sliceIterator{commits: out}, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetFromTimestamp returns every commit in the partition with CommitStamp >= ts.
func (s *Store) GetFromTimestamp(ctx context.Context, ts time.Time) (eventstore.CommitIterator, error) {
	return s.GetFromTo(ctx, ts, time.Time{})
}

// GetFromTo returns every commit in the partition with start <= CommitStamp < end.
// bbolt has no secondary index on commit_stamp, so this is a full partition
// scan, matching the "relational-without-paging" tradeoff of trading an
// index for simplicity in the reference key-value adapter.
func (s *Store) GetFromTo(ctx context.Context, start, end time.Time) (eventstore.CommitIterator, error) {
	var out []eventstore.Commit
	prefix := []byte(s.partition + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommits).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stored storedCommit
			if err := decode(v, &stored); err != nil {
				return err
			}
			if stored.CommitStamp.Before(start) {
				continue
			}
			if !end.IsZero() && !stored.CommitStamp.Before(end) {
				continue
			}
			out = append(out, stored.toCommit())
		}
		return nil
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CommitStamp.Before(out[j].CommitStamp) })
	return &sliceIterator{commits: out}, nil
}

// Commit persists attempt with compare-and-swap semantics: the sequence and
// commit-id keys are read and checked inside the same write transaction
// that performs the insert, so a concurrent writer can never observe a
// half-applied commit.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	attempt.Partition = s.partition
	var commit eventstore.Commit

	err := s.db.Update(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		byID := tx.Bucket(bucketByCommit)
		heads := tx.Bucket(bucketHeads)

		var bySequence, byCommitID *adapter.ExistingCommit
		if raw := commits.Get(commitKey(attempt.Partition, attempt.StreamID, attempt.CommitSequence)); raw != nil {
			var stored storedCommit
			if err := decode(raw, &stored); err != nil {
				return err
			}
			bySequence = &adapter.ExistingCommit{CommitID: stored.CommitID}
		}
		if raw := byID.Get(commitIDKey(attempt.Partition, attempt.StreamID, attempt.CommitID)); raw != nil {
			byCommitID = &adapter.ExistingCommit{CommitID: attempt.CommitID}
		}
		if err := adapter.Classify(attempt, bySequence, byCommitID); err != nil {
			return err
		}

		c := attempt.ToCommit()
		stored := storedCommit{
			Partition: c.Partition, StreamID: c.StreamID, CommitID: c.CommitID,
			CommitSequence: c.CommitSequence, StreamRevision: c.StreamRevision,
			StartingStreamRevision: c.StartingStreamRevision, CommitStamp: c.CommitStamp,
			Headers: c.Headers, Events: c.Events, Dispatched: false,
		}
		blob, err := encode(stored)
		if err != nil {
			return err
		}
		if err := commits.Put(commitKey(c.Partition, c.StreamID, c.CommitSequence), blob); err != nil {
			return err
		}
		if err := byID.Put(commitIDKey(c.Partition, c.StreamID, c.CommitID), []byte{1}); err != nil {
			return err
		}

		var existing *eventstore.StreamHead
		if raw := heads.Get(headKey(c.Partition, c.StreamID)); raw != nil {
			var head eventstore.StreamHead
			if err := json.Unmarshal(raw, &head); err != nil {
				return err
			}
			existing = &head
		}
		newHead := adapter.NextHead(existing, c.Partition, c.StreamID, c.StreamRevision)
		headBlob, err := json.Marshal(newHead)
		if err != nil {
			return err
		}
		if err := heads.Put(headKey(c.Partition, c.StreamID), headBlob); err != nil {
			return err
		}

		commit = c
		return nil
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrDuplicateCommit) || errors.Is(err, eventstore.ErrConcurrency) {
			return eventstore.Commit{}, err
		}
		return eventstore.Commit{}, classifyErr(err)
	}
	return commit, nil
}

// GetUndispatchedCommits returns every commit in the partition with Dispatched=false.
func (s *Store) GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error) {
	var out []eventstore.Commit
	prefix := []byte(s.partition + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommits).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stored storedCommit
			if err := decode(v, &stored); err != nil {
				return err
			}
			if !stored.Dispatched {
				out = append(out, stored.toCommit())
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CommitStamp.Before(out[j].CommitStamp) })
	return &sliceIterator{commits: out}, nil
}

// MarkCommitAsDispatched sets Dispatched=true for the given commit.
func (s *Store) MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error {
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		prefix := []byte(partition + "|" + streamID + "|")
		c := commits.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stored storedCommit
			if err := decode(v, &stored); err != nil {
				return err
			}
			if stored.CommitID != commitID {
				continue
			}
			stored.Dispatched = true
			blob, err := encode(stored)
			if err != nil {
				return err
			}
			return commits.Put(k, blob)
		}
		return nil
	})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// GetStreamsToSnapshot returns stream-heads with Unsnapshotted >= threshold.
func (s *Store) GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error) {
	var out []eventstore.StreamHead
	prefix := []byte(s.partition + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeads).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var head eventstore.StreamHead
			if err := json.Unmarshal(v, &head); err != nil {
				return err
			}
			if head.Unsnapshotted >= threshold {
				out = append(out, head)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Unsnapshotted > out[j].Unsnapshotted })
	return out, nil
}

// GetSnapshot returns the highest-revision snapshot with StreamRevision <= maxRevision.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	var best eventstore.Snapshot
	found := false
	prefix := []byte(s.partition + "|" + streamID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var stored struct {
				StreamRevision int64 `json:"stream_revision"`
				Payload        any   `json:"payload"`
			}
			if err := decode(v, &stored); err != nil {
				return err
			}
			if maxRevision > 0 && stored.StreamRevision > maxRevision {
				continue
			}
			if !found || stored.StreamRevision > best.StreamRevision {
				best = eventstore.Snapshot{Partition: s.partition, StreamID: streamID, StreamRevision: stored.StreamRevision, Payload: stored.Payload}
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return eventstore.Snapshot{}, false, classifyErr(err)
	}
	return best, found, nil
}

// AddSnapshot upserts a snapshot and advances the stream-head's snapshot
// revision. Never returns an error; failures collapse to false.
func (s *Store) AddSnapshot(ctx context.Context, snapshot eventstore.Snapshot) bool {
	snapshot.Partition = s.partition
	err := s.db.Update(func(tx *bolt.Tx) error {
		blob, err := encode(struct {
			StreamRevision int64 `json:"stream_revision"`
			Payload        any   `json:"payload"`
		}{snapshot.StreamRevision, snapshot.Payload})
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Put(snapshotKey(snapshot.Partition, snapshot.StreamID, snapshot.StreamRevision), blob); err != nil {
			return err
		}

		heads := tx.Bucket(bucketHeads)
		raw := heads.Get(headKey(snapshot.Partition, snapshot.StreamID))
		if raw == nil {
			return nil
		}
		var head eventstore.StreamHead
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		head = head.WithSnapshot(snapshot.StreamRevision)
		headBlob, err := json.Marshal(head)
		if err != nil {
			return err
		}
		return heads.Put(headKey(snapshot.Partition, snapshot.StreamID), headBlob)
	})
	return err == nil
}

// Purge drops every commit, snapshot, and stream-head in this partition.
func (s *Store) Purge(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		prefix := []byte(s.partition + "|")
		for _, name := range [][]byte{bucketCommits, bucketByCommit, bucketSnapshots, bucketHeads} {
			bucket := tx.Bucket(name)
			c := bucket.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
}

var _ eventstore.PersistenceEngine = (*Store)(nil)
