// Package mongostore is a document-oriented eventstore.PersistenceEngine
// backed by go.mongodb.org/mongo-driver. Commits use a natural,
// idempotency-friendly _id composed of partition|streamId|commitSequence,
// with a unique index on commitId for duplicate detection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/adapter"
)

// Store is a mongo-backed PersistenceEngine scoped to a single partition.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	partition string
}

// Connect dials mongo at uri and selects database dbName, scoped to partition.
func Connect(ctx context.Context, uri, dbName, partition string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	return &Store{client: client, db: client.Database(dbName), partition: partition}, nil
}

func (s *Store) commits() *mongo.Collection   { return s.db.Collection("commits") }
func (s *Store) snapshots() *mongo.Collection { return s.db.Collection("snapshots") }
func (s *Store) heads() *mongo.Collection     { return s.db.Collection("stream_heads") }

// Initialize creates the indexes required for duplicate detection and
// ordered scans. Idempotent: creating an existing index is a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.commits().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "partition", Value: 1}, {Key: "stream_id", Value: 1}, {Key: "commit_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "partition", Value: 1}, {Key: "commit_stamp", Value: 1}}},
		{Keys: bson.D{{Key: "partition", Value: 1}, {Key: "dispatched", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: initialize: %w", err)
	}
	return nil
}

type commitDoc struct {
	ID                     string         `bson:"_id"`
	Partition              string         `bson:"partition"`
	StreamID               string         `bson:"stream_id"`
	CommitID               string         `bson:"commit_id"`
	CommitSequence         int64          `bson:"commit_sequence"`
	StreamRevision         int64          `bson:"stream_revision"`
	StartingStreamRevision int64          `bson:"starting_stream_revision"`
	CommitStamp            time.Time      `bson:"commit_stamp"`
	Headers                map[string]any `bson:"headers"`
	Events                 []any          `bson:"events"`
	Dispatched             bool           `bson:"dispatched"`
}

func commitID(partition, streamID string, sequence int64) string {
	return fmt.Sprintf("%s|%s|%d", partition, streamID, sequence)
}

func (d commitDoc) toCommit() eventstore.Commit {
	return eventstore.Commit{
		Partition:              d.Partition,
		StreamID:               d.StreamID,
		CommitID:               d.CommitID,
		CommitSequence:         d.CommitSequence,
		StreamRevision:         d.StreamRevision,
		StartingStreamRevision: d.StartingStreamRevision,
		CommitStamp:            d.CommitStamp,
		Headers:                d.Headers,
		Events:                 d.Events,
		Dispatched:             d.Dispatched,
	}
}

type cursorIterator struct {
	cursor *mongo.Cursor
}

func (it *cursorIterator) Next(ctx context.Context) (eventstore.Commit, bool, error) {
	if !it.cursor.Next(ctx) {
		if err := it.cursor.Err(); err != nil {
			return eventstore.Commit{}, false, classifyErr(err)
		}
		return eventstore.Commit{}, false, nil
	}
	var doc commitDoc
	if err := it.cursor.Decode(&doc); err != nil {
		return eventstore.Commit{}, false, classifyErr(err)
	}
	return doc.toCommit(), true, nil
}

func (it *cursorIterator) Close() error {
	return it.cursor.Close(context.Background())
}

// GetFrom returns every commit of streamID overlapping [minRevision, maxRevision].
func (s *Store) GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (eventstore.CommitIterator, error) {
	filter := bson.D{
		{Key: "partition", Value: s.partition},
		{Key: "stream_id", Value: streamID},
		{Key: "stream_revision", Value: bson.D{{Key: "$gte", Value: minRevision}}},
	}
	if maxRevision > 0 {
		filter = append(filter, bson.E{Key: "starting_stream_revision", Value: bson.D{{Key: "$lte", Value: maxRevision}}})
	}
	cursor, err := s.commits().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "commit_sequence", Value: 1}}))
	if err != nil {
		return nil, classifyErr(err)
	}
	return &cursorIterator{cursor: cursor}, nil
}

// GetFromTimestamp returns every commit in the partition with CommitStamp >= ts.
func (s *Store) GetFromTimestamp(ctx context.Context, ts time.Time) (eventstore.CommitIterator, error) {
	return s.GetFromTo(ctx, ts, time.Time{})
}

// GetFromTo returns every commit in the partition with start <= CommitStamp < end.
func (s *Store) GetFromTo(ctx context.Context, start, end time.Time) (eventstore.CommitIterator, error) {
	filter := bson.D{
		{Key: "partition", Value: s.partition},
		{Key: "commit_stamp", Value: bson.D{{Key: "$gte", Value: start}}},
	}
	if !end.IsZero() {
		filter = append(filter, bson.E{Key: "commit_stamp", Value: bson.D{{Key: "$lt", Value: end}}})
	}
	cursor, err := s.commits().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "commit_stamp", Value: 1}, {Key: "commit_sequence", Value: 1}}))
	if err != nil {
		return nil, classifyErr(err)
	}
	return &cursorIterator{cursor: cursor}, nil
}

// Commit inserts a commit document keyed by a deterministic _id so a
// concurrent duplicate insert at the same sequence surfaces as a mongo
// duplicate-key error, then classifies the collision by checking which
// uniqueness constraint (sequence or commit id) was actually violated.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	attempt.Partition = s.partition
	id := commitID(attempt.Partition, attempt.StreamID, attempt.CommitSequence)

	var existingBySeq commitDoc
	err := s.commits().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&existingBySeq)
	var bySequence, byCommitID *adapter.ExistingCommit
	switch {
	case err == nil:
		bySequence = &adapter.ExistingCommit{CommitID: existingBySeq.CommitID}
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return eventstore.Commit{}, classifyErr(err)
	}

	var existingByCommitID commitDoc
	err = s.commits().FindOne(ctx, bson.D{{Key: "partition", Value: attempt.Partition}, {Key: "stream_id", Value: attempt.StreamID}, {Key: "commit_id", Value: attempt.CommitID}}).Decode(&existingByCommitID)
	switch {
	case err == nil:
		byCommitID = &adapter.ExistingCommit{CommitID: existingByCommitID.CommitID}
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return eventstore.Commit{}, classifyErr(err)
	}

	if err := adapter.Classify(attempt, bySequence, byCommitID); err != nil {
		return eventstore.Commit{}, err
	}

	commit := attempt.ToCommit()
	doc := commitDoc{
		ID: id, Partition: commit.Partition, StreamID: commit.StreamID, CommitID: commit.CommitID,
		CommitSequence: commit.CommitSequence, StreamRevision: commit.StreamRevision,
		StartingStreamRevision: commit.StartingStreamRevision, CommitStamp: commit.CommitStamp,
		Headers: commit.Headers, Events: commit.Events, Dispatched: false,
	}
	if _, err := s.commits().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The pre-check FindOnes above close most races, but a
			// concurrent insert landing in between can still trip a
			// unique index here. Which one tells us which sentinel
			// applies: a collision on _id (partition|streamId|sequence)
			// means someone else claimed this sequence position first, a
			// collision on the commit_id index means another transaction
			// just persisted this exact attempt, a safe no-op retry.
			if duplicateKeyIndex(err) == "_id_" {
				return eventstore.Commit{}, fmt.Errorf("%w: concurrent insert at same sequence", eventstore.ErrConcurrency)
			}
			return eventstore.Commit{}, fmt.Errorf("%w: commit id %q already recorded for stream %q", eventstore.ErrDuplicateCommit, attempt.CommitID, attempt.StreamID)
		}
		return eventstore.Commit{}, classifyErr(err)
	}

	if err := s.upsertHead(ctx, commit.Partition, commit.StreamID, commit.StreamRevision); err != nil {
		return eventstore.Commit{}, classifyErr(err)
	}

	return commit, nil
}

func (s *Store) upsertHead(ctx context.Context, partition, streamID string, headRevision int64) error {
	var existing struct {
		HeadRevision     int64 `bson:"head_revision"`
		SnapshotRevision int64 `bson:"snapshot_revision"`
		Unsnapshotted    int64 `bson:"unsnapshotted"`
	}
	id := partition + "|" + streamID
	err := s.heads().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&existing)
	var head eventstore.StreamHead
	switch {
	case err == nil:
		current := eventstore.StreamHead{Partition: partition, StreamID: streamID, HeadRevision: existing.HeadRevision, SnapshotRevision: existing.SnapshotRevision, Unsnapshotted: existing.Unsnapshotted}
		head = adapter.NextHead(&current, partition, streamID, headRevision)
	case errors.Is(err, mongo.ErrNoDocuments):
		head = adapter.NextHead(nil, partition, streamID, headRevision)
	default:
		return err
	}
	_, err = s.heads().UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "partition", Value: partition}, {Key: "stream_id", Value: streamID},
		{Key: "head_revision", Value: head.HeadRevision}, {Key: "snapshot_revision", Value: head.SnapshotRevision},
		{Key: "unsnapshotted", Value: head.Unsnapshotted},
	}}}, options.Update().SetUpsert(true))
	return err
}

// GetUndispatchedCommits returns every commit in the partition with dispatched=false.
func (s *Store) GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error) {
	cursor, err := s.commits().Find(ctx, bson.D{{Key: "partition", Value: s.partition}, {Key: "dispatched", Value: false}}, options.Find().SetSort(bson.D{{Key: "commit_stamp", Value: 1}}))
	if err != nil {
		return nil, classifyErr(err)
	}
	return &cursorIterator{cursor: cursor}, nil
}

// MarkCommitAsDispatched sets dispatched=true for the given commit.
func (s *Store) MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error {
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	_, err := s.commits().UpdateOne(ctx, bson.D{{Key: "partition", Value: partition}, {Key: "stream_id", Value: streamID}, {Key: "commit_id", Value: commitID}}, bson.D{{Key: "$set", Value: bson.D{{Key: "dispatched", Value: true}}}})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// GetStreamsToSnapshot returns stream-heads with unsnapshotted >= threshold.
func (s *Store) GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error) {
	cursor, err := s.heads().Find(ctx, bson.D{{Key: "partition", Value: s.partition}, {Key: "unsnapshotted", Value: bson.D{{Key: "$gte", Value: threshold}}}}, options.Find().SetSort(bson.D{{Key: "unsnapshotted", Value: -1}}))
	if err != nil {
		return nil, classifyErr(err)
	}
	defer cursor.Close(ctx)
	var out []eventstore.StreamHead
	for cursor.Next(ctx) {
		var doc struct {
			Partition        string `bson:"partition"`
			StreamID         string `bson:"stream_id"`
			HeadRevision     int64  `bson:"head_revision"`
			SnapshotRevision int64  `bson:"snapshot_revision"`
			Unsnapshotted    int64  `bson:"unsnapshotted"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, classifyErr(err)
		}
		out = append(out, eventstore.StreamHead{Partition: doc.Partition, StreamID: doc.StreamID, HeadRevision: doc.HeadRevision, SnapshotRevision: doc.SnapshotRevision, Unsnapshotted: doc.Unsnapshotted})
	}
	return out, classifyErr(cursor.Err())
}

// GetSnapshot returns the highest-revision snapshot with StreamRevision <= maxRevision.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	filter := bson.D{{Key: "partition", Value: s.partition}, {Key: "stream_id", Value: streamID}}
	if maxRevision > 0 {
		filter = append(filter, bson.E{Key: "stream_revision", Value: bson.D{{Key: "$lte", Value: maxRevision}}})
	}
	var doc struct {
		StreamRevision int64 `bson:"stream_revision"`
		Payload        any   `bson:"payload"`
	}
	err := s.snapshots().FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "stream_revision", Value: -1}})).Decode(&doc)
	switch {
	case err == nil:
		return eventstore.Snapshot{Partition: s.partition, StreamID: streamID, StreamRevision: doc.StreamRevision, Payload: doc.Payload}, true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return eventstore.Snapshot{}, false, nil
	default:
		return eventstore.Snapshot{}, false, classifyErr(err)
	}
}

// AddSnapshot upserts a snapshot and advances the stream-head's snapshot
// revision. Never returns an error; failures collapse to false.
func (s *Store) AddSnapshot(ctx context.Context, snapshot eventstore.Snapshot) bool {
	snapshot.Partition = s.partition
	id := fmt.Sprintf("%s|%s|%d", snapshot.Partition, snapshot.StreamID, snapshot.StreamRevision)
	_, err := s.snapshots().UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "partition", Value: snapshot.Partition}, {Key: "stream_id", Value: snapshot.StreamID},
		{Key: "stream_revision", Value: snapshot.StreamRevision}, {Key: "payload", Value: snapshot.Payload},
	}}}, options.Update().SetUpsert(true))
	if err != nil {
		return false
	}

	headID := snapshot.Partition + "|" + snapshot.StreamID
	var existing struct {
		HeadRevision int64 `bson:"head_revision"`
	}
	if err := s.heads().FindOne(ctx, bson.D{{Key: "_id", Value: headID}}).Decode(&existing); err != nil {
		return false
	}
	unsnapshotted := existing.HeadRevision - snapshot.StreamRevision
	_, err = s.heads().UpdateOne(ctx, bson.D{{Key: "_id", Value: headID}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "snapshot_revision", Value: snapshot.StreamRevision}, {Key: "unsnapshotted", Value: unsnapshotted},
	}}})
	return err == nil
}

// Purge drops every commit, snapshot, and stream-head in this partition.
func (s *Store) Purge(ctx context.Context) error {
	filter := bson.D{{Key: "partition", Value: s.partition}}
	if _, err := s.commits().DeleteMany(ctx, filter); err != nil {
		return classifyErr(err)
	}
	if _, err := s.snapshots().DeleteMany(ctx, filter); err != nil {
		return classifyErr(err)
	}
	if _, err := s.heads().DeleteMany(ctx, filter); err != nil {
		return classifyErr(err)
	}
	return nil
}

// Close disconnects the mongo client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// duplicateKeyIndex returns the name of the index a duplicate-key error
// collided on, or "" if it can't be determined. Mongo reports this in the
// write error's message (e.g. "...index: _id_ dup key...").
func duplicateKeyIndex(err error) string {
	var we mongo.WriteException
	if !errors.As(err, &we) {
		return ""
	}
	for _, w := range we.WriteErrors {
		if idx := strings.Index(w.Message, "index: "); idx >= 0 {
			rest := w.Message[idx+len("index: "):]
			if end := strings.IndexByte(rest, ' '); end >= 0 {
				return rest[:end]
			}
			return rest
		}
	}
	return ""
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		if duplicateKeyIndex(err) == "_id_" {
			return fmt.Errorf("%w: %v", eventstore.ErrConcurrency, err)
		}
		return fmt.Errorf("%w: %v", eventstore.ErrDuplicateCommit, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
}

var _ eventstore.PersistenceEngine = (*Store)(nil)
