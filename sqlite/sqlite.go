// Package sqlite is a relational-without-paging eventstore.PersistenceEngine
// backed by a single-file embedded database opened through database/sql and
// modernc.org/sqlite. Reads materialize their full result set in one query
// since sqlite exposes no native server-side cursor to page through.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/adapter"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	commit_sequence INTEGER NOT NULL,
	stream_revision INTEGER NOT NULL,
	starting_stream_revision INTEGER NOT NULL,
	commit_stamp TEXT NOT NULL,
	headers BLOB,
	events BLOB NOT NULL,
	dispatched INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (partition, stream_id, commit_sequence)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commits_commit_id ON commits(partition, stream_id, commit_id);
CREATE INDEX IF NOT EXISTS idx_commits_stamp ON commits(partition, commit_stamp);
CREATE INDEX IF NOT EXISTS idx_commits_dispatched ON commits(partition, dispatched);

CREATE TABLE IF NOT EXISTS snapshots (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	stream_revision INTEGER NOT NULL,
	payload BLOB,
	PRIMARY KEY (partition, stream_id, stream_revision)
);

CREATE TABLE IF NOT EXISTS stream_heads (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	head_revision INTEGER NOT NULL,
	snapshot_revision INTEGER NOT NULL,
	unsnapshotted INTEGER NOT NULL,
	PRIMARY KEY (partition, stream_id)
);
`

// Store is a sqlite-backed PersistenceEngine scoped to a single partition.
type Store struct {
	db        *sql.DB
	partition string
}

// Open opens (creating if absent) a sqlite database file at path, scoped to
// partition. Call Initialize before first use.
func Open(path, partition string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; avoid SQLITE_BUSY churn
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	return &Store{db: db, partition: partition}, nil
}

// Initialize creates the schema if absent. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: initialize: %w", err)
	}
	return nil
}

type rowsIterator struct {
	rows *sql.Rows
}

func (it *rowsIterator) Next(ctx context.Context) (eventstore.Commit, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Commit{}, false, err
	}
	if !it.rows.Next() {
		return eventstore.Commit{}, false, it.rows.Err()
	}
	commit, err := scanCommit(it.rows)
	if err != nil {
		return eventstore.Commit{}, false, err
	}
	return commit, true, nil
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (eventstore.Commit, error) {
	var (
		commit      eventstore.Commit
		stampRaw    string
		headersBlob []byte
		eventsBlob  []byte
		dispatchedI int
	)
	if err := row.Scan(
		&commit.Partition, &commit.StreamID, &commit.CommitID,
		&commit.CommitSequence, &commit.StreamRevision, &commit.StartingStreamRevision,
		&stampRaw, &headersBlob, &eventsBlob, &dispatchedI,
	); err != nil {
		return eventstore.Commit{}, fmt.Errorf("sqlite: scan commit: %w", err)
	}
	stamp, err := time.Parse(time.RFC3339Nano, stampRaw)
	if err != nil {
		return eventstore.Commit{}, fmt.Errorf("sqlite: parse commit stamp: %w", err)
	}
	commit.CommitStamp = stamp
	commit.Dispatched = dispatchedI != 0
	if len(headersBlob) > 0 {
		if err := json.Unmarshal(headersBlob, &commit.Headers); err != nil {
			return eventstore.Commit{}, fmt.Errorf("sqlite: decode headers: %w", err)
		}
	}
	if err := json.Unmarshal(eventsBlob, &commit.Events); err != nil {
		return eventstore.Commit{}, fmt.Errorf("sqlite: decode events: %w", err)
	}
	return commit, nil
}

const selectColumns = `partition, stream_id, commit_id, commit_sequence, stream_revision, starting_stream_revision, commit_stamp, headers, events, dispatched`

// GetFrom returns every commit of streamID overlapping [minRevision, maxRevision].
func (s *Store) GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (eventstore.CommitIterator, error) {
	query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition = ? AND stream_id = ? AND stream_revision >= ?`, selectColumns)
	args := []any{s.partition, streamID, minRevision}
	if maxRevision > 0 {
		query += ` AND starting_stream_revision <= ?`
		args = append(args, maxRevision)
	}
	query += ` ORDER BY commit_sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return &rowsIterator{rows: rows}, nil
}

// GetFromTimestamp returns every commit in the partition with
// CommitStamp >= ts, ordered by CommitStamp ascending.
func (s *Store) GetFromTimestamp(ctx context.Context, ts time.Time) (eventstore.CommitIterator, error) {
	query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition = ? AND commit_stamp >= ? ORDER BY commit_stamp ASC, commit_sequence ASC`, selectColumns)
	rows, err := s.db.QueryContext(ctx, query, s.partition, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return &rowsIterator{rows: rows}, nil
}

// GetFromTo returns every commit in the partition with start <= CommitStamp < end.
func (s *Store) GetFromTo(ctx context.Context, start, end time.Time) (eventstore.CommitIterator, error) {
	query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition = ? AND commit_stamp >= ? AND commit_stamp < ? ORDER BY commit_stamp ASC, commit_sequence ASC`, selectColumns)
	rows, err := s.db.QueryContext(ctx, query, s.partition, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return &rowsIterator{rows: rows}, nil
}

// Commit persists attempt inside a transaction, classifying any collision
// via a pre-check select (sqlite's single-writer model makes the
// check-then-insert safe under the exclusive transaction).
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	attempt.Partition = s.partition
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.Commit{}, classifyQueryErr(err)
	}
	defer tx.Rollback()

	var bySequence, byCommitID *adapter.ExistingCommit
	row := tx.QueryRowContext(ctx, `SELECT commit_id FROM commits WHERE partition = ? AND stream_id = ? AND commit_sequence = ?`, attempt.Partition, attempt.StreamID, attempt.CommitSequence)
	var found string
	switch err := row.Scan(&found); {
	case err == nil:
		bySequence = &adapter.ExistingCommit{CommitID: found}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return eventstore.Commit{}, classifyQueryErr(err)
	}

	row = tx.QueryRowContext(ctx, `SELECT commit_id FROM commits WHERE partition = ? AND stream_id = ? AND commit_id = ?`, attempt.Partition, attempt.StreamID, attempt.CommitID)
	switch err := row.Scan(&found); {
	case err == nil:
		byCommitID = &adapter.ExistingCommit{CommitID: found}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return eventstore.Commit{}, classifyQueryErr(err)
	}

	if err := adapter.Classify(attempt, bySequence, byCommitID); err != nil {
		return eventstore.Commit{}, err
	}

	commit := attempt.ToCommit()
	headersBlob, err := json.Marshal(commit.Headers)
	if err != nil {
		return eventstore.Commit{}, fmt.Errorf("sqlite: encode headers: %w", err)
	}
	eventsBlob, err := json.Marshal(commit.Events)
	if err != nil {
		return eventstore.Commit{}, fmt.Errorf("sqlite: encode events: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO commits
		(partition, stream_id, commit_id, commit_sequence, stream_revision, starting_stream_revision, commit_stamp, headers, events, dispatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		commit.Partition, commit.StreamID, commit.CommitID, commit.CommitSequence,
		commit.StreamRevision, commit.StartingStreamRevision, commit.CommitStamp.UTC().Format(time.RFC3339Nano),
		headersBlob, eventsBlob)
	if err != nil {
		return eventstore.Commit{}, classifyQueryErr(err)
	}

	if err := upsertHead(ctx, tx, commit.Partition, commit.StreamID, commit.StreamRevision); err != nil {
		return eventstore.Commit{}, err
	}

	if err := tx.Commit(); err != nil {
		return eventstore.Commit{}, classifyQueryErr(err)
	}
	return commit, nil
}

func upsertHead(ctx context.Context, tx *sql.Tx, partition, streamID string, headRevision int64) error {
	var existing eventstore.StreamHead
	row := tx.QueryRowContext(ctx, `SELECT head_revision, snapshot_revision, unsnapshotted FROM stream_heads WHERE partition = ? AND stream_id = ?`, partition, streamID)
	var head eventstore.StreamHead
	switch err := row.Scan(&existing.HeadRevision, &existing.SnapshotRevision, &existing.Unsnapshotted); {
	case err == nil:
		existing.Partition, existing.StreamID = partition, streamID
		head = adapter.NextHead(&existing, partition, streamID, headRevision)
		_, err = tx.ExecContext(ctx, `UPDATE stream_heads SET head_revision=?, snapshot_revision=?, unsnapshotted=? WHERE partition=? AND stream_id=?`,
			head.HeadRevision, head.SnapshotRevision, head.Unsnapshotted, partition, streamID)
		return err
	case errors.Is(err, sql.ErrNoRows):
		head = adapter.NextHead(nil, partition, streamID, headRevision)
		_, err = tx.ExecContext(ctx, `INSERT INTO stream_heads (partition, stream_id, head_revision, snapshot_revision, unsnapshotted) VALUES (?, ?, ?, ?, ?)`,
			partition, streamID, head.HeadRevision, head.SnapshotRevision, head.Unsnapshotted)
		return err
	default:
		return err
	}
}

// GetUndispatchedCommits returns every commit in the partition with dispatched=0.
func (s *Store) GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error) {
	query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition = ? AND dispatched = 0 ORDER BY commit_stamp ASC`, selectColumns)
	rows, err := s.db.QueryContext(ctx, query, s.partition)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	return &rowsIterator{rows: rows}, nil
}

// MarkCommitAsDispatched sets dispatched=1 for the given commit.
func (s *Store) MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error {
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	_, err := s.db.ExecContext(ctx, `UPDATE commits SET dispatched = 1 WHERE partition = ? AND stream_id = ? AND commit_id = ?`, partition, streamID, commitID)
	if err != nil {
		return classifyQueryErr(err)
	}
	return nil
}

// GetStreamsToSnapshot returns stream-heads with unsnapshotted >= threshold.
func (s *Store) GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT partition, stream_id, head_revision, snapshot_revision, unsnapshotted FROM stream_heads WHERE partition = ? AND unsnapshotted >= ? ORDER BY unsnapshotted DESC`, s.partition, threshold)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()
	var out []eventstore.StreamHead
	for rows.Next() {
		var head eventstore.StreamHead
		if err := rows.Scan(&head.Partition, &head.StreamID, &head.HeadRevision, &head.SnapshotRevision, &head.Unsnapshotted); err != nil {
			return nil, classifyQueryErr(err)
		}
		out = append(out, head)
	}
	return out, rows.Err()
}

// GetSnapshot returns the highest-revision snapshot with StreamRevision <= maxRevision.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	query := `SELECT stream_revision, payload FROM snapshots WHERE partition = ? AND stream_id = ?`
	args := []any{s.partition, streamID}
	if maxRevision > 0 {
		query += ` AND stream_revision <= ?`
		args = append(args, maxRevision)
	}
	query += ` ORDER BY stream_revision DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	var revision int64
	var payloadBlob []byte
	switch err := row.Scan(&revision, &payloadBlob); {
	case err == nil:
		var payload any
		if len(payloadBlob) > 0 {
			if err := json.Unmarshal(payloadBlob, &payload); err != nil {
				return eventstore.Snapshot{}, false, fmt.Errorf("sqlite: decode snapshot payload: %w", err)
			}
		}
		return eventstore.Snapshot{Partition: s.partition, StreamID: streamID, StreamRevision: revision, Payload: payload}, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return eventstore.Snapshot{}, false, nil
	default:
		return eventstore.Snapshot{}, false, classifyQueryErr(err)
	}
}

// AddSnapshot upserts a snapshot and advances the stream-head's snapshot
// revision. Never returns an error; failures collapse to false.
func (s *Store) AddSnapshot(ctx context.Context, snapshot eventstore.Snapshot) bool {
	snapshot.Partition = s.partition
	payloadBlob, err := json.Marshal(snapshot.Payload)
	if err != nil {
		return false
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO snapshots (partition, stream_id, stream_revision, payload) VALUES (?, ?, ?, ?)`,
		snapshot.Partition, snapshot.StreamID, snapshot.StreamRevision, payloadBlob); err != nil {
		return false
	}

	if _, err := tx.ExecContext(ctx, `UPDATE stream_heads SET snapshot_revision = ?, unsnapshotted = head_revision - ? WHERE partition = ? AND stream_id = ?`,
		snapshot.StreamRevision, snapshot.StreamRevision, snapshot.Partition, snapshot.StreamID); err != nil {
		return false
	}

	return tx.Commit() == nil
}

// Purge drops every commit, snapshot, and stream-head in this partition.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyQueryErr(err)
	}
	defer tx.Rollback()
	for _, table := range []string{"commits", "snapshots", "stream_heads"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition = ?`, table), s.partition); err != nil {
			return classifyQueryErr(err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func classifyQueryErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
}

var _ eventstore.PersistenceEngine = (*Store)(nil)
