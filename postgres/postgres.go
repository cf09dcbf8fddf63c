// Package postgres is a relational-with-paging eventstore.PersistenceEngine
// backed by github.com/jackc/pgx/v5's connection pool. Reads stream through
// keyset pagination so the facade never materializes a whole partition's
// commit history in one round trip.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/adapter"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	commit_sequence BIGINT NOT NULL,
	stream_revision BIGINT NOT NULL,
	starting_stream_revision BIGINT NOT NULL,
	commit_stamp TIMESTAMPTZ NOT NULL,
	headers JSONB,
	events JSONB NOT NULL,
	dispatched BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (partition, stream_id, commit_sequence)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commits_commit_id ON commits(partition, stream_id, commit_id);
CREATE INDEX IF NOT EXISTS idx_commits_stamp ON commits(partition, commit_stamp, commit_sequence);
CREATE INDEX IF NOT EXISTS idx_commits_dispatched ON commits(partition, dispatched) WHERE NOT dispatched;

CREATE TABLE IF NOT EXISTS snapshots (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	stream_revision BIGINT NOT NULL,
	payload JSONB,
	PRIMARY KEY (partition, stream_id, stream_revision)
);

CREATE TABLE IF NOT EXISTS stream_heads (
	partition TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	head_revision BIGINT NOT NULL,
	snapshot_revision BIGINT NOT NULL,
	unsnapshotted BIGINT NOT NULL,
	PRIMARY KEY (partition, stream_id)
);
`

// Store is a pgx-backed PersistenceEngine scoped to a single partition.
type Store struct {
	pool      *pgxpool.Pool
	partition string
}

// Connect opens a pgxpool against dsn, scoped to partition. Call Initialize
// before first use.
func Connect(ctx context.Context, dsn, partition string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	return &Store{pool: pool, partition: partition}, nil
}

// Initialize creates the schema if absent. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: initialize: %w", err)
	}
	return nil
}

// pageIterator streams commits page by page using keyset pagination on
// commit_sequence (or commit_stamp, for timestamp-scoped reads), so the
// caller never holds more than adapter.PageSize commits in memory.
type pageIterator struct {
	fetch     func(ctx context.Context, after any, limit int) ([]eventstore.Commit, error)
	buffer    []eventstore.Commit
	idx       int
	exhausted bool
	lastKey   any
}

func (it *pageIterator) Next(ctx context.Context) (eventstore.Commit, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Commit{}, false, err
	}
	if it.idx >= len(it.buffer) {
		if it.exhausted {
			return eventstore.Commit{}, false, nil
		}
		page, err := it.fetch(ctx, it.lastKey, adapter.PageSize)
		if err != nil {
			return eventstore.Commit{}, false, classifyErr(err)
		}
		it.buffer = page
		it.idx = 0
		if len(page) < adapter.PageSize {
			it.exhausted = true
		}
		if len(page) == 0 {
			return eventstore.Commit{}, false, nil
		}
	}
	commit := it.buffer[it.idx]
	it.idx++
	it.lastKey = commit.CommitSequence
	return commit, true, nil
}

func (it *pageIterator) Close() error { return nil }

func scanCommits(rows pgx.Rows) ([]eventstore.Commit, error) {
	defer rows.Close()
	var out []eventstore.Commit
	for rows.Next() {
		var commit eventstore.Commit
		if err := rows.Scan(
			&commit.Partition, &commit.StreamID, &commit.CommitID,
			&commit.CommitSequence, &commit.StreamRevision, &commit.StartingStreamRevision,
			&commit.CommitStamp, &commit.Headers, &commit.Events, &commit.Dispatched,
		); err != nil {
			return nil, err
		}
		out = append(out, commit)
	}
	return out, rows.Err()
}

const selectColumns = `partition, stream_id, commit_id, commit_sequence, stream_revision, starting_stream_revision, commit_stamp, headers, events, dispatched`

// GetFrom returns every commit of streamID overlapping [minRevision, maxRevision].
func (s *Store) GetFrom(ctx context.Context, streamID string, minRevision, maxRevision int64) (eventstore.CommitIterator, error) {
	return &pageIterator{
		fetch: func(ctx context.Context, after any, limit int) ([]eventstore.Commit, error) {
			cursor := int64(0)
			if after != nil {
				cursor = after.(int64)
			}
			query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition=$1 AND stream_id=$2 AND stream_revision>=$3 AND commit_sequence > $4`, selectColumns)
			args := []any{s.partition, streamID, minRevision, cursor}
			if maxRevision > 0 {
				query += fmt.Sprintf(` AND starting_stream_revision <= $%d`, len(args)+1)
				args = append(args, maxRevision)
			}
			query += fmt.Sprintf(` ORDER BY commit_sequence ASC LIMIT %d`, limit)
			rows, err := s.pool.Query(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			return scanCommits(rows)
		},
	}, nil
}

// GetFromTimestamp returns every commit in the partition with CommitStamp >= ts.
func (s *Store) GetFromTimestamp(ctx context.Context, ts time.Time) (eventstore.CommitIterator, error) {
	return s.GetFromTo(ctx, ts, time.Time{})
}

// GetFromTo returns every commit in the partition with start <= CommitStamp < end.
func (s *Store) GetFromTo(ctx context.Context, start, end time.Time) (eventstore.CommitIterator, error) {
	return &pageIterator{
		fetch: func(ctx context.Context, after any, limit int) ([]eventstore.Commit, error) {
			cursor := int64(0)
			if after != nil {
				cursor = after.(int64)
			}
			query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition=$1 AND commit_stamp >= $2 AND commit_sequence > $3`, selectColumns)
			args := []any{s.partition, start, cursor}
			if !end.IsZero() {
				query += fmt.Sprintf(` AND commit_stamp < $%d`, len(args)+1)
				args = append(args, end)
			}
			query += fmt.Sprintf(` ORDER BY commit_stamp ASC, commit_sequence ASC LIMIT %d`, limit)
			rows, err := s.pool.Query(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			return scanCommits(rows)
		},
	}, nil
}

// Commit persists attempt inside a transaction, relying on the unique
// indexes to surface collisions as Postgres constraint violations which are
// then classified into the correct sentinel.
func (s *Store) Commit(ctx context.Context, attempt eventstore.CommitAttempt) (eventstore.Commit, error) {
	attempt.Partition = s.partition
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eventstore.Commit{}, classifyErr(err)
	}
	defer tx.Rollback(ctx)

	var bySequence, byCommitID *adapter.ExistingCommit
	var found string
	err = tx.QueryRow(ctx, `SELECT commit_id FROM commits WHERE partition=$1 AND stream_id=$2 AND commit_sequence=$3`,
		attempt.Partition, attempt.StreamID, attempt.CommitSequence).Scan(&found)
	switch {
	case err == nil:
		bySequence = &adapter.ExistingCommit{CommitID: found}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return eventstore.Commit{}, classifyErr(err)
	}

	err = tx.QueryRow(ctx, `SELECT commit_id FROM commits WHERE partition=$1 AND stream_id=$2 AND commit_id=$3`,
		attempt.Partition, attempt.StreamID, attempt.CommitID).Scan(&found)
	switch {
	case err == nil:
		byCommitID = &adapter.ExistingCommit{CommitID: found}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return eventstore.Commit{}, classifyErr(err)
	}

	if err := adapter.Classify(attempt, bySequence, byCommitID); err != nil {
		return eventstore.Commit{}, err
	}

	commit := attempt.ToCommit()
	_, err = tx.Exec(ctx, `INSERT INTO commits
		(partition, stream_id, commit_id, commit_sequence, stream_revision, starting_stream_revision, commit_stamp, headers, events, dispatched)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE)`,
		commit.Partition, commit.StreamID, commit.CommitID, commit.CommitSequence,
		commit.StreamRevision, commit.StartingStreamRevision, commit.CommitStamp, commit.Headers, commit.Events)
	if err != nil {
		return eventstore.Commit{}, classifyErr(err)
	}

	if err := upsertHead(ctx, tx, commit.Partition, commit.StreamID, commit.StreamRevision); err != nil {
		return eventstore.Commit{}, classifyErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return eventstore.Commit{}, classifyErr(err)
	}
	return commit, nil
}

func upsertHead(ctx context.Context, tx pgx.Tx, partition, streamID string, headRevision int64) error {
	var existing eventstore.StreamHead
	row := tx.QueryRow(ctx, `SELECT head_revision, snapshot_revision, unsnapshotted FROM stream_heads WHERE partition=$1 AND stream_id=$2`, partition, streamID)
	switch err := row.Scan(&existing.HeadRevision, &existing.SnapshotRevision, &existing.Unsnapshotted); {
	case err == nil:
		existing.Partition, existing.StreamID = partition, streamID
		head := adapter.NextHead(&existing, partition, streamID, headRevision)
		_, err = tx.Exec(ctx, `UPDATE stream_heads SET head_revision=$1, snapshot_revision=$2, unsnapshotted=$3 WHERE partition=$4 AND stream_id=$5`,
			head.HeadRevision, head.SnapshotRevision, head.Unsnapshotted, partition, streamID)
		return err
	case errors.Is(err, pgx.ErrNoRows):
		head := adapter.NextHead(nil, partition, streamID, headRevision)
		_, err = tx.Exec(ctx, `INSERT INTO stream_heads (partition, stream_id, head_revision, snapshot_revision, unsnapshotted) VALUES ($1,$2,$3,$4,$5)`,
			partition, streamID, head.HeadRevision, head.SnapshotRevision, head.Unsnapshotted)
		return err
	default:
		return err
	}
}

// GetUndispatchedCommits returns every commit in the partition with dispatched=false.
func (s *Store) GetUndispatchedCommits(ctx context.Context) (eventstore.CommitIterator, error) {
	return &pageIterator{
		fetch: func(ctx context.Context, after any, limit int) ([]eventstore.Commit, error) {
			cursor := int64(0)
			if after != nil {
				cursor = after.(int64)
			}
			query := fmt.Sprintf(`SELECT %s FROM commits WHERE partition=$1 AND dispatched=FALSE AND commit_sequence > $2 ORDER BY commit_stamp ASC, commit_sequence ASC LIMIT %d`, selectColumns, limit)
			rows, err := s.pool.Query(ctx, query, s.partition, cursor)
			if err != nil {
				return nil, err
			}
			return scanCommits(rows)
		},
	}, nil
}

// MarkCommitAsDispatched sets dispatched=true for the given commit.
func (s *Store) MarkCommitAsDispatched(ctx context.Context, partition, streamID, commitID string) error {
	if partition == "" {
		partition = eventstore.DefaultPartition
	}
	_, err := s.pool.Exec(ctx, `UPDATE commits SET dispatched=TRUE WHERE partition=$1 AND stream_id=$2 AND commit_id=$3`, partition, streamID, commitID)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// GetStreamsToSnapshot returns stream-heads with unsnapshotted >= threshold.
func (s *Store) GetStreamsToSnapshot(ctx context.Context, threshold int64) ([]eventstore.StreamHead, error) {
	rows, err := s.pool.Query(ctx, `SELECT partition, stream_id, head_revision, snapshot_revision, unsnapshotted FROM stream_heads WHERE partition=$1 AND unsnapshotted >= $2 ORDER BY unsnapshotted DESC`, s.partition, threshold)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()
	var out []eventstore.StreamHead
	for rows.Next() {
		var head eventstore.StreamHead
		if err := rows.Scan(&head.Partition, &head.StreamID, &head.HeadRevision, &head.SnapshotRevision, &head.Unsnapshotted); err != nil {
			return nil, classifyErr(err)
		}
		out = append(out, head)
	}
	return out, rows.Err()
}

// GetSnapshot returns the highest-revision snapshot with StreamRevision <= maxRevision.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxRevision int64) (eventstore.Snapshot, bool, error) {
	query := `SELECT stream_revision, payload FROM snapshots WHERE partition=$1 AND stream_id=$2`
	args := []any{s.partition, streamID}
	if maxRevision > 0 {
		query += ` AND stream_revision <= $3`
		args = append(args, maxRevision)
	}
	query += ` ORDER BY stream_revision DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, query, args...)
	var revision int64
	var payload any
	switch err := row.Scan(&revision, &payload); {
	case err == nil:
		return eventstore.Snapshot{Partition: s.partition, StreamID: streamID, StreamRevision: revision, Payload: payload}, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return eventstore.Snapshot{}, false, nil
	default:
		return eventstore.Snapshot{}, false, classifyErr(err)
	}
}

// AddSnapshot upserts a snapshot and advances the stream-head's snapshot
// revision. Never returns an error; failures collapse to false.
func (s *Store) AddSnapshot(ctx context.Context, snapshot eventstore.Snapshot) bool {
	snapshot.Partition = s.partition
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO snapshots (partition, stream_id, stream_revision, payload) VALUES ($1,$2,$3,$4)
		ON CONFLICT (partition, stream_id, stream_revision) DO UPDATE SET payload=EXCLUDED.payload`,
		snapshot.Partition, snapshot.StreamID, snapshot.StreamRevision, snapshot.Payload); err != nil {
		return false
	}

	if _, err := tx.Exec(ctx, `UPDATE stream_heads SET snapshot_revision=$1, unsnapshotted=head_revision-$1 WHERE partition=$2 AND stream_id=$3`,
		snapshot.StreamRevision, snapshot.Partition, snapshot.StreamID); err != nil {
		return false
	}

	return tx.Commit(ctx) == nil
}

// Purge drops every commit, snapshot, and stream-head in this partition.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback(ctx)
	for _, table := range []string{"commits", "snapshots", "stream_heads"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition=$1`, table), s.partition); err != nil {
			return classifyErr(err)
		}
	}
	return classifyErr(tx.Commit(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			// The pre-check SELECTs in Commit close most races, but a
			// concurrent insert landing between the SELECT and this INSERT
			// can still trip a unique index. Which constraint fired tells
			// us which sentinel applies: the commit_id index means another
			// transaction just persisted this exact attempt (a safe
			// no-op retry), the primary key means someone else claimed the
			// sequence position first (a real conflict).
			if pgErr.ConstraintName == "idx_commits_commit_id" {
				return fmt.Errorf("%w: %v", eventstore.ErrDuplicateCommit, err)
			}
			return fmt.Errorf("%w: %v", eventstore.ErrConcurrency, err)
		case "08000", "08003", "08006", "08001", "08004": // connection_exception family
			return fmt.Errorf("%w: %v", eventstore.ErrStorageUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
}

var _ eventstore.PersistenceEngine = (*Store)(nil)
