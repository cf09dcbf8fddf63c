package eventstore

// Snapshot captures a stream's materialized state at a chosen revision,
// used to bound rehydration cost. Payload is opaque: serialization format
// is a concern of the caller, not the core (spec §1 non-goals).
type Snapshot struct {
	Partition      string
	StreamID       string
	StreamRevision int64
	Payload        any
}

// StreamHead is the per-(partition, streamId) bookkeeping record tracking
// head revision, the most recent snapshot revision, and how many events
// have accumulated since that snapshot. It is derived state: any backend
// must be able to reconstruct it from the commit log alone.
type StreamHead struct {
	Partition        string
	StreamID         string
	HeadRevision     int64
	SnapshotRevision int64
	Unsnapshotted    int64
}

// NewStreamHead initializes bookkeeping for a stream's first commit,
// ensuring Unsnapshotted always starts at the full event count rather than
// zero — resolving the open question in spec.md §9 about lazily created
// stream-heads. Backend adapters call this the first time a stream is
// observed.
func NewStreamHead(partition, streamID string, headRevision int64) StreamHead {
	return StreamHead{
		Partition:        partitionOrDefault(partition),
		StreamID:         streamID,
		HeadRevision:     headRevision,
		SnapshotRevision: 0,
		Unsnapshotted:    headRevision,
	}
}

// Advance folds a newly persisted commit's revision into the stream-head.
func (h StreamHead) Advance(headRevision int64) StreamHead {
	h.HeadRevision = headRevision
	h.Unsnapshotted = headRevision - h.SnapshotRevision
	return h
}

// WithSnapshot folds a new snapshot revision into the stream-head.
func (h StreamHead) WithSnapshot(snapshotRevision int64) StreamHead {
	h.SnapshotRevision = snapshotRevision
	h.Unsnapshotted = h.HeadRevision - snapshotRevision
	return h
}
