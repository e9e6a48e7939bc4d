// Package store defines the backend contracts for chunked event stream
// storage: the data store that holds raw events, the document store
// that holds stream metadata, and the snapshot store.
package store

import (
	"context"

	"github.com/chunkstream/chunkstream/es"
)

// ConcurrencyToken is the point-in-time state a session captured when
// it was opened. Backends use it to make event appends conditional:
// if the stored state moved past the token, the append must fail with
// es.ErrConcurrencyConflict.
type ConcurrencyToken struct {
	// StreamVersion is the version of the last committed event at the
	// time of the read, or es.EmptyStreamVersion.
	StreamVersion int64

	// DocumentHash is the content hash of the stream document at the
	// time of the read.
	DocumentHash string
}

// DataStore is the abstraction through which raw events are appended to
// and read from physical storage. One implementation exists per backend
// family; each normalizes its native conditional-write primitive to the
// ConcurrencyToken contract.
type DataStore interface {
	// ReadChunk returns the chunk's events within the inclusive version
	// range [fromVersion, toVersion] in ascending version order.
	// toVersion may be es.EndOfStream. Version gaps produced by repair
	// operations are tolerated: missing versions are simply absent from
	// the result.
	ReadChunk(ctx context.Context, doc *es.StreamDocument, chunkID int, fromVersion, toVersion int64) ([]es.PersistedEvent, error)

	// Append physically persists events into the chunk's backing
	// location. All events must already carry their assigned
	// EventVersion and ChunkID. Returns es.ErrConcurrencyConflict when
	// the token no longer matches the stored state; this is the single
	// point where backend-native optimistic concurrency is enforced.
	Append(ctx context.Context, doc *es.StreamDocument, chunkID int, token ConcurrencyToken, events []es.PersistedEvent) error

	// RemoveEventsForFailedCommit deletes events in the inclusive
	// version range [fromVersion, toVersion] and returns the number
	// removed. It is idempotent and best-effort: removing an empty
	// range returns 0, not an error, and repeated calls with the same
	// arguments are safe. Used only by the commit protocol's cleanup
	// path and by repair.
	RemoveEventsForFailedCommit(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) (int64, error)
}

// DocumentStore persists and retrieves the StreamDocument itself,
// guarded by content-hash optimistic concurrency.
type DocumentStore interface {
	// Create makes the document for the aggregate instance, or returns
	// the existing one. Idempotent if the document already exists.
	Create(ctx context.Context, objectName, objectID string, settings es.ChunkSettings) (*es.StreamDocument, error)

	// Get returns the document, or es.ErrNotFound.
	Get(ctx context.Context, objectName, objectID string) (*es.StreamDocument, error)

	// Set persists the document. The write is conditional on
	// doc.PrevHash matching the stored hash; a mismatch returns
	// es.ErrConcurrencyConflict. On success the store updates doc.Hash
	// and doc.PrevHash to the new content hash.
	Set(ctx context.Context, doc *es.StreamDocument) error
}

// SnapshotStore persists materialized aggregate state so the read path
// can avoid replaying from version 0.
type SnapshotStore interface {
	// Save persists the snapshot for the document's active stream.
	// Saving the same UntilVersion twice overwrites.
	Save(ctx context.Context, doc *es.StreamDocument, snap es.Snapshot) error

	// Load returns the snapshot with the highest UntilVersion not
	// exceeding maxVersion, or ok=false when none exists.
	Load(ctx context.Context, doc *es.StreamDocument, maxVersion int64) (snap es.Snapshot, ok bool, err error)
}

// GlobalReader reads the store-wide event log in global-position order.
// SQL backends implement it for poll-based catch-up projections.
type GlobalReader interface {
	// ReadAll returns up to limit events with GlobalPosition greater
	// than fromPosition, ascending.
	ReadAll(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}
