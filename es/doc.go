// Package es provides the core data model for chunked event stream
// storage.
//
// # Overview
//
// Every aggregate instance owns one logical event stream, described by
// a StreamDocument: the active stream descriptor, its chunk layout, its
// snapshot registry and the history of terminated streams. Events are
// ordered by a contiguous zero-based EventVersion and stored in chunks
// so that a single physical write stays bounded regardless of stream
// length.
//
// The packages build on each other, leaves first:
//
//   - es: StreamDocument, Event, chunk planning, error taxonomy
//   - es/store: DataStore / DocumentStore / SnapshotStore contracts
//   - es/session: the commit protocol (unit of work, hooks, recovery
//     markers)
//   - es/repair: administrative repair of broken streams
//   - es/reader: version-range reads across chunks, snapshots,
//     upcasting, folding
//   - es/projection: poll-based catch-up projections
//   - es/adapters/...: one concrete store per backend family
//
// # Optimistic Concurrency
//
// Two independent tokens guard a stream:
//
//   - Event writes are conditional on the concurrency token captured
//     when a session is opened. The backend's native primitive (unique
//     constraint, ETag, row version) enforces at-most-one-winner among
//     concurrent sessions; losers observe ErrConcurrencyConflict and
//     must re-open the session.
//   - Document writes are conditional on the content hash the caller
//     last read (PrevHash). Event data is authoritative: a document
//     conflict after a successful physical append is resolved by
//     re-reading the document and re-applying the metadata change,
//     never by re-writing events.
//
// # Failure Handling
//
// A commit that spans several chunks is a sequence of chunk-scoped
// physical appends. When a later append fails, the already-written
// range is removed; if that cleanup also fails the document is marked
// with BrokenStreamInfo and the stream requires administrative repair
// (see the repair package). The protocol never leaves silently
// inconsistent state: every mid-commit failure either rolls back or is
// recorded durably.
package es
