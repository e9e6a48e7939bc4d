// Package reader implements the read path: resolving a version range
// across chunk boundaries, applying snapshots, upcasting old event
// schemas and folding events into aggregate state.
package reader

import (
	"context"
	"fmt"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// Reader reads events from a stream's chunks.
type Reader struct {
	data      store.DataStore
	snapshots store.SnapshotStore
	upcasters *UpcasterRegistry
	logger    es.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithSnapshotStore enables snapshot-accelerated folds.
func WithSnapshotStore(snapshots store.SnapshotStore) Option {
	return func(r *Reader) {
		r.snapshots = snapshots
	}
}

// WithUpcasters installs schema upcasters applied to every read.
func WithUpcasters(reg *UpcasterRegistry) Option {
	return func(r *Reader) {
		if reg != nil {
			r.upcasters = reg
		}
	}
}

// WithLogger sets the reader logger.
func WithLogger(logger es.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Reader over the data store.
func New(data store.DataStore, opts ...Option) *Reader {
	r := &Reader{
		data:      data,
		upcasters: NewUpcasterRegistry(),
		logger:    es.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the stream's events in the inclusive version range
// [fromVersion, toVersion] in ascending order. toVersion may be
// es.EndOfStream. One physical read is issued per overlapping chunk.
// Version gaps left by repair removals are tolerated: missing versions
// are simply absent from the result.
func (r *Reader) Read(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) ([]es.PersistedEvent, error) {
	if fromVersion < 0 {
		fromVersion = 0
	}
	if toVersion != es.EndOfStream && toVersion < fromVersion {
		return nil, &es.ValidationError{
			Field:  "toVersion",
			Reason: fmt.Sprintf("%d is before fromVersion %d", toVersion, fromVersion),
		}
	}

	var events []es.PersistedEvent
	for _, chunk := range doc.Active.StreamChunks {
		if !chunk.Overlaps(fromVersion, toVersion) {
			continue
		}
		batch, err := r.data.ReadChunk(ctx, doc, chunk.ChunkID, fromVersion, toVersion)
		if err != nil {
			return nil, es.WrapStorageError("read chunk", err)
		}
		events = append(events, batch...)
	}

	return r.upcasters.Apply(events), nil
}

// ApplyFunc folds one event into aggregate state.
type ApplyFunc func(ctx context.Context, event es.PersistedEvent) error

// SnapshotApplyFunc restores aggregate state from a snapshot.
type SnapshotApplyFunc func(ctx context.Context, snap es.Snapshot) error

// FoldResult reports what a fold replayed.
type FoldResult struct {
	// Version is the stream version of the last event applied, or of
	// the snapshot when no events followed it. EmptyStreamVersion for
	// an empty stream.
	Version int64

	// EventsApplied is the number of events replayed.
	EventsApplied int

	// SnapshotVersion is the UntilVersion of the snapshot used, or
	// EmptyStreamVersion when no snapshot was applied.
	SnapshotVersion int64
}

// Fold replays the stream into apply, starting from the newest usable
// snapshot when a snapshot store is configured and restore is non-nil.
//
// A snapshot is usable only up to what the event log confirms: a
// reference claiming a version beyond the stream's current version is
// ignored and the fold falls back to full replay.
func (r *Reader) Fold(ctx context.Context, doc *es.StreamDocument, restore SnapshotApplyFunc, apply ApplyFunc) (FoldResult, error) {
	result := FoldResult{Version: es.EmptyStreamVersion, SnapshotVersion: es.EmptyStreamVersion}
	from := int64(0)

	if r.snapshots != nil && restore != nil {
		if ref, ok := r.usableSnapshotRef(doc); ok {
			snap, found, err := r.snapshots.Load(ctx, doc, ref.UntilVersion)
			if err != nil {
				return result, es.WrapStorageError("snapshot load", err)
			}
			// The stored snapshot may itself be stale relative to the
			// reference; re-check before trusting it.
			if found && snap.UntilVersion <= doc.Active.CurrentStreamVersion {
				if err := restore(ctx, snap); err != nil {
					return result, fmt.Errorf("restore snapshot: %w", err)
				}
				result.SnapshotVersion = snap.UntilVersion
				result.Version = snap.UntilVersion
				from = snap.UntilVersion + 1
			}
		}
	}

	events, err := r.Read(ctx, doc, from, es.EndOfStream)
	if err != nil {
		return result, err
	}
	for _, event := range events {
		if err := apply(ctx, event); err != nil {
			return result, fmt.Errorf("apply event %d: %w", event.EventVersion, err)
		}
		result.EventsApplied++
		result.Version = event.EventVersion
	}
	if result.Version < doc.Active.CurrentStreamVersion && result.EventsApplied == 0 && result.SnapshotVersion == es.EmptyStreamVersion {
		r.logger.Debug(ctx, "fold replayed no events for non-empty stream",
			"stream", doc.Active.StreamID,
			"head", doc.Active.CurrentStreamVersion)
	}
	return result, nil
}

// usableSnapshotRef picks the newest snapshot reference the event log
// confirms.
func (r *Reader) usableSnapshotRef(doc *es.StreamDocument) (es.SnapshotRef, bool) {
	var best es.SnapshotRef
	found := false
	for _, ref := range doc.Active.Snapshots {
		if ref.UntilVersion > doc.Active.CurrentStreamVersion {
			// Invalid: snapshot claims more than the stream holds.
			continue
		}
		if !found || ref.UntilVersion > best.UntilVersion {
			best = ref
			found = true
		}
	}
	return best, found
}
