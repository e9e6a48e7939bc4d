// Package repair provides the administrative primitives for streams
// left broken by a failed commit whose automatic cleanup also failed.
//
// The package exposes mechanism, not policy: whether orphaned events
// are adopted as committed or force-removed is an operator decision.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// Decision selects what to do with orphaned events that are still
// present in physical storage.
type Decision int

const (
	// Adopt advances the stream version to cover the orphaned events,
	// provided they form an unbroken tail of the stream.
	Adopt Decision = iota + 1

	// Remove force-deletes the orphaned events.
	Remove
)

func (d Decision) String() string {
	switch d {
	case Adopt:
		return "adopt"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Status is the result of inspecting a possibly broken stream.
type Status struct {
	// Broken reports whether the document carries a broken-stream
	// marker.
	Broken bool

	// Info is the persisted marker, valid only when Broken.
	Info es.BrokenStreamInfo

	// Orphaned are the events of the marked range still present in
	// physical storage. Empty means the earlier cleanup actually
	// succeeded and only the marking survives.
	Orphaned []es.PersistedEvent
}

// Inspect re-reads the orphaned range from the data store without
// changing anything.
func Inspect(ctx context.Context, doc *es.StreamDocument, data store.DataStore) (Status, error) {
	if !doc.IsBroken() {
		return Status{}, nil
	}
	info := *doc.BrokenStream

	orphaned, err := readRange(ctx, doc, data, info.OrphanedFromVersion, info.OrphanedToVersion)
	if err != nil {
		return Status{}, err
	}
	return Status{Broken: true, Info: info, Orphaned: orphaned}, nil
}

// Outcome reports what a repair run did.
type Outcome struct {
	// Healed is true when the stream left repair without a broken
	// marker.
	Healed bool

	// Adopted is the number of orphaned events adopted as committed.
	Adopted int

	// Removed is the number of orphaned events deleted.
	Removed int64

	// NewVersion is the stream version after repair.
	NewVersion int64
}

// Run repairs a broken stream. When the orphaned range is already
// absent from physical storage the marker is simply cleared, whatever
// the decision. Otherwise the decision applies: Adopt requires the
// orphaned events to be an unbroken tail continuing the committed
// stream; Remove deletes them.
//
// Run is idempotent: repairing an already healthy stream is a no-op,
// removal of an already removed range removes nothing, and adopting an
// already adopted tail finds the stream healthy.
func Run(ctx context.Context, doc *es.StreamDocument, data store.DataStore, documents store.DocumentStore, decision Decision) (Outcome, error) {
	if !doc.IsBroken() {
		return Outcome{Healed: true, NewVersion: doc.Active.CurrentStreamVersion}, nil
	}
	info := *doc.BrokenStream

	orphaned, err := readRange(ctx, doc, data, info.OrphanedFromVersion, info.OrphanedToVersion)
	if err != nil {
		return Outcome{}, err
	}

	if len(orphaned) == 0 {
		// The original cleanup succeeded; only the marking failed.
		doc.ClearBroken()
		if err := documents.Set(ctx, doc); err != nil {
			return Outcome{}, es.WrapStorageError("document set", err)
		}
		return Outcome{Healed: true, NewVersion: doc.Active.CurrentStreamVersion}, nil
	}

	switch decision {
	case Adopt:
		return adopt(ctx, doc, documents, info, orphaned)
	case Remove:
		return remove(ctx, doc, data, documents, info)
	default:
		return Outcome{}, &es.ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %d", int(decision))}
	}
}

func adopt(ctx context.Context, doc *es.StreamDocument, documents store.DocumentStore, info es.BrokenStreamInfo, orphaned []es.PersistedEvent) (Outcome, error) {
	head := doc.Active.CurrentStreamVersion
	if orphaned[0].EventVersion != head+1 {
		return Outcome{}, &es.ValidationError{
			Field:  "orphaned",
			Reason: fmt.Sprintf("first orphaned version %d does not continue stream head %d", orphaned[0].EventVersion, head),
		}
	}
	for i := 1; i < len(orphaned); i++ {
		if orphaned[i].EventVersion != orphaned[i-1].EventVersion+1 {
			return Outcome{}, &es.ValidationError{
				Field:  "orphaned",
				Reason: fmt.Sprintf("orphaned events are not contiguous at version %d", orphaned[i].EventVersion),
			}
		}
	}

	// The events were written to the chunks the failed commit planned;
	// re-planning the same count reproduces that layout.
	plan, err := es.PlanAppend(doc.Active, len(orphaned))
	if err != nil {
		return Outcome{}, err
	}
	if err := doc.Advance(plan.LastVersion, plan.Chunks); err != nil {
		return Outcome{}, err
	}
	doc.ClearBroken()
	if err := documents.Set(ctx, doc); err != nil {
		return Outcome{}, es.WrapStorageError("document set", err)
	}
	return Outcome{Healed: true, Adopted: len(orphaned), NewVersion: plan.LastVersion}, nil
}

func remove(ctx context.Context, doc *es.StreamDocument, data store.DataStore, documents store.DocumentStore, info es.BrokenStreamInfo) (Outcome, error) {
	removed, err := data.RemoveEventsForFailedCommit(ctx, doc, info.OrphanedFromVersion, info.OrphanedToVersion)
	if err != nil {
		return Outcome{}, es.WrapStorageError("remove orphaned events", err)
	}
	doc.RecordRollback(es.RollbackRecord{
		RolledBackAt:      time.Now().UTC(),
		FromVersion:       info.OrphanedFromVersion,
		ToVersion:         info.OrphanedToVersion,
		EventsRemoved:     removed,
		OriginalError:     info.ErrorMessage,
		OriginalErrorKind: info.OriginalErrorKind,
	})
	doc.ClearBroken()
	if err := documents.Set(ctx, doc); err != nil {
		return Outcome{}, es.WrapStorageError("document set", err)
	}
	return Outcome{Healed: true, Removed: removed, NewVersion: doc.Active.CurrentStreamVersion}, nil
}

// readRange reads [from, to] across whatever chunks overlap it,
// including chunks the document does not claim yet: orphaned events may
// sit in a chunk the failed commit planned but never registered.
func readRange(ctx context.Context, doc *es.StreamDocument, data store.DataStore, from, to int64) ([]es.PersistedEvent, error) {
	var events []es.PersistedEvent

	seen := make(map[int]bool)
	for _, chunk := range doc.Active.StreamChunks {
		seen[chunk.ChunkID] = true
		batch, err := data.ReadChunk(ctx, doc, chunk.ChunkID, from, to)
		if err != nil {
			return nil, es.WrapStorageError("read chunk", err)
		}
		events = append(events, batch...)
	}

	// Probe a bounded number of chunks past the registered layout.
	if doc.Active.ChunkSettings.EnableChunks {
		last := doc.Active.StreamChunks[len(doc.Active.StreamChunks)-1].ChunkID
		span := int((to-from)/int64(doc.Active.ChunkSettings.ChunkSize)) + 2
		for id := last + 1; id <= last+span; id++ {
			if seen[id] {
				continue
			}
			batch, err := data.ReadChunk(ctx, doc, id, from, to)
			if err != nil {
				return nil, es.WrapStorageError("read chunk", err)
			}
			events = append(events, batch...)
		}
	}

	return events, nil
}
