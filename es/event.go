// Package es provides core types for chunked event stream storage.
package es

import (
	"time"

	"github.com/google/uuid"
)

// EndOfStream is the toVersion value that means "read until the last
// committed event".
const EndOfStream int64 = -1

// EmptyStreamVersion is the CurrentStreamVersion of a stream with no
// committed events. The first committed event receives version 0.
const EmptyStreamVersion int64 = -1

// Event represents an immutable domain event before it is assigned a
// position in a stream. Events are value objects without identity until
// persisted.
type Event struct {
	// CreatedAt is when the event was created
	CreatedAt time.Time

	// EventType identifies the type of event
	EventType string

	// SchemaVersion is the schema version of this event type.
	// Upcasters use it to migrate old payloads on the read path.
	SchemaVersion int

	// Payload contains the event data.
	// Stored as bytes for flexibility - allows any serialization format.
	Payload []byte

	// Metadata contains additional string key/value context
	Metadata map[string]string

	// ExternalSequencer is an optional ordering hint supplied by an
	// external system (e.g. a message broker offset)
	ExternalSequencer string

	// ActionMetadata is opaque per-commit context recorded alongside
	// the event (e.g. the command that produced it)
	ActionMetadata []byte

	// EventID is a unique identifier for this event
	EventID uuid.UUID
}

// PersistedEvent is an event that has been assigned a position in a
// stream. EventVersion and ChunkID are set by the commit protocol, never
// by callers.
type PersistedEvent struct {
	Event

	// EventVersion is the zero-based position of the event in its
	// stream. Versions are contiguous in committed state; gaps may
	// exist transiently after a repair removal.
	EventVersion int64

	// ChunkID identifies the chunk whose physical location holds this
	// event.
	ChunkID int

	// StreamID is the physical stream the event belongs to. Set by
	// backends on read; projections use it for partitioning.
	StreamID string

	// GlobalPosition is a store-wide ordering key assigned by SQL
	// backends on insert. It is 0 for backends without a global log.
	GlobalPosition int64
}
