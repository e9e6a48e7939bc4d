package es

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChunkSettings controls how a stream's events are divided across
// physical chunks.
type ChunkSettings struct {
	// EnableChunks turns chunked storage on. When false all events
	// target a single implicit chunk and no rollover logic applies.
	EnableChunks bool `json:"enableChunks"`

	// ChunkSize is the maximum number of events per chunk.
	// Only meaningful when EnableChunks is true.
	ChunkSize int `json:"chunkSize,omitempty"`
}

// NewChunkSettings validates and constructs chunk settings.
// A zero or negative chunk size is a configuration error and is
// rejected here, never at commit time.
func NewChunkSettings(enable bool, size int) (ChunkSettings, error) {
	if enable && size <= 0 {
		return ChunkSettings{}, &ValidationError{Field: "ChunkSize", Reason: fmt.Sprintf("must be positive, got %d", size)}
	}
	return ChunkSettings{EnableChunks: enable, ChunkSize: size}, nil
}

// ChunkDescriptor describes one chunk of a stream.
// A chunk is closed once it holds exactly ChunkSize events; only the
// last chunk in a stream may be open.
type ChunkDescriptor struct {
	// ChunkID is the ordinal of the chunk, starting at 0
	ChunkID int `json:"chunkId"`

	// FirstEventVersion is the version of the first event in the
	// chunk, or nil while the chunk is still empty
	FirstEventVersion *int64 `json:"firstEventVersion,omitempty"`

	// LastEventVersion is the version of the last event committed to
	// the chunk, or nil while the chunk is still empty
	LastEventVersion *int64 `json:"lastEventVersion,omitempty"`
}

// Len returns the number of events currently in the chunk.
func (c ChunkDescriptor) Len() int64 {
	if c.FirstEventVersion == nil || c.LastEventVersion == nil {
		return 0
	}
	return *c.LastEventVersion - *c.FirstEventVersion + 1
}

// Overlaps reports whether the chunk holds any events in the inclusive
// version range [from, to]. to may be EndOfStream.
func (c ChunkDescriptor) Overlaps(from, to int64) bool {
	if c.FirstEventVersion == nil || c.LastEventVersion == nil {
		return false
	}
	if to != EndOfStream && *c.FirstEventVersion > to {
		return false
	}
	return *c.LastEventVersion >= from
}

// SnapshotRef records that a materialized snapshot exists covering
// events 0..UntilVersion inclusive.
type SnapshotRef struct {
	UntilVersion int64  `json:"untilVersion"`
	Name         string `json:"name,omitempty"`
}

// TerminatedStream records a previously active stream that was closed
// or migrated away from. Termination records history rather than
// erasing it.
type TerminatedStream struct {
	StreamID            string    `json:"streamId"`
	StreamType          string    `json:"streamType,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	TerminatedAtVersion int64     `json:"terminatedAtVersion"`
	TerminatedAt        time.Time `json:"terminatedAt"`

	// ContinuedBy optionally points at the stream that continues this
	// one after a migration
	ContinuedBy string `json:"continuedBy,omitempty"`
}

// BrokenStreamInfo is persisted when a commit failed and automatic
// cleanup also failed, leaving orphaned events in physical storage that
// the document does not claim.
type BrokenStreamInfo struct {
	BrokenAt            time.Time `json:"brokenAt"`
	OrphanedFromVersion int64     `json:"orphanedFromVersion"`
	OrphanedToVersion   int64     `json:"orphanedToVersion"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
	OriginalErrorKind   string    `json:"originalErrorKind,omitempty"`
	CleanupErrorKind    string    `json:"cleanupErrorKind,omitempty"`
}

// RollbackRecord is the audit trail of a successful automatic cleanup
// after a failed commit.
type RollbackRecord struct {
	RolledBackAt      time.Time `json:"rolledBackAt"`
	FromVersion       int64     `json:"fromVersion"`
	ToVersion         int64     `json:"toVersion"`
	EventsRemoved     int64     `json:"eventsRemoved"`
	OriginalError     string    `json:"originalError,omitempty"`
	OriginalErrorKind string    `json:"originalErrorKind,omitempty"`
}

// StreamDescriptor is the active stream of a document: its physical
// identity, chunk layout and snapshot registry.
type StreamDescriptor struct {
	// StreamID is the physical key/partition identifier for the backend
	StreamID string `json:"streamId"`

	// StreamType selects the data store adapter that owns the events
	StreamType string `json:"streamType,omitempty"`

	// DocumentType selects the document store adapter
	DocumentType string `json:"documentType,omitempty"`

	ChunkSettings ChunkSettings `json:"chunkSettings"`

	// CurrentStreamVersion is the version of the last successfully
	// committed event, or EmptyStreamVersion for an empty stream.
	CurrentStreamVersion int64 `json:"currentStreamVersion"`

	// StreamChunks is the ordered chunk list. Exactly one chunk, the
	// last, is open; all others are closed and immutable.
	StreamChunks []ChunkDescriptor `json:"streamChunks,omitempty"`

	// Snapshots is the ordered snapshot registry
	Snapshots []SnapshotRef `json:"snapshots,omitempty"`
}

// OpenChunk returns the last chunk of the descriptor, creating the
// implicit chunk 0 if the list is empty.
func (d *StreamDescriptor) OpenChunk() *ChunkDescriptor {
	if len(d.StreamChunks) == 0 {
		d.StreamChunks = []ChunkDescriptor{{ChunkID: 0}}
	}
	return &d.StreamChunks[len(d.StreamChunks)-1]
}

// StreamDocument is the per-aggregate metadata record. It is persisted
// separately from the events it describes and guarded by content-hash
// optimistic concurrency.
type StreamDocument struct {
	// ObjectName and ObjectID identify the aggregate instance.
	// Immutable after creation.
	ObjectName string `json:"objectName"`
	ObjectID   string `json:"objectId"`

	// SchemaVersion is the format version of the document itself
	SchemaVersion int `json:"schemaVersion,omitempty"`

	Active StreamDescriptor `json:"active"`

	TerminatedStreams []TerminatedStream `json:"terminatedStreams,omitempty"`

	// BrokenStream flags the stream for administrative repair
	BrokenStream *BrokenStreamInfo `json:"brokenStream,omitempty"`

	Rollbacks []RollbackRecord `json:"rollbacks,omitempty"`

	// Hash is the content hash of the serialized document, set by the
	// document store on write. PrevHash is the hash the caller last
	// read; a mismatch on write signals a concurrent modification.
	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prevHash,omitempty"`
}

// documentSchemaVersion is the current format version of StreamDocument.
const documentSchemaVersion = 1

// NewStreamDocument constructs the document for a new aggregate
// instance with an empty active stream.
func NewStreamDocument(objectName, objectID string, settings ChunkSettings) (*StreamDocument, error) {
	if objectName == "" {
		return nil, &ValidationError{Field: "ObjectName", Reason: "must not be empty"}
	}
	if objectID == "" {
		return nil, &ValidationError{Field: "ObjectID", Reason: "must not be empty"}
	}
	if settings.EnableChunks && settings.ChunkSize <= 0 {
		return nil, &ValidationError{Field: "ChunkSize", Reason: "must be positive when chunks are enabled"}
	}
	return &StreamDocument{
		ObjectName:    objectName,
		ObjectID:      objectID,
		SchemaVersion: documentSchemaVersion,
		Active: StreamDescriptor{
			StreamID:             objectName + "::" + objectID,
			ChunkSettings:        settings,
			CurrentStreamVersion: EmptyStreamVersion,
			StreamChunks:         []ChunkDescriptor{{ChunkID: 0}},
		},
	}, nil
}

// ComputeHash returns the SHA-256 content hash of the document with the
// hash fields themselves blanked, so the hash is stable across reads.
func (d *StreamDocument) ComputeHash() string {
	shadow := *d
	shadow.Hash = ""
	shadow.PrevHash = ""
	raw, err := json.Marshal(&shadow)
	if err != nil {
		// All document fields are plain data; Marshal cannot fail on them.
		panic(fmt.Sprintf("stream document not serializable: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the document.
func (d *StreamDocument) Clone() *StreamDocument {
	c := *d
	c.Active.StreamChunks = append([]ChunkDescriptor(nil), d.Active.StreamChunks...)
	c.Active.Snapshots = append([]SnapshotRef(nil), d.Active.Snapshots...)
	c.TerminatedStreams = append([]TerminatedStream(nil), d.TerminatedStreams...)
	c.Rollbacks = append([]RollbackRecord(nil), d.Rollbacks...)
	if d.BrokenStream != nil {
		info := *d.BrokenStream
		c.BrokenStream = &info
	}
	return &c
}

// IsBroken reports whether the stream carries a broken-stream marker.
func (d *StreamDocument) IsBroken() bool {
	return d.BrokenStream != nil
}

// MarkBroken flags the stream for administrative repair.
func (d *StreamDocument) MarkBroken(info BrokenStreamInfo) {
	d.BrokenStream = &info
}

// ClearBroken removes the broken-stream marker.
func (d *StreamDocument) ClearBroken() {
	d.BrokenStream = nil
}

// RecordRollback appends the audit record of a successful cleanup.
func (d *StreamDocument) RecordRollback(r RollbackRecord) {
	d.Rollbacks = append(d.Rollbacks, r)
}

// Advance moves the active stream to the given version with the given
// chunk layout. It rejects layouts that would violate the chunk
// invariants: contiguous non-overlapping ranges, in chunk order, with
// only the last chunk open.
func (d *StreamDocument) Advance(version int64, chunks []ChunkDescriptor) error {
	if version < d.Active.CurrentStreamVersion {
		return &ValidationError{
			Field:  "CurrentStreamVersion",
			Reason: fmt.Sprintf("cannot move backwards from %d to %d", d.Active.CurrentStreamVersion, version),
		}
	}
	if err := ValidateChunkLayout(chunks, version); err != nil {
		return err
	}
	d.Active.CurrentStreamVersion = version
	d.Active.StreamChunks = chunks
	return nil
}

// AddSnapshot registers a snapshot reference. References claiming a
// version beyond the current stream version are rejected; the read path
// additionally ignores any stale reference it encounters.
func (d *StreamDocument) AddSnapshot(ref SnapshotRef) error {
	if ref.UntilVersion < 0 {
		return &ValidationError{Field: "UntilVersion", Reason: "must be non-negative"}
	}
	if ref.UntilVersion > d.Active.CurrentStreamVersion {
		return &ValidationError{
			Field:  "UntilVersion",
			Reason: fmt.Sprintf("%d exceeds current stream version %d", ref.UntilVersion, d.Active.CurrentStreamVersion),
		}
	}
	d.Active.Snapshots = append(d.Active.Snapshots, ref)
	return nil
}

// Terminate closes the active stream, records it in the terminated
// history and opens a fresh empty stream under a new stream identifier.
func (d *StreamDocument) Terminate(reason, continuedBy string) error {
	if d.IsBroken() {
		return &StreamBrokenError{ObjectName: d.ObjectName, ObjectID: d.ObjectID, Info: *d.BrokenStream}
	}
	generation := len(d.TerminatedStreams) + 1
	d.TerminatedStreams = append(d.TerminatedStreams, TerminatedStream{
		StreamID:            d.Active.StreamID,
		StreamType:          d.Active.StreamType,
		Reason:              reason,
		TerminatedAtVersion: d.Active.CurrentStreamVersion,
		TerminatedAt:        time.Now().UTC(),
		ContinuedBy:         continuedBy,
	})
	d.Active = StreamDescriptor{
		StreamID:             fmt.Sprintf("%s::%s::g%d", d.ObjectName, d.ObjectID, generation),
		StreamType:           d.Active.StreamType,
		DocumentType:         d.Active.DocumentType,
		ChunkSettings:        d.Active.ChunkSettings,
		CurrentStreamVersion: EmptyStreamVersion,
		StreamChunks:         []ChunkDescriptor{{ChunkID: 0}},
	}
	return nil
}

// ValidateChunkLayout checks the chunk list invariants for a stream at
// the given head version.
func ValidateChunkLayout(chunks []ChunkDescriptor, headVersion int64) error {
	if len(chunks) == 0 {
		return &ValidationError{Field: "StreamChunks", Reason: "must contain at least the open chunk"}
	}
	var prevLast *int64
	for i, c := range chunks {
		if c.ChunkID != chunks[0].ChunkID+i {
			return &ValidationError{Field: "StreamChunks", Reason: fmt.Sprintf("chunk ids not sequential at index %d", i)}
		}
		empty := c.FirstEventVersion == nil && c.LastEventVersion == nil
		if empty {
			if i != len(chunks)-1 {
				return &ValidationError{Field: "StreamChunks", Reason: "only the open chunk may be empty"}
			}
			continue
		}
		if c.FirstEventVersion == nil || c.LastEventVersion == nil {
			return &ValidationError{Field: "StreamChunks", Reason: fmt.Sprintf("chunk %d is partially bounded", c.ChunkID)}
		}
		if *c.LastEventVersion < *c.FirstEventVersion {
			return &ValidationError{Field: "StreamChunks", Reason: fmt.Sprintf("chunk %d range is inverted", c.ChunkID)}
		}
		if prevLast != nil && *c.FirstEventVersion != *prevLast+1 {
			return &ValidationError{Field: "StreamChunks", Reason: fmt.Sprintf("chunk %d does not continue previous chunk", c.ChunkID)}
		}
		prevLast = c.LastEventVersion
	}
	if prevLast != nil && *prevLast != headVersion {
		return &ValidationError{Field: "StreamChunks", Reason: fmt.Sprintf("last chunk ends at %d, stream head is %d", *prevLast, headVersion)}
	}
	if prevLast == nil && headVersion != EmptyStreamVersion {
		return &ValidationError{Field: "StreamChunks", Reason: "empty chunk layout for a non-empty stream"}
	}
	return nil
}
