// Package memory provides an in-memory adapter for chunked event
// stream storage. It is intended for tests and examples; state is lost
// when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// Store implements store.DataStore, store.DocumentStore and
// store.SnapshotStore over process memory. It is safe for concurrent
// use and reproduces the optimistic-concurrency semantics of the SQL
// adapters: an append whose versions already exist conflicts, and a
// document write with a stale PrevHash conflicts.
type Store struct {
	mu        sync.RWMutex
	events    map[string]map[int64]es.PersistedEvent
	documents map[string]*es.StreamDocument
	snapshots map[string][]es.Snapshot

	// BeforeAppend, when set, runs before each physical append with
	// the target chunk id. Returning an error fails the append. Used
	// by tests to inject partial-commit failures.
	BeforeAppend func(chunkID int) error

	// BeforeRemove, when set, runs before each removal. Returning an
	// error fails the cleanup. Used by tests to produce broken
	// streams.
	BeforeRemove func() error

	// BeforeSet, when set, runs before each document write. Returning
	// an error fails the write. Used by tests to inject document
	// persist failures.
	BeforeSet func() error
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		events:    make(map[string]map[int64]es.PersistedEvent),
		documents: make(map[string]*es.StreamDocument),
		snapshots: make(map[string][]es.Snapshot),
	}
}

func docKey(objectName, objectID string) string {
	return objectName + "\x00" + objectID
}

// Create implements store.DocumentStore. Idempotent if the document
// already exists.
func (s *Store) Create(ctx context.Context, objectName, objectID string, settings es.ChunkSettings) (*es.StreamDocument, error) {
	doc, err := es.NewStreamDocument(objectName, objectID, settings)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(objectName, objectID)
	if existing, ok := s.documents[key]; ok {
		return existing.Clone(), nil
	}
	doc.Hash = doc.ComputeHash()
	doc.PrevHash = doc.Hash
	s.documents[key] = doc.Clone()
	return doc, nil
}

// Get implements store.DocumentStore.
func (s *Store) Get(ctx context.Context, objectName, objectID string) (*es.StreamDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[docKey(objectName, objectID)]
	if !ok {
		return nil, es.ErrNotFound
	}
	out := doc.Clone()
	out.PrevHash = out.Hash
	return out, nil
}

// Set implements store.DocumentStore. The write is conditional on
// doc.PrevHash matching the stored hash.
func (s *Store) Set(ctx context.Context, doc *es.StreamDocument) error {
	if s.BeforeSet != nil {
		if err := s.BeforeSet(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(doc.ObjectName, doc.ObjectID)
	stored, ok := s.documents[key]
	if !ok {
		return es.ErrNotFound
	}
	if stored.Hash != doc.PrevHash {
		return es.ErrConcurrencyConflict
	}

	newHash := doc.ComputeHash()
	doc.Hash = newHash
	doc.PrevHash = newHash
	s.documents[key] = doc.Clone()
	return nil
}

// Append implements store.DataStore. The conditional-write primitive is
// version uniqueness: appending an event whose version is already
// present in the stream conflicts, which gives at-most-one-winner among
// sessions that planned from the same token.
func (s *Store) Append(ctx context.Context, doc *es.StreamDocument, chunkID int, token store.ConcurrencyToken, events []es.PersistedEvent) error {
	if len(events) == 0 {
		return es.ErrNoEvents
	}
	if s.BeforeAppend != nil {
		if err := s.BeforeAppend(chunkID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	streamID := doc.Active.StreamID
	byVersion, ok := s.events[streamID]
	if !ok {
		byVersion = make(map[int64]es.PersistedEvent)
		s.events[streamID] = byVersion
	}

	for _, e := range events {
		if _, exists := byVersion[e.EventVersion]; exists {
			return es.ErrConcurrencyConflict
		}
	}
	for _, e := range events {
		e.ChunkID = chunkID
		e.StreamID = streamID
		byVersion[e.EventVersion] = e
	}
	return nil
}

// ReadChunk implements store.DataStore.
func (s *Store) ReadChunk(ctx context.Context, doc *es.StreamDocument, chunkID int, fromVersion, toVersion int64) ([]es.PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []es.PersistedEvent
	for version, e := range s.events[doc.Active.StreamID] {
		if e.ChunkID != chunkID {
			continue
		}
		if version < fromVersion {
			continue
		}
		if toVersion != es.EndOfStream && version > toVersion {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventVersion < out[j].EventVersion })
	return out, nil
}

// RemoveEventsForFailedCommit implements store.DataStore. Idempotent:
// removing an already removed range removes nothing and succeeds.
func (s *Store) RemoveEventsForFailedCommit(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) (int64, error) {
	if s.BeforeRemove != nil {
		if err := s.BeforeRemove(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	byVersion := s.events[doc.Active.StreamID]
	for version := fromVersion; version <= toVersion; version++ {
		if _, ok := byVersion[version]; ok {
			delete(byVersion, version)
			removed++
		}
	}
	return removed, nil
}

// Save implements store.SnapshotStore. Saving the same UntilVersion
// twice overwrites.
func (s *Store) Save(ctx context.Context, doc *es.StreamDocument, snap es.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	streamID := doc.Active.StreamID
	for i, existing := range s.snapshots[streamID] {
		if existing.UntilVersion == snap.UntilVersion {
			s.snapshots[streamID][i] = snap
			return nil
		}
	}
	s.snapshots[streamID] = append(s.snapshots[streamID], snap)
	return nil
}

// Load implements store.SnapshotStore.
func (s *Store) Load(ctx context.Context, doc *es.StreamDocument, maxVersion int64) (es.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best es.Snapshot
	found := false
	for _, snap := range s.snapshots[doc.Active.StreamID] {
		if snap.UntilVersion > maxVersion {
			continue
		}
		if !found || snap.UntilVersion > best.UntilVersion {
			best = snap
			found = true
		}
	}
	return best, found, nil
}

var (
	_ store.DataStore     = (*Store)(nil)
	_ store.DocumentStore = (*Store)(nil)
	_ store.SnapshotStore = (*Store)(nil)
)
