// Package sqlite provides the SQLite adapter for chunked event stream
// storage, backed by the modernc.org/sqlite driver. It is intended for
// tests, tooling and single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// sqliteDateTimeFormat is how timestamps are stored. SQLite has no
// native datetime type, so a fixed lexicographically sortable layout
// keeps ORDER BY and BETWEEN working on the raw text.
const sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"

// StoreConfig contains configuration for the SQLite adapter.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	Logger es.Logger

	// DocumentsTable is the name of the stream documents table
	DocumentsTable string

	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DocumentsTable:   "stream_documents",
		EventsTable:      "stream_events",
		SnapshotsTable:   "stream_snapshots",
		CheckpointsTable: "projection_checkpoints",
	}
}

// Store is the SQLite-backed implementation of the data, document and
// snapshot store contracts.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// NewStore creates a new SQLite store.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{db: db, config: config}
}

// Append implements store.DataStore. SQLite reports a violated unique
// index with a "UNIQUE constraint failed" message; that is the
// conditional-write signal for a lost optimistic-concurrency race.
func (s *Store) Append(ctx context.Context, doc *es.StreamDocument, chunkID int, token store.ConcurrencyToken, events []es.PersistedEvent) error {
	if len(events) == 0 {
		return es.ErrNoEvents
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			stream_id, chunk_id, event_version,
			event_id, event_type, schema_version,
			payload, metadata, external_sequencer, action_metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	for i := range events {
		e := &events[i]
		metadata, err := marshalMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for event %d: %w", i, err)
		}
		_, err = tx.ExecContext(ctx, insertQuery,
			doc.Active.StreamID,
			chunkID,
			e.EventVersion,
			e.EventID.String(),
			e.EventType,
			e.SchemaVersion,
			e.Payload,
			metadata,
			nullString(e.ExternalSequencer),
			e.ActionMetadata,
			e.CreatedAt.UTC().Format(sqliteDateTimeFormat),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return es.ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event version %d: %w", e.EventVersion, err)
		}
	}

	return tx.Commit()
}

// ReadChunk implements store.DataStore.
func (s *Store) ReadChunk(ctx context.Context, doc *es.StreamDocument, chunkID int, fromVersion, toVersion int64) ([]es.PersistedEvent, error) {
	upper := toVersion
	if upper == es.EndOfStream {
		upper = int64(1)<<62 - 1
	}
	query := fmt.Sprintf(`
		SELECT global_position, chunk_id, event_version,
		       event_id, event_type, schema_version,
		       payload, metadata, external_sequencer, action_metadata, created_at
		FROM %s
		WHERE stream_id = ? AND chunk_id = ?
		  AND event_version BETWEEN ? AND ?
		ORDER BY event_version ASC
	`, s.config.EventsTable)

	rows, err := s.db.QueryContext(ctx, query, doc.Active.StreamID, chunkID, fromVersion, upper)
	if err != nil {
		return nil, fmt.Errorf("query chunk %d: %w", chunkID, err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		e, err := scanEvent(rows, false)
		if err != nil {
			return nil, err
		}
		e.StreamID = doc.Active.StreamID
		events = append(events, e)
	}
	return events, rows.Err()
}

// RemoveEventsForFailedCommit implements store.DataStore.
func (s *Store) RemoveEventsForFailedCommit(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE stream_id = ? AND event_version BETWEEN ? AND ?
	`, s.config.EventsTable)

	res, err := s.db.ExecContext(ctx, query, doc.Active.StreamID, fromVersion, toVersion)
	if err != nil {
		return 0, fmt.Errorf("delete events %d..%d: %w", fromVersion, toVersion, err)
	}
	return res.RowsAffected()
}

// ReadAll implements store.GlobalReader for catch-up projections.
func (s *Store) ReadAll(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT global_position, chunk_id, event_version,
		       event_id, event_type, schema_version,
		       payload, metadata, external_sequencer, action_metadata, created_at,
		       stream_id
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		e, err := scanEvent(rows, true)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Create implements store.DocumentStore.
func (s *Store) Create(ctx context.Context, objectName, objectID string, settings es.ChunkSettings) (*es.StreamDocument, error) {
	doc, err := es.NewStreamDocument(objectName, objectID, settings)
	if err != nil {
		return nil, err
	}
	doc.Hash = doc.ComputeHash()
	doc.PrevHash = doc.Hash

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (object_name, object_id, body, hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (object_name, object_id) DO NOTHING
	`, s.config.DocumentsTable)

	res, err := s.db.ExecContext(ctx, query, objectName, objectID, body, doc.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		return s.Get(ctx, objectName, objectID)
	}
	return doc, nil
}

// Get implements store.DocumentStore.
func (s *Store) Get(ctx context.Context, objectName, objectID string) (*es.StreamDocument, error) {
	query := fmt.Sprintf(`
		SELECT body, hash FROM %s
		WHERE object_name = ? AND object_id = ?
	`, s.config.DocumentsTable)

	var body []byte
	var hash string
	err := s.db.QueryRowContext(ctx, query, objectName, objectID).Scan(&body, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, es.ErrNotFound
		}
		return nil, fmt.Errorf("query document: %w", err)
	}

	var doc es.StreamDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	doc.Hash = hash
	doc.PrevHash = hash
	return &doc, nil
}

// Set implements store.DocumentStore.
func (s *Store) Set(ctx context.Context, doc *es.StreamDocument) error {
	newHash := doc.ComputeHash()
	shadow := doc.Clone()
	shadow.Hash = newHash
	shadow.PrevHash = doc.PrevHash
	body, err := json.Marshal(shadow)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET body = ?, hash = ?, updated_at = ?
		WHERE object_name = ? AND object_id = ? AND hash = ?
	`, s.config.DocumentsTable)

	now := time.Now().UTC().Format(sqliteDateTimeFormat)
	res, err := s.db.ExecContext(ctx, query, body, newHash, now, doc.ObjectName, doc.ObjectID, doc.PrevHash)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if updated == 0 {
		exists, err := s.documentExists(ctx, doc.ObjectName, doc.ObjectID)
		if err != nil {
			return err
		}
		if !exists {
			return es.ErrNotFound
		}
		return es.ErrConcurrencyConflict
	}

	doc.Hash = newHash
	doc.PrevHash = newHash
	return nil
}

func (s *Store) documentExists(ctx context.Context, objectName, objectID string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT 1 FROM %s WHERE object_name = ? AND object_id = ?
	`, s.config.DocumentsTable)

	var one int
	err := s.db.QueryRowContext(ctx, query, objectName, objectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query document: %w", err)
	}
	return true, nil
}

// Save implements store.SnapshotStore.
func (s *Store) Save(ctx context.Context, doc *es.StreamDocument, snap es.Snapshot) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, until_version, name, state, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, until_version) DO UPDATE SET
			name = excluded.name, state = excluded.state, taken_at = excluded.taken_at
	`, s.config.SnapshotsTable)

	_, err := s.db.ExecContext(ctx, query,
		doc.Active.StreamID, snap.UntilVersion, nullString(snap.Name),
		snap.State, snap.TakenAt.UTC().Format(sqliteDateTimeFormat))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load implements store.SnapshotStore.
func (s *Store) Load(ctx context.Context, doc *es.StreamDocument, maxVersion int64) (es.Snapshot, bool, error) {
	query := fmt.Sprintf(`
		SELECT until_version, name, state, taken_at
		FROM %s
		WHERE stream_id = ? AND until_version <= ?
		ORDER BY until_version DESC
		LIMIT 1
	`, s.config.SnapshotsTable)

	var snap es.Snapshot
	var name sql.NullString
	var takenAt string
	err := s.db.QueryRowContext(ctx, query, doc.Active.StreamID, maxVersion).
		Scan(&snap.UntilVersion, &name, &snap.State, &takenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Snapshot{}, false, nil
		}
		return es.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Name = name.String
	if snap.TakenAt, err = parseDateTime(takenAt); err != nil {
		return es.Snapshot{}, false, err
	}
	return snap, true, nil
}

// scanEvent scans a single event row; withStream expects a trailing
// stream_id column.
func scanEvent(rows *sql.Rows, withStream bool) (es.PersistedEvent, error) {
	var e es.PersistedEvent
	var eventID string
	var metadata []byte
	var sequencer sql.NullString
	var createdAt string

	dest := []interface{}{
		&e.GlobalPosition,
		&e.ChunkID,
		&e.EventVersion,
		&eventID,
		&e.EventType,
		&e.SchemaVersion,
		&e.Payload,
		&metadata,
		&sequencer,
		&e.ActionMetadata,
		&createdAt,
	}
	if withStream {
		dest = append(dest, &e.StreamID)
	}
	if err := rows.Scan(dest...); err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}

	id, err := uuid.Parse(eventID)
	if err != nil {
		return e, fmt.Errorf("parse event id: %w", err)
	}
	e.EventID = id
	e.ExternalSequencer = sequencer.String
	if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseDateTime(createdAt); err != nil {
		return e, err
	}
	return e, nil
}

func parseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteDateTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ store.DataStore     = (*Store)(nil)
	_ store.DocumentStore = (*Store)(nil)
	_ store.SnapshotStore = (*Store)(nil)
	_ store.GlobalReader  = (*Store)(nil)
)
