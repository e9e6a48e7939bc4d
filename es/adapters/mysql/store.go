// Package mysql provides the MySQL/MariaDB adapter for chunked event
// stream storage.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// StoreConfig contains configuration for the MySQL adapter.
// Configuration is immutable after construction.
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

// Store is the MySQL-backed implementation of the data, document and
// snapshot store contracts.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// NewStore creates a new MySQL store.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{db: db, config: config}
}

// Append implements store.DataStore. MySQL error 1062 (duplicate entry
// on the (stream_id, event_version) unique key) signals a lost
// optimistic-concurrency race.
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
			e.EventID,
			e.EventType,
			e.SchemaVersion,
			e.Payload,
			metadata,
			nullString(e.ExternalSequencer),
			e.ActionMetadata,
			e.CreatedAt,
		)
		if err != nil {
			if isDuplicateEntry(err) {
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

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].StreamID = doc.Active.StreamID
	}
	return events, nil
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
		INSERT IGNORE INTO %s (object_name, object_id, body, hash)
		VALUES (?, ?, ?, ?)
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
		SET body = ?, hash = ?, updated_at = NOW(6)
		WHERE object_name = ? AND object_id = ? AND hash = ?
	`, s.config.DocumentsTable)

	res, err := s.db.ExecContext(ctx, query, body, newHash, doc.ObjectName, doc.ObjectID, doc.PrevHash)
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
		ON DUPLICATE KEY UPDATE name = VALUES(name), state = VALUES(state), taken_at = VALUES(taken_at)
	`, s.config.SnapshotsTable)

	_, err := s.db.ExecContext(ctx, query,
		doc.Active.StreamID, snap.UntilVersion, nullString(snap.Name), snap.State, snap.TakenAt)
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
	err := s.db.QueryRowContext(ctx, query, doc.Active.StreamID, maxVersion).
		Scan(&snap.UntilVersion, &name, &snap.State, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Snapshot{}, false, nil
		}
		return es.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Name = name.String
	return snap, true, nil
}

func scanEvents(rows *sql.Rows) ([]es.PersistedEvent, error) {
	var events []es.PersistedEvent
	for rows.Next() {
		var e es.PersistedEvent
		var metadata []byte
		var sequencer sql.NullString
		err := rows.Scan(
			&e.GlobalPosition,
			&e.ChunkID,
			&e.EventVersion,
			&e.EventID,
			&e.EventType,
			&e.SchemaVersion,
			&e.Payload,
			&metadata,
			&sequencer,
			&e.ActionMetadata,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ExternalSequencer = sequencer.String
		if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
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

// isDuplicateEntry checks for MySQL error 1062 (ER_DUP_ENTRY).
func isDuplicateEntry(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

var (
	_ store.DataStore     = (*Store)(nil)
	_ store.DocumentStore = (*Store)(nil)
	_ store.SnapshotStore = (*Store)(nil)
)
