// Package postgres provides the PostgreSQL adapter for chunked event
// stream storage.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// StoreConfig contains configuration for the Postgres adapter.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
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

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithDocumentsTable sets a custom documents table name.
func WithDocumentsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.DocumentsTable = tableName
	}
}

// NewStoreConfig creates a store configuration with functional options
// applied over the defaults.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is the PostgreSQL-backed implementation of the data, document
// and snapshot store contracts. Each physical append runs in its own
// transaction: a chunk-scoped write is an independent unit the commit
// protocol sequences explicitly.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

// NewStore creates a new Postgres store.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{db: db, config: config}
}

// Append implements store.DataStore. The unique constraint on
// (stream_id, event_version) is the native conditional-write primitive:
// a concurrent writer that claimed any of these versions makes the
// insert fail with a unique violation, surfaced as
// es.ErrConcurrencyConflict.
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
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
		WHERE stream_id = $1 AND chunk_id = $2
		  AND event_version BETWEEN $3 AND $4
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

// RemoveEventsForFailedCommit implements store.DataStore. Idempotent:
// deleting an empty range affects zero rows and succeeds.
func (s *Store) RemoveEventsForFailedCommit(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE stream_id = $1 AND event_version BETWEEN $2 AND $3
	`, s.config.EventsTable)

	res, err := s.db.ExecContext(ctx, query, doc.Active.StreamID, fromVersion, toVersion)
	if err != nil {
		return 0, fmt.Errorf("delete events %d..%d: %w", fromVersion, toVersion, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if s.config.Logger != nil && removed > 0 {
		s.config.Logger.Info(ctx, "removed events for failed commit",
			"stream", doc.Active.StreamID, "from", fromVersion, "to", toVersion, "removed", removed)
	}
	return removed, nil
}

// ReadAll implements store.GlobalReader for catch-up projections.
func (s *Store) ReadAll(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT global_position, chunk_id, event_version,
		       event_id, event_type, schema_version,
		       payload, metadata, external_sequencer, action_metadata, created_at,
		       stream_id
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
	`, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		e, err := scanEventWithStream(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
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

func scanEventWithStream(rows *sql.Rows) (es.PersistedEvent, error) {
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
		&e.StreamID,
	)
	if err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.ExternalSequencer = sequencer.String
	if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return e, err
	}
	return e, nil
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

// isUniqueViolation checks for a PostgreSQL unique constraint violation
// (class 23505), the backend's signal for a lost optimistic-concurrency
// race.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var (
	_ store.DataStore    = (*Store)(nil)
	_ store.GlobalReader = (*Store)(nil)
)
