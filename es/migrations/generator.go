// Package migrations provides SQL migration generation for the chunked
// event stream schema.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// DocumentsTable is the name of the stream documents table
	DocumentsTable string

	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_chunkstream.sql", timestamp),
		DocumentsTable:   "stream_documents",
		EventsTable:      "stream_events",
		SnapshotsTable:   "stream_snapshots",
		CheckpointsTable: "projection_checkpoints",
	}
}

func writeMigration(config *Config, sql string) error {
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}
	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return writeMigration(config, PostgresSQL(config))
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return writeMigration(config, MySQLSQL(config))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return writeMigration(config, SQLiteSQL(config))
}

// PostgresSQL returns the PostgreSQL schema.
func PostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Chunked Event Stream Migration
-- Generated: %s

-- Stream documents: one metadata record per aggregate instance,
-- guarded by content-hash optimistic concurrency
CREATE TABLE IF NOT EXISTS %s (
    object_name TEXT NOT NULL,
    object_id TEXT NOT NULL,
    body JSONB NOT NULL,
    hash TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (object_name, object_id)
);

-- Events, append-only; the unique constraint on (stream_id, event_version)
-- is the conditional-write primitive for optimistic concurrency
CREATE TABLE IF NOT EXISTS %s (
    global_position BIGSERIAL PRIMARY KEY,
    stream_id TEXT NOT NULL,
    chunk_id INT NOT NULL,
    event_version BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload BYTEA,
    metadata JSONB,
    external_sequencer TEXT,
    action_metadata BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (stream_id, event_version)
);

CREATE INDEX IF NOT EXISTS idx_%s_chunk
    ON %s (stream_id, chunk_id, event_version);

-- Materialized aggregate snapshots
CREATE TABLE IF NOT EXISTS %s (
    stream_id TEXT NOT NULL,
    until_version BIGINT NOT NULL,
    name TEXT,
    state BYTEA NOT NULL,
    taken_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (stream_id, until_version)
);

-- Catch-up projection checkpoints
CREATE TABLE IF NOT EXISTS %s (
    projection_name TEXT PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

// MySQLSQL returns the MySQL/MariaDB schema.
func MySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Chunked Event Stream Migration (MySQL)
-- Generated: %s

CREATE TABLE IF NOT EXISTS %s (
    object_name VARCHAR(255) NOT NULL,
    object_id VARCHAR(255) NOT NULL,
    body JSON NOT NULL,
    hash VARCHAR(64) NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    PRIMARY KEY (object_name, object_id)
);

CREATE TABLE IF NOT EXISTS %s (
    global_position BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    stream_id VARCHAR(512) NOT NULL,
    chunk_id INT NOT NULL,
    event_version BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload LONGBLOB,
    metadata JSON,
    external_sequencer VARCHAR(255),
    action_metadata LONGBLOB,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    UNIQUE KEY uq_event_id (event_id),
    UNIQUE KEY uq_stream_version (stream_id, event_version),
    KEY idx_chunk (stream_id, chunk_id, event_version)
);

CREATE TABLE IF NOT EXISTS %s (
    stream_id VARCHAR(512) NOT NULL,
    until_version BIGINT NOT NULL,
    name VARCHAR(255),
    state LONGBLOB NOT NULL,
    taken_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    PRIMARY KEY (stream_id, until_version)
);

CREATE TABLE IF NOT EXISTS %s (
    projection_name VARCHAR(255) NOT NULL PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
);
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.EventsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

// SQLiteSQL returns the SQLite schema.
func SQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Chunked Event Stream Migration (SQLite)
-- Generated: %s

CREATE TABLE IF NOT EXISTS %s (
    object_name TEXT NOT NULL,
    object_id TEXT NOT NULL,
    body TEXT NOT NULL,
    hash TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),
    PRIMARY KEY (object_name, object_id)
);

CREATE TABLE IF NOT EXISTS %s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    chunk_id INTEGER NOT NULL,
    event_version INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    payload BLOB,
    metadata TEXT,
    external_sequencer TEXT,
    action_metadata BLOB,
    created_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),

    UNIQUE (stream_id, event_version)
);

CREATE INDEX IF NOT EXISTS idx_%s_chunk
    ON %s (stream_id, chunk_id, event_version);

CREATE TABLE IF NOT EXISTS %s (
    stream_id TEXT NOT NULL,
    until_version INTEGER NOT NULL,
    name TEXT,
    state BLOB NOT NULL,
    taken_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),
    PRIMARY KEY (stream_id, until_version)
);

CREATE TABLE IF NOT EXISTS %s (
    projection_name TEXT NOT NULL PRIMARY KEY,
    last_global_position INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now'))
);
`,
		time.Now().Format(time.RFC3339),
		config.DocumentsTable,
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}
