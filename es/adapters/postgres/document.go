package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// Create implements store.DocumentStore. The insert is conditional on
// absence; when the document already exists the stored copy is
// returned, making Create idempotent.
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
		VALUES ($1, $2, $3, $4)
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
		WHERE object_name = $1 AND object_id = $2
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

// Set implements store.DocumentStore. The update is conditional on the
// stored hash matching doc.PrevHash; zero rows affected with an
// existing row signals a concurrent modification.
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
		SET body = $3, hash = $4, updated_at = NOW()
		WHERE object_name = $1 AND object_id = $2 AND hash = $5
	`, s.config.DocumentsTable)

	res, err := s.db.ExecContext(ctx, query, doc.ObjectName, doc.ObjectID, body, newHash, doc.PrevHash)
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
		SELECT 1 FROM %s WHERE object_name = $1 AND object_id = $2
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

var _ store.DocumentStore = (*Store)(nil)
