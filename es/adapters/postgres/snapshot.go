package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

// Save implements store.SnapshotStore using an UPSERT so that saving
// the same UntilVersion twice overwrites.
func (s *Store) Save(ctx context.Context, doc *es.StreamDocument, snap es.Snapshot) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, until_version, name, state, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_id, until_version)
		DO UPDATE SET name = EXCLUDED.name, state = EXCLUDED.state, taken_at = EXCLUDED.taken_at
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
		WHERE stream_id = $1 AND until_version <= $2
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

var _ store.SnapshotStore = (*Store)(nil)
