package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/projection"
)

// errNoEventsInBatch signals an empty poll, not a failure.
var errNoEventsInBatch = errors.New("no events in batch")

// Processor drives catch-up projections over the Postgres global event
// log. It manages transactions internally: a batch of events and the
// checkpoint advance commit atomically.
type Processor struct {
	db     *sql.DB
	store  *Store
	config projection.ProcessorConfig
}

// NewProcessor creates a new Postgres projection processor.
func NewProcessor(db *sql.DB, store *Store, config projection.ProcessorConfig) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = projection.HashPartitionStrategy{}
	}
	if config.Logger == nil {
		config.Logger = es.NoOpLogger{}
	}
	return &Processor{db: db, store: store, config: config}, nil
}

// Run processes events for the given projection until the context is
// canceled. Discovery is poll-based: the processor tails the global
// log from its checkpoint and sleeps PollInterval when caught up.
func (p *Processor) Run(ctx context.Context, proj projection.Projection) error {
	p.config.Logger.Info(ctx, "projection processor starting",
		"projection", proj.Name(),
		"partition_key", p.config.PartitionKey,
		"total_partitions", p.config.TotalPartitions,
		"batch_size", p.config.BatchSize)

	filter := projection.EventTypeFilter(proj)

	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info(ctx, "projection processor stopped",
				"projection", proj.Name(), "reason", ctx.Err())
			return ctx.Err()
		default:
		}

		err := p.processBatch(ctx, proj, filter)
		if err != nil {
			if errors.Is(err, errNoEventsInBatch) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.config.PollInterval):
				}
				continue
			}
			p.config.Logger.Error(ctx, "projection processor error",
				"projection", proj.Name(), "error", err)
			return fmt.Errorf("%w: %v", projection.ErrProjectionStopped, err)
		}
	}
}

func (p *Processor) processBatch(ctx context.Context, proj projection.Projection, filter map[string]bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkpoint, err := p.getCheckpoint(ctx, tx, proj.Name())
	if err != nil {
		return fmt.Errorf("get checkpoint: %w", err)
	}

	events, err := p.store.ReadAll(ctx, tx, checkpoint, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if len(events) == 0 {
		return errNoEventsInBatch
	}

	var lastPosition int64
	for _, event := range events {
		lastPosition = event.GlobalPosition

		if !p.config.PartitionStrategy.ShouldProcess(event.StreamID, p.config.PartitionKey, p.config.TotalPartitions) {
			continue
		}
		if filter != nil && !filter[event.EventType] {
			continue
		}

		if err := proj.Handle(ctx, tx, event); err != nil {
			return fmt.Errorf("handler at position %d: %w", event.GlobalPosition, err)
		}
	}

	if err := p.updateCheckpoint(ctx, tx, proj.Name(), lastPosition); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return tx.Commit()
}

func (p *Processor) getCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT last_global_position FROM %s WHERE projection_name = $1
	`, p.store.config.CheckpointsTable)

	var checkpoint int64
	err := tx.QueryRowContext(ctx, query, projectionName).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return checkpoint, nil
}

func (p *Processor) updateCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name)
		DO UPDATE SET
			last_global_position = EXCLUDED.last_global_position,
			updated_at = EXCLUDED.updated_at
	`, p.store.config.CheckpointsTable)

	_, err := tx.ExecContext(ctx, query, projectionName, position)
	return err
}

var _ projection.ProcessorRunner = (*Processor)(nil)
