// Package projection provides poll-based catch-up projection
// processing over the global event log.
package projection

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/chunkstream/chunkstream/es"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to
	// an error in its handler.
	ErrProjectionStopped = errors.New("projection stopped")
)

// Projection defines the interface for catch-up projection handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	// This name is used for checkpoint tracking.
	Name() string

	// Handle processes a single event.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error
}

// ScopedProjection is a Projection that only receives events of the
// listed types. Processors skip (but still checkpoint past) everything
// else.
type ScopedProjection interface {
	Projection

	// EventTypes returns the event types this projection consumes.
	// An empty list means all types.
	EventTypes() []string
}

// PartitionStrategy defines how streams are divided across projection
// instances for horizontal scaling.
type PartitionStrategy interface {
	// ShouldProcess returns true if this instance should process
	// events of the given stream.
	ShouldProcess(streamID string, partitionKey, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic FNV-1a partitioning.
// All events of the same stream land on the same partition, which
// preserves per-stream ordering under horizontal scale.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy.
func (HashPartitionStrategy) ShouldProcess(streamID string, partitionKey, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return int(h.Sum32())%totalPartitions == partitionKey
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// Logger is an optional logger for observability
	Logger es.Logger

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PollInterval is how long a processor sleeps when the log tail
	// has no unread events
	PollInterval time.Duration

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PartitionStrategy determines which streams this processor handles
	PartitionStrategy PartitionStrategy
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PollInterval:      250 * time.Millisecond,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
	}
}

// Validate checks the configuration before a processor starts.
func (c *ProcessorConfig) Validate() error {
	if c.BatchSize <= 0 {
		return &es.ValidationError{Field: "BatchSize", Reason: "must be positive"}
	}
	if c.TotalPartitions <= 0 {
		return &es.ValidationError{Field: "TotalPartitions", Reason: "must be positive"}
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return &es.ValidationError{Field: "PartitionKey", Reason: "must be in [0, TotalPartitions)"}
	}
	return nil
}

// ProcessorRunner is implemented by the adapter-specific processors
// (postgres.Processor, mysql.Processor, ...), which know how to manage
// transactions and checkpoints for their storage.
type ProcessorRunner interface {
	Run(ctx context.Context, projection Projection) error
}

// EventTypeFilter builds a lookup set from a possibly scoped
// projection. Nil means no filtering.
func EventTypeFilter(proj Projection) map[string]bool {
	scoped, ok := proj.(ScopedProjection)
	if !ok {
		return nil
	}
	types := scoped.EventTypes()
	if len(types) == 0 {
		return nil
	}
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return filter
}
