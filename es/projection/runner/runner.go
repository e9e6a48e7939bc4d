// Package runner orchestrates multiple catch-up projections
// concurrently. It is storage-agnostic and imposes no scheduling of its
// own: coordination happens through each processor's checkpoints, so
// running the same set from several processes is safe.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chunkstream/chunkstream/es/projection"
)

var (
	// ErrNoProjections indicates that no projections were provided.
	ErrNoProjections = errors.New("no projections provided")
)

// Entry pairs a projection with its adapter-specific processor.
type Entry struct {
	Projection projection.Projection
	Processor  projection.ProcessorRunner
}

// Run runs all entries concurrently until the context is canceled or
// any projection fails. On failure the remaining projections are
// canceled and the first error is returned (fail-fast).
func Run(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoProjections
	}
	for i, entry := range entries {
		if entry.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if entry.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(entries))

	for _, entry := range entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			err := e.Processor.Run(ctx, e.Projection)
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("projection %q failed: %w", e.Projection.Name(), err)
			}
		}(entry)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			cancel()
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
