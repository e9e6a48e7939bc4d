package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/projection"
)

type fakeProjection struct {
	name string
}

func (p *fakeProjection) Name() string { return p.name }
func (p *fakeProjection) Handle(context.Context, es.DBTX, es.PersistedEvent) error {
	return nil
}

// fakeProcessor runs until its context is canceled, unless fail is set.
type fakeProcessor struct {
	fail error
}

func (p *fakeProcessor) Run(ctx context.Context, _ projection.Projection) error {
	if p.fail != nil {
		return p.fail
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_NoProjections(t *testing.T) {
	if err := Run(context.Background(), nil); !errors.Is(err, ErrNoProjections) {
		t.Errorf("Run() error = %v, want ErrNoProjections", err)
	}
}

func TestRun_NilEntryRejected(t *testing.T) {
	entries := []Entry{{Projection: &fakeProjection{name: "p"}, Processor: nil}}
	if err := Run(context.Background(), entries); err == nil {
		t.Error("Run() with nil processor should fail")
	}

	entries = []Entry{{Projection: nil, Processor: &fakeProcessor{}}}
	if err := Run(context.Background(), entries); err == nil {
		t.Error("Run() with nil projection should fail")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	entries := []Entry{
		{Projection: &fakeProjection{name: "a"}, Processor: &fakeProcessor{}},
		{Projection: &fakeProjection{name: "b"}, Processor: &fakeProcessor{}},
	}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, entries) }()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() after cancel = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}
}

func TestRun_FailFast(t *testing.T) {
	boom := errors.New("handler exploded")
	entries := []Entry{
		{Projection: &fakeProjection{name: "healthy"}, Processor: &fakeProcessor{}},
		{Projection: &fakeProjection{name: "failing"}, Processor: &fakeProcessor{fail: boom}},
	}

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), entries) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want wrapping %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not fail fast; healthy projection kept it alive")
	}
}
