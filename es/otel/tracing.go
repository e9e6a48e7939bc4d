// Package otel provides OpenTelemetry tracing decorators for the
// storage contracts. Wrap a backend store before handing it to the
// session or reader and every physical operation becomes a span.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

const tracerName = "github.com/chunkstream/chunkstream/es"

// TracedDataStore decorates a store.DataStore with spans per physical
// operation.
type TracedDataStore struct {
	next   store.DataStore
	tracer trace.Tracer
}

// NewTracedDataStore wraps a data store. A nil provider falls back to
// the global tracer provider.
func NewTracedDataStore(next store.DataStore, provider trace.TracerProvider) *TracedDataStore {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracedDataStore{next: next, tracer: provider.Tracer(tracerName)}
}

// ReadChunk implements store.DataStore.
func (t *TracedDataStore) ReadChunk(ctx context.Context, doc *es.StreamDocument, chunkID int, fromVersion, toVersion int64) ([]es.PersistedEvent, error) {
	ctx, span := t.tracer.Start(ctx, "datastore.read_chunk", trace.WithAttributes(
		attribute.String("stream.id", doc.Active.StreamID),
		attribute.Int("stream.chunk_id", chunkID),
		attribute.Int64("stream.from_version", fromVersion),
		attribute.Int64("stream.to_version", toVersion),
	))
	defer span.End()

	events, err := t.next.ReadChunk(ctx, doc, chunkID, fromVersion, toVersion)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("stream.events_read", len(events)))
	return events, nil
}

// Append implements store.DataStore.
func (t *TracedDataStore) Append(ctx context.Context, doc *es.StreamDocument, chunkID int, token store.ConcurrencyToken, events []es.PersistedEvent) error {
	ctx, span := t.tracer.Start(ctx, "datastore.append", trace.WithAttributes(
		attribute.String("stream.id", doc.Active.StreamID),
		attribute.Int("stream.chunk_id", chunkID),
		attribute.Int("stream.events_appended", len(events)),
	))
	defer span.End()

	if err := t.next.Append(ctx, doc, chunkID, token, events); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// RemoveEventsForFailedCommit implements store.DataStore.
func (t *TracedDataStore) RemoveEventsForFailedCommit(ctx context.Context, doc *es.StreamDocument, fromVersion, toVersion int64) (int64, error) {
	ctx, span := t.tracer.Start(ctx, "datastore.remove_events", trace.WithAttributes(
		attribute.String("stream.id", doc.Active.StreamID),
		attribute.Int64("stream.from_version", fromVersion),
		attribute.Int64("stream.to_version", toVersion),
	))
	defer span.End()

	removed, err := t.next.RemoveEventsForFailedCommit(ctx, doc, fromVersion, toVersion)
	if err != nil {
		recordError(span, err)
		return removed, err
	}
	span.SetAttributes(attribute.Int64("stream.events_removed", removed))
	return removed, nil
}

// TracedDocumentStore decorates a store.DocumentStore with spans.
type TracedDocumentStore struct {
	next   store.DocumentStore
	tracer trace.Tracer
}

// NewTracedDocumentStore wraps a document store. A nil provider falls
// back to the global tracer provider.
func NewTracedDocumentStore(next store.DocumentStore, provider trace.TracerProvider) *TracedDocumentStore {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracedDocumentStore{next: next, tracer: provider.Tracer(tracerName)}
}

// Create implements store.DocumentStore.
func (t *TracedDocumentStore) Create(ctx context.Context, objectName, objectID string, settings es.ChunkSettings) (*es.StreamDocument, error) {
	ctx, span := t.tracer.Start(ctx, "documentstore.create", trace.WithAttributes(
		attribute.String("stream.object_name", objectName),
		attribute.String("stream.object_id", objectID),
	))
	defer span.End()

	doc, err := t.next.Create(ctx, objectName, objectID, settings)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return doc, nil
}

// Get implements store.DocumentStore.
func (t *TracedDocumentStore) Get(ctx context.Context, objectName, objectID string) (*es.StreamDocument, error) {
	ctx, span := t.tracer.Start(ctx, "documentstore.get", trace.WithAttributes(
		attribute.String("stream.object_name", objectName),
		attribute.String("stream.object_id", objectID),
	))
	defer span.End()

	doc, err := t.next.Get(ctx, objectName, objectID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return doc, nil
}

// Set implements store.DocumentStore.
func (t *TracedDocumentStore) Set(ctx context.Context, doc *es.StreamDocument) error {
	ctx, span := t.tracer.Start(ctx, "documentstore.set", trace.WithAttributes(
		attribute.String("stream.id", doc.Active.StreamID),
		attribute.Int64("stream.version", doc.Active.CurrentStreamVersion),
	))
	defer span.End()

	if err := t.next.Set(ctx, doc); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// recordError marks the span failed. Concurrency conflicts are the
// expected outcome of a lost race, not a fault, so they are recorded
// as events without flipping the span status.
func recordError(span trace.Span, err error) {
	span.RecordError(err)
	if !errors.Is(err, es.ErrConcurrencyConflict) {
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	_ store.DataStore     = (*TracedDataStore)(nil)
	_ store.DocumentStore = (*TracedDocumentStore)(nil)
)
