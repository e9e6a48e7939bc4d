// Package session implements the commit protocol: a unit of work that
// batches event appends against one stream, partitions them across
// chunk boundaries, performs the physical writes, and advances the
// stream document.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/store"
)

type state int

const (
	stateOpen state = iota
	stateCommitting
	stateCommitted
	stateFailed
)

// CommitResult reports a successful commit.
type CommitResult struct {
	// NewVersion is the stream version of the last committed event.
	NewVersion int64

	// FirstVersion is the version of the first event in the commit.
	FirstVersion int64

	// Partitions is the number of chunk-scoped physical writes the
	// commit required.
	Partitions int
}

// Session is a unit of work against a single stream. It is not safe
// for concurrent use; concurrency across different streams needs no
// coordination at all.
type Session struct {
	doc       *es.StreamDocument
	data      store.DataStore
	documents store.DocumentStore
	config    Config
	token     store.ConcurrencyToken
	pending   []*PendingEvent
	state     state
}

// Open starts a session against the document. The document's current
// version, chunk layout and content hash are captured as the session's
// point-in-time view; a writer that moves the stream past this view
// causes Commit to fail with es.ErrConcurrencyConflict.
func Open(doc *es.StreamDocument, data store.DataStore, documents store.DocumentStore, opts ...Option) (*Session, error) {
	if doc == nil {
		return nil, &es.ValidationError{Field: "doc", Reason: "must not be nil"}
	}
	if data == nil {
		return nil, &es.ValidationError{Field: "data", Reason: "must not be nil"}
	}
	if documents == nil {
		return nil, &es.ValidationError{Field: "documents", Reason: "must not be nil"}
	}
	if doc.IsBroken() {
		return nil, &es.StreamBrokenError{ObjectName: doc.ObjectName, ObjectID: doc.ObjectID, Info: *doc.BrokenStream}
	}

	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &Session{
		doc:       doc,
		data:      data,
		documents: documents,
		config:    config,
		token: store.ConcurrencyToken{
			StreamVersion: doc.Active.CurrentStreamVersion,
			DocumentHash:  doc.Hash,
		},
	}, nil
}

// Append stages an event. The payload is kept as-is until commit time:
// pre-append hooks see the materialized value and serialization happens
// exactly once, after all hooks have run.
func (s *Session) Append(eventType string, payload interface{}, opts ...EventOption) error {
	if s.state != stateOpen {
		return es.ErrSessionClosed
	}
	if eventType == "" {
		return &es.ValidationError{Field: "eventType", Reason: "must not be empty"}
	}

	e := &PendingEvent{
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	s.pending = append(s.pending, e)
	return nil
}

// Commit finalizes the session: runs pre-append hooks, serializes
// payloads, partitions the events across chunk boundaries, performs the
// chunk-scoped physical writes in order, and persists the advanced
// stream document.
//
// A conflict on the first physical write surfaces directly as
// es.ErrConcurrencyConflict. A failure after some partitions were
// written triggers automatic cleanup of the written range: if cleanup
// succeeds a RollbackRecord is kept and the original error surfaces
// (retryable); if cleanup fails the document is marked broken and a
// *es.StreamBrokenError surfaces (requires repair). Cancellation mid
// commit and a failure to persist the advanced document funnel through
// the same path: the written events are removed rather than left
// orphaned ahead of the document head, so there is never an unmarked
// gap between physical storage and the document.
func (s *Session) Commit(ctx context.Context) (CommitResult, error) {
	if s.state != stateOpen {
		return CommitResult{}, es.ErrSessionClosed
	}
	s.state = stateCommitting

	if len(s.pending) == 0 {
		// Nothing to write; the session commits trivially.
		s.state = stateCommitted
		return CommitResult{
			NewVersion:   s.doc.Active.CurrentStreamVersion,
			FirstVersion: s.doc.Active.CurrentStreamVersion,
		}, nil
	}

	events, err := s.finalizeEvents(ctx)
	if err != nil {
		s.state = stateFailed
		return CommitResult{}, err
	}

	plan, err := es.PlanAppend(s.doc.Active, len(events))
	if err != nil {
		s.state = stateFailed
		return CommitResult{}, err
	}
	for i := range events {
		events[i].EventVersion = plan.FirstVersion + int64(i)
	}

	written, err := s.writePartitions(ctx, plan, events)
	if err != nil {
		s.state = stateFailed
		if written == 0 {
			// The conflict (or fault) was detected before anything was
			// written; nothing to clean up.
			return CommitResult{}, err
		}
		return CommitResult{}, s.recoverPartialCommit(ctx, plan.FirstVersion, events[written-1].EventVersion, err)
	}

	if err := s.runPostAppendHooks(ctx, events); err != nil {
		s.state = stateFailed
		return CommitResult{}, s.recoverPartialCommit(ctx, plan.FirstVersion, plan.LastVersion, err)
	}

	if err := s.persistAdvance(ctx, plan); err != nil {
		s.state = stateFailed
		return CommitResult{}, s.recoverPartialCommit(ctx, plan.FirstVersion, plan.LastVersion, err)
	}

	s.state = stateCommitted
	s.runPostCommitHooks(ctx, events)

	return CommitResult{
		NewVersion:   plan.LastVersion,
		FirstVersion: plan.FirstVersion,
		Partitions:   len(plan.Partitions),
	}, nil
}

// finalizeEvents runs pre-append hooks and serializes payloads.
// Hooks run once per event in registration order; serialization
// happens only after the last hook so hooks always see the final
// materialized value.
func (s *Session) finalizeEvents(ctx context.Context) ([]es.PersistedEvent, error) {
	events := make([]es.PersistedEvent, len(s.pending))
	for i, p := range s.pending {
		for _, hook := range s.config.preAppend {
			if err := hook(ctx, p); err != nil {
				return nil, fmt.Errorf("pre-append hook: %w", err)
			}
		}

		raw, err := s.config.codec.Marshal(p.Payload)
		if err != nil {
			return nil, &es.ValidationError{Field: "payload", Reason: fmt.Sprintf("event %d not serializable: %v", i, err)}
		}

		events[i] = es.PersistedEvent{
			Event: es.Event{
				EventID:           uuid.New(),
				EventType:         p.EventType,
				SchemaVersion:     p.SchemaVersion,
				Payload:           raw,
				Metadata:          p.Metadata,
				ExternalSequencer: p.ExternalSequencer,
				ActionMetadata:    p.ActionMetadata,
				CreatedAt:         s.config.now(),
			},
		}
	}
	return events, nil
}

// writePartitions performs the chunk-scoped appends sequentially, in
// ascending chunk order. Later writes depend on earlier ones having
// succeeded, so partitions are never written concurrently. Returns the
// number of events durably written before the first failure.
func (s *Session) writePartitions(ctx context.Context, plan es.AppendPlan, events []es.PersistedEvent) (int, error) {
	written := 0
	for _, part := range plan.Partitions {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		batch := events[part.Offset : part.Offset+part.Count()]
		for i := range batch {
			batch[i].ChunkID = part.ChunkID
		}

		if err := s.data.Append(ctx, s.doc, part.ChunkID, s.token, batch); err != nil {
			return written, es.WrapStorageError("append", err)
		}
		written += len(batch)

		s.config.logger.Debug(ctx, "chunk partition written",
			"stream", s.doc.Active.StreamID,
			"chunk", part.ChunkID,
			"from", part.FirstVersion,
			"to", part.LastVersion)
	}
	return written, nil
}

// recoverPartialCommit removes events already written by a failed
// commit. Cleanup runs outside the caller's cancellation so that a
// canceled commit still rolls back. Either the cleanup succeeds and a
// RollbackRecord is kept, or the stream is marked broken; there is no
// silent third outcome.
func (s *Session) recoverPartialCommit(ctx context.Context, fromVersion, toVersion int64, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)

	removed, cleanupErr := s.data.RemoveEventsForFailedCommit(cleanupCtx, s.doc, fromVersion, toVersion)
	if cleanupErr != nil {
		s.doc.MarkBroken(es.BrokenStreamInfo{
			BrokenAt:            s.config.now(),
			OrphanedFromVersion: fromVersion,
			OrphanedToVersion:   toVersion,
			ErrorMessage:        cause.Error(),
			OriginalErrorKind:   errorKind(cause),
			CleanupErrorKind:    errorKind(cleanupErr),
		})
		if err := s.persistDocumentState(cleanupCtx); err != nil {
			s.config.logger.Error(cleanupCtx, "failed to persist broken-stream marker",
				"stream", s.doc.Active.StreamID, "error", err)
		}
		return &es.StreamBrokenError{
			ObjectName: s.doc.ObjectName,
			ObjectID:   s.doc.ObjectID,
			Info:       *s.doc.BrokenStream,
		}
	}

	s.doc.RecordRollback(es.RollbackRecord{
		RolledBackAt:      s.config.now(),
		FromVersion:       fromVersion,
		ToVersion:         toVersion,
		EventsRemoved:     removed,
		OriginalError:     cause.Error(),
		OriginalErrorKind: errorKind(cause),
	})
	if err := s.persistDocumentState(cleanupCtx); err != nil {
		// The rollback itself succeeded; losing the audit record is
		// reported but does not change the outcome.
		s.config.logger.Error(cleanupCtx, "failed to persist rollback record",
			"stream", s.doc.Active.StreamID, "error", err)
	}

	s.config.logger.Info(cleanupCtx, "partial commit rolled back",
		"stream", s.doc.Active.StreamID,
		"from", fromVersion,
		"to", toVersion,
		"removed", removed)
	return cause
}

// persistAdvance persists the advanced document. A document-level
// conflict here means a concurrent metadata writer: the document is
// re-read and the advance re-applied on the fresh copy. Event data is
// never rewritten on this path. When the write faults or the conflict
// retries exhaust, the advance is abandoned: the session's view is
// restored to the unadvanced document and the caller rolls the written
// events back.
func (s *Session) persistAdvance(ctx context.Context, plan es.AppendPlan) error {
	preAdvance := s.doc.Clone()
	if err := s.doc.Advance(plan.LastVersion, plan.Chunks); err != nil {
		return err
	}

	operation := func() error {
		err := s.documents.Set(ctx, s.doc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, es.ErrConcurrencyConflict) {
			return backoff.Permanent(es.WrapStorageError("document set", err))
		}

		fresh, getErr := s.documents.Get(ctx, s.doc.ObjectName, s.doc.ObjectID)
		if getErr != nil {
			return backoff.Permanent(es.WrapStorageError("document get", getErr))
		}
		if err := fresh.Advance(plan.LastVersion, plan.Chunks); err != nil {
			return backoff.Permanent(err)
		}
		fresh.Rollbacks = mergeRollbacks(fresh.Rollbacks, s.doc.Rollbacks)
		s.doc = fresh
		return err // retryable: Set again against the fresh hash
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.config.documentBackOff(), s.config.maxDocumentRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		// The advance never became durable. Restore the unadvanced view
		// so cleanup runs against a document that does not claim the
		// events being removed.
		s.doc = preAdvance
		return es.WrapStorageError("document set", err)
	}
	return nil
}

// persistDocumentState writes diagnostic document changes (broken
// marker, rollback records) with a fresh-read fallback on conflict.
func (s *Session) persistDocumentState(ctx context.Context) error {
	err := s.documents.Set(ctx, s.doc)
	if !errors.Is(err, es.ErrConcurrencyConflict) {
		return err
	}

	fresh, getErr := s.documents.Get(ctx, s.doc.ObjectName, s.doc.ObjectID)
	if getErr != nil {
		return getErr
	}
	fresh.Rollbacks = mergeRollbacks(fresh.Rollbacks, s.doc.Rollbacks)
	if s.doc.BrokenStream != nil {
		fresh.MarkBroken(*s.doc.BrokenStream)
	}
	s.doc = fresh
	return s.documents.Set(ctx, s.doc)
}

func (s *Session) runPostAppendHooks(ctx context.Context, events []es.PersistedEvent) error {
	for _, hook := range s.config.postAppend {
		if err := hook(ctx, s.doc, events); err != nil {
			return fmt.Errorf("post-append hook: %w", err)
		}
	}
	return nil
}

// runPostCommitHooks runs after the document is durably updated.
// Hook failures are reported through the logger but never unwind the
// commit.
func (s *Session) runPostCommitHooks(ctx context.Context, events []es.PersistedEvent) {
	if len(s.config.postCommit) == 0 {
		return
	}
	doc := s.doc.Clone()
	hookCtx := context.WithoutCancel(ctx)
	go func() {
		for _, hook := range s.config.postCommit {
			hook(hookCtx, doc, events)
		}
	}()
}

func mergeRollbacks(existing, ours []es.RollbackRecord) []es.RollbackRecord {
	if len(ours) <= len(existing) {
		return existing
	}
	return append(existing, ours[len(existing):]...)
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, es.ErrConcurrencyConflict):
		return "ConcurrencyConflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "OperationCancelled"
	case errors.Is(err, es.ErrNotFound):
		return "NotFound"
	default:
		var storage *es.StorageError
		if errors.As(err, &storage) {
			return "StorageOperationFailed"
		}
		return fmt.Sprintf("%T", err)
	}
}
