package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/adapters/memory"
	"github.com/chunkstream/chunkstream/es/session"
)

type testPayload struct {
	Value string `json:"value"`
}

func newStream(t *testing.T, store *memory.Store, settings es.ChunkSettings) *es.StreamDocument {
	t.Helper()
	doc, err := store.Create(context.Background(), "order", "42", settings)
	require.NoError(t, err)
	return doc
}

func readBack(t *testing.T, store *memory.Store, doc *es.StreamDocument) []es.PersistedEvent {
	t.Helper()
	var all []es.PersistedEvent
	for _, c := range doc.Active.StreamChunks {
		events, err := store.ReadChunk(context.Background(), doc, c.ChunkID, 0, es.EndOfStream)
		require.NoError(t, err)
		all = append(all, events...)
	}
	return all
}

func TestCommit_EmptyStreamFirstEvent(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	result, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewVersion)
	assert.Equal(t, int64(0), result.FirstVersion)
	assert.Equal(t, 1, result.Partitions)
	assert.Equal(t, int64(0), doc.Active.CurrentStreamVersion)

	events := readBack(t, store, doc)
	require.Len(t, events, 1)
	assert.Equal(t, "OrderPlaced", events[0].EventType)
	assert.Equal(t, int64(0), events[0].EventVersion)
	assert.Equal(t, 1, events[0].SchemaVersion)
	assert.NotEqual(t, "", events[0].EventID.String())
}

func TestCommit_EmptySessionIsTrivial(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)

	result, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, es.EmptyStreamVersion, result.NewVersion)
	assert.Equal(t, 0, result.Partitions)
	assert.Empty(t, readBack(t, store, doc))
}

func TestCommit_MultiChunk(t *testing.T) {
	store := memory.NewStore()
	settings, err := es.NewChunkSettings(true, 2)
	require.NoError(t, err)
	doc := newStream(t, store, settings)

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: fmt.Sprintf("e%d", i)}))
	}

	result, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.NewVersion)
	assert.Equal(t, 3, result.Partitions)

	require.Len(t, doc.Active.StreamChunks, 3)
	assert.Equal(t, int64(2), doc.Active.StreamChunks[0].Len())
	assert.Equal(t, int64(2), doc.Active.StreamChunks[1].Len())
	assert.Equal(t, int64(1), doc.Active.StreamChunks[2].Len())

	events := readBack(t, store, doc)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i), e.EventVersion)
	}
	assert.Equal(t, 0, events[1].ChunkID)
	assert.Equal(t, 1, events[2].ChunkID)
	assert.Equal(t, 2, events[4].ChunkID)

	// The persisted document reflects the advance
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Active.CurrentStreamVersion)
	assert.Len(t, stored.Active.StreamChunks, 3)
}

func TestCommit_SequentialSessions(t *testing.T) {
	store := memory.NewStore()
	settings, err := es.NewChunkSettings(true, 3)
	require.NoError(t, err)
	newStream(t, store, settings)

	for i := 0; i < 4; i++ {
		doc, err := store.Get(context.Background(), "order", "42")
		require.NoError(t, err)
		sess, err := session.Open(doc, store, store)
		require.NoError(t, err)
		require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: fmt.Sprintf("e%d", i)}))
		result, err := sess.Commit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(i), result.NewVersion)
	}

	doc, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Active.CurrentStreamVersion)
	assert.Len(t, doc.Active.StreamChunks, 2)
}

func TestCommit_AtMostOneWinner(t *testing.T) {
	store := memory.NewStore()
	newStream(t, store, es.ChunkSettings{})

	docA, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	docB, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)

	sessA, err := session.Open(docA, store, store)
	require.NoError(t, err)
	sessB, err := session.Open(docB, store, store)
	require.NoError(t, err)

	require.NoError(t, sessA.Append("OrderPlaced", testPayload{Value: "a"}))
	require.NoError(t, sessB.Append("OrderPlaced", testPayload{Value: "b"}))

	_, err = sessA.Commit(context.Background())
	require.NoError(t, err)

	_, err = sessB.Commit(context.Background())
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	// The loser wrote nothing and the stream holds only the winner
	doc, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	events := readBack(t, store, doc)
	require.Len(t, events, 1)
	var payload testPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "a", payload.Value)
}

func TestCommit_PartialFailureRollsBack(t *testing.T) {
	store := memory.NewStore()
	settings, err := es.NewChunkSettings(true, 2)
	require.NoError(t, err)
	doc := newStream(t, store, settings)

	boom := errors.New("disk on fire")
	store.BeforeAppend = func(chunkID int) error {
		if chunkID == 1 {
			return boom
		}
		return nil
	}

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: fmt.Sprintf("e%d", i)}))
	}

	_, err = sess.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	var broken *es.StreamBrokenError
	assert.False(t, errors.As(err, &broken), "clean rollback must not report a broken stream")

	store.BeforeAppend = nil

	// Nothing remains in physical storage and the stream did not move
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, es.EmptyStreamVersion, stored.Active.CurrentStreamVersion)
	assert.False(t, stored.IsBroken())
	assert.Empty(t, readBack(t, store, stored))

	// The rollback left an audit record
	require.Len(t, stored.Rollbacks, 1)
	assert.Equal(t, int64(0), stored.Rollbacks[0].FromVersion)
	assert.Equal(t, int64(1), stored.Rollbacks[0].ToVersion)
	assert.Equal(t, int64(2), stored.Rollbacks[0].EventsRemoved)

	// The failure is retryable: a fresh session succeeds
	retry, err := session.Open(stored, store, store)
	require.NoError(t, err)
	require.NoError(t, retry.Append("OrderPlaced", testPayload{Value: "again"}))
	result, err := retry.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewVersion)
}

func TestCommit_CleanupFailureBreaksStream(t *testing.T) {
	store := memory.NewStore()
	settings, err := es.NewChunkSettings(true, 2)
	require.NoError(t, err)
	doc := newStream(t, store, settings)

	appendErr := errors.New("append fault")
	cleanupErr := errors.New("cleanup fault")
	store.BeforeAppend = func(chunkID int) error {
		if chunkID == 1 {
			return appendErr
		}
		return nil
	}
	store.BeforeRemove = func() error { return cleanupErr }

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: fmt.Sprintf("e%d", i)}))
	}

	_, err = sess.Commit(context.Background())
	var broken *es.StreamBrokenError
	require.ErrorAs(t, err, &broken)
	assert.Equal(t, "order", broken.ObjectName)
	assert.Equal(t, int64(0), broken.Info.OrphanedFromVersion)
	assert.Equal(t, int64(1), broken.Info.OrphanedToVersion)

	store.BeforeAppend = nil
	store.BeforeRemove = nil

	// The marker is durable and blocks new sessions
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	require.True(t, stored.IsBroken())
	_, err = session.Open(stored, store, store)
	require.ErrorAs(t, err, &broken)

	// The orphaned events are still physically present
	assert.Len(t, readBack(t, store, stored), 2)
}

func TestCommit_DocumentConflictRetried(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	// A concurrent metadata writer moves the stored document before the
	// session persists its advance
	other, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	other.RecordRollback(es.RollbackRecord{
		RolledBackAt: time.Now().UTC(), FromVersion: 5, ToVersion: 5, OriginalError: "unrelated",
	})
	require.NoError(t, store.Set(context.Background(), other))

	result, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewVersion)

	// Both the advance and the concurrent change survive
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Active.CurrentStreamVersion)
	assert.Len(t, stored.Rollbacks, 1)
}

func TestCommit_CanceledDocumentPersistRollsBack(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	// The document write observes cancellation after the physical append
	// already succeeded. Later writes (the rollback record) go through.
	failed := false
	store.BeforeSet = func() error {
		if !failed {
			failed = true
			return context.Canceled
		}
		return nil
	}

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	_, err = sess.Commit(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	var broken *es.StreamBrokenError
	assert.False(t, errors.As(err, &broken), "clean rollback must not report a broken stream")

	// The written event was removed and the stream did not move
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, es.EmptyStreamVersion, stored.Active.CurrentStreamVersion)
	assert.False(t, stored.IsBroken())
	assert.Empty(t, readBack(t, store, stored))

	// The rollback left an audit record naming the cancellation
	require.Len(t, stored.Rollbacks, 1)
	assert.Equal(t, int64(0), stored.Rollbacks[0].FromVersion)
	assert.Equal(t, int64(0), stored.Rollbacks[0].ToVersion)
	assert.Equal(t, int64(1), stored.Rollbacks[0].EventsRemoved)
	assert.Equal(t, "OperationCancelled", stored.Rollbacks[0].OriginalErrorKind)

	// The failure is retryable: a fresh session reuses version 0
	retry, err := session.Open(stored, store, store)
	require.NoError(t, err)
	require.NoError(t, retry.Append("OrderPlaced", testPayload{Value: "again"}))
	result, err := retry.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewVersion)
}

func TestCommit_DocumentPersistCleanupFailureBreaksStream(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	setErr := errors.New("document store down")
	store.BeforeSet = func() error { return setErr }
	store.BeforeRemove = func() error { return errors.New("cleanup fault") }

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	// Neither the advance nor the cleanup can land: the commit must
	// surface the broken stream, not the raw document error.
	_, err = sess.Commit(context.Background())
	var broken *es.StreamBrokenError
	require.ErrorAs(t, err, &broken)
	assert.Equal(t, int64(0), broken.Info.OrphanedFromVersion)
	assert.Equal(t, int64(0), broken.Info.OrphanedToVersion)

	// The orphaned event is still physically present for repair
	store.BeforeSet = nil
	store.BeforeRemove = nil
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Len(t, readBack(t, store, stored), 1)
}

func TestCommit_DocumentRetriesExhaustedRollsBack(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	// Every attempt of the advance loses the document race; the retry
	// budget runs out with the event durably written.
	conflicts := 0
	store.BeforeSet = func() error {
		if conflicts < 3 {
			conflicts++
			return es.ErrConcurrencyConflict
		}
		return nil
	}

	sess, err := session.Open(doc, store, store, session.WithDocumentRetries(2))
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	_, err = sess.Commit(context.Background())
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	assert.Equal(t, 3, conflicts)

	// The conflict is honest: the written event was rolled back, so
	// re-opening and re-appending does not collide with a leftover.
	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, es.EmptyStreamVersion, stored.Active.CurrentStreamVersion)
	assert.False(t, stored.IsBroken())
	assert.Empty(t, readBack(t, store, stored))
	require.Len(t, stored.Rollbacks, 1)
	assert.Equal(t, int64(1), stored.Rollbacks[0].EventsRemoved)

	retry, err := session.Open(stored, store, store)
	require.NoError(t, err)
	require.NoError(t, retry.Append("OrderPlaced", testPayload{Value: "again"}))
	result, err := retry.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewVersion)
}

func TestCommit_PreAppendHookRunsBeforeSerialization(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	redact := func(_ context.Context, e *session.PendingEvent) error {
		if p, ok := e.Payload.(testPayload); ok {
			p.Value = "redacted"
			e.Payload = p
		}
		return nil
	}

	sess, err := session.Open(doc, store, store, session.WithPreAppendHook(redact))
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "secret"}))
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	events := readBack(t, store, doc)
	require.Len(t, events, 1)
	var payload testPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "redacted", payload.Value)
}

func TestCommit_PostAppendHookFailureRollsBack(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	hookErr := errors.New("outbox write failed")
	hook := func(_ context.Context, _ *es.StreamDocument, _ []es.PersistedEvent) error {
		return hookErr
	}

	sess, err := session.Open(doc, store, store, session.WithPostAppendHook(hook))
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))

	_, err = sess.Commit(context.Background())
	require.ErrorIs(t, err, hookErr)

	stored, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	assert.Equal(t, es.EmptyStreamVersion, stored.Active.CurrentStreamVersion)
	assert.False(t, stored.IsBroken())
	assert.Empty(t, readBack(t, store, stored))
}

func TestCommit_PostCommitHookRunsAfterDurability(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	type notification struct {
		version int64
		count   int
	}
	done := make(chan notification, 1)
	hook := func(_ context.Context, d *es.StreamDocument, events []es.PersistedEvent) {
		done <- notification{version: d.Active.CurrentStreamVersion, count: len(events)}
	}

	sess, err := session.Open(doc, store, store, session.WithPostCommitHook(hook))
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))
	require.NoError(t, sess.Append("OrderShipped", testPayload{Value: "b"}))
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	select {
	case n := <-done:
		assert.Equal(t, int64(1), n.version)
		assert.Equal(t, 2, n.count)
	case <-time.After(2 * time.Second):
		t.Fatal("post-commit hook did not run")
	}
}

func TestSession_ClosedAfterCommit(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"}))
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, sess.Append("OrderPlaced", testPayload{Value: "b"}), es.ErrSessionClosed)
	_, err = sess.Commit(context.Background())
	assert.ErrorIs(t, err, es.ErrSessionClosed)
}

func TestSession_ClosedAfterFailure(t *testing.T) {
	store := memory.NewStore()
	newStream(t, store, es.ChunkSettings{})

	docA, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)
	docB, err := store.Get(context.Background(), "order", "42")
	require.NoError(t, err)

	sessA, err := session.Open(docA, store, store)
	require.NoError(t, err)
	sessB, err := session.Open(docB, store, store)
	require.NoError(t, err)
	require.NoError(t, sessA.Append("OrderPlaced", testPayload{Value: "a"}))
	require.NoError(t, sessB.Append("OrderPlaced", testPayload{Value: "b"}))

	_, err = sessA.Commit(context.Background())
	require.NoError(t, err)
	_, err = sessB.Commit(context.Background())
	require.Error(t, err)

	// A failed session does not accept further work
	_, err = sessB.Commit(context.Background())
	assert.ErrorIs(t, err, es.ErrSessionClosed)
}

func TestOpen_Validation(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	_, err := session.Open(nil, store, store)
	assert.Error(t, err)
	_, err = session.Open(doc, nil, store)
	assert.Error(t, err)
	_, err = session.Open(doc, store, nil)
	assert.Error(t, err)
}

func TestAppend_Validation(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	assert.Error(t, sess.Append("", testPayload{Value: "a"}))
}

func TestCommit_EventOptions(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", testPayload{Value: "a"},
		session.WithSchemaVersion(3),
		session.WithMetadata(map[string]string{"tenant": "acme"}),
		session.WithExternalSequencer("seq-17"),
		session.WithActionMetadata([]byte(`{"request_id":"r1"}`)),
	))
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	events := readBack(t, store, doc)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].SchemaVersion)
	assert.Equal(t, "acme", events[0].Metadata["tenant"])
	assert.Equal(t, "seq-17", events[0].ExternalSequencer)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(events[0].ActionMetadata))
}

func TestCommit_RawPayloadPassthrough(t *testing.T) {
	store := memory.NewStore()
	doc := newStream(t, store, es.ChunkSettings{})

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("OrderPlaced", []byte(`{"already":"encoded"}`)))
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	events := readBack(t, store, doc)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"already":"encoded"}`, string(events[0].Payload))
}
