package reader_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/adapters/memory"
	"github.com/chunkstream/chunkstream/es/reader"
	"github.com/chunkstream/chunkstream/es/session"
)

func TestUpcasterRegistry_OneToOne(t *testing.T) {
	reg := reader.NewUpcasterRegistry()
	reg.Register("UserCreated", 1, func(e es.PersistedEvent) []es.PersistedEvent {
		e.SchemaVersion = 2
		e.Payload = []byte(`{"upgraded":true}`)
		return []es.PersistedEvent{e}
	})

	in := []es.PersistedEvent{
		{Event: es.Event{EventType: "UserCreated", SchemaVersion: 1}, EventVersion: 0},
		{Event: es.Event{EventType: "UserCreated", SchemaVersion: 2}, EventVersion: 1},
		{Event: es.Event{EventType: "UserDeleted", SchemaVersion: 1}, EventVersion: 2},
	}

	out := reg.Apply(in)
	require.Len(t, out, 3)
	assert.Equal(t, 2, out[0].SchemaVersion, "v1 event is upgraded")
	assert.Equal(t, 2, out[1].SchemaVersion, "v2 event passes through untouched")
	assert.Equal(t, 1, out[2].SchemaVersion, "unregistered type passes through")
	assert.Equal(t, int64(0), out[0].EventVersion)
}

func TestUpcasterRegistry_OneToMany(t *testing.T) {
	reg := reader.NewUpcasterRegistry()
	reg.Register("AddressChanged", 1, func(e es.PersistedEvent) []es.PersistedEvent {
		street := e
		street.EventType = "StreetChanged"
		street.SchemaVersion = 1
		city := e
		city.EventType = "CityChanged"
		city.SchemaVersion = 1
		return []es.PersistedEvent{street, city}
	})

	in := []es.PersistedEvent{
		{Event: es.Event{EventType: "Before", SchemaVersion: 1}, EventVersion: 0},
		{Event: es.Event{EventType: "AddressChanged", SchemaVersion: 1}, EventVersion: 1, ChunkID: 3, GlobalPosition: 17},
		{Event: es.Event{EventType: "After", SchemaVersion: 1}, EventVersion: 2},
	}

	out := reg.Apply(in)
	require.Len(t, out, 4)
	assert.Equal(t, "Before", out[0].EventType)
	assert.Equal(t, "StreetChanged", out[1].EventType)
	assert.Equal(t, "CityChanged", out[2].EventType)
	assert.Equal(t, "After", out[3].EventType)

	// Expanded events inherit the source position so ordering against
	// neighbors is preserved
	assert.Equal(t, int64(1), out[1].EventVersion)
	assert.Equal(t, int64(1), out[2].EventVersion)
	assert.Equal(t, 3, out[1].ChunkID)
	assert.Equal(t, int64(17), out[2].GlobalPosition)
}

func TestUpcasterRegistry_Chained(t *testing.T) {
	reg := reader.NewUpcasterRegistry()
	reg.Register("Thing", 1, func(e es.PersistedEvent) []es.PersistedEvent {
		e.SchemaVersion = 2
		return []es.PersistedEvent{e}
	})
	reg.Register("Thing", 2, func(e es.PersistedEvent) []es.PersistedEvent {
		e.SchemaVersion = 3
		return []es.PersistedEvent{e}
	})

	out := reg.Apply([]es.PersistedEvent{
		{Event: es.Event{EventType: "Thing", SchemaVersion: 1}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].SchemaVersion)
}

func TestUpcasterRegistry_DepthBounded(t *testing.T) {
	reg := reader.NewUpcasterRegistry()
	// Deliberately self-producing transform; the registry must not loop
	// forever.
	reg.Register("Loop", 1, func(e es.PersistedEvent) []es.PersistedEvent {
		return []es.PersistedEvent{e}
	})

	out := reg.Apply([]es.PersistedEvent{
		{Event: es.Event{EventType: "Loop", SchemaVersion: 1}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "Loop", out[0].EventType)
}

func TestRead_AppliesUpcasters(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	doc, err := store.Create(ctx, "user", "u1", es.ChunkSettings{})
	require.NoError(t, err)

	sess, err := session.Open(doc, store, store)
	require.NoError(t, err)
	require.NoError(t, sess.Append("UserCreated", []byte(`{"name":"alice"}`)))
	require.NoError(t, sess.Append("UserRenamed", []byte(`{"name":"bob"}`), session.WithSchemaVersion(2)))
	_, err = sess.Commit(ctx)
	require.NoError(t, err)

	reg := reader.NewUpcasterRegistry()
	reg.Register("UserCreated", 1, func(e es.PersistedEvent) []es.PersistedEvent {
		e.SchemaVersion = 2
		return []es.PersistedEvent{e}
	})

	r := reader.New(store, reader.WithUpcasters(reg))
	events, err := r.Read(ctx, doc, 0, es.EndOfStream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].SchemaVersion)
	assert.Equal(t, 2, events[1].SchemaVersion)
}
