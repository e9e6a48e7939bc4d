package reader

import "github.com/chunkstream/chunkstream/es"

// Upcaster converts an event recorded under an older schema version to
// one or more events under a newer schema. A 1-to-N expansion keeps the
// originating event's stream version so overall ordering relative to
// untransformed neighbors is preserved.
type Upcaster func(event es.PersistedEvent) []es.PersistedEvent

// maxUpcastDepth bounds chained upcasts so a misregistered transform
// cannot loop forever.
const maxUpcastDepth = 16

// UpcasterRegistry maps (event type, schema version) to a transform.
type UpcasterRegistry struct {
	transforms map[string]map[int]Upcaster
}

// NewUpcasterRegistry creates an empty registry.
func NewUpcasterRegistry() *UpcasterRegistry {
	return &UpcasterRegistry{transforms: make(map[string]map[int]Upcaster)}
}

// Register installs a transform for events of the given type recorded
// at the given schema version. Registering twice for the same pair
// replaces the earlier transform.
func (reg *UpcasterRegistry) Register(eventType string, schemaVersion int, fn Upcaster) {
	byVersion, ok := reg.transforms[eventType]
	if !ok {
		byVersion = make(map[int]Upcaster)
		reg.transforms[eventType] = byVersion
	}
	byVersion[schemaVersion] = fn
}

// Apply upcasts every event in order. Transforms chain: if an upcast
// produces an event that itself has a registered transform, that
// transform runs too, up to maxUpcastDepth steps per original event.
func (reg *UpcasterRegistry) Apply(events []es.PersistedEvent) []es.PersistedEvent {
	if len(reg.transforms) == 0 {
		return events
	}

	out := make([]es.PersistedEvent, 0, len(events))
	for _, event := range events {
		out = append(out, reg.upcastOne(event)...)
	}
	return out
}

func (reg *UpcasterRegistry) upcastOne(event es.PersistedEvent) []es.PersistedEvent {
	current := []es.PersistedEvent{event}
	for depth := 0; depth < maxUpcastDepth; depth++ {
		next := make([]es.PersistedEvent, 0, len(current))
		transformed := false
		for _, e := range current {
			fn := reg.lookup(e.EventType, e.SchemaVersion)
			if fn == nil {
				next = append(next, e)
				continue
			}
			transformed = true
			for _, produced := range fn(e) {
				// Expanded events inherit the source position.
				produced.EventVersion = event.EventVersion
				produced.ChunkID = event.ChunkID
				produced.GlobalPosition = event.GlobalPosition
				next = append(next, produced)
			}
		}
		current = next
		if !transformed {
			break
		}
	}
	return current
}

func (reg *UpcasterRegistry) lookup(eventType string, schemaVersion int) Upcaster {
	byVersion, ok := reg.transforms[eventType]
	if !ok {
		return nil
	}
	return byVersion[schemaVersion]
}
