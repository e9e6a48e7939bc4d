package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chunkstream/chunkstream/es"
)

// PendingEvent is an event staged in a session but not yet finalized.
// Pre-append hooks may mutate it freely; the payload is serialized only
// after all hooks have run.
type PendingEvent struct {
	EventType         string
	SchemaVersion     int
	Payload           interface{}
	Metadata          map[string]string
	ExternalSequencer string
	ActionMetadata    []byte
}

// PreAppendHook transforms a pending event before serialization
// (redaction, enrichment). Hooks run once per event in registration
// order. An error aborts the commit before any I/O.
type PreAppendHook func(ctx context.Context, e *PendingEvent) error

// PostAppendHook runs after the physical writes succeed and before the
// stream document is advanced. An error aborts the commit; the written
// events are rolled back through the partial-failure path.
type PostAppendHook func(ctx context.Context, doc *es.StreamDocument, events []es.PersistedEvent) error

// PostCommitHook runs asynchronously after the stream document is
// durably updated. It is best-effort: failures are the hook's own
// concern and never unwind the commit.
type PostCommitHook func(ctx context.Context, doc *es.StreamDocument, events []es.PersistedEvent)

// Config holds session behavior knobs. Constructed through options.
type Config struct {
	logger             es.Logger
	codec              Codec
	preAppend          []PreAppendHook
	postAppend         []PostAppendHook
	postCommit         []PostCommitHook
	maxDocumentRetries uint64
	documentBackOff    func() backoff.BackOff
	now                func() time.Time
}

func defaultConfig() Config {
	return Config{
		logger:             es.NoOpLogger{},
		codec:              JSONCodec{},
		maxDocumentRetries: 5,
		documentBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Option configures a session.
type Option func(*Config)

// WithLogger sets the session logger.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCodec sets the payload codec. The default serializes to JSON.
func WithCodec(codec Codec) Option {
	return func(c *Config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithPreAppendHook registers a pre-append hook.
func WithPreAppendHook(hook PreAppendHook) Option {
	return func(c *Config) {
		c.preAppend = append(c.preAppend, hook)
	}
}

// WithPostAppendHook registers a post-append hook.
func WithPostAppendHook(hook PostAppendHook) Option {
	return func(c *Config) {
		c.postAppend = append(c.postAppend, hook)
	}
}

// WithPostCommitHook registers a post-commit hook.
func WithPostCommitHook(hook PostCommitHook) Option {
	return func(c *Config) {
		c.postCommit = append(c.postCommit, hook)
	}
}

// WithDocumentRetries bounds the retry loop used when the stream
// document write races a concurrent metadata writer.
func WithDocumentRetries(n uint64) Option {
	return func(c *Config) {
		c.maxDocumentRetries = n
	}
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.now = now
		}
	}
}

// EventOption configures a single staged event.
type EventOption func(*PendingEvent)

// WithSchemaVersion tags the event with a payload schema version.
// Defaults to 1.
func WithSchemaVersion(v int) EventOption {
	return func(e *PendingEvent) {
		e.SchemaVersion = v
	}
}

// WithMetadata attaches string key/value metadata to the event.
func WithMetadata(metadata map[string]string) EventOption {
	return func(e *PendingEvent) {
		e.Metadata = metadata
	}
}

// WithExternalSequencer records an external ordering hint.
func WithExternalSequencer(seq string) EventOption {
	return func(e *PendingEvent) {
		e.ExternalSequencer = seq
	}
}

// WithActionMetadata attaches opaque per-commit context.
func WithActionMetadata(raw []byte) EventOption {
	return func(e *PendingEvent) {
		e.ActionMetadata = raw
	}
}
