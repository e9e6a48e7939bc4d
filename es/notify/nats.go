// Package notify publishes stream-update hints over NATS after
// successful commits. Hints are advisory: consumers that poll the
// event log see every commit regardless, a hint only shortens the
// latency between commit and pickup. Delivery is best-effort and a
// lost hint is not an error.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/session"
)

// DefaultSubjectPrefix prefixes hint subjects. The full subject is
// "<prefix>.<object_name>".
const DefaultSubjectPrefix = "streams.updated"

// Hint is the payload published after a commit.
type Hint struct {
	StreamID     string    `json:"stream_id"`
	ObjectName   string    `json:"object_name"`
	ObjectID     string    `json:"object_id"`
	FirstVersion int64     `json:"first_version"`
	LastVersion  int64     `json:"last_version"`
	EventCount   int       `json:"event_count"`
	CommittedAt  time.Time `json:"committed_at"`
}

// Publisher sends commit hints to a NATS subject.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        es.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSubjectPrefix overrides the hint subject prefix.
func WithSubjectPrefix(prefix string) PublisherOption {
	return func(p *Publisher) {
		p.subjectPrefix = prefix
	}
}

// WithLogger sets a logger for publish failures.
func WithLogger(logger es.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a hint publisher on an established connection.
// The publisher does not own the connection.
func NewPublisher(conn *nats.Conn, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:          conn,
		subjectPrefix: DefaultSubjectPrefix,
		logger:        es.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PostCommitHook returns a hook that publishes one hint per committed
// batch. Publish failures are logged and swallowed.
func (p *Publisher) PostCommitHook() session.PostCommitHook {
	return func(ctx context.Context, doc *es.StreamDocument, events []es.PersistedEvent) {
		if len(events) == 0 {
			return
		}
		hint := Hint{
			StreamID:     doc.Active.StreamID,
			ObjectName:   doc.ObjectName,
			ObjectID:     doc.ObjectID,
			FirstVersion: events[0].EventVersion,
			LastVersion:  events[len(events)-1].EventVersion,
			EventCount:   len(events),
			CommittedAt:  time.Now().UTC(),
		}
		payload, err := json.Marshal(hint)
		if err != nil {
			p.logger.Error(ctx, "marshal stream hint", "stream", hint.StreamID, "error", err)
			return
		}
		subject := p.subjectPrefix + "." + doc.ObjectName
		if err := p.conn.Publish(subject, payload); err != nil {
			p.logger.Error(ctx, "publish stream hint", "subject", subject, "error", err)
		}
	}
}

// Subscribe delivers decoded hints for one object name ("*" for all).
// The returned subscription must be unsubscribed by the caller.
func (p *Publisher) Subscribe(objectName string, handler func(Hint)) (*nats.Subscription, error) {
	subject := p.subjectPrefix + "." + objectName
	return p.conn.Subscribe(subject, func(msg *nats.Msg) {
		var hint Hint
		if err := json.Unmarshal(msg.Data, &hint); err != nil {
			p.logger.Error(context.Background(), "decode stream hint", "subject", msg.Subject, "error", err)
			return
		}
		handler(hint)
	})
}
