// NATS JetStream implementation of the change feed.
// Changes are persisted on the LULU_CHANGES stream and fanned out to core
// subscriptions whose subject carries the row's partition key.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	streamName    = "LULU_CHANGES" // JetStream stream holding every change
	subjectPrefix = "lulu"         // Root token of change subjects
	wildcardToken = "*"
)

// partitionColumns names the column each table's subjects are keyed on.
// Filters on any other column are evaluated client side.
var partitionColumns = map[string]string{
	TableNotifications:   "user_id",
	TableLocationReports: "pet_id",
	TablePets:            "owner_id",
}

// EventEnvelope represents the standard event envelope structure.
// All changes published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string    `json:"type"`          // Event type identifier
	Version       string    `json:"version"`       // Event schema version
	OccurredAt    time.Time `json:"occurredAt"`    // When the event occurred
	CorrelationID string    `json:"correlationId"` // Correlation ID for tracing
	Payload       Change    `json:"payload"`       // The row change
}

// natsBroker is the NATS implementation of Broker.
type natsBroker struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// natsChannel wraps a core NATS subscription.
type natsChannel struct {
	name string
	sub  *nats.Subscription
	once sync.Once
	err  error
}

// NewNATS connects to url and ensures the change stream exists.
func NewNATS(url string) (Broker, error) {
	// Connect to NATS server
	nc, err := nats.Connect(url, nats.Name("lulutracker-feed"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context for stream operations
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Initialize required streams
	if err := initStreams(js); err != nil {
		nc.Close()
		return nil, err
	}

	return &natsBroker{nc: nc, js: js}, nil
}

// initStreams creates the LULU_CHANGES stream if it does not exist.
func initStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,                          // Stream name
		Subjects:   []string{subjectPrefix + ".>"},      // Every table, event and partition
		Retention:  nats.LimitsPolicy,                   // Retention policy
		MaxAge:     24 * time.Hour,                      // Keep events for 24 hours
		Discard:    nats.DiscardOld,                     // Discard old messages when limits reached
		Storage:    nats.FileStorage,                    // Use file storage for persistence
		Duplicates: 2 * time.Minute,                     // Msg-Id dedup window
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

// subjectToken makes a key value safe to use as a single subject token.
func subjectToken(v string) string {
	if v == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(v)
}

// subjectFor builds lulu.<table>.<event>.<partition>.
func subjectFor(table string, event EventType, partition string) string {
	return fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, table, strings.ToLower(string(event)), partition)
}

// publishSubject picks the subject a change is published on.
func publishSubject(c Change) string {
	return subjectFor(c.Table, c.Event, subjectToken(c.Keys[partitionColumns[c.Table]]))
}

// subscribeSubject picks the narrowest subject that still covers spec.
func subscribeSubject(spec Spec) string {
	if col, ok := partitionColumns[spec.Table]; ok && spec.Filter.Column == col {
		return subjectFor(spec.Table, spec.Event, subjectToken(spec.Filter.Value))
	}
	return subjectFor(spec.Table, spec.Event, wildcardToken)
}

// Publish wraps the change in an envelope and publishes it to the stream.
// The change ID doubles as the JetStream Msg-Id so retried publishes are deduplicated.
func (b *natsBroker) Publish(ctx context.Context, change Change) error {
	envelope := EventEnvelope{
		Type:          fmt.Sprintf("%s.%s", change.Table, strings.ToLower(string(change.Event))),
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       change,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if change.ID != "" {
		opts = append(opts, nats.MsgId(fmt.Sprintf("%s:%s:%s", change.Table, change.Event, change.ID)))
	}
	if _, err := b.js.Publish(publishSubject(change), data, opts...); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe opens a core subscription and waits for the server to acknowledge it.
func (b *natsBroker) Subscribe(ctx context.Context, spec Spec, handler Handler) (Channel, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}

	sub, err := b.nc.Subscribe(subscribeSubject(spec), func(msg *nats.Msg) {
		var envelope EventEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			slog.Warn("dropping undecodable change", "channel", spec.Name, "error", err)
			return
		}
		if !spec.Matches(envelope.Payload) {
			return
		}
		handler(envelope.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	// A flush round trip means the server has processed the SUB.
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscription not confirmed: %w", err)
	}

	return &natsChannel{name: spec.Name, sub: sub}, nil
}

// Close drains and closes the NATS connection.
func (b *natsBroker) Close() error {
	if b.nc != nil && !b.nc.IsClosed() {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
			return err
		}
	}
	return nil
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) Close() error {
	c.once.Do(func() {
		c.err = c.sub.Unsubscribe()
	})
	return c.err
}
