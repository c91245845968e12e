// Package feed provides the change-feed primitive the realtime layer subscribes to.
// A store publishes one Change per committed row mutation; subscribers register a Spec
// naming the table, the event type and an equality row filter, and receive matching
// changes in transport order.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// EventType is the kind of row mutation a Change describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Table names used on the feed.
const (
	TablePets            = "pets"
	TableLocationReports = "location_reports"
	TableNotifications   = "notifications"
)

// ErrClosed is returned when publishing to or subscribing on a closed broker.
var ErrClosed = errors.New("feed closed")

// Change is a single committed row mutation.
type Change struct {
	ID              string            `json:"id"`              // Primary key of the row
	Table           string            `json:"table"`           // Source table
	Event           EventType         `json:"event"`           // INSERT, UPDATE or DELETE
	Keys            map[string]string `json:"keys"`            // Filterable column values
	Row             json.RawMessage   `json:"row"`             // Row after the mutation
	CommitTimestamp time.Time         `json:"commitTimestamp"` // When the mutation committed
}

// NewNotificationInsert builds the INSERT change for a notification row.
func NewNotificationInsert(n model.Notification) (Change, error) {
	row, err := json.Marshal(n)
	if err != nil {
		return Change{}, fmt.Errorf("failed to marshal notification row: %w", err)
	}
	return Change{
		ID:              n.ID,
		Table:           TableNotifications,
		Event:           EventInsert,
		Keys:            map[string]string{"user_id": n.UserID},
		Row:             row,
		CommitTimestamp: n.CreatedAt,
	}, nil
}

// Notification decodes the row of a notifications change.
func (c Change) Notification() (model.Notification, error) {
	var n model.Notification
	if c.Table != TableNotifications {
		return n, fmt.Errorf("change on %q is not a notification", c.Table)
	}
	if err := json.Unmarshal(c.Row, &n); err != nil {
		return n, fmt.Errorf("failed to decode notification row: %w", err)
	}
	return n, nil
}

// Filter is an equality filter on one column. The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

// String renders the filter the way change-feed services spell it, e.g. user_id=eq.42.
func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	if f.Column == "" {
		return true
	}
	return c.Keys[f.Column] == f.Value
}

// Spec describes what a channel listens to.
type Spec struct {
	Name   string    // Unique channel name
	Table  string    // Table to watch
	Event  EventType // Event type to watch
	Filter Filter    // Row filter
}

// Matches reports whether c should be delivered to a channel opened with s.
func (s Spec) Matches(c Change) bool {
	return c.Table == s.Table && c.Event == s.Event && s.Filter.Matches(c)
}

// Handler receives changes. It is invoked sequentially per channel.
type Handler func(Change)

// Channel is an open subscription.
type Channel interface {
	// Name returns the channel name from the Spec.
	Name() string
	// Close releases the subscription. Closing twice is a no-op.
	Close() error
}

// Publisher emits changes onto the feed.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
	Close() error
}

// Subscriber opens channels on the feed.
type Subscriber interface {
	// Subscribe blocks until the transport confirms the subscription or ctx ends.
	Subscribe(ctx context.Context, spec Spec, handler Handler) (Channel, error)
}

// Broker is both ends of the feed.
type Broker interface {
	Publisher
	Subscriber
}

// NewBrokerFromConfig returns a NATS broker when natsURL is set and reachable,
// otherwise an in-process broker.
func NewBrokerFromConfig(natsURL string) Broker {
	if natsURL == "" {
		return NewMemory()
	}
	b, err := NewNATS(natsURL)
	if err != nil {
		slog.Warn("NATS broker unavailable, using in-process feed", "error", err)
		return NewMemory()
	}
	return b
}
