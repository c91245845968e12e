// Package realtime keeps at most one live change-feed subscription per session
// and delivers the session user's notification inserts to a callback.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/google/uuid"
)

// Defaults for Config zero values
const (
	DefaultCloseGrace       = 100 * time.Millisecond
	DefaultSubscribeTimeout = 10 * time.Second
)

var (
	// ErrNoIdentity is returned when subscribing without a user.
	ErrNoIdentity = errors.New("realtime: no user identity")
	// ErrSubscriptionActive is returned when another user's subscription is still held.
	ErrSubscriptionActive = errors.New("realtime: a subscription for another user is active")
)

// State is the lifecycle position of a subscription.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config tunes a Manager.
type Config struct {
	CloseGrace       time.Duration // Delay before a torn down channel is closed
	SubscribeTimeout time.Duration // Bound on transport confirmation
}

// Subscription is the handle Subscribe returns. Release it with Manager.Unsubscribe
// or Close; both are idempotent.
type Subscription struct {
	UserID string
	name   string

	m       *Manager
	onEvent func(model.Notification)

	mu      sync.Mutex
	state   State
	channel feed.Channel
	ready   chan struct{} // Closed once the transport confirmed or failed
}

// Name is the channel name, unique per subscription and scoped to the user.
func (s *Subscription) Name() string { return s.name }

// State reports where the subscription is in its lifecycle.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the subscribe attempt has settled either way.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Close releases the subscription.
func (s *Subscription) Close() { s.m.Unsubscribe(s) }

// deliver hands a change to the callback unless the subscription was torn down.
func (s *Subscription) deliver(c feed.Change) {
	s.mu.Lock()
	live := s.state == StateSubscribing || s.state == StateSubscribed
	s.mu.Unlock()
	if !live {
		return
	}

	n, err := c.Notification()
	if err != nil {
		s.m.logger.Warn("dropping undecodable notification change", "channel", s.name, "error", err)
		return
	}
	// The broker filters on user_id; this holds if a transport ever widens its filter
	if n.UserID != s.UserID {
		return
	}
	s.m.metrics.RealtimeEventsDelivered.Inc()
	s.onEvent(n)
}

// Manager owns the session's single subscription slot.
type Manager struct {
	feed    feed.Subscriber
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	active   *Subscription // Handle visible to callers; nil once torn down
	inFlight bool          // A subscribe is awaiting confirmation
}

// NewManager creates a manager over sub.
func NewManager(sub feed.Subscriber, cfg Config) *Manager {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	return &Manager{
		feed:    sub,
		cfg:     cfg,
		logger:  slog.Default().With("component", "realtime"),
		metrics: metrics.NewMetrics(),
	}
}

// Active returns the current handle, or nil.
func (m *Manager) Active() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Subscribe opens a channel for userID's notification inserts. If the session already
// holds or is opening a subscription for userID, that handle is returned and no second
// channel is opened. The channel is opened asynchronously; Ready reports when it settles.
func (m *Manager) Subscribe(ctx context.Context, userID string, onEvent func(model.Notification)) (*Subscription, error) {
	if userID == "" {
		return nil, ErrNoIdentity
	}

	m.mu.Lock()
	if m.active != nil || m.inFlight {
		active := m.active
		m.mu.Unlock()
		if active != nil && active.UserID == userID {
			m.metrics.RealtimeSubscribeTotal.WithLabelValues("reused").Inc()
			return active, nil
		}
		return nil, ErrSubscriptionActive
	}

	sub := &Subscription{
		UserID:  userID,
		name:    fmt.Sprintf("notifications:%s:%s", userID, uuid.NewString()),
		m:       m,
		onEvent: onEvent,
		state:   StateSubscribing,
		ready:   make(chan struct{}),
	}
	m.active = sub
	m.inFlight = true
	m.mu.Unlock()

	go m.open(context.WithoutCancel(ctx), sub)
	return sub, nil
}

// open performs the transport subscribe for sub and settles its state.
func (m *Manager) open(ctx context.Context, sub *Subscription) {
	defer close(sub.ready)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	defer cancel()

	spec := feed.Spec{
		Name:   sub.name,
		Table:  feed.TableNotifications,
		Event:  feed.EventInsert,
		Filter: feed.Eq("user_id", sub.UserID),
	}
	ch, err := m.feed.Subscribe(ctx, spec, sub.deliver)
	if err != nil {
		m.logger.Warn("realtime subscribe failed", "channel", sub.name, "user_id", sub.UserID, "error", err)
		m.metrics.RealtimeSubscribeTotal.WithLabelValues("failed").Inc()

		sub.mu.Lock()
		sub.state = StateClosed
		sub.mu.Unlock()

		m.mu.Lock()
		if m.active == sub {
			m.active = nil
			m.inFlight = false
		}
		m.mu.Unlock()
		return
	}

	sub.mu.Lock()
	if sub.state != StateSubscribing {
		// Torn down while the handshake was in progress
		sub.mu.Unlock()
		m.metrics.RealtimeSubscribeTotal.WithLabelValues("abandoned").Inc()
		m.closeAfterGrace(sub, ch, false)
		return
	}
	sub.state = StateSubscribed
	sub.channel = ch
	sub.mu.Unlock()

	m.mu.Lock()
	if m.active == sub {
		m.inFlight = false
	}
	m.mu.Unlock()

	m.metrics.RealtimeSubscribeTotal.WithLabelValues("subscribed").Inc()
	m.metrics.RealtimeSubscriptions.Inc()
	m.logger.Debug("realtime subscribed", "channel", sub.name, "user_id", sub.UserID)
}

// Unsubscribe tears sub down. The slot is freed immediately; the channel itself is
// closed after the grace delay. Safe to call more than once and with nil.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	if m.active == sub {
		m.active = nil
		m.inFlight = false
	}
	m.mu.Unlock()

	sub.mu.Lock()
	if sub.state == StateClosing || sub.state == StateClosed {
		sub.mu.Unlock()
		return
	}
	wasSubscribed := sub.state == StateSubscribed
	sub.state = StateClosing
	ch := sub.channel
	sub.mu.Unlock()

	// A channel still opening is closed by open once it arrives
	if ch != nil {
		m.closeAfterGrace(sub, ch, wasSubscribed)
	}
}

// Close releases whatever subscription the session holds.
func (m *Manager) Close() {
	m.Unsubscribe(m.Active())
}

func (m *Manager) closeAfterGrace(sub *Subscription, ch feed.Channel, counted bool) {
	time.AfterFunc(m.cfg.CloseGrace, func() {
		if err := ch.Close(); err != nil {
			m.logger.Warn("realtime channel close failed", "channel", sub.name, "error", err)
		}
		sub.mu.Lock()
		sub.state = StateClosed
		sub.mu.Unlock()
		if counted {
			m.metrics.RealtimeSubscriptions.Dec()
		}
	})
}
