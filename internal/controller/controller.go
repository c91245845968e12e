// Package controller holds a session's notification state: the loaded list, the
// unread counter, and the merge of realtime inserts, polling refreshes and the
// user's own mutations into one consistent snapshot.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/push"
	"github.com/Million1701/Lulutracker-sub000/internal/realtime"
)

// Defaults for Config zero values
const (
	DefaultPollInterval = 5 * time.Minute
	DefaultPageSize     = 50
)

// Store is the notification store the controller reads and mutates.
type Store interface {
	List(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) int
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, userID, notificationID string) error
	DeleteAllRead(ctx context.Context, userID string) (int, error)
}

// Realtime is the session's subscription slot.
type Realtime interface {
	Subscribe(ctx context.Context, userID string, onEvent func(model.Notification)) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
}

// State is a snapshot of the session's notifications.
type State struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
	Loading       bool                 `json:"loading"`
	Error         string               `json:"error,omitempty"`
}

// Config tunes a Controller.
type Config struct {
	PollInterval time.Duration
	PageSize     int
}

// Controller is bound to at most one user at a time.
type Controller struct {
	store     Store
	rt        Realtime
	presenter push.Presenter
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	lifeMu sync.Mutex // Serialises Start and Stop
	loadMu sync.Mutex // One load at a time

	mu      sync.Mutex
	userID  string
	gen     uint64 // Bumped on every Start/Stop; results from older generations are discarded
	state   State
	sub     *realtime.Subscription
	cancel  context.CancelFunc
	seq     uint64            // Realtime arrival counter
	arrived map[string]uint64 // Arrival sequence of realtime rows not yet confirmed by a load

	notifyMu sync.Mutex
	onChange func(State)
}

// New creates a controller. A nil presenter never shows OS notifications.
func New(store Store, rt Realtime, presenter push.Presenter, cfg Config) *Controller {
	if presenter == nil {
		presenter = push.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Controller{
		store:     store,
		rt:        rt,
		presenter: presenter,
		cfg:       cfg,
		logger:    slog.Default().With("component", "controller"),
		metrics:   metrics.NewMetrics(),
		arrived:   make(map[string]uint64),
	}
}

// OnChange registers fn to receive a snapshot after every state change.
// fn runs synchronously and must not call OnChange.
func (c *Controller) OnChange(fn func(State)) {
	c.notifyMu.Lock()
	c.onChange = fn
	c.notifyMu.Unlock()
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// UserID returns the bound user, or "".
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.Notifications = append([]model.Notification(nil), c.state.Notifications...)
	return s
}

// notify delivers the latest snapshot. Taking the snapshot under notifyMu keeps
// the last delivered snapshot current.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.onChange != nil {
		c.onChange(c.State())
	}
}

// Start binds the controller to userID: it subscribes to realtime inserts, loads the
// first page and starts the polling refresh. Starting with the bound user is a no-op.
// A different user's subscription is released before the new one is requested.
func (c *Controller) Start(ctx context.Context, userID string) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if userID != "" && userID == c.userID {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	if userID == "" {
		c.mu.Unlock()
		c.notify()
		return
	}

	c.userID = userID
	gen := c.gen
	c.state = State{Loading: true}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()
	c.notify()

	// Subscribe returns at once; the channel opens while the first page loads
	sub, err := c.rt.Subscribe(bg, userID, func(n model.Notification) { c.handleEvent(gen, n) })
	if err != nil {
		c.logger.Warn("realtime subscribe rejected", "user_id", userID, "error", err)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.sub = sub
		sub = nil
	}
	c.mu.Unlock()
	c.rt.Unsubscribe(sub) // Stopped meanwhile

	c.load(bg, gen, "initial")
	go c.poll(bg, gen)
}

// Stop releases the subscription and the refresh timer and clears the state.
func (c *Controller) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.rt.Unsubscribe(c.sub)
	c.sub = nil
	c.userID = ""
	c.state = State{}
	clear(c.arrived)
}

func (c *Controller) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.load(ctx, gen, "poll")
		}
	}
}

// Refresh reloads the first page and the unread count.
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.Lock()
	gen, bound := c.gen, c.userID != ""
	c.mu.Unlock()
	if bound {
		c.load(ctx, gen, "manual")
	}
}

func (c *Controller) load(ctx context.Context, gen uint64, trigger string) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	since := c.seq
	c.mu.Unlock()

	// Count before listing: a row committed after the count is either on the
	// page or arrives over realtime, never counted twice
	unread := c.store.UnreadCount(ctx, userID)
	list, err := c.store.List(ctx, userID, c.cfg.PageSize, false)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.Loading = false
	if err != nil {
		c.state.Error = errorMessage(err)
		c.mu.Unlock()
		c.metrics.NotificationRefreshTotal.WithLabelValues(trigger, "error").Inc()
		c.logger.Warn("failed to load notifications", "user_id", userID, "trigger", trigger, "error", err)
		c.notify()
		return
	}

	c.state.Error = ""
	c.state.Notifications, c.state.UnreadCount = mergeLoaded(c.state.Notifications, list, unread, c.arrived, since)
	for id, seq := range c.arrived {
		if seq <= since {
			delete(c.arrived, id)
		}
	}
	c.mu.Unlock()

	c.metrics.NotificationRefreshTotal.WithLabelValues(trigger, "success").Inc()
	c.notify()
}

// mergeLoaded replaces the local list with a loaded page. Only realtime rows that
// arrived after the load started (arrived[id] > since) and are not on the page
// survive; anything older that the page lacks was deleted. The count never drops
// below the unread rows in the merged list.
func mergeLoaded(local, loaded []model.Notification, unread int, arrived map[string]uint64, since uint64) ([]model.Notification, int) {
	seen := make(map[string]bool, len(loaded))
	for _, n := range loaded {
		seen[n.ID] = true
	}

	merged := make([]model.Notification, 0, len(loaded)+len(local))
	for _, n := range local {
		if seen[n.ID] || arrived[n.ID] <= since {
			continue
		}
		merged = append(merged, n)
		if !n.Read {
			unread++
		}
	}
	merged = append(merged, loaded...)

	visible := 0
	for _, n := range merged {
		if !n.Read {
			visible++
		}
	}
	return merged, max(unread, visible)
}

func errorMessage(err error) string {
	if e, ok := lterrors.As(err); ok {
		return e.Message
	}
	return "We couldn't load your notifications."
}

// handleEvent merges a realtime insert. Delivering the same id twice is a no-op.
func (c *Controller) handleEvent(gen uint64, n model.Notification) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.state.Notifications {
		if existing.ID == n.ID {
			c.mu.Unlock()
			return
		}
	}
	c.state.Notifications = append([]model.Notification{n}, c.state.Notifications...)
	c.seq++
	c.arrived[n.ID] = c.seq
	if !n.Read {
		c.state.UnreadCount++
	}
	c.mu.Unlock()
	c.notify()

	c.present(n)
}

func (c *Controller) present(n model.Notification) {
	if !c.presenter.IsSupported() || c.presenter.PermissionStatus() != push.PermissionGranted {
		c.metrics.NotificationsPushed.WithLabelValues("skipped").Inc()
		return
	}

	msg := push.Message{
		Title: n.Title,
		Body:  n.Message,
		Tag:   n.ID,
		Data:  map[string]string{"notificationId": n.ID},
	}
	if n.LocationReportID != nil {
		msg.Data["locationReportId"] = *n.LocationReportID
	}
	if n.Type == model.NotificationTypeLocationReport {
		msg.RequireInteraction = true
	}

	if err := c.presenter.ShowNotification(context.Background(), msg); err != nil {
		c.metrics.NotificationsPushed.WithLabelValues("failed").Inc()
		c.logger.Warn("failed to show notification", "notification_id", n.ID, "error", err)
		return
	}
	c.metrics.NotificationsPushed.WithLabelValues("shown").Inc()
}

// boundUser returns the user and generation mutations act for.
func (c *Controller) boundUser() (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return "", 0, lterrors.New(lterrors.LT_AUTHN, "Sign in to manage notifications.", "")
	}
	return c.userID, c.gen, nil
}

// patch applies fn to the state if the controller is still on generation gen.
func (c *Controller) patch(gen uint64, fn func(s *State)) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	fn(&c.state)
	if c.state.UnreadCount < 0 {
		c.state.UnreadCount = 0
	}
	c.mu.Unlock()
	c.notify()
}

// MarkAsRead marks one notification read in the store, then locally.
func (c *Controller) MarkAsRead(ctx context.Context, notificationID string) error {
	userID, gen, err := c.boundUser()
	if err != nil {
		return err
	}
	if err := c.store.MarkRead(ctx, userID, notificationID); err != nil {
		return err
	}
	c.patch(gen, func(s *State) {
		for i := range s.Notifications {
			if s.Notifications[i].ID == notificationID {
				if !s.Notifications[i].Read {
					s.Notifications[i].Read = true
					s.UnreadCount--
				}
				return
			}
		}
	})
	return nil
}

// MarkAllAsRead marks everything read in the store, then locally.
func (c *Controller) MarkAllAsRead(ctx context.Context) error {
	userID, gen, err := c.boundUser()
	if err != nil {
		return err
	}
	marked, err := c.store.MarkAllRead(ctx, userID)
	if err != nil {
		return err
	}
	c.patch(gen, func(s *State) {
		for i := range s.Notifications {
			s.Notifications[i].Read = true
		}
		s.UnreadCount -= marked
	})
	return nil
}

// Delete removes one notification in the store, then locally.
func (c *Controller) Delete(ctx context.Context, notificationID string) error {
	userID, gen, err := c.boundUser()
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, userID, notificationID); err != nil {
		return err
	}
	c.patch(gen, func(s *State) {
		for i, n := range s.Notifications {
			if n.ID == notificationID {
				s.Notifications = append(s.Notifications[:i], s.Notifications[i+1:]...)
				if !n.Read {
					s.UnreadCount--
				}
				return
			}
		}
	})
	return nil
}

// DeleteAllRead removes read notifications in the store, then locally.
func (c *Controller) DeleteAllRead(ctx context.Context) error {
	userID, gen, err := c.boundUser()
	if err != nil {
		return err
	}
	if _, err := c.store.DeleteAllRead(ctx, userID); err != nil {
		return err
	}
	c.patch(gen, func(s *State) {
		kept := s.Notifications[:0]
		for _, n := range s.Notifications {
			if !n.Read {
				kept = append(kept, n)
			}
		}
		s.Notifications = kept
	})
	return nil
}
