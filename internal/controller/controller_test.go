package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/notifications"
	"github.com/Million1701/Lulutracker-sub000/internal/push"
	"github.com/Million1701/Lulutracker-sub000/internal/realtime"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
)

// fakePresenter records shown notifications.
type fakePresenter struct {
	mu         sync.Mutex
	permission push.Permission
	shown      []push.Message
}

func (p *fakePresenter) IsSupported() bool { return true }
func (p *fakePresenter) PermissionStatus() push.Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}
func (p *fakePresenter) RequestPermission(ctx context.Context) (push.Permission, error) {
	return p.PermissionStatus(), nil
}
func (p *fakePresenter) ShowNotification(ctx context.Context, msg push.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, msg)
	return nil
}

func (p *fakePresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shown)
}

// failingStore fails every mutation.
type failingStore struct{ Store }

var errStore = errors.New("store unavailable")

func (failingStore) MarkRead(ctx context.Context, userID, id string) error { return errStore }
func (failingStore) Delete(ctx context.Context, userID, id string) error   { return errStore }

// countingRealtime records subscribe and unsubscribe calls.
type countingRealtime struct {
	*realtime.Manager
	mu    sync.Mutex
	users []string
}

func (r *countingRealtime) Subscribe(ctx context.Context, userID string, onEvent func(model.Notification)) (*realtime.Subscription, error) {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
	return r.Manager.Subscribe(ctx, userID, onEvent)
}

type fixture struct {
	store     storage.Store
	broker    feed.Broker
	manager   *realtime.Manager
	presenter *fakePresenter
	ctrl      *Controller
}

func newFixture(t *testing.T, seed ...model.Notification) *fixture {
	t.Helper()
	broker := feed.NewMemory()
	t.Cleanup(func() { broker.Close() })

	store := storage.NewMemory(broker)
	for _, n := range seed {
		if err := store.CreateNotification(context.Background(), n); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
	}

	manager := realtime.NewManager(broker, realtime.Config{CloseGrace: 5 * time.Millisecond})
	presenter := &fakePresenter{permission: push.PermissionGranted}
	ctrl := New(notifications.NewService(store), manager, presenter, Config{PollInterval: time.Hour})
	t.Cleanup(ctrl.Stop)

	return &fixture{store: store, broker: broker, manager: manager, presenter: presenter, ctrl: ctrl}
}

func note(id, user string, read bool, at time.Time) model.Notification {
	return model.Notification{ID: id, UserID: user, Type: model.NotificationTypeGeneral, Title: "t " + id, Read: read, CreatedAt: at}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSubscribed(t *testing.T, m *realtime.Manager) {
	t.Helper()
	waitFor(t, func() bool {
		sub := m.Active()
		return sub != nil && sub.State() == realtime.StateSubscribed
	})
}

func TestStartLoadsInitialState(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	f := newFixture(t,
		note("n1", "u1", false, base),
		note("n2", "u1", true, base.Add(time.Minute)),
		note("x", "u2", false, base),
	)

	f.ctrl.Start(context.Background(), "u1")
	s := f.ctrl.State()
	if s.Loading {
		t.Error("Loading still set after Start")
	}
	if len(s.Notifications) != 2 || s.Notifications[0].ID != "n2" {
		t.Errorf("Notifications = %+v", s.Notifications)
	}
	if s.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", s.UnreadCount)
	}
}

func TestRealtimeInsertPrependsAndPushes(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(context.Background(), "u1")
	waitSubscribed(t, f.manager)

	if err := f.store.CreateNotification(context.Background(), note("n1", "u1", false, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.ctrl.State().UnreadCount == 1 })

	s := f.ctrl.State()
	if len(s.Notifications) != 1 || s.Notifications[0].ID != "n1" {
		t.Errorf("Notifications = %+v", s.Notifications)
	}
	waitFor(t, func() bool { return f.presenter.count() == 1 })
}

func TestDuplicateEventMergedOnce(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(context.Background(), "u1")
	waitSubscribed(t, f.manager)

	change, err := feed.NewNotificationInsert(note("dup", "u1", false, time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := f.broker.Publish(context.Background(), change); err != nil {
			t.Fatal(err)
		}
	}
	// A sentinel published last proves the duplicates were processed
	sentinel, _ := feed.NewNotificationInsert(note("last", "u1", true, time.Now().UTC()))
	_ = f.broker.Publish(context.Background(), sentinel)
	waitFor(t, func() bool { return len(f.ctrl.State().Notifications) == 2 })

	s := f.ctrl.State()
	if s.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", s.UnreadCount)
	}
}

func TestReadEventDoesNotIncrementUnread(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(context.Background(), "u1")
	waitSubscribed(t, f.manager)

	change, _ := feed.NewNotificationInsert(note("r", "u1", true, time.Now().UTC()))
	_ = f.broker.Publish(context.Background(), change)
	waitFor(t, func() bool { return len(f.ctrl.State().Notifications) == 1 })

	if got := f.ctrl.State().UnreadCount; got != 0 {
		t.Errorf("UnreadCount = %d, want 0", got)
	}
}

func TestMarkAsReadIdempotent(t *testing.T) {
	f := newFixture(t, note("n1", "u1", false, time.Now().UTC()), note("n2", "u1", false, time.Now().UTC()))
	f.ctrl.Start(context.Background(), "u1")

	for i := 0; i < 2; i++ {
		if err := f.ctrl.MarkAsRead(context.Background(), "n1"); err != nil {
			t.Fatalf("MarkAsRead() #%d error = %v", i+1, err)
		}
	}
	if got := f.ctrl.State().UnreadCount; got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
}

func TestMutationsPatchAfterSuccess(t *testing.T) {
	base := time.Now().UTC()
	f := newFixture(t,
		note("a", "u1", false, base),
		note("b", "u1", true, base.Add(time.Second)),
		note("c", "u1", false, base.Add(2*time.Second)),
	)
	f.ctrl.Start(context.Background(), "u1")
	ctx := context.Background()

	// Deleting a read row leaves the counter alone
	if err := f.ctrl.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if s := f.ctrl.State(); s.UnreadCount != 2 || len(s.Notifications) != 2 {
		t.Errorf("after deleting read row: %+v", s)
	}

	// Deleting an unread row decrements it
	if err := f.ctrl.Delete(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if s := f.ctrl.State(); s.UnreadCount != 1 {
		t.Errorf("UnreadCount after deleting unread row = %d, want 1", s.UnreadCount)
	}

	if err := f.ctrl.MarkAllAsRead(ctx); err != nil {
		t.Fatal(err)
	}
	if s := f.ctrl.State(); s.UnreadCount != 0 || !s.Notifications[0].Read {
		t.Errorf("after MarkAllAsRead: %+v", s)
	}
	if err := f.ctrl.MarkAllAsRead(ctx); err != nil {
		t.Fatal(err)
	}
	if s := f.ctrl.State(); s.UnreadCount != 0 {
		t.Errorf("UnreadCount after repeated MarkAllAsRead = %d", s.UnreadCount)
	}

	if err := f.ctrl.DeleteAllRead(ctx); err != nil {
		t.Fatal(err)
	}
	if s := f.ctrl.State(); len(s.Notifications) != 0 {
		t.Errorf("Notifications after DeleteAllRead = %+v", s.Notifications)
	}
}

func TestFailedMutationLeavesState(t *testing.T) {
	f := newFixture(t, note("n1", "u1", false, time.Now().UTC()))
	ctrl := New(failingStore{Store: notifications.NewService(f.store)}, f.manager, nil, Config{PollInterval: time.Hour})
	defer ctrl.Stop()
	ctrl.Start(context.Background(), "u1")

	if err := ctrl.MarkAsRead(context.Background(), "n1"); !errors.Is(err, errStore) {
		t.Errorf("MarkAsRead() error = %v, want store error", err)
	}
	if err := ctrl.Delete(context.Background(), "n1"); !errors.Is(err, errStore) {
		t.Errorf("Delete() error = %v, want store error", err)
	}
	s := ctrl.State()
	if s.UnreadCount != 1 || len(s.Notifications) != 1 || s.Notifications[0].Read {
		t.Errorf("state changed after failed mutations: %+v", s)
	}
}

func TestIdentityChangeReleasesFirst(t *testing.T) {
	broker := feed.NewMemory()
	defer broker.Close()
	store := storage.NewMemory(broker)
	rt := &countingRealtime{Manager: realtime.NewManager(broker, realtime.Config{CloseGrace: 5 * time.Millisecond})}
	ctrl := New(notifications.NewService(store), rt, nil, Config{PollInterval: time.Hour})
	defer ctrl.Stop()

	ctrl.Start(context.Background(), "u1")
	ctrl.Start(context.Background(), "u1") // Same user: nothing new
	ctrl.Start(context.Background(), "u2")

	rt.mu.Lock()
	users := append([]string(nil), rt.users...)
	rt.mu.Unlock()
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("subscribe calls = %v, want [u1 u2]", users)
	}

	active := rt.Active()
	if active == nil || active.UserID != "u2" {
		t.Fatalf("active subscription = %+v, want u2", active)
	}
	waitFor(t, func() bool { return active.State() == realtime.StateSubscribed })

	// u1's inserts no longer reach the controller
	_ = store.CreateNotification(context.Background(), note("old-user", "u1", false, time.Now().UTC()))
	_ = store.CreateNotification(context.Background(), note("new-user", "u2", false, time.Now().UTC()))
	waitFor(t, func() bool { return len(ctrl.State().Notifications) == 1 })
	time.Sleep(20 * time.Millisecond)
	if s := ctrl.State(); len(s.Notifications) != 1 || s.Notifications[0].ID != "new-user" {
		t.Errorf("Notifications = %+v", s.Notifications)
	}
}

func TestStopDiscardsState(t *testing.T) {
	f := newFixture(t, note("n1", "u1", false, time.Now().UTC()))
	f.ctrl.Start(context.Background(), "u1")
	f.ctrl.Stop()

	if s := f.ctrl.State(); len(s.Notifications) != 0 || s.UnreadCount != 0 {
		t.Errorf("State() after Stop = %+v", s)
	}
	if f.manager.Active() != nil {
		t.Error("subscription still active after Stop")
	}
	if err := f.ctrl.MarkAsRead(context.Background(), "n1"); err == nil {
		t.Error("MarkAsRead() after Stop succeeded")
	}
}

func TestPollingRefresh(t *testing.T) {
	broker := feed.NewMemory()
	defer broker.Close()
	// No publisher: inserts are only visible through polling
	store := storage.NewMemory(nil)
	manager := realtime.NewManager(broker, realtime.Config{})
	ctrl := New(notifications.NewService(store), manager, nil, Config{PollInterval: 20 * time.Millisecond})
	defer ctrl.Stop()

	ctrl.Start(context.Background(), "u1")
	_ = store.CreateNotification(context.Background(), note("quiet", "u1", false, time.Now().UTC()))

	waitFor(t, func() bool { return ctrl.State().UnreadCount == 1 })
	if s := ctrl.State(); len(s.Notifications) != 1 || s.Notifications[0].ID != "quiet" {
		t.Errorf("Notifications = %+v", s.Notifications)
	}
}

func TestMergeLoadedKeepsLateRealtimeRows(t *testing.T) {
	base := time.Now().UTC()
	loaded := []model.Notification{note("b", "u1", false, base), note("a", "u1", true, base.Add(-time.Minute))}
	local := []model.Notification{
		note("c", "u1", false, base.Add(time.Minute)),
		note("b", "u1", false, base),
		note("gone", "u1", false, base.Add(-2*time.Minute)),
	}
	// c arrived during the load; gone was already local when it started
	arrived := map[string]uint64{"c": 3, "gone": 1}

	merged, unread := mergeLoaded(local, loaded, 1, arrived, 2)
	if len(merged) != 3 || merged[0].ID != "c" || merged[1].ID != "b" || merged[2].ID != "a" {
		t.Errorf("merged = %+v", merged)
	}
	if unread != 2 {
		t.Errorf("unread = %d, want 2", unread)
	}

	merged, unread = mergeLoaded(local, nil, 0, arrived, 3)
	if len(merged) != 0 || unread != 0 {
		t.Errorf("empty page merged = %+v unread = %d, want nothing", merged, unread)
	}
}

func TestRefreshDropsRowsDeletedElsewhere(t *testing.T) {
	base := time.Now().UTC()
	f := newFixture(t, note("n1", "u1", false, base), note("n2", "u1", false, base.Add(time.Second)))
	ctx := context.Background()
	f.ctrl.Start(ctx, "u1")
	if s := f.ctrl.State(); s.UnreadCount != 2 {
		t.Fatalf("UnreadCount after Start = %d, want 2", s.UnreadCount)
	}

	// Another device clears both rows
	other := notifications.NewService(f.store)
	for _, id := range []string{"n1", "n2"} {
		if err := other.Delete(ctx, "u1", id); err != nil {
			t.Fatal(err)
		}
	}

	f.ctrl.Refresh(ctx)
	if s := f.ctrl.State(); len(s.Notifications) != 0 || s.UnreadCount != 0 {
		t.Errorf("State() after Refresh = %d rows unread=%d, want empty", len(s.Notifications), s.UnreadCount)
	}
}

// insertingStore commits a row between the unread count and the page read.
type insertingStore struct {
	Store
	store storage.Store
	armed atomic.Bool
	mu    sync.Mutex
	calls []string
}

func (s *insertingStore) UnreadCount(ctx context.Context, userID string) int {
	n := s.Store.UnreadCount(ctx, userID)
	s.mu.Lock()
	s.calls = append(s.calls, "count")
	s.mu.Unlock()
	if s.armed.CompareAndSwap(true, false) {
		_ = s.store.CreateNotification(ctx, note("between", userID, false, time.Now().UTC()))
	}
	return n
}

func (s *insertingStore) List(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "list")
	s.mu.Unlock()
	return s.Store.List(ctx, userID, limit, onlyUnread)
}

func TestRefreshCountsConcurrentInsertOnce(t *testing.T) {
	f := newFixture(t)
	store := &insertingStore{Store: notifications.NewService(f.store), store: f.store}
	ctrl := New(store, f.manager, nil, Config{PollInterval: time.Hour})
	defer ctrl.Stop()
	ctx := context.Background()
	ctrl.Start(ctx, "u1")
	waitSubscribed(t, f.manager)

	store.armed.Store(true)
	ctrl.Refresh(ctx)
	waitFor(t, func() bool { return len(ctrl.State().Notifications) == 1 })
	// Let the realtime copy of the row land too
	time.Sleep(30 * time.Millisecond)

	if s := ctrl.State(); len(s.Notifications) != 1 || s.UnreadCount != 1 {
		t.Errorf("State() = %d rows unread=%d, want 1 and 1", len(s.Notifications), s.UnreadCount)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for i := 0; i+1 < len(store.calls); i += 2 {
		if store.calls[i] != "count" || store.calls[i+1] != "list" {
			t.Fatalf("store calls = %v, want count before list", store.calls)
		}
	}
}

// interleavingRealtime starts a second user while the first user's Start is
// still returning from Subscribe.
type interleavingRealtime struct {
	*realtime.Manager
	ctrl *Controller
	once sync.Once
}

func (r *interleavingRealtime) Subscribe(ctx context.Context, userID string, onEvent func(model.Notification)) (*realtime.Subscription, error) {
	sub, err := r.Manager.Subscribe(ctx, userID, onEvent)
	if userID == "u1" {
		r.once.Do(func() {
			go r.ctrl.Start(context.Background(), "u2")
			time.Sleep(20 * time.Millisecond)
		})
	}
	return sub, err
}

func TestInterleavedStartsKeepLatestSubscription(t *testing.T) {
	f := newFixture(t)
	rt := &interleavingRealtime{Manager: f.manager}
	ctrl := New(notifications.NewService(f.store), rt, nil, Config{PollInterval: time.Hour})
	rt.ctrl = ctrl
	defer ctrl.Stop()

	ctrl.Start(context.Background(), "u1")
	waitFor(t, func() bool {
		sub := f.manager.Active()
		return ctrl.UserID() == "u2" && sub != nil && sub.UserID == "u2" && sub.State() == realtime.StateSubscribed
	})

	_ = f.store.CreateNotification(context.Background(), note("for-u2", "u2", false, time.Now().UTC()))
	waitFor(t, func() bool { return len(ctrl.State().Notifications) == 1 })
	if s := ctrl.State(); s.Notifications[0].ID != "for-u2" || s.UnreadCount != 1 {
		t.Errorf("State() = %+v", s)
	}
}
