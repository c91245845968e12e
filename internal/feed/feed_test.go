package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// collector gathers delivered changes for assertions.
type collector struct {
	mu      sync.Mutex
	changes []Change
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(change Change) {
	c.mu.Lock()
	c.changes = append(c.changes, change)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Change {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.changes...)
}

func notificationChange(t *testing.T, id, userID string) Change {
	t.Helper()
	c, err := NewNotificationInsert(model.Notification{ID: id, UserID: userID, Title: "t", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("NewNotificationInsert() error = %v", err)
	}
	return c
}

// TestMemoryFilterAndOrder verifies that only matching changes arrive, in publish order.
func TestMemoryFilterAndOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	col := newCollector()
	spec := Spec{Name: "n:u1", Table: TableNotifications, Event: EventInsert, Filter: Eq("user_id", "u1")}
	if _, err := b.Subscribe(context.Background(), spec, col.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	for _, c := range []Change{
		notificationChange(t, "a", "u1"),
		notificationChange(t, "x", "u2"),
		notificationChange(t, "b", "u1"),
		notificationChange(t, "c", "u1"),
	} {
		if err := b.Publish(ctx, c); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	got := col.wait(t, 3)
	want := []string{"a", "b", "c"}
	for i, c := range got {
		if c.ID != want[i] {
			t.Errorf("change %d = %s, want %s", i, c.ID, want[i])
		}
	}
}

// TestMemoryCloseStopsDelivery verifies a closed channel receives nothing and closing twice is safe.
func TestMemoryCloseStopsDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	col := newCollector()
	spec := Spec{Name: "n:u1", Table: TableNotifications, Event: EventInsert, Filter: Eq("user_id", "u1")}
	ch, err := b.Subscribe(context.Background(), spec, col.handle)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	_ = b.Publish(context.Background(), notificationChange(t, "a", "u1"))
	select {
	case <-col.got:
		t.Fatal("closed channel received a change")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMemorySubscribeCancelled verifies a cancelled context fails the subscribe.
func TestMemorySubscribeCancelled(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Subscribe(ctx, Spec{Table: TableNotifications, Event: EventInsert}, func(Change) {}); err == nil {
		t.Fatal("Subscribe() with cancelled context succeeded")
	}
}

// TestChangeNotificationRoundTrip verifies the row survives the change envelope.
func TestChangeNotificationRoundTrip(t *testing.T) {
	c := notificationChange(t, "n1", "u1")
	n, err := c.Notification()
	if err != nil {
		t.Fatalf("Notification() error = %v", err)
	}
	if n.ID != "n1" || n.UserID != "u1" {
		t.Errorf("Notification() = %+v", n)
	}

	c.Table = TablePets
	if _, err := c.Notification(); err == nil {
		t.Error("Notification() on a pets change succeeded")
	}
}

// TestSubjects verifies subject routing for partitioned and unpartitioned filters.
func TestSubjects(t *testing.T) {
	c := notificationChange(t, "n1", "user.42")
	if got, want := publishSubject(c), "lulu.notifications.insert.user_42"; got != want {
		t.Errorf("publishSubject() = %s, want %s", got, want)
	}

	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"partition filter", Spec{Table: TableNotifications, Event: EventInsert, Filter: Eq("user_id", "u1")}, "lulu.notifications.insert.u1"},
		{"other column", Spec{Table: TableNotifications, Event: EventInsert, Filter: Eq("type", "general")}, "lulu.notifications.insert.*"},
		{"no filter", Spec{Table: TableLocationReports, Event: EventUpdate}, "lulu.location_reports.update.*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subscribeSubject(tt.spec); got != tt.want {
				t.Errorf("subscribeSubject() = %s, want %s", got, tt.want)
			}
		})
	}

	if got := Eq("user_id", "u1").String(); got != "user_id=eq.u1" {
		t.Errorf("Filter.String() = %s", got)
	}
}
