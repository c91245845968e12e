package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// countingFeed wraps a broker and tracks how many channels are open.
type countingFeed struct {
	feed.Broker
	delay      time.Duration
	fail       error
	subscribes atomic.Int32
	open       atomic.Int32
	maxOpen    atomic.Int32
}

type countedChannel struct {
	feed.Channel
	f    *countingFeed
	once sync.Once
}

func (c *countedChannel) Close() error {
	c.once.Do(func() { c.f.open.Add(-1) })
	return c.Channel.Close()
}

func (f *countingFeed) Subscribe(ctx context.Context, spec feed.Spec, h feed.Handler) (feed.Channel, error) {
	f.subscribes.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	ch, err := f.Broker.Subscribe(ctx, spec, h)
	if err != nil {
		return nil, err
	}
	n := f.open.Add(1)
	for {
		max := f.maxOpen.Load()
		if n <= max || f.maxOpen.CompareAndSwap(max, n) {
			break
		}
	}
	return &countedChannel{Channel: ch, f: f}, nil
}

func newFeed() *countingFeed {
	return &countingFeed{Broker: feed.NewMemory()}
}

func publish(t *testing.T, b feed.Publisher, id, userID string) {
	t.Helper()
	c, err := feed.NewNotificationInsert(model.Notification{ID: id, UserID: userID, Title: id, CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func waitReady(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never settled")
	}
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

func TestSubscribeDeliversUserEvents(t *testing.T) {
	f := newFeed()
	defer f.Close()
	m := NewManager(f, Config{CloseGrace: 10 * time.Millisecond})

	got := make(chan model.Notification, 4)
	sub, err := m.Subscribe(context.Background(), "u1", func(n model.Notification) { got <- n })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitReady(t, sub)
	if sub.State() != StateSubscribed {
		t.Fatalf("State() = %s, want subscribed", sub.State())
	}

	publish(t, f, "other", "u2")
	publish(t, f, "n1", "u1")
	publish(t, f, "n2", "u1")

	for _, want := range []string{"n1", "n2"} {
		select {
		case n := <-got:
			if n.ID != want {
				t.Errorf("delivered %s, want %s", n.ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConcurrentSubscribeOpensOneChannel(t *testing.T) {
	f := newFeed()
	f.delay = 20 * time.Millisecond
	defer f.Close()
	m := NewManager(f, Config{})

	var wg sync.WaitGroup
	handles := make([]*Subscription, 20)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) {})
			if err != nil {
				t.Errorf("Subscribe() error = %v", err)
				return
			}
			handles[i] = sub
		}(i)
	}
	wg.Wait()

	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatal("Subscribe() returned distinct handles for the same user")
		}
	}
	waitReady(t, handles[0])
	if n := f.subscribes.Load(); n != 1 {
		t.Errorf("transport subscribes = %d, want 1", n)
	}
}

func TestRapidRemountKeepsOneLiveSubscription(t *testing.T) {
	f := newFeed()
	f.delay = 5 * time.Millisecond
	defer f.Close()
	m := NewManager(f, Config{CloseGrace: 5 * time.Millisecond})

	var delivered atomic.Int32
	handler := func(model.Notification) { delivered.Add(1) }

	var last *Subscription
	for i := 0; i < 25; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		m.Unsubscribe(m.Active())
		sub, err := m.Subscribe(context.Background(), user, handler)
		if err != nil {
			t.Fatalf("Subscribe() #%d error = %v", i, err)
		}
		last = sub
	}
	waitReady(t, last)

	// Every torn down channel is eventually closed
	waitFor(t, func() bool { return f.open.Load() == 1 })

	publish(t, f, "n1", last.UserID)
	waitFor(t, func() bool { return delivered.Load() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
}

func TestSubscribeOtherUserWhileActive(t *testing.T) {
	f := newFeed()
	defer f.Close()
	m := NewManager(f, Config{})

	sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := m.Subscribe(context.Background(), "u2", func(model.Notification) {}); !errors.Is(err, ErrSubscriptionActive) {
		t.Errorf("Subscribe() for another user error = %v, want ErrSubscriptionActive", err)
	}
	if _, err := m.Subscribe(context.Background(), "", func(model.Notification) {}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Subscribe() without user error = %v, want ErrNoIdentity", err)
	}
	m.Unsubscribe(sub)
}

func TestUnsubscribeIdempotentAndGraceful(t *testing.T) {
	f := newFeed()
	defer f.Close()
	m := NewManager(f, Config{CloseGrace: 50 * time.Millisecond})

	var delivered atomic.Int32
	sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) { delivered.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitReady(t, sub)

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	sub.Close()
	m.Unsubscribe(nil)

	if m.Active() != nil {
		t.Error("Active() still set after Unsubscribe")
	}
	if sub.State() != StateClosing {
		t.Errorf("State() right after Unsubscribe = %s, want closing", sub.State())
	}
	if f.open.Load() != 1 {
		t.Error("channel closed before the grace delay")
	}

	// Events during the grace window are dropped
	publish(t, f, "late", "u1")

	waitFor(t, func() bool { return sub.State() == StateClosed })
	if f.open.Load() != 0 {
		t.Errorf("open channels = %d, want 0", f.open.Load())
	}
	if delivered.Load() != 0 {
		t.Errorf("delivered after teardown = %d, want 0", delivered.Load())
	}
}

func TestUnsubscribeWhileSubscribing(t *testing.T) {
	f := newFeed()
	f.delay = 30 * time.Millisecond
	defer f.Close()
	m := NewManager(f, Config{CloseGrace: 5 * time.Millisecond})

	sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	m.Unsubscribe(sub)

	// A new subscription may start at once
	next, err := m.Subscribe(context.Background(), "u2", func(model.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() after teardown error = %v", err)
	}

	waitReady(t, sub)
	waitReady(t, next)
	waitFor(t, func() bool { return sub.State() == StateClosed })
	waitFor(t, func() bool { return f.open.Load() == 1 })
	if next.State() != StateSubscribed {
		t.Errorf("next State() = %s, want subscribed", next.State())
	}
}

func TestSubscribeFailureNoRetry(t *testing.T) {
	f := newFeed()
	f.fail = errors.New("transport down")
	defer f.Close()
	m := NewManager(f, Config{})

	sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitReady(t, sub)

	if sub.State() != StateClosed {
		t.Errorf("State() = %s, want closed", sub.State())
	}
	if m.Active() != nil {
		t.Error("failed subscription still active")
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.subscribes.Load(); n != 1 {
		t.Errorf("transport subscribes = %d, want 1", n)
	}
}

func TestSubscribeTimeout(t *testing.T) {
	f := newFeed()
	f.delay = time.Second
	defer f.Close()
	m := NewManager(f, Config{SubscribeTimeout: 20 * time.Millisecond})

	sub, err := m.Subscribe(context.Background(), "u1", func(model.Notification) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitReady(t, sub)
	if sub.State() != StateClosed {
		t.Errorf("State() = %s, want closed", sub.State())
	}
}
