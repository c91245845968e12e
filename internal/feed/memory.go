package feed

import (
	"context"
	"log/slog"
	"sync"
)

// memoryQueueSize bounds each subscriber's backlog before changes are dropped.
const memoryQueueSize = 256

// memory is an in-process Broker.
// It's intended for single-instance deployments, development and tests.
type memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memoryChannel
	nextID uint64
	closed bool
}

// memoryChannel is one subscriber with its own delivery goroutine.
type memoryChannel struct {
	id      uint64
	spec    Spec
	handler Handler
	queue   chan Change
	done    chan struct{}
	once    sync.Once
	broker  *memory
}

// NewMemory creates an in-process broker.
func NewMemory() Broker {
	return &memory{subs: make(map[uint64]*memoryChannel)}
}

func (m *memory) Subscribe(ctx context.Context, spec Spec, handler Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	ch := &memoryChannel{
		id:      m.nextID,
		spec:    spec,
		handler: handler,
		queue:   make(chan Change, memoryQueueSize),
		done:    make(chan struct{}),
		broker:  m,
	}
	m.subs[ch.id] = ch
	go ch.run()
	return ch, nil
}

func (m *memory) Publish(ctx context.Context, change Change) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	for _, ch := range m.subs {
		if !ch.spec.Matches(change) {
			continue
		}
		select {
		case ch.queue <- change:
		default:
			// Slow consumer; the session's polling refresh picks the row up later.
			slog.Warn("feed subscriber queue full, dropping change", "channel", ch.spec.Name, "change_id", change.ID)
		}
	}
	return nil
}

// Close closes every open channel.
func (m *memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]*memoryChannel)
	m.closed = true
	m.mu.Unlock()

	for _, ch := range subs {
		ch.once.Do(func() { close(ch.done) })
	}
	return nil
}

func (c *memoryChannel) Name() string { return c.spec.Name }

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		c.broker.mu.Lock()
		delete(c.broker.subs, c.id)
		c.broker.mu.Unlock()
		close(c.done)
	})
	return nil
}

// run delivers queued changes in order until the channel closes.
func (c *memoryChannel) run() {
	for {
		select {
		case <-c.done:
			return
		case change := <-c.queue:
			select {
			case <-c.done:
				return
			default:
			}
			c.handler(change)
		}
	}
}
