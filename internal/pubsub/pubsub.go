// ABOUTME: Generic in-memory pub/sub with initial snapshot delivery and failure isolation
// ABOUTME: Subscribers are keyed by uuid; Close is idempotent and closes every subscriber

package pubsub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Subscriber receives published values.
type Subscriber[T any] interface {
	OnEvent(T) error
	Close() error
}

// Func adapts a function to a Subscriber with a no-op Close.
type Func[T any] func(T) error

func (f Func[T]) OnEvent(v T) error { return f(v) }
func (f Func[T]) Close() error      { return nil }

// PubSub fans values out to registered subscribers.
type PubSub[T any] struct {
	// deliverMu serializes deliveries so a new subscriber's snapshot is
	// never overtaken by a live event.
	deliverMu   sync.Mutex
	mu          sync.RWMutex
	subscribers map[string]Subscriber[T]
	order       []string
	snapshot    func() (T, bool)
	closed      bool
	logger      *slog.Logger
}

// New creates a PubSub. snapshot may be nil; when it returns false no
// snapshot is delivered. Pass nil logger for default.
func New[T any](logger *slog.Logger, snapshot func() (T, bool)) *PubSub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSub[T]{
		subscribers: make(map[string]Subscriber[T]),
		snapshot:    snapshot,
		logger:      logger.With("component", "pubsub"),
	}
}

// Subscribe registers sub and returns its id. If a snapshot function is set,
// sub receives the snapshot before any subsequently published value.
// Subscribing to a closed PubSub returns an empty id. The snapshot is taken
// before registration, so callers that publish under their own lock must
// hold that lock across Subscribe.
func (p *PubSub[T]) Subscribe(sub Subscriber[T]) string {
	var (
		snap T
		ok   bool
	)
	if p.snapshot != nil {
		snap, ok = p.snapshot()
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	id := uuid.New().String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ""
	}
	p.subscribers[id] = sub
	p.order = append(p.order, id)
	p.mu.Unlock()

	p.logger.Debug("subscriber added", "sub_id", id)

	if ok {
		p.deliver(id, sub, snap)
	}
	return id
}

// Unsubscribe removes and closes the subscriber. It returns false if id is
// not registered.
func (p *PubSub[T]) Unsubscribe(id string) bool {
	p.mu.Lock()
	sub, ok := p.subscribers[id]
	if ok {
		delete(p.subscribers, id)
		p.order = removeID(p.order, id)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("unsubscribe of unknown subscriber", "sub_id", id)
		return false
	}

	p.closeSubscriber(id, sub)
	p.logger.Debug("subscriber removed", "sub_id", id)
	return true
}

// Publish delivers v to every subscriber in subscription order.
func (p *PubSub[T]) Publish(v T) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.RLock()
	if p.closed || len(p.order) == 0 {
		p.mu.RUnlock()
		return
	}
	ids := make([]string, len(p.order))
	copy(ids, p.order)
	targets := make([]Subscriber[T], len(ids))
	for i, id := range ids {
		targets[i] = p.subscribers[id]
	}
	p.mu.RUnlock()

	for i, sub := range targets {
		p.deliver(ids[i], sub, v)
	}
}

// Len returns the number of active subscribers.
func (p *PubSub[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// Close closes every subscriber concurrently and drops them. Calling Close
// more than once is a no-op.
func (p *PubSub[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subscribers
	p.subscribers = make(map[string]Subscriber[T])
	p.order = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeSubscriber(id, sub)
		}()
	}
	wg.Wait()

	p.logger.Debug("pubsub closed", "subscribers", len(subs))
}

func (p *PubSub[T]) deliver(id string, sub Subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscriber panicked", "sub_id", id, "panic", fmt.Sprint(r))
		}
	}()
	if err := sub.OnEvent(v); err != nil {
		p.logger.Error("subscriber failed", "sub_id", id, "error", err)
	}
}

func (p *PubSub[T]) closeSubscriber(id string, sub Subscriber[T]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscriber close panicked", "sub_id", id, "panic", fmt.Sprint(r))
		}
	}()
	if err := sub.Close(); err != nil {
		p.logger.Warn("closing subscriber", "sub_id", id, "error", err)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
