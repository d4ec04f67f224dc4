// ABOUTME: Thread-safe TTL and size bounded set of recently seen keys
// ABOUTME: Used by delegation to forward each sub-agent event to the parent once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cleanupInterval is how often expired keys are swept.
const cleanupInterval = time.Minute

type entry struct {
	key    string
	marked time.Time
}

// Cache records keys in mark order (oldest at front), so both eviction and
// expiry only ever look at the front of the list.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache that forgets keys after ttl and holds at most maxSize
// keys. A background goroutine sweeps expired keys until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.live(el)
}

// CheckAndMark reports whether key was already seen; if not, it marks it.
// The check and mark happen atomically.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		if c.live(el) {
			return true
		}
		c.order.Remove(el)
		delete(c.index, key)
	}

	for c.order.Len() >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, marked: c.now()})
	return false
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) live(el *list.Element) bool {
	return c.now().Sub(el.Value.(*entry).marked) < c.ttl
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

// sweep drops expired keys from the front of the list.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil && !c.live(front); front = c.order.Front() {
		c.removeFront()
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
