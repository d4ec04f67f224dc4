// ABOUTME: Buffered-channel subscriber that drops values for slow consumers
// ABOUTME: Lets callers range over published values instead of supplying a callback

package pubsub

import (
	"errors"
	"sync"
)

// DefaultBufferSize is the channel buffer used by NewChannel when size <= 0.
const DefaultBufferSize = 64

// ErrDropped is returned by Channel.OnEvent when the buffer is full.
var ErrDropped = errors.New("subscriber buffer full, value dropped")

// Channel is a Subscriber backed by a buffered channel. Values published
// while the buffer is full are dropped.
type Channel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewChannel creates a channel subscriber with the given buffer size.
func NewChannel[T any](size int) *Channel[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel[T]{ch: make(chan T, size)}
}

// C returns the receive side. It is closed when the subscriber is closed.
func (c *Channel[T]) C() <-chan T { return c.ch }

func (c *Channel[T]) OnEvent(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	select {
	case c.ch <- v:
		return nil
	default:
		return ErrDropped
	}
}

func (c *Channel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
