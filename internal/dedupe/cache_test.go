// ABOUTME: Tests for the dedupe cache of recently seen keys
// ABOUTME: Covers TTL expiry, size eviction order, sweeping, atomic marking and Close

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.mu.Lock()
	c.now = clock.now
	c.mu.Unlock()
	return c, clock
}

func TestCache_CheckAndMark_NewThenSeen(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Check("evt-1"))
	assert.False(t, c.CheckAndMark("evt-1"))
	assert.True(t, c.CheckAndMark("evt-1"))
	assert.True(t, c.Check("evt-1"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.CheckAndMark("evt-1")
	clock.advance(59 * time.Second)
	assert.True(t, c.Check("evt-1"))

	clock.advance(2 * time.Second)
	assert.False(t, c.Check("evt-1"))
	assert.False(t, c.CheckAndMark("evt-1"), "expired key is new again")
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.CheckAndMark(fmt.Sprintf("evt-%d", i))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check("evt-0"))
	assert.True(t, c.Check("evt-1"))
	assert.True(t, c.Check("evt-3"))
}

func TestCache_SweepRemovesOnlyExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.CheckAndMark("old-1")
	c.CheckAndMark("old-2")
	clock.advance(2 * time.Minute)
	c.CheckAndMark("fresh")

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("fresh"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("shared") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
	assert.False(t, c.CheckAndMark("still-usable"))
}
