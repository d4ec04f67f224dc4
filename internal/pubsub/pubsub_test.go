// ABOUTME: Tests for PubSub fan-out, snapshots, failure isolation and close semantics
// ABOUTME: Also covers the buffered channel subscriber and concurrent publishing

package pubsub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	got    []string
	closed int
	err    error
}

func (r *recorder) OnEvent(v string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
	return r.err
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPubSub_PublishReachesAllSubscribers(t *testing.T) {
	ps := New[string](nil, nil)
	defer ps.Close()

	r1, r2 := &recorder{}, &recorder{}
	id1 := ps.Subscribe(r1)
	id2 := ps.Subscribe(r2)
	assert.NotEqual(t, id1, id2)

	ps.Publish("a")
	ps.Publish("b")

	assert.Equal(t, []string{"a", "b"}, r1.values())
	assert.Equal(t, []string{"a", "b"}, r2.values())
}

func TestPubSub_SnapshotDeliveredFirst(t *testing.T) {
	ps := New[string](nil, func() (string, bool) { return "snapshot", true })
	defer ps.Close()

	r := &recorder{}
	ps.Subscribe(r)
	ps.Publish("live")

	assert.Equal(t, []string{"snapshot", "live"}, r.values())
}

func TestPubSub_SnapshotSkippedWhenUnavailable(t *testing.T) {
	ps := New[string](nil, func() (string, bool) { return "", false })
	defer ps.Close()

	r := &recorder{}
	ps.Subscribe(r)
	ps.Publish("live")

	assert.Equal(t, []string{"live"}, r.values())
}

func TestPubSub_FailingSubscriberIsIsolated(t *testing.T) {
	ps := New[string](nil, nil)
	defer ps.Close()

	failing := &recorder{err: errors.New("boom")}
	healthy := &recorder{}
	ps.Subscribe(failing)
	ps.Subscribe(Func[string](func(string) error { panic("kaboom") }))
	ps.Subscribe(healthy)

	ps.Publish("x")

	assert.Equal(t, []string{"x"}, failing.values())
	assert.Equal(t, []string{"x"}, healthy.values())
}

func TestPubSub_Unsubscribe(t *testing.T) {
	ps := New[string](nil, nil)
	defer ps.Close()

	r := &recorder{}
	id := ps.Subscribe(r)

	assert.True(t, ps.Unsubscribe(id))
	assert.False(t, ps.Unsubscribe(id))
	assert.False(t, ps.Unsubscribe("never-registered"))
	assert.Equal(t, 1, r.closed)

	ps.Publish("ignored")
	assert.Empty(t, r.values())
}

func TestPubSub_CloseIsIdempotent(t *testing.T) {
	ps := New[string](nil, nil)

	r1, r2 := &recorder{}, &recorder{}
	ps.Subscribe(r1)
	ps.Subscribe(r2)

	ps.Close()
	ps.Close()

	assert.Equal(t, 1, r1.closed)
	assert.Equal(t, 1, r2.closed)
	assert.Equal(t, 0, ps.Len())

	ps.Publish("after close")
	assert.Empty(t, r1.values())
	assert.Empty(t, ps.Subscribe(&recorder{}))
}

func TestPubSub_ConcurrentPublish(t *testing.T) {
	ps := New[string](nil, nil)
	defer ps.Close()

	r := &recorder{}
	ps.Subscribe(r)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ps.Publish("v")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, r.values(), 500)
}

func TestChannel_ReceivesAndDrops(t *testing.T) {
	ps := New[string](nil, nil)

	ch := NewChannel[string](1)
	ps.Subscribe(ch)

	ps.Publish("first")
	ps.Publish("dropped")

	select {
	case v := <-ch.C():
		assert.Equal(t, "first", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}

	ps.Close()
	_, ok := <-ch.C()
	require.False(t, ok, "channel should be closed")

	assert.NoError(t, ch.OnEvent("after close"))
	assert.NoError(t, ch.Close())
}
