// ABOUTME: Tests for the conversation run loop and its state transitions
// ABOUTME: Covers finish, limits, confirmation, rejection, pause, stuck, errors, persistence

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/pubsub"
	"github.com/2389/coven-harness/internal/secrets"
	"github.com/2389/coven-harness/internal/state"
	"github.com/2389/coven-harness/internal/store"
)

func newConversation(t *testing.T, agent Agent, opts ...Option) *Conversation {
	t.Helper()
	c, err := New(t.Context(), agent, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestRun_FinishesAfterReply(t *testing.T) {
	ctx := t.Context()
	agent := newScriptedAgent(reply("hello back"))
	c := newConversation(t, agent)

	require.NoError(t, c.SendMessage(ctx, "hello"))
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, state.StatusFinished, c.State().Status())
	assert.Equal(t, []event.Kind{event.KindMessage, event.KindMessage}, kinds(c.State().Events()))
	assert.Equal(t, 1, agent.inited)
	assert.Equal(t, 1, agent.stepCount())
}

func TestSendMessage_FinishedReturnsToIdle(t *testing.T) {
	ctx := t.Context()
	c := newConversation(t, newScriptedAgent(reply("done")))

	require.NoError(t, c.SendMessage(ctx, "one"))
	require.NoError(t, c.Run(ctx))
	require.Equal(t, state.StatusFinished, c.State().Status())

	require.NoError(t, c.SendMessage(ctx, "two"))
	assert.Equal(t, state.StatusIdle, c.State().Status())
}

func TestRun_RespectsIterationLimit(t *testing.T) {
	ctx := t.Context()
	agent := newScriptedAgent(func(context.Context, *state.ConversationState, event.Callback) error {
		return nil
	})
	c := newConversation(t, agent, WithMaxIterations(3), WithoutStuckDetection())

	require.NoError(t, c.SendMessage(ctx, "spin"))
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 3, agent.stepCount())
	assert.Equal(t, state.StatusRunning, c.State().Status())
}

func TestRun_WaitsForConfirmationThenRunsAgain(t *testing.T) {
	ctx := t.Context()
	agent := newScriptedAgent(act("rm", event.RiskHigh, false), executePending())
	c := newConversation(t, agent, WithConfirmationPolicy(state.AlwaysConfirm{}))

	require.NoError(t, c.SendMessage(ctx, "clean up"))
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, state.StatusWaitingForConfirmation, c.State().Status())
	require.Len(t, c.State().UnmatchedActions(), 1)

	// Running again is an implicit confirmation.
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, state.StatusFinished, c.State().Status())
	assert.Empty(t, c.State().UnmatchedActions())
}

func TestRun_RiskyPolicyOnlyHoldsRiskyActions(t *testing.T) {
	ctx := t.Context()
	agent := newScriptedAgent(act("ls", event.RiskLow, false), executePending())
	c := newConversation(t, agent, WithConfirmationPolicy(state.ConfirmRisky{Threshold: event.RiskHigh}))

	require.NoError(t, c.SendMessage(ctx, "list"))
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, state.StatusFinished, c.State().Status())
	assert.Equal(t, 2, agent.stepCount())
}

func TestRejectPendingActions(t *testing.T) {
	ctx := t.Context()
	c := newConversation(t, newScriptedAgent(act("rm", event.RiskHigh, false)),
		WithConfirmationPolicy(state.AlwaysConfirm{}))

	require.NoError(t, c.SendMessage(ctx, "clean up"))
	require.NoError(t, c.Run(ctx))
	require.Equal(t, state.StatusWaitingForConfirmation, c.State().Status())

	c.RejectPendingActions("")

	assert.Equal(t, state.StatusIdle, c.State().Status())
	assert.Empty(t, c.State().UnmatchedActions())
	events := c.State().Events()
	reject, ok := events[len(events)-1].(event.UserReject)
	require.True(t, ok)
	assert.Equal(t, DefaultRejectReason, reject.Reason)
}

func TestRejectPendingActions_NothingPending(t *testing.T) {
	c := newConversation(t, newScriptedAgent(reply("x")))
	c.RejectPendingActions("nope")
	assert.Equal(t, 0, c.State().EventCount())
}

func TestPause_FromAnotherGoroutineStopsLoop(t *testing.T) {
	ctx := t.Context()
	inStep := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	agent := newScriptedAgent(func(context.Context, *state.ConversationState, event.Callback) error {
		once.Do(func() { close(inStep) })
		<-release
		return nil
	})
	c := newConversation(t, agent, WithoutStuckDetection())
	require.NoError(t, c.SendMessage(ctx, "work"))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-inStep
	paused := make(chan struct{})
	go func() {
		c.Pause()
		close(paused)
	}()

	// Pause blocks on the lock until the step completes.
	select {
	case <-paused:
		t.Fatal("pause acquired the lock during a step")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after pause")
	}
	<-paused

	assert.Equal(t, state.StatusPaused, c.State().Status())
	assert.Equal(t, 1, agent.stepCount())
	events := c.State().Events()
	assert.Equal(t, event.KindPause, events[len(events)-1].Kind())
}

func TestPause_OnlyFromIdleOrRunning(t *testing.T) {
	ctx := t.Context()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c := newConversation(t, newScriptedAgent(reply("done")), WithLogger(logger))
	require.NoError(t, c.SendMessage(ctx, "hi"))
	require.NoError(t, c.Run(ctx))

	c.Pause()
	assert.Equal(t, state.StatusFinished, c.State().Status())
	assert.Contains(t, logs.String(), "pause ignored")
	assert.Contains(t, logs.String(), "status=finished")
}

func TestRun_ResumesFromPaused(t *testing.T) {
	ctx := t.Context()
	c := newConversation(t, newScriptedAgent(reply("resumed")))
	c.Pause()
	require.Equal(t, state.StatusPaused, c.State().Status())

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, state.StatusFinished, c.State().Status())
}

func TestRun_DetectsStuckAgent(t *testing.T) {
	ctx := t.Context()
	agent := newScriptedAgent(act("ls", event.RiskLow, true))
	c := newConversation(t, agent)

	require.NoError(t, c.SendMessage(ctx, "loop forever"))
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, state.StatusStuck, c.State().Status())
	assert.Equal(t, 4, agent.stepCount())

	// A new message clears the stuck status.
	require.NoError(t, c.SendMessage(ctx, "try something else"))
	assert.Equal(t, state.StatusIdle, c.State().Status())
}

func TestRun_StepErrorIsRecorded(t *testing.T) {
	ctx := t.Context()
	boom := errors.New("model unavailable")
	c := newConversation(t, newScriptedAgent(func(context.Context, *state.ConversationState, event.Callback) error {
		return boom
	}))

	require.NoError(t, c.SendMessage(ctx, "hi"))
	err := c.Run(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentStep))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, state.StatusError, c.State().Status())

	events := c.State().Events()
	agentErr, ok := events[len(events)-1].(event.AgentError)
	require.True(t, ok)
	assert.Equal(t, "model unavailable", agentErr.Error)
}

func TestRun_StepPanicIsRecorded(t *testing.T) {
	ctx := t.Context()
	c := newConversation(t, newScriptedAgent(func(context.Context, *state.ConversationState, event.Callback) error {
		panic("nil tool")
	}))

	require.NoError(t, c.SendMessage(ctx, "hi"))
	err := c.Run(ctx)
	assert.True(t, errors.Is(err, ErrAgentStep))
	assert.Equal(t, state.StatusError, c.State().Status())
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	agent := newScriptedAgent(func(context.Context, *state.ConversationState, event.Callback) error {
		cancel()
		return nil
	})
	c := newConversation(t, agent, WithoutStuckDetection())

	require.NoError(t, c.SendMessage(ctx, "hi"))
	err := c.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, agent.stepCount())
}

func TestCallbacks_ReceiveEventsInOrderAfterAppend(t *testing.T) {
	ctx := t.Context()
	var c *Conversation
	var seen []string
	cb := func(e event.Event) {
		// The event is already part of the state when callbacks run.
		events := c.State().Events()
		assert.Equal(t, e.Meta().ID, events[len(events)-1].Meta().ID)
		seen = append(seen, string(e.Kind()))
	}
	c = newConversation(t, newScriptedAgent(reply("done")), WithCallbacks(cb))

	require.NoError(t, c.SendMessage(ctx, "hi"))
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []string{"message", "message"}, seen)
}

func TestSubscribe_SnapshotThenLiveEvents(t *testing.T) {
	ctx := t.Context()
	c := newConversation(t, newScriptedAgent(reply("done")))

	ch := pubsub.NewChannel[event.Event](32)
	id := c.Subscribe(ch)
	require.NotEmpty(t, id)

	require.NoError(t, c.SendMessage(ctx, "hi"))
	require.NoError(t, c.Run(ctx))
	require.True(t, c.Unsubscribe(id))

	var got []event.Event
	for e := range ch.C() {
		got = append(got, e)
	}
	require.NotEmpty(t, got)

	first, ok := got[0].(event.StateSnapshot)
	require.True(t, ok)
	assert.Equal(t, event.FullState, first.Key)
	assert.Contains(t, string(first.Value), c.ID())

	var statusChanges []string
	for _, e := range got[1:] {
		if s, ok := e.(event.StateSnapshot); ok && s.Key == state.FieldAgentStatus {
			statusChanges = append(statusChanges, string(s.Value))
		}
	}
	assert.Equal(t, []string{`"running"`, `"finished"`}, statusChanges)
}

// lastStatus returns the agent status last reported by a snapshot event.
func lastStatus(t *testing.T, events []event.Event) string {
	t.Helper()
	status := ""
	for _, e := range events {
		s, ok := e.(event.StateSnapshot)
		if !ok {
			continue
		}
		switch s.Key {
		case event.FullState:
			var full struct {
				AgentStatus string `json:"agent_status"`
			}
			require.NoError(t, json.Unmarshal(s.Value, &full))
			status = full.AgentStatus
		case state.FieldAgentStatus:
			require.NoError(t, json.Unmarshal(s.Value, &status))
		}
	}
	return status
}

func TestSubscribe_ConcurrentWithStatusChanges(t *testing.T) {
	c := newConversation(t, newScriptedAgent(reply("done")))
	st := c.State()

	const toggles = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < toggles; i++ {
			next := state.StatusRunning
			if i%2 == 1 {
				next = state.StatusIdle
			}
			st.Lock()
			st.SetStatus(next)
			st.Unlock()
		}
	}()

	var subs []*pubsub.Channel[event.Event]
	var ids []string
	for i := 0; i < 20; i++ {
		ch := pubsub.NewChannel[event.Event](toggles + 16)
		subs = append(subs, ch)
		ids = append(ids, c.Subscribe(ch))
	}
	wg.Wait()

	final := string(st.Status())
	for i, ch := range subs {
		require.True(t, c.Unsubscribe(ids[i]))
		var got []event.Event
		for e := range ch.C() {
			got = append(got, e)
		}
		assert.Equal(t, final, lastStatus(t, got), "subscriber %d missed a status change", i)
	}
}

func TestPersistence_ResumeAfterClose(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemoryStore()

	c, err := New(ctx, newScriptedAgent(reply("first")), WithStore(st))
	require.NoError(t, err)
	id := c.ID()
	require.NoError(t, c.SendMessage(ctx, "hello"))
	require.NoError(t, c.Run(ctx))
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	resumed, err := New(ctx, newScriptedAgent(reply("second")), WithStore(st), WithID(id))
	require.NoError(t, err)
	defer resumed.Close(ctx)

	assert.Equal(t, state.StatusFinished, resumed.State().Status())
	assert.Equal(t, 2, resumed.State().EventCount())

	require.NoError(t, resumed.SendMessage(ctx, "again"))
	require.NoError(t, resumed.Run(ctx))
	assert.Equal(t, 4, resumed.State().EventCount())
}

func TestClosed_RejectsOperations(t *testing.T) {
	ctx := t.Context()
	c, err := New(ctx, newScriptedAgent(reply("x")))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	assert.ErrorIs(t, c.SendMessage(ctx, "hi"), ErrClosed)
	assert.ErrorIs(t, c.Run(ctx), ErrClosed)
}

func TestUpdateSecrets_ReachesState(t *testing.T) {
	c := newConversation(t, newScriptedAgent(reply("x")),
		WithSecrets(map[string]secrets.Value{"API_KEY": secrets.Static("sk-1")}))
	c.UpdateSecrets(map[string]secrets.Value{"TOKEN": secrets.Static("t-1")})

	assert.Equal(t, []string{"API_KEY", "TOKEN"}, c.State().Secrets().Names())
	assert.Equal(t, "export API_KEY='sk-1' && echo $API_KEY",
		c.State().Secrets().InjectIntoBashCommand("echo $API_KEY"))
}

func TestSetConfirmationPolicy(t *testing.T) {
	c := newConversation(t, newScriptedAgent(reply("x")))
	c.SetConfirmationPolicy(state.AlwaysConfirm{})
	assert.Equal(t, "always", c.State().ConfirmationPolicy().Name())
}
