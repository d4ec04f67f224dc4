// ABOUTME: Test agents for driving the run loop deterministically
// ABOUTME: scriptedAgent runs one function per step; repeats the last one when exhausted

package conversation

import (
	"context"
	"sync"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/state"
)

type stepFunc func(ctx context.Context, st *state.ConversationState, emit event.Callback) error

type scriptedAgent struct {
	mu     sync.Mutex
	steps  []stepFunc
	calls  int
	inited int
}

func newScriptedAgent(steps ...stepFunc) *scriptedAgent {
	return &scriptedAgent{steps: steps}
}

func (a *scriptedAgent) InitState(*state.ConversationState, event.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inited++
	return nil
}

func (a *scriptedAgent) Step(ctx context.Context, st *state.ConversationState, emit event.Callback) error {
	a.mu.Lock()
	i := a.calls
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	a.calls++
	fn := a.steps[i]
	a.mu.Unlock()
	return fn(ctx, st, emit)
}

func (a *scriptedAgent) stepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// reply emits an agent message and finishes.
func reply(text string) stepFunc {
	return func(_ context.Context, st *state.ConversationState, emit event.Callback) error {
		emit(event.NewAgentMessage(text))
		st.SetStatus(state.StatusFinished)
		return nil
	}
}

// act emits an action and, when execute is set, its observation.
func act(tool string, risk event.Risk, execute bool) stepFunc {
	return func(_ context.Context, _ *state.ConversationState, emit event.Callback) error {
		a := event.NewAction(tool, nil, risk)
		emit(a)
		if execute {
			emit(event.NewObservation(a, "ok"))
		}
		return nil
	}
}

// executePending answers every unmatched action and finishes.
func executePending() stepFunc {
	return func(_ context.Context, st *state.ConversationState, emit event.Callback) error {
		for _, a := range st.UnmatchedActions() {
			emit(event.NewObservation(a, "executed "+a.ToolName))
		}
		st.SetStatus(state.StatusFinished)
		return nil
	}
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}
