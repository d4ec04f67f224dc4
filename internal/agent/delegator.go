// ABOUTME: Delegator agent that fans a task out to sub-agents and summarizes their reports
// ABOUTME: Drives the delegation manager's spawn and idle-trigger paths without a model

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/2389/coven-harness/internal/delegation"
	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/state"
)

// ToolDelegate is the tool name used by Delegator actions.
const ToolDelegate = "delegate"

// reportPrefix starts every message the delegation manager relays from a
// sub-agent.
const reportPrefix = "[Sub-agent "

// ErrNoManager is returned when a Delegator steps before Attach.
var ErrNoManager = errors.New("delegator has no delegation manager")

type delegateArgs struct {
	Task  string `json:"task"`
	Count int    `json:"count"`
}

// Delegator splits each task into parts handled by sub-agents.
type Delegator struct {
	count int

	mu      sync.Mutex
	manager *delegation.Manager
}

// NewDelegator returns a Delegator that spawns count sub-agents per task.
func NewDelegator(count int) *Delegator {
	if count < 1 {
		count = 1
	}
	return &Delegator{count: count}
}

// Attach sets the manager used to spawn sub-agents. The manager needs the
// parent conversation, so it is attached after construction.
func (d *Delegator) Attach(m *delegation.Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manager = m
}

func (d *Delegator) managerOrNil() *delegation.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager
}

// InitState has nothing to set up.
func (d *Delegator) InitState(*state.ConversationState, event.Callback) error {
	return nil
}

// Step delegates a new task, or summarizes once every sub-agent reported.
func (d *Delegator) Step(ctx context.Context, st *state.ConversationState, emit event.Callback) error {
	events := st.Events()
	user, _, ok := latestUserMessage(events)
	if !ok {
		st.SetStatus(state.StatusFinished)
		return nil
	}

	if strings.HasPrefix(user.Text, reportPrefix) {
		d.summarize(st, events, emit)
		return nil
	}
	return d.delegate(ctx, st, user.Text, emit)
}

func (d *Delegator) delegate(ctx context.Context, st *state.ConversationState, task string, emit event.Callback) error {
	m := d.managerOrNil()
	if m == nil {
		return ErrNoManager
	}

	args, err := json.Marshal(delegateArgs{Task: task, Count: d.count})
	if err != nil {
		return fmt.Errorf("encoding delegate arguments: %w", err)
	}
	action := event.NewAction(ToolDelegate, args, event.RiskLow)
	emit(action)

	ids := make([]string, 0, d.count)
	for i := 1; i <= d.count; i++ {
		id, err := m.Spawn(ctx, fmt.Sprintf("%s (part %d of %d)", task, i, d.count))
		if err != nil {
			for _, spawned := range ids {
				_ = m.Close(spawned)
			}
			emit(event.NewToolError(action, err.Error()))
			return fmt.Errorf("spawning sub-agent %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	emit(event.NewObservation(action, "spawned "+strings.Join(ids, ", ")))
	emit(event.NewAgentMessage(fmt.Sprintf("Delegated %q to %d sub-agents", task, d.count)))
	st.SetStatus(state.StatusFinished)
	return nil
}

// summarize replies once reports from as many distinct sub-agents as the
// last delegation spawned have arrived. Until then it finishes quietly.
func (d *Delegator) summarize(st *state.ConversationState, events []event.Event, emit event.Callback) {
	defer st.SetStatus(state.StatusFinished)

	expected, start := lastDelegation(events)
	if expected == 0 {
		return
	}

	var reports []string
	reporters := make(map[string]bool)
	for _, e := range events[start:] {
		m, ok := e.(event.Message)
		if !ok {
			continue
		}
		if m.Source == event.SourceAgent && strings.HasPrefix(m.Text, "All ") {
			// Already summarized this delegation.
			return
		}
		if m.Source != event.SourceUser {
			continue
		}
		if id, ok := reporter(m.Text); ok {
			reporters[id] = true
			reports = append(reports, m.Text)
		}
	}

	if len(reporters) < expected {
		return
	}
	emit(event.NewAgentMessage(fmt.Sprintf("All %d sub-agents reported:\n%s", expected, strings.Join(reports, "\n"))))
}

// lastDelegation finds the most recent successful delegate call and returns
// how many sub-agents it spawned and the index just past its observation.
func lastDelegation(events []event.Event) (int, int) {
	for i := len(events) - 1; i >= 0; i-- {
		obs, ok := events[i].(event.Observation)
		if !ok || obs.ToolName != ToolDelegate {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			a, ok := events[j].(event.Action)
			if !ok || a.ID != obs.ActionID {
				continue
			}
			var args delegateArgs
			if err := json.Unmarshal(a.Arguments, &args); err != nil {
				return 0, 0
			}
			return args.Count, i + 1
		}
	}
	return 0, 0
}

// reporter extracts the short sub-agent id from a relayed message.
func reporter(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, reportPrefix)
	if !ok {
		return "", false
	}
	end := strings.IndexAny(rest, " ]")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
