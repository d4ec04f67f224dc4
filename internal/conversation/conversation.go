// ABOUTME: Conversation couples an Agent with its state and drives the run loop
// ABOUTME: Handles messages, pause, confirmation, rejection, subscriptions and close

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/pubsub"
	"github.com/2389/coven-harness/internal/secrets"
	"github.com/2389/coven-harness/internal/state"
)

// DefaultRejectReason is used by RejectPendingActions when no reason is given.
const DefaultRejectReason = "User rejected the action"

var (
	// ErrClosed is returned by operations on a closed conversation.
	ErrClosed = errors.New("conversation closed")
	// ErrAgentStep wraps a failure inside Agent.Step.
	ErrAgentStep = errors.New("agent step failed")
)

// Agent produces events for a conversation.
type Agent interface {
	// InitState runs once when the conversation is constructed, with the
	// state lock held.
	InitState(st *state.ConversationState, emit event.Callback) error
	// Step performs one unit of work with the state lock held. It reports
	// progress only through emit and state setters.
	Step(ctx context.Context, st *state.ConversationState, emit event.Callback) error
}

// Conversation is the runtime for one conversation.
type Conversation struct {
	agent   Agent
	state   *state.ConversationState
	emit    event.Callback
	events  *pubsub.PubSub[event.Event]
	stuck   StuckDetector
	unwatch func()
	closed  atomic.Bool
	logger  *slog.Logger
}

// New opens or creates the conversation described by opts and initializes
// the agent.
func New(ctx context.Context, agent Agent, opts ...Option) (*Conversation, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	st, err := state.Create(ctx, state.Options{
		ID:                    o.id,
		Store:                 o.store,
		MaxIterations:         o.maxIterations,
		DisableStuckDetection: o.disableStuck,
		ConfirmationPolicy:    o.policy,
		WorkingDir:            o.workingDir,
		PersistenceDir:        o.persistenceDir,
		ShardSize:             o.shardSize,
		Logger:                o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation state: %w", err)
	}

	c := &Conversation{
		agent:  agent,
		state:  st,
		stuck:  o.stuck,
		logger: o.logger.With("component", "conversation", "conversation_id", st.ID()),
	}
	if c.stuck == nil {
		c.stuck = NewPatternDetector(o.logger)
	}

	c.events = pubsub.New[event.Event](o.logger, c.snapshot)

	callbacks := append([]event.Callback{st.AppendEvent}, o.callbacks...)
	callbacks = append(callbacks, c.events.Publish)
	c.emit = event.Compose(callbacks...)

	c.unwatch = st.OnChange(func(field string, _, newValue any) {
		c.events.Publish(event.NewStateSnapshot(field, newValue))
	})

	if len(o.secrets) > 0 {
		st.Secrets().Update(o.secrets)
	}

	st.Lock()
	err = agent.InitState(st, c.emit)
	st.Unlock()
	if err != nil {
		c.unwatch()
		c.events.Close()
		return nil, fmt.Errorf("initializing agent: %w", err)
	}

	return c, nil
}

func (c *Conversation) snapshot() (event.Event, bool) {
	return event.NewStateSnapshot(event.FullState, json.RawMessage(c.state.Snapshot())), true
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.state.ID() }

// State returns the conversation state.
func (c *Conversation) State() *state.ConversationState { return c.state }

// SendMessage appends a user message. A conversation that had halted
// (finished, stuck or errored) returns to IDLE so the next Run resumes it.
func (c *Conversation) SendMessage(ctx context.Context, text string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.state.Lock()
	defer c.state.Unlock()

	switch c.state.Status() {
	case state.StatusFinished, state.StatusStuck, state.StatusError:
		c.state.SetStatus(state.StatusIdle)
	}
	c.emit(event.NewUserMessage(text))
	return nil
}

// Run steps the agent until it finishes, pauses, gets stuck, waits for
// confirmation or reaches the iteration limit. Cancelling ctx stops the loop
// between steps. A failing step is recorded as an AgentError event and
// returned wrapped in ErrAgentStep.
func (c *Conversation) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.state.Lock()
	switch c.state.Status() {
	case state.StatusIdle, state.StatusPaused:
		c.state.SetStatus(state.StatusRunning)
	}
	c.state.Unlock()

	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := c.step(ctx, &iterations)
		if err != nil || done {
			return err
		}
	}
}

// step runs one loop iteration with the state lock held.
func (c *Conversation) step(ctx context.Context, iterations *int) (done bool, err error) {
	c.state.Lock()
	defer c.state.Unlock()

	status := c.state.Status()
	if status.Halted() {
		return true, nil
	}

	if c.state.StuckDetection() && c.stuck.IsStuck(c.state.Events()) {
		c.logger.Warn("agent is stuck")
		c.state.SetStatus(state.StatusStuck)
		return true, nil
	}

	if status == state.StatusWaitingForConfirmation {
		// Running again confirms the pending actions.
		c.state.SetStatus(state.StatusRunning)
	}

	var emitted []event.Action
	emit := func(e event.Event) {
		if a, ok := e.(event.Action); ok {
			emitted = append(emitted, a)
		}
		c.emit(e)
	}

	err = c.callStep(ctx, emit)
	*iterations++
	if err != nil {
		c.logger.Error("agent step failed", "error", err)
		c.emit(event.NewAgentError(err.Error()))
		c.state.SetStatus(state.StatusError)
		return true, fmt.Errorf("%w: %w", ErrAgentStep, err)
	}

	c.holdForConfirmation(emitted)

	switch c.state.Status() {
	case state.StatusFinished, state.StatusWaitingForConfirmation:
		return true, nil
	}
	if *iterations >= c.state.MaxIterations() {
		c.logger.Info("iteration limit reached", "iterations", *iterations)
		return true, nil
	}
	return false, nil
}

func (c *Conversation) callStep(ctx context.Context, emit event.Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.agent.Step(ctx, c.state, emit)
}

// holdForConfirmation moves a still-running conversation to
// WAITING_FOR_CONFIRMATION when an action emitted this step is unanswered
// and the policy wants it confirmed.
func (c *Conversation) holdForConfirmation(emitted []event.Action) {
	if len(emitted) == 0 || c.state.Status() != state.StatusRunning {
		return
	}
	policy := c.state.ConfirmationPolicy()
	pending := make(map[string]bool)
	for _, a := range c.state.UnmatchedActions() {
		pending[a.ID] = true
	}
	for _, a := range emitted {
		if pending[a.ID] && policy.ShouldConfirm(a.Risk) {
			c.logger.Info("action requires confirmation", "action_id", a.ID, "tool", a.ToolName, "risk", a.Risk)
			c.state.SetStatus(state.StatusWaitingForConfirmation)
			return
		}
	}
}

// Pause stops the run loop before its next step. It only applies to idle or
// running conversations.
func (c *Conversation) Pause() {
	c.state.Lock()
	defer c.state.Unlock()

	switch c.state.Status() {
	case state.StatusIdle, state.StatusRunning:
		c.state.SetStatus(state.StatusPaused)
		c.emit(event.NewPause())
		c.logger.Info("conversation paused")
	default:
		c.logger.Info("pause ignored", "status", c.state.Status())
	}
}

// RejectPendingActions emits a UserReject for every unanswered action. A
// conversation waiting for confirmation returns to IDLE.
func (c *Conversation) RejectPendingActions(reason string) {
	if reason == "" {
		reason = DefaultRejectReason
	}

	c.state.Lock()
	defer c.state.Unlock()

	if c.state.Status() == state.StatusWaitingForConfirmation {
		c.state.SetStatus(state.StatusIdle)
	}

	pending := c.state.UnmatchedActions()
	if len(pending) == 0 {
		c.logger.Warn("no pending actions to reject")
		return
	}
	for _, a := range pending {
		c.emit(event.NewUserReject(a, reason))
	}
	c.logger.Info("rejected pending actions", "count", len(pending))
}

// SetConfirmationPolicy replaces the confirmation policy.
func (c *Conversation) SetConfirmationPolicy(p state.ConfirmationPolicy) {
	c.state.Lock()
	defer c.state.Unlock()
	c.state.SetConfirmationPolicy(p)
}

// UpdateSecrets adds or replaces secrets available to the agent.
func (c *Conversation) UpdateSecrets(values map[string]secrets.Value) {
	c.state.Secrets().Update(values)
}

// Subscribe registers sub for every subsequent event. sub first receives a
// full-state snapshot.
func (c *Conversation) Subscribe(sub pubsub.Subscriber[event.Event]) string {
	// Every publish happens under the state lock, so holding it here keeps
	// the snapshot and registration atomic with respect to state changes.
	c.state.Lock()
	defer c.state.Unlock()
	return c.events.Subscribe(sub)
}

// Unsubscribe removes a subscriber. It returns false for unknown ids.
func (c *Conversation) Unsubscribe(id string) bool {
	return c.events.Unsubscribe(id)
}

// Close persists the state and closes all subscribers. Further calls are
// no-ops.
func (c *Conversation) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.unwatch()
	c.events.Close()
	if err := c.state.Save(ctx); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	c.logger.Debug("conversation closed")
	return nil
}
