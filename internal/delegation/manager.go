// ABOUTME: Delegation manager spawning sub-agent conversations on worker goroutines
// ABOUTME: Batches sub-agent output to the parent and runs the parent once it is idle

package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-harness/internal/conversation"
	"github.com/2389/coven-harness/internal/dedupe"
	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/state"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxChildren  = 10
	DefaultJoinTimeout  = 10 * time.Second
	DefaultMaxRuntime   = 5 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPendingLimit = 1000
)

var (
	// ErrSubAgentNotFound is returned for ids the manager does not know.
	ErrSubAgentNotFound = errors.New("sub-agent not found")
	// ErrSubAgentInactive is returned when messaging a sub-agent that has stopped.
	ErrSubAgentInactive = errors.New("sub-agent is not running")
	// ErrTooManySubAgents is returned when MaxChildren sub-agents are active.
	ErrTooManySubAgents = errors.New("too many active sub-agents")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("delegation manager shut down")
)

// SubAgentState is the lifecycle state of a sub-agent.
type SubAgentState string

const (
	SubAgentCreated   SubAgentState = "created"
	SubAgentRunning   SubAgentState = "running"
	SubAgentCompleted SubAgentState = "completed"
	SubAgentFailed    SubAgentState = "failed"
	SubAgentCancelled SubAgentState = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s SubAgentState) Terminal() bool {
	switch s {
	case SubAgentCompleted, SubAgentFailed, SubAgentCancelled:
		return true
	}
	return false
}

// SubAgentInfo describes a sub-agent.
type SubAgentInfo struct {
	ID          string
	Task        string
	State       SubAgentState
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// AgentFactory builds the agent for a new sub-agent.
type AgentFactory func(subID string) (conversation.Agent, error)

// Options configures a Manager.
type Options struct {
	NewAgent     AgentFactory
	MaxChildren  int
	JoinTimeout  time.Duration
	MaxRuntime   time.Duration
	PollInterval time.Duration
	PendingLimit int
	Logger       *slog.Logger
}

type subAgent struct {
	info   SubAgentInfo
	conv   *conversation.Conversation
	cancel context.CancelFunc
	done   chan struct{}
	gid    atomic.Int64
}

// Manager owns the sub-agents of one parent conversation.
type Manager struct {
	parent *conversation.Conversation
	opts   Options

	// ctx bounds every worker and triggered parent run; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subs          map[string]*subAgent
	pending       []string
	parentRunning bool
	closed        bool

	seen    *dedupe.Cache
	unwatch func()
	logger  *slog.Logger
}

// NewManager creates a Manager for parent.
func NewManager(parent *conversation.Conversation, opts Options) *Manager {
	if opts.MaxChildren <= 0 {
		opts.MaxChildren = DefaultMaxChildren
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = DefaultMaxRuntime
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		parent: parent,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subAgent),
		seen:   dedupe.New(time.Hour, 10000),
		logger: opts.Logger.With("component", "delegation", "parent_id", parent.ID()),
	}

	// Observers run under the parent's lock, so the trigger runs elsewhere.
	m.unwatch = parent.State().OnChange(func(field string, _, newValue any) {
		if field == state.FieldAgentStatus && newValue == state.StatusFinished {
			go m.triggerParentIfIdle()
		}
	})
	return m
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Spawn starts a sub-agent working on task and returns its id.
func (m *Manager) Spawn(ctx context.Context, task string) (string, error) {
	if m.opts.NewAgent == nil {
		return "", errors.New("delegation: no agent factory configured")
	}
	if err := m.checkCapacity(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	agent, err := m.opts.NewAgent(id)
	if err != nil {
		return "", fmt.Errorf("creating sub-agent: %w", err)
	}

	parentState := m.parent.State()
	conv, err := conversation.New(ctx, agent,
		conversation.WithID(id),
		conversation.WithWorkingDir(parentState.WorkingDir()),
		conversation.WithMaxIterations(parentState.MaxIterations()),
		conversation.WithCallbacks(m.subAgentCallback(id)),
		conversation.WithLogger(m.opts.Logger),
	)
	if err != nil {
		return "", fmt.Errorf("creating sub-agent conversation: %w", err)
	}

	// The task goes in before the sub-agent is visible so a Send cannot
	// overtake it.
	if err := conv.SendMessage(ctx, task); err != nil {
		conv.Close(ctx)
		return "", fmt.Errorf("sending task to sub-agent: %w", err)
	}

	workCtx, cancel := context.WithTimeout(m.ctx, m.opts.MaxRuntime)
	sub := &subAgent{
		info: SubAgentInfo{
			ID:        id,
			Task:      task,
			State:     SubAgentCreated,
			CreatedAt: time.Now(),
		},
		conv:   conv,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	removed := m.cleanupLocked()
	if err := m.checkCapacityLocked(); err != nil {
		m.mu.Unlock()
		cancel()
		conv.Close(ctx)
		return "", err
	}
	m.subs[id] = sub
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("forgot finished sub-agents", "count", removed)
	}
	m.logger.Info("spawned sub-agent", "sub_id", id, "task", task)
	go m.work(workCtx, sub)
	return id, nil
}

func (m *Manager) checkCapacity() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkCapacityLocked()
}

func (m *Manager) checkCapacityLocked() error {
	if m.closed {
		return ErrShutdown
	}
	active := 0
	for _, s := range m.subs {
		if !s.info.State.Terminal() {
			active++
		}
	}
	if active >= m.opts.MaxChildren {
		return fmt.Errorf("%w: limit is %d", ErrTooManySubAgents, m.opts.MaxChildren)
	}
	return nil
}

// subAgentCallback queues agent messages from the sub-agent for the parent.
// A sub-agent repeating a report it already made is not relayed again.
// It runs under the sub-agent's state lock.
func (m *Manager) subAgentCallback(id string) event.Callback {
	return func(e event.Event) {
		msg, ok := e.(event.Message)
		if !ok || msg.Source != event.SourceAgent || msg.Text == "" {
			return
		}
		if m.seen.CheckAndMark(id + "\x00" + msg.Text) {
			m.logger.Debug("dropping repeated sub-agent report", "sub_id", id)
			return
		}
		m.enqueue(fmt.Sprintf("[Sub-agent %s]: %s", shortID(id), msg.Text))
		go m.triggerParentIfIdle()
	}
}

func (m *Manager) enqueue(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) >= m.opts.PendingLimit {
		m.logger.Warn("parent message queue full, dropping oldest", "limit", m.opts.PendingLimit)
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, text)
}

func (m *Manager) work(ctx context.Context, sub *subAgent) {
	defer close(sub.done)
	sub.gid.Store(goid.Get())

	id := sub.info.ID
	logger := m.logger.With("sub_id", id)

	m.mu.Lock()
	if sub.info.State == SubAgentCreated {
		sub.info.State = SubAgentRunning
	}
	m.mu.Unlock()

	runErr := m.drive(ctx, sub.conv)
	status := sub.conv.State().Status()

	if err := sub.conv.Close(context.Background()); err != nil {
		logger.Warn("closing sub-agent conversation", "error", err)
	}

	m.mu.Lock()
	switch {
	case sub.info.State == SubAgentCancelled:
		logger.Info("sub-agent cancelled")
	case runErr != nil || status == state.StatusError || status == state.StatusStuck:
		reason := fmt.Sprintf("sub-agent ended with status %s", status)
		if runErr != nil {
			reason = runErr.Error()
		}
		if errors.Is(runErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("exceeded max runtime of %s", m.opts.MaxRuntime)
		}
		sub.info.State = SubAgentFailed
		sub.info.Error = reason
		sub.info.CompletedAt = time.Now()
		logger.Warn("sub-agent failed", "error", reason)
	default:
		sub.info.State = SubAgentCompleted
		sub.info.CompletedAt = time.Now()
		logger.Info("sub-agent completed")
	}
	failed := sub.info.State == SubAgentFailed
	reason := sub.info.Error
	m.mu.Unlock()

	if failed {
		m.enqueue(fmt.Sprintf("[Sub-agent %s ERROR]: %s", shortID(id), reason))
	}
	m.triggerParentIfIdle()
}

// drive runs the sub-agent until it halts or ctx ends.
func (m *Manager) drive(ctx context.Context, conv *conversation.Conversation) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conv.Run(ctx); err != nil {
			return err
		}
		switch conv.State().Status() {
		case state.StatusFinished, state.StatusPaused, state.StatusStuck, state.StatusIdle, state.StatusError:
			return nil
		}
		// Iteration limit reached or waiting for confirmation: keep going.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// Send delivers a user message to a created or running sub-agent.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubAgentNotFound, id)
	}
	if sub.info.State != SubAgentCreated && sub.info.State != SubAgentRunning {
		st := sub.info.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSubAgentInactive, id, st)
	}
	conv := sub.conv
	m.mu.Unlock()

	return conv.SendMessage(ctx, text)
}

// Close cancels a sub-agent and waits up to JoinTimeout for it to stop.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubAgentNotFound, id)
	}
	if !sub.info.State.Terminal() {
		sub.info.State = SubAgentCancelled
		sub.info.CompletedAt = time.Now()
	}
	m.mu.Unlock()

	sub.cancel()
	m.join(sub)
	return nil
}

func (m *Manager) join(sub *subAgent) {
	if sub.gid.Load() == goid.Get() {
		m.logger.Warn("sub-agent cannot join itself", "sub_id", sub.info.ID)
		return
	}
	select {
	case <-sub.done:
	case <-time.After(m.opts.JoinTimeout):
		m.logger.Warn("sub-agent did not stop within join timeout",
			"sub_id", sub.info.ID, "timeout", m.opts.JoinTimeout)
	}
}

// Get returns the info for id.
func (m *Manager) Get(id string) (SubAgentInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return SubAgentInfo{}, false
	}
	return sub.info, true
}

// List returns every known sub-agent, oldest first.
func (m *Manager) List() []SubAgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SubAgentInfo, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TaskInProgress reports whether any sub-agent is still active or output is
// waiting to reach the parent.
func (m *Manager) TaskInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) > 0 || m.parentRunning {
		return true
	}
	for _, s := range m.subs {
		if !s.info.State.Terminal() {
			return true
		}
	}
	return false
}

// Cleanup forgets terminal sub-agents whose goroutines have exited and
// returns how many were removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked()
}

func (m *Manager) cleanupLocked() int {
	removed := 0
	for id, s := range m.subs {
		if !s.info.State.Terminal() {
			continue
		}
		select {
		case <-s.done:
			delete(m.subs, id)
			removed++
		default:
		}
	}
	return removed
}

// Shutdown closes every sub-agent concurrently and stops further triggers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.unwatch()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return m.Close(id) })
	}
	err := g.Wait()

	m.cancel()
	m.seen.Close()
	m.logger.Info("delegation manager shut down", "sub_agents", len(ids))
	return err
}

// claimBatch takes the pending messages when the parent is FINISHED and no
// triggered run is in flight.
func (m *Manager) claimBatch() ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.parentRunning || len(m.pending) == 0 {
		return nil, false
	}
	if m.parent.State().Status() != state.StatusFinished {
		return nil, false
	}
	m.parentRunning = true
	batch := m.pending
	m.pending = nil
	return batch, true
}

// triggerParentIfIdle delivers queued sub-agent output to an idle parent and
// runs it, repeating while output keeps arriving.
func (m *Manager) triggerParentIfIdle() {
	for {
		batch, ok := m.claimBatch()
		if !ok {
			return
		}
		m.runParent(batch)

		m.mu.Lock()
		m.parentRunning = false
		m.mu.Unlock()
	}
}

func (m *Manager) runParent(batch []string) {
	m.logger.Info("delivering sub-agent output to parent", "messages", len(batch))
	for _, text := range batch {
		if err := m.parent.SendMessage(m.ctx, text); err != nil {
			m.logger.Error("sending sub-agent output to parent", "error", err)
			return
		}
	}
	if err := m.parent.Run(m.ctx); err != nil {
		m.logger.Error("running parent with sub-agent output", "error", err)
	}
}
