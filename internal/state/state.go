// ABOUTME: ConversationState: the lock-guarded, persisted state of one conversation
// ABOUTME: Field setters assert the lock, notify observers and autosave the base snapshot

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/eventlog"
	"github.com/2389/coven-harness/internal/secrets"
	"github.com/2389/coven-harness/internal/store"
)

// DefaultMaxIterations bounds agent steps per Run.
const DefaultMaxIterations = 500

var (
	// ErrIDMismatch is returned when resuming a store that holds another conversation.
	ErrIDMismatch = errors.New("conversation id mismatch")
	// ErrCorruptSnapshot is returned when the base snapshot is missing or unreadable
	// but persisted events exist.
	ErrCorruptSnapshot = errors.New("corrupt base snapshot")
)

// Field names passed to observers.
const (
	FieldAgentStatus          = "agent_status"
	FieldConfirmationPolicy   = "confirmation_policy"
	FieldActivatedMicroagents = "activated_microagents"
	FieldMaxIterations        = "max_iterations"
	FieldStuckDetection       = "stuck_detection"
)

// Observer is notified after a field changes. It runs while the state lock
// is held.
type Observer func(field string, oldValue, newValue any)

// Options configures Create.
type Options struct {
	// ID of the conversation. Empty generates a new id, or adopts the
	// persisted id when resuming.
	ID string
	// Store persists the state. Nil keeps the state in memory only.
	Store store.Store
	// MaxIterations overrides the persisted value when non-zero.
	MaxIterations int
	// DisableStuckDetection turns the stuck detector off.
	DisableStuckDetection bool
	// ConfirmationPolicy for a fresh conversation. Nil means NeverConfirm.
	ConfirmationPolicy ConfirmationPolicy
	WorkingDir         string
	PersistenceDir     string
	ShardSize          int
	Logger             *slog.Logger
}

// snapshot is the persisted form of every field except the events.
type snapshot struct {
	ID                   string      `json:"id"`
	AgentStatus          AgentStatus `json:"agent_status"`
	ConfirmationPolicy   string      `json:"confirmation_policy"`
	ActivatedMicroagents []string    `json:"activated_microagents"`
	MaxIterations        int         `json:"max_iterations"`
	StuckDetection       bool        `json:"stuck_detection"`
	WorkingDir           string      `json:"working_dir,omitempty"`
	PersistenceDir       string      `json:"persistence_dir,omitempty"`
}

// ConversationState holds everything about a conversation. Every mutation
// must happen while holding the state's Lock.
type ConversationState struct {
	lock Lock

	id                   string
	status               AgentStatus
	statusView           atomic.Value
	policy               ConfirmationPolicy
	activatedMicroagents []string
	maxIterations        int
	stuckDetection       bool
	workingDir           string
	persistenceDir       string
	events               []event.Event

	secrets *secrets.Manager
	store   store.Store
	log     *eventlog.Log

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObs   uint64

	logger *slog.Logger
}

// Create opens the conversation persisted in opts.Store, or creates and
// immediately persists a fresh one when the store holds nothing.
func Create(ctx context.Context, opts Options) (*ConversationState, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &ConversationState{
		secrets:   secrets.NewManager(opts.Logger),
		store:     opts.Store,
		observers: make(map[uint64]Observer),
	}

	if opts.Store == nil {
		s.initFresh(opts)
		s.logger = opts.Logger.With("component", "state", "conversation_id", s.id)
		return s, nil
	}

	log, err := eventlog.Open(ctx, opts.Store, eventlog.Options{ShardSize: opts.ShardSize, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	s.log = log

	data, err := opts.Store.Read(ctx, eventlog.BaseStateKey)
	switch {
	case errors.Is(err, store.ErrNotFound) && log.Len() == 0:
		s.initFresh(opts)
		s.logger = opts.Logger.With("component", "state", "conversation_id", s.id)
		if err := s.writeBase(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("created conversation state")
		return s, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: missing with %d persisted events", ErrCorruptSnapshot, log.Len())
	case err != nil:
		return nil, fmt.Errorf("reading base snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if opts.ID != "" && snap.ID != opts.ID {
		return nil, fmt.Errorf("%w: store holds %q, requested %q", ErrIDMismatch, snap.ID, opts.ID)
	}
	if err := s.restore(snap, opts); err != nil {
		return nil, err
	}
	s.logger = opts.Logger.With("component", "state", "conversation_id", s.id)

	events, err := log.Replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("replaying events: %w", err)
	}
	s.events = events

	s.logger.Info("resumed conversation state", "events", len(events), "status", s.status)
	return s, nil
}

func (s *ConversationState) initFresh(opts Options) {
	s.id = opts.ID
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.setStatusValue(StatusIdle)
	s.policy = opts.ConfirmationPolicy
	if s.policy == nil {
		s.policy = NeverConfirm{}
	}
	s.maxIterations = opts.MaxIterations
	if s.maxIterations <= 0 {
		s.maxIterations = DefaultMaxIterations
	}
	s.stuckDetection = !opts.DisableStuckDetection
	s.workingDir = opts.WorkingDir
	s.persistenceDir = opts.PersistenceDir
}

func (s *ConversationState) restore(snap snapshot, opts Options) error {
	policy, err := ParsePolicy(snap.ConfirmationPolicy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	s.id = snap.ID
	s.setStatusValue(snap.AgentStatus)
	if s.status == "" {
		s.setStatusValue(StatusIdle)
	}
	s.policy = policy
	s.activatedMicroagents = snap.ActivatedMicroagents
	s.maxIterations = snap.MaxIterations
	if opts.MaxIterations > 0 {
		s.maxIterations = opts.MaxIterations
	}
	if s.maxIterations <= 0 {
		s.maxIterations = DefaultMaxIterations
	}
	s.stuckDetection = snap.StuckDetection && !opts.DisableStuckDetection
	s.workingDir = snap.WorkingDir
	if opts.WorkingDir != "" {
		s.workingDir = opts.WorkingDir
	}
	s.persistenceDir = snap.PersistenceDir
	return nil
}

// Lock acquires the state lock. It is reentrant for the holding goroutine.
func (s *ConversationState) Lock() { s.lock.Lock() }

// Unlock releases one level of the state lock.
func (s *ConversationState) Unlock() { s.lock.Unlock() }

// AssertLocked panics unless the calling goroutine holds the state lock.
func (s *ConversationState) AssertLocked() { s.lock.AssertLocked() }

// HeldByCurrent reports whether the calling goroutine holds the state lock.
func (s *ConversationState) HeldByCurrent() bool { return s.lock.HeldByCurrent() }

// ID returns the immutable conversation id.
func (s *ConversationState) ID() string { return s.id }

// Status returns the current agent status. It does not take the lock.
func (s *ConversationState) Status() AgentStatus {
	return s.statusView.Load().(AgentStatus)
}

func (s *ConversationState) setStatusValue(v AgentStatus) {
	s.status = v
	s.statusView.Store(v)
}

// SetStatus changes the agent status.
func (s *ConversationState) SetStatus(v AgentStatus) {
	s.AssertLocked()
	old := s.status
	if old == v {
		return
	}
	s.setStatusValue(v)
	s.changed(FieldAgentStatus, old, v)
}

// ConfirmationPolicy returns the active policy.
func (s *ConversationState) ConfirmationPolicy() ConfirmationPolicy {
	s.Lock()
	defer s.Unlock()
	return s.policy
}

// SetConfirmationPolicy replaces the policy. Nil means NeverConfirm.
func (s *ConversationState) SetConfirmationPolicy(p ConfirmationPolicy) {
	s.AssertLocked()
	if p == nil {
		p = NeverConfirm{}
	}
	old := s.policy
	if old.Name() == p.Name() {
		s.policy = p
		return
	}
	s.policy = p
	s.changed(FieldConfirmationPolicy, old.Name(), p.Name())
}

// ActivatedMicroagents returns the names of activated microagents.
func (s *ConversationState) ActivatedMicroagents() []string {
	s.Lock()
	defer s.Unlock()
	return slices.Clone(s.activatedMicroagents)
}

// ActivateMicroagents records newly activated microagent names, ignoring
// ones already active.
func (s *ConversationState) ActivateMicroagents(names ...string) {
	s.AssertLocked()
	old := slices.Clone(s.activatedMicroagents)
	added := false
	for _, n := range names {
		if n != "" && !slices.Contains(s.activatedMicroagents, n) {
			s.activatedMicroagents = append(s.activatedMicroagents, n)
			added = true
		}
	}
	if added {
		s.changed(FieldActivatedMicroagents, old, slices.Clone(s.activatedMicroagents))
	}
}

// MaxIterations returns the per-Run step limit.
func (s *ConversationState) MaxIterations() int {
	s.Lock()
	defer s.Unlock()
	return s.maxIterations
}

// SetMaxIterations changes the per-Run step limit.
func (s *ConversationState) SetMaxIterations(n int) {
	s.AssertLocked()
	old := s.maxIterations
	if old == n || n <= 0 {
		return
	}
	s.maxIterations = n
	s.changed(FieldMaxIterations, old, n)
}

// StuckDetection reports whether stuck detection is enabled.
func (s *ConversationState) StuckDetection() bool {
	s.Lock()
	defer s.Unlock()
	return s.stuckDetection
}

// SetStuckDetection toggles stuck detection.
func (s *ConversationState) SetStuckDetection(on bool) {
	s.AssertLocked()
	old := s.stuckDetection
	if old == on {
		return
	}
	s.stuckDetection = on
	s.changed(FieldStuckDetection, old, on)
}

// WorkingDir returns the agent's working directory.
func (s *ConversationState) WorkingDir() string {
	s.Lock()
	defer s.Unlock()
	return s.workingDir
}

// Secrets returns the conversation's secrets manager.
func (s *ConversationState) Secrets() *secrets.Manager { return s.secrets }

// Events returns a copy of the event history.
func (s *ConversationState) Events() []event.Event {
	s.Lock()
	defer s.Unlock()
	return slices.Clone(s.events)
}

// EventCount returns the number of events.
func (s *ConversationState) EventCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.events)
}

// UnmatchedActions returns actions with no observation or rejection yet.
func (s *ConversationState) UnmatchedActions() []event.Action {
	s.Lock()
	defer s.Unlock()
	return event.UnmatchedActions(s.events)
}

// AppendEvent adds e to the history and persists it as a delta. A
// persistence failure is logged; Save retries unsynced events.
func (s *ConversationState) AppendEvent(e event.Event) {
	s.AssertLocked()
	s.events = append(s.events, e)

	if s.log == nil {
		return
	}
	ctx := context.Background()
	if err := s.log.Append(ctx, len(s.events)-1, e); err != nil {
		s.logger.Error("persisting event", "event_id", e.Meta().ID, "error", err)
		return
	}
	if _, err := s.log.MaybeCompact(ctx); err != nil {
		s.logger.Error("compacting event log", "error", err)
	}
}

// OnChange registers an observer and returns a function that removes it.
func (s *ConversationState) OnChange(fn Observer) (remove func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *ConversationState) changed(field string, oldValue, newValue any) {
	if s.store != nil {
		if err := s.writeBase(context.Background()); err != nil {
			s.logger.Error("autosaving base snapshot", "field", field, "error", err)
		}
	}

	s.obsMu.Lock()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		s.notify(fn, field, oldValue, newValue)
	}
}

func (s *ConversationState) notify(fn Observer, field string, oldValue, newValue any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state observer panicked", "field", field, "panic", fmt.Sprint(r))
		}
	}()
	fn(field, oldValue, newValue)
}

// Snapshot returns the JSON base snapshot: every field except the events.
func (s *ConversationState) Snapshot() []byte {
	s.Lock()
	defer s.Unlock()

	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		// snapshot holds only strings, ints and bools.
		panic(fmt.Sprintf("state: encoding snapshot: %v", err))
	}
	return data
}

func (s *ConversationState) snapshotLocked() snapshot {
	return snapshot{
		ID:                   s.id,
		AgentStatus:          s.status,
		ConfirmationPolicy:   s.policy.Name(),
		ActivatedMicroagents: slices.Clone(s.activatedMicroagents),
		MaxIterations:        s.maxIterations,
		StuckDetection:       s.stuckDetection,
		WorkingDir:           s.workingDir,
		PersistenceDir:       s.persistenceDir,
	}
}

func (s *ConversationState) writeBase(ctx context.Context) error {
	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		return fmt.Errorf("encoding base snapshot: %w", err)
	}
	if err := s.store.Write(ctx, eventlog.BaseStateKey, data); err != nil {
		return fmt.Errorf("writing base snapshot: %w", err)
	}
	return nil
}

// Save writes the base snapshot, appends any events not yet persisted and
// compacts when the delta count exceeds the shard size.
func (s *ConversationState) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.Lock()
	defer s.Unlock()

	if err := s.writeBase(ctx); err != nil {
		return err
	}
	if err := s.log.Sync(ctx, s.events); err != nil {
		return fmt.Errorf("syncing events: %w", err)
	}
	if _, err := s.log.MaybeCompact(ctx); err != nil {
		return fmt.Errorf("compacting events: %w", err)
	}
	return nil
}

// Compact folds every persisted delta into the base regardless of count.
func (s *ConversationState) Compact(ctx context.Context) (bool, error) {
	if s.log == nil {
		return false, nil
	}
	s.Lock()
	defer s.Unlock()

	if err := s.log.Sync(ctx, s.events); err != nil {
		return false, fmt.Errorf("syncing events: %w", err)
	}
	return s.log.Compact(ctx)
}

// Manifest returns the persisted event manifest. In-memory states return
// a zero Manifest.
func (s *ConversationState) Manifest() eventlog.Manifest {
	if s.log == nil {
		return eventlog.Manifest{}
	}
	return s.log.Manifest()
}
