// ABOUTME: Functional options for constructing a Conversation
// ABOUTME: Cover identity, persistence, callbacks, limits, confirmation and secrets

package conversation

import (
	"log/slog"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/secrets"
	"github.com/2389/coven-harness/internal/state"
	"github.com/2389/coven-harness/internal/store"
)

type options struct {
	id             string
	store          store.Store
	callbacks      []event.Callback
	maxIterations  int
	stuck          StuckDetector
	disableStuck   bool
	policy         state.ConfirmationPolicy
	workingDir     string
	persistenceDir string
	shardSize      int
	secrets        map[string]secrets.Value
	logger         *slog.Logger
}

// Option configures a Conversation.
type Option func(*options)

// WithID sets the conversation id. When resuming, it must match the store.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithStore persists the conversation in s.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCallbacks adds callbacks invoked for every event, in order, after the
// event has been appended to the state.
func WithCallbacks(cbs ...event.Callback) Option {
	return func(o *options) { o.callbacks = append(o.callbacks, cbs...) }
}

// WithMaxIterations bounds the agent steps of a single Run.
func WithMaxIterations(n int) Option {
	return func(o *options) { o.maxIterations = n }
}

// WithStuckDetector replaces the default PatternDetector.
func WithStuckDetector(d StuckDetector) Option {
	return func(o *options) { o.stuck = d }
}

// WithoutStuckDetection disables stuck detection.
func WithoutStuckDetection() Option {
	return func(o *options) { o.disableStuck = true }
}

// WithConfirmationPolicy sets the initial confirmation policy of a new
// conversation.
func WithConfirmationPolicy(p state.ConfirmationPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithWorkingDir sets the agent's working directory.
func WithWorkingDir(dir string) Option {
	return func(o *options) { o.workingDir = dir }
}

// WithPersistenceDir records where the conversation is persisted.
func WithPersistenceDir(dir string) Option {
	return func(o *options) { o.persistenceDir = dir }
}

// WithShardSize sets the delta count above which the event log compacts.
func WithShardSize(n int) Option {
	return func(o *options) { o.shardSize = n }
}

// WithSecrets registers secrets available to the agent's commands.
func WithSecrets(values map[string]secrets.Value) Option {
	return func(o *options) { o.secrets = values }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
