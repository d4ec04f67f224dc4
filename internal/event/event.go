// ABOUTME: Closed set of conversation event variants with ids, timestamps and sources
// ABOUTME: Constructors assign uuid ids and strictly increasing UTC timestamps

package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind tags the concrete variant of an Event.
type Kind string

const (
	KindMessage       Kind = "message"
	KindAction        Kind = "action"
	KindObservation   Kind = "observation"
	KindAgentError    Kind = "agent_error"
	KindPause         Kind = "pause"
	KindUserReject    Kind = "user_reject"
	KindStateSnapshot Kind = "state_snapshot"
)

// Source identifies who produced an event.
type Source string

const (
	SourceUser        Source = "user"
	SourceAgent       Source = "agent"
	SourceEnvironment Source = "environment"
)

// Risk is the security risk an agent assigns to an action.
type Risk string

const (
	RiskUnknown Risk = "unknown"
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
)

// Rank orders risks so policies can compare them. Unknown ranks highest
// because nothing is known to be safe about it.
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 4
	}
}

// Header is the metadata shared by every variant.
type Header struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// Meta returns the header of the event.
func (h Header) Meta() Header { return h }

func (Header) sealed() {}

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	Meta() Header
	sealed()
}

// Callback receives events as they are produced.
type Callback func(Event)

// Compose returns a callback that invokes each non-nil callback in order.
func Compose(callbacks ...Callback) Callback {
	var fns []Callback
	for _, cb := range callbacks {
		if cb != nil {
			fns = append(fns, cb)
		}
	}
	return func(e Event) {
		for _, fn := range fns {
			fn(e)
		}
	}
}

// Message is conversational text from the user or the agent.
type Message struct {
	Header
	Role                 string   `json:"role"`
	Text                 string   `json:"text"`
	ActivatedMicroagents []string `json:"activated_microagents,omitempty"`
}

// Action is a tool invocation requested by the agent.
type Action struct {
	Header
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Thought    string          `json:"thought,omitempty"`
	Risk       Risk            `json:"risk"`
}

// Observation is the result of executing an Action.
type Observation struct {
	Header
	ActionID   string `json:"action_id"`
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// AgentError records a failed tool call or agent step.
type AgentError struct {
	Header
	ActionID   string `json:"action_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Error      string `json:"error"`
}

// Pause marks a user request to pause the run loop.
type Pause struct {
	Header
}

// UserReject records that the user declined a pending action.
type UserReject struct {
	Header
	ActionID   string `json:"action_id"`
	ToolName   string `json:"tool_name"`
	ToolCallID string `json:"tool_call_id"`
	Reason     string `json:"reason"`
}

// FullState is the StateSnapshot key used when Value holds the whole
// serialized state rather than a single field.
const FullState = "full_state"

// StateSnapshot carries a state field change, or the full state when Key is
// FullState.
type StateSnapshot struct {
	Header
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (Message) Kind() Kind       { return KindMessage }
func (Action) Kind() Kind        { return KindAction }
func (Observation) Kind() Kind   { return KindObservation }
func (AgentError) Kind() Kind    { return KindAgentError }
func (Pause) Kind() Kind         { return KindPause }
func (UserReject) Kind() Kind    { return KindUserReject }
func (StateSnapshot) Kind() Kind { return KindStateSnapshot }

var clock struct {
	mu   sync.Mutex
	last time.Time
}

// now returns a UTC timestamp strictly after every previously returned one.
func now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	t := time.Now().UTC().Round(0)
	if !t.After(clock.last) {
		t = clock.last.Add(time.Nanosecond)
	}
	clock.last = t
	return t
}

// NewHeader returns a header with a fresh id and timestamp.
func NewHeader(source Source) Header {
	return Header{
		ID:        uuid.New().String(),
		Timestamp: now(),
		Source:    source,
	}
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return Message{Header: NewHeader(SourceUser), Role: "user", Text: text}
}

// NewAgentMessage builds an assistant message.
func NewAgentMessage(text string) Message {
	return Message{Header: NewHeader(SourceAgent), Role: "assistant", Text: text}
}

// NewAction builds an agent action. A nil or empty arguments value is
// stored as an empty JSON object.
func NewAction(toolName string, args json.RawMessage, risk Risk) Action {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if risk == "" {
		risk = RiskUnknown
	}
	return Action{
		Header:     NewHeader(SourceAgent),
		ToolName:   toolName,
		ToolCallID: "call_" + uuid.New().String()[:8],
		Arguments:  args,
		Risk:       risk,
	}
}

// NewObservation builds the result of executing action.
func NewObservation(action Action, content string) Observation {
	return Observation{
		Header:     NewHeader(SourceEnvironment),
		ActionID:   action.ID,
		ToolName:   action.ToolName,
		ToolCallID: action.ToolCallID,
		Content:    content,
	}
}

// NewToolError builds an error result for action.
func NewToolError(action Action, msg string) AgentError {
	return AgentError{
		Header:     NewHeader(SourceEnvironment),
		ActionID:   action.ID,
		ToolName:   action.ToolName,
		ToolCallID: action.ToolCallID,
		Error:      msg,
	}
}

// NewAgentError builds an error not tied to any action.
func NewAgentError(msg string) AgentError {
	return AgentError{Header: NewHeader(SourceAgent), Error: msg}
}

// NewPause builds a pause marker.
func NewPause() Pause {
	return Pause{Header: NewHeader(SourceUser)}
}

// NewUserReject builds a rejection of action.
func NewUserReject(action Action, reason string) UserReject {
	return UserReject{
		Header:     NewHeader(SourceUser),
		ActionID:   action.ID,
		ToolName:   action.ToolName,
		ToolCallID: action.ToolCallID,
		Reason:     reason,
	}
}

// NewStateSnapshot builds a snapshot event for key. The value is encoded as
// JSON; values that cannot be encoded are stored as null.
func NewStateSnapshot(key string, value any) StateSnapshot {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return StateSnapshot{Header: NewHeader(SourceEnvironment), Key: key, Value: raw}
}
