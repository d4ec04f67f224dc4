// ABOUTME: Echo agent that answers each user message through one echo tool call
// ABOUTME: Exercises confirmation, rejection and secret expansion without a model

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/state"
)

// ToolEcho is the tool name used by Echo actions.
const ToolEcho = "echo"

type echoArgs struct {
	Command string `json:"command"`
}

// Echo replies to the latest user message by running an echo tool call.
type Echo struct {
	risk event.Risk
}

// NewEcho returns an Echo whose actions carry the given risk.
func NewEcho(risk event.Risk) *Echo {
	if risk == "" {
		risk = event.RiskLow
	}
	return &Echo{risk: risk}
}

// InitState has nothing to set up.
func (e *Echo) InitState(*state.ConversationState, event.Callback) error {
	return nil
}

// Step advances the echo exchange for the latest user message by one move:
// propose the action, execute it, or reply.
func (e *Echo) Step(_ context.Context, st *state.ConversationState, emit event.Callback) error {
	if pending := st.UnmatchedActions(); len(pending) > 0 {
		for _, a := range pending {
			emit(e.execute(st, a))
		}
		return nil
	}

	user, after, ok := latestUserMessage(st.Events())
	if !ok {
		st.SetStatus(state.StatusFinished)
		return nil
	}

	for i := len(after) - 1; i >= 0; i-- {
		switch ev := after[i].(type) {
		case event.Observation:
			emit(event.NewAgentMessage(ev.Content))
			st.SetStatus(state.StatusFinished)
			return nil
		case event.UserReject:
			emit(event.NewAgentMessage("Skipped echo: " + ev.Reason))
			st.SetStatus(state.StatusFinished)
			return nil
		case event.AgentError:
			return fmt.Errorf("echo failed: %s", ev.Error)
		}
	}

	args, err := json.Marshal(echoArgs{Command: "echo " + user.Text})
	if err != nil {
		return fmt.Errorf("encoding echo arguments: %w", err)
	}
	emit(event.NewAction(ToolEcho, args, e.risk))
	return nil
}

// execute expands $NAME references to registered secrets, then masks them
// in the output as a shell would after exporting.
func (e *Echo) execute(st *state.ConversationState, a event.Action) event.Event {
	if a.ToolName != ToolEcho {
		return event.NewToolError(a, fmt.Sprintf("unknown tool %q", a.ToolName))
	}
	var args echoArgs
	if err := json.Unmarshal(a.Arguments, &args); err != nil {
		return event.NewToolError(a, fmt.Sprintf("invalid arguments: %v", err))
	}

	sm := st.Secrets()
	env, command := splitExports(sm.InjectIntoBashCommand(args.Command))

	text := strings.TrimPrefix(command, "echo ")
	out := os.Expand(text, func(name string) string {
		if v, ok := env[name]; ok {
			return v
		}
		return "$" + name
	})
	return event.NewObservation(a, sm.MaskOutput(out))
}

// splitExports peels the leading `export NAME='value' && ` clauses off a
// command and returns the exported values with the remaining command.
func splitExports(script string) (map[string]string, string) {
	env := make(map[string]string)
	for strings.HasPrefix(script, "export ") {
		rest := strings.TrimPrefix(script, "export ")
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			break
		}
		value, n, ok := readQuoted(rest[eq+1:])
		if !ok || !strings.HasPrefix(rest[eq+1+n:], " && ") {
			break
		}
		env[rest[:eq]] = value
		script = rest[eq+1+n+len(" && "):]
	}
	return env, script
}

// readQuoted reads adjacent single- or double-quoted segments and returns
// their joined contents and the number of bytes consumed.
func readQuoted(s string) (string, int, bool) {
	var b strings.Builder
	i := 0
	for i < len(s) && (s[i] == '\'' || s[i] == '"') {
		q := s[i]
		end := strings.IndexByte(s[i+1:], q)
		if end < 0 {
			return "", 0, false
		}
		b.WriteString(s[i+1 : i+1+end])
		i += end + 2
	}
	return b.String(), i, i > 0
}

// latestUserMessage returns the last user message and the events after it.
func latestUserMessage(events []event.Event) (event.Message, []event.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if m, ok := events[i].(event.Message); ok && m.Source == event.SourceUser {
			return m, events[i+1:], true
		}
	}
	return event.Message{}, nil, false
}
