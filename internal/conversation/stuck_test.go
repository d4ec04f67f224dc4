// ABOUTME: Tests for the pattern-based stuck detector
// ABOUTME: Each scenario builds a history that should or should not be flagged

package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-harness/internal/event"
)

func cmd(c string) event.Action {
	return event.NewAction("bash", json.RawMessage(`{"command":"`+c+`"}`), event.RiskLow)
}

func pair(c, out string) []event.Event {
	a := cmd(c)
	return []event.Event{a, event.NewObservation(a, out)}
}

func errPair(c, msg string) []event.Event {
	a := cmd(c)
	return []event.Event{a, event.NewToolError(a, msg)}
}

func history(parts ...[]event.Event) []event.Event {
	out := []event.Event{event.NewUserMessage("do it")}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestPatternDetector(t *testing.T) {
	tests := []struct {
		name   string
		events []event.Event
		want   bool
	}{
		{
			name:   "too short",
			events: history(pair("ls", "a")),
			want:   false,
		},
		{
			name:   "four identical action observation pairs",
			events: history(pair("ls", "a"), pair("ls", "a"), pair("ls", "a"), pair("ls", "a")),
			want:   true,
		},
		{
			name:   "three identical pairs are not enough",
			events: history(pair("ls", "a"), pair("ls", "a"), pair("ls", "a")),
			want:   false,
		},
		{
			name:   "differing observations",
			events: history(pair("ls", "a"), pair("ls", "b"), pair("ls", "a"), pair("ls", "a")),
			want:   false,
		},
		{
			name:   "three identical actions ending in errors",
			events: history(errPair("make", "boom"), errPair("make", "boom"), errPair("make", "boom")),
			want:   true,
		},
		{
			name:   "errors from different actions",
			events: history(errPair("make", "boom"), errPair("test", "boom"), errPair("make", "boom")),
			want:   false,
		},
		{
			name: "agent monologue",
			events: history(pair("ls", "a"), pair("pwd", "b"), []event.Event{
				event.NewAgentMessage("thinking"),
				event.NewAgentMessage("still thinking"),
				event.NewAgentMessage("thinking more"),
			}),
			want: true,
		},
		{
			name: "two agent messages are not a monologue",
			events: history(pair("ls", "a"), pair("pwd", "b"), pair("cat", "c"), []event.Event{
				event.NewAgentMessage("thinking"),
				event.NewAgentMessage("still thinking"),
			}),
			want: false,
		},
		{
			name: "alternating pattern",
			events: history(
				pair("ls", "a"), pair("pwd", "b"),
				pair("ls", "a"), pair("pwd", "b"),
				pair("ls", "a"), pair("pwd", "b"),
			),
			want: true,
		},
		{
			name: "varied work",
			events: history(
				pair("ls", "a"), pair("pwd", "b"), pair("cat x", "c"),
				pair("go build", "d"), pair("go test", "e"), pair("git diff", "f"),
			),
			want: false,
		},
	}

	d := NewPatternDetector(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsStuck(tt.events))
		})
	}
}

func TestPatternDetector_OnlyConsidersEventsAfterLastUserMessage(t *testing.T) {
	events := history(pair("ls", "a"), pair("ls", "a"), pair("ls", "a"), pair("ls", "a"))
	events = append(events, event.NewUserMessage("try again"))
	events = append(events, pair("ls", "a")...)

	assert.False(t, NewPatternDetector(nil).IsStuck(events))
}
