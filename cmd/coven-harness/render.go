// ABOUTME: Colored terminal rendering of conversation events
// ABOUTME: Used for the live stream of the run command and for inspect output

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-harness/internal/event"
)

var (
	userColor   = color.New(color.FgGreen)
	agentColor  = color.New(color.FgCyan)
	actionColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
	mutedColor  = color.New(color.FgHiBlack)
)

// renderEvent writes one event as a single terminal line.
func renderEvent(w io.Writer, e event.Event) {
	switch ev := e.(type) {
	case event.Message:
		if ev.Source == event.SourceUser {
			userColor.Fprint(w, "▶ user: ")
		} else {
			agentColor.Fprint(w, "◀ agent: ")
		}
		fmt.Fprintln(w, indent(ev.Text))
	case event.Action:
		actionColor.Fprintf(w, "⚙ %s", ev.ToolName)
		fmt.Fprintf(w, " %s", ev.Arguments)
		mutedColor.Fprintf(w, " [risk: %s]\n", ev.Risk)
	case event.Observation:
		mutedColor.Fprint(w, "  → ")
		fmt.Fprintln(w, indent(ev.Content))
	case event.AgentError:
		errorColor.Fprintf(w, "✗ error: %s\n", ev.Error)
	case event.UserReject:
		errorColor.Fprintf(w, "✗ rejected %s: %s\n", ev.ToolName, ev.Reason)
	case event.Pause:
		actionColor.Fprintln(w, "⏸ paused")
	case event.StateSnapshot:
		if ev.Key == event.FullState {
			return
		}
		mutedColor.Fprintf(w, "● %s = %s\n", ev.Key, ev.Value)
	}
}

// indent aligns continuation lines of multi-line text.
func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    ")
}

// lockedWriter serializes writes from the event stream and the prompt.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
