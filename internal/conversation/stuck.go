// ABOUTME: Pattern-based stuck detection over the events since the last user message
// ABOUTME: Flags repeated action/observation pairs, repeated errors, monologues and ping-pong loops

package conversation

import (
	"log/slog"

	"github.com/2389/coven-harness/internal/event"
)

// StuckDetector decides whether an agent is looping unproductively.
type StuckDetector interface {
	IsStuck(events []event.Event) bool
}

// PatternDetector is the default StuckDetector.
type PatternDetector struct {
	logger *slog.Logger
}

// NewPatternDetector creates a PatternDetector. Pass nil logger for default.
func NewPatternDetector(logger *slog.Logger) *PatternDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatternDetector{logger: logger.With("component", "stuck_detector")}
}

// IsStuck inspects only the events after the last user message.
func (d *PatternDetector) IsStuck(events []event.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if m, ok := events[i].(event.Message); ok && m.Source == event.SourceUser {
			events = events[i+1:]
			break
		}
	}

	// Three events are the minimum for any loop.
	if len(events) < 3 {
		return false
	}

	actions, results := lastActionsAndResults(events, 4)

	switch {
	case repeatingActionResult(actions, results):
		d.logger.Warn("action/observation loop detected")
		return true
	case repeatingActionError(actions, results):
		d.logger.Warn("action/error loop detected")
		return true
	case monologue(events):
		d.logger.Warn("agent monologue detected")
		return true
	case len(events) >= 6 && alternating(events):
		d.logger.Warn("alternating action/observation loop detected")
		return true
	}
	return false
}

// lastActionsAndResults collects up to n of the most recent actions and of
// the most recent observations or errors, newest first.
func lastActionsAndResults(events []event.Event, n int) (actions, results []event.Event) {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].(type) {
		case event.Action:
			if len(actions) < n {
				actions = append(actions, events[i])
			}
		case event.Observation, event.AgentError:
			if len(results) < n {
				results = append(results, events[i])
			}
		}
		if len(actions) >= n && len(results) >= n {
			break
		}
	}
	return actions, results
}

func allEquivalent(events []event.Event) bool {
	for _, e := range events[1:] {
		if !event.Equivalent(events[0], e) {
			return false
		}
	}
	return true
}

func repeatingActionResult(actions, results []event.Event) bool {
	return len(actions) == 4 && len(results) == 4 && allEquivalent(actions) && allEquivalent(results)
}

func repeatingActionError(actions, results []event.Event) bool {
	if len(actions) < 3 || len(results) < 3 {
		return false
	}
	if !allEquivalent(actions[:3]) {
		return false
	}
	for _, r := range results[:3] {
		if _, ok := r.(event.AgentError); !ok {
			return false
		}
	}
	return true
}

// monologue reports three or more agent messages at the tail of the last
// six events with nothing else in between.
func monologue(events []event.Event) bool {
	if len(events) < 6 {
		return false
	}
	count := 0
	recent := events[len(events)-6:]
	for i := len(recent) - 1; i >= 0; i-- {
		m, ok := recent[i].(event.Message)
		if !ok || m.Source != event.SourceAgent {
			break
		}
		count++
	}
	return count >= 3
}

// alternating reports an A,B,A,B,A,B pattern over the last six actions and
// their results.
func alternating(events []event.Event) bool {
	actions, results := lastActionsAndResults(events, 6)
	if len(actions) != 6 || len(results) != 6 {
		return false
	}
	pingPong := func(xs []event.Event) bool {
		return event.Equivalent(xs[0], xs[2]) && event.Equivalent(xs[0], xs[4]) &&
			event.Equivalent(xs[1], xs[3]) && event.Equivalent(xs[1], xs[5])
	}
	return pingPong(actions) && pingPong(results)
}
