// ABOUTME: Queries over event histories: unmatched actions and content equivalence
// ABOUTME: Used by the run loop, confirmation handling and stuck detection

package event

import "reflect"

// UnmatchedActions returns the actions in events that have no Observation,
// AgentError or UserReject referencing them, oldest first.
func UnmatchedActions(events []Event) []Action {
	answered := make(map[string]bool)
	for _, e := range events {
		switch v := e.(type) {
		case Observation:
			answered[v.ActionID] = true
		case AgentError:
			if v.ActionID != "" {
				answered[v.ActionID] = true
			}
		case UserReject:
			answered[v.ActionID] = true
		}
	}

	var out []Action
	for _, e := range events {
		if a, ok := e.(Action); ok && !answered[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// Equivalent reports whether a and b are the same variant with the same
// content, ignoring headers. Tool call ids and action references are also
// ignored since they are unique per call.
func Equivalent(a, b Event) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	return reflect.DeepEqual(stripIdentity(a), stripIdentity(b))
}

func stripIdentity(e Event) Event {
	switch v := e.(type) {
	case Message:
		v.Header = Header{}
		return v
	case Action:
		v.Header = Header{}
		v.ToolCallID = ""
		return v
	case Observation:
		v.Header = Header{}
		v.ActionID, v.ToolCallID = "", ""
		return v
	case AgentError:
		v.Header = Header{}
		v.ActionID, v.ToolCallID = "", ""
		return v
	case Pause:
		return Pause{}
	case UserReject:
		v.Header = Header{}
		v.ActionID, v.ToolCallID = "", ""
		return v
	case StateSnapshot:
		v.Header = Header{}
		return v
	}
	return e
}
