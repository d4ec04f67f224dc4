// Package event defines the immutable, append-only records that make up a
// conversation history.
//
// Every record is one of a closed set of variants (Message, Action,
// Observation, AgentError, Pause, UserReject, StateSnapshot). Each variant
// embeds a Header carrying a unique id, a strictly increasing UTC timestamp
// and the Source that produced it. The Event interface is sealed: only types
// in this package implement it, so a type switch over Kind is exhaustive.
//
// Events are serialized with Marshal/Unmarshal using a kind-tagged envelope:
//
//	{"kind": "action", "data": {...}}
package event
