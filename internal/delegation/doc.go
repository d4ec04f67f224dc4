// Package delegation lets a parent conversation spawn sub-agents that run
// concurrently in their own conversations.
//
// Each sub-agent runs on its own goroutine. Messages the sub-agent's agent
// produces are queued for the parent, prefixed with the sub-agent's short
// id. When the parent is FINISHED and nothing else is driving it, the
// queued messages are delivered as user messages and the parent is run
// once; at most one such parent run is in flight.
//
// Close is cooperative: it marks the sub-agent CANCELLED, cancels its
// context and waits a bounded time for the goroutine to exit.
package delegation
