// Package conversation drives an Agent over a ConversationState.
//
// # Run loop
//
// Run repeatedly takes the state lock, checks the status, consults the stuck
// detector and calls Agent.Step, releasing the lock between steps so Pause and
// RejectPendingActions from other goroutines can interleave:
//
//	IDLE/PAUSED --Run--> RUNNING --step--> FINISHED
//	                        |  \--step needs confirmation--> WAITING_FOR_CONFIRMATION
//	                        |--Pause--> PAUSED
//	                        \--stuck detector--> STUCK
//	WAITING_FOR_CONFIRMATION --Run--> RUNNING (implicit confirmation)
//	WAITING_FOR_CONFIRMATION --RejectPendingActions--> IDLE
//	FINISHED --SendMessage--> IDLE
//
// Every event produced by the agent or the conversation is appended to the
// state (and persisted), passed to the caller's callbacks in order, and
// published to subscribers.
package conversation
