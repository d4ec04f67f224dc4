// Package agent provides deterministic reference agents for the harness.
//
// # Overview
//
// Real agents call a language model; these do not. They exist so the run
// loop, confirmation, persistence and delegation can be driven end to end
// from the CLI and from tests.
//
// # Echo
//
// Echo answers each user message with a single "echo" tool call. When the
// action is executed (immediately, or after confirmation) the observation is
// the message text with any referenced secrets expanded and then masked. The
// agent then replies with the observation and finishes. A rejected action
// gets a short reply instead.
//
// # Delegator
//
// Delegator splits a task across sub-agents through a delegation.Manager and
// finishes. Sub-agent reports arrive later as user messages; once every
// sub-agent has reported, Delegator replies with a summary.
//
//	d := agent.NewDelegator(3)
//	conv, _ := conversation.New(ctx, d)
//	mgr := delegation.NewManager(conv, delegation.Options{
//	    NewAgent: func(string) (conversation.Agent, error) { return agent.NewEcho(event.RiskLow), nil },
//	})
//	d.Attach(mgr)
package agent
