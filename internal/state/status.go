// ABOUTME: Agent execution status values and confirmation policies
// ABOUTME: Policies decide from an action's risk whether the user must confirm it

package state

import (
	"fmt"
	"strings"

	"github.com/2389/coven-harness/internal/event"
)

// AgentStatus is the run-loop state of a conversation.
type AgentStatus string

const (
	StatusIdle                   AgentStatus = "idle"
	StatusRunning                AgentStatus = "running"
	StatusPaused                 AgentStatus = "paused"
	StatusWaitingForConfirmation AgentStatus = "waiting_for_confirmation"
	StatusFinished               AgentStatus = "finished"
	StatusError                  AgentStatus = "error"
	StatusStuck                  AgentStatus = "stuck"
)

// Halted reports whether the run loop must stop at this status.
func (s AgentStatus) Halted() bool {
	switch s {
	case StatusFinished, StatusPaused, StatusStuck, StatusError:
		return true
	}
	return false
}

// ConfirmationPolicy decides whether an action needs user confirmation.
type ConfirmationPolicy interface {
	ShouldConfirm(risk event.Risk) bool
	Name() string
}

// NeverConfirm executes every action without asking.
type NeverConfirm struct{}

func (NeverConfirm) ShouldConfirm(event.Risk) bool { return false }
func (NeverConfirm) Name() string                  { return "never" }

// AlwaysConfirm asks before every action.
type AlwaysConfirm struct{}

func (AlwaysConfirm) ShouldConfirm(event.Risk) bool { return true }
func (AlwaysConfirm) Name() string                  { return "always" }

// ConfirmRisky asks for actions at or above Threshold. Unknown risk always
// asks.
type ConfirmRisky struct {
	Threshold event.Risk
}

func (c ConfirmRisky) ShouldConfirm(r event.Risk) bool {
	return r.Rank() >= c.Threshold.Rank()
}

func (c ConfirmRisky) Name() string { return "risky:" + string(c.Threshold) }

// ParsePolicy resolves a policy name as produced by ConfirmationPolicy.Name.
// An empty name means NeverConfirm.
func ParsePolicy(name string) (ConfirmationPolicy, error) {
	switch {
	case name == "" || name == "never":
		return NeverConfirm{}, nil
	case name == "always":
		return AlwaysConfirm{}, nil
	case name == "risky":
		return ConfirmRisky{Threshold: event.RiskHigh}, nil
	case strings.HasPrefix(name, "risky:"):
		r := event.Risk(strings.TrimPrefix(name, "risky:"))
		switch r {
		case event.RiskLow, event.RiskMedium, event.RiskHigh:
			return ConfirmRisky{Threshold: r}, nil
		}
		return nil, fmt.Errorf("unknown risk threshold %q", r)
	}
	return nil, fmt.Errorf("unknown confirmation policy %q", name)
}
