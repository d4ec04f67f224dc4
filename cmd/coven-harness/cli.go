// ABOUTME: Command-line structure for coven-harness, parsed with kong
// ABOUTME: Global flags plus the run, inspect, compact and version subcommands

package main

import (
	"context"
	"io"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `short:"c" help:"Config file path (default: $COVEN_HARNESS_CONFIG or $XDG_CONFIG_HOME/coven/harness.yaml)"`

	Run     RunCmd     `cmd:"" help:"Send a task to a conversation and run it"`
	Inspect InspectCmd `cmd:"" help:"Show a persisted conversation's manifest and events"`
	Compact CompactCmd `cmd:"" help:"Fold a conversation's delta segments into its base"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd sends a task and runs the agent until it settles.
type RunCmd struct {
	Task     string `short:"t" required:"" help:"Task to send to the agent"`
	Delegate int    `short:"d" help:"Split the task across N sub-agents"`
	ID       string `help:"Conversation id to resume (default: a new conversation)"`
	Risk     string `default:"low" enum:"low,medium,high" help:"Risk assigned to the echo tool call"`
	Yes      bool   `short:"y" help:"Confirm every pending action without asking"`
}

// InspectCmd prints a persisted conversation.
type InspectCmd struct {
	ID string `required:"" help:"Conversation id"`
}

// CompactCmd forces compaction of a persisted conversation.
type CompactCmd struct {
	ID string `required:"" help:"Conversation id"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

// Globals carries what every command needs.
type Globals struct {
	Ctx        context.Context
	ConfigPath string
	Stdin      io.Reader
	Stdout     io.Writer
}
