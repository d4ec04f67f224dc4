// ABOUTME: Implementations of the run, inspect and compact commands
// ABOUTME: Wire config, store, conversation, delegation and the event stream together

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-harness/internal/agent"
	"github.com/2389/coven-harness/internal/config"
	"github.com/2389/coven-harness/internal/conversation"
	"github.com/2389/coven-harness/internal/delegation"
	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/eventlog"
	"github.com/2389/coven-harness/internal/pubsub"
	"github.com/2389/coven-harness/internal/secrets"
	"github.com/2389/coven-harness/internal/state"
	"github.com/2389/coven-harness/internal/store"
)

// rejectReason is recorded when the user declines an action at the prompt.
const rejectReason = "Rejected from the command line"

func (r *RunCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	printBanner()

	base, closeStore, err := openStore(cfg.Persistence)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := cfg.Engine.Policy()
	if err != nil {
		return err
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	risk := event.Risk(r.Risk)
	var (
		root      conversation.Agent = agent.NewEcho(risk)
		delegator *agent.Delegator
	)
	if r.Delegate > 0 {
		delegator = agent.NewDelegator(r.Delegate)
		root = delegator
	}

	conv, err := conversation.New(g.Ctx, root, conversationOptions(cfg, id, base, policy, logger)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := conv.Close(context.Background()); err != nil {
			logger.Error("closing conversation", "error", err)
		}
	}()

	var mgr *delegation.Manager
	if delegator != nil {
		mgr = delegation.NewManager(conv, delegation.Options{
			NewAgent: func(string) (conversation.Agent, error) {
				return agent.NewEcho(risk), nil
			},
			MaxChildren:  cfg.Delegation.MaxChildren,
			JoinTimeout:  cfg.Delegation.JoinTimeout,
			MaxRuntime:   cfg.Delegation.MaxRuntime,
			PollInterval: cfg.Delegation.PollInterval,
			Logger:       logger,
		})
		delegator.Attach(mgr)
		defer func() {
			if err := mgr.Shutdown(context.Background()); err != nil {
				logger.Warn("shutting down delegation", "error", err)
			}
		}()
	}

	out := &lockedWriter{w: g.Stdout}
	stream := pubsub.NewChannel[event.Event](256)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range stream.C() {
			renderEvent(out, e)
		}
	}()
	subID := conv.Subscribe(stream)
	defer func() {
		conv.Unsubscribe(subID)
		<-printed
		fmt.Fprintf(out, "\nconversation %s: %s\n", conv.ID(), conv.State().Status())
	}()

	if err := conv.SendMessage(g.Ctx, r.Task); err != nil {
		return err
	}
	if err := r.drive(g.Ctx, conv, g.Stdin, out); err != nil {
		return err
	}
	if mgr != nil {
		waitForDelegation(g.Ctx, mgr)
	}
	return nil
}

// drive runs the conversation, prompting for confirmation whenever it stops
// to wait for one.
func (r *RunCmd) drive(ctx context.Context, conv *conversation.Conversation, stdin io.Reader, out io.Writer) error {
	in := bufio.NewReader(stdin)
	for {
		if err := conv.Run(ctx); err != nil {
			return err
		}
		if conv.State().Status() != state.StatusWaitingForConfirmation {
			return nil
		}
		if r.Yes {
			continue
		}
		ok, err := confirm(in, out, conv.State().UnmatchedActions())
		if err != nil {
			return err
		}
		if !ok {
			conv.RejectPendingActions(rejectReason)
		}
	}
}

// confirm asks whether the pending actions may run.
func confirm(in *bufio.Reader, out io.Writer, pending []event.Action) (bool, error) {
	for _, a := range pending {
		color.New(color.FgYellow).Fprintf(out, "? %s %s [risk: %s]\n", a.ToolName, a.Arguments, a.Risk)
	}
	fmt.Fprint(out, "Run these actions? [y/N] ")

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// waitForDelegation blocks until no sub-agent is active and their output
// has reached the parent.
func waitForDelegation(ctx context.Context, mgr *delegation.Manager) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for mgr.TaskInProgress() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func conversationOptions(cfg *config.Config, id string, base store.Store, policy state.ConfirmationPolicy, logger *slog.Logger) []conversation.Option {
	values := make(map[string]secrets.Value, len(cfg.Secrets))
	for name, v := range cfg.Secrets {
		values[name] = secrets.Static(v)
	}

	opts := []conversation.Option{
		conversation.WithID(id),
		conversation.WithStore(conversationStore(base, id)),
		conversation.WithMaxIterations(cfg.Engine.MaxIterations),
		conversation.WithConfirmationPolicy(policy),
		conversation.WithShardSize(cfg.Persistence.ShardSize),
		conversation.WithPersistenceDir(cfg.Persistence.Path),
		conversation.WithSecrets(values),
		conversation.WithLogger(logger),
	}
	if wd, err := os.Getwd(); err == nil {
		opts = append(opts, conversation.WithWorkingDir(wd))
	}
	if !cfg.Engine.StuckDetectionEnabled() {
		opts = append(opts, conversation.WithoutStuckDetection())
	}
	return opts
}

func (c *InspectCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	base, closeStore, err := openStore(cfg.Persistence)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := openExisting(g.Ctx, base, c.ID, cfg, logger)
	if err != nil {
		return err
	}

	m := st.Manifest()
	bold := color.New(color.Bold)
	bold.Fprintf(g.Stdout, "conversation %s\n", st.ID())
	fmt.Fprintf(g.Stdout, "  status:       %s\n", st.Status())
	fmt.Fprintf(g.Stdout, "  confirmation: %s\n", st.ConfirmationPolicy().Name())
	fmt.Fprintf(g.Stdout, "  base:         %d events %s\n", m.BaseCount, m.BaseKey)
	fmt.Fprintf(g.Stdout, "  deltas:       %d\n\n", len(m.Segments))

	for _, e := range st.Events() {
		renderEvent(g.Stdout, e)
	}
	return nil
}

func (c *CompactCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	base, closeStore, err := openStore(cfg.Persistence)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := openExisting(g.Ctx, base, c.ID, cfg, logger)
	if err != nil {
		return err
	}

	before := st.Manifest()
	compacted, err := st.Compact(g.Ctx)
	if err != nil {
		return fmt.Errorf("compacting %s: %w", c.ID, err)
	}
	if !compacted {
		fmt.Fprintf(g.Stdout, "conversation %s: nothing to compact\n", c.ID)
		return nil
	}
	after := st.Manifest()
	fmt.Fprintf(g.Stdout, "conversation %s: folded %d deltas into %s (%d events)\n",
		c.ID, len(before.Segments), after.BaseKey, after.BaseCount)
	return nil
}

// openExisting loads a persisted conversation without creating one.
func openExisting(ctx context.Context, base store.Store, id string, cfg *config.Config, logger *slog.Logger) (*state.ConversationState, error) {
	cs := conversationStore(base, id)
	if _, err := cs.Read(ctx, eventlog.BaseStateKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		return nil, err
	}
	return state.Create(ctx, state.Options{
		ID:        id,
		Store:     cs,
		ShardSize: cfg.Persistence.ShardSize,
		Logger:    logger,
	})
}
