// ABOUTME: Entry point for coven-harness, the conversation engine CLI
// ABOUTME: Loads config, opens the configured store and runs reference agents

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/2389/coven-harness/internal/config"
	"github.com/2389/coven-harness/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        | |__   __ _ _ __ _ __   ___  ___ ___
 / __/ _ \ \ / / _ \ '_ \ _____ | '_ \ / _' | '__| '_ \ / _ \/ __/ __|
| (_| (_) \ V /  __/ | | |_____|| | | | (_| | |  | | | |  __/\__ \__ \
 \___\___/ \_/ \___|_| |_|      |_| |_|\__,_|_|  |_| |_|\___||___/___/
`

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("coven-harness"),
		kong.Description("Run and inspect persisted agent conversations."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := kctx.Run(&Globals{
		Ctx:        ctx,
		ConfigPath: cli.Config,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load resolves and reads the configuration and builds the logger.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadOrDefault(g.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, setupLogger(cfg.Logging), nil
}

// openStore opens the configured backend. The returned close function
// releases it.
func openStore(cfg config.PersistenceConfig) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), noop, nil
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}
		return fs, noop, nil
	case config.BackendSQLite:
		db, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
}

// conversationStore scopes one conversation inside a shared store.
func conversationStore(s store.Store, id string) store.Store {
	return store.WithPrefix(s, "conversations/"+id+"/")
}

func printBanner() {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)
}

func (v *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Stdout, "coven-harness %s\n", version)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// stderrMu serializes log lines from every handler derived via WithAttrs.
var stderrMu sync.Mutex

// colorHandler provides colorized log output on stderr with thread-safe writes.
type colorHandler struct {
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	buf.WriteString("\n")

	stderrMu.Lock()
	defer stderrMu.Unlock()
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	return &colorHandler{level: h.level, attrs: append(newAttrs, attrs...)}
}

// WithGroup is accepted but groups are flattened in this output.
func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}
