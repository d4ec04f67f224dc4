// ABOUTME: Event log over a byte Store: append deltas, reconcile, replay and compact
// ABOUTME: Compaction folds deltas into a zstd-compressed JSONL base blob

package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/store"
)

// ErrCorrupt is returned when persisted events cannot be replayed.
var ErrCorrupt = errors.New("corrupt event log")

// ErrOutOfOrder is returned when appending an index other than Len().
var ErrOutOfOrder = errors.New("event index out of order")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("eventlog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("eventlog: zstd decoder initialization failed: " + err.Error())
	}
}

// Options configures a Log.
type Options struct {
	// ShardSize is the delta count above which MaybeCompact folds deltas.
	// Zero means DefaultShardSize.
	ShardSize int
	Logger    *slog.Logger
}

// Log persists events to a Store.
type Log struct {
	mu        sync.Mutex
	store     store.Store
	shardSize int
	manifest  Manifest
	logger    *slog.Logger
}

// Open reads the manifest from st and reconciles it with the objects
// actually present. A missing or unreadable manifest starts empty and is
// rebuilt from the store contents.
func Open(ctx context.Context, st store.Store, opts Options) (*Log, error) {
	if opts.ShardSize <= 0 {
		opts.ShardSize = DefaultShardSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Log{
		store:     st,
		shardSize: opts.ShardSize,
		logger:    opts.Logger.With("component", "eventlog"),
	}

	data, err := st.Read(ctx, ManifestKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		l.logger.Warn("reading manifest, rebuilding from store", "error", err)
	default:
		if err := json.Unmarshal(data, &l.manifest); err != nil {
			l.logger.Warn("decoding manifest, rebuilding from store", "error", err)
			l.manifest = Manifest{}
		}
	}

	if _, err := l.Reconcile(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Manifest returns a copy of the current manifest.
func (l *Log) Manifest() Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manifest.clone()
}

// Len returns the number of persisted events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manifest.Len()
}

// Reconcile scans the store for delta and base objects the manifest does not
// know about and adds them. It reports whether the manifest changed; a
// changed manifest is written back.
func (l *Log) Reconcile(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys, err := l.store.List(ctx, EventsDir)
	if err != nil {
		return false, fmt.Errorf("listing events: %w", err)
	}

	changed := false

	// A base newer than the manifest's supersedes the deltas it covers.
	newest, newestKey := l.manifest.BaseCount, ""
	for _, k := range keys {
		if n, ok := parseBaseKey(k); ok && n > newest {
			newest, newestKey = n, k
		}
	}
	if newestKey != "" {
		l.logger.Warn("adopting base newer than manifest", "key", newestKey, "base_count", newest)
		l.manifest.BaseCount = newest
		l.manifest.BaseKey = newestKey
		kept := l.manifest.Segments[:0]
		for _, seg := range l.manifest.Segments {
			if seg.Index >= newest {
				kept = append(kept, seg)
			}
		}
		l.manifest.Segments = kept
		changed = true
	}

	known := make(map[int]bool, len(l.manifest.Segments))
	for _, seg := range l.manifest.Segments {
		known[seg.Index] = true
	}
	for _, k := range keys {
		idx, ok := parseDeltaKey(k)
		if !ok || idx < l.manifest.BaseCount || known[idx] {
			continue
		}
		l.logger.Info("recovered orphan delta", "key", k, "index", idx)
		l.manifest.Segments = append(l.manifest.Segments, Segment{Index: idx, Key: k})
		known[idx] = true
		changed = true
	}

	if !changed {
		return false, nil
	}

	sort.Slice(l.manifest.Segments, func(i, j int) bool {
		return l.manifest.Segments[i].Index < l.manifest.Segments[j].Index
	})
	if err := l.writeManifest(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Replay reads every persisted event in index order.
func (l *Log) Replay(ctx context.Context) ([]event.Event, error) {
	l.mu.Lock()
	m := l.manifest.clone()
	l.mu.Unlock()

	events, err := l.readBase(ctx, m)
	if err != nil {
		return nil, err
	}

	for i, seg := range m.Segments {
		if want := m.BaseCount + i; seg.Index != want {
			return nil, fmt.Errorf("%w: missing delta %d (found %d)", ErrCorrupt, want, seg.Index)
		}
		data, err := l.store.Read(ctx, seg.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, seg.Key, err)
		}
		e, err := event.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, seg.Key, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (l *Log) readBase(ctx context.Context, m Manifest) ([]event.Event, error) {
	if m.BaseKey == "" {
		if m.BaseCount != 0 {
			return nil, fmt.Errorf("%w: base_count %d without base", ErrCorrupt, m.BaseCount)
		}
		return nil, nil
	}

	compressed, err := l.store.Read(ctx, m.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, m.BaseKey, err)
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing %s: %v", ErrCorrupt, m.BaseKey, err)
	}

	events := make([]event.Event, 0, m.BaseCount)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := event.Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding %s line %d: %v", ErrCorrupt, m.BaseKey, len(events), err)
		}
		events = append(events, e)
	}
	if len(events) != m.BaseCount {
		return nil, fmt.Errorf("%w: %s holds %d events, expected %d", ErrCorrupt, m.BaseKey, len(events), m.BaseCount)
	}
	return events, nil
}

// Append persists e as event number index, which must equal Len(). The delta
// is written before the manifest.
func (l *Log) Append(ctx context.Context, index int, e event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if want := l.manifest.Len(); index != want {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, index, want)
	}

	data, err := event.Marshal(e)
	if err != nil {
		return err
	}
	key := deltaKey(index)
	if err := l.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("writing delta %d: %w", index, err)
	}

	l.manifest.Segments = append(l.manifest.Segments, Segment{Index: index, Key: key})
	return l.writeManifest(ctx)
}

// Sync appends every event in events beyond Len().
func (l *Log) Sync(ctx context.Context, events []event.Event) error {
	for i := l.Len(); i < len(events); i++ {
		if err := l.Append(ctx, i, events[i]); err != nil {
			return err
		}
	}
	return nil
}

// NeedsCompaction reports whether the delta count exceeds the shard size.
func (l *Log) NeedsCompaction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.manifest.Segments) > l.shardSize
}

// MaybeCompact compacts when NeedsCompaction is true.
func (l *Log) MaybeCompact(ctx context.Context) (bool, error) {
	if !l.NeedsCompaction() {
		return false, nil
	}
	return l.Compact(ctx)
}

// Compact folds every delta into a new base blob. The new base and manifest
// are written before any old object is deleted. It reports whether anything
// was folded.
func (l *Log) Compact(ctx context.Context) (bool, error) {
	events, err := l.Replay(ctx)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.manifest.Segments) == 0 {
		return false, nil
	}
	if len(events) != l.manifest.Len() {
		return false, fmt.Errorf("log changed during compaction: replayed %d, manifest has %d", len(events), l.manifest.Len())
	}

	var buf bytes.Buffer
	for _, e := range events {
		data, err := event.Marshal(e)
		if err != nil {
			return false, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	newKey := baseKey(len(events))
	if err := l.store.Write(ctx, newKey, zstdEncoder.EncodeAll(buf.Bytes(), nil)); err != nil {
		return false, fmt.Errorf("writing base %s: %w", newKey, err)
	}

	old := l.manifest
	l.manifest = Manifest{BaseCount: len(events), BaseKey: newKey}
	if err := l.writeManifest(ctx); err != nil {
		l.manifest = old
		return false, err
	}

	l.logger.Info("compacted event log", "base_count", len(events), "folded", len(old.Segments))

	stale := make([]string, 0, len(old.Segments)+1)
	for _, seg := range old.Segments {
		stale = append(stale, seg.Key)
	}
	// Also sweep bases left behind by interrupted compactions.
	if keys, err := l.store.List(ctx, EventsDir+"base-"); err == nil {
		for _, k := range keys {
			if k != newKey {
				stale = append(stale, k)
			}
		}
	}
	for _, k := range stale {
		if err := l.store.Delete(ctx, k); err != nil {
			l.logger.Warn("deleting compacted object", "key", k, "error", err)
		}
	}
	return true, nil
}

func (l *Log) writeManifest(ctx context.Context) error {
	if l.manifest.Segments == nil {
		l.manifest.Segments = []Segment{}
	}
	data, err := json.Marshal(l.manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := l.store.Write(ctx, ManifestKey, data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
