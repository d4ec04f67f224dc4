// ABOUTME: Manifest describing folded base events and ordered delta segments
// ABOUTME: Key naming and parsing for delta and base objects

package eventlog

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	// BaseStateKey holds the non-event state snapshot written by the owner.
	BaseStateKey = "base_state.json"
	// ManifestKey holds the encoded Manifest.
	ManifestKey = "manifest.json"
	// EventsDir prefixes every delta and base object.
	EventsDir = "events/"
	// DefaultShardSize is the delta count above which compaction runs.
	DefaultShardSize = 20
)

var (
	deltaKeyRe = regexp.MustCompile(`^events/delta-(\d{6,})\.json$`)
	baseKeyRe  = regexp.MustCompile(`^events/base-(\d{6,})\.jsonl\.zst$`)
)

// Segment references the delta object holding event Index.
type Segment struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
}

// Manifest indexes the persisted events.
type Manifest struct {
	BaseCount int       `json:"base_count"`
	BaseKey   string    `json:"base_key,omitempty"`
	Segments  []Segment `json:"segments"`
}

// Len returns the number of events the manifest accounts for.
func (m Manifest) Len() int {
	return m.BaseCount + len(m.Segments)
}

func (m Manifest) clone() Manifest {
	m.Segments = append([]Segment(nil), m.Segments...)
	return m
}

func deltaKey(index int) string {
	return fmt.Sprintf("%sdelta-%06d.json", EventsDir, index)
}

func baseKey(count int) string {
	return fmt.Sprintf("%sbase-%06d.jsonl.zst", EventsDir, count)
}

// parseDeltaKey returns the event index encoded in a delta key.
func parseDeltaKey(key string) (int, bool) {
	return parseIndex(deltaKeyRe, key)
}

// parseBaseKey returns the event count encoded in a base key.
func parseBaseKey(key string) (int, bool) {
	return parseIndex(baseKeyRe, key)
}

func parseIndex(re *regexp.Regexp, key string) (int, bool) {
	m := re.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
