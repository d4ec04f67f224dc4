// Package eventlog persists an append-only event history as a manifest plus
// one delta object per event, periodically folded into a compressed base.
//
// # Layout
//
//	manifest.json                  base_count, base_key, segments
//	events/delta-000042.json       one event envelope per delta
//	events/base-000040.jsonl.zst   first 40 events, zstd-compressed JSONL
//
// base_count + len(segments) always equals the number of persisted events.
//
// # Recovery
//
// Appends write the delta before the manifest. If a process dies in between,
// Reconcile finds the orphan delta on the next Open and adds it back. A base
// blob newer than the manifest (a compaction interrupted before its manifest
// write) is adopted the same way.
package eventlog
