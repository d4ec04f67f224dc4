// Package store provides the keyed byte storage that conversations persist to.
//
// # Architecture
//
// Store is deliberately small: Read, Write, List and Delete over opaque
// blobs addressed by slash-separated keys. The event log and conversation
// state build their on-disk format on top of it and make no assumptions about
// the backend.
//
// Implementations:
//
//   - MemoryStore: map-backed, for tests and sub-agent conversations
//   - FileStore: one file per key under a root directory, written via a
//     temporary file and rename so readers never see a partial blob
//   - SQLiteStore: a single blobs table (modernc.org/sqlite, WAL mode)
//
// # Scoping
//
// Several conversations share one backend through WithPrefix:
//
//	conv := store.WithPrefix(shared, "conversations/"+id)
//
// # Keys
//
// Keys must be clean relative paths: no leading slash, no backslashes, no
// "." or ".." segments. ValidateKey reports ErrInvalidKey otherwise.
//
// # Database Location
//
// The CLI places the SQLite database at persistence.path, defaulting to
// $XDG_DATA_HOME/coven/harness.db.
package store
