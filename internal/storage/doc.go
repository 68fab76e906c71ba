// Package storage persists the append-only sequence of probe records.
//
// Drivers:
//   - "json":   one JSON array, rewritten through a temp file and rename
//   - "binlog": append-only blobs, each followed by a 4-byte start offset
//   - "sqlite": one row per record (modernc.org/sqlite, WAL)
//
// Every driver treats a missing store as empty and creates parent
// directories on demand. Only one process may append.
package storage
