// Package stores provides the durable archive for fault instances.
// It includes SQLite-based storage with WAL mode, connection pooling,
// an upserted instance snapshot table, and an append-only transition
// log used for recovery after restart and for audit.
package stores
