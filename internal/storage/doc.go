// Package storage persists the scheduler's job store as one opaque record.
//
// The store aggregate (jobs + outbox) is marshaled by the scheduler and
// rewritten wholesale on every mutation; drivers never see inside the blob.
//
// Drivers:
//   - "file": dependency-free, atomic tmp+rename rewrite (default)
//   - "sqlite": single-row table, WAL mode (build tag "sqlite")
package storage
