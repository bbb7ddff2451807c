// Package storage is the durable source of truth for sessions and messages.
//
// The cache layer may hold stale snapshots of this data; on disagreement the
// store always wins. Drivers: "sqlite" (file-backed) and "memory" (tests,
// ephemeral deployments).
package storage
