// Package state provides StateStore implementations: a process-local
// in-memory store for tests and demos, and a Redis-backed store for
// deployments that need queue and history snapshots to survive restarts.
package state
