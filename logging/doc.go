// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug
// any structured logger. It also offers a richer CoordLogger with
// contextual helpers (component, workflow, task) and domain specific
// logging helpers for circuit transitions, deliveries and orchestration
// runs.
package logging
