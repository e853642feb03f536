// Package testutil contains stub workers and helpers used across tests to
// reduce boilerplate when exercising the buses and orchestrators. The
// stubs record everything they receive and are intentionally minimal; they
// are not intended for production usage.
package testutil
