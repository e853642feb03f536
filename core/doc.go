// Package core defines the shared vocabulary of the coordination layer:
// messages, events, priorities, the Worker capability interface and the
// StateStore persistence boundary. Every other package depends on core;
// core depends only on the logging abstraction.
package core
