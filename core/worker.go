package core

import "context"

// Worker is the capability interface every agent exposes to the
// coordination layer. Workers are opaque: the layer never inspects how a
// worker produces its results, it only calls through this interface.
//
// Implementations must:
//   - Be safe for concurrent calls
//   - Respect context cancellation on blocking operations
//   - Fail Invoke with ErrActionNotFound for unsupported action names so
//     callers can fall back to Converse
type Worker interface {
	// ID returns the worker's stable identifier.
	ID() string

	// ReceiveMessage notifies the worker of a queued message. A returned
	// error indicates notification failure only; the message stays queued.
	ReceiveMessage(ctx context.Context, msg Message) error

	// HandleEvent delivers a published event the worker subscribed to.
	HandleEvent(ctx context.Context, ev Event) error

	// Invoke executes a named action with a parameter map. Fails with
	// ErrActionNotFound when the worker has no handler for the name.
	Invoke(ctx context.Context, action string, params map[string]any) (any, error)

	// Converse is the generic conversational fallback used when no named
	// action matches.
	Converse(ctx context.Context, prompt string) (string, error)
}
