package core

import "context"

// StateStore persists a component's bounded collections under a namespace.
// Each component saves and restores only its own namespace; no
// cross-namespace consistency is guaranteed or required.
type StateStore interface {
	// Load returns the saved state for a namespace. Fails with
	// ErrStateNotFound when nothing was saved under it.
	Load(ctx context.Context, namespace string) (map[string]any, error)

	// Save durably replaces the state for a namespace.
	Save(ctx context.Context, namespace string, state map[string]any) error
}
