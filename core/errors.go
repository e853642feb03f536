package core

import "errors"

var (
	// ErrRoutingBlocked is the soft-failure sentinel returned when a direct
	// message targets a circuit-open worker. Delivery is skipped, nothing
	// is queued and no message ID is returned.
	ErrRoutingBlocked = errors.New("routing blocked: target circuit open")

	// ErrActionNotFound signals that a worker has no handler for the
	// requested action name. Orchestrators fall back to Converse.
	ErrActionNotFound = errors.New("action not found")

	// ErrDependencyUnmet signals that a workflow step or team task cannot
	// start because a dependency has not completed.
	ErrDependencyUnmet = errors.New("dependency unmet")

	// ErrUnknownAgent signals a reference to a worker ID that is not
	// registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownTeam signals a reference to a team ID that is not
	// configured.
	ErrUnknownTeam = errors.New("unknown team")

	// ErrStateNotFound is returned by StateStore.Load when a namespace has
	// no saved state.
	ErrStateNotFound = errors.New("state not found")
)
