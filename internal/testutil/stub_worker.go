package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// StubWorker is a configurable core.Worker for tests. It records every
// message, event and prompt it receives. Behavior is overridden by
// assigning the *Fn fields or registering actions; the zero behavior
// succeeds and echoes.
type StubWorker struct {
	WorkerID string

	// Actions backs Invoke; actions registered here take precedence over
	// InvokeFn.
	Actions *core.ActionRegistry

	ReceiveFn  func(ctx context.Context, msg core.Message) error
	HandleFn   func(ctx context.Context, ev core.Event) error
	ConverseFn func(ctx context.Context, prompt string) (string, error)

	mu       sync.Mutex
	received []core.Message
	events   []core.Event
	prompts  []string
}

// NewStubWorker creates a stub with the given ID and an empty action
// registry.
func NewStubWorker(id string) *StubWorker {
	return &StubWorker{WorkerID: id, Actions: core.NewActionRegistry()}
}

// WithAction registers an action handler (chainable).
func (s *StubWorker) WithAction(name string, h core.ActionHandler) *StubWorker {
	s.Actions.Register(name, h)
	return s
}

// WithConverse overrides the conversational fallback (chainable).
func (s *StubWorker) WithConverse(fn func(ctx context.Context, prompt string) (string, error)) *StubWorker {
	s.ConverseFn = fn
	return s
}

// WithReceive overrides the message callback (chainable).
func (s *StubWorker) WithReceive(fn func(ctx context.Context, msg core.Message) error) *StubWorker {
	s.ReceiveFn = fn
	return s
}

// WithHandle overrides the event callback (chainable).
func (s *StubWorker) WithHandle(fn func(ctx context.Context, ev core.Event) error) *StubWorker {
	s.HandleFn = fn
	return s
}

// ID implements core.Worker.
func (s *StubWorker) ID() string { return s.WorkerID }

// ReceiveMessage implements core.Worker.
func (s *StubWorker) ReceiveMessage(ctx context.Context, msg core.Message) error {
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()
	if s.ReceiveFn != nil {
		return s.ReceiveFn(ctx, msg)
	}
	return nil
}

// HandleEvent implements core.Worker.
func (s *StubWorker) HandleEvent(ctx context.Context, ev core.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.HandleFn != nil {
		return s.HandleFn(ctx, ev)
	}
	return nil
}

// Invoke implements core.Worker via the action registry.
func (s *StubWorker) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	return s.Actions.Invoke(ctx, action, params)
}

// Converse implements core.Worker. Without an override it echoes the
// prompt prefixed by the worker ID.
func (s *StubWorker) Converse(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.ConverseFn != nil {
		return s.ConverseFn(ctx, prompt)
	}
	return s.WorkerID + ": " + prompt, nil
}

// Received returns a copy of the recorded messages.
func (s *StubWorker) Received() []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Message, len(s.received))
	copy(out, s.received)
	return out
}

// Events returns a copy of the recorded events.
func (s *StubWorker) Events() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Prompts returns a copy of the recorded Converse prompts.
func (s *StubWorker) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
