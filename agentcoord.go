// Package agentcoord provides a high-level façade over the coordination
// components: message bus, event bus, circuit breaker, shared context,
// intent router, workflow engine and team orchestrator. Most applications
// interact with this package by:
//  1. Creating a Coordinator via New() (optionally supplying a durable
//     state store and a structured logger)
//  2. Registering workers and routing profiles
//  3. Submitting work through Messages()/Events()/Workflows()/Teams(), with
//     Route() deciding who should receive a natural-language request
//
// The façade constructs every component exactly once and wires them
// explicitly: all components share one circuit breaker so unhealthy agents
// are skipped without the caller needing to know, and terminal workflow
// states surface on the event bus. All defaults are safe for local
// development and testing; production deployments typically supply a Redis
// state store and a structured logger.
package agentcoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcoord/breaker"
	"github.com/hupe1980/agentcoord/bus"
	"github.com/hupe1980/agentcoord/contextstore"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/eventbus"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/router"
	"github.com/hupe1980/agentcoord/team"
	"github.com/hupe1980/agentcoord/workflow"
)

// Options configures the Coordinator instance.
type Options struct {
	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger

	// StateStore persists queue, history and shared-context snapshots.
	// Nil disables SaveState/RestoreState (in-memory only).
	StateStore core.StateStore

	// ManagerID is the agent receiving team escalations.
	ManagerID string

	// TeamPresets are registered as undeletable teams at construction.
	// Defaults to team.DefaultPresets(); pass an empty non-nil slice to
	// start without presets.
	TeamPresets []*team.Team

	// BreakerFailureThreshold / BreakerWindow tune the shared circuit
	// breaker. Zero values keep the breaker defaults.
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
}

// Coordinator is the high-level façade aggregating the coordination
// components. Construct it once at process start and pass it to every
// agent; there is no ambient global state.
type Coordinator struct {
	registry  *core.Registry
	breaker   *breaker.Breaker
	messages  *bus.Bus
	events    *eventbus.Bus
	shared    *contextstore.Store
	router    *router.Router
	workflows *workflow.Engine
	teams     *team.Orchestrator
	log       logging.Logger
}

// New creates a Coordinator with every component wired against the shared
// circuit breaker, registry and state store.
func New(optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger:      logging.NoOpLogger{},
		ManagerID:   team.DefaultManagerID,
		TeamPresets: team.DefaultPresets(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	log := logging.EnsureLogger(opts.Logger)

	registry := core.NewRegistry()
	health := breaker.New(func(o *breaker.Options) {
		if opts.BreakerFailureThreshold > 0 {
			o.FailureThreshold = opts.BreakerFailureThreshold
		}
		if opts.BreakerWindow > 0 {
			o.Window = opts.BreakerWindow
		}
		o.Logger = log
	})

	messages := bus.New(registry, func(o *bus.Options) {
		o.Health = health
		o.Logger = log
		o.StateStore = opts.StateStore
	})
	events := eventbus.New(registry, func(o *eventbus.Options) {
		o.Health = health
		o.Logger = log
		o.StateStore = opts.StateStore
	})
	shared := contextstore.New(func(o *contextstore.Options) {
		o.Logger = log
		o.StateStore = opts.StateStore
	})
	intents := router.New(func(o *router.Options) {
		o.Logger = log
	})
	workflows := workflow.New(registry, func(o *workflow.Options) {
		o.Health = health
		o.Events = events
		o.Logger = log
		o.StateStore = opts.StateStore
	})
	teams := team.New(registry, func(o *team.Options) {
		o.Health = health
		o.Messenger = messages
		o.ManagerID = opts.ManagerID
		o.Logger = log
		o.StateStore = opts.StateStore
	})

	c := &Coordinator{
		registry:  registry,
		breaker:   health,
		messages:  messages,
		events:    events,
		shared:    shared,
		router:    intents,
		workflows: workflows,
		teams:     teams,
		log:       log,
	}

	for _, preset := range opts.TeamPresets {
		if err := c.registerPreset(preset); err != nil {
			log.Warn("skipping invalid team preset", "team", preset.ID, "error", err)
		}
	}
	return c
}

// RegisterWorker adds a worker to the shared registry, optionally with a
// routing profile.
func (c *Coordinator) RegisterWorker(w core.Worker, profiles ...router.Profile) {
	c.registry.Register(w)
	for _, p := range profiles {
		c.router.RegisterProfile(p)
	}
	c.log.Debug("worker registered", "agent", w.ID())
}

// DeregisterWorker removes a worker and purges its event subscriptions.
// Queued messages and recorded history are left intact.
func (c *Coordinator) DeregisterWorker(id string) bool {
	ok := c.registry.Deregister(id)
	if ok {
		c.events.RemoveAgent(id)
		c.log.Debug("worker deregistered", "agent", id)
	}
	return ok
}

// RegisterTeam adds a dynamic team to the orchestrator and makes it
// visible to the router's team-suggestion matching.
func (c *Coordinator) RegisterTeam(t *team.Team) error {
	if err := c.teams.RegisterTeam(t); err != nil {
		return err
	}
	c.router.RegisterTeam(teamInfo(t))
	return nil
}

func (c *Coordinator) registerPreset(t *team.Team) error {
	if err := c.teams.RegisterPreset(t); err != nil {
		return err
	}
	c.router.RegisterTeam(teamInfo(t))
	return nil
}

func teamInfo(t *team.Team) router.TeamInfo {
	return router.TeamInfo{ID: t.ID, Leader: t.Leader, Members: t.Members}
}

// Route resolves the single agent best suited for a natural-language
// request. See router.Router for ambiguity semantics.
func (c *Coordinator) Route(message, fromAgent string, optFns ...func(o *router.RouteOptions)) (string, bool) {
	return c.router.Route(message, fromAgent, optFns...)
}

// RouteWithTeamSuggestion resolves a primary agent and, when scores
// cluster, a team suggestion.
func (c *Coordinator) RouteWithTeamSuggestion(message string) router.Suggestion {
	return c.router.RouteWithTeamSuggestion(message)
}

// Registry returns the shared worker directory.
func (c *Coordinator) Registry() *core.Registry { return c.registry }

// Breaker returns the shared circuit breaker.
func (c *Coordinator) Breaker() *breaker.Breaker { return c.breaker }

// Messages returns the message bus.
func (c *Coordinator) Messages() *bus.Bus { return c.messages }

// Events returns the event bus.
func (c *Coordinator) Events() *eventbus.Bus { return c.events }

// SharedContext returns the shared context store.
func (c *Coordinator) SharedContext() *contextstore.Store { return c.shared }

// Router returns the intent router.
func (c *Coordinator) Router() *router.Router { return c.router }

// Workflows returns the workflow engine.
func (c *Coordinator) Workflows() *workflow.Engine { return c.workflows }

// Teams returns the team orchestrator.
func (c *Coordinator) Teams() *team.Orchestrator { return c.teams }

// SaveState persists every component's snapshot under its own namespace.
// Components without persistable state are skipped; one component's save
// failure does not stop the others.
func (c *Coordinator) SaveState(ctx context.Context) error {
	return errors.Join(
		wrapState("message_bus", c.messages.Save(ctx)),
		wrapState("event_history", c.events.Save(ctx)),
		wrapState("shared_context", c.shared.Save(ctx)),
		wrapState("workflow_history", c.workflows.Save(ctx)),
		wrapState("task_history", c.teams.Save(ctx)),
	)
}

// RestoreState loads the last saved snapshots. Missing snapshots are not
// errors; a fresh store restores to an empty state.
func (c *Coordinator) RestoreState(ctx context.Context) error {
	return errors.Join(
		wrapState("message_bus", c.messages.Restore(ctx)),
		wrapState("event_history", c.events.Restore(ctx)),
		wrapState("shared_context", c.shared.Restore(ctx)),
		wrapState("workflow_history", c.workflows.Restore(ctx)),
		wrapState("task_history", c.teams.Restore(ctx)),
	)
}

func wrapState(namespace string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", namespace, err)
}
