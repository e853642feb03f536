package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
)

const (
	// DefaultStepTimeout applies to steps created without one.
	DefaultStepTimeout = 60 * time.Second

	// DefaultMaxHistory bounds the archived workflow list.
	DefaultMaxHistory = 100

	// StateNamespace is the StateStore namespace used by Save/Restore.
	StateNamespace = "workflow_history"
)

// HealthView is the slice of the circuit breaker the engine depends on:
// circuit-open agents fail their steps without an invocation attempt, and
// step outcomes feed the window.
type HealthView interface {
	IsHealthy(agentID string) bool
	RecordFailure(agentID string)
	RecordSuccess(agentID string)
}

type noHealth struct{}

func (noHealth) IsHealthy(string) bool { return true }
func (noHealth) RecordFailure(string)  {}
func (noHealth) RecordSuccess(string)  {}

// EventPublisher is the slice of the event bus used to announce terminal
// workflow states.
type EventPublisher interface {
	Publish(ctx context.Context, t core.EventType, source string, payload map[string]any, priority core.Priority) (core.Event, error)
}

// Options configures an Engine.
type Options struct {
	// Health gates step execution. Defaults to a view that treats every
	// agent as healthy.
	Health HealthView

	// Events receives terminal workflow events. Nil disables publishing.
	Events EventPublisher

	// Logger receives run logs. Defaults to NoOp.
	Logger logging.Logger

	// StateStore persists workflow history. Nil disables Save/Restore.
	StateStore core.StateStore

	// DefaultTimeout applies to steps without one.
	DefaultTimeout time.Duration

	// MaxHistory bounds the archived workflow list.
	MaxHistory int
}

// WorkflowOptions carries the optional parameters of Create.
type WorkflowOptions struct {
	// Context seeds the workflow's shared context map.
	Context map[string]any

	// OnComplete / OnFailure configure terminal events.
	OnComplete core.EventType
	OnFailure  core.EventType
}

// Engine executes workflows. Steps with no unresolved dependencies on each
// other run as independent tasks; everything else is coordinated by the
// ready-set loop under the engine's bookkeeping.
type Engine struct {
	registry *core.Registry
	health   HealthView
	events   EventPublisher
	store    core.StateStore
	log      logging.Logger

	defaultTimeout time.Duration
	maxHistory     int

	mu      sync.Mutex
	active  map[string]*Workflow
	history []*Workflow
}

// New creates an Engine resolving step agents through the given registry.
func New(registry *core.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Health:         noHealth{},
		Logger:         logging.NoOpLogger{},
		DefaultTimeout: DefaultStepTimeout,
		MaxHistory:     DefaultMaxHistory,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = noHealth{}
	}

	return &Engine{
		registry:       registry,
		health:         opts.Health,
		events:         opts.Events,
		store:          opts.StateStore,
		log:            logging.EnsureLogger(opts.Logger),
		defaultTimeout: opts.DefaultTimeout,
		maxHistory:     opts.MaxHistory,
		active:         make(map[string]*Workflow),
	}
}

// Create validates the step graph and returns a pending workflow. Steps
// without an ID get one assigned; steps without a timeout inherit the
// engine default. Cyclic, self-referencing or unknown dependencies are
// rejected here rather than discovered as a stuck graph at run time.
func (e *Engine) Create(name string, steps []*Step, optFns ...func(o *WorkflowOptions)) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow %q: no steps", name)
	}

	var wfOpts WorkflowOptions
	for _, fn := range optFns {
		fn(&wfOpts)
	}

	for _, s := range steps {
		if s.ID == "" {
			s.ID = core.NewID()
		}
		if s.Timeout <= 0 {
			s.Timeout = e.defaultTimeout
		}
		s.Status = StepPending
	}
	if err := validateDAG(steps); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}

	ctx := wfOpts.Context
	if ctx == nil {
		ctx = make(map[string]any)
	}

	wf := &Workflow{
		ID:         core.NewID(),
		Name:       name,
		Steps:      steps,
		Status:     StatusPending,
		Context:    ctx,
		OnComplete: wfOpts.OnComplete,
		OnFailure:  wfOpts.OnFailure,
		CreatedAt:  time.Now().UTC(),
	}

	e.mu.Lock()
	e.active[wf.ID] = wf
	e.mu.Unlock()

	return wf, nil
}

// Run drives the workflow to a terminal state. The returned error reports
// misuse only (nil or already-run workflow); execution outcomes, including
// a stuck graph, are reported through the workflow's status and steps.
//
// Loop: compute the ready set (pending steps whose every dependency is
// completed), run it as one concurrent wave, fold results into the shared
// context, retry failures that have attempts left, repeat. An empty ready
// set with non-terminal steps remaining means some failed step permanently
// blocks its dependents: the workflow is failed as a whole.
func (e *Engine) Run(ctx context.Context, wf *Workflow) error {
	if wf == nil {
		return errors.New("run: nil workflow")
	}
	if wf.Status != StatusPending {
		return fmt.Errorf("run: workflow %s is %s, not pending", wf.ID, wf.Status)
	}

	start := time.Now()
	wf.Status = StatusRunning

	completed := make(map[string]bool)
	for {
		ready := e.readySet(wf, completed)
		if len(ready) == 0 {
			if e.allTerminal(wf) {
				break
			}
			// Some failed step blocks its dependents for good.
			wf.Status = StatusFailed
			e.log.Warn("workflow stuck", "workflow_id", wf.ID, "failed_steps", wf.FailedSteps())
			break
		}

		e.runWave(ctx, wf, ready)

		for _, s := range ready {
			switch s.Status {
			case StepCompleted:
				completed[s.ID] = true
				wf.Context[contextKey(s.ID)] = s.Result
			case StepFailed:
				if s.RetryCount <= s.MaxRetries {
					s.Status = StepPending
					s.Err = ""
				}
			}
		}
	}

	if wf.Status != StatusFailed {
		if len(wf.FailedSteps()) > 0 {
			wf.Status = StatusFailed
		} else {
			wf.Status = StatusCompleted
		}
	}
	wf.CompletedAt = time.Now().UTC()

	e.publishTerminal(ctx, wf)
	e.archive(wf)
	e.log.Info("workflow finished", "workflow_id", wf.ID, "status", wf.Status, "duration", time.Since(start))
	return nil
}

// Active returns the workflow if it has not reached a terminal state yet.
func (e *Engine) Active(id string) (*Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.active[id]
	return wf, ok
}

// History returns a copy of the archived workflow list, oldest first.
func (e *Engine) History() []*Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Workflow, len(e.history))
	copy(out, e.history)
	return out
}

// Save persists the workflow history under the engine namespace.
func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.mu.Lock()
	hist := make([]*Workflow, len(e.history))
	copy(hist, e.history)
	e.mu.Unlock()

	return e.store.Save(ctx, StateNamespace, map[string]any{"workflows": hist})
}

// Restore replaces the history with the last saved snapshot. Active
// workflows are not resumable and are not restored. A missing snapshot is
// not an error.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load(ctx, StateNamespace)
	if err != nil {
		if err == core.ErrStateNotFound {
			return nil
		}
		return err
	}

	var hist []*Workflow
	if err := core.DecodeInto(snap["workflows"], &hist); err != nil {
		return fmt.Errorf("restore workflow history: %w", err)
	}

	e.mu.Lock()
	e.history = hist
	e.mu.Unlock()
	return nil
}

// readySet returns the pending steps whose every dependency completed.
func (e *Engine) readySet(wf *Workflow, completed map[string]bool) []*Step {
	var ready []*Step
	for _, s := range wf.Steps {
		if s.Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

func (e *Engine) allTerminal(wf *Workflow) bool {
	for _, s := range wf.Steps {
		if s.Status != StepCompleted && s.Status != StepFailed {
			return false
		}
	}
	return true
}

// runWave executes one ready set concurrently. Steps in a wave have no
// dependencies on each other, so each goroutine touches only its own step.
func (e *Engine) runWave(ctx context.Context, wf *Workflow, ready []*Step) {
	// Snapshot the shared context once per wave; steps in the same wave
	// must not observe each other's results.
	params := make(map[string]any, len(wf.Context))
	for k, v := range wf.Context {
		params[k] = v
	}

	var wg sync.WaitGroup
	for _, s := range ready {
		wg.Add(1)
		go func(step *Step) {
			defer wg.Done()
			e.executeStep(ctx, wf, step, params)
		}(s)
	}
	wg.Wait()
}

// executeStep runs one attempt of a step, counting it in RetryCount. A
// timeout changes only the engine's bookkeeping: the invocation goroutine
// is left to finish on its own and its late result is discarded.
func (e *Engine) executeStep(ctx context.Context, wf *Workflow, step *Step, shared map[string]any) {
	step.Status = StepRunning
	step.RetryCount++

	if !e.health.IsHealthy(step.Agent) {
		e.failStep(step, fmt.Errorf("agent %s: %w", step.Agent, core.ErrRoutingBlocked))
		return
	}

	w, ok := e.registry.Get(step.Agent)
	if !ok {
		e.failStep(step, fmt.Errorf("agent %s: %w", step.Agent, core.ErrUnknownAgent))
		return
	}

	params := make(map[string]any, len(shared)+len(step.Params)+2)
	for k, v := range shared {
		params[k] = v
	}
	for k, v := range step.Params {
		params[k] = v
	}
	params[ParamWorkflowID] = wf.ID
	params[ParamStepID] = step.ID

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := w.Invoke(ctx, step.Action, params)
		if errors.Is(err, core.ErrActionNotFound) {
			result, err = w.Converse(ctx, describeAction(step, params))
		}
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			e.health.RecordFailure(step.Agent)
			e.failStep(step, o.err)
			return
		}
		e.health.RecordSuccess(step.Agent)
		step.Status = StepCompleted
		step.Result = o.result
	case <-time.After(step.Timeout):
		e.health.RecordFailure(step.Agent)
		e.failStep(step, fmt.Errorf("step %s timed out after %s", step.ID, step.Timeout))
	case <-ctx.Done():
		e.failStep(step, ctx.Err())
	}
}

func (e *Engine) failStep(step *Step, err error) {
	step.Status = StepFailed
	step.Err = err.Error()
	e.log.Warn("step failed", "step_id", step.ID, "agent", step.Agent, "attempt", step.RetryCount, "error", err)
}

// describeAction renders the conversational fallback prompt for agents
// without a matching named action.
func describeAction(step *Step, params map[string]any) string {
	return fmt.Sprintf("Perform the action %q with parameters: %v", step.Action, params)
}

// publishTerminal announces the configured completion or failure event.
func (e *Engine) publishTerminal(ctx context.Context, wf *Workflow) {
	if e.events == nil {
		return
	}

	if wf.Status == StatusCompleted && wf.OnComplete != "" {
		payload := map[string]any{ParamWorkflowID: wf.ID, "context": wf.Context}
		if _, err := e.events.Publish(ctx, wf.OnComplete, "workflow_engine", payload, core.PriorityNormal); err != nil {
			e.log.Warn("completion event publish failed", "workflow_id", wf.ID, "error", err)
		}
	}
	if wf.Status == StatusFailed && wf.OnFailure != "" {
		payload := map[string]any{ParamWorkflowID: wf.ID, "failed_steps": wf.FailedSteps()}
		if _, err := e.events.Publish(ctx, wf.OnFailure, "workflow_engine", payload, core.PriorityHigh); err != nil {
			e.log.Warn("failure event publish failed", "workflow_id", wf.ID, "error", err)
		}
	}
}

// archive moves the workflow from the active set to the bounded history.
func (e *Engine) archive(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, wf.ID)
	e.history = append(e.history, wf)
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
}
