// Package workflow implements the DAG-based step executor: dependency
// ordered execution of agent actions with per-step retries, timeouts and
// stuck-graph detection.
package workflow

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentcoord/core"
)

// Reserved parameter keys injected into every step invocation.
const (
	ParamWorkflowID = "workflow_id"
	ParamStepID     = "step_id"
)

// StepStatus tracks a step through its lifecycle. A failed step may return
// to pending while retries remain.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Status tracks a workflow as a whole.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is one unit of a workflow: a named action invoked on a target
// agent once every dependency step has completed.
type Step struct {
	ID         string         `json:"id"`
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	MaxRetries int            `json:"max_retries"`

	// RetryCount is the total number of attempts made, including the
	// first. It exceeds MaxRetries by one when the step fails for good.
	RetryCount int        `json:"retry_count"`
	Status     StepStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Err        string     `json:"error,omitempty"`
}

// Workflow is a DAG of steps with a shared context map accumulating step
// results. Executed once; not resumable across restarts.
type Workflow struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Steps   []*Step        `json:"steps"`
	Status  Status         `json:"status"`
	Context map[string]any `json:"context"`

	// OnComplete / OnFailure are published on terminal state when set.
	OnComplete core.EventType `json:"on_complete,omitempty"`
	OnFailure  core.EventType `json:"on_failure,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Step returns the step with the given ID.
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// FailedSteps returns the IDs of permanently failed steps.
func (w *Workflow) FailedSteps() []string {
	var out []string
	for _, s := range w.Steps {
		if s.Status == StepFailed {
			out = append(out, s.ID)
		}
	}
	return out
}

// contextKey derives the shared-context key a step's result is stored
// under.
func contextKey(stepID string) string { return fmt.Sprintf("step_%s_result", stepID) }

// validateDAG rejects unknown or self dependencies and cycles using
// Kahn's algorithm.
func validateDAG(steps []*Step) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	inDegree := make(map[string]int, len(steps))
	forward := make(map[string][]string)
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			inDegree[s.ID]++
			forward[dep] = append(forward[dep], s.ID)
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(steps) {
		return fmt.Errorf("workflow contains a dependency cycle")
	}
	return nil
}
