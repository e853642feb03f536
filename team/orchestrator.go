package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentcoord/bus"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
)

const (
	// DefaultMaxHistory bounds the archived task list.
	DefaultMaxHistory = 100

	// DefaultManagerID is the escalation target when none is configured.
	DefaultManagerID = "manager"

	// StateNamespace is the StateStore namespace used by Save/Restore.
	StateNamespace = "task_history"

	// maxSummaryChars truncates one member's output in merged summaries.
	maxSummaryChars = 500
)

// HealthView is the slice of the circuit breaker the orchestrator depends
// on: circuit-open members are skipped with a per-member failure result and
// member outcomes feed the window.
type HealthView interface {
	IsHealthy(agentID string) bool
	RecordFailure(agentID string)
	RecordSuccess(agentID string)
}

type noHealth struct{}

func (noHealth) IsHealthy(string) bool { return true }
func (noHealth) RecordFailure(string)  {}
func (noHealth) RecordSuccess(string)  {}

// Messenger is the slice of the message bus used for escalation.
type Messenger interface {
	Send(ctx context.Context, from, to, msgType string, payload map[string]any, priority core.Priority, optFns ...func(o *bus.SendOptions)) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Health gates member invocations. Defaults to a view that treats every
	// member as healthy.
	Health HealthView

	// Messenger carries escalation messages. Nil disables escalation.
	Messenger Messenger

	// ManagerID is the escalation target agent.
	ManagerID string

	// Logger receives execution logs. Defaults to NoOp.
	Logger logging.Logger

	// StateStore persists task history. Nil disables Save/Restore.
	StateStore core.StateStore

	// MaxHistory bounds the archived task list.
	MaxHistory int
}

// TaskOptions carries the optional parameters of Execute.
type TaskOptions struct {
	// Mode overrides the team's configured mode for this task.
	Mode Mode

	// Context seeds the task's shared context map.
	Context map[string]any

	// DependsOn lists task IDs that must have completed first.
	DependsOn []string
}

// Orchestrator executes tasks against registered teams.
type Orchestrator struct {
	registry  *core.Registry
	health    HealthView
	messenger Messenger
	managerID string
	store     core.StateStore
	log       logging.Logger
	maxHist   int

	mu      sync.Mutex
	teams   map[string]*Team
	presets map[string]bool
	active  map[string]*Task
	history []*Task
}

// New creates an Orchestrator resolving members through the given registry.
func New(registry *core.Registry, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Health:     noHealth{},
		ManagerID:  DefaultManagerID,
		Logger:     logging.NoOpLogger{},
		MaxHistory: DefaultMaxHistory,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = noHealth{}
	}

	return &Orchestrator{
		registry:  registry,
		health:    opts.Health,
		messenger: opts.Messenger,
		managerID: opts.ManagerID,
		store:     opts.StateStore,
		log:       logging.EnsureLogger(opts.Logger),
		maxHist:   opts.MaxHistory,
		teams:     make(map[string]*Team),
		presets:   make(map[string]bool),
		active:    make(map[string]*Task),
	}
}

// RegisterTeam adds or replaces a dynamic team.
func (o *Orchestrator) RegisterTeam(t *Team) error {
	if err := t.normalize(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teams[t.ID] = t
	return nil
}

// RegisterPreset adds a team that DeleteTeam refuses to remove.
func (o *Orchestrator) RegisterPreset(t *Team) error {
	if err := o.RegisterTeam(t); err != nil {
		return err
	}
	o.mu.Lock()
	o.presets[t.ID] = true
	o.mu.Unlock()
	return nil
}

// DeleteTeam removes a dynamic team. Preset teams cannot be deleted.
func (o *Orchestrator) DeleteTeam(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.teams[id]; !ok {
		return fmt.Errorf("delete team %s: %w", id, core.ErrUnknownTeam)
	}
	if o.presets[id] {
		return fmt.Errorf("delete team %s: preset teams cannot be deleted", id)
	}
	delete(o.teams, id)
	return nil
}

// Team returns the team with the given ID.
func (o *Orchestrator) Team(id string) (*Team, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.teams[id]
	return t, ok
}

// Teams returns a copy of the registered team list.
func (o *Orchestrator) Teams() []*Team {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Team, 0, len(o.teams))
	for _, t := range o.teams {
		out = append(out, t)
	}
	return out
}

// Execute runs one task against a team and drives it to a terminal state.
// The returned error reports an unknown team only; execution outcomes,
// including blocked dependencies, per-member failures and rejected consensus
// votes, are reported through the task itself.
func (o *Orchestrator) Execute(ctx context.Context, teamID, description string, optFns ...func(opt *TaskOptions)) (*Task, error) {
	var taskOpts TaskOptions
	for _, fn := range optFns {
		fn(&taskOpts)
	}

	o.mu.Lock()
	team, ok := o.teams[teamID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("execute: team %s: %w", teamID, core.ErrUnknownTeam)
	}

	mode := team.Mode
	if taskOpts.Mode != "" && taskOpts.Mode.Valid() {
		mode = taskOpts.Mode
	}
	taskCtx := taskOpts.Context
	if taskCtx == nil {
		taskCtx = make(map[string]any)
	}

	task := &Task{
		ID:          core.NewID(),
		Description: description,
		TeamID:      teamID,
		Mode:        mode,
		Assigned:    append([]string(nil), team.Members...),
		Context:     taskCtx,
		DependsOn:   taskOpts.DependsOn,
		Status:      TaskPending,
		CreatedAt:   time.Now().UTC(),
	}
	o.active[task.ID] = task

	if unmet := o.unmetLocked(task.DependsOn); unmet != "" {
		task.Status = TaskBlocked
		task.Err = fmt.Errorf("task %s: %w", unmet, core.ErrDependencyUnmet).Error()
		o.mu.Unlock()
		o.finish(task)
		return task, nil
	}
	task.Status = TaskInProgress
	o.mu.Unlock()

	var err error
	switch mode {
	case ModeSequential:
		err = o.runSequential(ctx, task, team)
	case ModeParallel, ModeRoundRobin:
		err = o.runParallel(ctx, task, team)
	case ModeConsensus:
		err = o.runConsensus(ctx, task, team)
	case ModeHierarchical:
		err = o.runHierarchical(ctx, task, team)
	}

	if err != nil {
		task.Status = TaskFailed
		task.Err = err.Error()
		if team.AutoEscalate {
			o.escalate(ctx, task, err)
		}
	} else if task.Status == TaskInProgress || task.Status == TaskAwaitingReview {
		task.Status = TaskCompleted
	}

	o.finish(task)
	o.log.Info("team task finished", "task_id", task.ID, "team", teamID, "mode", mode, "status", task.Status)
	return task, nil
}

// unmetLocked returns the first dependency task ID that has not completed.
func (o *Orchestrator) unmetLocked(deps []string) string {
	for _, dep := range deps {
		if t, ok := o.active[dep]; ok && t.Status == TaskCompleted {
			continue
		}
		found := false
		for _, t := range o.history {
			if t.ID == dep && t.Status == TaskCompleted {
				found = true
				break
			}
		}
		if !found {
			return dep
		}
	}
	return ""
}

// Active returns the task if it has not reached a terminal state yet.
func (o *Orchestrator) Active(id string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.active[id]
	return t, ok
}

// History returns a copy of the archived task list, oldest first.
func (o *Orchestrator) History() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Task, len(o.history))
	copy(out, o.history)
	return out
}

// Save persists the task history under the orchestrator namespace.
func (o *Orchestrator) Save(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	o.mu.Lock()
	hist := make([]*Task, len(o.history))
	copy(hist, o.history)
	o.mu.Unlock()

	return o.store.Save(ctx, StateNamespace, map[string]any{"tasks": hist})
}

// Restore replaces the history with the last saved snapshot. Active tasks
// are not resumable and are not restored. A missing snapshot is not an
// error.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	snap, err := o.store.Load(ctx, StateNamespace)
	if err != nil {
		if err == core.ErrStateNotFound {
			return nil
		}
		return err
	}

	var hist []*Task
	if err := core.DecodeInto(snap["tasks"], &hist); err != nil {
		return fmt.Errorf("restore task history: %w", err)
	}

	o.mu.Lock()
	o.history = hist
	o.mu.Unlock()
	return nil
}

// runSequential iterates the non-leader members in order. Each member sees
// the description plus every prior member's contribution; a member's failure
// is captured and the sequence continues.
func (o *Orchestrator) runSequential(ctx context.Context, task *Task, team *Team) error {
	acc := task.Description
	for _, member := range team.nonLeaders() {
		out, err := o.converse(ctx, member, acc)
		if err != nil {
			task.Results = append(task.Results, MemberResult{Agent: member, Err: err.Error()})
			continue
		}
		task.Results = append(task.Results, MemberResult{Agent: member, Output: out})
		acc += "\n\n" + member + ": " + out
	}
	if allFailed(task.Results) {
		return fmt.Errorf("all %d members failed", len(task.Results))
	}
	task.FinalResult = mergeResults(task.Results)
	return nil
}

// runParallel invokes every member concurrently under the team's
// maxParallel bound. Every member sees the same context; results merge into
// one attributed summary.
func (o *Orchestrator) runParallel(ctx context.Context, task *Task, team *Team) error {
	results := make([]MemberResult, len(team.Members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(team.MaxParallel)
	for i, member := range team.Members {
		i, member := i, member
		g.Go(func() error {
			out, err := o.converse(gctx, member, task.Description)
			if err != nil {
				results[i] = MemberResult{Agent: member, Err: err.Error()}
				return nil
			}
			results[i] = MemberResult{Agent: member, Output: out}
			return nil
		})
	}
	_ = g.Wait() // member failures are captured per-result, never returned

	task.Results = results
	if allFailed(results) {
		return fmt.Errorf("all %d members failed", len(results))
	}
	task.FinalResult = mergeResults(results)
	return nil
}

// runConsensus gathers opinions in parallel, then holds one vote per member
// over the collected opinions. The decision is APPROVED when the approve
// ratio over non-abstaining votes meets the team threshold. Zero
// non-abstaining votes never reach consensus.
func (o *Orchestrator) runConsensus(ctx context.Context, task *Task, team *Team) error {
	if err := o.runParallel(ctx, task, team); err != nil {
		return err
	}
	opinions := task.FinalResult

	approve, nonAbstain := 0, 0
	for i := range task.Results {
		member := task.Results[i].Agent
		prompt := fmt.Sprintf("Task: %s\n\nOpinions:\n%s\n\nCast exactly one vote: APPROVE, REJECT or ABSTAIN.", task.Description, opinions)
		resp, err := o.converse(ctx, member, prompt)
		if err != nil {
			task.Results[i].Vote = VoteAbstain
			continue
		}
		vote := parseVote(resp)
		task.Results[i].Vote = vote
		switch vote {
		case VoteApprove:
			approve++
			nonAbstain++
		case VoteReject:
			nonAbstain++
		}
	}

	task.Decision = DecisionRejected
	if nonAbstain > 0 && float64(approve)/float64(nonAbstain) >= team.ConsensusThreshold {
		task.Decision = DecisionApproved
	}
	task.FinalResult = fmt.Sprintf("%s\n\nDecision: %s (%d approve / %d non-abstain)", opinions, task.Decision, approve, nonAbstain)
	return nil
}

// delegation is one entry of a leader's plan.
type delegation struct {
	Agent string `json:"agent"`
	Focus string `json:"focus"`
}

// runHierarchical asks the leader for a delegation plan, works the
// delegations in order, then has the leader review the sub-results. An
// unparseable plan falls back to delegating the original task to every
// non-leader member in order.
func (o *Orchestrator) runHierarchical(ctx context.Context, task *Task, team *Team) error {
	planPrompt := fmt.Sprintf(
		"Task: %s\n\nTeam members: %s\n\nRespond with a JSON array of delegations, e.g. [{\"agent\":\"name\",\"focus\":\"subtask\"}].",
		task.Description, strings.Join(team.nonLeaders(), ", "))

	plan := o.defaultPlan(task, team)
	if resp, err := o.converse(ctx, team.Leader, planPrompt); err == nil {
		if parsed := parsePlan(resp, team); len(parsed) > 0 {
			plan = parsed
		}
	} else {
		o.log.Warn("delegation plan request failed, using default plan", "task_id", task.ID, "leader", team.Leader, "error", err)
	}

	for _, d := range plan {
		out, err := o.converse(ctx, d.Agent, d.Focus)
		if err != nil {
			task.Results = append(task.Results, MemberResult{Agent: d.Agent, Focus: d.Focus, Err: err.Error()})
			continue
		}
		task.Results = append(task.Results, MemberResult{Agent: d.Agent, Focus: d.Focus, Output: out})
	}

	task.Status = TaskAwaitingReview
	reviewPrompt := fmt.Sprintf("Task: %s\n\nSub-results:\n%s\n\nReview the sub-results and produce a final summary.",
		task.Description, mergeResults(task.Results))
	summary, err := o.converse(ctx, team.Leader, reviewPrompt)
	if err != nil {
		return fmt.Errorf("leader review: %w", err)
	}
	task.FinalResult = summary
	task.Status = TaskCompleted
	return nil
}

// defaultPlan delegates the original task to every non-leader member.
func (o *Orchestrator) defaultPlan(task *Task, team *Team) []delegation {
	var plan []delegation
	for _, m := range team.nonLeaders() {
		plan = append(plan, delegation{Agent: m, Focus: task.Description})
	}
	return plan
}

// parsePlan extracts a delegation array from the leader's response,
// keeping only entries naming actual team members.
func parsePlan(resp string, team *Team) []delegation {
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []delegation
	if err := json.Unmarshal([]byte(resp[start:end+1]), &raw); err != nil {
		return nil
	}

	members := make(map[string]bool, len(team.Members))
	for _, m := range team.Members {
		members[m] = true
	}

	var plan []delegation
	for _, d := range raw {
		if d.Agent == "" || !members[d.Agent] {
			continue
		}
		if d.Focus == "" {
			continue
		}
		plan = append(plan, d)
	}
	return plan
}

// parseVote finds the earliest whole-word vote token in a response. Tokens
// inside larger words ("DISAPPROVE") do not count; a response naming no
// token counts as an abstention.
func parseVote(resp string) Vote {
	words := strings.FieldsFunc(strings.ToUpper(resp), func(r rune) bool {
		return r < 'A' || r > 'Z'
	})
	for _, w := range words {
		switch Vote(w) {
		case VoteApprove, VoteReject, VoteAbstain:
			return Vote(w)
		}
	}
	return VoteAbstain
}

// converse runs one member invocation through the health gate.
func (o *Orchestrator) converse(ctx context.Context, agentID, prompt string) (string, error) {
	if !o.health.IsHealthy(agentID) {
		return "", fmt.Errorf("agent %s: %w", agentID, core.ErrRoutingBlocked)
	}
	w, ok := o.registry.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent %s: %w", agentID, core.ErrUnknownAgent)
	}
	out, err := w.Converse(ctx, prompt)
	if err != nil {
		o.health.RecordFailure(agentID)
		return "", err
	}
	o.health.RecordSuccess(agentID)
	return out, nil
}

// escalate sends a high-priority message to the manager agent carrying the
// failed task and whatever partial results were collected.
func (o *Orchestrator) escalate(ctx context.Context, task *Task, cause error) {
	if o.messenger == nil {
		return
	}
	payload := map[string]any{
		"task_id":         task.ID,
		"team_id":         task.TeamID,
		"description":     task.Description,
		"error":           cause.Error(),
		"partial_results": task.Results,
	}
	if _, err := o.messenger.Send(ctx, "team_orchestrator", o.managerID, "escalation", payload, core.PriorityHigh); err != nil {
		o.log.Warn("escalation send failed", "task_id", task.ID, "error", err)
		return
	}
	o.log.Info("task escalated", "task_id", task.ID, "team", task.TeamID, "manager", o.managerID)
}

// finish moves the task from the active set to the bounded history.
func (o *Orchestrator) finish(task *Task) {
	task.CompletedAt = time.Now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, task.ID)
	o.history = append(o.history, task)
	if len(o.history) > o.maxHist {
		o.history = o.history[len(o.history)-o.maxHist:]
	}
}

// allFailed reports whether every member result carries an error.
func allFailed(results []MemberResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == "" {
			return false
		}
	}
	return true
}

// mergeResults concatenates member outputs with attribution, truncating each
// contribution past the summary cap.
func mergeResults(results []MemberResult) string {
	var b strings.Builder
	for _, r := range results {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if r.Err != "" {
			fmt.Fprintf(&b, "%s: failed (%s)", r.Agent, r.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: %s", r.Agent, truncate(r.Output, maxSummaryChars))
	}
	return b.String()
}

// truncate caps s at max characters without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
