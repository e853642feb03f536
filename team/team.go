// Package team implements multi-mode team execution: a named group of
// workers runs one task sequentially, in bounded parallel, by consensus
// vote, hierarchically under a leader, or round-robin. One member's failure
// never aborts the others; terminal failures can escalate to a manager
// agent over the message bus.
package team

import (
	"fmt"
	"time"
)

// Mode selects how a team works a task.
type Mode string

const (
	ModeSequential   Mode = "sequential"
	ModeParallel     Mode = "parallel"
	ModeConsensus    Mode = "consensus"
	ModeHierarchical Mode = "hierarchical"
	ModeRoundRobin   Mode = "round_robin"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConsensus, ModeHierarchical, ModeRoundRobin:
		return true
	}
	return false
}

const (
	// DefaultConsensusThreshold is the approve-ratio a consensus vote must
	// reach when the team does not configure one.
	DefaultConsensusThreshold = 0.75

	// DefaultMaxParallel bounds concurrent member invocations when the team
	// does not configure a limit.
	DefaultMaxParallel = 5
)

// Team is a named group configuration. Members are ordered and unique and
// always include the leader.
type Team struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Members            []string `json:"members" yaml:"members"`
	Leader             string   `json:"leader" yaml:"leader"`
	Mode               Mode     `json:"mode" yaml:"mode"`
	AutoEscalate       bool     `json:"auto_escalate" yaml:"auto_escalate"`
	ConsensusThreshold float64  `json:"consensus_threshold" yaml:"consensus_threshold"`
	MaxParallel        int      `json:"max_parallel" yaml:"max_parallel"`
}

// normalize dedupes members, guarantees leader membership and fills
// defaults. Returns an error for structurally unusable teams.
func (t *Team) normalize() error {
	if t.ID == "" {
		return fmt.Errorf("team has no id")
	}
	if t.Leader == "" {
		return fmt.Errorf("team %s has no leader", t.ID)
	}
	if t.Mode == "" {
		t.Mode = ModeSequential
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("team %s: invalid mode %q", t.ID, t.Mode)
	}

	seen := make(map[string]bool, len(t.Members)+1)
	members := make([]string, 0, len(t.Members)+1)
	for _, m := range append([]string{t.Leader}, t.Members...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
	}
	t.Members = members

	if t.ConsensusThreshold <= 0 || t.ConsensusThreshold > 1 {
		t.ConsensusThreshold = DefaultConsensusThreshold
	}
	if t.MaxParallel <= 0 {
		t.MaxParallel = DefaultMaxParallel
	}
	return nil
}

// nonLeaders returns the members in order, leader excluded.
func (t *Team) nonLeaders() []string {
	out := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		if m != t.Leader {
			out = append(out, m)
		}
	}
	return out
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskInProgress     TaskStatus = "in_progress"
	TaskAwaitingReview TaskStatus = "awaiting_review"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskBlocked        TaskStatus = "blocked"
)

// Terminal reports whether the status ends the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// Vote is one member's position in a consensus round.
type Vote string

const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
	VoteAbstain Vote = "ABSTAIN"
)

// Decision is the outcome of a consensus vote. A rejected vote is a normal
// terminal result, not a failure.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// MemberResult records one member's contribution to a task.
type MemberResult struct {
	Agent  string `json:"agent"`
	Focus  string `json:"focus,omitempty"`
	Output string `json:"output,omitempty"`
	Err    string `json:"error,omitempty"`
	Vote   Vote   `json:"vote,omitempty"`
}

// Task is one execution against a team. Executed once, then archived.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	TeamID      string         `json:"team_id"`
	Mode        Mode           `json:"mode"`
	Assigned    []string       `json:"assigned"`
	Results     []MemberResult `json:"results,omitempty"`
	FinalResult string         `json:"final_result,omitempty"`
	Decision    Decision       `json:"decision,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      TaskStatus     `json:"status"`
	Err         string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}
