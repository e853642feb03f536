package team

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/bus"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/testutil"
)

// voter answers opinion prompts with neutral text and vote prompts with the
// configured ballot.
func voter(id string, ballot Vote) *testutil.StubWorker {
	return testutil.NewStubWorker(id).WithConverse(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Cast exactly one vote") {
			return string(ballot), nil
		}
		return "opinion from " + id, nil
	})
}

func councilTeam(threshold float64) *Team {
	return &Team{
		ID:                 "council",
		Leader:             "a",
		Members:            []string{"a", "b", "c", "d"},
		Mode:               ModeConsensus,
		ConsensusThreshold: threshold,
	}
}

func TestOrchestrator_ConsensusApprovedAtThreshold(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(voter("a", VoteApprove))
	reg.Register(voter("b", VoteApprove))
	reg.Register(voter("c", VoteApprove))
	reg.Register(voter("d", VoteReject))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(councilTeam(0.75)))

	task, err := o.Execute(context.Background(), "council", "adopt the new chore schedule")
	require.NoError(t, err)

	// 3 approve / 4 non-abstain = 0.75 meets the threshold exactly.
	assert.Equal(t, DecisionApproved, task.Decision)
	assert.Equal(t, TaskCompleted, task.Status)
}

func TestOrchestrator_ConsensusAbstainShrinksDenominator(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(voter("a", VoteApprove))
	reg.Register(voter("b", VoteApprove))
	reg.Register(voter("c", VoteApprove))
	reg.Register(voter("d", VoteAbstain))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(councilTeam(0.75)))

	task, err := o.Execute(context.Background(), "council", "adopt the new chore schedule")
	require.NoError(t, err)

	// 3 approve / 3 non-abstain = 1.0.
	assert.Equal(t, DecisionApproved, task.Decision)
}

func TestOrchestrator_ConsensusAllAbstainNeverApproves(t *testing.T) {
	reg := core.NewRegistry()
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Register(voter(id, VoteAbstain))
	}

	o := New(reg)
	require.NoError(t, o.RegisterTeam(councilTeam(0.5)))

	task, err := o.Execute(context.Background(), "council", "adopt the new chore schedule")
	require.NoError(t, err)

	assert.Equal(t, DecisionRejected, task.Decision)
	assert.Equal(t, TaskCompleted, task.Status, "a rejected vote is a normal terminal outcome")
}

func TestOrchestrator_SequentialAccumulatesContext(t *testing.T) {
	reg := core.NewRegistry()
	lead := testutil.NewStubWorker("lead")
	first := testutil.NewStubWorker("first")
	second := testutil.NewStubWorker("second")
	reg.Register(lead)
	reg.Register(first)
	reg.Register(second)

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "line",
		Leader:  "lead",
		Members: []string{"lead", "first", "second"},
		Mode:    ModeSequential,
	}))

	task, err := o.Execute(context.Background(), "line", "plan the weekend")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)

	assert.Empty(t, lead.Prompts(), "sequential mode excludes the leader")

	prompts := second.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "plan the weekend")
	assert.Contains(t, prompts[0], "first:", "later members see earlier contributions")
}

func TestOrchestrator_SequentialFailureDoesNotHaltSequence(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("lead"))
	reg.Register(testutil.NewStubWorker("flaky").WithConverse(func(context.Context, string) (string, error) {
		return "", errors.New("offline")
	}))
	reg.Register(testutil.NewStubWorker("steady"))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "line",
		Leader:  "lead",
		Members: []string{"lead", "flaky", "steady"},
		Mode:    ModeSequential,
	}))

	task, err := o.Execute(context.Background(), "line", "plan the weekend")
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, task.Status)
	require.Len(t, task.Results, 2)
	assert.NotEmpty(t, task.Results[0].Err)
	assert.NotEmpty(t, task.Results[1].Output)
}

func TestOrchestrator_ParallelBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	slow := func(_ context.Context, prompt string) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	}

	reg := core.NewRegistry()
	members := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	for _, id := range members {
		reg.Register(testutil.NewStubWorker(id).WithConverse(slow))
	}

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:          "crew",
		Leader:      "m1",
		Members:     members,
		Mode:        ModeParallel,
		MaxParallel: 2,
	}))

	task, err := o.Execute(context.Background(), "crew", "inspect the house")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestOrchestrator_ParallelSummaryTruncatesAndAttributes(t *testing.T) {
	long := strings.Repeat("x", 600)
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("wordy").WithConverse(func(context.Context, string) (string, error) {
		return long, nil
	}))
	reg.Register(testutil.NewStubWorker("terse").WithConverse(func(context.Context, string) (string, error) {
		return "done", nil
	}))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "pair",
		Leader:  "wordy",
		Members: []string{"wordy", "terse"},
		Mode:    ModeParallel,
	}))

	task, err := o.Execute(context.Background(), "pair", "report status")
	require.NoError(t, err)

	assert.Contains(t, task.FinalResult, "wordy: "+strings.Repeat("x", 500)+"...")
	assert.Contains(t, task.FinalResult, "terse: done")
	assert.NotContains(t, task.FinalResult, strings.Repeat("x", 501))
}

func TestOrchestrator_SummaryTruncationIsRuneSafe(t *testing.T) {
	long := strings.Repeat("ß", 600) // 2 bytes per rune
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("verbose").WithConverse(func(context.Context, string) (string, error) {
		return long, nil
	}))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "solo",
		Leader:  "verbose",
		Members: []string{"verbose"},
		Mode:    ModeParallel,
	}))

	task, err := o.Execute(context.Background(), "solo", "report status")
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(task.FinalResult), "truncation must not split a multi-byte rune")
	assert.Contains(t, task.FinalResult, "verbose: "+strings.Repeat("ß", 500)+"...")
	assert.NotContains(t, task.FinalResult, strings.Repeat("ß", 501))
}

func TestParseVote(t *testing.T) {
	assert.Equal(t, VoteApprove, parseVote("I approve of this plan."))
	assert.Equal(t, VoteReject, parseVote("My answer: REJECT"))
	assert.Equal(t, VoteAbstain, parseVote("abstain, need more data"))
	assert.Equal(t, VoteApprove, parseVote("APPROVE but also REJECT"), "the earliest token wins")

	// Tokens embedded in larger words are not votes.
	assert.Equal(t, VoteAbstain, parseVote("I strongly DISAPPROVE"))
	assert.Equal(t, VoteAbstain, parseVote("the rejection hearing is pending"))
	assert.Equal(t, VoteAbstain, parseVote("no opinion either way"))
}

func TestOrchestrator_HierarchicalFollowsLeaderPlan(t *testing.T) {
	reg := core.NewRegistry()
	leader := testutil.NewStubWorker("lead").WithConverse(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "JSON array of delegations") {
			return `Here is my plan: [{"agent":"scout","focus":"check the sensors"}]`, nil
		}
		return "final summary by lead", nil
	})
	reg.Register(leader)
	reg.Register(testutil.NewStubWorker("scout"))
	reg.Register(testutil.NewStubWorker("spare"))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "ops",
		Leader:  "lead",
		Members: []string{"lead", "scout", "spare"},
		Mode:    ModeHierarchical,
	}))

	task, err := o.Execute(context.Background(), "ops", "investigate the alert")
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, task.Status)
	require.Len(t, task.Results, 1, "only the planned delegation runs")
	assert.Equal(t, "scout", task.Results[0].Agent)
	assert.Equal(t, "check the sensors", task.Results[0].Focus)
	assert.Equal(t, "final summary by lead", task.FinalResult)
}

func TestOrchestrator_HierarchicalFallsBackToDefaultPlan(t *testing.T) {
	reg := core.NewRegistry()
	leader := testutil.NewStubWorker("lead").WithConverse(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "JSON array of delegations") {
			return "I would rather describe the plan in prose.", nil
		}
		return "review", nil
	})
	reg.Register(leader)
	reg.Register(testutil.NewStubWorker("scout"))
	reg.Register(testutil.NewStubWorker("spare"))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{
		ID:      "ops",
		Leader:  "lead",
		Members: []string{"lead", "scout", "spare"},
		Mode:    ModeHierarchical,
	}))

	task, err := o.Execute(context.Background(), "ops", "investigate the alert")
	require.NoError(t, err)

	require.Len(t, task.Results, 2, "default plan delegates to every non-leader member")
	assert.Equal(t, "scout", task.Results[0].Agent)
	assert.Equal(t, "spare", task.Results[1].Agent)
	assert.Equal(t, "investigate the alert", task.Results[0].Focus)
}

func TestOrchestrator_BlockedOnUnmetDependency(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("solo"))

	o := New(reg)
	require.NoError(t, o.RegisterTeam(&Team{ID: "one", Leader: "solo", Mode: ModeParallel}))

	blocked, err := o.Execute(context.Background(), "one", "second stage", func(opt *TaskOptions) {
		opt.DependsOn = []string{"never-ran"}
	})
	require.NoError(t, err)
	assert.Equal(t, TaskBlocked, blocked.Status)
	assert.ErrorContains(t, errors.New(blocked.Err), core.ErrDependencyUnmet.Error())
	assert.Empty(t, blocked.Results, "blocked tasks never start")

	first, err := o.Execute(context.Background(), "one", "first stage")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, first.Status)

	second, err := o.Execute(context.Background(), "one", "second stage", func(opt *TaskOptions) {
		opt.DependsOn = []string{first.ID}
	})
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, second.Status)
}

func TestOrchestrator_EscalatesFailureToManager(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("manager"))
	reg.Register(testutil.NewStubWorker("broken").WithConverse(func(context.Context, string) (string, error) {
		return "", errors.New("unreachable")
	}))

	messenger := bus.New(reg)
	o := New(reg, func(opt *Options) { opt.Messenger = messenger })
	require.NoError(t, o.RegisterTeam(&Team{
		ID:           "fragile",
		Leader:       "broken",
		Members:      []string{"broken"},
		Mode:         ModeParallel,
		AutoEscalate: true,
	}))

	task, err := o.Execute(context.Background(), "fragile", "water the plants")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)

	inbox := messenger.Receive("manager")
	require.Len(t, inbox, 1)
	assert.Equal(t, core.PriorityHigh, inbox[0].Priority)
	assert.Equal(t, "escalation", inbox[0].Type)
	assert.Equal(t, task.ID, inbox[0].Payload["task_id"])
	assert.Equal(t, "fragile", inbox[0].Payload["team_id"])
}

func TestOrchestrator_UnknownTeam(t *testing.T) {
	o := New(core.NewRegistry())
	_, err := o.Execute(context.Background(), "ghost", "anything")
	assert.ErrorIs(t, err, core.ErrUnknownTeam)
}

func TestOrchestrator_PresetTeamsCannotBeDeleted(t *testing.T) {
	o := New(core.NewRegistry())
	require.NoError(t, o.RegisterPreset(&Team{ID: "fixed", Leader: "a"}))
	require.NoError(t, o.RegisterTeam(&Team{ID: "scratch", Leader: "a"}))

	assert.Error(t, o.DeleteTeam("fixed"))
	assert.NoError(t, o.DeleteTeam("scratch"))
	assert.ErrorIs(t, o.DeleteTeam("ghost"), core.ErrUnknownTeam)
}

func TestOrchestrator_ArchivesToBoundedHistory(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("solo"))

	o := New(reg, func(opt *Options) { opt.MaxHistory = 3 })
	require.NoError(t, o.RegisterTeam(&Team{ID: "one", Leader: "solo", Mode: ModeParallel}))

	for i := 0; i < 5; i++ {
		_, err := o.Execute(context.Background(), "one", "tick")
		require.NoError(t, err)
	}

	assert.Len(t, o.History(), 3)
}
