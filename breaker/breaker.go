// Package breaker implements the per-agent circuit breaker that stops the
// buses and orchestrators from routing work to a repeatedly failing agent.
package breaker

import (
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/logging"
)

const (
	// DefaultFailureThreshold is the number of windowed failures that
	// opens a circuit.
	DefaultFailureThreshold = 3
	// DefaultWindow is the sliding window within which failures count
	// toward the threshold.
	DefaultWindow = 5 * time.Minute
)

// Options configures a Breaker.
type Options struct {
	// FailureThreshold is the number of failures inside the window that
	// opens the circuit. Defaults to DefaultFailureThreshold.
	FailureThreshold int

	// Window is the sliding failure window. Defaults to DefaultWindow.
	Window time.Duration

	// Logger receives transition logs. Defaults to NoOp.
	Logger logging.Logger

	// Now overrides the clock, used by tests. Defaults to time.Now.
	Now func() time.Time
}

// AgentHealth is a diagnostic snapshot of one agent's failure window.
type AgentHealth struct {
	AgentID      string    `json:"agent_id"`
	FailureCount int       `json:"failure_count"`
	Open         bool      `json:"open"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Breaker tracks a sliding list of failure timestamps per agent. The
// circuit has two states only: it opens at FailureThreshold failures
// inside the window and closes again on the next recorded success. There
// is no half-open probing period; a single success is full recovery.
// Circuit state is an optimization, not correctness-critical, so none of
// it survives a process restart.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  map[string][]time.Time
	open      map[string]bool
	log       logging.Logger
	now       func() time.Time
}

// New creates a Breaker with optional overrides.
func New(optFns ...func(o *Options)) *Breaker {
	opts := Options{
		FailureThreshold: DefaultFailureThreshold,
		Window:           DefaultWindow,
		Logger:           logging.NoOpLogger{},
		Now:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Breaker{
		threshold: opts.FailureThreshold,
		window:    opts.Window,
		failures:  make(map[string][]time.Time),
		open:      make(map[string]bool),
		log:       logging.EnsureLogger(opts.Logger),
		now:       opts.Now,
	}
}

// RecordFailure appends a failure timestamp for the agent, prunes entries
// older than the window and opens the circuit once the threshold is
// reached.
func (b *Breaker) RecordFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	recent := b.pruneLocked(agentID, now)
	recent = append(recent, now)
	b.failures[agentID] = recent

	if len(recent) >= b.threshold && !b.open[agentID] {
		b.open[agentID] = true
		b.log.Warn("circuit opened", "agent_id", agentID, "failure_count", len(recent), "window", b.window)
	}
}

// RecordSuccess clears the agent's failure window and closes the circuit
// immediately.
func (b *Breaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.failures, agentID)
	if b.open[agentID] {
		delete(b.open, agentID)
		b.log.Info("circuit closed", "agent_id", agentID)
	}
}

// IsHealthy reports whether the agent's circuit is closed. Failures that
// have aged out of the window are pruned lazily here, so an open circuit
// whose failures all expired closes again without a recorded success.
func (b *Breaker) IsHealthy(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	recent := b.pruneLocked(agentID, b.now())
	if len(recent) < b.threshold && b.open[agentID] {
		delete(b.open, agentID)
		b.log.Info("circuit closed", "agent_id", agentID, "reason", "window_expired")
	}
	return !b.open[agentID]
}

// Snapshot returns a diagnostic view of every agent with a non-empty
// failure window or an open circuit.
func (b *Breaker) Snapshot() []AgentHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]AgentHealth, 0, len(b.failures))
	for agentID := range b.failures {
		recent := b.pruneLocked(agentID, now)
		if len(recent) == 0 && !b.open[agentID] {
			continue
		}
		h := AgentHealth{AgentID: agentID, FailureCount: len(recent), Open: b.open[agentID]}
		if len(recent) > 0 {
			h.LastFailure = recent[len(recent)-1]
		}
		out = append(out, h)
	}
	return out
}

// pruneLocked drops failure timestamps older than the window. Caller must
// hold the mutex.
func (b *Breaker) pruneLocked(agentID string, now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	recent := b.failures[agentID][:0]
	for _, ts := range b.failures[agentID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		delete(b.failures, agentID)
		return nil
	}
	b.failures[agentID] = recent
	return recent
}
