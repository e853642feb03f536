// Package router implements intent-based routing: given a natural-language
// request it scores every registered agent profile by keyword and phrase
// affinity and proposes a single agent or, when scores cluster, a team.
// Routing decisions are recorded in a bounded diagnostic log that is never
// read back to make decisions.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/logging"
)

const (
	// MinConfidence is the floor a top score must reach before a single
	// agent is returned.
	MinConfidence = 0.2

	// AmbiguityGap is the score gap under which the top two candidates
	// are treated as requiring multi-agent handling.
	AmbiguityGap = 0.2

	// TeamSuggestionGap is the wider gap under which a team suggestion is
	// attempted.
	TeamSuggestionGap = 0.3

	// TeamCandidateFloor is the minimum score for an agent to count
	// toward team-overlap detection.
	TeamCandidateFloor = 0.15

	// TeamOverlap is the minimum number of scored candidates that must be
	// members of a team for it to be suggested.
	TeamOverlap = 2

	// ContinuityBias multiplies the score of the agent that handled the
	// previous request.
	ContinuityBias = 1.2

	// KeywordWeight and PhraseBonus shape the raw score before the
	// profile weight is applied.
	KeywordWeight = 0.3
	PhraseBonus   = 0.4

	// keyword hits saturate so long keyword lists cannot dominate.
	maxKeywordHits = 3

	// decision log bounds.
	maxDecisions     = 500
	compactDecisions = 300
)

// Reason codes attached to routing decisions.
const (
	ReasonMatched       = "matched"
	ReasonNoMatch       = "no_match"
	ReasonMultiAgent    = "multi_agent_detected"
	ReasonTeamSuggested = "team_suggested"
)

// Profile describes one routable agent: the keywords and phrase patterns
// of its domain plus a fixed base-priority weight (e.g. the security
// domain outweighs the janitor domain at equal keyword affinity).
type Profile struct {
	AgentID  string
	Keywords []string
	Phrases  []*regexp.Regexp
	Weight   float64
}

// NewProfile compiles a profile from raw phrase pattern strings.
func NewProfile(agentID string, weight float64, keywords []string, phrasePatterns []string) (Profile, error) {
	p := Profile{AgentID: agentID, Keywords: keywords, Weight: weight}
	for _, pat := range phrasePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Profile{}, fmt.Errorf("profile %s: compile phrase %q: %w", agentID, pat, err)
		}
		p.Phrases = append(p.Phrases, re)
	}
	return p, nil
}

// TeamInfo is the router's view of a configured team, registered by the
// coordinator so RouteWithTeamSuggestion can match candidate sets against
// team membership.
type TeamInfo struct {
	ID      string
	Leader  string
	Members []string
}

// Decision is one diagnostic record of a routing outcome.
type Decision struct {
	Timestamp time.Time          `json:"timestamp"`
	Excerpt   string             `json:"excerpt"`
	Agent     string             `json:"agent,omitempty"`
	Team      string             `json:"team,omitempty"`
	Scores    map[string]float64 `json:"scores"`
	Reason    string             `json:"reason"`
}

// Suggestion is the result of RouteWithTeamSuggestion.
type Suggestion struct {
	PrimaryAgent  string
	SuggestedTeam string
	Confidence    float64
	AllScores     map[string]float64
}

// RouteOptions carries the optional context of Route.
type RouteOptions struct {
	// RecentAgent biases scoring toward the agent that handled the
	// previous request.
	RecentAgent string
}

// Options configures a Router.
type Options struct {
	// Logger receives decision logs. Defaults to NoOp.
	Logger logging.Logger
}

// Router scores agent profiles against request text. It is stateless
// aside from the bounded decision log.
type Router struct {
	mu        sync.Mutex
	profiles  []Profile
	teams     []TeamInfo
	decisions []Decision
	log       logging.Logger
	now       func() time.Time
}

// New creates an empty Router.
func New(optFns ...func(o *Options)) *Router {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{log: logging.EnsureLogger(opts.Logger), now: time.Now}
}

// RegisterProfile adds or replaces an agent profile.
func (r *Router) RegisterProfile(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].AgentID == p.AgentID {
			r.profiles[i] = p
			return
		}
	}
	r.profiles = append(r.profiles, p)
}

// RegisterTeam adds or replaces a team for suggestion matching.
func (r *Router) RegisterTeam(t TeamInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.teams {
		if r.teams[i].ID == t.ID {
			r.teams[i] = t
			return
		}
	}
	r.teams = append(r.teams, t)
}

// Route resolves the single agent best suited for the message, or reports
// no match. The second return is false when the request is ambiguous
// (several agents score closely and a caller such as a manager agent must
// decide) or when no agent reaches the confidence floor.
func (r *Router) Route(message, fromAgent string, optFns ...func(o *RouteOptions)) (string, bool) {
	var routeOpts RouteOptions
	for _, fn := range optFns {
		fn(&routeOpts)
	}

	scores := r.score(message, routeOpts.RecentAgent)
	ranked := rank(scores)

	if len(ranked) >= 2 && ranked[0].score > 0 && ranked[1].score > 0 &&
		ranked[0].score-ranked[1].score < AmbiguityGap {
		r.record(message, "", "", scores, ReasonMultiAgent)
		return "", false
	}

	if len(ranked) > 0 && ranked[0].score >= MinConfidence {
		r.record(message, ranked[0].agent, "", scores, ReasonMatched)
		return ranked[0].agent, true
	}

	r.record(message, "", "", scores, ReasonNoMatch)
	return "", false
}

// RouteWithTeamSuggestion resolves a primary agent like Route and, when
// the top scores cluster, additionally checks whether the high-scoring
// candidates overlap a configured team. If they do, the team is suggested
// with its leader as primary agent.
func (r *Router) RouteWithTeamSuggestion(message string) Suggestion {
	scores := r.score(message, "")
	ranked := rank(scores)

	s := Suggestion{AllScores: scores}
	if len(ranked) > 0 {
		s.Confidence = ranked[0].score
	}

	if len(ranked) >= 2 && ranked[0].score > 0 && ranked[1].score > 0 &&
		ranked[0].score-ranked[1].score < TeamSuggestionGap {
		candidates := make(map[string]bool)
		for _, rs := range ranked {
			if rs.score > TeamCandidateFloor {
				candidates[rs.agent] = true
			}
		}
		r.mu.Lock()
		teams := make([]TeamInfo, len(r.teams))
		copy(teams, r.teams)
		r.mu.Unlock()

		for _, team := range teams {
			overlap := 0
			for _, m := range team.Members {
				if candidates[m] {
					overlap++
				}
			}
			if overlap >= TeamOverlap {
				s.SuggestedTeam = team.ID
				s.PrimaryAgent = team.Leader
				r.record(message, team.Leader, team.ID, scores, ReasonTeamSuggested)
				return s
			}
		}
	}

	if len(ranked) > 0 && ranked[0].score >= MinConfidence {
		if len(ranked) < 2 || ranked[1].score <= 0 || ranked[0].score-ranked[1].score >= AmbiguityGap {
			s.PrimaryAgent = ranked[0].agent
			r.record(message, s.PrimaryAgent, "", scores, ReasonMatched)
			return s
		}
		r.record(message, "", "", scores, ReasonMultiAgent)
		return s
	}

	r.record(message, "", "", scores, ReasonNoMatch)
	return s
}

// Decisions returns a copy of the diagnostic log, most recent last. The
// log is observability-only; nothing in the router reads it back.
func (r *Router) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

// score computes the per-agent scores for a message:
// KeywordWeight x min(keywordHits, 3), plus a flat PhraseBonus if any
// phrase pattern matches, multiplied by the profile weight, then by the
// continuity bias when the agent handled the previous request.
func (r *Router) score(message, recentAgent string) map[string]float64 {
	lower := strings.ToLower(message)

	r.mu.Lock()
	profiles := make([]Profile, len(r.profiles))
	copy(profiles, r.profiles)
	r.mu.Unlock()

	scores := make(map[string]float64, len(profiles))
	for _, p := range profiles {
		hits := 0
		for _, kw := range p.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > maxKeywordHits {
			hits = maxKeywordHits
		}
		score := KeywordWeight * float64(hits)

		for _, re := range p.Phrases {
			if re.MatchString(lower) {
				score += PhraseBonus
				break
			}
		}

		score *= p.Weight
		if recentAgent != "" && p.AgentID == recentAgent {
			score *= ContinuityBias
		}
		scores[p.AgentID] = score
	}
	return scores
}

type rankedScore struct {
	agent string
	score float64
}

// rank sorts positive scores descending, ties broken by agent ID for
// determinism.
func rank(scores map[string]float64) []rankedScore {
	out := make([]rankedScore, 0, len(scores))
	for agent, score := range scores {
		if score > 0 {
			out = append(out, rankedScore{agent: agent, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].agent < out[j].agent
	})
	return out
}

// record appends a bounded diagnostic entry.
func (r *Router) record(message, agent, team string, scores map[string]float64, reason string) {
	// Excerpts are capped at 120 characters on a rune boundary.
	excerpt := message
	if len(excerpt) > 120 {
		if r := []rune(excerpt); len(r) > 120 {
			excerpt = string(r[:120])
		}
	}

	r.mu.Lock()
	r.decisions = append(r.decisions, Decision{
		Timestamp: r.now(),
		Excerpt:   excerpt,
		Agent:     agent,
		Team:      team,
		Scores:    scores,
		Reason:    reason,
	})
	if len(r.decisions) > maxDecisions {
		kept := make([]Decision, compactDecisions)
		copy(kept, r.decisions[len(r.decisions)-compactDecisions:])
		r.decisions = kept
	}
	r.mu.Unlock()

	r.log.Debug("routing decision", "reason", reason, "agent", agent, "team", team)
}
