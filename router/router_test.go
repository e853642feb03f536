package router

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProfile(t *testing.T, agentID string, weight float64, keywords, phrases []string) Profile {
	t.Helper()
	p, err := NewProfile(agentID, weight, keywords, phrases)
	require.NoError(t, err)
	return p
}

func financeProfile(t *testing.T) Profile {
	return mustProfile(t, "finance", 1.0,
		[]string{"budget", "expense", "invoice", "cost"},
		[]string{`what'?s my budget`, `how much (did|do) we spend`})
}

func securityProfile(t *testing.T) Profile {
	return mustProfile(t, "security", 1.2,
		[]string{"alarm", "camera", "intruder", "lock"},
		[]string{`is the house (secure|locked)`})
}

func TestRouter_KeywordScoreSaturatesAtThreeHits(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	// Three keyword hits, no phrase match: 0.3 * 3 * 1.0.
	three := r.score("the budget for this expense invoice", "")
	assert.InDelta(t, 0.9, three["finance"], 1e-9)

	// A fourth keyword must not increase the score further.
	four := r.score("budget expense invoice cost review", "")
	assert.InDelta(t, 0.9, four["finance"], 1e-9)
}

func TestRouter_PhraseBonusAppliedOnce(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	// One keyword (budget) + phrase bonus; the second matching phrase
	// pattern earns no further bonus.
	scores := r.score("what's my budget and how much did we spend", "")
	assert.InDelta(t, 0.3+0.4, scores["finance"], 1e-9)
}

func TestRouter_BaseWeightMultiplies(t *testing.T) {
	r := New()
	r.RegisterProfile(securityProfile(t))

	scores := r.score("check the alarm", "")
	assert.InDelta(t, 0.3*1.2, scores["security"], 1e-9)
}

func TestRouter_ContinuityBias(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	agent, ok := r.Route("budget", "user", func(o *RouteOptions) { o.RecentAgent = "finance" })
	require.True(t, ok)
	assert.Equal(t, "finance", agent)

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	assert.InDelta(t, 0.3*1.2, decisions[len(decisions)-1].Scores["finance"], 1e-9)
}

func TestRouter_EndToEndBudgetQuestion(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	agent, ok := r.Route("what's my budget this month", "user")
	require.True(t, ok)
	assert.Equal(t, "finance", agent)

	s := r.RouteWithTeamSuggestion("what's my budget this month")
	assert.Equal(t, "finance", s.PrimaryAgent)
	assert.GreaterOrEqual(t, s.Confidence, MinConfidence)
}

func TestRouter_NoMatchBelowConfidenceFloor(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	agent, ok := r.Route("hello there", "user")
	assert.False(t, ok)
	assert.Empty(t, agent)

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	assert.Equal(t, ReasonNoMatch, decisions[len(decisions)-1].Reason)
}

func TestRouter_AmbiguityYieldsNoSingleAgent(t *testing.T) {
	r := New()
	r.RegisterProfile(mustProfile(t, "a", 1.0, []string{"report"}, nil))
	r.RegisterProfile(mustProfile(t, "b", 1.0, []string{"report"}, nil))

	agent, ok := r.Route("monthly report please", "user")
	assert.False(t, ok, "equal scores must be treated as multi-agent")
	assert.Empty(t, agent)

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	assert.Equal(t, ReasonMultiAgent, decisions[len(decisions)-1].Reason)
}

func TestRouter_TeamSuggestionOnOverlap(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))
	r.RegisterProfile(securityProfile(t))
	r.RegisterTeam(TeamInfo{ID: "incident_response", Leader: "security", Members: []string{"security", "finance", "manager"}})

	// Both domains score within the suggestion gap: "cost" hits finance
	// (0.3), "alarm" hits security (0.36).
	s := r.RouteWithTeamSuggestion("alarm upgrade cost")
	assert.Equal(t, "incident_response", s.SuggestedTeam)
	assert.Equal(t, "security", s.PrimaryAgent, "suggested team's leader becomes the primary agent")

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	assert.Equal(t, ReasonTeamSuggested, decisions[len(decisions)-1].Reason)
}

func TestRouter_ExcerptTruncationIsRuneSafe(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	message := strings.Repeat("é", 200) // 2 bytes per rune
	r.Route(message, "user")

	decisions := r.Decisions()
	require.NotEmpty(t, decisions)
	excerpt := decisions[len(decisions)-1].Excerpt
	assert.True(t, utf8.ValidString(excerpt), "truncation must not split a multi-byte rune")
	assert.Equal(t, 120, utf8.RuneCountInString(excerpt))
}

func TestRouter_DecisionLogIsBounded(t *testing.T) {
	r := New()
	r.RegisterProfile(financeProfile(t))

	for i := 0; i < maxDecisions+10; i++ {
		r.Route("budget", "user")
	}
	assert.Len(t, r.Decisions(), compactDecisions+9, "log compacts to the most recent entries in one pass")
}
