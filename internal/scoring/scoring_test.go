package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/domain"
)

func TestSuccessRateSequence(t *testing.T) {
	rate := 0.0
	var got []float64
	for i, outcome := range []bool{true, true, false} {
		rate = SuccessRate(rate, i+1, outcome)
		got = append(got, rate)
	}
	assert.InDelta(t, 1.0, got[0], 1e-9)
	assert.InDelta(t, 1.0, got[1], 1e-9)
	assert.InDelta(t, 0.667, got[2], 0.001)
}

func TestMatchScore(t *testing.T) {
	a := domain.Agent{
		Capabilities: []domain.Capability{domain.CapBackend, domain.CapDatabase},
		SkillProfile: domain.SkillProfile{Levels: map[domain.Capability]int{domain.CapBackend: 8, domain.CapDatabase: 6}},
	}
	assert.InDelta(t, 0.7, MatchScore(a, []domain.Capability{domain.CapBackend, domain.CapDatabase}), 1e-9)
	assert.InDelta(t, 0.4, MatchScore(a, []domain.Capability{domain.CapBackend, domain.CapFrontend}), 1e-9)
	assert.Zero(t, MatchScore(a, []domain.Capability{domain.CapFrontend}))
	assert.Zero(t, MatchScore(a, nil))

	noLevels := domain.Agent{Capabilities: []domain.Capability{domain.CapTesting}}
	assert.InDelta(t, 0.5, MatchScore(noLevels, []domain.Capability{domain.CapTesting}), 1e-9)
}

func TestRankCandidates(t *testing.T) {
	req := []domain.Capability{domain.CapBackend}
	mk := func(id string, status domain.AgentStatus, rate, avg float64) domain.Agent {
		return domain.Agent{
			ID:           id,
			Status:       status,
			Capabilities: []domain.Capability{domain.CapBackend},
			Stats:        domain.AgentStats{SuccessRate: rate, AvgCompletionMinutes: avg},
		}
	}
	agents := []domain.Agent{
		mk("c", domain.AgentIdle, 0.9, 40),
		mk("a", domain.AgentIdle, 0.9, 20),
		mk("b", domain.AgentWorking, 1.0, 10),
		mk("d", domain.AgentIdle, 0.95, 90),
		{ID: "e", Status: domain.AgentIdle, Capabilities: []domain.Capability{domain.CapFrontend}},
	}
	ranked := RankCandidates(agents, req)
	require.Len(t, ranked, 3)
	assert.Equal(t, "d", ranked[0].Agent.ID)
	assert.Equal(t, "a", ranked[1].Agent.ID)
	assert.Equal(t, "c", ranked[2].Agent.ID)
	assert.Empty(t, RankCandidates(agents, nil))
}

func TestPerformanceTrend(t *testing.T) {
	hist := func(scores ...float64) []domain.SkillAssessment {
		out := make([]domain.SkillAssessment, len(scores))
		for i, s := range scores {
			out[i] = domain.SkillAssessment{QualityScore: s}
		}
		return out
	}
	w := TrendWindows{Recent: 2, Prior: 2, Threshold: 0.5}
	assert.Equal(t, domain.TrendStable, PerformanceTrend(hist(5, 9), w))
	assert.Equal(t, domain.TrendImproving, PerformanceTrend(hist(5, 5, 8, 8), w))
	assert.Equal(t, domain.TrendDeclining, PerformanceTrend(hist(9, 9, 6, 6), w))
	assert.Equal(t, domain.TrendStable, PerformanceTrend(hist(6, 6, 6.4, 6.4), w))
	// only the two assessments before the recent window count as prior
	assert.Equal(t, domain.TrendStable, PerformanceTrend(hist(0, 0, 7, 7, 7, 7), w))
	assert.Equal(t, domain.TrendStable, PerformanceTrend(nil, DefaultTrendWindows))
}

func TestTrimHistory(t *testing.T) {
	var h []domain.SkillAssessment
	for i := 0; i < 7; i++ {
		h = append(h, domain.SkillAssessment{TaskID: string(rune('a' + i))})
	}
	trimmed := TrimHistory(h, 5)
	require.Len(t, trimmed, 5)
	assert.Equal(t, "c", trimmed[0].TaskID)
	assert.Equal(t, "g", trimmed[4].TaskID)
	assert.Len(t, TrimHistory(h, 50), 7)
}

func TestEvaluateWeightedScore(t *testing.T) {
	criteria := []domain.AcceptanceCriterion{
		{Type: domain.CriterionTestPassRate, Criterion: "tests pass", TargetValue: 1.0, Weight: 2},
		{Type: domain.CriterionTestCoverage, Criterion: "coverage", TargetValue: 0.8, Weight: 1},
		{Type: domain.CriterionPerformance, Criterion: "p95 latency ms", TargetValue: 200, Weight: 1},
	}
	res := &domain.ExecutionResult{
		Success:        true,
		TestResults:    &domain.TestResults{Passed: 10, Failed: 0, Coverage: 0.6},
		QualityMetrics: map[string]float64{"performance": 150},
	}
	eval := Evaluate(criteria, res, DefaultAcceptance)
	// 0.5*1 + 0.25*0.75 + 0.25*1
	assert.InDelta(t, 0.9375, eval.Score, 1e-9)
	assert.True(t, eval.Passed)
	require.Len(t, eval.Outcomes, 3)
	assert.True(t, eval.Outcomes[0].Critical)
	assert.False(t, eval.Outcomes[1].Critical)
	assert.False(t, eval.Outcomes[1].Met)
}

func TestEvaluateCriticalFailureBlocksPass(t *testing.T) {
	criteria := []domain.AcceptanceCriterion{
		{Type: domain.CriterionSecurity, Criterion: "security score", TargetValue: 10, Weight: 3},
		{Type: domain.CriterionFunctional, Criterion: "works", TargetValue: 1, Weight: 7},
	}
	res := &domain.ExecutionResult{Success: true, QualityMetrics: map[string]float64{"security": 9.9}}
	eval := Evaluate(criteria, res, DefaultAcceptance)
	assert.Greater(t, eval.Score, 0.99)
	assert.False(t, eval.Passed)
}

func TestEvaluateEdgeCases(t *testing.T) {
	assert.Equal(t, domain.Evaluation{Score: 1, Passed: true}, Evaluate(nil, &domain.ExecutionResult{Success: true}, DefaultAcceptance))
	assert.Equal(t, domain.Evaluation{Score: 0, Passed: false}, Evaluate(nil, &domain.ExecutionResult{}, DefaultAcceptance))

	custom := []domain.AcceptanceCriterion{{Type: domain.CriterionCustom, Criterion: "docs_pages", TargetValue: 4, Weight: 1}}
	eval := Evaluate(custom, &domain.ExecutionResult{Success: true}, DefaultAcceptance)
	assert.Zero(t, eval.Score)
	assert.Nil(t, eval.Outcomes[0].Actual)

	eval = Evaluate(custom, &domain.ExecutionResult{Success: true, QualityMetrics: map[string]float64{"docs_pages": 2}}, DefaultAcceptance)
	assert.InDelta(t, 0.5, eval.Score, 1e-9)
	assert.False(t, eval.Passed)
}

func TestPartialCreditStaysBelowOne(t *testing.T) {
	c := domain.AcceptanceCriterion{Type: domain.CriterionCodeQuality, TargetValue: 8}
	credit, met := Credit(c, 7.9999999999)
	assert.False(t, met)
	assert.Less(t, credit, 1.0)
	credit, met = Credit(c, 8)
	assert.True(t, met)
	assert.Equal(t, 1.0, credit)
}

func TestEstimateComplexity(t *testing.T) {
	simple := EstimateComplexity(domain.Task{Priority: domain.PriorityLow, EstimatedEffortHours: 2})
	assert.Zero(t, simple.Score)
	assert.Equal(t, 1.0, simple.EffortMultiplier)
	assert.Equal(t, 2.0, simple.AdjustedHours)

	caps := make([]domain.Capability, 6)
	criteria := make([]domain.AcceptanceCriterion, 9)
	desc := make([]byte, 1000)
	for i := range desc {
		desc[i] = 'x'
	}
	heavy := EstimateComplexity(domain.Task{
		Priority:             domain.PriorityCritical,
		RequiredCapabilities: caps,
		AcceptanceCriteria:   criteria,
		Description:          string(desc),
		DependencyCount:      12,
		EstimatedEffortHours: 10,
	})
	assert.Equal(t, 10.0, heavy.Score)
	assert.Equal(t, 2.0, heavy.EffortMultiplier)
	assert.Equal(t, 20.0, heavy.AdjustedHours)

	mid := EstimateComplexity(domain.Task{
		Priority:             domain.PriorityHigh,
		RequiredCapabilities: caps[:2],
		DependencyCount:      1,
		EstimatedEffortHours: 4,
	})
	assert.InDelta(t, 2.25, mid.Score, 1e-9)
	assert.InDelta(t, 1.225, mid.EffortMultiplier, 1e-9)
	assert.GreaterOrEqual(t, mid.EffortMultiplier, 1.0)
}
