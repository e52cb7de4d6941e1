package scoring

import (
	"sort"

	"fleetline/internal/domain"
)

const defaultProficiency = 5

// MatchScore is average proficiency over the matched capabilities times the
// matched fraction. An empty requirement or no match scores 0.
func MatchScore(a domain.Agent, required []domain.Capability) float64 {
	if len(required) == 0 {
		return 0
	}
	matched := 0
	var prof float64
	for _, c := range required {
		if !a.HasCapability(c) {
			continue
		}
		matched++
		level, ok := a.SkillProfile.Levels[c]
		if !ok {
			level = defaultProficiency
		}
		prof += float64(level) / 10
	}
	if matched == 0 {
		return 0
	}
	return (prof / float64(matched)) * (float64(matched) / float64(len(required)))
}

type Candidate struct {
	Agent domain.Agent `json:"agent"`
	Score float64      `json:"score"`
}

// RankCandidates keeps idle agents covering every required capability with a
// positive match score, best first: success rate desc, average completion
// asc, match score desc, id asc.
func RankCandidates(agents []domain.Agent, required []domain.Capability) []Candidate {
	var out []Candidate
	for _, a := range agents {
		if a.Status != domain.AgentIdle || !a.Covers(required) {
			continue
		}
		s := MatchScore(a, required)
		if s <= 0 {
			continue
		}
		out = append(out, Candidate{Agent: a, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Agent.Stats.SuccessRate != b.Agent.Stats.SuccessRate {
			return a.Agent.Stats.SuccessRate > b.Agent.Stats.SuccessRate
		}
		if a.Agent.Stats.AvgCompletionMinutes != b.Agent.Stats.AvgCompletionMinutes {
			return a.Agent.Stats.AvgCompletionMinutes < b.Agent.Stats.AvgCompletionMinutes
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Agent.ID < b.Agent.ID
	})
	return out
}

// SuccessRate applies (prior*(n-1)+outcome)/n where n counts the new outcome.
func SuccessRate(prior float64, n int, success bool) float64 {
	if n <= 0 {
		return prior
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	return (prior*float64(n-1) + outcome) / float64(n)
}

// RollingAverage folds sample into an average over n values.
func RollingAverage(prior float64, n int, sample float64) float64 {
	if n <= 0 {
		return prior
	}
	return (prior*float64(n-1) + sample) / float64(n)
}

// TrendWindows configures performance trend detection.
type TrendWindows struct {
	Recent    int
	Prior     int
	Threshold float64
}

var DefaultTrendWindows = TrendWindows{Recent: 10, Prior: 5, Threshold: 0.5}

// PerformanceTrend compares the mean quality of the newest Recent assessments
// against the Prior assessments before them. History is oldest first.
func PerformanceTrend(history []domain.SkillAssessment, w TrendWindows) domain.Trend {
	n := len(history)
	if n == 0 || w.Recent <= 0 || w.Prior <= 0 {
		return domain.TrendStable
	}
	recentStart := n - w.Recent
	if recentStart < 0 {
		recentStart = 0
	}
	priorStart := recentStart - w.Prior
	if priorStart < 0 {
		priorStart = 0
	}
	if recentStart == priorStart {
		return domain.TrendStable
	}
	current := meanQuality(history[recentStart:])
	prior := meanQuality(history[priorStart:recentStart])
	switch {
	case current-prior > w.Threshold:
		return domain.TrendImproving
	case prior-current > w.Threshold:
		return domain.TrendDeclining
	default:
		return domain.TrendStable
	}
}

func meanQuality(as []domain.SkillAssessment) float64 {
	if len(as) == 0 {
		return 0
	}
	var sum float64
	for _, a := range as {
		sum += a.QualityScore
	}
	return sum / float64(len(as))
}

// TrimHistory keeps the newest window assessments.
func TrimHistory(history []domain.SkillAssessment, window int) []domain.SkillAssessment {
	if window <= 0 || len(history) <= window {
		return history
	}
	return append([]domain.SkillAssessment(nil), history[len(history)-window:]...)
}
