package scoring

import (
	"math"
	"unicode/utf8"

	"fleetline/internal/domain"
)

type Complexity struct {
	Score            float64 `json:"score"`
	EffortMultiplier float64 `json:"effort_multiplier"`
	AdjustedHours    float64 `json:"adjusted_hours"`
}

// EstimateComplexity scores a task on [0,10] from its capability set,
// dependency count and the richness of its description and criteria.
func EstimateComplexity(t domain.Task) Complexity {
	score := math.Min(3, 0.75*float64(len(t.RequiredCapabilities)))
	score += math.Min(2.5, 0.5*float64(t.DependencyCount))
	score += math.Min(2, float64(utf8.RuneCountInString(t.Description))/250)
	score += math.Min(2, 0.4*float64(len(t.AcceptanceCriteria)))
	switch t.Priority {
	case domain.PriorityCritical:
		score += 0.5
	case domain.PriorityHigh:
		score += 0.25
	}
	score = clamp(score, 0, 10)
	mult := 1 + score/10
	return Complexity{
		Score:            score,
		EffortMultiplier: mult,
		AdjustedHours:    t.EstimatedEffortHours * mult,
	}
}
