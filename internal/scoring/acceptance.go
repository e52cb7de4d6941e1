// Package scoring holds the numeric heuristics of the engine. Every function
// is pure; thresholds arrive as arguments so callers can source them from
// configuration.
package scoring

import (
	"math"

	"fleetline/internal/domain"
)

// Acceptance carries the pass rules for criterion evaluation.
type Acceptance struct {
	PassThreshold  float64
	CriticalWeight float64
}

var DefaultAcceptance = Acceptance{PassThreshold: 0.8, CriticalWeight: 0.3}

// ActualValue extracts the measured value a criterion is judged against.
// ok is false when the result carries no measurement for it.
func ActualValue(c domain.AcceptanceCriterion, res *domain.ExecutionResult) (float64, bool) {
	if res == nil {
		return 0, false
	}
	switch c.Type {
	case domain.CriterionTestPassRate:
		if res.TestResults == nil {
			return 0, false
		}
		ran := res.TestResults.Passed + res.TestResults.Failed
		if ran == 0 {
			return 0, false
		}
		return float64(res.TestResults.Passed) / float64(ran), true
	case domain.CriterionTestCoverage:
		if res.TestResults == nil {
			return 0, false
		}
		return res.TestResults.Coverage, true
	case domain.CriterionCodeQuality, domain.CriterionSecurity, domain.CriterionPerformance:
		v, ok := res.QualityMetrics[string(c.Type)]
		return v, ok
	case domain.CriterionFunctional:
		if res.Success {
			return 1, true
		}
		return 0, true
	default:
		v, ok := res.QualityMetrics[c.Criterion]
		return v, ok
	}
}

// Credit is the indicator of one criterion: 1 when the target is met,
// otherwise proportional partial credit clamped below 1.
func Credit(c domain.AcceptanceCriterion, actual float64) (float64, bool) {
	if c.Type.LowerIsBetter() {
		if actual <= c.TargetValue {
			return 1, true
		}
		if actual <= 0 {
			return 0, false
		}
		return clampPartial(c.TargetValue / actual), false
	}
	if actual >= c.TargetValue {
		return 1, true
	}
	if c.TargetValue <= 0 {
		return 0, false
	}
	return clampPartial(actual / c.TargetValue), false
}

func clampPartial(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v >= 1 {
		return math.Nextafter(1, 0)
	}
	return v
}

// Evaluate computes the normalised weighted score of res against criteria.
// The result passes when the score reaches PassThreshold and no critical
// criterion (normalised weight >= CriticalWeight) misses its target.
func Evaluate(criteria []domain.AcceptanceCriterion, res *domain.ExecutionResult, rules Acceptance) domain.Evaluation {
	succeeded := res != nil && res.Success
	if len(criteria) == 0 {
		if succeeded {
			return domain.Evaluation{Score: 1, Passed: true}
		}
		return domain.Evaluation{Score: 0, Passed: false}
	}
	var total float64
	for _, c := range criteria {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return domain.Evaluation{Score: 0, Passed: false}
	}
	eval := domain.Evaluation{Outcomes: make([]domain.CriterionOutcome, 0, len(criteria))}
	criticalFailed := false
	var sum float64
	for _, c := range criteria {
		if c.Weight <= 0 {
			continue
		}
		norm := c.Weight / total
		out := domain.CriterionOutcome{
			Type:     c.Type,
			Target:   c.TargetValue,
			Weight:   norm,
			Critical: norm >= rules.CriticalWeight,
		}
		if actual, ok := ActualValue(c, res); ok {
			a := actual
			out.Actual = &a
			out.Credit, out.Met = Credit(c, actual)
		}
		if out.Critical && !out.Met {
			criticalFailed = true
		}
		sum += norm * out.Credit
		eval.Outcomes = append(eval.Outcomes, out)
	}
	eval.Score = clamp(sum, 0, 1)
	eval.Passed = eval.Score >= rules.PassThreshold && !criticalFailed
	return eval
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
