package scheduling

import (
	"math"
	"time"
)

// Recommendation is the outcome of a move check.
type Recommendation string

const (
	RecommendMove Recommendation = "MOVE"
	RecommendKeep Recommendation = "KEEP"
)

// MoveThreshold is the score a move must exceed to be recommended.
const MoveThreshold = 70

// MoveFactors are the inputs to MoveScore.
type MoveFactors struct {
	// ValueDiff is requested value minus the existing appointment's value.
	ValueDiff float64
	// LTVScore is the existing patient's lifetime value.
	LTVScore float64
	// DaysShifted is how far the existing appointment would move.
	DaysShifted int
	// AnxietyLevel is the existing patient's anxiety rating (0-10).
	AnxietyLevel int
	// PriorityScore is the triage priority of the request.
	PriorityScore int
	// UntilSlot is the time from now until the slot that would be freed.
	UntilSlot time.Duration
	// Horizon is the negotiation target horizon.
	Horizon time.Duration
}

// MoveScore weighs value gained against disruption and urgency, clamped to 0-100.
func MoveScore(f MoveFactors) int {
	base := 50 + f.ValueDiff/10
	ltv := -f.LTVScore / 100
	disruption := -math.Min(20, 5*float64(f.DaysShifted)) - float64(f.AnxietyLevel)

	proximity := 0.0
	if f.Horizon > 0 {
		proximity = 1 - f.UntilSlot.Hours()/f.Horizon.Hours()
		proximity = math.Max(0, math.Min(1, proximity))
	}
	urgency := math.Min(10, float64(f.PriorityScore)/15) + 10*proximity

	score := int(math.Round(base + ltv + disruption + urgency))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Recommend maps a score to MOVE or KEEP.
func Recommend(score int) Recommendation {
	if score > MoveThreshold {
		return RecommendMove
	}
	return RecommendKeep
}

// IncentiveFor picks the incentive tier for a score. Stronger cases need a
// smaller sweetener.
func IncentiveFor(score int) Incentive {
	switch {
	case score >= 80:
		return Incentive{Type: IncentiveDiscount, Value: "5% discount"}
	case score >= 70:
		return Incentive{Type: IncentiveDiscount, Value: "10% discount"}
	default:
		return Incentive{Type: IncentivePrioritySlot, Value: "15% discount or priority slot"}
	}
}

// daysBetween counts whole days started between two instants, never negative.
func daysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(math.Ceil(to.Sub(from).Hours() / 24))
}

// MoveCheckResult is the outcome of evaluating one potential move.
type MoveCheckResult struct {
	MoveScore         int            `json:"move_score"`
	Recommendation    Recommendation `json:"recommendation"`
	IncentiveNeeded   string         `json:"incentive_needed"`
	IncentiveType     IncentiveType  `json:"incentive_type"`
	RevenueDifference float64        `json:"revenue_difference"`
}

func checkResult(f MoveFactors) MoveCheckResult {
	score := MoveScore(f)
	inc := IncentiveFor(score)
	return MoveCheckResult{
		MoveScore:         score,
		Recommendation:    Recommend(score),
		IncentiveNeeded:   inc.Value,
		IncentiveType:     inc.Type,
		RevenueDifference: f.ValueDiff,
	}
}
