package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMoveScore(t *testing.T) {
	tests := []struct {
		name string
		f    MoveFactors
		want int
	}{
		{name: "neutral", f: MoveFactors{}, want: 50},
		{name: "value gain", f: MoveFactors{ValueDiff: 200}, want: 70},
		{name: "ltv and anxiety", f: MoveFactors{ValueDiff: 200, LTVScore: 500, AnxietyLevel: 4}, want: 61},
		{name: "disruption capped", f: MoveFactors{ValueDiff: 300, DaysShifted: 9}, want: 60},
		{name: "priority capped", f: MoveFactors{PriorityScore: 300}, want: 60},
		{
			name: "proximity",
			f:    MoveFactors{ValueDiff: 100, PriorityScore: 75, UntilSlot: 12 * time.Hour, Horizon: 48 * time.Hour},
			want: 73,
		},
		{
			name: "slot beyond horizon adds nothing",
			f:    MoveFactors{UntilSlot: 72 * time.Hour, Horizon: 48 * time.Hour},
			want: 50,
		},
		{name: "clamped high", f: MoveFactors{ValueDiff: 1000}, want: 100},
		{name: "clamped low", f: MoveFactors{ValueDiff: -1000}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MoveScore(tt.f))
		})
	}
}

func TestRecommendAndIncentive(t *testing.T) {
	assert.Equal(t, RecommendKeep, Recommend(70))
	assert.Equal(t, RecommendMove, Recommend(71))

	assert.Equal(t, Incentive{Type: IncentiveDiscount, Value: "5% discount"}, IncentiveFor(80))
	assert.Equal(t, Incentive{Type: IncentiveDiscount, Value: "10% discount"}, IncentiveFor(79))
	assert.Equal(t, Incentive{Type: IncentiveDiscount, Value: "10% discount"}, IncentiveFor(70))
	assert.Equal(t, Incentive{Type: IncentivePrioritySlot, Value: "15% discount or priority slot"}, IncentiveFor(69))
}

func TestDaysBetween(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, daysBetween(base, base))
	assert.Equal(t, 0, daysBetween(base, base.Add(-time.Hour)))
	assert.Equal(t, 1, daysBetween(base, base.Add(time.Hour)))
	assert.Equal(t, 1, daysBetween(base, base.Add(24*time.Hour)))
	assert.Equal(t, 2, daysBetween(base, base.Add(25*time.Hour)))
}
