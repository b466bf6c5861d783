package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSharpeRatio_ZeroWithFewerThanTwoReturns(t *testing.T) {
	assert.Equal(t, 0.0, SharpeRatio([]float64{0.01}, 0, 252))
}

func TestSharpeRatio_PositiveForConsistentPositiveReturns(t *testing.T) {
	returns := []float64{0.01, 0.012, 0.009, 0.011, 0.01}
	assert.Greater(t, SharpeRatio(returns, 0, 252), 0.0)
}

func TestSortinoRatio_ZeroWithNoDownsideDeviation(t *testing.T) {
	returns := []float64{0.01, 0.02, 0.015}
	assert.Equal(t, 0.0, SortinoRatio(returns, 0, 252))
}

func TestMaxDrawdown_FindsPeakToTroughDecline(t *testing.T) {
	curve := []float64{100, 110, 90, 95, 120, 80}
	pct, peakIdx, troughIdx := MaxDrawdown(curve)
	assert.InDelta(t, (120.0-80.0)/120.0*100, pct, 1e-9)
	assert.Equal(t, 4, peakIdx)
	assert.Equal(t, 5, troughIdx)
}

func TestMaxDrawdown_EmptyCurveIsZero(t *testing.T) {
	pct, _, _ := MaxDrawdown(nil)
	assert.Equal(t, 0.0, pct)
}

func TestWinRate_ComputesPercentageOfPositiveTrades(t *testing.T) {
	assert.InDelta(t, 60.0, WinRate([]float64{10, -5, 3, -1, 2}), 1e-9)
	assert.Equal(t, 0.0, WinRate(nil))
}

func TestKellyCriterion_CapsAtQuarterKelly(t *testing.T) {
	f := KellyCriterion(0.9, 10, 1)
	assert.Equal(t, 0.25, f)
}

func TestKellyCriterion_ZeroForUnfavorableOdds(t *testing.T) {
	assert.Equal(t, 0.0, KellyCriterion(0.2, 1, 10))
	assert.Equal(t, 0.0, KellyCriterion(0, 1, 1))
	assert.Equal(t, 0.0, KellyCriterion(0.5, 1, 0))
}

func TestTrailingStop_OnlyRatchetsInPositionFavorForLong(t *testing.T) {
	ts := NewTrailingStop(100, 95, "long", 0.02, 0.01)

	_, moved := ts.Update(101)
	assert.False(t, moved, "must not activate before the profit threshold")

	stop, moved := ts.Update(105)
	assert.True(t, moved)
	assert.InDelta(t, 105*0.99, stop, 1e-9)

	before := ts.CurrentStop
	_, moved = ts.Update(102)
	assert.False(t, moved, "must never retreat once activated")
	assert.Equal(t, before, ts.CurrentStop)
}

func TestTrailingStop_RatchetsDownwardForShort(t *testing.T) {
	ts := NewTrailingStop(100, 105, "short", 0.02, 0.01)
	stop, moved := ts.Update(95)
	assert.True(t, moved)
	assert.InDelta(t, 95*1.01, stop, 1e-9)
}
