package candle

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mk(closes ...float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{
			OpenTS: time.Unix(int64(i)*60, 0),
			Open:   c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	return out
}

func TestCandle_Valid(t *testing.T) {
	assert.True(t, Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}.Valid())
	assert.False(t, Candle{Open: 10, High: 9, Low: 9, Close: 11, Volume: 1}.Valid(), "high below close must be invalid")
	assert.False(t, Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}.Valid(), "negative volume must be invalid")
}

func TestTicker_Valid(t *testing.T) {
	assert.True(t, Ticker{Bid: 10, Ask: 10.5, Last: 10.2}.Valid())
	assert.False(t, Ticker{Bid: 11, Ask: 10, Last: 10.5}.Valid())
	assert.False(t, Ticker{Bid: 10, Ask: 10.5, Last: 0}.Valid())
}

func TestSMA_AlignsAndSkipsShortWindow(t *testing.T) {
	c := mk(1, 2, 3, 4, 5)
	out := SMA(c, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
}

func TestEMA_SeedsWithSMAThenSmooths(t *testing.T) {
	c := mk(1, 2, 3, 4, 5, 6)
	out := EMA(c, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.InDelta(t, 2.0, out[2], 1e-9) // seeded from SMA(3) of [1,2,3]
	assert.False(t, math.IsNaN(out[5]))
}

func TestRSI_BoundedZeroToHundred(t *testing.T) {
	c := mk(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)
	out := RSI(c, 14)
	for _, v := range out {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.InDelta(t, 100.0, out[14], 1e-9, "strictly rising closes should saturate RSI near 100")
}

func TestATR_NaNUntilWindowFull(t *testing.T) {
	c := mk(10, 11, 12, 11, 10, 11, 12)
	out := ATR(c, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.False(t, math.IsNaN(out[2]))
}

func TestBollingerBands_UpperAboveLowerAroundMid(t *testing.T) {
	c := mk(10, 11, 9, 12, 8, 13, 7, 14, 6, 15)
	mid, upper, lower := BollingerBands(c, 5, 2)
	for i := 4; i < len(c); i++ {
		assert.GreaterOrEqual(t, upper[i], mid[i])
		assert.LessOrEqual(t, lower[i], mid[i])
	}
}

func TestSwingPoints_FindsSymmetricPeakAndTrough(t *testing.T) {
	c := mk(1, 2, 3, 10, 3, 2, 1)
	pts := SwingPoints(c, 2)
	require := assert.New(t)
	found := false
	for _, p := range pts {
		if p.Index == 3 && p.IsHigh {
			found = true
		}
	}
	require.True(found, "expected a swing high at the central peak")
}

func TestAvgVolume_EmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, AvgVolume(nil))
	assert.InDelta(t, 10.0, AvgVolume(mk(1, 2, 3)), 1e-9)
}
