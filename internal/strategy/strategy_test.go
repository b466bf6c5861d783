package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/regime"
)

func defaultIndicators() config.Indicators {
	return config.Indicators{RSIPeriod: 14}
}

func candlesEndingAt(price float64, n int) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = candle.Candle{OpenTS: time.Unix(int64(i)*300, 0), Open: price, Close: price, High: price + 1, Low: price - 1, Volume: 10}
	}
	return out
}

func TestDecide_NoCandlesHolds(t *testing.T) {
	sig := Decide(regime.Result{Regime: regime.TrendUp}, marketdata.HTFContext{}, nil, defaultIndicators(), false)
	assert.Equal(t, ActionHold, sig.Action)
}

func TestDecide_TrendUpHoldsWhenHTFBearish(t *testing.T) {
	c := candlesEndingAt(100, 60)
	rr := regime.Result{Regime: regime.TrendUp, Confidence: 0.6, Signals: regime.Signals{SMA20: 100, ATR: 2}}
	sig := Decide(rr, marketdata.HTFContext{DominantTrend: marketdata.TrendDown}, c, defaultIndicators(), false)
	assert.Equal(t, ActionHold, sig.Action)
	assert.Contains(t, sig.Reason, "HTF dominant is down")
}

func TestDecide_TrendUpLongsWhenSetupMet(t *testing.T) {
	c := candlesEndingAt(100, 60)
	rr := regime.Result{Regime: regime.TrendUp, Confidence: 0.7, Signals: regime.Signals{SMA20: 100, ATR: 2}}
	sig := Decide(rr, marketdata.HTFContext{DominantTrend: marketdata.TrendUp}, c, defaultIndicators(), false)
	assert.Equal(t, ActionLong, sig.Action)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Greater(t, sig.TakeProfit, sig.EntryPrice)
}

func TestDecide_TrendDownNeverShortsInSpotOnlyBuild(t *testing.T) {
	c := candlesEndingAt(100, 60)
	rr := regime.Result{Regime: regime.TrendDown, Confidence: 0.7}
	sig := Decide(rr, marketdata.HTFContext{}, c, defaultIndicators(), true)
	assert.Equal(t, ActionHold, sig.Action)
}

func TestDecide_RangeLongsNearLowerBand(t *testing.T) {
	c := candlesEndingAt(97, 60)
	rr := regime.Result{Regime: regime.Range, Confidence: 0.5, Signals: regime.Signals{BBLower: 95, BBUpper: 105, ATR: 1}}
	sig := Decide(rr, marketdata.HTFContext{}, c, defaultIndicators(), false)
	assert.Equal(t, ActionLong, sig.Action)
}

func TestDecide_BreakoutExpansionDownsideSkippedInSpotOnlyBuild(t *testing.T) {
	c := candlesEndingAt(100, 60)
	rr := regime.Result{Regime: regime.BreakoutExpansion, Confidence: 0.75, Signals: regime.Signals{BrokeBelowRange: true}}
	sig := Decide(rr, marketdata.HTFContext{}, c, defaultIndicators(), false)
	assert.Equal(t, ActionHold, sig.Action)
	assert.Contains(t, sig.Reason, "spot-only build")
}

func TestDecide_NoTradePassesThroughRegimeReason(t *testing.T) {
	c := candlesEndingAt(100, 60)
	rr := regime.Result{Regime: regime.NoTrade, Reason: "ADX 10.00 < min_adx 15.00"}
	sig := Decide(rr, marketdata.HTFContext{}, c, defaultIndicators(), false)
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, rr.Reason, sig.Reason)
}
