// Package strategy implements the Strategy Orchestrator (spec §4.5):
// the regime + HTF-context routing table that emits a TradeSignal.
// The reason-string convention (cite the controlling thresholds and
// measured values) is grounded on the teacher's strategy.go decide().
package strategy

import (
	"fmt"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/regime"
)

// Action is the orchestrator's directive.
type Action string

const (
	ActionLong    Action = "long"
	ActionShort   Action = "short"
	ActionHold    Action = "hold"
	ActionSellAll Action = "sell_all"
)

// TradeSignal is the orchestrator's output per spec §4.5.
type TradeSignal struct {
	Action         Action
	Confidence     float64
	EntryPrice     float64
	StopLoss       float64
	TakeProfit     float64
	SizeMultiplier float64
	Reason         string
}

// Decide maps (regime result, HTF context) to a TradeSignal per the
// routing table in spec §4.5. allowShorts reflects the config's
// enable_shorts flag (the risk gate re-checks this independently,
// but the orchestrator itself only ever proposes a short when
// permitted, matching the "spot-only builds" language in the table).
func Decide(rr regime.Result, htf marketdata.HTFContext, ohlcv []candle.Candle, ind config.Indicators, allowShorts bool) TradeSignal {
	if len(ohlcv) == 0 {
		return TradeSignal{Action: ActionHold, Reason: "no candles"}
	}
	price := ohlcv[len(ohlcv)-1].Close
	atr := rr.Signals.ATR

	switch rr.Regime {
	case regime.TrendUp:
		if htf.DominantTrend == marketdata.TrendDown {
			return TradeSignal{Action: ActionHold, Reason: "TREND_UP skipped: HTF dominant is down"}
		}
		sma20 := rr.Signals.SMA20
		withinBand := sma20 > 0 && absPct(price, sma20) <= 0.2
		rsi := candle.RSI(ohlcv, ind.RSIPeriod)
		rsiVal := rsi[len(rsi)-1]
		if !withinBand || rsiVal >= 70 {
			return TradeSignal{Action: ActionHold, Reason: fmt.Sprintf("TREND_UP setup not met: price-SMA20 dist %.3f%%, RSI %.1f", absPct(price, sma20), rsiVal)}
		}
		conf := rr.Confidence
		return TradeSignal{
			Action: ActionLong, Confidence: conf,
			EntryPrice: price, StopLoss: price - 2*atr, TakeProfit: price + 3*atr,
			SizeMultiplier: clamp01(conf),
			Reason: fmt.Sprintf("TREND_UP: price %.2f within 0.2%% of SMA20 %.2f, RSI %.1f<70, HTF=%s", price, sma20, rsiVal, htf.DominantTrend),
		}

	case regime.TrendDown:
		// spot-only builds: HOLD, per spec §4.5 table.
		return TradeSignal{Action: ActionHold, Reason: "TREND_DOWN: no shorts in spot-only build"}

	case regime.Range:
		if htf.DominantTrend == marketdata.TrendDown {
			return TradeSignal{Action: ActionHold, Reason: "RANGE skipped: HTF dominant is down"}
		}
		lower, upper := rr.Signals.BBLower, rr.Signals.BBUpper
		width := upper - lower
		percentile := 0.0
		if width > 0 {
			percentile = (price - lower) / width
		}
		rsi := candle.RSI(ohlcv, ind.RSIPeriod)
		rsiVal := rsi[len(rsi)-1]
		const lowerPortionMax = 0.35
		const rsiMax = 45.0
		if percentile > lowerPortionMax || rsiVal >= rsiMax {
			return TradeSignal{Action: ActionHold, Reason: fmt.Sprintf("RANGE setup not met: band percentile %.2f, RSI %.1f", percentile, rsiVal)}
		}
		conf := rr.Confidence
		mid := (upper + lower) / 2
		return TradeSignal{
			Action: ActionLong, Confidence: conf,
			EntryPrice: price, StopLoss: lower - 0.5*atr, TakeProfit: mid,
			SizeMultiplier: clamp01(conf),
			Reason: fmt.Sprintf("RANGE: price in lower %.0f%% of band [%.2f,%.2f], RSI %.1f<%.0f", lowerPortionMax*100, lower, upper, rsiVal, rsiMax),
		}

	case regime.BreakoutExpansion:
		upward := rr.Signals.BrokeAboveRange
		if upward && htf.DominantTrend == marketdata.TrendDown {
			return TradeSignal{Action: ActionHold, Reason: "BREAKOUT_EXPANSION upside skipped: HTF bearish"}
		}
		if !upward {
			// downside breakout skipped in spot-only builds
			return TradeSignal{Action: ActionHold, Reason: "BREAKOUT_EXPANSION downside skipped: spot-only build"}
		}
		if !rr.Signals.VolumeElevated && rr.Signals.Volume > 0 {
			return TradeSignal{Action: ActionHold, Reason: "BREAKOUT_EXPANSION: no volume spike confirmation"}
		}
		conf := rr.Confidence
		return TradeSignal{
			Action: ActionLong, Confidence: conf,
			EntryPrice: price, StopLoss: price - 2.5*atr, TakeProfit: price + 4*atr,
			SizeMultiplier: clamp01(conf),
			Reason: fmt.Sprintf("BREAKOUT_EXPANSION: upward break above %.2f with volume spike", rr.Signals.RangeHigh),
		}

	default: // NoTrade
		return TradeSignal{Action: ActionHold, Reason: rr.Reason}
	}
}

func absPct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	d := (a - b) / b * 100
	if d < 0 {
		return -d
	}
	return d
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
