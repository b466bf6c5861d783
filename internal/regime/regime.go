// Package regime implements the Regime Detector (spec §4.3), a pure
// function over cached OHLCV + indicators, grounded directly on
// original_source/regime_detector.py's RegimeDetector.detect_regime:
// the same six-step sequential-priority match (NO_TRADE pre-check,
// BREAKOUT_EXPANSION, TREND_UP, TREND_DOWN, RANGE, fallback
// "conflicting signals").
package regime

import (
	"fmt"
	"math"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/marketdata"
)

// Regime is one of the five classifications the detector can emit.
type Regime string

const (
	TrendUp            Regime = "TREND_UP"
	TrendDown          Regime = "TREND_DOWN"
	Range              Regime = "RANGE"
	BreakoutExpansion  Regime = "BREAKOUT_EXPANSION"
	NoTrade            Regime = "NO_TRADE"
)

// Signals is the intermediate per-call measurement set, mirroring
// regime_detector.py's RegimeSignals dataclass.
type Signals struct {
	SMA20, SMA50       float64
	Price              float64
	SMA20AboveSMA50    bool
	PriceAboveSMA20    bool
	ADX                float64
	Trending           bool
	ATR                float64
	ATRPct             float64
	RecentATRAvg       float64
	ATRSpike           bool
	BBUpper, BBLower   float64
	BBWidthPct         float64
	PriceInRange       bool
	RangeHigh, RangeLow float64
	BrokeAboveRange    bool
	BrokeBelowRange    bool
	Volume             float64
	VolumeElevated     bool
	HTFBullish         bool
	HTFBearish         bool
}

// Result is the detector's output: exactly one regime per call, per
// spec §8 invariant 6.
type Result struct {
	Regime     Regime
	Confidence float64
	Reason     string
	Signals    Signals
}

// atrHistory computes the 20-period historical ATR average via a
// sliding window, mirroring _calculate_atr_history in the source.
func atrHistory(c []candle.Candle, atr []float64, n int) []float64 {
	out := make([]float64, len(c))
	for i := range out {
		if i < n {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		cnt := 0
		for j := i - n; j < i; j++ {
			if !math.IsNaN(atr[j]) {
				sum += atr[j]
				cnt++
			}
		}
		if cnt == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(cnt)
		}
	}
	return out
}

// Detect is the pure detector entry point. ohlcv5m must have >= 50
// closed candles (spec §4.3). htf is the Multi-Timeframe Context
// (spec §4.4); it may be the zero value when multi-timeframe is
// disabled, in which case HTF confirmation is treated as neutral
// (neither confirming nor blocking).
func Detect(ohlcv5m []candle.Candle, ind config.Indicators, htf marketdata.HTFContext, htfEnabled bool) (Result, error) {
	n := len(ohlcv5m)
	if n < 50 {
		return Result{}, fmt.Errorf("regime: need >= 50 candles, got %d", n)
	}

	sma20 := candle.SMA(ohlcv5m, 20)
	sma50 := candle.SMA(ohlcv5m, 50)
	adx := candle.ADX(ohlcv5m, ind.ADXPeriod)
	atr := candle.ATR(ohlcv5m, ind.ATRPeriod)
	_, bbUpper, bbLower := candle.BollingerBands(ohlcv5m, ind.BBPeriod, ind.BBStdDev)
	atrAvg := atrHistory(ohlcv5m, atr, 20)

	last := n - 1
	price := ohlcv5m[last].Close

	s := Signals{
		SMA20: sma20[last], SMA50: sma50[last], Price: price,
		SMA20AboveSMA50: sma20[last] > sma50[last],
		PriceAboveSMA20: price > sma20[last],
		ADX:             valOrZero(adx[last]),
		Trending:        valOrZero(adx[last]) > ind.AdxThreshold,
		ATR:             valOrZero(atr[last]),
	}
	if price > 0 {
		s.ATRPct = s.ATR / price * 100
	}
	s.RecentATRAvg = valOrZero(atrAvg[last])
	if s.RecentATRAvg > 0 {
		s.ATRSpike = s.ATR > ind.AtrSpikeMultiplier*s.RecentATRAvg
	}
	s.BBUpper, s.BBLower = bbUpper[last], bbLower[last]
	if s.BBUpper > 0 {
		s.BBWidthPct = (s.BBUpper - s.BBLower) / price * 100
	}
	s.PriceInRange = price >= s.BBLower && price <= s.BBUpper

	// Prior 20-bar range EXCLUDING the current candle -- spec §4.3
	// step 2 is explicit that this must exclude the current bar, "else
	// the detector never fires". Mirrors ohlcv_5m[-21:-1] in the
	// source.
	rangeStart := last - 20
	if rangeStart < 0 {
		rangeStart = 0
	}
	rangeEnd := last // exclusive
	if rangeEnd > rangeStart {
		hi, lo := ohlcv5m[rangeStart].High, ohlcv5m[rangeStart].Low
		for i := rangeStart + 1; i < rangeEnd; i++ {
			if ohlcv5m[i].High > hi {
				hi = ohlcv5m[i].High
			}
			if ohlcv5m[i].Low < lo {
				lo = ohlcv5m[i].Low
			}
		}
		s.RangeHigh, s.RangeLow = hi, lo
		margin := ind.BreakoutMarginATR * s.ATR
		s.BrokeAboveRange = price > hi+margin
		s.BrokeBelowRange = price < lo-margin
	}

	s.Volume = ohlcv5m[last].Volume
	avgVol := candle.AvgVolume(ohlcv5m[rangeStart:rangeEnd])
	if avgVol > 0 {
		s.VolumeElevated = s.Volume > ind.VolumeSpikeMult*avgVol
	}

	if htfEnabled {
		s.HTFBullish = htf.DominantTrend == marketdata.TrendUp
		s.HTFBearish = htf.DominantTrend == marketdata.TrendDown
	}

	if r, reason, ok := isNoTradeConditions(s, ind); ok {
		return Result{Regime: r, Confidence: 0.9, Reason: reason, Signals: s}, nil
	}
	if r, reason, conf, ok := isBreakoutExpansion(s); ok {
		return Result{Regime: r, Confidence: conf, Reason: reason, Signals: s}, nil
	}
	if r, reason, conf, ok := isTrendUp(s, ind, htfEnabled); ok {
		return Result{Regime: r, Confidence: conf, Reason: reason, Signals: s}, nil
	}
	if r, reason, conf, ok := isTrendDown(s, ind, htfEnabled); ok {
		return Result{Regime: r, Confidence: conf, Reason: reason, Signals: s}, nil
	}
	if r, reason, conf, ok := isRangeMarket(s, ind); ok {
		return Result{Regime: r, Confidence: conf, Reason: reason, Signals: s}, nil
	}
	return Result{Regime: NoTrade, Confidence: 0.3, Reason: "conflicting signals", Signals: s}, nil
}

func valOrZero(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}

func isNoTradeConditions(s Signals, ind config.Indicators) (Regime, string, bool) {
	if s.ATRPct < ind.MinVolatilityPct {
		return NoTrade, fmt.Sprintf("ATR%% %.3f < min_volatility_pct %.3f", s.ATRPct, ind.MinVolatilityPct), true
	}
	if s.ADX < ind.MinADX {
		return NoTrade, fmt.Sprintf("ADX %.2f < min_adx %.2f", s.ADX, ind.MinADX), true
	}
	if ind.MinVolume > 0 && s.Volume < ind.MinVolume {
		return NoTrade, fmt.Sprintf("volume %.2f < min_volume %.2f", s.Volume, ind.MinVolume), true
	}
	return "", "", false
}

func isBreakoutExpansion(s Signals) (Regime, string, float64, bool) {
	if !s.ATRSpike {
		return "", "", 0, false
	}
	if !s.BrokeAboveRange && !s.BrokeBelowRange {
		return "", "", 0, false
	}
	if s.RecentATRAvg > 0 && !s.VolumeElevated && s.Volume > 0 {
		return "", "", 0, false
	}
	dir := "upside"
	if s.BrokeBelowRange {
		dir = "downside"
	}
	return BreakoutExpansion, fmt.Sprintf("ATR spike (%.2f > avg %.2f) with %s break of prior range [%.2f,%.2f]", s.ATR, s.RecentATRAvg, dir, s.RangeLow, s.RangeHigh), 0.75, true
}

func isTrendUp(s Signals, ind config.Indicators, htfEnabled bool) (Regime, string, float64, bool) {
	if !(s.ADX > ind.AdxThreshold && s.PriceAboveSMA20 && s.SMA20AboveSMA50) {
		return "", "", 0, false
	}
	conf := 0.6
	if htfEnabled {
		if s.HTFBearish {
			return "", "", 0, false
		}
		if s.HTFBullish {
			conf = 0.85
		}
	}
	return TrendUp, fmt.Sprintf("ADX %.2f > %.2f, price>SMA20>SMA50 (%.2f>%.2f>%.2f)", s.ADX, ind.AdxThreshold, s.Price, s.SMA20, s.SMA50), conf, true
}

func isTrendDown(s Signals, ind config.Indicators, htfEnabled bool) (Regime, string, float64, bool) {
	if !(s.ADX > ind.AdxThreshold && !s.PriceAboveSMA20 && !s.SMA20AboveSMA50) {
		return "", "", 0, false
	}
	conf := 0.6
	if htfEnabled {
		if s.HTFBullish {
			return "", "", 0, false
		}
		if s.HTFBearish {
			conf = 0.85
		}
	}
	return TrendDown, fmt.Sprintf("ADX %.2f > %.2f, price<SMA20<SMA50 (%.2f<%.2f<%.2f)", s.ADX, ind.AdxThreshold, s.Price, s.SMA20, s.SMA50), conf, true
}

func isRangeMarket(s Signals, ind config.Indicators) (Regime, string, float64, bool) {
	if s.Trending {
		return "", "", 0, false
	}
	if s.BBWidthPct > ind.MaxRangeWidthPct {
		return "", "", 0, false
	}
	if !s.PriceInRange {
		return "", "", 0, false
	}
	return Range, fmt.Sprintf("ADX %.2f <= %.2f, BB width %.2f%% <= %.2f%%, price in band [%.2f,%.2f]", s.ADX, ind.AdxThreshold, s.BBWidthPct, ind.MaxRangeWidthPct, s.BBLower, s.BBUpper), 0.55, true
}
