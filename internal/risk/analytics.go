package risk

import "math"

// SharpeRatio mirrors PortfolioMetrics.calculate_sharpe_ratio:
// annualized mean/stddev of per-period returns, riskFreeRate is a
// per-period rate (not annualized).
func SharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - riskFreeRate
	}
	mean, std := meanStd(excess)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// SortinoRatio mirrors calculate_sortino_ratio: like Sharpe but the
// denominator only penalizes downside deviation.
func SortinoRatio(returns []float64, riskFreeRate float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	var downside []float64
	for _, r := range returns {
		excess := r - riskFreeRate
		sum += excess
		if excess < 0 {
			downside = append(downside, excess)
		}
	}
	mean := sum / float64(len(returns))
	if len(downside) == 0 {
		return 0
	}
	_, downsideStd := meanStd(downside)
	if downsideStd == 0 {
		return 0
	}
	return mean / downsideStd * math.Sqrt(periodsPerYear)
}

// MaxDrawdown mirrors calculate_max_drawdown: returns the maximum
// peak-to-trough percentage decline and the peak/trough indices.
func MaxDrawdown(equityCurve []float64) (pct float64, peakIdx, troughIdx int) {
	if len(equityCurve) == 0 {
		return 0, 0, 0
	}
	peak := equityCurve[0]
	peakI := 0
	maxDD := 0.0
	maxPeakI, maxTroughI := 0, 0
	for i, v := range equityCurve {
		if v > peak {
			peak = v
			peakI = i
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
				maxPeakI = peakI
				maxTroughI = i
			}
		}
	}
	return maxDD * 100, maxPeakI, maxTroughI
}

// CalmarRatio mirrors calculate_calmar_ratio: annualized return over
// max drawdown.
func CalmarRatio(annualizedReturnPct float64, equityCurve []float64) float64 {
	ddPct, _, _ := MaxDrawdown(equityCurve)
	if ddPct == 0 {
		return 0
	}
	return annualizedReturnPct / ddPct
}

// WinRate mirrors calculate_win_rate.
func WinRate(tradePnLs []float64) float64 {
	if len(tradePnLs) == 0 {
		return 0
	}
	wins := 0
	for _, p := range tradePnLs {
		if p > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(tradePnLs)) * 100
}

// KellyCriterion mirrors RiskOptimizer.calculate_kelly_criterion:
// half-Kelly, capped at 25%, per the fraction f* = winRate -
// (1-winRate)/payoffRatio.
func KellyCriterion(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss == 0 || winRate <= 0 || winRate >= 1 {
		return 0
	}
	payoffRatio := avgWin / avgLoss
	if payoffRatio <= 0 {
		return 0
	}
	full := winRate - (1-winRate)/payoffRatio
	half := full * 0.5
	if half < 0 {
		return 0
	}
	if half > 0.25 {
		return 0.25
	}
	return half
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(len(xs)))
	return mean, std
}

// TrailingStop mirrors risk_manager.py's TrailingStop: activates after
// a profit threshold, then only ever ratchets in the position's
// favor, never retreating.
type TrailingStop struct {
	EntryPrice        float64
	Side              string // "long" or "short"
	InitialStop       float64
	ActivationProfitPct float64
	TrailDistancePct  float64
	Activated         bool
	CurrentStop       float64
}

// NewTrailingStop mirrors create_trailing_stop.
func NewTrailingStop(entry, initialStop float64, side string, activationProfitPct, trailDistancePct float64) *TrailingStop {
	return &TrailingStop{
		EntryPrice: entry, Side: side, InitialStop: initialStop, CurrentStop: initialStop,
		ActivationProfitPct: activationProfitPct, TrailDistancePct: trailDistancePct,
	}
}

// Update mirrors TrailingStop.update(current_price): returns the
// (possibly unchanged) stop and whether it moved this call.
func (t *TrailingStop) Update(currentPrice float64) (newStop float64, moved bool) {
	if t.EntryPrice == 0 {
		return t.CurrentStop, false
	}
	var profitPct float64
	if t.Side == "long" {
		profitPct = (currentPrice - t.EntryPrice) / t.EntryPrice
	} else {
		profitPct = (t.EntryPrice - currentPrice) / t.EntryPrice
	}
	if !t.Activated {
		if profitPct < t.ActivationProfitPct {
			return t.CurrentStop, false
		}
		t.Activated = true
	}
	if t.Side == "long" {
		candidate := currentPrice * (1 - t.TrailDistancePct)
		if candidate > t.CurrentStop {
			t.CurrentStop = candidate
			return t.CurrentStop, true
		}
	} else {
		candidate := currentPrice * (1 + t.TrailDistancePct)
		if candidate < t.CurrentStop || t.CurrentStop == t.InitialStop {
			t.CurrentStop = candidate
			return t.CurrentStop, true
		}
	}
	return t.CurrentStop, false
}
