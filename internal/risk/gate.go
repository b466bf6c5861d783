// Package risk implements the Risk Gate (spec §4.7): the nine
// sequential skip gates standing between a TradeSignal and the
// bracket executor, plus (supplemented from
// original_source/risk_manager.py) the portfolio-analytics helpers
// the source computes for reporting.
package risk

import (
	"fmt"

	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/state"
	"github.com/duskline/spotpilot/internal/strategy"
)

// SkipReason is the closed enumeration of gate-rejection reasons
// spec §4.7 requires ("reason code drawn from a closed enumeration").
type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipGlobalPause       SkipReason = "GlobalPause"
	SkipSymbolCooldown    SkipReason = "SymbolCooldown"
	SkipDailyLimits       SkipReason = "DailyLimits"
	SkipShortsDisabled    SkipReason = "ShortsDisabled"
	SkipAggregateRisk     SkipReason = "AggregateRiskExceeded"
	SkipRiskReward        SkipReason = "RiskRewardTooLow"
	SkipFeeGate           SkipReason = "FeeGateNegativeEdge"
	SkipRegimeFilter      SkipReason = "RegimeFilterMissing"
	SkipProfitTargetPause SkipReason = "ProfitTargetPaused"
	SkipHold              SkipReason = "Hold"
)

// Outcome is the gate's verdict for one signal.
type Outcome struct {
	Approved bool
	Reason   SkipReason
	Detail   string
}

func skip(reason SkipReason, detail string) Outcome {
	return Outcome{Approved: false, Reason: reason, Detail: detail}
}

// Evaluate runs the nine sequential gates of spec §4.7. openPositions
// is the caller's current open-position set (for the aggregate active
// risk computation); equity is current account equity including
// unrealized P&L (see DESIGN.md's resolution of spec §9's open
// question).
func Evaluate(
	rs *state.RuntimeState,
	sig strategy.TradeSignal,
	symbol string,
	openPositions []position.Position,
	equity float64,
	cfg config.Risk,
	marginEligible bool,
	expectedEdgeUSD float64,
	regimeOK bool,
) Outcome {
	if sig.Action == strategy.ActionHold {
		return skip(SkipHold, sig.Reason)
	}

	// 1. Global pause active -> SKIP.
	if paused, reason := rs.IsGloballyPaused(); paused {
		if reason == "ProfitTargetPaused" {
			return skip(SkipProfitTargetPause, reason)
		}
		return skip(SkipGlobalPause, reason)
	}

	// 2. Symbol cooldown active -> SKIP.
	if rs.IsSymbolCooldown(symbol) {
		return skip(SkipSymbolCooldown, fmt.Sprintf("%s is cooling down", symbol))
	}

	// 3. DailyLimits rejects the trade -> SKIP.
	if ok, reason := rs.CanOpenNewTrade(symbol); !ok {
		return skip(SkipDailyLimits, reason)
	}

	// 4. shorts / margin eligibility -> SKIP.
	if sig.Action == strategy.ActionShort {
		if !cfg.EnableShorts || !marginEligible {
			return skip(SkipShortsDisabled, "shorts disabled or margin not eligible")
		}
	}

	// 5. Aggregate active risk -> SKIP.
	riskPerUnit := absf(sig.EntryPrice - sig.StopLoss)
	var activeRisk float64
	for _, p := range openPositions {
		activeRisk += p.RiskPerUnit() * p.Quantity
	}
	// The pending trade's risk budget is the configured per-trade
	// risk percentage of equity -- qty is sized from this same budget
	// in the bracket executor's pre-flight sizing step (spec §4.6
	// step 1), so the gate checks the budget directly rather than
	// re-deriving it from riskPerUnit.
	thisTradeRiskUSD := cfg.RiskPerTradePct / 100 * equity
	if activeRisk+thisTradeRiskUSD > cfg.MaxActiveRiskPct/100*equity {
		return skip(SkipAggregateRisk, fmt.Sprintf("active risk $%.2f + trade risk $%.2f > cap $%.2f", activeRisk, thisTradeRiskUSD, cfg.MaxActiveRiskPct/100*equity))
	}

	// 6. Implied R:R -> SKIP.
	reward := absf(sig.TakeProfit - sig.EntryPrice)
	rr := 0.0
	if riskPerUnit > 0 {
		rr = reward / riskPerUnit
	}
	if rr < cfg.MinRiskReward {
		return skip(SkipRiskReward, fmt.Sprintf("R:R %.2f < min %.2f", rr, cfg.MinRiskReward))
	}

	// 7. Optional fee gate.
	if cfg.FeeGateSafetyMult > 0 {
		feeAdjustedEdge := expectedEdgeUSD - (cfg.FeeRatePct / 100 * equity * cfg.FeeGateSafetyMult)
		if feeAdjustedEdge <= 0 {
			return skip(SkipFeeGate, fmt.Sprintf("fee-adjusted edge %.4f <= 0", feeAdjustedEdge))
		}
	}

	// 8. Optional regime filter.
	if !regimeOK {
		return skip(SkipRegimeFilter, "regime filter conditions not met")
	}

	// 9. Profit-target pause (checked again here in case InitDay just
	// ran and flipped it this tick -- spec lists it as its own gate).
	if paused, reason := rs.IsGloballyPaused(); paused && reason == "ProfitTargetPaused" {
		return skip(SkipProfitTargetPause, reason)
	}

	return Outcome{Approved: true}
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
