package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/state"
	"github.com/duskline/spotpilot/internal/strategy"
)

func baseRiskCfg() config.Risk {
	return config.Risk{
		RiskPerTradePct: 2, MaxActiveRiskPct: 6, MaxTradesPerDay: 10, MaxTradesPerSymbol: 5,
		MinRiskReward: 1.3, FeeRatePct: 0.26, FeeGateSafetyMult: 1.5,
	}
}

func longSignal() strategy.TradeSignal {
	return strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 110}
}

func TestEvaluate_HoldSignalSkipsImmediately(t *testing.T) {
	rs := state.New(10, 5, 5)
	out := Evaluate(rs, strategy.TradeSignal{Action: strategy.ActionHold, Reason: "no setup"}, "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipHold, out.Reason)
}

func TestEvaluate_GlobalPauseSkips(t *testing.T) {
	rs := state.New(10, 5, 5)
	rs.EngageGlobalPause(time.Hour, "operator pause")
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipGlobalPause, out.Reason)
}

func TestEvaluate_SymbolCooldownSkips(t *testing.T) {
	rs := state.New(10, 5, 5)
	rs.SetSymbolCooldown("BTC/USD", time.Hour)
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipSymbolCooldown, out.Reason)
}

func TestEvaluate_DailyLimitsSkips(t *testing.T) {
	rs := state.New(1, 5, 5)
	rs.RecordTrade("ETH/USD")
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipDailyLimits, out.Reason)
}

func TestEvaluate_ShortsDisabledSkips(t *testing.T) {
	rs := state.New(10, 5, 5)
	sig := strategy.TradeSignal{Action: strategy.ActionShort, EntryPrice: 100, StopLoss: 105, TakeProfit: 90}
	cfg := baseRiskCfg()
	cfg.EnableShorts = false
	out := Evaluate(rs, sig, "BTC/USD", nil, 1000, cfg, true, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipShortsDisabled, out.Reason)
}

func TestEvaluate_AggregateRiskSkipsWhenCapExceeded(t *testing.T) {
	rs := state.New(10, 5, 5)
	cfg := baseRiskCfg()
	cfg.MaxActiveRiskPct = 1 // tiny cap, easily exceeded
	open := []position.Position{{Symbol: "ETH/USD", Side: position.Long, EntryPrice: 100, Stop: 50, Quantity: 10}}
	out := Evaluate(rs, longSignal(), "BTC/USD", open, 1000, cfg, false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipAggregateRisk, out.Reason)
}

func TestEvaluate_RiskRewardTooLowSkips(t *testing.T) {
	rs := state.New(10, 5, 5)
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 102} // R:R ~0.4
	out := Evaluate(rs, sig, "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipRiskReward, out.Reason)
}

func TestEvaluate_FeeGateSkipsNegativeEdge(t *testing.T) {
	rs := state.New(10, 5, 5)
	cfg := baseRiskCfg()
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, cfg, false, -50, true)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipFeeGate, out.Reason)
}

func TestEvaluate_RegimeFilterSkipsWhenNotOK(t *testing.T) {
	rs := state.New(10, 5, 5)
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, false)
	assert.False(t, out.Approved)
	assert.Equal(t, SkipRegimeFilter, out.Reason)
}

func TestEvaluate_ApprovesWhenAllGatesPass(t *testing.T) {
	rs := state.New(10, 5, 5)
	out := Evaluate(rs, longSignal(), "BTC/USD", nil, 1000, baseRiskCfg(), false, 100, true)
	assert.True(t, out.Approved)
}
