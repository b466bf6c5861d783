package loop

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/durablelog"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/notify"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/state"
)

func flatCandles(n int, price float64) []candle.Candle {
	out := make([]candle.Candle, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		out[i] = candle.Candle{OpenTS: base.Add(time.Duration(i) * time.Hour), Open: price, High: price, Low: price, Close: price, Volume: 100}
	}
	return out
}

type stubAdapter struct{}

func (stubAdapter) Name() string { return "stub" }
func (stubAdapter) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	return candle.Ticker{Symbol: symbol, Last: 100, Bid: 99.9, Ask: 100.1}, nil
}
func (stubAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	return flatCandles(limit, 100), nil
}
func (stubAdapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{"USD": {Currency: "USD", Total: decimal.NewFromInt(1000)}}, nil
}
func (stubAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}
func (stubAdapter) PlaceMarket(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, clientOrderID string) (exchange.Order, error) {
	return exchange.Order{ID: "m1", Status: exchange.StatusFilled, FilledQty: qty}, nil
}
func (stubAdapter) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (exchange.BracketResult, error) {
	return exchange.BracketResult{}, assertErr{}
}
func (stubAdapter) QueryOrder(ctx context.Context, symbol, id string) (exchange.Order, error) {
	return exchange.Order{}, assertErr{}
}
func (stubAdapter) CancelOrder(ctx context.Context, symbol, id string) error { return nil }
func (stubAdapter) MarketMetadata(ctx context.Context, symbol string) (exchange.MarketMetadata, error) {
	return exchange.MarketMetadata{MinQty: decimal.NewFromFloat(0.001), QtyPrecision: 4}, nil
}
func (stubAdapter) NormalizeSymbol(canonical string) (string, error) { return canonical, nil }
func (stubAdapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}
func (stubAdapter) SupportsAtomicBracket() bool { return false }

type assertErr struct{}

func (assertErr) Error() string { return "unsupported" }

var _ exchange.Adapter = stubAdapter{}

func TestTick_DoesNotPanic(t *testing.T) {
	a := stubAdapter{}
	cache := marketdata.New(time.Minute, func(ctx context.Context, symbol, tf string, limit int) ([]candle.Candle, error) {
		return a.FetchOHLCV(ctx, symbol, tf, limit)
	}, "")
	rs := state.New(30, 10, 5)
	dl := durablelog.New(nil, t.TempDir(), "test")
	hb := durablelog.NewHeartbeatStore(t.TempDir() + "/hb.msgpack")

	cfg := &config.Config{
		Granularity: "5m", MaxConcurrentSymbols: 2,
		Indicators: config.Indicators{SMAFast: 20, SMASlow: 50, RSIPeriod: 14, ATRPeriod: 14, ADXPeriod: 14, BBPeriod: 20, BBStdDev: 2},
		Risk:       config.Risk{RiskPerTradePct: 1, MaxActiveRiskPct: 6, MaxPositionUSD: 500, MinRiskReward: 1.1},
		Features:   config.Features{ProfitTarget: true},
		ProfitTargetPctMin: 0.01, ProfitTargetPctMax: 0.02, ProfitPauseHours: 1, GlobalPauseHours: 1,
		USDEquity: 1000, ConfigVersion: "test",
	}

	l := New(cfg, a, cache, rs, dl, hb, notify.NoopNotifier{}, StaticSymbolSource{List: []string{"BTC/USD"}})
	require.NotPanics(t, func() { l.Tick(context.Background()) })

	current := hb.Current()
	assert.True(t, current.Running)
}

// killSwitchAdapter wraps stubAdapter with a mutable balance so a test
// can simulate an equity drawdown between ticks.
type killSwitchAdapter struct {
	stubAdapter
	total decimal.Decimal
}

func (k *killSwitchAdapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{"USD": {Currency: "USD", Total: k.total}}, nil
}

var _ exchange.Adapter = &killSwitchAdapter{}

func baseKillSwitchConfig() *config.Config {
	return &config.Config{
		Granularity: "5m", MaxConcurrentSymbols: 2,
		Indicators: config.Indicators{SMAFast: 20, SMASlow: 50, RSIPeriod: 14, ATRPeriod: 14, ADXPeriod: 14, BBPeriod: 20, BBStdDev: 2},
		Risk:       config.Risk{RiskPerTradePct: 1, MaxActiveRiskPct: 6, MaxPositionUSD: 500, MinRiskReward: 1.1, MaxDailyLossUSD: 50},
		Features:   config.Features{ProfitTarget: false},
		GlobalPauseHours: 1, USDEquity: 1000, ConfigVersion: "test",
	}
}

func TestTick_KillSwitchFlattensPositionsAndEngagesPause(t *testing.T) {
	a := &killSwitchAdapter{total: decimal.NewFromInt(1000)}
	cache := marketdata.New(time.Minute, func(ctx context.Context, symbol, tf string, limit int) ([]candle.Candle, error) {
		return a.FetchOHLCV(ctx, symbol, tf, limit)
	}, "")
	rs := state.New(30, 10, 5)
	dl := durablelog.New(nil, t.TempDir(), "test")
	hb := durablelog.NewHeartbeatStore(t.TempDir() + "/hb.msgpack")

	l := New(baseKillSwitchConfig(), a, cache, rs, dl, hb, notify.NoopNotifier{}, StaticSymbolSource{List: []string{"BTC/USD"}})
	l.openPos["BTC/USD"] = position.Position{Symbol: "BTC/USD", Side: position.Long, EntryPrice: 100, Quantity: 1, Stop: 90, Target: 110}

	l.Tick(context.Background()) // establishes today's starting equity at 1000
	paused, _ := rs.IsGloballyPaused()
	require.False(t, paused, "must not pause before any drawdown")

	a.total = decimal.NewFromInt(900) // $100 drawdown >= $50 MaxDailyLossUSD
	l.Tick(context.Background())

	paused, reason := rs.IsGloballyPaused()
	assert.True(t, paused)
	assert.Contains(t, reason, "KillSwitchTripped")

	l.mu.Lock()
	_, stillOpen := l.openPos["BTC/USD"]
	l.mu.Unlock()
	assert.False(t, stillOpen, "kill switch must flatten every open position")
}

func TestTick_SmallDrawdownDoesNotTripKillSwitch(t *testing.T) {
	a := &killSwitchAdapter{total: decimal.NewFromInt(1000)}
	cache := marketdata.New(time.Minute, func(ctx context.Context, symbol, tf string, limit int) ([]candle.Candle, error) {
		return a.FetchOHLCV(ctx, symbol, tf, limit)
	}, "")
	rs := state.New(30, 10, 5)
	dl := durablelog.New(nil, t.TempDir(), "test")
	hb := durablelog.NewHeartbeatStore(t.TempDir() + "/hb.msgpack")

	l := New(baseKillSwitchConfig(), a, cache, rs, dl, hb, notify.NoopNotifier{}, StaticSymbolSource{List: []string{"BTC/USD"}})

	l.Tick(context.Background())
	a.total = decimal.NewFromInt(980) // $20 drawdown < $50 MaxDailyLossUSD
	l.Tick(context.Background())

	paused, _ := rs.IsGloballyPaused()
	assert.False(t, paused)
}

func TestMaxConcurrency_FloorsToOne(t *testing.T) {
	assert.Equal(t, 1, maxConcurrency(0))
	assert.Equal(t, 1, maxConcurrency(-3))
	assert.Equal(t, 4, maxConcurrency(4))
}
