package bracket

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/strategy"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestSize_BumpsToMinimumWhenAffordable(t *testing.T) {
	res := Size(SizingInput{
		RiskBudgetUSD: 0.005, Entry: 100, Stop: 99, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
		Meta: exchange.MarketMetadata{MinQty: dec(0.01), QtyPrecision: 4},
	})
	require.False(t, res.Skipped)
	assert.True(t, res.Qty.Equal(dec(0.01)))
}

func TestSize_SkipsWhenMinimumUnaffordable(t *testing.T) {
	res := Size(SizingInput{
		RiskBudgetUSD: 0.005, Entry: 100, Stop: 99, MaxPositionUSD: 10000, AvailableCashUSD: 0.5,
		Meta: exchange.MarketMetadata{MinQty: dec(0.01), QtyPrecision: 4},
	})
	assert.True(t, res.Skipped)
	assert.Equal(t, "BracketMinSize", res.Reason)
}

func TestSize_InvalidStopSkips(t *testing.T) {
	res := Size(SizingInput{RiskBudgetUSD: 100, Entry: 100, Stop: 100, MaxPositionUSD: 10000, AvailableCashUSD: 10000})
	assert.True(t, res.Skipped)
	assert.Equal(t, "InvalidStop", res.Reason)
}

// fakeAdapter is a minimal exchange.Adapter stub for bracket tests.
type fakeAdapter struct {
	atomic       bool
	placeResult  exchange.BracketResult
	placeErr     error
	queryResult  exchange.Order
	queryErr     error
	marketOrder  exchange.Order
	marketErr    error
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	return candle.Ticker{}, nil
}
func (f *fakeAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceMarket(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, clientOrderID string) (exchange.Order, error) {
	return f.marketOrder, f.marketErr
}
func (f *fakeAdapter) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (exchange.BracketResult, error) {
	return f.placeResult, f.placeErr
}
func (f *fakeAdapter) QueryOrder(ctx context.Context, symbol, id string) (exchange.Order, error) {
	return f.queryResult, f.queryErr
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, id string) error { return nil }
func (f *fakeAdapter) MarketMetadata(ctx context.Context, symbol string) (exchange.MarketMetadata, error) {
	return exchange.MarketMetadata{MinQty: dec(0.001), QtyPrecision: 4}, nil
}
func (f *fakeAdapter) NormalizeSymbol(canonical string) (string, error) { return canonical, nil }
func (f *fakeAdapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}
func (f *fakeAdapter) SupportsAtomicBracket() bool { return f.atomic }

var _ exchange.Adapter = (*fakeAdapter)(nil)

func TestExecute_PlacedWhenProtectiveLegsSucceed(t *testing.T) {
	a := &fakeAdapter{
		queryErr: assertErr{},
		placeResult: exchange.BracketResult{
			EntryOrder: exchange.Order{ID: "e1", Status: exchange.StatusFilled, FilledQty: dec(0.01), AvgFillPrice: dec(100)},
			StopOrder:  exchange.Order{ID: "s1", Status: exchange.StatusOpen},
		},
	}
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 99, TakeProfit: 103}
	out := Execute(context.Background(), a, sig, "BTC/USD", SizingInput{
		RiskBudgetUSD: 10, Entry: 100, Stop: 99, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
		Meta: exchange.MarketMetadata{MinQty: dec(0.001), QtyPrecision: 4},
	}, "corr-1")

	require.Equal(t, OutcomePlaced, out.Kind)
	assert.Equal(t, StateProtected, out.State)
	assert.NotNil(t, out.Position)
	assert.Contains(t, out.ProtectiveIDs, "s1")
}

func TestExecute_FlattensOnProtectiveLegFailure(t *testing.T) {
	a := &fakeAdapter{
		placeResult: exchange.BracketResult{
			EntryOrder: exchange.Order{ID: "e1", Status: exchange.StatusFilled, FilledQty: dec(0.01), AvgFillPrice: dec(100)},
			StopOrder:  exchange.Order{ID: "", Status: exchange.StatusRejected},
		},
		marketOrder: exchange.Order{ID: "flat1"},
		queryResult: exchange.Order{FilledQty: dec(0.01)},
	}
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 99, TakeProfit: 103}
	out := Execute(context.Background(), a, sig, "BTC/USD", SizingInput{
		RiskBudgetUSD: 10, Entry: 100, Stop: 99, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
		Meta: exchange.MarketMetadata{MinQty: dec(0.001), QtyPrecision: 4},
	}, "corr-2")

	require.Equal(t, OutcomeFlattened, out.Kind)
	assert.Equal(t, StateFlattened, out.State)
}

func TestExecute_SkipsWhenSizingFails(t *testing.T) {
	a := &fakeAdapter{}
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 100}
	out := Execute(context.Background(), a, sig, "BTC/USD", SizingInput{
		RiskBudgetUSD: 10, Entry: 100, Stop: 100, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
	}, "corr-3")
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, "InvalidStop", out.Reason)
}

type assertErr struct{}

func (assertErr) Error() string { return "not found" }

func TestEstimateEdgeUSD_PositiveForWideEnoughTakeProfit(t *testing.T) {
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 110}
	sizing := SizingInput{
		RiskBudgetUSD: 50, Entry: 100, Stop: 95, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
		Meta: exchange.MarketMetadata{MinQty: dec(0.001), QtyPrecision: 4},
	}
	edge := EstimateEdgeUSD(sizing, sig, 0.26)
	assert.Greater(t, edge, 0.0)
}

func TestEstimateEdgeUSD_ZeroWhenSizingSkips(t *testing.T) {
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 100, TakeProfit: 110}
	sizing := SizingInput{RiskBudgetUSD: 50, Entry: 100, Stop: 100, MaxPositionUSD: 10000, AvailableCashUSD: 10000}
	assert.Equal(t, 0.0, EstimateEdgeUSD(sizing, sig, 0.26))
}

func TestEstimateEdgeUSD_NegativeWhenFeesDwarfTinyTarget(t *testing.T) {
	sig := strategy.TradeSignal{Action: strategy.ActionLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 100.01}
	sizing := SizingInput{
		RiskBudgetUSD: 50, Entry: 100, Stop: 95, MaxPositionUSD: 10000, AvailableCashUSD: 10000,
		Meta: exchange.MarketMetadata{MinQty: dec(0.001), QtyPrecision: 4},
	}
	edge := EstimateEdgeUSD(sizing, sig, 5.0) // exaggerated fee rate to force a negative edge
	assert.Less(t, edge, 0.0)
}
