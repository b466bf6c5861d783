package paperx

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/exchange"
)

type fakeSource struct {
	last float64
}

func (s *fakeSource) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	return candle.Ticker{Symbol: symbol, Last: s.last, Bid: s.last - 0.1, Ask: s.last + 0.1}, nil
}

func (s *fakeSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	return nil, nil
}

func TestPlaceMarket_SettlesQuoteBalance(t *testing.T) {
	src := &fakeSource{last: 100}
	a := New(Config{StartingQuote: 1000, QuoteCurrency: "USD"}, src)

	order, err := a.PlaceMarket(context.Background(), "BTC/USD", exchange.SideBuy, decimal.NewFromInt(1), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, order.Status)

	bal, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal["USD"].Free.LessThan(decimal.NewFromInt(1000)), "buying should reduce USD balance")
}

func TestPlaceBracket_RegistersOpenProtectiveLegs(t *testing.T) {
	src := &fakeSource{last: 100}
	a := New(Config{StartingQuote: 1000, QuoteCurrency: "USD"}, src)

	res, err := a.PlaceBracket(context.Background(), exchange.BracketRequest{
		Symbol: "BTC/USD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1),
		StopPrice: decimal.NewFromInt(95), TakeProfitPrice: decimal.NewFromInt(110),
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, res.EntryOrder.Status)
	assert.Equal(t, exchange.StatusOpen, res.StopOrder.Status)
	require.NotNil(t, res.TakeProfitOrder)
	assert.Equal(t, exchange.StatusOpen, res.TakeProfitOrder.Status)
}

func TestCheckSyntheticFills_StopTouchCancelsTakeProfit(t *testing.T) {
	src := &fakeSource{last: 100}
	a := New(Config{StartingQuote: 1000, QuoteCurrency: "USD"}, src)

	res, err := a.PlaceBracket(context.Background(), exchange.BracketRequest{
		Symbol: "BTC/USD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1),
		StopPrice: decimal.NewFromInt(95), TakeProfitPrice: decimal.NewFromInt(110),
	})
	require.NoError(t, err)

	a.CheckSyntheticFills("BTC/USD", candle.Candle{OpenTS: time.Now(), High: 101, Low: 94, Close: 94})

	stop, err := a.QueryOrder(context.Background(), "BTC/USD", res.StopOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, stop.Status)

	tp, err := a.QueryOrder(context.Background(), "BTC/USD", res.TakeProfitOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCancelled, tp.Status)
}

func TestCheckSyntheticFills_TakeProfitTouchFillsAndCancelsStop(t *testing.T) {
	src := &fakeSource{last: 100}
	a := New(Config{StartingQuote: 1000, QuoteCurrency: "USD"}, src)

	res, err := a.PlaceBracket(context.Background(), exchange.BracketRequest{
		Symbol: "BTC/USD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1),
		StopPrice: decimal.NewFromInt(95), TakeProfitPrice: decimal.NewFromInt(110),
	})
	require.NoError(t, err)

	a.CheckSyntheticFills("BTC/USD", candle.Candle{OpenTS: time.Now(), High: 112, Low: 99, Close: 111})

	tp, err := a.QueryOrder(context.Background(), "BTC/USD", res.TakeProfitOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, tp.Status)

	stop, err := a.QueryOrder(context.Background(), "BTC/USD", res.StopOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCancelled, stop.Status)
}

func TestQueryOrder_UnknownIDErrors(t *testing.T) {
	a := New(Config{StartingQuote: 1000}, &fakeSource{last: 100})
	_, err := a.QueryOrder(context.Background(), "BTC/USD", "nonexistent")
	assert.Error(t, err)
}

func TestNormalizeSymbol_AppliesKrakenStyleAliases(t *testing.T) {
	a := New(Config{StartingQuote: 1000}, &fakeSource{last: 100})
	native, err := a.NormalizeSymbol("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", native)
}
