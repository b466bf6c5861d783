// Package exchange defines the polymorphic exchange adapter contract
// (spec §4.1), generalized from the teacher's Broker interface in
// broker.go: the same price/candle/order vocabulary, widened to the
// fetch_ticker/fetch_ohlcv/fetch_balance/fetch_open_orders/
// place_market/place_bracket/query_order/cancel_order/
// market_metadata/normalize_symbol surface SPEC_FULL.md names, and
// using decimal.Decimal instead of float64 for order quantities and
// prices so the bracket executor's minimum-size rescue (spec §4.6
// step 1) can round exactly.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duskline/spotpilot/internal/candle"
)

// Side is the side of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates the order types the adapter contract supports.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// OrderStatus enumerates the closed set of order lifecycle states.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusPartial   OrderStatus = "partial"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusUnknown   OrderStatus = "unknown"
)

// Order is the adapter's normalized view of a submitted order.
type Order struct {
	ID            string
	ClientOrderID string // correlation id, spec §4.6 step 5
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
}

// Balance is a single currency's balance snapshot.
type Balance struct {
	Currency  string
	Free      decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
}

// MarketMetadata is per-symbol exchange filter/precision data.
type MarketMetadata struct {
	NativeSymbol   string
	MinQty         decimal.Decimal
	MinCost        decimal.Decimal
	PricePrecision int32
	QtyPrecision   int32
}

// BracketRequest describes a desired entry + protective legs.
type BracketRequest struct {
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	EntryType       OrderType // market or limit
	EntryLimitPrice decimal.Decimal
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal // zero value means "no TP leg"
	Atomic          bool
	ClientOrderID   string
}

// BracketResult is the outcome of a place_bracket call.
type BracketResult struct {
	Atomic          bool
	EntryOrder      Order
	StopOrder       Order
	TakeProfitOrder *Order
}

// Adapter is the polymorphic exchange contract of spec §4.1. LIVE and
// PAPER are its two variants.
type Adapter interface {
	Name() string

	FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	PlaceMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal, clientOrderID string) (Order, error)
	PlaceBracket(ctx context.Context, req BracketRequest) (BracketResult, error)

	QueryOrder(ctx context.Context, symbol, id string) (Order, error)
	CancelOrder(ctx context.Context, symbol, id string) error

	MarketMetadata(ctx context.Context, symbol string) (MarketMetadata, error)
	NormalizeSymbol(canonical string) (native string, err error)

	// FetchServerTime backs the API watchdog's lightweight probe
	// (spec §4.9).
	FetchServerTime(ctx context.Context) (time.Time, error)

	SupportsAtomicBracket() bool
}

// AtomicPreferred reports whether a is capable of atomic bracket
// placement, per spec §4.6 step 2.
func AtomicPreferred(a Adapter) bool {
	return a != nil && a.SupportsAtomicBracket()
}
