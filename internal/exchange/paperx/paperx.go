// Package paperx implements the PAPER exchange adapter variant:
// simulated fills against live tickers, generalized from the
// teacher's broker_paper.go to the full Adapter contract including
// bracket-aware simulation (spec §4.1: "executes bracket legs
// synthetically against subsequent candle highs/lows").
package paperx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/xerrors"
)

// Config controls paper-fill simulation.
type Config struct {
	SlippageBps   float64
	MakerFeeBps   float64
	TakerFeeBps   float64
	StartingQuote float64
	QuoteCurrency string
}

// Source supplies live price data the paper adapter fills against;
// in production this wraps a real market-data feed (spec §4.1 "the
// concrete exchange client is out of scope" -- paperx only needs
// ticker/candle reads, not order placement, from that feed).
type Source interface {
	FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)
}

// Adapter is the PAPER exchange variant.
type Adapter struct {
	cfg     Config
	src     Source
	symbols *exchange.SymbolCache

	mu        sync.Mutex
	balances  map[string]exchange.Balance
	orders    map[string]exchange.Order
	pending   map[string]exchange.BracketRequest // id -> request, for synthetic fill polling
}

func New(cfg Config, src Source) *Adapter {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USD"
	}
	a := &Adapter{
		cfg:     cfg,
		src:     src,
		symbols: exchange.NewSymbolCache(time.Hour),
		balances: map[string]exchange.Balance{
			cfg.QuoteCurrency: {Currency: cfg.QuoteCurrency, Free: decimal.NewFromFloat(cfg.StartingQuote), Total: decimal.NewFromFloat(cfg.StartingQuote)},
		},
		orders:  make(map[string]exchange.Order),
		pending: make(map[string]exchange.BracketRequest),
	}
	return a
}

func (a *Adapter) Name() string { return "paper" }

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	return a.src.FetchTicker(ctx, symbol)
}

func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	return a.src.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (a *Adapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]exchange.Balance, len(a.balances))
	for k, v := range a.balances {
		out[k] = v
	}
	return out, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []exchange.Order
	for _, o := range a.orders {
		if o.Status == exchange.StatusOpen && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (a *Adapter) slippedPrice(mid float64, side exchange.Side) float64 {
	slip := mid * a.cfg.SlippageBps / 10000
	if side == exchange.SideBuy {
		return mid + slip
	}
	return mid - slip
}

func (a *Adapter) PlaceMarket(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, clientOrderID string) (exchange.Order, error) {
	t, err := a.src.FetchTicker(ctx, symbol)
	if err != nil {
		return exchange.Order{}, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	px := a.slippedPrice(t.Last, side)
	id := uuid.NewString()
	o := exchange.Order{
		ID: id, ClientOrderID: clientOrderID, Symbol: symbol, Side: side, Type: exchange.OrderMarket,
		Qty: qty, FilledQty: qty, AvgFillPrice: decimal.NewFromFloat(px),
		Status: exchange.StatusFilled, CreatedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.orders[id] = o
	a.settleFill(symbol, side, qty, decimal.NewFromFloat(px), a.cfg.TakerFeeBps)
	a.mu.Unlock()
	return o, nil
}

func (a *Adapter) settleFill(symbol string, side exchange.Side, qty, price decimal.Decimal, feeBps float64) {
	notional := qty.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(feeBps / 10000))
	q := a.balances[a.cfg.QuoteCurrency]
	if side == exchange.SideBuy {
		q.Free = q.Free.Sub(notional).Sub(fee)
	} else {
		q.Free = q.Free.Add(notional).Sub(fee)
	}
	q.Total = q.Free
	a.balances[a.cfg.QuoteCurrency] = q
}

// PlaceBracket simulates entry at the current ticker (as PlaceMarket
// does), then registers the protective legs as pending synthetic
// orders that CheckSyntheticFills resolves against subsequent candle
// highs/lows -- the bracket-aware simulation SPEC_FULL.md §4.1 adds
// beyond the teacher's plain market-fill simulator.
func (a *Adapter) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (exchange.BracketResult, error) {
	entry, err := a.PlaceMarket(ctx, req.Symbol, req.Side, req.Qty, req.ClientOrderID)
	if err != nil {
		return exchange.BracketResult{}, err
	}

	closeSide := exchange.SideSell
	if req.Side == exchange.SideSell {
		closeSide = exchange.SideBuy
	}
	stopID := uuid.NewString()
	stop := exchange.Order{ID: stopID, Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderStop, StopPrice: req.StopPrice, Qty: req.Qty, ReduceOnly: true, Status: exchange.StatusOpen, CreatedAt: time.Now().UTC()}

	a.mu.Lock()
	a.orders[stopID] = stop
	a.pending[stopID] = req
	a.mu.Unlock()

	result := exchange.BracketResult{EntryOrder: entry, StopOrder: stop}

	if !req.TakeProfitPrice.IsZero() {
		tpID := uuid.NewString()
		tp := exchange.Order{ID: tpID, Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderLimit, LimitPrice: req.TakeProfitPrice, Qty: req.Qty, ReduceOnly: true, Status: exchange.StatusOpen, CreatedAt: time.Now().UTC()}
		a.mu.Lock()
		a.orders[tpID] = tp
		a.pending[tpID] = req
		a.mu.Unlock()
		result.TakeProfitOrder = &tp
	}
	return result, nil
}

// CheckSyntheticFills resolves any pending protective legs against a
// freshly observed candle's high/low, simulating the OCO semantics
// spec §3 requires of a Bracket: whichever leg the candle range
// touches first fills, and the other is cancelled.
func (a *Adapter) CheckSyntheticFills(symbol string, bar candle.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stopID, tpID string
	for id, req := range a.pending {
		if req.Symbol != symbol {
			continue
		}
		o := a.orders[id]
		if o.Type == exchange.OrderStop {
			stopID = id
		} else if o.Type == exchange.OrderLimit {
			tpID = id
		}
	}
	resolve := func(id string, touched bool) {
		if id == "" {
			return
		}
		o := a.orders[id]
		if touched {
			o.Status = exchange.StatusFilled
			o.FilledQty = o.Qty
			a.settleFill(symbol, o.Side, o.Qty, o.StopPrice.Add(o.LimitPrice), a.cfg.TakerFeeBps)
		} else {
			o.Status = exchange.StatusCancelled
		}
		a.orders[id] = o
		delete(a.pending, id)
	}
	if stopID != "" {
		stop := a.orders[stopID]
		touched := (stop.Side == exchange.SideSell && bar.Low <= stop.StopPrice.InexactFloat64()) ||
			(stop.Side == exchange.SideBuy && bar.High >= stop.StopPrice.InexactFloat64())
		if touched {
			resolve(stopID, true)
			resolve(tpID, false)
			return
		}
	}
	if tpID != "" {
		tp := a.orders[tpID]
		touched := (tp.Side == exchange.SideSell && bar.High >= tp.LimitPrice.InexactFloat64()) ||
			(tp.Side == exchange.SideBuy && bar.Low <= tp.LimitPrice.InexactFloat64())
		if touched {
			resolve(tpID, true)
			resolve(stopID, false)
		}
	}
}

func (a *Adapter) QueryOrder(ctx context.Context, symbol, id string) (exchange.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[id]
	if !ok {
		return exchange.Order{}, xerrors.New(xerrors.OrderNotFound, "%s", id)
	}
	return o, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[id]
	if !ok {
		return xerrors.New(xerrors.OrderNotFound, "%s", id)
	}
	o.Status = exchange.StatusCancelled
	a.orders[id] = o
	delete(a.pending, id)
	return nil
}

func (a *Adapter) MarketMetadata(ctx context.Context, symbol string) (exchange.MarketMetadata, error) {
	native, err := a.NormalizeSymbol(symbol)
	if err != nil {
		return exchange.MarketMetadata{}, err
	}
	return exchange.MarketMetadata{
		NativeSymbol: native,
		MinQty:       decimal.NewFromFloat(0.0001),
		MinCost:      decimal.NewFromFloat(1),
		PricePrecision: 2,
		QtyPrecision:   6,
	}, nil
}

func (a *Adapter) NormalizeSymbol(canonical string) (string, error) {
	return a.symbols.ToNative(canonical)
}

func (a *Adapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (a *Adapter) SupportsAtomicBracket() bool { return true }

var _ exchange.Adapter = (*Adapter)(nil)
var _ fmt.Stringer = (*Adapter)(nil)

func (a *Adapter) String() string { return a.Name() }
