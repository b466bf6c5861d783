package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/obslog"
	"github.com/duskline/spotpilot/internal/xerrors"
)

const baseURL = "https://api.kraken.example" // venue REST root; overridable for tests

// Client is the LIVE exchange adapter, authenticating with HMAC-SHA512
// per original_source/kraken_native_api.py and placing atomic
// brackets over WebSocket v2's batch_add per
// original_source/kraken_websocket_v2.py.
type Client struct {
	httpc      *http.Client
	apiKey     string
	apiSecret  string
	baseURL    string
	limiter    *rate.Limiter
	nonce      int64
	symbols    *exchange.SymbolCache
	meta       map[string]exchange.MarketMetadata
	metaMu     sync.RWMutex

	ws *wsSession
}

// Config configures a Client.
type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	RateLimitRPS float64
	RateLimitBurst int
}

// New builds a Client. BaseURL defaults to the production REST root.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 3
	}
	return &Client{
		httpc:     &http.Client{Timeout: 10 * time.Second},
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		baseURL:   cfg.BaseURL,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		symbols:   exchange.NewSymbolCache(time.Hour),
		meta:      make(map[string]exchange.MarketMetadata),
		nonce:     time.Now().UnixNano() / int64(time.Millisecond),
	}
}

func (c *Client) Name() string { return "kraken-live" }

func (c *Client) nextNonce() string {
	return strconv.FormatInt(atomic.AddInt64(&c.nonce, 1), 10)
}

// privatePost performs an authenticated POST against urlPath with the
// given form params, retrying transient failures with bounded
// exponential backoff (spec §5 retry policy: 3 attempts, 500ms base).
func (c *Client) privatePost(ctx context.Context, urlPath string, params map[string]string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
	), 2), ctx)

	var result json.RawMessage
	op := func() error {
		nonce := c.nextNonce()
		body := make(map[string]string, len(params)+1)
		for k, v := range params {
			body[k] = v
		}
		body["nonce"] = nonce
		postdata := encodeBody(body)

		sig, err := sign(c.apiSecret, urlPath, nonce, postdata)
		if err != nil {
			return backoff.Permanent(xerrors.Wrap(xerrors.ExchangeAuth, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+urlPath, bytes.NewBufferString(postdata))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.apiKey)
		req.Header.Set("API-Sign", sig)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return xerrors.Wrap(xerrors.ExchangeTransient, err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return xerrors.Wrap(xerrors.ExchangeTransient, err)
		}
		if resp.StatusCode >= 500 {
			return xerrors.New(xerrors.ExchangeTransient, "status %d: %s", resp.StatusCode, string(b))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(xerrors.New(xerrors.ExchangeRejectOther, "status %d: %s", resp.StatusCode, string(b)))
		}

		var env struct {
			Error  []string        `json:"error"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return backoff.Permanent(xerrors.Wrap(xerrors.ExchangeTransient, err))
		}
		if len(env.Error) > 0 {
			return backoff.Permanent(xerrors.New(xerrors.ExchangeRejectOther, "%v", env.Error))
		}
		result = env.Result
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

// publicGet performs an unauthenticated GET, also rate-limited but not
// retried: a transient failure is returned to the caller as is.
func (c *Client) publicGet(ctx context.Context, urlPath string, query url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	u := c.baseURL + urlPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	var env struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	if len(env.Error) > 0 {
		return nil, xerrors.New(xerrors.ExchangeRejectOther, "%v", env.Error)
	}
	return env.Result, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	native, err := c.NormalizeSymbol(symbol)
	if err != nil {
		return candle.Ticker{}, err
	}
	raw, err := c.publicGet(ctx, "/0/public/Ticker", url.Values{"pair": {native}})
	if err != nil {
		return candle.Ticker{}, err
	}
	var m map[string]struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
		C   []string `json:"c"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return candle.Ticker{}, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	for _, v := range m {
		ask, _ := strconv.ParseFloat(firstOr(v.Ask, "0"), 64)
		bid, _ := strconv.ParseFloat(firstOr(v.Bid, "0"), 64)
		last, _ := strconv.ParseFloat(firstOr(v.C, "0"), 64)
		return candle.Ticker{Symbol: symbol, Last: last, Bid: bid, Ask: ask, TS: time.Now().UTC()}, nil
	}
	return candle.Ticker{}, xerrors.New(xerrors.NotFound, "no ticker for %s", symbol)
}

func firstOr(xs []string, def string) string {
	if len(xs) == 0 {
		return def
	}
	return xs[0]
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	native, err := c.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	minutes := timeframeMinutes(timeframe)
	raw, err := c.publicGet(ctx, "/0/public/OHLC", url.Values{
		"pair":     {native},
		"interval": {strconv.Itoa(minutes)},
	})
	if err != nil {
		return nil, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	var rows [][]any
	for k, v := range env {
		if k == "last" {
			continue
		}
		if err := json.Unmarshal(v, &rows); err != nil {
			return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
		}
	}
	out := make([]candle.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		ts, _ := r[0].(float64)
		out = append(out, candle.Candle{
			OpenTS:    time.Unix(int64(ts), 0).UTC(),
			Open:      toFloat(r[1]),
			High:      toFloat(r[2]),
			Low:       toFloat(r[3]),
			Close:     toFloat(r[4]),
			Volume:    toFloat(r[6]),
			Timeframe: timeframe,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func timeframeMinutes(tf string) int {
	switch tf {
	case "1m":
		return 1
	case "5m":
		return 5
	case "15m":
		return 15
	case "1h":
		return 60
	case "4h":
		return 240
	case "1d":
		return 1440
	default:
		return 5
	}
}

func (c *Client) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	raw, err := c.privatePost(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	out := make(map[string]exchange.Balance, len(m))
	for k, v := range m {
		d, _ := decimal.NewFromString(v)
		out[k] = exchange.Balance{Currency: k, Free: d, Used: decimal.Zero, Total: d}
	}
	return out, nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	raw, err := c.privatePost(ctx, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Open map[string]struct {
			Status string `json:"status"`
			Descr  struct {
				Pair string `json:"pair"`
				Type string `json:"type"`
			} `json:"descr"`
			Vol      string `json:"vol"`
			VolExec  string `json:"vol_exec"`
		} `json:"open"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	var out []exchange.Order
	for id, o := range env.Open {
		if symbol != "" && o.Descr.Pair != symbol {
			continue
		}
		qty, _ := decimal.NewFromString(o.Vol)
		filled, _ := decimal.NewFromString(o.VolExec)
		out = append(out, exchange.Order{
			ID: id, Symbol: o.Descr.Pair,
			Side:      sideFromDescr(o.Descr.Type),
			Qty:       qty,
			FilledQty: filled,
			Status:    mapStatus(o.Status),
		})
	}
	return out, nil
}

func sideFromDescr(t string) exchange.Side {
	if t == "sell" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "open", "pending":
		return exchange.StatusOpen
	case "closed":
		return exchange.StatusFilled
	case "canceled":
		return exchange.StatusCancelled
	case "expired":
		return exchange.StatusCancelled
	default:
		return exchange.StatusUnknown
	}
}

func (c *Client) PlaceMarket(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, clientOrderID string) (exchange.Order, error) {
	native, err := c.NormalizeSymbol(symbol)
	if err != nil {
		return exchange.Order{}, err
	}
	raw, err := c.privatePost(ctx, "/0/private/AddOrder", map[string]string{
		"pair":      native,
		"type":      string(side),
		"ordertype": "market",
		"volume":    qty.String(),
		"userref":   clientOrderID,
	})
	if err != nil {
		return exchange.Order{}, xerrors.Wrap(xerrors.BracketPlacementFailed, err)
	}
	var env struct {
		TxID []string `json:"txid"`
	}
	_ = json.Unmarshal(raw, &env)
	id := ""
	if len(env.TxID) > 0 {
		id = env.TxID[0]
	}
	return exchange.Order{
		ID: id, ClientOrderID: clientOrderID, Symbol: symbol, Side: side,
		Type: exchange.OrderMarket, Qty: qty, Status: exchange.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// PlaceBracket places entry + protective legs. When c.ws is set and
// the caller requested atomic placement, it uses WebSocket v2's
// batch_add (see ws.go); otherwise it falls back to sequential REST
// placement: entry first, then the stop leg, then the optional
// take-profit leg, each submitted as soon as the previous AddOrder
// call returns. The entry is not polled to a terminal state before the
// stop is placed. REST AddOrder only supports one conditional close
// (original_source/kraken_native_api.py), so TP is a separate order.
func (c *Client) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (exchange.BracketResult, error) {
	if req.Atomic && c.ws != nil {
		return c.placeAtomicBracket(ctx, req)
	}
	return c.placeSequentialBracket(ctx, req)
}

func (c *Client) placeSequentialBracket(ctx context.Context, req exchange.BracketRequest) (exchange.BracketResult, error) {
	native, err := c.NormalizeSymbol(req.Symbol)
	if err != nil {
		return exchange.BracketResult{}, err
	}

	entryParams := map[string]string{
		"pair":      native,
		"type":      string(req.Side),
		"ordertype": string(req.EntryType),
		"volume":    req.Qty.String(),
		"userref":   req.ClientOrderID,
	}
	if req.EntryType == exchange.OrderLimit {
		entryParams["price"] = req.EntryLimitPrice.String()
	}
	raw, err := c.privatePost(ctx, "/0/private/AddOrder", entryParams)
	if err != nil {
		return exchange.BracketResult{}, xerrors.Wrap(xerrors.BracketPlacementFailed, err)
	}
	var env struct {
		TxID []string `json:"txid"`
	}
	_ = json.Unmarshal(raw, &env)
	if len(env.TxID) == 0 {
		return exchange.BracketResult{}, xerrors.New(xerrors.BracketPlacementFailed, "no txid returned")
	}
	entryID := env.TxID[0]
	entry := exchange.Order{ID: entryID, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Status: exchange.StatusOpen, CreatedAt: time.Now().UTC()}

	closeSide := exchange.SideSell
	if req.Side == exchange.SideSell {
		closeSide = exchange.SideBuy
	}
	stopParams := map[string]string{
		"pair":       native,
		"type":       string(closeSide),
		"ordertype":  "stop-loss",
		"price":      req.StopPrice.String(),
		"volume":     req.Qty.String(),
		"reduce_only": "true",
	}
	stopRaw, err := c.privatePost(ctx, "/0/private/AddOrder", stopParams)
	if err != nil {
		return exchange.BracketResult{EntryOrder: entry}, xerrors.Wrap(xerrors.BracketPlacementFailed, err)
	}
	var stopEnv struct {
		TxID []string `json:"txid"`
	}
	_ = json.Unmarshal(stopRaw, &stopEnv)
	stopID := ""
	if len(stopEnv.TxID) > 0 {
		stopID = stopEnv.TxID[0]
	}
	stop := exchange.Order{ID: stopID, Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderStop, StopPrice: req.StopPrice, Qty: req.Qty, ReduceOnly: true, Status: exchange.StatusOpen}

	result := exchange.BracketResult{EntryOrder: entry, StopOrder: stop}

	if !req.TakeProfitPrice.IsZero() {
		tpParams := map[string]string{
			"pair":       native,
			"type":       string(closeSide),
			"ordertype":  "take-profit",
			"price":      req.TakeProfitPrice.String(),
			"volume":     req.Qty.String(),
			"reduce_only": "true",
		}
		tpRaw, err := c.privatePost(ctx, "/0/private/AddOrder", tpParams)
		if err == nil {
			var tpEnv struct {
				TxID []string `json:"txid"`
			}
			_ = json.Unmarshal(tpRaw, &tpEnv)
			tpID := ""
			if len(tpEnv.TxID) > 0 {
				tpID = tpEnv.TxID[0]
			}
			tp := exchange.Order{ID: tpID, Symbol: req.Symbol, Side: closeSide, Type: exchange.OrderLimit, LimitPrice: req.TakeProfitPrice, Qty: req.Qty, ReduceOnly: true, Status: exchange.StatusOpen}
			result.TakeProfitOrder = &tp
		} else {
			obslog.Warnf("BRACKET", "take-profit leg failed for %s: %v", req.Symbol, err)
		}
	}

	return result, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, id string) (exchange.Order, error) {
	raw, err := c.privatePost(ctx, "/0/private/QueryOrders", map[string]string{"txid": id})
	if err != nil {
		return exchange.Order{}, xerrors.Wrap(xerrors.OrderNotFound, err)
	}
	var m map[string]struct {
		Status  string `json:"status"`
		Vol     string `json:"vol"`
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
		Descr   struct {
			Pair string `json:"pair"`
			Type string `json:"type"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return exchange.Order{}, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	o, ok := m[id]
	if !ok {
		return exchange.Order{}, xerrors.New(xerrors.OrderNotFound, "%s", id)
	}
	qty, _ := decimal.NewFromString(o.Vol)
	filled, _ := decimal.NewFromString(o.VolExec)
	avg, _ := decimal.NewFromString(o.Price)
	return exchange.Order{
		ID: id, Symbol: o.Descr.Pair, Side: sideFromDescr(o.Descr.Type),
		Qty: qty, FilledQty: filled, AvgFillPrice: avg, Status: mapStatus(o.Status),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, id string) error {
	_, err := c.privatePost(ctx, "/0/private/CancelOrder", map[string]string{"txid": id})
	if err != nil {
		return xerrors.Wrap(xerrors.OrderNotFound, err)
	}
	return nil
}

func (c *Client) MarketMetadata(ctx context.Context, symbol string) (exchange.MarketMetadata, error) {
	c.metaMu.RLock()
	if m, ok := c.meta[symbol]; ok {
		c.metaMu.RUnlock()
		return m, nil
	}
	c.metaMu.RUnlock()

	native, err := c.NormalizeSymbol(symbol)
	if err != nil {
		return exchange.MarketMetadata{}, err
	}
	raw, err := c.publicGet(ctx, "/0/public/AssetPairs", url.Values{"pair": {native}})
	if err != nil {
		return exchange.MarketMetadata{}, err
	}
	var m map[string]struct {
		LotDecimals  int    `json:"lot_decimals"`
		PairDecimals int    `json:"pair_decimals"`
		OrderMin     string `json:"ordermin"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return exchange.MarketMetadata{}, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	for _, v := range m {
		minQty, _ := decimal.NewFromString(v.OrderMin)
		md := exchange.MarketMetadata{
			NativeSymbol:   native,
			MinQty:         minQty,
			QtyPrecision:   int32(v.LotDecimals),
			PricePrecision: int32(v.PairDecimals),
		}
		c.metaMu.Lock()
		c.meta[symbol] = md
		c.metaMu.Unlock()
		return md, nil
	}
	return exchange.MarketMetadata{}, xerrors.New(xerrors.NotFound, "no metadata for %s", symbol)
}

func (c *Client) NormalizeSymbol(canonical string) (string, error) {
	return c.symbols.ToNative(canonical)
}

func (c *Client) FetchServerTime(ctx context.Context) (time.Time, error) {
	raw, err := c.publicGet(ctx, "/0/public/Time", nil)
	if err != nil {
		return time.Time{}, err
	}
	var env struct {
		RFC1123 string `json:"rfc1123"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.ExchangeTransient, err)
	}
	t, err := iso8601.ParseString(env.RFC1123)
	if err != nil {
		return time.Now().UTC(), nil
	}
	return t, nil
}

func (c *Client) SupportsAtomicBracket() bool { return c.ws != nil }

// AttachWebSocket wires in the WS v2 session used for atomic
// batch_add bracket placement.
func (c *Client) AttachWebSocket(ws *wsSession) { c.ws = ws }

var _ fmt.Stringer = (*Client)(nil)
var _ exchange.Adapter = (*Client)(nil)

func (c *Client) String() string { return c.Name() }
