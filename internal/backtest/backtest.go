// Package backtest implements a CSV-replay harness, grounded on the
// teacher's backtest.go loadCSV/runBacktest shape (flexible header
// loader, ascending-time sort, RFC3339-or-unix timestamp parsing), but
// driving the SPEC_FULL.md decision pipeline (regime -> strategy ->
// risk) bar by bar instead of the teacher's micro-model train/test
// split. Approved signals are recorded, not sent to the paper exchange.
package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/duskline/spotpilot/internal/bracket"
	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/exchange/paperx"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/regime"
	"github.com/duskline/spotpilot/internal/risk"
	"github.com/duskline/spotpilot/internal/state"
	"github.com/duskline/spotpilot/internal/strategy"
)

// LoadCSV reads a generic OHLCV CSV: time|timestamp, open, high, low,
// close, volume headers, case-insensitive, unknown columns ignored.
func LoadCSV(path string) ([]candle.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []candle.Candle
	var headers []string
	row := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if row == 0 {
			headers = rec
			row++
			continue
		}
		m := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				m[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(m, "time", "timestamp")
		op, hp, lp, cp, vp := first(m, "open"), first(m, "high"), first(m, "low"), first(m, "close"), first(m, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, candle.Candle{OpenTS: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		row++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTS.Before(out[j].OpenTS) })
	return out, nil
}

func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("backtest: bad time %q", s)
}

func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// Result summarizes one backtest run.
type Result struct {
	Trades        []position.Trade
	EquityCurve   []float64
	FinalEquity   float64
	SharpeRatio   float64
	MaxDrawdownPct float64
	WinRatePct    float64
}

// Run replays candles bar by bar through regime detection, the
// strategy orchestrator, and the risk gate, accumulating an equity
// curve and trade log. An approved signal is recorded as a Trade at
// the bar's open time and entry price; no order is placed on the
// paperx.Adapter, so its synthetic fills and the equity curve do not
// reflect these trades. It requires
// at least 50 bars of warmup before the first decision, matching
// regime.Detect's minimum-history invariant.
func Run(symbol string, candles []candle.Candle, cfg config.Risk, ind config.Indicators, startingEquity float64) (Result, error) {
	if len(candles) < 51 {
		return Result{}, fmt.Errorf("backtest: need > 50 candles, got %d", len(candles))
	}

	src := &sliceSource{all: candles}
	paper := paperx.New(paperx.Config{StartingQuote: startingEquity, QuoteCurrency: "USD"}, src)
	rs := state.New(1<<30, 1<<30, 1<<30)

	res := Result{EquityCurve: make([]float64, 0, len(candles))}
	var trades []position.Trade

	for i := 50; i < len(candles); i++ {
		window := candles[:i+1]
		src.upto = i + 1

		rr, err := regime.Detect(window, ind, marketdata.HTFContext{}, false)
		if err != nil {
			continue
		}
		sig := strategy.Decide(rr, marketdata.HTFContext{}, window, ind, cfg.EnableShorts)

		equity := currentEquity(paper, startingEquity)
		expectedEdgeUSD := 0.0
		if sig.Action != strategy.ActionHold {
			meta, err := paper.MarketMetadata(context.Background(), symbol)
			if err == nil {
				riskBudget := cfg.RiskPerTradePct / 100 * equity
				sizing := bracket.SizingInput{
					RiskBudgetUSD: riskBudget, Entry: sig.EntryPrice, Stop: sig.StopLoss,
					MaxPositionUSD: cfg.MaxPositionUSD, AvailableCashUSD: equity,
					Meta: meta,
				}
				expectedEdgeUSD = bracket.EstimateEdgeUSD(sizing, sig, cfg.FeeRatePct)
			}
		}
		outcome := risk.Evaluate(rs, sig, symbol, nil, equity, cfg, false, expectedEdgeUSD, true)
		if outcome.Approved {
			rs.RecordTrade(symbol)
			trades = append(trades, position.Trade{
				Symbol: symbol, TSOpen: window[len(window)-1].OpenTS,
				Entry: sig.EntryPrice, ReasonOpen: sig.Reason,
			})
		}

		paper.CheckSyntheticFills(symbol, candles[i])
		res.EquityCurve = append(res.EquityCurve, currentEquity(paper, startingEquity))
	}

	res.Trades = trades
	if n := len(res.EquityCurve); n > 0 {
		res.FinalEquity = res.EquityCurve[n-1]
	}
	res.MaxDrawdownPct, _, _ = risk.MaxDrawdown(res.EquityCurve)
	pnls := make([]float64, 0, len(trades))
	for i := 1; i < len(res.EquityCurve); i++ {
		pnls = append(pnls, res.EquityCurve[i]-res.EquityCurve[i-1])
	}
	res.SharpeRatio = risk.SharpeRatio(pnls, 0, 252)
	res.WinRatePct = risk.WinRate(pnls)
	return res, nil
}

func currentEquity(p *paperx.Adapter, fallback float64) float64 {
	bals, err := p.FetchBalance(context.Background())
	if err != nil {
		return fallback
	}
	var total float64
	for _, b := range bals {
		total += b.Total.InexactFloat64()
	}
	if total == 0 {
		return fallback
	}
	return total
}

// sliceSource exposes a prefix of a pre-loaded candle slice as a
// paperx.Source, so paperx's fill simulation only ever sees bars up
// to the backtest's current replay position.
type sliceSource struct {
	all  []candle.Candle
	upto int
}

func (s *sliceSource) FetchTicker(ctx context.Context, symbol string) (candle.Ticker, error) {
	if s.upto == 0 {
		return candle.Ticker{}, fmt.Errorf("backtest: no data yet")
	}
	c := s.all[s.upto-1]
	return candle.Ticker{Symbol: symbol, Last: c.Close, Bid: c.Close, Ask: c.Close, TS: c.OpenTS}, nil
}

func (s *sliceSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	end := s.upto
	start := end - limit
	if start < 0 {
		start = 0
	}
	return s.all[start:end], nil
}

var _ paperx.Source = (*sliceSource)(nil)
