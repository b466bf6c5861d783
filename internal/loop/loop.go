package loop

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/duskline/spotpilot/internal/bracket"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/durablelog"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/metrics"
	"github.com/duskline/spotpilot/internal/notify"
	"github.com/duskline/spotpilot/internal/obslog"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/regime"
	"github.com/duskline/spotpilot/internal/risk"
	"github.com/duskline/spotpilot/internal/state"
	"github.com/duskline/spotpilot/internal/strategy"
	"github.com/duskline/spotpilot/internal/xerrors"
)

// Loop owns everything one tick touches: the exchange adapter, the
// market-data cache, the shared RuntimeState, the durable log, and the
// set of currently open positions this process is tracking.
type Loop struct {
	Adapter       exchange.Adapter
	Cache         *marketdata.Cache
	RuntimeState  *state.RuntimeState
	DurableLog    *durablelog.Log
	Heartbeat     *durablelog.HeartbeatStore
	Notifier      notify.Notifier
	Symbols       SymbolSource
	Cfg           *config.Config
	WatchdogCfg   state.WatchdogConfig
	Rng           *rand.Rand

	mu       sync.Mutex
	openPos  map[string]position.Position // symbol -> open position this process tracks
}

func New(cfg *config.Config, adapter exchange.Adapter, cache *marketdata.Cache, rs *state.RuntimeState, dl *durablelog.Log, hb *durablelog.HeartbeatStore, n notify.Notifier, src SymbolSource) *Loop {
	return &Loop{
		Adapter: adapter, Cache: cache, RuntimeState: rs, DurableLog: dl, Heartbeat: hb, Notifier: n,
		Symbols: src, Cfg: cfg,
		WatchdogCfg: state.WatchdogConfig{
			MaxConsecutiveFailures: 5,
			MaxLatency:             5 * time.Second,
			AutoRestart:            true,
		},
		Rng:     rand.New(rand.NewSource(1)),
		openPos: make(map[string]position.Position),
	}
}

// Tick runs the seven steps of spec §4.11 once.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.TickDurationSeconds.Observe(time.Since(start).Seconds()) }()

	// Step 1: watchdog probe.
	if l.Cfg.Features.APIWatchdog {
		healthy := l.RuntimeState.CheckHealth(ctx, l.Adapter, l.WatchdogCfg)
		if healthy {
			metrics.WatchdogHealthy.Set(1)
		} else {
			metrics.WatchdogHealthy.Set(0)
		}
		if !healthy && l.RuntimeState.ShouldRestart(l.WatchdogCfg) {
			l.Notifier.Notify(ctx, "[WATCHDOG] consecutive failures exceeded threshold, restart recommended")
			_ = l.DurableLog.WriteAnomaly(ctx, "watchdog_unhealthy", "consecutive failure threshold exceeded")
		}
	}

	// Step 2: equity refresh / day init. Starting/current equity is
	// tracked unconditionally -- the kill switch below depends on it
	// even when the optional profit-target subsystem is disabled; the
	// profit-target pause itself only takes effect when that feature
	// is on.
	equity := l.refreshEquity(ctx)
	metrics.EquityUSD.Set(equity)
	l.RuntimeState.InitDay(equity, l.Cfg.ProfitTargetPctMin, l.Cfg.ProfitTargetPctMax, l.Rng)
	pauseDur := time.Duration(0)
	if l.Cfg.Features.ProfitTarget {
		pauseDur = time.Duration(l.Cfg.ProfitPauseHours * float64(time.Hour))
	}
	l.RuntimeState.UpdateEquity(equity, pauseDur)

	// Step 3: kill switch (spec §4.11 step 3, §7 scenario 5). Once
	// today's drawdown reaches the configured ceiling, flatten every
	// open position, engage the global pause, and raise a CRITICAL
	// anomaly -- independent of the profit-target feature toggle.
	if l.Cfg.Risk.MaxDailyLossUSD > 0 {
		if loss := l.RuntimeState.DailyLossUSD(); loss >= l.Cfg.Risk.MaxDailyLossUSD {
			l.tripKillSwitch(ctx, loss)
		}
	}

	// Step 4: global/profit-target pause check.
	if paused, reason := l.RuntimeState.IsGloballyPaused(); paused {
		obslog.Infof("LOOP", "tick skipped: globally paused (%s)", reason)
		l.writeHeartbeat(equity, true, reason)
		return
	}

	l.processOperatorMessages(ctx)

	// Step 5: per-symbol fan-out with bounded worker pool.
	symbols, err := l.Symbols.Symbols(ctx)
	if err != nil {
		obslog.Warnf("LOOP", "symbol source failed: %v", err)
		return
	}

	sem := make(chan struct{}, maxConcurrency(l.Cfg.MaxConcurrentSymbols))
	var wg sync.WaitGroup
	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			l.processSymbol(ctx, sym, equity)
		}()
	}
	wg.Wait()

	// Step 6/7: one heartbeat write per tick, with a snapshot for each
	// tracked open position; sleep is the caller's (cmd/spotpilot
	// main loop ticker) responsibility, not this package's.
	l.writeHeartbeat(equity, false, "")
}

func maxConcurrency(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (l *Loop) refreshEquity(ctx context.Context) float64 {
	balances, err := l.Adapter.FetchBalance(ctx)
	if err != nil {
		obslog.Warnf("LOOP", "equity refresh failed, using last known: %v", err)
		return l.Cfg.USDEquity
	}
	total := 0.0
	for _, b := range balances {
		total += b.Total.InexactFloat64()
	}
	if total == 0 {
		return l.Cfg.USDEquity
	}
	// Equity accounting includes unrealized P&L by walking open
	// positions against their current mark, per DESIGN.md's
	// resolution of spec §9's open question.
	l.mu.Lock()
	for _, p := range l.openPos {
		t, err := l.Adapter.FetchTicker(ctx, p.Symbol)
		if err == nil && t.Valid() {
			if p.Side == position.Long {
				total += (t.Last - p.EntryPrice) * p.Quantity
			} else {
				total += (p.EntryPrice - t.Last) * p.Quantity
			}
		}
	}
	l.mu.Unlock()
	obslog.Infof("LOOP", "equity refreshed: %s", humanize.FormatFloat("#,###.##", total))
	return total
}

// tripKillSwitch implements the kill switch: flatten every open
// position, engage the global pause, notify, and record a CRITICAL
// anomaly. lossUSD is the drawdown that tripped it.
func (l *Loop) tripKillSwitch(ctx context.Context, lossUSD float64) {
	fail := xerrors.New(xerrors.KillSwitchTripped, "daily loss $%.2f >= limit $%.2f", lossUSD, l.Cfg.Risk.MaxDailyLossUSD)
	obslog.Criticalf("LOOP", "%v", fail)
	l.flattenAll(ctx)
	l.RuntimeState.EngageGlobalPause(time.Duration(l.Cfg.GlobalPauseHours*float64(time.Hour)), fail.Error())
	l.Notifier.Notify(ctx, "[CRITICAL] "+fail.Error())
	_ = l.DurableLog.WriteAnomaly(ctx, "kill_switch_tripped", fail.Error())
}

// flattenAll closes every position this process currently tracks with
// a reducing market order, used by the kill switch and available to
// any other caller needing an immediate full unwind.
func (l *Loop) flattenAll(ctx context.Context) {
	l.mu.Lock()
	open := make([]position.Position, 0, len(l.openPos))
	for _, p := range l.openPos {
		open = append(open, p)
	}
	l.mu.Unlock()

	for _, p := range open {
		side := exchange.SideSell
		if p.Side == position.Short {
			side = exchange.SideBuy
		}
		qty := decimal.NewFromFloat(p.Quantity)
		if _, err := l.Adapter.PlaceMarket(ctx, p.Symbol, side, qty, uuid.NewString()); err != nil {
			obslog.Criticalf("LOOP", "kill-switch flatten failed for %s: %v", p.Symbol, err)
			continue
		}
		l.mu.Lock()
		delete(l.openPos, p.Symbol)
		l.mu.Unlock()
	}
}

func (l *Loop) processOperatorMessages(ctx context.Context) {
	for sym, reason := range l.RuntimeState.TakePendingFlattens() {
		l.mu.Lock()
		pos, ok := l.openPos[sym]
		l.mu.Unlock()
		if !ok {
			continue
		}
		side := exchange.SideSell
		if pos.Side == position.Short {
			side = exchange.SideBuy
		}
		qty := decimal.NewFromFloat(pos.Quantity)
		if _, err := l.Adapter.PlaceMarket(ctx, sym, side, qty, uuid.NewString()); err != nil {
			obslog.Warnf("LOOP", "operator flatten failed for %s: %v", sym, err)
			continue
		}
		l.mu.Lock()
		delete(l.openPos, sym)
		l.mu.Unlock()
		l.Notifier.Notify(ctx, "flattened "+sym+" ("+reason+")")
	}
	// Manual entries are drained so the queue doesn't grow unbounded
	// and then discarded; no order is placed for them.
	_ = l.RuntimeState.TakePendingManualEntries()
}

func (l *Loop) processSymbol(ctx context.Context, symbol string, equity float64) {
	ohlcv, err := l.Cache.Get(ctx, symbol, l.Cfg.Granularity, 60)
	if err != nil {
		obslog.Warnf("LOOP", "%s: ohlcv fetch failed: %v", symbol, err)
		return
	}

	htf := marketdata.HTFContext{}
	if l.Cfg.Features.MultiTimeframe {
		htf, err = marketdata.ComputeHTFContext(ctx, l.Cache, symbol)
		if err != nil {
			obslog.Warnf("LOOP", "%s: htf context failed: %v", symbol, err)
		}
	}

	rr, err := regime.Detect(ohlcv, l.Cfg.Indicators, htf, l.Cfg.Features.MultiTimeframe)
	if err != nil {
		obslog.Infof("LOOP", "%s: regime detection skipped: %v", symbol, err)
		return
	}

	sig := strategy.Decide(rr, htf, ohlcv, l.Cfg.Indicators, l.Cfg.Risk.EnableShorts)
	metrics.Decisions.WithLabelValues(symbol, string(sig.Action), string(rr.Regime)).Inc()

	decisionID := uuid.NewString()
	decision := position.Decision{
		ID: decisionID, TS: time.Now().UTC(), Symbol: symbol,
		Action: position.DecisionAction(sig.Action), Reason: sig.Reason,
		Regime: string(rr.Regime), Confidence: sig.Confidence,
	}

	l.mu.Lock()
	var open []position.Position
	for _, p := range l.openPos {
		open = append(open, p)
	}
	l.mu.Unlock()

	// Market metadata and the pre-flight sizing input are needed ahead
	// of the risk gate so gate 7 (the fee gate) can evaluate a real
	// expected edge instead of a placeholder -- using the same sizing
	// input bracket.Execute will use, so the estimate and the eventual
	// fill size agree. Hold signals skip the gate before reaching the
	// fee gate, so there is nothing to fetch for them.
	var sizing bracket.SizingInput
	expectedEdgeUSD := 0.0
	if sig.Action != strategy.ActionHold {
		meta, err := l.Adapter.MarketMetadata(ctx, symbol)
		if err != nil {
			obslog.Warnf("LOOP", "%s: market metadata fetch failed: %v", symbol, err)
			decision.Reason = "market metadata fetch failed: " + err.Error()
			_ = l.DurableLog.WriteDecision(ctx, decision)
			return
		}
		riskBudget := l.Cfg.Risk.RiskPerTradePct / 100 * equity
		sizing = bracket.SizingInput{
			RiskBudgetUSD: riskBudget, Entry: sig.EntryPrice, Stop: sig.StopLoss,
			MaxPositionUSD: l.Cfg.Risk.MaxPositionUSD, AvailableCashUSD: equity,
			Meta: meta,
		}
		expectedEdgeUSD = bracket.EstimateEdgeUSD(sizing, sig, l.Cfg.Risk.FeeRatePct)
	}

	marginEligible := l.Cfg.Risk.EnableShorts && l.Cfg.Risk.MaxMarginExposurePct > 0
	outcome := risk.Evaluate(l.RuntimeState, sig, symbol, open, equity, l.Cfg.Risk, marginEligible, expectedEdgeUSD, true)

	if !outcome.Approved {
		metrics.SkipReasons.WithLabelValues(string(outcome.Reason)).Inc()
		decision.Reason = string(outcome.Reason) + ": " + outcome.Detail
		_ = l.DurableLog.WriteDecision(ctx, decision)
		return
	}

	decision.Executed = true
	if err := l.DurableLog.WriteDecision(ctx, decision); err != nil {
		obslog.Warnf("LOOP", "%s: decision write failed: %v", symbol, err)
	}

	out := bracket.Execute(ctx, l.Adapter, sig, symbol, sizing, decisionID)

	metrics.BracketOutcomes.WithLabelValues(string(out.Kind)).Inc()
	switch out.Kind {
	case bracket.OutcomePlaced:
		l.mu.Lock()
		l.openPos[symbol] = *out.Position
		l.mu.Unlock()
		l.RuntimeState.RecordTrade(symbol)
		trade := position.Trade{
			ID: uuid.NewString(), TSOpen: time.Now().UTC(), Symbol: symbol,
			Side: out.Position.Side, Entry: out.Position.EntryPrice, Qty: out.Position.Quantity,
			ReasonOpen: sig.Reason, DecisionID: decisionID,
		}
		_ = l.DurableLog.WriteTrade(ctx, trade)
	case bracket.OutcomeCriticalFailure:
		l.RuntimeState.EngageGlobalPause(time.Duration(l.Cfg.GlobalPauseHours*float64(time.Hour)), "CriticalFailure:"+symbol)
		l.Notifier.Notify(ctx, "[CRITICAL] bracket flatten-verify failed for "+symbol+": "+out.Reason)
		_ = l.DurableLog.WriteAnomaly(ctx, "bracket_critical_failure", symbol+": "+out.Reason)
	case bracket.OutcomeFlattened:
		l.RuntimeState.SetSymbolCooldown(symbol, 30*time.Minute)
		obslog.Warnf("LOOP", "%s: bracket flattened after protective-leg failure", symbol)
	}
}

func (l *Loop) writeHeartbeat(equity float64, paused bool, pauseReason string) {
	if l.Heartbeat == nil {
		return
	}
	l.mu.Lock()
	symbols := make(map[string]durablelog.SymbolSnapshot, len(l.openPos))
	for sym, p := range l.openPos {
		symbols[sym] = durablelog.SymbolSnapshot{
			Symbol: sym, LastAction: "managed", LastPrice: p.EntryPrice,
			LastTickTS: time.Now().UTC(), OpenPosition: true,
		}
	}
	l.mu.Unlock()

	hb := durablelog.Heartbeat{
		Running: true, LastLoopAt: time.Now().UTC(),
		EquityNow: equity, Paused: paused, PauseReason: pauseReason,
		Cooldowns: l.RuntimeState.CooldownsSnapshot(), Symbols: symbols,
		ZinVersion: l.Cfg.ConfigVersion,
	}
	if err := l.Heartbeat.Write(hb); err != nil {
		obslog.Warnf("LOOP", "heartbeat write failed: %v", err)
	}
}
