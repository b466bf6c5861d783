// Package state implements the single mutex-guarded RuntimeState
// spec §9 calls for: profit target, daily limits, global pause, and
// watchdog state, replacing the teacher's scattered package-level
// vars (trader.go's Trader fields, metrics.go's globals) with one
// value threaded through the loop.
package state

import (
	"sync"
	"time"
)

// DailyTarget is spec §3's DailyTarget entity, grounded on
// original_source/profit_target.py's DailyTarget dataclass.
type DailyTarget struct {
	Date            string
	TargetPct       float64
	StartingEquity  float64
	CurrentEquity   float64
	ProfitToday     float64
	TargetReached   bool
	TargetReachedAt time.Time
	PauseUntil      time.Time
	TradesToday     int
}

// DailyLimits is spec §3's DailyLimits entity, grounded on
// original_source/trading_limits.py's DailyTradeLimits -- counters
// are GLOBAL across paper and live mode, per that source's explicit
// documentation and spec §8 invariant 4.
type DailyLimits struct {
	Date            string
	TotalTrades     int
	TradesBySymbol  map[string]int
	MaxTotal        int
	MaxPerSymbol    int
}

// Watchdog is spec §3's Watchdog entity.
type Watchdog struct {
	ConsecutiveFailures int
	TotalChecks         int
	TotalFailures       int
	LastCheck           time.Time
	LastHealthy         bool
	MaxFailures         int
}

// RuntimeState is the single value the risk gate and loop share,
// guarded by Mu per spec §5 ("Counters ... are mutated only under the
// risk-gate mutex").
type RuntimeState struct {
	Mu sync.Mutex

	Target   DailyTarget
	Limits   DailyLimits
	Watchdog Watchdog

	GlobalPauseUntil time.Time
	GlobalPauseReason string

	Cooldowns map[string]time.Time // symbol -> cooldown-until

	PendingFlattens      map[string]string // symbol -> reason, drained each tick
	PendingManualEntries []ManualEntryRequest
}

func New(maxTotal, maxPerSymbol, maxWatchdogFailures int) *RuntimeState {
	return &RuntimeState{
		Limits: DailyLimits{
			TradesBySymbol: make(map[string]int),
			MaxTotal:       maxTotal,
			MaxPerSymbol:   maxPerSymbol,
		},
		Watchdog:  Watchdog{MaxFailures: maxWatchdogFailures},
		Cooldowns: make(map[string]time.Time),
	}
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

// resetIfNewDayLocked resets the date-scoped counters on UTC date
// rollover. Caller must hold Mu.
func (s *RuntimeState) resetIfNewDayLocked() {
	d := today()
	if s.Target.Date != d {
		s.Target = DailyTarget{Date: d}
	}
	if s.Limits.Date != d {
		s.Limits.Date = d
		s.Limits.TotalTrades = 0
		s.Limits.TradesBySymbol = make(map[string]int)
	}
}

// IsGloballyPaused reports whether trading is currently paused,
// handling both the kill-switch/critical-failure pause and the
// profit-target pause (spec §4.8, §7).
func (s *RuntimeState) IsGloballyPaused() (bool, string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.resetIfNewDayLocked()
	now := time.Now()
	if now.Before(s.GlobalPauseUntil) {
		return true, s.GlobalPauseReason
	}
	if s.Target.TargetReached && now.Before(s.Target.PauseUntil) {
		return true, "ProfitTargetPaused"
	}
	return false, ""
}

// EngageGlobalPause sets the global pause deadline at least `dur`
// from now (spec §8 invariant 8: "pause deadline is >= now + configured
// pause duration").
func (s *RuntimeState) EngageGlobalPause(dur time.Duration, reason string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	deadline := time.Now().Add(dur)
	if deadline.After(s.GlobalPauseUntil) {
		s.GlobalPauseUntil = deadline
	}
	s.GlobalPauseReason = reason
}

// IsSymbolCooldown reports whether symbol is under per-symbol cooldown.
func (s *RuntimeState) IsSymbolCooldown(symbol string) bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	until, ok := s.Cooldowns[symbol]
	return ok && time.Now().Before(until)
}

// SetSymbolCooldown engages a cooldown for symbol.
func (s *RuntimeState) SetSymbolCooldown(symbol string, dur time.Duration) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Cooldowns[symbol] = time.Now().Add(dur)
}

// CanOpenNewTrade checks the DailyLimits per-symbol and total caps,
// mirroring trading_limits.py's can_open_new_trade.
func (s *RuntimeState) CanOpenNewTrade(symbol string) (bool, string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.resetIfNewDayLocked()
	if s.Limits.TotalTrades >= s.Limits.MaxTotal {
		return false, "max total trades reached"
	}
	if s.Limits.TradesBySymbol[symbol] >= s.Limits.MaxPerSymbol {
		return false, "max trades for symbol reached"
	}
	return true, ""
}

// CooldownsSnapshot returns a copy of the current cooldown map, safe
// for a caller to read without holding Mu.
func (s *RuntimeState) CooldownsSnapshot() map[string]time.Time {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	out := make(map[string]time.Time, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		out[k] = v
	}
	return out
}

// RecordTrade increments both the total and per-symbol trade counters.
func (s *RuntimeState) RecordTrade(symbol string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.resetIfNewDayLocked()
	s.Limits.TotalTrades++
	s.Limits.TradesBySymbol[symbol]++
}
