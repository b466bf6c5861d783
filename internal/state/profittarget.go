package state

import (
	"fmt"
	"math/rand"
	"time"
)

// InitDay initializes the day's target if not already set, drawing
// target_pct uniformly from [min,max] per spec §4.8 and
// original_source/profit_target.py's initialize_day.
func (s *RuntimeState) InitDay(startingEquity, targetMin, targetMax float64, rng *rand.Rand) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.resetIfNewDayLocked()
	if s.Target.StartingEquity != 0 {
		return
	}
	pct := targetMin
	if targetMax > targetMin {
		pct = targetMin + rng.Float64()*(targetMax-targetMin)
	}
	s.Target.StartingEquity = startingEquity
	s.Target.CurrentEquity = startingEquity
	s.Target.TargetPct = pct
}

// UpdateEquity recomputes profit_today and flips TargetReached once
// the threshold is crossed, per spec §4.8.
func (s *RuntimeState) UpdateEquity(currentEquity float64, pauseDur time.Duration) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.resetIfNewDayLocked()
	if s.Target.StartingEquity == 0 {
		s.Target.StartingEquity = currentEquity
	}
	s.Target.CurrentEquity = currentEquity
	s.Target.ProfitToday = currentEquity - s.Target.StartingEquity

	if s.Target.StartingEquity <= 0 {
		return
	}
	profitPct := s.Target.ProfitToday / s.Target.StartingEquity
	if !s.Target.TargetReached && profitPct >= s.Target.TargetPct {
		s.Target.TargetReached = true
		s.Target.TargetReachedAt = time.Now()
		s.Target.PauseUntil = time.Now().Add(pauseDur)
	}
}

// DailyLossUSD returns today's drawdown in USD (StartingEquity minus
// CurrentEquity), or zero when equity is at or above the day's start,
// for the kill switch's comparison against Risk.MaxDailyLossUSD.
func (s *RuntimeState) DailyLossUSD() float64 {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	loss := s.Target.StartingEquity - s.Target.CurrentEquity
	if loss < 0 {
		return 0
	}
	return loss
}

// ProgressMessage mirrors get_status_message's human-readable summary.
func (s *RuntimeState) ProgressMessage() string {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Target.StartingEquity == 0 {
		return "[TARGET] Not initialized"
	}
	targetUSD := s.Target.StartingEquity * s.Target.TargetPct
	if s.Target.TargetReached {
		return fmt.Sprintf("[TARGET] target reached (+$%.2f)", s.Target.ProfitToday)
	}
	return fmt.Sprintf("[TARGET] progress $%.2f / $%.2f", s.Target.ProfitToday, targetUSD)
}
