package state

import (
	"context"
	"time"

	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/obslog"
)

// WatchdogConfig mirrors original_source/api_watchdog.py's APIWatchdog
// constructor parameters.
type WatchdogConfig struct {
	MaxConsecutiveFailures int
	MaxLatency             time.Duration
	AutoRestart            bool
}

// CheckHealth performs the lightweight probe (fetch server time) spec
// §4.9 describes, updating the Watchdog entity and returning whether
// it is currently healthy.
func (s *RuntimeState) CheckHealth(ctx context.Context, adapter exchange.Adapter, cfg WatchdogConfig) bool {
	start := time.Now()
	_, err := adapter.FetchServerTime(ctx)
	latency := time.Since(start)

	healthy := err == nil && latency <= cfg.MaxLatency

	s.Mu.Lock()
	s.Watchdog.TotalChecks++
	s.Watchdog.LastCheck = time.Now()
	s.Watchdog.LastHealthy = healthy
	if healthy {
		s.Watchdog.ConsecutiveFailures = 0
	} else {
		s.Watchdog.ConsecutiveFailures++
		s.Watchdog.TotalFailures++
	}
	failures := s.Watchdog.ConsecutiveFailures
	s.Mu.Unlock()

	if healthy {
		obslog.Infof("WATCHDOG", "API healthy (latency %s)", latency)
	} else {
		obslog.Warnf("WATCHDOG", "API unhealthy: %v (failures %d/%d)", err, failures, cfg.MaxFailuresOrOne(cfg.MaxConsecutiveFailures))
	}
	return healthy
}

func (c WatchdogConfig) MaxFailuresOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// ShouldRestart reports whether consecutive failures have reached the
// configured threshold, per api_watchdog.py's should_restart.
func (s *RuntimeState) ShouldRestart(cfg WatchdogConfig) bool {
	if !cfg.AutoRestart {
		return false
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.Watchdog.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
}

// UptimePct mirrors api_watchdog.py's get_stats uptime_pct.
func (s *RuntimeState) UptimePct() float64 {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Watchdog.TotalChecks == 0 {
		return 100.0
	}
	return float64(s.Watchdog.TotalChecks-s.Watchdog.TotalFailures) / float64(s.Watchdog.TotalChecks) * 100.0
}
