// Package metrics defines the bot's Prometheus metrics, renamed and
// regrouped from the teacher's metrics.go (bot_* counters/gauges) to
// the SPEC_FULL.md domain: decisions, risk-gate skips, bracket
// outcomes, equity, watchdog health, and tick duration, registered
// once via init() and served by promhttp at
// /metrics exactly as the teacher's main.go does.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spotpilot_decisions_total", Help: "Decisions emitted by the strategy orchestrator"},
		[]string{"symbol", "action", "regime"},
	)

	SkipReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spotpilot_risk_skips_total", Help: "Signals rejected by the risk gate"},
		[]string{"reason"},
	)

	BracketOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spotpilot_bracket_outcomes_total", Help: "Bracket executor outcomes"},
		[]string{"kind"},
	)

	EquityUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "spotpilot_equity_usd", Help: "Current account equity including unrealized P&L"},
	)

	WatchdogHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "spotpilot_watchdog_healthy", Help: "1 if the last API watchdog probe was healthy, else 0"},
	)

	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "spotpilot_tick_duration_seconds", Help: "Wall-clock duration of one autonomous loop tick"},
	)
)

func init() {
	prometheus.MustRegister(Decisions, SkipReasons, BracketOutcomes, EquityUSD, WatchdogHealthy, TickDurationSeconds)
}
