package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDecisions_CountsByLabelCombination(t *testing.T) {
	Decisions.Reset()
	Decisions.WithLabelValues("BTC/USD", "long", "TREND_UP").Inc()
	Decisions.WithLabelValues("BTC/USD", "long", "TREND_UP").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(Decisions.WithLabelValues("BTC/USD", "long", "TREND_UP")))
}

func TestEquityUSD_SetReplacesPreviousValue(t *testing.T) {
	EquityUSD.Set(1000)
	EquityUSD.Set(1050.5)
	assert.Equal(t, 1050.5, testutil.ToFloat64(EquityUSD))
}

func TestWatchdogHealthy_TracksZeroOrOne(t *testing.T) {
	WatchdogHealthy.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(WatchdogHealthy))
	WatchdogHealthy.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(WatchdogHealthy))
}

func TestTickDurationSeconds_ObserveDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { TickDurationSeconds.Observe(0.25) })
}
