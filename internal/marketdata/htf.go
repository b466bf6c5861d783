package marketdata

import (
	"context"

	"github.com/duskline/spotpilot/internal/candle"
)

// Trend is a single-timeframe directional read.
type Trend string

const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendNeutral Trend = "neutral"
)

// HTFContext is the higher-timeframe read spec §4.4 defines.
type HTFContext struct {
	Trend15m      Trend
	Trend1h       Trend
	HTFAligned    bool
	DominantTrend Trend // "" (null) when not aligned
}

func trendFor(c []candle.Candle) Trend {
	sma20 := candle.SMA(c, 20)
	sma50 := candle.SMA(c, 50)
	n := len(c)
	if n == 0 {
		return TrendNeutral
	}
	price := c[n-1].Close
	s20, s50 := sma20[n-1], sma50[n-1]
	switch {
	case price > s20 && s20 > s50:
		return TrendUp
	case price < s20 && s20 < s50:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// ComputeHTFContext fetches 15m and 1h closed candles via cache and
// derives the HTFContext per spec §4.4.
func ComputeHTFContext(ctx context.Context, cache *Cache, symbol string) (HTFContext, error) {
	c15, err := cache.Get(ctx, symbol, "15m", 60)
	if err != nil {
		return HTFContext{}, err
	}
	c1h, err := cache.Get(ctx, symbol, "1h", 60)
	if err != nil {
		return HTFContext{}, err
	}
	t15 := trendFor(c15)
	t1h := trendFor(c1h)
	aligned := t15 == t1h && t15 != TrendNeutral
	dominant := Trend("")
	if aligned {
		dominant = t15
	}
	return HTFContext{Trend15m: t15, Trend1h: t1h, HTFAligned: aligned, DominantTrend: dominant}, nil
}
