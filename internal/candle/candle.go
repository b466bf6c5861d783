// Package candle holds the OHLCV candle/ticker types and the pure
// indicator functions over them. Grounded on the teacher's
// indicators.go: same "aligned to input length, NaN/0 for short
// windows" convention, extended with the indicator set SPEC_FULL.md's
// §4.2 names (EMA, ATR, ADX, Bollinger) that the teacher's
// strategy.go referenced but never defined.
package candle

import "time"

// Candle is one OHLCV bar for a given timeframe.
type Candle struct {
	OpenTS   time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Timeframe string
}

// Valid reports whether the candle satisfies the data-model invariant
// from spec §3: high >= max(open,close) >= min(open,close) >= low,
// volume >= 0.
func (c Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	return c.High >= hi && lo >= c.Low
}

// Ticker is a point-in-time quote.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	TS     time.Time
}

// Valid reports bid <= ask and last > 0 per spec §3.
func (t Ticker) Valid() bool {
	return t.Bid <= t.Ask && t.Last > 0
}
