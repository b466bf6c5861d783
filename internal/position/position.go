// Package position holds the shared data-model entities of spec §3
// that both the risk gate and the bracket executor need: Position,
// Decision, and Trade. Kept in a neutral package (rather than inside
// bracket or risk) to avoid an import cycle between the two.
package position

import "time"

type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Position is spec §3's Position entity.
type Position struct {
	Symbol    string
	Side      PositionSide
	EntryPrice float64
	Quantity  float64
	Stop      float64
	Target    float64
	OpenTS    time.Time
}

// RiskPerUnit is |entry-stop|, required > 0 by spec §3's invariant.
func (p Position) RiskPerUnit() float64 {
	d := p.EntryPrice - p.Stop
	if d < 0 {
		d = -d
	}
	return d
}

// Valid checks spec §3's Position invariants.
func (p Position) Valid() bool {
	if p.Quantity <= 0 || p.RiskPerUnit() <= 0 {
		return false
	}
	switch p.Side {
	case Long:
		return p.Stop < p.EntryPrice && p.EntryPrice < p.Target
	case Short:
		return p.Target < p.EntryPrice && p.EntryPrice < p.Stop
	default:
		return false
	}
}

// DecisionAction is spec §3's Decision.action enumeration.
type DecisionAction string

const (
	DecisionLong    DecisionAction = "long"
	DecisionShort   DecisionAction = "short"
	DecisionHold    DecisionAction = "hold"
	DecisionSellAll DecisionAction = "sell_all"
)

// Decision is spec §3's Decision entity. internal/loop writes one for
// each symbol it evaluates on a tick, whether or not it results in a
// trade; ticks skipped by a global pause, and symbols whose candle
// fetch or regime detection fails, produce none.
type Decision struct {
	ID         string
	TS         time.Time
	Symbol     string
	Action     DecisionAction
	Reason     string
	Regime     string
	Confidence float64
	Indicators map[string]float64
	Executed   bool
}

// Trade is spec §3's Trade entity.
type Trade struct {
	ID           string
	TSOpen       time.Time
	TSClose      *time.Time
	Symbol       string
	Side         PositionSide
	Entry        float64
	Exit         *float64
	Qty          float64
	RealizedPnL  *float64
	ReasonOpen   string
	ReasonClose  string
	DecisionID   string
}
