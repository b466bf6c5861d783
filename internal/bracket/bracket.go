// Package bracket implements the Bracket Executor (spec §4.6), the
// hardest subsystem: translating a TradeSignal into a protected live
// position with the INIT -> ENTRY_PENDING -> PROTECTED -> CLOSED
// state machine and the FLATTEN_ATTEMPT -> FLATTENED|CRITICAL_FAILURE
// failure path. Grounded on the teacher's trader.go/step.go position
// lifecycle for the overall "manage a protected position" shape, and
// on original_source/kraken_native_api.py for the sequential-vs-
// atomic placement distinction.
package bracket

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/obslog"
	"github.com/duskline/spotpilot/internal/position"
	"github.com/duskline/spotpilot/internal/strategy"
)

// BracketState is the state machine in spec §4.6.
type BracketState string

const (
	StateInit             BracketState = "INIT"
	StateEntryPending     BracketState = "ENTRY_PENDING"
	StateProtected        BracketState = "PROTECTED"
	StateClosed           BracketState = "CLOSED"
	StateAborted          BracketState = "ABORTED"
	StateFlattenAttempt   BracketState = "FLATTEN_ATTEMPT"
	StateFlattened        BracketState = "FLATTENED"
	StateCriticalFailure  BracketState = "CRITICAL_FAILURE"
)

// OutcomeKind is the closed set of execute_bracket return shapes.
type OutcomeKind string

const (
	OutcomePlaced          OutcomeKind = "Placed"
	OutcomeSkipped         OutcomeKind = "Skipped"
	OutcomeFlattened       OutcomeKind = "Flattened"
	OutcomeCriticalFailure OutcomeKind = "CriticalFailure"
)

// Outcome is execute_bracket's return value.
type Outcome struct {
	Kind           OutcomeKind
	Reason         string
	State          BracketState
	EntryFillQty   decimal.Decimal
	ProtectiveIDs  []string
	CorrelationID  string
	Position       *position.Position
}

// SizingInput carries the pre-flight sizing parameters of spec §4.6
// step 1.
type SizingInput struct {
	RiskBudgetUSD  float64
	Entry, Stop    float64
	MaxPositionUSD float64
	AvailableCashUSD float64
	Meta           exchange.MarketMetadata
}

// SizeResult is the outcome of pre-flight sizing.
type SizeResult struct {
	Qty     decimal.Decimal
	Skipped bool
	Reason  string
}

// Size computes qty per spec §4.6 step 1: raw qty from risk budget,
// clamp to max position USD, round down to exchange precision, then
// bump to the exchange minimum if it fits the budget and cash, else
// skip.
func Size(in SizingInput) SizeResult {
	riskPerUnit := in.Entry - in.Stop
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit <= 0 {
		return SizeResult{Skipped: true, Reason: "InvalidStop"}
	}

	rawQty := in.RiskBudgetUSD / riskPerUnit
	maxQtyByNotional := in.MaxPositionUSD / in.Entry
	if rawQty > maxQtyByNotional {
		rawQty = maxQtyByNotional
	}

	qty := decimal.NewFromFloat(rawQty).Truncate(in.Meta.QtyPrecision)

	notional := qty.Mul(decimal.NewFromFloat(in.Entry))
	belowMin := qty.LessThan(in.Meta.MinQty) || (in.Meta.MinCost.IsPositive() && notional.LessThan(in.Meta.MinCost))

	if belowMin {
		bumped := in.Meta.MinQty
		bumpedNotional := bumped.Mul(decimal.NewFromFloat(in.Entry))
		fitsBudget := bumpedNotional.LessThanOrEqual(decimal.NewFromFloat(in.MaxPositionUSD))
		fitsCash := bumpedNotional.LessThanOrEqual(decimal.NewFromFloat(in.AvailableCashUSD))
		if fitsBudget && fitsCash {
			return SizeResult{Qty: bumped}
		}
		return SizeResult{Skipped: true, Reason: "BracketMinSize"}
	}

	if qty.IsZero() || qty.IsNegative() {
		return SizeResult{Skipped: true, Reason: "BracketMinSize"}
	}
	return SizeResult{Qty: qty}
}

// EstimateEdgeUSD reuses Size's qty derivation to estimate the
// round-trip-fee-adjusted dollar edge of a signal ahead of the risk
// gate's fee gate (spec §4.7 gate 7), so the estimate agrees with the
// quantity the bracket executor will actually size. feeRatePct is the
// exchange's per-side taker fee rate; the edge nets out both legs.
func EstimateEdgeUSD(sizing SizingInput, sig strategy.TradeSignal, feeRatePct float64) float64 {
	szr := Size(sizing)
	if szr.Skipped {
		return 0
	}
	qty := szr.Qty.InexactFloat64()
	reward := sig.TakeProfit - sig.EntryPrice
	if reward < 0 {
		reward = -reward
	}
	notional := qty * sig.EntryPrice
	roundTripFees := feeRatePct / 100 * notional * 2
	return reward*qty - roundTripFees
}

// DustEpsilon is the tolerance used to confirm a flatten brought the
// position to zero (spec §4.6 step 4).
const DustEpsilon = 1e-8

// Execute runs execute_bracket: pre-flight sizing, atomic-preferred
// placement with sequential fallback, and on protective-leg failure
// after fill, the flatten-and-verify failure path. adapter is the
// exchange.Adapter the bracket is placed against (LIVE or PAPER).
func Execute(ctx context.Context, adapter exchange.Adapter, sig strategy.TradeSignal, symbol string, sizing SizingInput, clientOrderID string) Outcome {
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	szr := Size(sizing)
	if szr.Skipped {
		return Outcome{Kind: OutcomeSkipped, Reason: szr.Reason, State: StateAborted, CorrelationID: clientOrderID}
	}

	side := exchange.SideBuy
	if sig.Action == strategy.ActionShort {
		side = exchange.SideSell
	}

	req := exchange.BracketRequest{
		Symbol: symbol, Side: side, Qty: szr.Qty,
		EntryType:       exchange.OrderMarket,
		EntryLimitPrice: decimal.NewFromFloat(sig.EntryPrice),
		StopPrice:       decimal.NewFromFloat(sig.StopLoss),
		TakeProfitPrice: decimal.NewFromFloat(sig.TakeProfit),
		Atomic:          exchange.AtomicPreferred(adapter),
		ClientOrderID:   clientOrderID,
	}

	// Idempotency: before submitting, check whether this correlation
	// id already has a live order (spec §4.6 step 5) -- query_order by
	// client id prevents duplicate entries on retried calls after a
	// network timeout.
	if existing, err := adapter.QueryOrder(ctx, symbol, clientOrderID); err == nil && existing.ID != "" && existing.Status != exchange.StatusUnknown {
		obslog.Warnf("BRACKET", "idempotent replay: order %s already exists for correlation %s", existing.ID, clientOrderID)
		return Outcome{Kind: OutcomeSkipped, Reason: "duplicate correlation id: order " + existing.ID + " already exists", State: StateAborted, CorrelationID: clientOrderID}
	}

	result, err := adapter.PlaceBracket(ctx, req)
	if err != nil {
		return Outcome{Kind: OutcomeSkipped, Reason: err.Error(), State: StateAborted, CorrelationID: clientOrderID}
	}

	entry := result.EntryOrder
	if entry.Status == exchange.StatusRejected || entry.Status == exchange.StatusCancelled {
		return Outcome{Kind: OutcomeSkipped, Reason: "entry rejected or cancelled", State: StateAborted, CorrelationID: clientOrderID}
	}

	filledQty := entry.FilledQty
	if filledQty.IsZero() {
		// For async venues, poll query_order until terminal or a
		// bounded timeout, per spec §4.6 step 3.
		filledQty = pollForFill(ctx, adapter, symbol, entry.ID, 20*time.Second)
	}

	if filledQty.IsZero() {
		return Outcome{Kind: OutcomeSkipped, Reason: "entry never filled", State: StateAborted, CorrelationID: clientOrderID}
	}

	// Protective-leg verification: if the adapter's BracketResult
	// carries a stop order that itself failed to place (status
	// rejected/unknown), this is the critical invariant of spec §4.6
	// step 4.
	stopOK := result.StopOrder.ID != "" && result.StopOrder.Status != exchange.StatusRejected && result.StopOrder.Status != exchange.StatusUnknown

	pos := &position.Position{
		Symbol: symbol, EntryPrice: entry.AvgFillPrice.InexactFloat64(),
		Quantity: filledQty.InexactFloat64(), Stop: sig.StopLoss, Target: sig.TakeProfit,
		OpenTS: time.Now().UTC(),
	}
	if sig.Action == strategy.ActionShort {
		pos.Side = position.Short
	} else {
		pos.Side = position.Long
	}

	if stopOK {
		ids := []string{result.StopOrder.ID}
		if result.TakeProfitOrder != nil {
			ids = append(ids, result.TakeProfitOrder.ID)
		}
		return Outcome{
			Kind: OutcomePlaced, State: StateProtected, EntryFillQty: filledQty,
			ProtectiveIDs: ids, CorrelationID: clientOrderID, Position: pos,
		}
	}

	return flattenAndVerify(ctx, adapter, symbol, side, filledQty, clientOrderID)
}

func pollForFill(ctx context.Context, adapter exchange.Adapter, symbol, orderID string, timeout time.Duration) decimal.Decimal {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o, err := adapter.QueryOrder(ctx, symbol, orderID)
		if err == nil {
			switch o.Status {
			case exchange.StatusFilled, exchange.StatusPartial:
				return o.FilledQty
			case exchange.StatusCancelled, exchange.StatusRejected:
				return decimal.Zero
			}
		}
		select {
		case <-ctx.Done():
			return decimal.Zero
		case <-time.After(500 * time.Millisecond):
		}
	}
	return decimal.Zero
}

// flattenAndVerify implements spec §4.6 step 4: submit a reducing
// market order for the verified fill quantity, then re-query the
// position (here: re-query the flatten order's own fill) to confirm
// quantity is zero within DustEpsilon. Never infers success from
// response text -- only from a re-queried order/balance state.
func flattenAndVerify(ctx context.Context, adapter exchange.Adapter, symbol string, entrySide exchange.Side, qty decimal.Decimal, clientOrderID string) Outcome {
	closeSide := exchange.SideSell
	if entrySide == exchange.SideSell {
		closeSide = exchange.SideBuy
	}

	flattenOrder, err := adapter.PlaceMarket(ctx, symbol, closeSide, qty, clientOrderID+"-flatten")
	if err != nil {
		obslog.Criticalf("BRACKET", "flatten order submission failed for %s: %v", symbol, err)
		return Outcome{Kind: OutcomeCriticalFailure, Reason: "flatten submission failed: " + err.Error(), State: StateCriticalFailure, CorrelationID: clientOrderID}
	}

	verify, err := adapter.QueryOrder(ctx, symbol, flattenOrder.ID)
	if err != nil {
		obslog.Criticalf("BRACKET", "flatten verification query failed for %s: %v", symbol, err)
		return Outcome{Kind: OutcomeCriticalFailure, Reason: "flatten verification failed: " + err.Error(), State: StateCriticalFailure, CorrelationID: clientOrderID}
	}

	remaining := qty.Sub(verify.FilledQty)
	if remaining.InexactFloat64() > DustEpsilon {
		obslog.Criticalf("BRACKET", "flatten incomplete for %s: remaining %s", symbol, remaining.String())
		return Outcome{Kind: OutcomeCriticalFailure, Reason: "flatten unverified: remaining " + remaining.String(), State: StateCriticalFailure, CorrelationID: clientOrderID}
	}

	obslog.Warnf("BRACKET", "flattened %s qty=%s after protective leg failure", symbol, qty.String())
	return Outcome{Kind: OutcomeFlattened, Reason: "protective leg placement failed, position flattened", State: StateFlattened, CorrelationID: clientOrderID}
}
