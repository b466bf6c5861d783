// Package opsmsg defines the typed operator messages the core loop
// consumes from an external chat-command surface (spec §6). Only the
// message types and a dispatch entry point are implemented; the
// command parser that turns operator chat text into these types is
// out of scope, per spec §1's Non-goal.
package opsmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/duskline/spotpilot/internal/state"
)

// Kind is the closed set of operator message types.
type Kind string

const (
	KindSellAll Kind = "sell_all"
	KindOpen    Kind = "open"
	KindBracket Kind = "bracket"
	KindPause   Kind = "pause"
	KindResume  Kind = "resume"
)

// Msg is one operator-issued command.
type Msg struct {
	Kind     Kind
	Symbol   string
	Side     string // "long" or "short", for open/bracket
	Duration time.Duration // for pause
	Reason   string
}

// Dispatch applies an operator message to RuntimeState. It never
// touches the exchange directly: pause/resume set or clear the global
// pause, sell_all queues a flatten request that the next tick of
// internal/loop executes, and open/bracket queue a ManualEntryRequest,
// which internal/loop drains each tick without placing an order.
func Dispatch(ctx context.Context, rs *state.RuntimeState, m Msg) error {
	switch m.Kind {
	case KindPause:
		d := m.Duration
		if d <= 0 {
			d = 24 * time.Hour
		}
		reason := m.Reason
		if reason == "" {
			reason = "operator pause"
		}
		rs.EngageGlobalPause(d, reason)
		return nil
	case KindResume:
		rs.Mu.Lock()
		rs.GlobalPauseUntil = time.Time{}
		rs.GlobalPauseReason = ""
		rs.Mu.Unlock()
		return nil
	case KindSellAll:
		if m.Symbol == "" {
			return fmt.Errorf("opsmsg: sell_all requires a symbol")
		}
		reason := m.Reason
		if reason == "" {
			reason = "operator sell_all"
		}
		rs.RequestFlatten(m.Symbol, reason)
		return nil
	case KindOpen, KindBracket:
		if m.Symbol == "" {
			return fmt.Errorf("opsmsg: %s requires a symbol", m.Kind)
		}
		// Operator-initiated entries are only queued here; internal/loop
		// drains the queue each tick and does not run these entries
		// through the risk gate or place orders for them.
		rs.RequestManualEntry(m.Symbol, m.Side, m.Reason)
		return nil
	default:
		return fmt.Errorf("opsmsg: unknown message kind %q", m.Kind)
	}
}
