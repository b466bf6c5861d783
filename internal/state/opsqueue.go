package state

import "time"

// ManualEntryRequest is a pending operator-initiated open/bracket
// request (opsmsg.KindOpen / opsmsg.KindBracket), queued for the next
// loop tick rather than executed synchronously from the message
// handler. internal/loop drains the queue each tick and places no
// order for the entries.
type ManualEntryRequest struct {
	Symbol string
	Side   string
	Reason string
	TS     time.Time
}

// RequestFlatten marks symbol for a forced flatten on the next tick,
// per spec §6's "sell all <symbol>" operator command.
func (s *RuntimeState) RequestFlatten(symbol, reason string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.PendingFlattens == nil {
		s.PendingFlattens = make(map[string]string)
	}
	s.PendingFlattens[symbol] = reason
}

// TakePendingFlattens drains and returns the pending flatten requests.
func (s *RuntimeState) TakePendingFlattens() map[string]string {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	out := s.PendingFlattens
	s.PendingFlattens = nil
	return out
}

// RequestManualEntry queues an operator-initiated entry for the next
// tick.
func (s *RuntimeState) RequestManualEntry(symbol, side, reason string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.PendingManualEntries = append(s.PendingManualEntries, ManualEntryRequest{
		Symbol: symbol, Side: side, Reason: reason, TS: time.Now().UTC(),
	})
}

// TakePendingManualEntries drains and returns queued manual entries.
func (s *RuntimeState) TakePendingManualEntries() []ManualEntryRequest {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	out := s.PendingManualEntries
	s.PendingManualEntries = nil
	return out
}
