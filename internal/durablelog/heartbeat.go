package durablelog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SymbolSnapshot is one per-symbol entry of the heartbeat state file
// spec §6 describes.
type SymbolSnapshot struct {
	Symbol      string    `msgpack:"symbol" json:"symbol"`
	LastAction  string    `msgpack:"last_action" json:"last_action"`
	LastRegime  string    `msgpack:"last_regime" json:"last_regime"`
	LastPrice   float64   `msgpack:"last_price" json:"last_price"`
	LastTickTS  time.Time `msgpack:"last_tick_ts" json:"last_tick_ts"`
	OpenPosition bool     `msgpack:"open_position" json:"open_position"`
}

// Heartbeat is the full state-file payload, matching spec §6's
// {running, last_loop_at, equity_now, equity_day_start, paused,
// cooldowns, per-symbol snapshots, last_actions} shape.
type Heartbeat struct {
	Running        bool                      `msgpack:"running" json:"running"`
	LastLoopAt     time.Time                 `msgpack:"last_loop_at" json:"last_loop_at"`
	EquityNow      float64                   `msgpack:"equity_now" json:"equity_now"`
	EquityDayStart float64                   `msgpack:"equity_day_start" json:"equity_day_start"`
	Paused         bool                      `msgpack:"paused" json:"paused"`
	PauseReason    string                    `msgpack:"pause_reason" json:"pause_reason"`
	Cooldowns      map[string]time.Time      `msgpack:"cooldowns" json:"cooldowns"`
	Symbols        map[string]SymbolSnapshot `msgpack:"symbols" json:"symbols"`
	ZinVersion     string                    `msgpack:"zin_version" json:"zin_version"`
}

// HeartbeatStore is the atomic-rename msgpack writer grounded on
// tgeconf-nof0's use of the same codec for compact on-disk snapshots,
// and on the teacher's saveStateFrom's write-to-tmp-then-rename
// pattern for crash-safety.
type HeartbeatStore struct {
	Path string

	mu      sync.RWMutex
	current Heartbeat
}

func NewHeartbeatStore(path string) *HeartbeatStore {
	return &HeartbeatStore{Path: path}
}

// Write serializes hb with msgpack and atomically replaces Path.
func (h *HeartbeatStore) Write(hb Heartbeat) error {
	bs, err := msgpack.Marshal(hb)
	if err != nil {
		return err
	}
	tmp := h.Path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, h.Path); err != nil {
		return err
	}
	h.mu.Lock()
	h.current = hb
	h.mu.Unlock()
	return nil
}

// Load reads the last-written heartbeat from disk.
func (h *HeartbeatStore) Load() (Heartbeat, error) {
	bs, err := os.ReadFile(h.Path)
	if err != nil {
		return Heartbeat{}, err
	}
	var hb Heartbeat
	if err := msgpack.Unmarshal(bs, &hb); err != nil {
		return Heartbeat{}, err
	}
	h.mu.Lock()
	h.current = hb
	h.mu.Unlock()
	return hb, nil
}

// Current returns the in-memory cached heartbeat without touching
// disk, for the /healthz HTTP handler's hot path.
func (h *HeartbeatStore) Current() Heartbeat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// HealthJSON renders Current() as JSON, matching the teacher's
// /healthz pattern of exposing runtime state for operator inspection.
func (h *HeartbeatStore) HealthJSON() ([]byte, error) {
	return json.Marshal(h.Current())
}
