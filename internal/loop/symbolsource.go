// Package loop implements the Autonomous Loop (spec §4.11): the
// seven-step tick that drives the bot end to end, with bounded
// per-symbol fan-out grounded on the goroutine-plus-channel worker
// pattern already present in the teacher's trader.go stateApplyCh
// single-writer goroutine.
package loop

import (
	"context"
	"sort"

	"github.com/duskline/spotpilot/internal/candle"
	"github.com/duskline/spotpilot/internal/exchange"
)

// SymbolSource supplies the per-tick symbol universe, per spec §4.11
// step 5's "optionally sourced from a dynamic universe scanner".
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// StaticSymbolSource returns a fixed list, the default universe mode.
type StaticSymbolSource struct {
	List []string
}

func (s StaticSymbolSource) Symbols(ctx context.Context) ([]string, error) {
	return s.List, nil
}

// VolumeRankedSource ranks a candidate pool by 24h quote volume and
// returns the top N, grounded on the filter-by-24h-volume technique
// original_source/crypto_universe.py's _INDEX.md entry describes (the
// file itself is not in the retrieval pack, so this is authored from
// that technique description, not transliterated).
type VolumeRankedSource struct {
	Adapter  exchange.Adapter
	Universe []string
	TopN     int
}

func (v VolumeRankedSource) Symbols(ctx context.Context) ([]string, error) {
	type scored struct {
		symbol string
		vol    float64
	}
	scores := make([]scored, 0, len(v.Universe))
	for _, sym := range v.Universe {
		c, err := v.Adapter.FetchOHLCV(ctx, sym, "1h", 24)
		if err != nil || len(c) == 0 {
			continue
		}
		scores = append(scores, scored{symbol: sym, vol: sum24hVolume(c)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].vol > scores[j].vol })
	n := v.TopN
	if n <= 0 || n > len(scores) {
		n = len(scores)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, scores[i].symbol)
	}
	return out, nil
}

func sum24hVolume(c []candle.Candle) float64 {
	var total float64
	for _, k := range c {
		total += k.Volume * k.Close
	}
	return total
}

var _ SymbolSource = StaticSymbolSource{}
var _ SymbolSource = VolumeRankedSource{}
