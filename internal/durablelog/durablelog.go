// Package durablelog implements the Durable Log (spec §4.10): a
// write-through store for Decisions, Trades, anomalies, and daily
// summaries (it has no writer for config snapshots), backed by Postgres via
// github.com/jackc/pgx/v5 (grounded on tgeconf-nof0's use of pgx as
// its Postgres driver -- that repo registers it under database/sql
// via go-zero's sqlx layer; this package talks to pgxpool directly
// since nothing here needs go-zero's ORM-ish model layer) with a local
// NDJSON fallback so a tick never blocks on database availability.
package durablelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskline/spotpilot/internal/obslog"
	"github.com/duskline/spotpilot/internal/position"
)

// Category is one of the NDJSON fallback subdirectories spec §6 names.
type Category string

const (
	CategoryTrades    Category = "trades"
	CategoryDecisions Category = "decisions"
	CategoryDaily     Category = "daily"
	CategoryAnomalies Category = "anomalies"
	CategorySnapshots Category = "snapshots"
	CategoryMeta      Category = "meta"
)

// Record wraps any persisted payload with the envelope fields spec
// §4.10 requires on every record.
type Record struct {
	TS         time.Time   `json:"ts"`
	ZinVersion string      `json:"zin_version"`
	Category   Category    `json:"category"`
	Payload    interface{} `json:"payload"`
}

// Log is the durable log's write-through entry point. A nil Pool
// means Postgres is not configured and every write falls through to
// NDJSON only, which is a supported deployment mode (paper/backtest).
type Log struct {
	Pool       *pgxpool.Pool
	DataDir    string
	ZinVersion string

	mu    sync.Mutex
	files map[string]*os.File
}

// New constructs a Log. pool may be nil.
func New(pool *pgxpool.Pool, dataDir, zinVersion string) *Log {
	return &Log{Pool: pool, DataDir: dataDir, ZinVersion: zinVersion, files: make(map[string]*os.File)}
}

// Connect dials Postgres with pgxpool, per spec §4.10's primary store.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("durablelog: parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("durablelog: connect: %w", err)
	}
	return pool, nil
}

// WriteDecision persists a Decision, per spec §5's "Decision-before-
// Trade log ordering per (symbol, tick)" invariant -- callers must
// call this before WriteTrade for the same tick.
func (l *Log) WriteDecision(ctx context.Context, d position.Decision) error {
	if l.Pool != nil {
		indJSON, _ := json.Marshal(d.Indicators)
		_, err := l.Pool.Exec(ctx, `
			INSERT INTO decisions (id, ts, symbol, action, reason, regime, confidence, indicators, executed, zin_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO NOTHING`,
			d.ID, d.TS, d.Symbol, d.Action, d.Reason, d.Regime, d.Confidence, indJSON, d.Executed, l.ZinVersion)
		if err != nil {
			obslog.Warnf("DURABLELOG", "postgres decision write failed, falling back to ndjson: %v", err)
			return l.appendNDJSON(CategoryDecisions, d)
		}
		return nil
	}
	return l.appendNDJSON(CategoryDecisions, d)
}

// WriteTrade persists a Trade.
func (l *Log) WriteTrade(ctx context.Context, t position.Trade) error {
	if l.Pool != nil {
		_, err := l.Pool.Exec(ctx, `
			INSERT INTO trades (id, ts_open, ts_close, symbol, side, entry, exit, qty, realized_pnl, reason_open, reason_close, decision_id, zin_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET ts_close = EXCLUDED.ts_close, exit = EXCLUDED.exit,
				realized_pnl = EXCLUDED.realized_pnl, reason_close = EXCLUDED.reason_close`,
			t.ID, t.TSOpen, t.TSClose, t.Symbol, t.Side, t.Entry, t.Exit, t.Qty, t.RealizedPnL, t.ReasonOpen, t.ReasonClose, t.DecisionID, l.ZinVersion)
		if err != nil {
			obslog.Warnf("DURABLELOG", "postgres trade write failed, falling back to ndjson: %v", err)
			return l.appendNDJSON(CategoryTrades, t)
		}
		return nil
	}
	return l.appendNDJSON(CategoryTrades, t)
}

// WriteAnomaly persists a free-form anomaly record (watchdog trips,
// critical-failure brackets, config validation rejects).
func (l *Log) WriteAnomaly(ctx context.Context, kind, detail string) error {
	rec := map[string]string{"kind": kind, "detail": detail}
	if l.Pool != nil {
		_, err := l.Pool.Exec(ctx, `INSERT INTO anomalies (ts, kind, detail, zin_version) VALUES ($1,$2,$3,$4)`,
			time.Now().UTC(), kind, detail, l.ZinVersion)
		if err != nil {
			obslog.Warnf("DURABLELOG", "postgres anomaly write failed, falling back to ndjson: %v", err)
			return l.appendNDJSON(CategoryAnomalies, rec)
		}
		return nil
	}
	return l.appendNDJSON(CategoryAnomalies, rec)
}

// DailySummary is the upsert-by-date row spec §4.10 describes.
type DailySummary struct {
	Date          string
	EquityStart   float64
	EquityEnd     float64
	RealizedPnL   float64
	TradeCount    int
	ProfitTarget  float64
	TargetReached bool
}

// UpsertDailySummary writes or updates today's row, keyed by date.
func (l *Log) UpsertDailySummary(ctx context.Context, s DailySummary) error {
	if l.Pool != nil {
		_, err := l.Pool.Exec(ctx, `
			INSERT INTO daily_summaries (date, equity_start, equity_end, realized_pnl, trade_count, profit_target, target_reached, zin_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (date) DO UPDATE SET equity_end = EXCLUDED.equity_end, realized_pnl = EXCLUDED.realized_pnl,
				trade_count = EXCLUDED.trade_count, target_reached = EXCLUDED.target_reached`,
			s.Date, s.EquityStart, s.EquityEnd, s.RealizedPnL, s.TradeCount, s.ProfitTarget, s.TargetReached, l.ZinVersion)
		if err != nil {
			obslog.Warnf("DURABLELOG", "postgres daily-summary write failed, falling back to ndjson: %v", err)
			return l.appendNDJSON(CategoryDaily, s)
		}
		return nil
	}
	return l.appendNDJSON(CategoryDaily, s)
}

// ReadDay returns every record written for category on date (UTC,
// "YYYY-MM-DD"), in the order they were written. It prefers Postgres
// when configured and falls back to the NDJSON file on any primary
// read error, mirroring the write path's primary-then-fallback rule
// (spec §4.10, §1's "read-through cache" framing).
func (l *Log) ReadDay(ctx context.Context, cat Category, date string) ([]Record, error) {
	if l.Pool != nil {
		recs, err := l.readDayPostgres(ctx, cat, date)
		if err == nil {
			return recs, nil
		}
		obslog.Warnf("DURABLELOG", "postgres read failed for %s/%s, falling back to ndjson: %v", cat, date, err)
	}
	return l.readDayNDJSON(cat, date)
}

// tableForCategory maps a Category to its Postgres table and the
// column ReadDay orders and filters by.
func tableForCategory(cat Category) (table, tsCol string, err error) {
	switch cat {
	case CategoryDecisions:
		return "decisions", "ts", nil
	case CategoryTrades:
		return "trades", "ts_open", nil
	case CategoryDaily:
		return "daily_summaries", "date", nil
	case CategoryAnomalies:
		return "anomalies", "ts", nil
	default:
		return "", "", fmt.Errorf("durablelog: no postgres table for category %q", cat)
	}
}

func (l *Log) readDayPostgres(ctx context.Context, cat Category, date string) ([]Record, error) {
	table, tsCol, err := tableForCategory(cat)
	if err != nil {
		return nil, err
	}
	rows, err := l.Pool.Query(ctx, fmt.Sprintf(
		`SELECT * FROM %s WHERE %s::date = $1::date ORDER BY %s ASC`, table, tsCol, tsCol), date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(maps))
	for _, m := range maps {
		ts, _ := m[tsCol].(time.Time)
		out = append(out, Record{TS: ts, ZinVersion: l.ZinVersion, Category: cat, Payload: m})
	}
	return out, nil
}

// readDayNDJSON reads data/{category}/{date}.ndjson line by line,
// preserving append order. A missing file is not an error -- it means
// nothing was written for that category on that day.
func (l *Log) readDayNDJSON(cat Category, date string) ([]Record, error) {
	path := filepath.Join(l.DataDir, string(cat), date+".ndjson")

	// Flush the open handle for this path, if any, so a read
	// immediately following a write in the same process sees it.
	l.mu.Lock()
	if f, ok := l.files[path]; ok {
		_ = f.Sync()
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durablelog: read %s: %w", path, err)
	}

	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("durablelog: decode %s: %w", path, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// appendNDJSON writes one line to data/{category}/YYYY-MM-DD.ndjson,
// serialized behind a per-Log mutex so concurrent symbol goroutines
// (spec §5's bounded fan-out) never interleave partial lines -- the
// "single-writer mutex per file" resource-model requirement.
func (l *Log) appendNDJSON(cat Category, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.DataDir, string(cat))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("durablelog: mkdir %s: %w", dir, err)
	}
	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, date+".ndjson")

	f, ok := l.files[path]
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("durablelog: open %s: %w", path, err)
		}
		l.files[path] = f
	}

	rec := Record{TS: time.Now().UTC(), ZinVersion: l.ZinVersion, Category: cat, Payload: payload}
	bs, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	bs = append(bs, '\n')
	_, err = f.Write(bs)
	return err
}

// Close flushes and closes any open NDJSON file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
