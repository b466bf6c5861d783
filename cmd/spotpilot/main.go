// Command spotpilot is the process entrypoint: cobra root command with
// run/paper/backtest subcommands, an HTTP /healthz + /metrics server,
// and graceful shutdown, grounded on the teacher's main.go boot
// sequence (load env/config, wire broker, serve Prometheus, run
// selected mode, shut down the HTTP server on context cancellation).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/duskline/spotpilot/internal/backtest"
	"github.com/duskline/spotpilot/internal/config"
	"github.com/duskline/spotpilot/internal/durablelog"
	"github.com/duskline/spotpilot/internal/exchange"
	"github.com/duskline/spotpilot/internal/exchange/kraken"
	"github.com/duskline/spotpilot/internal/exchange/paperx"
	"github.com/duskline/spotpilot/internal/loop"
	"github.com/duskline/spotpilot/internal/marketdata"
	"github.com/duskline/spotpilot/internal/notify"
	"github.com/duskline/spotpilot/internal/obslog"
	"github.com/duskline/spotpilot/internal/state"
)

var healthPort int

func main() {
	root := &cobra.Command{
		Use:   "spotpilot",
		Short: "Autonomous spot crypto trading bot",
	}
	root.PersistentFlags().IntVar(&healthPort, "port", 8090, "HTTP port for /healthz and /metrics")

	root.AddCommand(runCmd(), paperCmd(), backtestCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the autonomous loop against the live Kraken-class adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), true)
		},
	}
}

func paperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paper",
		Short: "Run the autonomous loop against the paper adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), false)
		},
	}
}

func backtestCmd() *cobra.Command {
	var csvPath, symbol string
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a CSV of candles through the full pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			candles, err := backtest.LoadCSV(csvPath)
			if err != nil {
				return fmt.Errorf("backtest: load csv: %w", err)
			}
			res, err := backtest.Run(symbol, candles, cfg.Risk, cfg.Indicators, cfg.USDEquity)
			if err != nil {
				return err
			}
			bs, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(bs))
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "Path to candle CSV (time,open,high,low,close,volume)")
	cmd.Flags().StringVar(&symbol, "symbol", "BTC/USD", "Symbol label for the replay")
	_ = cmd.MarkFlagRequired("csv")
	return cmd
}

func runMode(parentCtx context.Context, live bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var adapter exchange.Adapter
	if live {
		client := kraken.New(kraken.Config{
			APIKey:    os.Getenv("KRAKEN_API_KEY"),
			APISecret: os.Getenv("KRAKEN_API_SECRET"),
		})
		adapter = client
	} else {
		// The paper adapter fills against a live market-data feed; in
		// the absence of a configured LIVE venue it quotes against
		// another kraken.Client used read-only (public endpoints only,
		// no credentials required for ticker/OHLCV).
		feed := kraken.New(kraken.Config{})
		adapter = paperx.New(paperx.Config{StartingQuote: cfg.USDEquity, QuoteCurrency: "USD"}, feed)
	}

	cache := marketdata.New(time.Minute, adapter.FetchOHLCV, cfg.RedisAddr)
	rs := state.New(cfg.Risk.MaxTradesPerDay, cfg.Risk.MaxTradesPerSymbol, 5)
	rs.Watchdog.MaxFailures = 5

	dl := durablelog.New(nil, cfg.DataDir, cfg.ConfigVersion)
	if cfg.PrimaryDSN != "" {
		p, err := durablelog.Connect(parentCtx, cfg.PrimaryDSN)
		if err != nil {
			obslog.Warnf("MAIN", "postgres unavailable, falling back to ndjson only: %v", err)
		} else {
			dl.Pool = p
		}
	}

	hb := durablelog.NewHeartbeatStore(cfg.StateFile)
	notifier := notify.NewWebhookNotifier(os.Getenv("WEBHOOK_URL"))
	symbols := loop.StaticSymbolSource{List: cfg.ProductIDs}

	l := loop.New(cfg, adapter, cache, rs, dl, hb, notifier, symbols)
	l.Rng = rand.New(rand.NewSource(time.Now().UnixNano() ^ 0x5a5a5a5a))

	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := startHTTPServer(hb)
	defer shutdownHTTPServer(srv)

	ticker := time.NewTicker(time.Duration(cfg.TradeIntervalSec) * time.Second)
	defer ticker.Stop()

	obslog.Infof("MAIN", "spotpilot started live=%v interval=%ds", live, cfg.TradeIntervalSec)
	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			obslog.Infof("MAIN", "shutdown signal received")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

func startHTTPServer(hb *durablelog.HeartbeatStore) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		js, err := hb.HealthJSON()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(js)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", healthPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
		}
	}()
	return srv
}

func shutdownHTTPServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
