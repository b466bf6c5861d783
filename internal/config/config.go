// Package config loads the bot's single configuration object: an
// optional .env file via godotenv, then the process environment, then
// an optional on-disk JSON overlay -- the three-layer load order the
// teacher's loadConfigFromEnv used for just env vars, extended per
// SPEC_FULL.md's configuration categories.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ExecutionMode is the order-submission strategy.
type ExecutionMode string

const (
	ExecMarketOnly   ExecutionMode = "MARKET_ONLY"
	ExecBracket      ExecutionMode = "BRACKET"
	ExecLimitBracket ExecutionMode = "LIMIT_BRACKET"
)

// Indicators holds periods and multipliers for the indicator library
// and the regime detector's thresholds.
type Indicators struct {
	SMAFast, SMASlow   int
	RSIPeriod          int
	ATRPeriod          int
	ADXPeriod          int
	BBPeriod           int
	BBStdDev           float64
	AdxThreshold       float64
	MinADX             float64
	MinVolatilityPct   float64
	AtrSpikeMultiplier float64
	BreakoutMarginATR  float64
	VolumeSpikeMult    float64
	MaxRangeWidthPct   float64
	MinVolume          float64
}

// Risk holds the risk-gate's budget parameters.
type Risk struct {
	RiskPerTradePct    float64
	MaxActiveRiskPct   float64
	MaxPositionUSD     float64
	MaxTradesPerDay    int
	MaxTradesPerSymbol int
	MaxDailyLossUSD    float64
	MinRiskReward      float64
	EnableShorts       bool
	MaxLeverage        float64 // hard-capped to 2.0 at load time
	MaxMarginExposurePct float64
	FeeRatePct         float64
	FeeGateSafetyMult  float64
}

// Execution holds order-submission behavior.
type Execution struct {
	Mode         ExecutionMode
	LimitOffsetBps float64
	TimeoutSec   int
	Retries      int
}

// Features toggles optional subsystems; all default on to match the
// teacher's "everything runs unless explicitly disabled" posture,
// except CryptoUniverse, which defaults off.
type Features struct {
	ProfitTarget    bool
	APIWatchdog     bool
	MultiTimeframe  bool
	CryptoUniverse  bool
	Backtest        bool
}

// Config is the single object loaded at process start.
type Config struct {
	ProductIDs   []string
	Whitelist    []string
	Blacklist    []string
	Granularity  string // primary timeframe, e.g. "5m"
	HTFTimeframes []string

	TradeIntervalSec      int
	MaxConcurrentSymbols  int
	AdapterTimeoutSec     int

	DryRun bool

	Indicators Indicators
	Risk       Risk
	Execution  Execution
	Features   Features

	ProfitTargetPctMin float64
	ProfitTargetPctMax float64
	ProfitPauseHours   float64

	GlobalPauseHours float64

	USDEquity float64

	PrimaryDSN   string // pgx connection string
	RedisAddr    string
	DataDir      string
	StateFile    string

	ConfigVersion string
}

func getEnv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getEnvFloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvList(k string, def []string) []string {
	v, ok := os.LookupEnv(k)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads .env (if present), the process environment, and an
// optional JSON overlay file named by SPOTPILOT_CONFIG_JSON, in that
// order -- each layer overriding the previous one.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		ProductIDs:           getEnvList("PRODUCT_IDS", []string{"BTC/USD"}),
		Whitelist:            getEnvList("SYMBOL_WHITELIST", nil),
		Blacklist:            getEnvList("SYMBOL_BLACKLIST", nil),
		Granularity:          getEnv("GRANULARITY", "5m"),
		HTFTimeframes:        getEnvList("HTF_TIMEFRAMES", []string{"15m", "1h"}),
		TradeIntervalSec:     getEnvInt("TRADE_INTERVAL_SEC", 60),
		MaxConcurrentSymbols: getEnvInt("MAX_CONCURRENT_SYMBOLS", 4),
		AdapterTimeoutSec:    getEnvInt("ADAPTER_TIMEOUT_SEC", 10),
		DryRun:               getEnvBool("DRY_RUN", true),
		Indicators: Indicators{
			SMAFast:            getEnvInt("SMA_FAST", 20),
			SMASlow:            getEnvInt("SMA_SLOW", 50),
			RSIPeriod:          getEnvInt("RSI_PERIOD", 14),
			ATRPeriod:          getEnvInt("ATR_PERIOD", 14),
			ADXPeriod:          getEnvInt("ADX_PERIOD", 14),
			BBPeriod:           getEnvInt("BB_PERIOD", 20),
			BBStdDev:           getEnvFloat("BB_STD_DEV", 2.0),
			AdxThreshold:       getEnvFloat("ADX_THRESHOLD", 25.0),
			MinADX:             getEnvFloat("MIN_ADX", 15.0),
			MinVolatilityPct:   getEnvFloat("MIN_VOLATILITY_PCT", 0.05),
			AtrSpikeMultiplier: getEnvFloat("ATR_SPIKE_MULTIPLIER", 1.8),
			BreakoutMarginATR:  getEnvFloat("BREAKOUT_MARGIN_ATR", 0.1),
			VolumeSpikeMult:    getEnvFloat("VOLUME_SPIKE_MULTIPLIER", 1.5),
			MaxRangeWidthPct:   getEnvFloat("MAX_RANGE_WIDTH_PCT", 4.0),
			MinVolume:          getEnvFloat("MIN_VOLUME", 0),
		},
		Risk: Risk{
			RiskPerTradePct:      getEnvFloat("RISK_PER_TRADE_PCT", 2.0),
			MaxActiveRiskPct:     getEnvFloat("MAX_ACTIVE_RISK_PCT", 6.0),
			MaxPositionUSD:       getEnvFloat("MAX_POSITION_USD", 500.0),
			MaxTradesPerDay:      getEnvInt("MAX_TRADES_PER_DAY", 30),
			MaxTradesPerSymbol:   getEnvInt("MAX_TRADES_PER_SYMBOL", 10),
			MaxDailyLossUSD:      getEnvFloat("MAX_DAILY_LOSS_USD", 50.0),
			MinRiskReward:        getEnvFloat("MIN_RISK_REWARD", 1.3),
			EnableShorts:         getEnvBool("ENABLE_SHORTS", false),
			MaxLeverage:          getEnvFloat("MAX_LEVERAGE", 1.0),
			MaxMarginExposurePct: getEnvFloat("MAX_MARGIN_EXPOSURE_PCT", 0),
			FeeRatePct:           getEnvFloat("FEE_RATE_PCT", 0.26),
			FeeGateSafetyMult:    getEnvFloat("FEE_GATE_SAFETY_MULT", 1.5),
		},
		Execution: Execution{
			Mode:           ExecutionMode(getEnv("EXECUTION_MODE", string(ExecBracket))),
			LimitOffsetBps: getEnvFloat("LIMIT_OFFSET_BPS", 2.0),
			TimeoutSec:     getEnvInt("EXECUTION_TIMEOUT_SEC", 20),
			Retries:        getEnvInt("EXECUTION_RETRIES", 3),
		},
		Features: Features{
			ProfitTarget:   getEnvBool("FEATURE_PROFIT_TARGET", true),
			APIWatchdog:    getEnvBool("FEATURE_API_WATCHDOG", true),
			MultiTimeframe: getEnvBool("FEATURE_MULTI_TIMEFRAME", true),
			CryptoUniverse: getEnvBool("FEATURE_CRYPTO_UNIVERSE", false),
			Backtest:       getEnvBool("FEATURE_BACKTEST", true),
		},
		ProfitTargetPctMin: getEnvFloat("PROFIT_TARGET_PCT_MIN", 0.035) / 100,
		ProfitTargetPctMax: getEnvFloat("PROFIT_TARGET_PCT_MAX", 0.038) / 100,
		ProfitPauseHours:   getEnvFloat("PROFIT_PAUSE_HOURS", 6.0),
		GlobalPauseHours:   getEnvFloat("GLOBAL_PAUSE_HOURS", 6.0),
		USDEquity:          getEnvFloat("USD_EQUITY", 1000.0),
		PrimaryDSN:         getEnv("PRIMARY_DSN", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		DataDir:            getEnv("DATA_DIR", "data"),
		StateFile:          getEnv("STATE_FILE", "data/meta/heartbeat.msgpack"),
		ConfigVersion:      getEnv("CONFIG_VERSION", "dev"),
	}

	if err := applyJSONOverlay(cfg); err != nil {
		return nil, err
	}

	// Hard invariant: max_leverage <= 2.0 regardless of input (spec §6, §8 property 5).
	if cfg.Risk.MaxLeverage > 2.0 {
		cfg.Risk.MaxLeverage = 2.0
	}
	if cfg.Risk.MaxLeverage <= 0 {
		cfg.Risk.MaxLeverage = 1.0
	}

	return cfg, nil
}

func applyJSONOverlay(cfg *Config) error {
	path := os.Getenv("SPOTPILOT_CONFIG_JSON")
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config overlay: %w", err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config overlay: %w", err)
	}
	return nil
}
