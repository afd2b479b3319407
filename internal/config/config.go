// Package config defines all configuration for the collector.
//
// Every tunable is an environment variable (the deployment surface is a
// twelve-factor container), loaded through viper so a local .env file or a
// YAML file can provide the same keys. Only the store credentials are
// required; everything else has a default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Config is the top-level configuration, grouped by subsystem.
type Config struct {
	Store     StoreConfig
	Feeds     FeedsConfig
	Buffer    BufferConfig
	Aggregate AggregateConfig
	Windows   map[types.WindowType]WindowConfig
	Movement  MovementConfig
	Realtime  RealtimeConfig
	Finalize  FinalizeConfig
	Signal    SignalConfig
	News      NewsConfig
	LLM       LLMConfig
	Backfill  BackfillConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

// StoreConfig holds the table store endpoint and service key.
// Both are required; Validate fails fast when either is missing.
type StoreConfig struct {
	URL        string
	ServiceKey string
}

// FeedsConfig tunes source adapters and the subscription controller.
type FeedsConfig struct {
	PolymarketWSURL    string
	EventSlugs         []string // slug filter, comma-separated in env
	MetadataURL        string   // market → asset hydration endpoint
	BackfillURL        string   // optional trade backfill endpoint
	PollVenueURL       string   // optional REST venue polled alongside (or instead of) the socket
	StaleAfter         time.Duration
	StaleCheckEvery    time.Duration
	MaxCLOBAssets      int // assets per underlying socket shard
	MaxAssetsPerMarket int
	MoverWindow        time.Duration
	MoverRefresh       time.Duration
	DominantTTL        time.Duration
	MinRequestGap      time.Duration // polling adapters
	MaxBackoff         time.Duration
}

// BufferConfig tunes the batch trade writer, dedup cache, and disk spool.
type BufferConfig struct {
	MaxTrades        int
	FlushEvery       time.Duration
	DedupeTTL        time.Duration
	FailWindow       time.Duration // circuit breaker counting window
	FailThreshold    int           // consecutive flush failures to trip
	SpoolPath        string
	SpoolReplayEvery time.Duration
}

// AggregateConfig tunes the per-market aggregate buffer.
type AggregateConfig struct {
	FlushEvery time.Duration // adaptive starting point
	MinFlush   time.Duration
	MaxFlush   time.Duration
	MaxTrades  int // size-based flush
}

// WindowConfig holds per-window movement thresholds.
type WindowConfig struct {
	Duration        time.Duration
	PriceThreshold  float64 // |drift| or range to fire PRICE
	ThinThreshold   float64 // looser threshold applied to thin markets
	MinAbsMove      float64
	VolumeThreshold float64
	IDBucket        time.Duration // id divisor: one movement per bucket
	SettleDelay     time.Duration
}

// MovementConfig holds detector settings shared across windows.
type MovementConfig struct {
	MinGap            time.Duration // per-(market,outcome,window) compute cooldown
	MinStep           float64
	VelocityThreshold float64
	MinPriceForAlert  float64
	EventMinChildren  int
	EventWindows      []types.WindowType
}

// RealtimeConfig tunes the per-asset EMA/breakout detector.
type RealtimeConfig struct {
	MaxSpreadPct   float64
	MinTopSize     float64
	MinUpdate      time.Duration
	MinStep        float64
	PersistTicks   int
	PersistFor     time.Duration
	EventCooldown  time.Duration
	BreakoutPct    float64
	EMAFastTau     time.Duration
	EMASlowTau     time.Duration
	EMAGapPct      float64
	EMAMinPct      float64
	EMAConfirm     int
	EMADirCooldown time.Duration
	TradeConfirm   time.Duration
	EvictIdle      time.Duration
}

// FinalizeConfig tunes the settled re-scoring worker.
type FinalizeConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// SignalConfig tunes scoring and classification.
type SignalConfig struct {
	MinConfidence     float64
	LiquidityOverride float64
	MinInfoTrades     int
	MinInfoLevels     int
	TimeHorizon       time.Duration // TIME_SCORE_HORIZON_HOURS
	TimeScoreCache    time.Duration
}

// NewsConfig holds the news provider endpoint and key. An empty key
// disables news scoring (scores degrade to zero).
type NewsConfig struct {
	APIKey  string
	BaseURL string
}

// LLMConfig holds the language-model endpoint used for search keywords,
// entity extraction, and narrative explanations. Optional; templates and
// vocabulary matching cover the fallback path.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// BackfillConfig tunes gap-filling of silent slugs from the REST history
// endpoint.
type BackfillConfig struct {
	Interval         time.Duration
	Lookback         time.Duration
	SilenceThreshold time.Duration
	MaxTradesPerSlug int
}

// ServerConfig controls the live stream HTTP server.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	StaleThreshold int // consecutive empty polls before slug re-resolution
}

type LoggingConfig struct {
	Level         string
	Format        string
	File          string
	TradeGrouped  bool
	TradeGroupFor time.Duration
	MidTicks      bool
	Retries       bool
	EventSlugs    bool
	TradeDebug    bool
}

// Load reads configuration from the environment (plus an optional .env
// file) with defaults for everything except the store credentials.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}

	cfg := &Config{
		Store: StoreConfig{
			URL:        v.GetString("SUPABASE_URL"),
			ServiceKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),
		},
		Feeds: FeedsConfig{
			PolymarketWSURL:    v.GetString("POLYMARKET_WS_URL"),
			EventSlugs:         splitCSV(v.GetString("POLYMARKET_EVENT_SLUGS")),
			MetadataURL:        v.GetString("POLYMARKET_MARKET_METADATA_URL"),
			BackfillURL:        v.GetString("POLYMARKET_TRADES_BACKFILL_URL"),
			PollVenueURL:       v.GetString("POLL_VENUE_URL"),
			StaleAfter:         ms("WS_STALE_MS"),
			StaleCheckEvery:    ms("WS_STALE_CHECK_MS"),
			MaxCLOBAssets:      v.GetInt("MAX_CLOB_ASSETS"),
			MaxAssetsPerMarket: v.GetInt("MAX_ASSETS_PER_MARKET"),
			MoverWindow:        ms("MOVER_WINDOW_MS"),
			MoverRefresh:       ms("MOVER_REFRESH_MS"),
			DominantTTL:        ms("DOMINANT_OUTCOME_TTL_MS"),
			MinRequestGap:      ms("MIN_REQUEST_GAP_MS"),
			MaxBackoff:         ms("MAX_BACKOFF_MS"),
		},
		Buffer: BufferConfig{
			MaxTrades:        v.GetInt("TRADE_BUFFER_MAX"),
			FlushEvery:       ms("TRADE_BUFFER_FLUSH_MS"),
			DedupeTTL:        ms("TRADE_DEDUPE_TTL_MS"),
			FailWindow:       ms("INSERT_FAIL_WINDOW_MS"),
			FailThreshold:    v.GetInt("INSERT_FAIL_THRESHOLD"),
			SpoolPath:        v.GetString("SPOOL_PATH"),
			SpoolReplayEvery: ms("SPOOL_REPLAY_MS"),
		},
		Aggregate: AggregateConfig{
			FlushEvery: ms("AGGREGATE_FLUSH_MS"),
			MinFlush:   ms("AGGREGATE_MIN_FLUSH_MS"),
			MaxFlush:   ms("AGGREGATE_MAX_FLUSH_MS"),
			MaxTrades:  v.GetInt("AGGREGATE_MAX_TRADES"),
		},
		Windows: loadWindows(v),
		Movement: MovementConfig{
			MinGap:            ms("MOVEMENT_MIN_MS"),
			MinStep:           v.GetFloat64("MOVEMENT_MIN_STEP"),
			VelocityThreshold: v.GetFloat64("MOVEMENT_VELOCITY_THRESHOLD"),
			MinPriceForAlert:  v.GetFloat64("MOVEMENT_MIN_PRICE_FOR_ALERT"),
			EventMinChildren:  v.GetInt("EVENT_MIN_CHILD_MARKETS"),
			EventWindows:      []types.WindowType{types.Window1h, types.Window4h},
		},
		Realtime: RealtimeConfig{
			MaxSpreadPct:   v.GetFloat64("MOVEMENT_RT_MAX_SPREAD_PCT"),
			MinTopSize:     v.GetFloat64("MOVEMENT_RT_MIN_TOP_SIZE"),
			MinUpdate:      ms("MOVEMENT_RT_MIN_UPDATE_MS"),
			MinStep:        v.GetFloat64("MOVEMENT_RT_MIN_STEP"),
			PersistTicks:   v.GetInt("MOVEMENT_RT_PERSIST_TICKS"),
			PersistFor:     ms("MOVEMENT_RT_PERSIST_MS"),
			EventCooldown:  ms("MOVEMENT_RT_EVENT_COOLDOWN_MS"),
			BreakoutPct:    v.GetFloat64("MOVEMENT_RT_BREAKOUT_PCT"),
			EMAFastTau:     ms("MOVEMENT_RT_EMA_FAST_TAU_MS"),
			EMASlowTau:     ms("MOVEMENT_RT_EMA_SLOW_TAU_MS"),
			EMAGapPct:      v.GetFloat64("MOVEMENT_RT_EMA_GAP_PCT"),
			EMAMinPct:      v.GetFloat64("MOVEMENT_RT_EMA_MIN_PCT"),
			EMAConfirm:     v.GetInt("MOVEMENT_RT_EMA_CONFIRM_TICKS"),
			EMADirCooldown: ms("MOVEMENT_RT_EMA_DIR_COOLDOWN_MS"),
			TradeConfirm:   ms("MOVEMENT_RT_TRADE_CONFIRM_MS"),
			EvictIdle:      ms("MOVEMENT_RT_EVICT_IDLE_MS"),
		},
		Finalize: FinalizeConfig{
			PollEvery: ms("FINALIZE_POLL_MS"),
			BatchSize: v.GetInt("FINALIZE_BATCH_SIZE"),
		},
		Signal: SignalConfig{
			MinConfidence:     v.GetFloat64("SIGNAL_MIN_CONFIDENCE"),
			LiquidityOverride: v.GetFloat64("LIQUIDITY_OVERRIDE"),
			MinInfoTrades:     v.GetInt("MIN_INFO_TRADES"),
			MinInfoLevels:     v.GetInt("MIN_INFO_LEVELS"),
			TimeHorizon:       time.Duration(v.GetInt("TIME_SCORE_HORIZON_HOURS")) * time.Hour,
			TimeScoreCache:    ms("TIME_SCORE_CACHE_MS"),
		},
		News: NewsConfig{
			APIKey:  v.GetString("NEWSAPI_KEY"),
			BaseURL: v.GetString("NEWSAPI_BASE_URL"),
		},
		LLM: LLMConfig{
			APIKey:  v.GetString("LLM_API_KEY"),
			BaseURL: v.GetString("LLM_BASE_URL"),
			Model:   v.GetString("LLM_MODEL"),
		},
		Backfill: BackfillConfig{
			Interval:         ms("BACKFILL_INTERVAL_MS"),
			Lookback:         ms("BACKFILL_LOOKBACK_MS"),
			SilenceThreshold: ms("BACKFILL_SILENCE_MS"),
			MaxTradesPerSlug: v.GetInt("MAX_BACKFILL_TRADES_PER_SLUG"),
		},
		Server: ServerConfig{
			Port:           v.GetInt("PORT"),
			AllowedOrigins: splitCSV(v.GetString("ALLOWED_ORIGINS")),
			StaleThreshold: v.GetInt("STREAM_STALE_THRESHOLD"),
		},
		Logging: LoggingConfig{
			Level:         v.GetString("LOG_LEVEL"),
			Format:        v.GetString("LOG_FORMAT"),
			File:          v.GetString("LOG_FILE"),
			TradeGrouped:  v.GetBool("LOG_TRADE_GROUPED"),
			TradeGroupFor: ms("TRADE_LOG_GROUP_MS"),
			MidTicks:      v.GetBool("LOG_MID"),
			Retries:       v.GetBool("LOG_RETRY"),
			EventSlugs:    v.GetBool("LOG_EVENT_SLUGS"),
			TradeDebug:    v.GetBool("LOG_TRADE_DEBUG"),
		},
	}

	return cfg, nil
}

// Validate checks required fields. Store credentials are the only hard
// requirement; a collector with no feed URL can still serve the stream.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.Store.ServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required")
	}
	if c.Buffer.MaxTrades <= 0 {
		return fmt.Errorf("TRADE_BUFFER_MAX must be > 0")
	}
	if c.Buffer.FailThreshold <= 0 {
		return fmt.Errorf("INSERT_FAIL_THRESHOLD must be > 0")
	}
	if c.Finalize.BatchSize <= 0 {
		return fmt.Errorf("FINALIZE_BATCH_SIZE must be > 0")
	}
	if c.Signal.MinConfidence < 0 || c.Signal.MinConfidence > 1 {
		return fmt.Errorf("SIGNAL_MIN_CONFIDENCE must be in [0,1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Feeds
	v.SetDefault("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("POLYMARKET_MARKET_METADATA_URL", "https://gamma-api.polymarket.com")
	v.SetDefault("WS_STALE_MS", 60_000)
	v.SetDefault("WS_STALE_CHECK_MS", 10_000)
	v.SetDefault("MAX_CLOB_ASSETS", 400)
	v.SetDefault("MAX_ASSETS_PER_MARKET", 4)
	v.SetDefault("MOVER_WINDOW_MS", 3_600_000)
	v.SetDefault("MOVER_REFRESH_MS", 60_000)
	v.SetDefault("DOMINANT_OUTCOME_TTL_MS", 120_000)
	v.SetDefault("MIN_REQUEST_GAP_MS", 1_500)
	v.SetDefault("MAX_BACKOFF_MS", 60_000)

	// Trade buffer, dedup, spool
	v.SetDefault("TRADE_BUFFER_MAX", 200)
	v.SetDefault("TRADE_BUFFER_FLUSH_MS", 1_000)
	v.SetDefault("TRADE_DEDUPE_TTL_MS", 600_000)
	v.SetDefault("INSERT_FAIL_WINDOW_MS", 30_000)
	v.SetDefault("INSERT_FAIL_THRESHOLD", 3)
	v.SetDefault("SPOOL_PATH", "data/trade-spool.jsonl")
	v.SetDefault("SPOOL_REPLAY_MS", 15_000)

	// Aggregates
	v.SetDefault("AGGREGATE_FLUSH_MS", 5_000)
	v.SetDefault("AGGREGATE_MIN_FLUSH_MS", 1_000)
	v.SetDefault("AGGREGATE_MAX_FLUSH_MS", 30_000)
	v.SetDefault("AGGREGATE_MAX_TRADES", 50)

	// Windowed movement detection
	v.SetDefault("MOVEMENT_MIN_MS", 1_500)
	v.SetDefault("MOVEMENT_MIN_STEP", 0.001)
	v.SetDefault("MOVEMENT_VELOCITY_THRESHOLD", 0.01)
	v.SetDefault("MOVEMENT_MIN_PRICE_FOR_ALERT", 0.02)
	v.SetDefault("EVENT_MIN_CHILD_MARKETS", 3)

	v.SetDefault("MOVEMENT_5M_PRICE_THRESHOLD", 0.06)
	v.SetDefault("MOVEMENT_5M_THIN_THRESHOLD", 0.10)
	v.SetDefault("MOVEMENT_5M_MIN_ABS", 0.02)
	v.SetDefault("MOVEMENT_5M_VOLUME_THRESHOLD", 2.0)
	v.SetDefault("MOVEMENT_15M_PRICE_THRESHOLD", 0.08)
	v.SetDefault("MOVEMENT_15M_THIN_THRESHOLD", 0.12)
	v.SetDefault("MOVEMENT_15M_MIN_ABS", 0.03)
	v.SetDefault("MOVEMENT_15M_VOLUME_THRESHOLD", 2.5)
	v.SetDefault("MOVEMENT_1H_PRICE_THRESHOLD", 0.10)
	v.SetDefault("MOVEMENT_1H_THIN_THRESHOLD", 0.15)
	v.SetDefault("MOVEMENT_1H_MIN_ABS", 0.04)
	v.SetDefault("MOVEMENT_1H_VOLUME_THRESHOLD", 3.0)
	v.SetDefault("MOVEMENT_4H_PRICE_THRESHOLD", 0.12)
	v.SetDefault("MOVEMENT_4H_THIN_THRESHOLD", 0.18)
	v.SetDefault("MOVEMENT_4H_MIN_ABS", 0.05)
	v.SetDefault("MOVEMENT_4H_VOLUME_THRESHOLD", 3.5)

	// Real-time detector
	v.SetDefault("MOVEMENT_RT_MAX_SPREAD_PCT", 0.10)
	v.SetDefault("MOVEMENT_RT_MIN_TOP_SIZE", 10.0)
	v.SetDefault("MOVEMENT_RT_MIN_UPDATE_MS", 500)
	v.SetDefault("MOVEMENT_RT_MIN_STEP", 0.002)
	v.SetDefault("MOVEMENT_RT_PERSIST_TICKS", 3)
	v.SetDefault("MOVEMENT_RT_PERSIST_MS", 2_000)
	v.SetDefault("MOVEMENT_RT_EVENT_COOLDOWN_MS", 300_000)
	v.SetDefault("MOVEMENT_RT_BREAKOUT_PCT", 0.03)
	v.SetDefault("MOVEMENT_RT_EMA_FAST_TAU_MS", 60_000)
	v.SetDefault("MOVEMENT_RT_EMA_SLOW_TAU_MS", 300_000)
	v.SetDefault("MOVEMENT_RT_EMA_GAP_PCT", 0.004)
	v.SetDefault("MOVEMENT_RT_EMA_MIN_PCT", 0.01)
	v.SetDefault("MOVEMENT_RT_EMA_CONFIRM_TICKS", 3)
	v.SetDefault("MOVEMENT_RT_EMA_DIR_COOLDOWN_MS", 600_000)
	v.SetDefault("MOVEMENT_RT_TRADE_CONFIRM_MS", 120_000)
	v.SetDefault("MOVEMENT_RT_EVICT_IDLE_MS", 1_800_000)

	// Finalize worker
	v.SetDefault("FINALIZE_POLL_MS", 30_000)
	v.SetDefault("FINALIZE_BATCH_SIZE", 10)

	// Signal scoring
	v.SetDefault("SIGNAL_MIN_CONFIDENCE", 0.25)
	v.SetDefault("LIQUIDITY_OVERRIDE", 0.60)
	v.SetDefault("MIN_INFO_TRADES", 50)
	v.SetDefault("MIN_INFO_LEVELS", 8)
	v.SetDefault("TIME_SCORE_HORIZON_HOURS", 72)
	v.SetDefault("TIME_SCORE_CACHE_MS", 300_000)

	// News
	v.SetDefault("NEWSAPI_BASE_URL", "https://newsapi.org/v2")

	// LLM
	v.SetDefault("LLM_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")

	// Backfill
	v.SetDefault("BACKFILL_INTERVAL_MS", 300_000)
	v.SetDefault("BACKFILL_LOOKBACK_MS", 3_600_000)
	v.SetDefault("BACKFILL_SILENCE_MS", 600_000)
	v.SetDefault("MAX_BACKFILL_TRADES_PER_SLUG", 200)

	// Server
	v.SetDefault("PORT", 8090)
	v.SetDefault("STREAM_STALE_THRESHOLD", 90)

	// Logging
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("TRADE_LOG_GROUP_MS", 5_000)
}

// loadWindows builds the per-window threshold table. The four fixed windows
// carry their own env keys; the event path reuses the 1h/4h entries with a
// wider id bucket.
func loadWindows(v *viper.Viper) map[types.WindowType]WindowConfig {
	get := func(win string) (p, t, a, vol float64) {
		prefix := "MOVEMENT_" + strings.ToUpper(win) + "_"
		return v.GetFloat64(prefix + "PRICE_THRESHOLD"),
			v.GetFloat64(prefix + "THIN_THRESHOLD"),
			v.GetFloat64(prefix + "MIN_ABS"),
			v.GetFloat64(prefix + "VOLUME_THRESHOLD")
	}

	out := make(map[types.WindowType]WindowConfig, 4)
	for _, w := range []struct {
		win     types.WindowType
		bucket  time.Duration
		settle  time.Duration
	}{
		{types.Window5m, 30 * time.Minute, 5 * time.Minute},
		{types.Window15m, time.Hour, 15 * time.Minute},
		{types.Window1h, 2 * time.Hour, 30 * time.Minute},
		{types.Window4h, 6 * time.Hour, time.Hour},
	} {
		p, t, a, vol := get(string(w.win))
		out[w.win] = WindowConfig{
			Duration:        w.win.Duration(),
			PriceThreshold:  p,
			ThinThreshold:   t,
			MinAbsMove:      a,
			VolumeThreshold: vol,
			IDBucket:        w.bucket,
			SettleDelay:     w.settle,
		}
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
