// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector — normalized
// trades and top-of-book ticks, per-market aggregates, detected movements,
// signal scores, and the enums they share. JSON tags match the column names
// of the backing table store, so a struct can be posted to the REST surface
// as-is. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// WindowType identifies a movement detection window.
type WindowType string

const (
	Window5m    WindowType = "5m"
	Window15m   WindowType = "15m"
	Window1h    WindowType = "1h"
	Window4h    WindowType = "4h"
	WindowEvent WindowType = "event"
)

// NormalizeWindowType maps legacy window vocabulary onto the canonical set.
// The old "24h" rows predate per-window detection and are treated as event
// windows on read; canonical values pass through unchanged.
func NormalizeWindowType(s string) WindowType {
	switch WindowType(s) {
	case Window5m, Window15m, Window1h, Window4h, WindowEvent:
		return WindowType(s)
	case "24h":
		return WindowEvent
	default:
		return WindowEvent
	}
}

// Duration returns the span of the detection window. Event windows have no
// single fixed span; they report the 1h duration used as their default scan.
func (w WindowType) Duration() time.Duration {
	switch w {
	case Window5m:
		return 5 * time.Minute
	case Window15m:
		return 15 * time.Minute
	case Window1h:
		return time.Hour
	case Window4h:
		return 4 * time.Hour
	default:
		return time.Hour
	}
}

// Reason classifies why a movement fired.
type Reason string

const (
	ReasonPrice    Reason = "PRICE"
	ReasonVolume   Reason = "VOLUME"
	ReasonBoth     Reason = "BOTH"
	ReasonVelocity Reason = "VELOCITY"
)

// MovementStatus tracks the movement lifecycle. The only legal transition
// is OPEN → FINAL.
type MovementStatus string

const (
	StatusOpen  MovementStatus = "OPEN"
	StatusFinal MovementStatus = "FINAL"
)

// Classification labels the dominant driver of a scored signal.
type Classification string

const (
	ClassCapital   Classification = "CAPITAL"
	ClassInfo      Classification = "INFO"
	ClassVelocity  Classification = "VELOCITY"
	ClassLiquidity Classification = "LIQUIDITY"
	ClassNews      Classification = "NEWS"
	ClassTime      Classification = "TIME"
)

// ————————————————————————————————————————————————————————————————————————
// Normalized market data
// ————————————————————————————————————————————————————————————————————————

// Trade is a venue-agnostic trade. Every source adapter produces this shape;
// nothing downstream knows which venue a trade came from beyond the Raw blob.
//
// ID is deterministic: venue transaction hash + asset when available, else
// "market:asset:ts". Once persisted a trade is immutable.
type Trade struct {
	ID           string          `json:"id"`
	Market       string          `json:"market_id"`
	Asset        string          `json:"asset_id"`
	Outcome      string          `json:"outcome"`
	OutcomeIndex int             `json:"outcome_index"`
	Price        float64         `json:"price"` // [0,1] probability
	Size         float64         `json:"size"`  // ≥ 0
	Side         Side            `json:"side"`
	Timestamp    time.Time       `json:"ts"`
	Slug         string          `json:"event_slug,omitempty"`
	Title        string          `json:"title,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// FallbackID builds the id used when the venue provides no transaction hash.
func FallbackID(market, asset string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", market, asset, ts.UnixMilli())
}

// Tick is a top-of-book snapshot for one (market, asset). Crossed books and
// spreads over 30% never make it into this type — adapters drop them during
// normalization.
type Tick struct {
	Market      string    `json:"market_id"`
	Asset       string    `json:"asset_id"`
	Outcome     string    `json:"outcome"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Mid         float64   `json:"mid"`
	Spread      float64   `json:"spread"`
	SpreadPct   float64   `json:"spread_pct"`
	BestBidSize float64   `json:"best_bid_size"`
	BestAskSize float64   `json:"best_ask_size"`
	Timestamp   time.Time `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Derived artifacts
// ————————————————————————————————————————————————————————————————————————

// Aggregate is the running per-market summary. Counts and volumes are
// additive across merges, min/max are monotone, and the average is
// recomputed as (old_avg·old_n + Σ sizes) / new_n.
type Aggregate struct {
	Market       string    `json:"market_id"`
	TradeCount   int64     `json:"trade_count"`
	TotalVolume  float64   `json:"total_volume"`
	BuyVolume    float64   `json:"buy_volume"`
	SellVolume   float64   `json:"sell_volume"`
	AvgTradeSize float64   `json:"avg_trade_size"`
	FirstPrice   float64   `json:"first_price"`
	LastPrice    float64   `json:"last_price"`
	MinPrice     float64   `json:"min_price"`
	MaxPrice     float64   `json:"max_price"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Movement is a detected window-level anomaly on (market, outcome, window).
// ID is "market:outcome:window:bucket" so repeated scans of the same bucket
// are idempotent inserts.
type Movement struct {
	ID            string         `json:"id"`
	Market        string         `json:"market_id"`
	Outcome       string         `json:"outcome"`
	WindowType    WindowType     `json:"window_type"`
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	StartPrice    float64        `json:"start_price"`
	EndPrice      float64        `json:"end_price"`
	MinPrice      float64        `json:"min_price"`
	MaxPrice      float64        `json:"max_price"`
	PctChange     float64        `json:"pct_change"`
	RangePct      float64        `json:"range_pct"`
	WindowVolume  float64        `json:"window_volume"`
	VolumeRatio   float64        `json:"volume_ratio"`
	HourlyRatio   float64        `json:"hourly_ratio"`
	TradesCount   int            `json:"trades_count"`
	PriceLevels   int            `json:"price_levels"`
	AvgTradeSize  float64        `json:"avg_trade_size"`
	Velocity      float64        `json:"velocity"` // |drift| / sqrt(window minutes)
	Reason        Reason         `json:"reason"`
	ThinLiquidity bool           `json:"thin_liquidity"`
	Status        MovementStatus `json:"status"`
	FinalizeAt    time.Time      `json:"finalize_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MovementID builds the bucketed idempotency key for a movement row.
func MovementID(market, outcome string, window WindowType, nowMs, divisorMs int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", market, outcome, window, nowMs/divisorMs)
}

// Explanation is the narrative attached to a movement, produced either by
// the language model or by a deterministic template.
type Explanation struct {
	MovementID string    `json:"movement_id"`
	Text       string    `json:"text"`
	Source     string    `json:"source"` // "ai" or "template"
	CreatedAt  time.Time `json:"created_at"`
}

// SignalScore is the scored classification of a movement. Written only when
// the adjusted confidence clears the configured minimum; never rewritten.
type SignalScore struct {
	MovementID     string         `json:"movement_id"`
	CapitalScore   float64        `json:"capital_score"`
	InfoScore      float64        `json:"info_score"`
	TimeScore      float64        `json:"time_score"`
	NewsScore      float64        `json:"news_score"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"` // [0,1], post-adjustment
	CreatedAt      time.Time      `json:"created_at"`
}

// DominantOutcome records which outcome of a market carries the recent flow.
type DominantOutcome struct {
	Market    string    `json:"market_id"`
	Outcome   string    `json:"outcome"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketResolution holds the (optional) scheduled end and settlement state
// of a market; it drives the time component of signal scoring.
type MarketResolution struct {
	Market     string    `json:"market_id"`
	EndTime    time.Time `json:"end_time"`
	ResolvedAt time.Time `json:"resolved_at"`
	Resolved   bool      `json:"resolved"`
	Status     string    `json:"status"`
}

// TrackedSlug marks the slug a viewer is currently following. At most one
// row is active at a time.
type TrackedSlug struct {
	Slug      string    `json:"slug"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clamp01 bounds v to [0,1]. Scoring math uses it everywhere.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
