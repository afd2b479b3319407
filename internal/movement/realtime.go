// Package movement holds the three detectors that turn the normalized feed
// into persisted movement rows: a real-time per-asset detector (EMA cross
// and breakout on ticks), a windowed per-trade detector (5m/15m/1h/4h), and
// an event-level detector that aggregates the child markets of a slug. The
// finalize worker re-scores OPEN movements once their settle delay passes.
package movement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

const bucketCount = 60 // one-minute OHLC ring

// RealtimeEvent is the persisted row for a real-time detection. Unlike
// windowed movements these are fire-and-forget: no finalize cycle.
type RealtimeEvent struct {
	ID        string    `json:"id"`
	Market    string    `json:"market_id"`
	Asset     string    `json:"asset_id"`
	Outcome   string    `json:"outcome"`
	EventType string    `json:"event_type"` // breakout_up/down, ema_cross_up/down
	Price     float64   `json:"price"`
	EMAFast   float64   `json:"ema_fast"`
	EMASlow   float64   `json:"ema_slow"`
	Timestamp time.Time `json:"ts"`
}

// EventStore is the store slice the realtime detector writes through.
type EventStore interface {
	Insert(ctx context.Context, table string, rows any) error
}

type ohlcBucket struct {
	minute                 int64
	open, high, low, close float64
}

type assetState struct {
	market  string
	outcome string

	lastPrice float64
	lastAt    time.Time

	emaFast float64
	emaSlow float64
	emaSet  bool

	buckets [bucketCount]ohlcBucket

	// Stability gate: the price must sit still before rules may fire.
	pendingPrice float64
	pendingCount int
	pendingSince time.Time

	// EMA cross bookkeeping.
	dir        int // +1 fast above slow, -1 below
	dirPending int
	lastFlip   time.Time

	lastTradeAt time.Time
	lastEvent   map[string]time.Time // event type → last fire
}

// RealtimeDetector watches the tick stream per asset and emits breakout and
// EMA-cross events. Quote-only moves are suppressed: every emission needs a
// recent trade on the same asset.
type RealtimeDetector struct {
	cfg    config.RealtimeConfig
	store  EventStore
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*assetState
	now    func() time.Time
}

// NewRealtimeDetector creates the detector.
func NewRealtimeDetector(cfg config.RealtimeConfig, st EventStore, logger *slog.Logger) *RealtimeDetector {
	return &RealtimeDetector{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "realtime"),
		states: make(map[string]*assetState),
		now:    time.Now,
	}
}

// OnTrade marks trade activity; ticks arriving without nearby trades never
// fire events.
func (d *RealtimeDetector) OnTrade(tr types.Trade) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[tr.Asset]
	if !ok {
		st = newAssetState(tr.Market, tr.Outcome)
		d.states[tr.Asset] = st
	}
	if tr.Timestamp.After(st.lastTradeAt) {
		st.lastTradeAt = tr.Timestamp
	}
}

// OnTick runs the full detection pipeline for one tick.
func (d *RealtimeDetector) OnTick(ctx context.Context, tk types.Tick) {
	if tk.SpreadPct > d.cfg.MaxSpreadPct {
		return
	}
	if tk.BestBidSize < d.cfg.MinTopSize && tk.BestAskSize < d.cfg.MinTopSize {
		return
	}

	d.mu.Lock()
	st, ok := d.states[tk.Asset]
	if !ok {
		st = newAssetState(tk.Market, tk.Outcome)
		d.states[tk.Asset] = st
	}

	price := tk.Mid
	ts := tk.Timestamp

	if st.lastAt.IsZero() {
		st.seed(price, ts)
		d.mu.Unlock()
		return
	}
	dt := ts.Sub(st.lastAt)
	if dt < d.cfg.MinUpdate {
		d.mu.Unlock()
		return
	}
	if math.Abs(price-st.lastPrice) < d.cfg.MinStep {
		st.lastAt = ts
		d.mu.Unlock()
		return
	}

	st.updateEMAs(price, dt, d.cfg.EMAFastTau, d.cfg.EMASlowTau)
	st.updateBucket(price, ts)

	// Stability gate.
	if math.Abs(price-st.pendingPrice) <= d.cfg.MinStep {
		st.pendingCount++
	} else {
		st.pendingPrice = price
		st.pendingCount = 1
		st.pendingSince = ts
	}
	stable := st.pendingCount >= d.cfg.PersistTicks ||
		(!st.pendingSince.IsZero() && ts.Sub(st.pendingSince) >= d.cfg.PersistFor)

	var events []RealtimeEvent
	if stable {
		events = d.evaluate(st, tk.Asset, price, ts)
	}

	st.lastPrice = price
	st.lastAt = ts
	d.mu.Unlock()

	for _, ev := range events {
		if err := d.store.Insert(ctx, store.TableMovementEvents, ev); err != nil {
			if !store.IsDuplicateKey(err) {
				d.logger.Warn("realtime event insert failed", "asset", tk.Asset, "error", err)
			}
			continue
		}
		d.logger.Info("realtime movement",
			"market", ev.Market, "asset", ev.Asset, "type", ev.EventType, "price", ev.Price)
	}
}

// evaluate runs the rule chain. Caller holds the lock.
func (d *RealtimeDetector) evaluate(st *assetState, asset string, price float64, ts time.Time) []RealtimeEvent {
	if d.cfg.TradeConfirm > 0 && ts.Sub(st.lastTradeAt) > d.cfg.TradeConfirm {
		return nil
	}

	var out []RealtimeEvent
	emit := func(eventType string) {
		if last, ok := st.lastEvent[eventType]; ok && ts.Sub(last) < d.cfg.EventCooldown {
			return
		}
		st.lastEvent[eventType] = ts
		out = append(out, RealtimeEvent{
			ID:        fmt.Sprintf("%s:%s:%d", asset, eventType, ts.UnixMilli()/d.cfg.EventCooldown.Milliseconds()),
			Market:    st.market,
			Asset:     asset,
			Outcome:   st.outcome,
			EventType: eventType,
			Price:     price,
			EMAFast:   st.emaFast,
			EMASlow:   st.emaSlow,
			Timestamp: ts,
		})
	}

	// Breakout against the ring's highs/lows, excluding the live minute.
	if high, low, ok := st.ringExtremes(ts); ok {
		if price >= (1+d.cfg.BreakoutPct)*high {
			emit("breakout_up")
		} else if price <= (1-d.cfg.BreakoutPct)*low {
			emit("breakout_down")
		}
	}

	// EMA cross with confirmation and a per-direction cooldown.
	if st.emaSet && st.emaSlow > 0 {
		dir := 0
		if st.emaFast > st.emaSlow {
			dir = 1
		} else if st.emaFast < st.emaSlow {
			dir = -1
		}
		if dir != 0 && st.dir == 0 {
			// First observation just anchors the direction.
			st.dir = dir
		} else if dir != 0 && dir != st.dir {
			st.dirPending++
			gap := math.Abs(st.emaFast-st.emaSlow) / price
			dist := math.Abs(price-st.emaSlow) / st.emaSlow
			if st.dirPending >= d.cfg.EMAConfirm &&
				gap >= d.cfg.EMAGapPct && dist >= d.cfg.EMAMinPct &&
				ts.Sub(st.lastFlip) >= d.cfg.EMADirCooldown {
				st.dir = dir
				st.dirPending = 0
				st.lastFlip = ts
				if dir > 0 {
					emit("ema_cross_up")
				} else {
					emit("ema_cross_down")
				}
			}
		} else if dir == st.dir {
			st.dirPending = 0
		}
	}

	return out
}

// Evict drops assets with no ticks for the idle threshold. Run periodically.
func (d *RealtimeDetector) Evict() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.cfg.EvictIdle)
	n := 0
	for asset, st := range d.states {
		if st.lastAt.Before(cutoff) && st.lastTradeAt.Before(cutoff) {
			delete(d.states, asset)
			n++
		}
	}
	return n
}

func newAssetState(market, outcome string) *assetState {
	return &assetState{
		market:    market,
		outcome:   outcome,
		lastEvent: make(map[string]time.Time),
	}
}

func (st *assetState) seed(price float64, ts time.Time) {
	st.lastPrice = price
	st.lastAt = ts
	st.emaFast = price
	st.emaSlow = price
	st.emaSet = true
	st.pendingPrice = price
	st.pendingCount = 1
	st.pendingSince = ts
	st.updateBucket(price, ts)
}

func (st *assetState) updateEMAs(price float64, dt, fastTau, slowTau time.Duration) {
	if !st.emaSet {
		st.emaFast = price
		st.emaSlow = price
		st.emaSet = true
		return
	}
	alphaFast := 1 - math.Exp(-dt.Seconds()/fastTau.Seconds())
	alphaSlow := 1 - math.Exp(-dt.Seconds()/slowTau.Seconds())
	st.emaFast += alphaFast * (price - st.emaFast)
	st.emaSlow += alphaSlow * (price - st.emaSlow)
}

func (st *assetState) updateBucket(price float64, ts time.Time) {
	minute := ts.Unix() / 60
	b := &st.buckets[minute%bucketCount]
	if b.minute != minute {
		*b = ohlcBucket{minute: minute, open: price, high: price, low: price, close: price}
		return
	}
	if price > b.high {
		b.high = price
	}
	if price < b.low {
		b.low = price
	}
	b.close = price
}

// ringExtremes returns the high and low over the past hour of buckets,
// skipping the minute still being written and anything stale in the ring.
func (st *assetState) ringExtremes(ts time.Time) (high, low float64, ok bool) {
	cur := ts.Unix() / 60
	low = math.MaxFloat64
	for i := range st.buckets {
		b := &st.buckets[i]
		if b.minute == 0 || b.minute == cur || cur-b.minute >= bucketCount {
			continue
		}
		if b.high > high {
			high = b.high
		}
		if b.low < low {
			low = b.low
		}
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return high, low, true
}
