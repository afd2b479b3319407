// Package ticks persists top-of-book snapshots.
//
// The writer dedups in-process against the last accepted tick (values
// rounded to 3 decimals) and only emits when bid, ask, or mid changed or
// the 2-second bucket rolled. Each accepted tick is appended to the tick
// table (duplicate keys ignored) and mirrored into a "latest" table keyed
// by (market, asset) for cheap current-price reads.
package ticks

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

const (
	bucketSize   = 2 * time.Second
	maxSpreadPct = 0.30
)

// TickStore is the slice of the store gateway the writer needs.
type TickStore interface {
	Insert(ctx context.Context, table string, rows any) error
	Upsert(ctx context.Context, table string, rows any, conflictCols string) error
}

type lastTick struct {
	bid, ask, mid float64 // rounded to 3 decimals
	bucket        int64
}

// Writer is the dedup-by-bucket mid-tick writer. Safe for concurrent use.
type Writer struct {
	store  TickStore
	logger *slog.Logger
	logMid bool

	mu   sync.Mutex
	last map[string]lastTick // market:asset:outcome → last accepted
}

// NewWriter creates a mid-tick writer. logMid enables per-tick debug logs.
func NewWriter(st TickStore, logMid bool, logger *slog.Logger) *Writer {
	return &Writer{
		store:  st,
		logger: logger.With("component", "mid-ticks"),
		logMid: logMid,
		last:   make(map[string]lastTick),
	}
}

// Write validates, dedups, and persists one tick. Rejected and duplicate
// ticks return nil; only store failures surface.
func (w *Writer) Write(ctx context.Context, tk types.Tick) error {
	if !acceptable(tk) {
		return nil
	}

	key := tk.Market + ":" + tk.Asset + ":" + tk.Outcome
	cur := lastTick{
		bid:    round3(tk.BestBid),
		ask:    round3(tk.BestAsk),
		mid:    round3(tk.Mid),
		bucket: tk.Timestamp.UnixMilli() / bucketSize.Milliseconds(),
	}

	w.mu.Lock()
	prev, seen := w.last[key]
	unchanged := seen && prev.bid == cur.bid && prev.ask == cur.ask && prev.mid == cur.mid
	if unchanged && prev.bucket == cur.bucket {
		w.mu.Unlock()
		return nil
	}
	w.last[key] = cur
	w.mu.Unlock()

	if w.logMid {
		w.logger.Debug("mid tick",
			"market", tk.Market, "outcome", tk.Outcome,
			"bid", cur.bid, "ask", cur.ask, "mid", cur.mid)
	}

	if err := w.store.Insert(ctx, store.TableTicks, tk); err != nil && !store.IsDuplicateKey(err) {
		return err
	}
	return w.store.Upsert(ctx, store.TableTickLatest, tk, "market_id,asset_id")
}

// acceptable enforces the book invariants: both sides present and
// uncrossed, spread under 30%.
func acceptable(tk types.Tick) bool {
	if tk.BestBid > 0 && tk.BestAsk > 0 && tk.BestBid >= tk.BestAsk {
		return false
	}
	if tk.SpreadPct >= maxSpreadPct {
		return false
	}
	return true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
