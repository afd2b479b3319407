package movement

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Scorer receives settled movements. The worker marks a movement FINAL
// whether or not scoring succeeds, so a broken scorer cannot wedge the
// finalize loop.
type Scorer interface {
	Score(ctx context.Context, mv types.Movement) error
}

// FinalizeStore adds Patch to the read/insert slice.
type FinalizeStore interface {
	Store
	Patch(ctx context.Context, table string, params map[string]string, patch any) error
}

// FinalizeWorker closes OPEN movements: once the settle delay passes (or
// the market has clearly stopped moving), it re-fetches the window with
// settled data, rewrites the metrics, flips status to FINAL, and hands the
// row to the signal scorer.
type FinalizeWorker struct {
	cfg    config.FinalizeConfig
	store  FinalizeStore
	scorer Scorer
	logger *slog.Logger
	now    func() time.Time
}

// NewFinalizeWorker creates the worker.
func NewFinalizeWorker(cfg config.FinalizeConfig, st FinalizeStore, scorer Scorer, logger *slog.Logger) *FinalizeWorker {
	return &FinalizeWorker{
		cfg:    cfg,
		store:  st,
		scorer: scorer,
		logger: logger.With("component", "finalize"),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *FinalizeWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one finalize sweep: due movements first, then early
// finalization of stabilized ones.
func (w *FinalizeWorker) RunOnce(ctx context.Context) {
	now := w.now().UTC()

	var due []types.Movement
	err := w.store.Fetch(ctx, store.TableMovements, map[string]string{
		"status":      store.Eq(string(types.StatusOpen)),
		"finalize_at": store.Lte(now),
		"order":       "finalize_at.asc",
		"limit":       strconv.Itoa(w.cfg.BatchSize),
	}, &due)
	if err != nil {
		w.logger.Error("fetch due movements failed", "error", err)
	}
	for _, mv := range due {
		if ctx.Err() != nil {
			return
		}
		w.finalizeOne(ctx, mv)
	}

	var open []types.Movement
	err = w.store.Fetch(ctx, store.TableMovements, map[string]string{
		"status":      store.Eq(string(types.StatusOpen)),
		"finalize_at": store.Gt(now),
		"order":       "window_start.asc",
		"limit":       "50",
	}, &open)
	if err != nil {
		w.logger.Error("fetch open movements failed", "error", err)
		return
	}
	for _, mv := range open {
		if ctx.Err() != nil {
			return
		}
		if w.eligibleEarly(ctx, mv, now) {
			w.finalizeOne(ctx, mv)
		}
	}
}

// earlyMinElapsed is the minimum window age before early finalization may
// even be considered.
func earlyMinElapsed(w types.WindowType) time.Duration {
	switch w {
	case types.Window5m, types.WindowEvent:
		return 2 * time.Minute
	case types.Window15m:
		return 5 * time.Minute
	case types.Window1h:
		return 15 * time.Minute
	case types.Window4h:
		return 60 * time.Minute
	default:
		return 2 * time.Minute
	}
}

// eligibleEarly reports whether an OPEN movement has stabilized: old
// enough for its window, and the last two minutes of ticks are absent or
// flat (< 1% range over at least 3 samples).
func (w *FinalizeWorker) eligibleEarly(ctx context.Context, mv types.Movement, now time.Time) bool {
	if now.Sub(mv.WindowStart) < earlyMinElapsed(mv.WindowType) {
		return false
	}

	var ticks []types.Tick
	err := w.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.Eq(mv.Market),
		"outcome":   store.Eq(mv.Outcome),
		"ts":        store.Gte(now.Add(-2 * time.Minute)),
		"order":     "ts.asc",
		"limit":     "200",
	}, &ticks)
	if err != nil {
		w.logger.Debug("early-check tick fetch failed", "movement", mv.ID, "error", err)
		return false
	}
	if len(ticks) == 0 {
		return true
	}
	if len(ticks) < 3 {
		return false
	}
	min, max := ticks[0].Mid, ticks[0].Mid
	for _, tk := range ticks {
		if tk.Mid < min {
			min = tk.Mid
		}
		if tk.Mid > max {
			max = tk.Mid
		}
	}
	return min > 0 && (max-min)/min < 0.01
}

// finalizeOne recomputes the window with settled data, patches FINAL, and
// invokes the scorer. Scoring errors are logged; the FINAL flip stands so
// the movement never re-enters the queue.
func (w *FinalizeWorker) finalizeOne(ctx context.Context, mv types.Movement) {
	now := w.now().UTC()
	settled := w.resettle(ctx, mv, now)

	patch := map[string]any{
		"end_price":      settled.EndPrice,
		"min_price":      settled.MinPrice,
		"max_price":      settled.MaxPrice,
		"pct_change":     settled.PctChange,
		"range_pct":      settled.RangePct,
		"window_volume":  settled.WindowVolume,
		"trades_count":   settled.TradesCount,
		"price_levels":   settled.PriceLevels,
		"avg_trade_size": settled.AvgTradeSize,
		"velocity":       settled.Velocity,
		"window_end":     store.Iso(now),
		"status":         string(types.StatusFinal),
	}
	err := w.store.Patch(ctx, store.TableMovements, map[string]string{
		"id":     store.Eq(mv.ID),
		"status": store.Eq(string(types.StatusOpen)),
	}, patch)
	if err != nil {
		w.logger.Error("finalize patch failed", "movement", mv.ID, "error", err)
		return
	}
	settled.Status = types.StatusFinal
	settled.WindowEnd = now

	if w.scorer != nil {
		if err := w.scorer.Score(ctx, settled); err != nil {
			w.logger.Warn("scoring failed, movement stays FINAL", "movement", mv.ID, "error", err)
		}
	}
	w.logger.Info("movement finalized", "movement", mv.ID, "window", mv.WindowType, "drift", settled.PctChange)
}

// resettle re-fetches the original window extended to now and recomputes
// the metrics. When the store returns nothing (event pseudo-markets, data
// retention) the original metrics stand.
func (w *FinalizeWorker) resettle(ctx context.Context, mv types.Movement, now time.Time) types.Movement {
	var trades []types.Trade
	err := w.store.Fetch(ctx, store.TableTrades, map[string]string{
		"market_id": store.Eq(mv.Market),
		"outcome":   store.Eq(mv.Outcome),
		"ts":        store.Gte(mv.WindowStart),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &trades)
	if err != nil {
		w.logger.Debug("settled trade fetch failed", "movement", mv.ID, "error", err)
	}

	var ticks []types.Tick
	err = w.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.Eq(mv.Market),
		"outcome":   store.Eq(mv.Outcome),
		"ts":        store.Gte(mv.WindowStart),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &ticks)
	if err != nil {
		w.logger.Debug("settled tick fetch failed", "movement", mv.ID, "error", err)
	}

	if len(trades) == 0 && len(ticks) == 0 {
		return mv
	}

	m := computeMetrics(trades, ticks)
	settled := mv
	settled.EndPrice = m.LastPrice
	settled.MinPrice = m.MinPrice
	settled.MaxPrice = m.MaxPrice
	if m.FirstPrice > 0 {
		settled.PctChange = (m.LastPrice - m.FirstPrice) / m.FirstPrice
	}
	settled.RangePct = m.RangePct
	settled.WindowVolume = m.Volume
	settled.TradesCount = m.TradesCount
	settled.PriceLevels = m.PriceLevels
	settled.AvgTradeSize = m.AvgTradeSize
	settled.Velocity = velocity(settled.PctChange, now.Sub(mv.WindowStart))
	return settled
}
