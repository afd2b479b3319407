package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// AggregateStore is the slice of the store gateway the aggregate engine
// needs: read the current row, write the merged one.
type AggregateStore interface {
	Fetch(ctx context.Context, table string, params map[string]string, out any) error
	Upsert(ctx context.Context, table string, rows any, conflictCols string) error
}

// aggDelta is the in-memory accumulation for one market between flushes.
type aggDelta struct {
	count      int64
	buyVolume  float64
	sellVolume float64
	sizeSum    float64
	minPrice   float64
	maxPrice   float64
	firstPrice float64
	firstTS    time.Time
	lastPrice  float64
	lastTS     time.Time
}

func (d *aggDelta) merge(tr types.Trade) {
	if d.count == 0 {
		d.minPrice = tr.Price
		d.maxPrice = tr.Price
		d.firstPrice = tr.Price
		d.firstTS = tr.Timestamp
		d.lastPrice = tr.Price
		d.lastTS = tr.Timestamp
	} else {
		if tr.Price < d.minPrice {
			d.minPrice = tr.Price
		}
		if tr.Price > d.maxPrice {
			d.maxPrice = tr.Price
		}
		if tr.Timestamp.Before(d.firstTS) {
			d.firstTS = tr.Timestamp
			d.firstPrice = tr.Price
		}
		// On equal timestamps the later-merged trade wins last-price.
		if !tr.Timestamp.Before(d.lastTS) {
			d.lastTS = tr.Timestamp
			d.lastPrice = tr.Price
		}
	}
	d.count++
	d.sizeSum += tr.Size
	if tr.Side == types.BUY {
		d.buyVolume += tr.Size
	} else {
		d.sellVolume += tr.Size
	}
}

// mergeDelta folds other into d (used when a failed flush hands its delta
// back to the live buffer).
func (d *aggDelta) mergeDelta(other *aggDelta) {
	if other.count == 0 {
		return
	}
	if d.count == 0 {
		*d = *other
		return
	}
	if other.minPrice < d.minPrice {
		d.minPrice = other.minPrice
	}
	if other.maxPrice > d.maxPrice {
		d.maxPrice = other.maxPrice
	}
	if other.firstTS.Before(d.firstTS) {
		d.firstTS = other.firstTS
		d.firstPrice = other.firstPrice
	}
	if !other.lastTS.Before(d.lastTS) {
		d.lastTS = other.lastTS
		d.lastPrice = other.lastPrice
	}
	d.count += other.count
	d.sizeSum += other.sizeSum
	d.buyVolume += other.buyVolume
	d.sellVolume += other.sellVolume
}

// AggregateBuffer merges trades into per-market deltas and flushes them
// into the aggregates table on an adaptive cadence: busy periods flush
// faster (recent flushes averaging ≥25 trades halve the interval), quiet
// periods back off (≤3 trades doubles it), bounded by MinFlush/MaxFlush.
// A market whose delta reaches MaxTrades forces an immediate flush.
type AggregateBuffer struct {
	store  AggregateStore
	cfg    config.AggregateConfig
	logger *slog.Logger

	mu     sync.Mutex
	deltas map[string]*aggDelta

	interval     time.Duration
	recentCounts []int64 // trades flushed in each of the last few cycles

	flushCh chan struct{}
}

// NewAggregateBuffer creates the engine with the configured starting cadence.
func NewAggregateBuffer(st AggregateStore, cfg config.AggregateConfig, logger *slog.Logger) *AggregateBuffer {
	return &AggregateBuffer{
		store:    st,
		cfg:      cfg,
		logger:   logger.With("component", "aggregates"),
		deltas:   make(map[string]*aggDelta),
		interval: cfg.FlushEvery,
		flushCh:  make(chan struct{}, 1),
	}
}

// Submit merges one trade into its market's delta.
func (a *AggregateBuffer) Submit(tr types.Trade) {
	a.mu.Lock()
	d, ok := a.deltas[tr.Market]
	if !ok {
		d = &aggDelta{}
		a.deltas[tr.Market] = d
	}
	d.merge(tr)
	full := d.count >= int64(a.cfg.MaxTrades)
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drives flushing until ctx ends, with a final flush on shutdown.
func (a *AggregateBuffer) Run(ctx context.Context) {
	timer := time.NewTimer(a.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.FlushAll(context.Background())
			return
		case <-timer.C:
			a.FlushAll(ctx)
			timer.Reset(a.Interval())
		case <-a.flushCh:
			a.FlushAll(ctx)
			timer.Reset(a.Interval())
		}
	}
}

// FlushAll writes every pending delta and adapts the flush interval from
// the observed arrival rate. A delta whose write fails is merged back into
// the live buffer, never lost.
func (a *AggregateBuffer) FlushAll(ctx context.Context) {
	a.mu.Lock()
	pending := a.deltas
	a.deltas = make(map[string]*aggDelta)
	a.mu.Unlock()

	var total int64
	for market, d := range pending {
		total += d.count
		if err := a.flushMarket(ctx, market, d); err != nil {
			a.logger.Warn("aggregate flush failed, re-buffering delta",
				"market", market, "count", d.count, "error", err)
			a.mu.Lock()
			live, ok := a.deltas[market]
			if !ok {
				a.deltas[market] = d
			} else {
				// Deltas that arrived while we were flushing are newer;
				// fold the failed one underneath them.
				d.mergeDelta(live)
				a.deltas[market] = d
			}
			a.mu.Unlock()
		}
	}

	a.adapt(total)
}

// adapt retunes the flush interval; a.mu also guards interval and
// recentCounts against Interval() readers on other goroutines.
func (a *AggregateBuffer) adapt(flushed int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recentCounts = append(a.recentCounts, flushed)
	if len(a.recentCounts) > 5 {
		a.recentCounts = a.recentCounts[1:]
	}
	var sum int64
	for _, n := range a.recentCounts {
		sum += n
	}
	avg := float64(sum) / float64(len(a.recentCounts))

	switch {
	case avg >= 25:
		a.interval /= 2
		if a.interval < a.cfg.MinFlush {
			a.interval = a.cfg.MinFlush
		}
	case avg <= 3:
		a.interval *= 2
		if a.interval > a.cfg.MaxFlush {
			a.interval = a.cfg.MaxFlush
		}
	}
}

// Interval reports the current adaptive flush interval.
func (a *AggregateBuffer) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

func (a *AggregateBuffer) flushMarket(ctx context.Context, market string, d *aggDelta) error {
	var existing []types.Aggregate
	err := a.store.Fetch(ctx, store.TableAggregates, map[string]string{
		"market_id": store.Eq(market),
		"limit":     "1",
	}, &existing)
	if err != nil {
		return err
	}

	var row types.Aggregate
	if len(existing) > 0 {
		row = mergeAggregate(existing[0], d)
	} else {
		row = newAggregate(market, d)
	}
	return a.store.Upsert(ctx, store.TableAggregates, row, "market_id")
}

func newAggregate(market string, d *aggDelta) types.Aggregate {
	return types.Aggregate{
		Market:       market,
		TradeCount:   d.count,
		TotalVolume:  d.sizeSum,
		BuyVolume:    d.buyVolume,
		SellVolume:   d.sellVolume,
		AvgTradeSize: d.sizeSum / float64(d.count),
		FirstPrice:   d.firstPrice,
		LastPrice:    d.lastPrice,
		MinPrice:     d.minPrice,
		MaxPrice:     d.maxPrice,
		FirstSeen:    d.firstTS,
		LastSeen:     d.lastTS,
	}
}

// mergeAggregate computes the running merge of a stored row and a delta:
// additive counts and volumes, running average, monotone min/max and
// first_seen, latest-timestamp-wins last price.
func mergeAggregate(old types.Aggregate, d *aggDelta) types.Aggregate {
	out := old
	newCount := old.TradeCount + d.count
	out.TradeCount = newCount
	out.TotalVolume = old.TotalVolume + d.sizeSum
	out.BuyVolume = old.BuyVolume + d.buyVolume
	out.SellVolume = old.SellVolume + d.sellVolume
	out.AvgTradeSize = (old.AvgTradeSize*float64(old.TradeCount) + d.sizeSum) / float64(newCount)

	if d.minPrice < old.MinPrice {
		out.MinPrice = d.minPrice
	}
	if d.maxPrice > old.MaxPrice {
		out.MaxPrice = d.maxPrice
	}
	if d.firstTS.Before(old.FirstSeen) {
		out.FirstSeen = d.firstTS
		out.FirstPrice = d.firstPrice
	}
	// Equal timestamps: the delta was merged later, so it wins.
	if !d.lastTS.Before(old.LastSeen) {
		out.LastSeen = d.lastTS
		out.LastPrice = d.lastPrice
	}
	return out
}
