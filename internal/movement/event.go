package movement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Event thresholds run slightly looser than the per-market ones: the
// cross-market aggregation already smooths noise.
const eventThresholdScale = 0.9

// MarketIndex resolves an event slug to its hydrated child markets.
type MarketIndex interface {
	MarketsByEvent(slug string) []feeds.MarketMeta
}

// EventDetector aggregates the child markets of an event slug and scans the
// combined flow on the event windows. A movement here means the whole event
// is moving, not one market.
type EventDetector struct {
	windows map[types.WindowType]config.WindowConfig
	cfg     config.MovementConfig
	store   Store
	index   MarketIndex
	logger  *slog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewEventDetector creates the detector. Only windows named in
// cfg.EventWindows are scanned.
func NewEventDetector(windows map[types.WindowType]config.WindowConfig, cfg config.MovementConfig, st Store, index MarketIndex, logger *slog.Logger) *EventDetector {
	return &EventDetector{
		windows:   windows,
		cfg:       cfg,
		store:     st,
		index:     index,
		logger:    logger.With("component", "event-detector"),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// childMetrics pairs a child market with its window arithmetic.
type childMetrics struct {
	market string
	title  string
	m      windowMetrics
}

// OnTrade evaluates the trade's event slug, with a per-(slug, window)
// compute cooldown.
func (d *EventDetector) OnTrade(ctx context.Context, tr types.Trade) {
	if tr.Slug == "" {
		return
	}
	children := d.index.MarketsByEvent(tr.Slug)
	if len(children) < d.cfg.EventMinChildren {
		return
	}
	for _, w := range d.cfg.EventWindows {
		wcfg, ok := d.windows[w]
		if !ok {
			continue
		}
		key := tr.Slug + ":" + string(w)
		if !d.tryAcquire(key) {
			continue
		}
		if err := d.scan(ctx, tr.Slug, children, w, wcfg); err != nil {
			d.logger.Warn("event scan failed", "slug", tr.Slug, "window", w, "error", err)
		}
	}
}

func (d *EventDetector) tryAcquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cfg.MinGap {
		return false
	}
	d.cooldowns[key] = now
	return true
}

func (d *EventDetector) scan(ctx context.Context, slug string, children []feeds.MarketMeta, w types.WindowType, wcfg config.WindowConfig) error {
	now := d.now().UTC()
	start := now.Add(-wcfg.Duration)

	var (
		kids        []childMetrics
		totalVolume float64
		totalTrades int
		totalLevels int
		maxHourVol  float64
		hourlyBase  float64
		baseValid   bool
	)

	for _, child := range children {
		trades, ticks, err := d.loadChild(ctx, child.Market, start)
		if err != nil {
			return err
		}
		if len(trades) == 0 && len(ticks) == 0 {
			continue
		}
		m := computeMetrics(trades, ticks)
		kids = append(kids, childMetrics{market: child.Market, title: child.Title, m: m})
		totalVolume += m.Volume
		totalTrades += m.TradesCount
		totalLevels += m.PriceLevels
		maxHourVol += m.MaxHourVol

		agg, err := d.loadAggregate(ctx, child.Market)
		if err == nil {
			if b := computeBaseline(agg, now); b.valid {
				hourlyBase += b.hourly
				baseValid = true
			}
		}
	}
	if len(kids) == 0 || totalVolume <= 0 {
		return nil
	}

	// Volume-weighted means across children.
	var first, last, minP, maxP float64
	for _, k := range kids {
		wgt := k.m.Volume / totalVolume
		first += wgt * k.m.FirstPrice
		last += wgt * k.m.LastPrice
		minP += wgt * k.m.MinPrice
		maxP += wgt * k.m.MaxPrice
	}

	var drift, rangePct float64
	if first > 0 {
		drift = (last - first) / first
	}
	if minP > 0 {
		rangePct = (maxP - minP) / minP
	}

	thin := totalTrades < 10 || totalLevels < 5
	threshold := wcfg.PriceThreshold * eventThresholdScale
	if thin {
		threshold = wcfg.ThinThreshold * eventThresholdScale
	}

	priceHit := (first >= d.cfg.MinPriceForAlert && math.Abs(drift) >= threshold) ||
		(rangePct >= threshold && math.Abs(last-first) >= wcfg.MinAbsMove)

	var volumeRatio, hourlyRatio float64
	volHit := false
	if baseValid && hourlyBase > 0 {
		scaled := hourlyBase * wcfg.Duration.Hours()
		volumeRatio = totalVolume / scaled
		hourlyRatio = maxHourVol / hourlyBase
		volThreshold := wcfg.VolumeThreshold * eventThresholdScale
		volHit = volumeRatio >= volThreshold || hourlyRatio >= volThreshold
	}

	vel := velocity(drift, wcfg.Duration)
	velocityHit := vel >= d.cfg.VelocityThreshold

	if !priceHit && !volHit {
		return nil
	}

	reason := types.ReasonVolume
	switch {
	case velocityHit && priceHit:
		reason = types.ReasonVelocity
	case priceHit && volHit:
		reason = types.ReasonBoth
	case priceHit:
		reason = types.ReasonPrice
	}

	eventMarket := "event:" + slug
	row := types.Movement{
		ID:            types.MovementID(eventMarket, "EVENT", w, now.UnixMilli(), wcfg.IDBucket.Milliseconds()),
		Market:        eventMarket,
		Outcome:       "EVENT",
		WindowType:    w,
		WindowStart:   start,
		WindowEnd:     now,
		StartPrice:    first,
		EndPrice:      last,
		MinPrice:      minP,
		MaxPrice:      maxP,
		PctChange:     drift,
		RangePct:      rangePct,
		WindowVolume:  totalVolume,
		VolumeRatio:   volumeRatio,
		HourlyRatio:   hourlyRatio,
		TradesCount:   totalTrades,
		PriceLevels:   totalLevels,
		AvgTradeSize:  totalVolume / float64(totalTrades),
		Velocity:      vel,
		Reason:        reason,
		ThinLiquidity: thin,
		Status:        types.StatusOpen,
		FinalizeAt:    now.Add(wcfg.SettleDelay),
		CreatedAt:     now,
	}

	if err := d.store.Insert(ctx, store.TableMovements, row); err != nil {
		if store.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("insert event movement: %w", err)
	}

	d.logger.Info("event movement detected",
		"slug", slug, "window", w, "children", len(kids),
		"reason", reason, "drift", drift, "volume", totalVolume)
	return nil
}

// TopChild reports the child with the most window volume, for explanation
// building.
func (d *EventDetector) TopChild(ctx context.Context, slug string, window time.Duration) (market, title string, ok bool) {
	children := d.index.MarketsByEvent(slug)
	start := d.now().UTC().Add(-window)
	best := -1.0
	for _, child := range children {
		trades, _, err := d.loadChild(ctx, child.Market, start)
		if err != nil {
			continue
		}
		var vol float64
		for _, tr := range trades {
			vol += tr.Size
		}
		if vol > best {
			best = vol
			market, title, ok = child.Market, child.Title, true
		}
	}
	return market, title, ok
}

func (d *EventDetector) loadChild(ctx context.Context, market string, start time.Time) ([]types.Trade, []types.Tick, error) {
	var trades []types.Trade
	if err := d.store.Fetch(ctx, store.TableTrades, map[string]string{
		"market_id": store.Eq(market),
		"ts":        store.Gte(start),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &trades); err != nil {
		return nil, nil, fmt.Errorf("load child trades: %w", err)
	}
	var ticks []types.Tick
	if err := d.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.Eq(market),
		"ts":        store.Gte(start),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &ticks); err != nil {
		return nil, nil, fmt.Errorf("load child ticks: %w", err)
	}
	return trades, ticks, nil
}

func (d *EventDetector) loadAggregate(ctx context.Context, market string) (*types.Aggregate, error) {
	var rows []types.Aggregate
	if err := d.store.Fetch(ctx, store.TableAggregates, map[string]string{
		"market_id": store.Eq(market),
		"limit":     "1",
	}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
