package movement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Store is the slice of the table-store gateway the detectors consume.
type Store interface {
	Fetch(ctx context.Context, table string, params map[string]string, out any) error
	Insert(ctx context.Context, table string, rows any) error
}

// WindowDetector scans (market, outcome) pairs on every trade across the
// configured windows. Inserts are idempotent: the movement id buckets time
// by the window's divisor, so rescans of the same bucket no-op on the
// duplicate key.
type WindowDetector struct {
	windows map[types.WindowType]config.WindowConfig
	cfg     config.MovementConfig
	store   Store
	logger  *slog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewWindowDetector creates the detector over the configured windows.
func NewWindowDetector(windows map[types.WindowType]config.WindowConfig, cfg config.MovementConfig, st Store, logger *slog.Logger) *WindowDetector {
	return &WindowDetector{
		windows:   windows,
		cfg:       cfg,
		store:     st,
		logger:    logger.With("component", "window-detector"),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// OnTrade evaluates every window for the trade's (market, outcome), subject
// to the per-(market, outcome, window) compute cooldown.
func (d *WindowDetector) OnTrade(ctx context.Context, tr types.Trade) {
	if tr.Market == "" || tr.Outcome == "" {
		return
	}
	for _, w := range d.sortedWindows() {
		if w == types.WindowEvent {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", tr.Market, tr.Outcome, w)
		if !d.tryAcquire(key) {
			continue
		}
		if err := d.scan(ctx, tr.Market, tr.Outcome, w, d.windows[w]); err != nil {
			d.logger.Warn("window scan failed",
				"market", tr.Market, "outcome", tr.Outcome, "window", w, "error", err)
		}
	}
}

func (d *WindowDetector) sortedWindows() []types.WindowType {
	out := make([]types.WindowType, 0, len(d.windows))
	for w := range d.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *WindowDetector) tryAcquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cfg.MinGap {
		return false
	}
	d.cooldowns[key] = now
	return true
}

func (d *WindowDetector) scan(ctx context.Context, market, outcome string, w types.WindowType, wcfg config.WindowConfig) error {
	now := d.now().UTC()
	start := now.Add(-wcfg.Duration)

	trades, ticks, err := d.loadWindow(ctx, market, outcome, start)
	if err != nil {
		return err
	}
	if len(trades) == 0 && len(ticks) == 0 {
		return nil
	}

	m := computeMetrics(trades, ticks)
	agg, err := d.loadAggregate(ctx, market)
	if err != nil {
		d.logger.Debug("aggregate unavailable, volume rules skipped", "market", market, "error", err)
	}
	base := computeBaseline(agg, now)

	thin := thinMarket(m)
	threshold := wcfg.PriceThreshold
	if thin {
		threshold = wcfg.ThinThreshold
	}

	priceHit := (m.FirstPrice >= d.cfg.MinPriceForAlert && math.Abs(m.Drift) >= threshold) ||
		(m.RangePct >= threshold && m.AbsMove >= wcfg.MinAbsMove)

	var volumeRatio, hourlyRatio float64
	volHit := false
	if base.valid && base.hourly > 0 {
		scaled := base.hourly * wcfg.Duration.Hours()
		if scaled > 0 {
			volumeRatio = m.Volume / scaled
		}
		hourlyRatio = m.MaxHourVol / base.hourly
		volHit = volumeRatio >= wcfg.VolumeThreshold || hourlyRatio >= wcfg.VolumeThreshold
	}

	vel := velocity(m.Drift, wcfg.Duration)
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

	row := types.Movement{
		ID:            types.MovementID(market, outcome, w, now.UnixMilli(), wcfg.IDBucket.Milliseconds()),
		Market:        market,
		Outcome:       outcome,
		WindowType:    w,
		WindowStart:   start,
		WindowEnd:     now,
		StartPrice:    m.FirstPrice,
		EndPrice:      m.LastPrice,
		MinPrice:      m.MinPrice,
		MaxPrice:      m.MaxPrice,
		PctChange:     m.Drift,
		RangePct:      m.RangePct,
		WindowVolume:  m.Volume,
		VolumeRatio:   volumeRatio,
		HourlyRatio:   hourlyRatio,
		TradesCount:   m.TradesCount,
		PriceLevels:   m.PriceLevels,
		AvgTradeSize:  m.AvgTradeSize,
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
		return fmt.Errorf("insert movement: %w", err)
	}

	d.logger.Info("movement detected",
		"market", market, "outcome", outcome, "window", w,
		"reason", reason, "drift", m.Drift, "volume_ratio", volumeRatio, "thin", thin)
	return nil
}

func (d *WindowDetector) loadWindow(ctx context.Context, market, outcome string, start time.Time) ([]types.Trade, []types.Tick, error) {
	var trades []types.Trade
	if err := d.store.Fetch(ctx, store.TableTrades, map[string]string{
		"market_id": store.Eq(market),
		"outcome":   store.Eq(outcome),
		"ts":        store.Gte(start),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &trades); err != nil {
		return nil, nil, fmt.Errorf("load trades: %w", err)
	}

	var ticks []types.Tick
	if err := d.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.Eq(market),
		"outcome":   store.Eq(outcome),
		"ts":        store.Gte(start),
		"order":     "ts.asc",
		"limit":     "5000",
	}, &ticks); err != nil {
		return nil, nil, fmt.Errorf("load ticks: %w", err)
	}
	return trades, ticks, nil
}

func (d *WindowDetector) loadAggregate(ctx context.Context, market string) (*types.Aggregate, error) {
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
