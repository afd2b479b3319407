package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// tradeLogger implements the LOG_TRADE_GROUPED mode: instead of a line per
// trade, it coalesces activity per market over TRADE_LOG_GROUP_MS and logs
// one summary line per group. With grouping off, LOG_TRADE_DEBUG selects a
// per-trade debug line.
type tradeLogger struct {
	cfg    config.LoggingConfig
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*tradeGroup
}

type tradeGroup struct {
	slug      string
	count     int
	volume    float64
	lastPrice float64
}

func newTradeLogger(cfg config.LoggingConfig, logger *slog.Logger) *tradeLogger {
	return &tradeLogger{
		cfg:    cfg,
		logger: logger.With("component", "trade-log"),
		groups: make(map[string]*tradeGroup),
	}
}

func (t *tradeLogger) observe(tr types.Trade) {
	if t.cfg.TradeGrouped {
		t.mu.Lock()
		g, ok := t.groups[tr.Market]
		if !ok {
			g = &tradeGroup{slug: tr.Slug}
			t.groups[tr.Market] = g
		}
		g.count++
		g.volume += tr.Size
		g.lastPrice = tr.Price
		t.mu.Unlock()
		return
	}
	if t.cfg.TradeDebug {
		attrs := []any{
			"market", tr.Market, "outcome", tr.Outcome,
			"price", tr.Price, "size", tr.Size, "side", tr.Side,
		}
		if t.cfg.EventSlugs && tr.Slug != "" {
			attrs = append(attrs, "slug", tr.Slug)
		}
		t.logger.Debug("trade", attrs...)
	}
}

func (t *tradeLogger) run(ctx context.Context) {
	interval := t.cfg.TradeGroupFor
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flush()
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *tradeLogger) flush() {
	t.mu.Lock()
	groups := t.groups
	t.groups = make(map[string]*tradeGroup)
	t.mu.Unlock()

	for market, g := range groups {
		attrs := []any{
			"market", market, "trades", g.count,
			"volume", g.volume, "last_price", g.lastPrice,
		}
		if t.cfg.EventSlugs && g.slug != "" {
			attrs = append(attrs, "slug", g.slug)
		}
		t.logger.Info("trade activity", attrs...)
	}
}
