package feeds

import (
	"testing"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

func trade(market, asset, outcome string, price, size float64, ts time.Time) types.Trade {
	return types.Trade{
		ID:        types.FallbackID(market, asset, ts),
		Market:    market,
		Asset:     asset,
		Outcome:   outcome,
		Price:     price,
		Size:      size,
		Side:      types.BUY,
		Timestamp: ts,
	}
}

func TestMoverStatsRanksByScore(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }

	// Asset a moves 10% on big volume; b moves 1% on small volume.
	m.Record(trade("mkt", "a", "Yes", 0.50, 100, base.Add(-10*time.Minute)))
	m.Record(trade("mkt", "a", "Yes", 0.55, 200, base.Add(-5*time.Minute)))
	m.Record(trade("mkt", "b", "No", 0.50, 5, base.Add(-10*time.Minute)))
	m.Record(trade("mkt", "b", "No", 0.505, 5, base.Add(-5*time.Minute)))

	stats := m.MarketStats("mkt")
	if len(stats) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(stats))
	}
	if stats[0].Asset != "a" {
		t.Errorf("expected asset a first, got %s", stats[0].Asset)
	}
	if stats[0].Volume != 300 {
		t.Errorf("expected volume 300, got %v", stats[0].Volume)
	}
	if stats[0].Trades != 2 {
		t.Errorf("expected 2 trades, got %d", stats[0].Trades)
	}
	wantMove := (0.55 - 0.50) / 0.50
	if diff := stats[0].PctMove - wantMove; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected pct move %v, got %v", wantMove, stats[0].PctMove)
	}
}

func TestMoverStatsWindowEviction(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(30 * time.Minute)
	m.now = func() time.Time { return base }

	m.Record(trade("mkt", "a", "Yes", 0.50, 10, base.Add(-2*time.Hour)))
	m.Record(trade("mkt", "a", "Yes", 0.60, 20, base.Add(-5*time.Minute)))

	stats := m.MarketStats("mkt")
	if len(stats) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(stats))
	}
	if stats[0].Trades != 1 || stats[0].Volume != 20 {
		t.Errorf("stale sample not evicted: trades=%d volume=%v", stats[0].Trades, stats[0].Volume)
	}

	// All samples stale: asset disappears from stats.
	m2 := NewMoverStats(time.Minute)
	m2.now = func() time.Time { return base }
	m2.Record(trade("mkt", "a", "Yes", 0.50, 10, base.Add(-time.Hour)))
	if got := m2.MarketStats("mkt"); len(got) != 0 {
		t.Errorf("expected no stats after full eviction, got %d", len(got))
	}
}

func TestTopAssetsKeepsYes(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }

	// Three movers, "yes" is the weakest.
	m.Record(trade("mkt", "a", "A", 0.50, 500, base.Add(-10*time.Minute)))
	m.Record(trade("mkt", "a", "A", 0.60, 500, base.Add(-time.Minute)))
	m.Record(trade("mkt", "b", "B", 0.50, 400, base.Add(-10*time.Minute)))
	m.Record(trade("mkt", "b", "B", 0.58, 400, base.Add(-time.Minute)))
	m.Record(trade("mkt", "yes", "Yes", 0.50, 1, base.Add(-10*time.Minute)))
	m.Record(trade("mkt", "yes", "Yes", 0.501, 1, base.Add(-time.Minute)))

	top := m.TopAssets("mkt", 2, "yes")
	if len(top) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(top))
	}
	found := false
	for _, a := range top {
		if a == "yes" {
			found = true
		}
	}
	if !found {
		t.Errorf("yes asset must survive the cut, got %v", top)
	}
}

func TestOutcomeFlowsOrdering(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }

	m.Record(trade("mkt", "a", "Yes", 0.50, 10, base.Add(-time.Minute)))
	m.Record(trade("mkt", "b", "No", 0.50, 100, base.Add(-time.Minute)))

	flows := m.OutcomeFlows("mkt")
	if len(flows) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(flows))
	}
	if flows[0].Outcome != "No" {
		t.Errorf("expected No to dominate by volume, got %s", flows[0].Outcome)
	}
}

func TestSlugLastSeen(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }

	tr := trade("mkt", "a", "Yes", 0.5, 1, base.Add(-time.Minute))
	tr.Slug = "election-2026"
	m.Record(tr)

	// An older trade must not move the watermark back.
	old := trade("mkt", "a", "Yes", 0.5, 1, base.Add(-time.Hour))
	old.Slug = "election-2026"
	m.Record(old)

	ts, ok := m.SlugLastSeen("election-2026")
	if !ok {
		t.Fatal("expected slug watermark")
	}
	if !ts.Equal(base.Add(-time.Minute)) {
		t.Errorf("watermark moved backwards: %v", ts)
	}
	if _, ok := m.SlugLastSeen("unknown"); ok {
		t.Error("unknown slug should report no watermark")
	}
}
