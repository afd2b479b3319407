package feeds

import (
	"log/slog"
	"testing"
	"time"
)

func meta(market, slug string, assets ...AssetMeta) MarketMeta {
	return MarketMeta{Market: market, Slug: slug, Title: market, EventSlug: slug, Assets: assets}
}

func TestControllerBootstrapsWithoutFlow(t *testing.T) {
	m := NewMoverStats(time.Hour)
	c := NewController(m, 2, 400, nil, slog.Default())

	c.SetMarkets([]MarketMeta{
		meta("m1", "s1",
			AssetMeta{Asset: "m1-yes", Outcome: "Yes", OutcomeIndex: 0},
			AssetMeta{Asset: "m1-no", Outcome: "No", OutcomeIndex: 1}),
		meta("m2", "s2",
			AssetMeta{Asset: "m2-a", Outcome: "Alice", OutcomeIndex: 0},
			AssetMeta{Asset: "m2-b", Outcome: "Bob", OutcomeIndex: 1}),
	})

	shards := c.Shards()
	if len(shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(shards))
	}
	got := map[string]bool{}
	for _, a := range shards[0] {
		got[a] = true
	}
	// Yes asset for m1; first asset for m2 (no "Yes" outcome there).
	if !got["m1-yes"] || !got["m2-a"] {
		t.Errorf("bootstrap set missing expected assets: %v", shards[0])
	}
	if got["m1-no"] || got["m2-b"] {
		t.Errorf("bootstrap should track one asset per silent market: %v", shards[0])
	}
}

func TestControllerTracksMoversWithFlow(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }
	c := NewController(m, 2, 400, nil, slog.Default())

	c.SetMarkets([]MarketMeta{
		meta("m1", "s1",
			AssetMeta{Asset: "m1-yes", Outcome: "Yes", OutcomeIndex: 0},
			AssetMeta{Asset: "m1-no", Outcome: "No", OutcomeIndex: 1}),
	})

	m.Record(trade("m1", "m1-no", "No", 0.50, 500, base.Add(-2*time.Minute)))
	m.Record(trade("m1", "m1-no", "No", 0.60, 500, base.Add(-time.Minute)))
	c.Recompute()

	got := map[string]bool{}
	for _, sh := range c.Shards() {
		for _, a := range sh {
			got[a] = true
		}
	}
	if !got["m1-no"] {
		t.Errorf("mover asset missing from tracked set: %v", got)
	}
	if !got["m1-yes"] {
		t.Errorf("yes asset must always stay tracked: %v", got)
	}
}

func TestControllerSharding(t *testing.T) {
	assets := []string{"a", "b", "c", "d", "e"}
	shards := shard(assets, 2)
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}
	if len(shards[0]) != 2 || len(shards[2]) != 1 {
		t.Errorf("unexpected shard sizes: %v", shards)
	}
	if shard(nil, 2) != nil {
		t.Error("empty input should produce no shards")
	}
}

func TestControllerAssetResolution(t *testing.T) {
	m := NewMoverStats(time.Hour)
	c := NewController(m, 2, 400, nil, slog.Default())
	c.SetMarkets([]MarketMeta{
		meta("m1", "s1", AssetMeta{Asset: "tok", Outcome: "Yes", OutcomeIndex: 0}),
	})

	market, am, ok := c.Asset("tok")
	if !ok || market != "m1" || am.Outcome != "Yes" {
		t.Errorf("resolution failed: %v %v %v", market, am, ok)
	}
	if _, _, ok := c.Asset("missing"); ok {
		t.Error("unknown asset should not resolve")
	}
}

func TestSameShards(t *testing.T) {
	a := [][]string{{"x", "y"}, {"z"}}
	b := [][]string{{"x", "y"}, {"z"}}
	if !sameShards(a, b) {
		t.Error("identical layouts reported different")
	}
	if sameShards(a, [][]string{{"x", "y", "z"}}) {
		t.Error("different layouts reported same")
	}
}
