package feeds

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// AssetStat summarizes recent flow on one asset inside the mover window.
type AssetStat struct {
	Asset   string
	Outcome string
	Volume  float64
	Trades  int
	PctMove float64
	Score   float64 // |pctMove| · log10(1 + volume)
}

// OutcomeFlow is the per-outcome volume distribution used for dominance.
type OutcomeFlow struct {
	Outcome string
	Volume  float64
	Trades  int
}

type flowSample struct {
	ts    time.Time
	price float64
	size  float64
}

type assetFlow struct {
	market  string
	outcome string
	samples []flowSample
}

func (f *assetFlow) evict(cutoff time.Time) {
	idx := -1
	for i, s := range f.samples {
		if s.ts.After(cutoff) {
			idx = i
			break
		}
	}
	if idx == -1 {
		f.samples = f.samples[:0]
		return
	}
	if idx > 0 {
		f.samples = f.samples[idx:]
	}
}

// MoverStats tracks per-asset flow over a rolling window. The subscription
// controller ranks assets with it; the dominant-outcome tracker reads its
// per-outcome volumes; the backfill job reads per-slug recency.
type MoverStats struct {
	mu       sync.Mutex
	window   time.Duration
	flows    map[string]*assetFlow          // asset → flow
	byMarket map[string]map[string]struct{} // market → asset set
	slugSeen map[string]time.Time           // event slug → last trade time
	now      func() time.Time
}

// NewMoverStats creates a tracker with the given rolling window.
func NewMoverStats(window time.Duration) *MoverStats {
	return &MoverStats{
		window:   window,
		flows:    make(map[string]*assetFlow),
		byMarket: make(map[string]map[string]struct{}),
		slugSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Record folds one trade into the window.
func (m *MoverStats) Record(tr types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[tr.Asset]
	if !ok {
		f = &assetFlow{market: tr.Market, outcome: tr.Outcome}
		m.flows[tr.Asset] = f
		set, ok := m.byMarket[tr.Market]
		if !ok {
			set = make(map[string]struct{})
			m.byMarket[tr.Market] = set
		}
		set[tr.Asset] = struct{}{}
	}
	f.samples = append(f.samples, flowSample{ts: tr.Timestamp, price: tr.Price, size: tr.Size})
	f.evict(m.now().Add(-m.window))

	if tr.Slug != "" {
		if last, ok := m.slugSeen[tr.Slug]; !ok || tr.Timestamp.After(last) {
			m.slugSeen[tr.Slug] = tr.Timestamp
		}
	}
}

// MarketStats returns the windowed stats for every asset of a market,
// sorted by score descending.
func (m *MoverStats) MarketStats(market string) []AssetStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.window)
	var out []AssetStat
	for asset := range m.byMarket[market] {
		f := m.flows[asset]
		f.evict(cutoff)
		if len(f.samples) == 0 {
			continue
		}
		stat := AssetStat{Asset: asset, Outcome: f.outcome, Trades: len(f.samples)}
		first := f.samples[0].price
		last := f.samples[len(f.samples)-1].price
		for _, s := range f.samples {
			stat.Volume += s.size
		}
		if first > 0 {
			stat.PctMove = (last - first) / first
		}
		stat.Score = math.Abs(stat.PctMove) * math.Log10(1+stat.Volume)
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TopAssets picks up to max assets for a market by mover score. The asset
// carrying the "Yes" outcome is always kept when known.
func (m *MoverStats) TopAssets(market string, max int, yesAsset string) []string {
	stats := m.MarketStats(market)

	out := make([]string, 0, max)
	hasYes := false
	for _, s := range stats {
		if len(out) >= max {
			break
		}
		out = append(out, s.Asset)
		if s.Asset == yesAsset {
			hasYes = true
		}
	}
	if yesAsset != "" && !hasYes {
		if len(out) == max && max > 0 {
			out[len(out)-1] = yesAsset
		} else {
			out = append(out, yesAsset)
		}
	}
	return out
}

// OutcomeFlows aggregates the window's volume by outcome for one market,
// sorted by volume (then trade count) descending.
func (m *MoverStats) OutcomeFlows(market string) []OutcomeFlow {
	stats := m.MarketStats(market)

	acc := make(map[string]*OutcomeFlow)
	for _, s := range stats {
		of, ok := acc[s.Outcome]
		if !ok {
			of = &OutcomeFlow{Outcome: s.Outcome}
			acc[s.Outcome] = of
		}
		of.Volume += s.Volume
		of.Trades += s.Trades
	}

	out := make([]OutcomeFlow, 0, len(acc))
	for _, of := range acc {
		out = append(out, *of)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return out[i].Trades > out[j].Trades
	})
	return out
}

// Markets lists every market with flow in the window.
func (m *MoverStats) Markets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.byMarket))
	for market := range m.byMarket {
		out = append(out, market)
	}
	sort.Strings(out)
	return out
}

// SlugLastSeen reports the newest trade timestamp observed for a slug.
func (m *MoverStats) SlugLastSeen(slug string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.slugSeen[slug]
	return ts, ok
}
