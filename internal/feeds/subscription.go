package feeds

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// reconnectDebounce coalesces bursts of subscription changes into one
// socket rebuild.
const reconnectDebounce = 5 * time.Second

// Controller owns the subscription set: which assets the venue sockets
// should carry. It recomputes the set from mover stats and the dominant
// outcome rules, partitions it into shards of at most maxShardAssets, and
// debounces the resulting reconnects.
//
// Metadata writes come from a single hydration loop; readers snapshot.
type Controller struct {
	movers             *MoverStats
	maxAssetsPerMarket int
	maxShardAssets     int
	logger             *slog.Logger

	mu        sync.RWMutex
	meta      map[string]MarketMeta // market → hydrated metadata
	assetIdx  map[string]assetRef   // asset → owning market + outcome
	shards    [][]string

	rebuild       func(shards [][]string)
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

type assetRef struct {
	market string
	meta   AssetMeta
}

// NewController creates a subscription controller. rebuild is invoked
// (debounced) with the new shard layout whenever the tracked set changes.
func NewController(movers *MoverStats, maxAssetsPerMarket, maxShardAssets int, rebuild func([][]string), logger *slog.Logger) *Controller {
	if maxShardAssets <= 0 {
		maxShardAssets = 400
	}
	return &Controller{
		movers:             movers,
		maxAssetsPerMarket: maxAssetsPerMarket,
		maxShardAssets:     maxShardAssets,
		logger:             logger.With("component", "subscriptions"),
		meta:               make(map[string]MarketMeta),
		assetIdx:           make(map[string]assetRef),
		rebuild:            rebuild,
	}
}

// SetMarkets replaces the hydrated market metadata (the hydration loop is
// the single writer).
func (c *Controller) SetMarkets(markets []MarketMeta) {
	c.mu.Lock()
	c.meta = make(map[string]MarketMeta, len(markets))
	c.assetIdx = make(map[string]assetRef)
	for _, m := range markets {
		c.meta[m.Market] = m
		for _, a := range m.Assets {
			c.assetIdx[a.Asset] = assetRef{market: m.Market, meta: a}
		}
	}
	c.mu.Unlock()
	c.Recompute()
}

// Market returns the hydrated metadata for a market.
func (c *Controller) Market(market string) (MarketMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.meta[market]
	return m, ok
}

// Asset resolves an asset id to its market and outcome.
func (c *Controller) Asset(asset string) (market string, meta AssetMeta, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.assetIdx[asset]
	return ref.market, ref.meta, ok
}

// MarketsByEvent returns the hydrated markets sharing an event slug.
func (c *Controller) MarketsByEvent(slug string) []MarketMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []MarketMeta
	for _, m := range c.meta {
		if m.EventSlug == slug {
			out = append(out, m)
		}
	}
	return out
}

// Markets lists all hydrated markets.
func (c *Controller) Markets() []MarketMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MarketMeta, 0, len(c.meta))
	for _, m := range c.meta {
		out = append(out, m)
	}
	return out
}

// Recompute rebuilds the tracked asset set from mover scores. A market
// contributes up to maxAssetsPerMarket assets; the "Yes" asset is always
// kept. Markets with no flow yet contribute their "Yes" (or first) asset
// so new markets get bootstrapped onto the socket.
func (c *Controller) Recompute() {
	c.mu.RLock()
	markets := make([]MarketMeta, 0, len(c.meta))
	for _, m := range c.meta {
		markets = append(markets, m)
	}
	c.mu.RUnlock()

	tracked := make([]string, 0, len(markets)*2)
	seen := make(map[string]struct{})
	add := func(asset string) {
		if asset == "" {
			return
		}
		if _, dup := seen[asset]; dup {
			return
		}
		seen[asset] = struct{}{}
		tracked = append(tracked, asset)
	}

	for _, m := range markets {
		yes := ""
		if ya, ok := m.YesAsset(); ok {
			yes = ya.Asset
		}
		top := c.movers.TopAssets(m.Market, c.maxAssetsPerMarket, yes)
		if len(top) == 0 {
			if yes != "" {
				add(yes)
			} else if len(m.Assets) > 0 {
				add(m.Assets[0].Asset)
			}
			continue
		}
		for _, a := range top {
			add(a)
		}
	}

	sort.Strings(tracked)
	shards := shard(tracked, c.maxShardAssets)

	c.mu.Lock()
	changed := !sameShards(c.shards, shards)
	if changed {
		c.shards = shards
	}
	c.mu.Unlock()

	if changed {
		c.logger.Info("subscription set changed",
			"assets", len(tracked), "shards", len(shards))
		c.scheduleRebuild()
	}
}

// Shards returns the current shard layout.
func (c *Controller) Shards() [][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]string, len(c.shards))
	for i, s := range c.shards {
		out[i] = append([]string(nil), s...)
	}
	return out
}

// scheduleRebuild debounces socket rebuilds: repeated set changes within
// the window collapse into one reconnect.
func (c *Controller) scheduleRebuild() {
	if c.rebuild == nil {
		return
	}
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()

	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(reconnectDebounce, func() {
		c.rebuild(c.Shards())
	})
}

func shard(assets []string, size int) [][]string {
	if len(assets) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(assets); start += size {
		end := start + size
		if end > len(assets) {
			end = len(assets)
		}
		out = append(out, assets[start:end])
	}
	return out
}

func sameShards(a, b [][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}
