package feeds

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// DominantStore is the slice of the store gateway the tracker writes to.
type DominantStore interface {
	Upsert(ctx context.Context, table string, rows any, conflictCols string) error
}

type domEntry struct {
	outcome    string
	computedAt time.Time
}

// DominantTracker computes the outcome of a market currently carrying the
// recent flow. Results are cached for a TTL so the selection does not flap
// between near-equal outcomes; changes are persisted to the store.
//
// When the window holds no trades for a market the tracker reports "" —
// no stale fallback. Consumers treat the empty outcome as pass-through.
type DominantTracker struct {
	movers *MoverStats
	store  DominantStore
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]domEntry
	now   func() time.Time
}

// NewDominantTracker wires the tracker to the mover window and the store.
func NewDominantTracker(movers *MoverStats, st DominantStore, ttl time.Duration, logger *slog.Logger) *DominantTracker {
	return &DominantTracker{
		movers: movers,
		store:  st,
		ttl:    ttl,
		logger: logger.With("component", "dominant"),
		cache:  make(map[string]domEntry),
		now:    time.Now,
	}
}

// Dominant returns the market's dominant outcome, or "" when the window
// holds no recent flow.
func (t *DominantTracker) Dominant(ctx context.Context, market string) string {
	t.mu.Lock()
	if e, ok := t.cache[market]; ok && t.now().Sub(e.computedAt) < t.ttl {
		t.mu.Unlock()
		return e.outcome
	}
	t.mu.Unlock()

	flows := t.movers.OutcomeFlows(market)
	outcome := ""
	if len(flows) > 0 {
		outcome = flows[0].Outcome
	}

	t.mu.Lock()
	prev := t.cache[market].outcome
	t.cache[market] = domEntry{outcome: outcome, computedAt: t.now()}
	t.mu.Unlock()

	if outcome != "" && outcome != prev {
		row := types.DominantOutcome{Market: market, Outcome: outcome, UpdatedAt: t.now().UTC()}
		if err := t.store.Upsert(ctx, store.TableDominantOutcomes, row, "market_id"); err != nil {
			t.logger.Warn("dominant outcome upsert failed", "market", market, "error", err)
		}
	}
	return outcome
}

// Snapshot computes the dominant outcome for each given market. Markets
// with no recent flow are omitted.
func (t *DominantTracker) Snapshot(ctx context.Context, markets []string) map[string]string {
	out := make(map[string]string, len(markets))
	for _, m := range markets {
		if o := t.Dominant(ctx, m); o != "" {
			out[m] = o
		}
	}
	return out
}
