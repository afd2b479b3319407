package feeds

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeDomStore struct {
	mu      sync.Mutex
	upserts int
}

func (f *fakeDomStore) Upsert(ctx context.Context, table string, rows any, conflictCols string) error {
	f.mu.Lock()
	f.upserts++
	f.mu.Unlock()
	return nil
}

func (f *fakeDomStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func TestDominantFollowsFlow(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }
	st := &fakeDomStore{}
	d := NewDominantTracker(m, st, time.Minute, slog.Default())
	d.now = func() time.Time { return base }

	m.Record(trade("mkt", "a", "Yes", 0.5, 100, base.Add(-time.Minute)))
	m.Record(trade("mkt", "b", "No", 0.5, 10, base.Add(-time.Minute)))

	if got := d.Dominant(context.Background(), "mkt"); got != "Yes" {
		t.Errorf("expected Yes dominant, got %q", got)
	}
	if st.count() != 1 {
		t.Errorf("expected one upsert on first selection, got %d", st.count())
	}
}

func TestDominantEmptyWhenNoFlow(t *testing.T) {
	m := NewMoverStats(time.Hour)
	st := &fakeDomStore{}
	d := NewDominantTracker(m, st, time.Minute, slog.Default())

	if got := d.Dominant(context.Background(), "mkt"); got != "" {
		t.Errorf("expected empty outcome without flow, got %q", got)
	}
	if st.count() != 0 {
		t.Errorf("empty outcome must not be persisted, got %d upserts", st.count())
	}
}

func TestDominantCachedWithinTTL(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }
	st := &fakeDomStore{}
	d := NewDominantTracker(m, st, time.Minute, slog.Default())
	now := base
	d.now = func() time.Time { return now }

	m.Record(trade("mkt", "a", "Yes", 0.5, 100, base.Add(-time.Minute)))
	d.Dominant(context.Background(), "mkt")

	// Flow flips, but the cache holds inside the TTL.
	m.Record(trade("mkt", "b", "No", 0.5, 1000, base.Add(-30*time.Second)))
	if got := d.Dominant(context.Background(), "mkt"); got != "Yes" {
		t.Errorf("expected cached Yes inside TTL, got %q", got)
	}

	now = base.Add(2 * time.Minute)
	if got := d.Dominant(context.Background(), "mkt"); got != "No" {
		t.Errorf("expected recompute after TTL, got %q", got)
	}
	if st.count() != 2 {
		t.Errorf("expected an upsert per change, got %d", st.count())
	}
}

func TestDominantSnapshotOmitsEmpty(t *testing.T) {
	base := time.Now()
	m := NewMoverStats(time.Hour)
	m.now = func() time.Time { return base }
	st := &fakeDomStore{}
	d := NewDominantTracker(m, st, time.Minute, slog.Default())
	d.now = func() time.Time { return base }

	m.Record(trade("active", "a", "Yes", 0.5, 10, base.Add(-time.Minute)))

	snap := d.Snapshot(context.Background(), []string{"active", "silent"})
	if len(snap) != 1 || snap["active"] != "Yes" {
		t.Errorf("unexpected snapshot %v", snap)
	}
}
