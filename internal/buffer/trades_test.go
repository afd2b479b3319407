package buffer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBufferConfig() config.BufferConfig {
	return config.BufferConfig{
		MaxTrades:        10,
		FlushEvery:       50 * time.Millisecond,
		DedupeTTL:        time.Minute,
		FailWindow:       time.Second,
		FailThreshold:    3,
		SpoolReplayEvery: 50 * time.Millisecond,
	}
}

// fakeStore records inserted trades and can be switched into failure mode.
type fakeStore struct {
	mu       sync.Mutex
	failing  bool
	inserted map[string]int // trade id → insert count
	batches  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: make(map[string]int)}
}

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeStore) Insert(_ context.Context, table string, rows any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return &store.Error{Op: "insert", Table: table, Status: 503, Transient: true}
	}
	trades := rows.([]types.Trade)
	f.batches++
	for _, tr := range trades {
		if f.inserted[tr.ID] > 0 {
			return &store.Error{Op: "insert", Table: table, Status: 409, Duplicate: true}
		}
		f.inserted[tr.ID]++
	}
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func trade(id string) types.Trade {
	return types.Trade{
		ID:        id,
		Market:    "m1",
		Asset:     "a1",
		Outcome:   "Yes",
		Price:     0.5,
		Size:      10,
		Side:      types.BUY,
		Timestamp: time.Now().UTC(),
	}
}

func newTestBuffer(t *testing.T, st Inserter) *TradeBuffer {
	t.Helper()
	sp, err := NewSpool(filepath.Join(t.TempDir(), "spool.jsonl"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return NewTradeBuffer(st, sp, testBufferConfig(), testLogger())
}

func TestTradeBuffer_FlushPersistsBatch(t *testing.T) {
	st := newFakeStore()
	b := newTestBuffer(t, st)

	for i := 0; i < 5; i++ {
		b.Submit(trade(fmt.Sprintf("t%d", i)))
	}
	b.Flush(context.Background())

	if st.count() != 5 {
		t.Errorf("expected 5 persisted trades, got %d", st.count())
	}
	if b.Depth() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", b.Depth())
	}
}

func TestTradeBuffer_DuplicateSubmitIsDropped(t *testing.T) {
	st := newFakeStore()
	b := newTestBuffer(t, st)

	b.Submit(trade("dup"))
	b.Submit(trade("dup"))
	b.Flush(context.Background())

	if st.count() != 1 {
		t.Errorf("expected exactly one persisted trade, got %d", st.count())
	}
	if got := st.inserted["dup"]; got != 1 {
		t.Errorf("expected one insert of dup, got %d", got)
	}
}

func TestTradeBuffer_CircuitTripSpillsToSpool(t *testing.T) {
	st := newFakeStore()
	st.setFailing(true)
	b := newTestBuffer(t, st)

	// Three consecutive failing flushes trip the breaker; every batch ends
	// up in the spool regardless.
	total := 0
	for i := 0; i < 5; i++ {
		for j := 0; j < 10; j++ {
			b.Submit(trade(fmt.Sprintf("s%d-%d", i, j)))
			total++
		}
		b.Flush(context.Background())
	}

	if st.count() != 0 {
		t.Errorf("expected no persisted trades while failing, got %d", st.count())
	}
	if got := b.spool.Len(); got != total {
		t.Errorf("expected %d spooled trades, got %d", total, got)
	}
}

func TestTradeBuffer_SpoolReplayDrainsExactlyOnce(t *testing.T) {
	st := newFakeStore()
	st.setFailing(true)
	b := newTestBuffer(t, st)

	for i := 0; i < 50; i++ {
		b.Submit(trade(fmt.Sprintf("r%d", i)))
	}
	b.Flush(context.Background())

	if got := b.spool.Len(); got != 50 {
		t.Fatalf("expected 50 spooled trades, got %d", got)
	}

	// Store recovers; replay drains the journal.
	st.setFailing(false)
	b.ReplaySpool(context.Background())

	if st.count() != 50 {
		t.Errorf("expected 50 persisted after replay, got %d", st.count())
	}
	if got := b.spool.Len(); got != 0 {
		t.Errorf("expected empty spool after replay, got %d lines", got)
	}

	// A second replay is a no-op.
	b.ReplaySpool(context.Background())
	if st.count() != 50 {
		t.Errorf("replay must be idempotent, got %d", st.count())
	}
}

func TestTradeBuffer_DuplicateKeyOnReplayCountsAsSuccess(t *testing.T) {
	st := newFakeStore()
	b := newTestBuffer(t, st)

	// Persist the trade, then plant the same trade in the spool as if a
	// crash happened between insert and journal cleanup.
	b.Submit(trade("x1"))
	b.Flush(context.Background())
	if err := b.spool.Append([]types.Trade{trade("x1")}); err != nil {
		t.Fatal(err)
	}

	b.ReplaySpool(context.Background())
	if got := b.spool.Len(); got != 0 {
		t.Errorf("duplicate-key replay should drain the line, %d remain", got)
	}
}

func TestTradeBuffer_SizeTriggeredFlush(t *testing.T) {
	st := newFakeStore()
	b := newTestBuffer(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 10; i++ {
		b.Submit(trade(fmt.Sprintf("f%d", i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.count() != 10 {
		t.Errorf("expected size-triggered flush of 10 trades, got %d", st.count())
	}
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := newDedupeCache(50*time.Millisecond, 100)

	if c.Seen("a") {
		t.Error("first sighting must not count as seen")
	}
	if !c.Seen("a") {
		t.Error("second sighting within TTL must count as seen")
	}

	base := time.Now()
	c.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	if c.Seen("a") {
		t.Error("sighting after TTL must be treated as new")
	}
}

func TestDedupeCache_CapacityEviction(t *testing.T) {
	c := newDedupeCache(time.Minute, 3)
	for _, id := range []string{"a", "b", "c", "d"} {
		c.Seen(id)
	}
	if c.Len() != 3 {
		t.Errorf("expected capacity cap of 3, got %d", c.Len())
	}
	if c.Seen("a") {
		t.Error("oldest entry should have been evicted")
	}
}
