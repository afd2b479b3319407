package poller

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

type fakeVenue struct {
	mu         sync.Mutex
	bookCalls  []string
	tradeCalls []string
	cursors    []string
	trades     map[string][]types.Trade
	next       string
}

func (f *fakeVenue) Book(ctx context.Context, instrument string) (types.Tick, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls = append(f.bookCalls, instrument)
	return types.Tick{Market: "mkt", Asset: instrument, BestBid: 0.4, BestAsk: 0.42, Mid: 0.41}, true, nil
}

func (f *fakeVenue) TradesSince(ctx context.Context, instrument, cursor string) ([]types.Trade, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls = append(f.tradeCalls, instrument)
	f.cursors = append(f.cursors, cursor)
	trades := f.trades[instrument]
	f.trades[instrument] = nil
	next := f.next
	if next == "" {
		next = cursor
	}
	return trades, next, nil
}

func newTestPoller(v *fakeVenue, h feeds.Handlers) *Poller {
	return New(v, h, time.Millisecond, time.Second, slog.Default())
}

func TestPollerAlternatesBooksAndTrades(t *testing.T) {
	v := &fakeVenue{trades: map[string][]types.Trade{}}
	p := newTestPoller(v, feeds.Handlers{})
	p.Subscribe("a")
	p.Subscribe("b")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := p.step(ctx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.bookCalls) != 2 || len(v.tradeCalls) != 2 {
		t.Fatalf("expected 2 book + 2 trade polls, got %d/%d", len(v.bookCalls), len(v.tradeCalls))
	}
	// Round-robin within each poll kind.
	if v.bookCalls[0] == v.bookCalls[1] {
		t.Errorf("book polls did not rotate: %v", v.bookCalls)
	}
	if v.tradeCalls[0] == v.tradeCalls[1] {
		t.Errorf("trade polls did not rotate: %v", v.tradeCalls)
	}
}

func TestPollerCursorAdvances(t *testing.T) {
	v := &fakeVenue{
		trades: map[string][]types.Trade{"a": {{ID: "t1", Market: "mkt", Asset: "a", Price: 0.5, Size: 1}}},
		next:   "t1",
	}
	var got []types.Trade
	p := newTestPoller(v, feeds.Handlers{Trade: func(tr types.Trade) { got = append(got, tr) }})
	p.Subscribe("a")

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := p.step(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("expected exactly the one delivered trade, got %v", got)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// First trade poll starts from the empty cursor; the second carries t1.
	if len(v.cursors) != 2 || v.cursors[0] != "" || v.cursors[1] != "t1" {
		t.Errorf("cursor did not advance monotonically: %v", v.cursors)
	}
}

func TestPollerUnsubscribeDropsCursor(t *testing.T) {
	v := &fakeVenue{trades: map[string][]types.Trade{}, next: "t9"}
	p := newTestPoller(v, feeds.Handlers{})
	p.Subscribe("a")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := p.step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	p.Unsubscribe("a")
	if got := p.Subscribed(); len(got) != 0 {
		t.Fatalf("expected empty rotation, got %v", got)
	}

	// Re-subscribing starts from a fresh cursor.
	p.Subscribe("a")
	for i := 0; i < 2; i++ {
		if err := p.step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if last := v.cursors[len(v.cursors)-1]; last != "" {
		t.Errorf("expected fresh cursor after resubscribe, got %q", last)
	}
}

func TestPollerTickDelivery(t *testing.T) {
	v := &fakeVenue{trades: map[string][]types.Trade{}}
	var ticks []types.Tick
	p := newTestPoller(v, feeds.Handlers{Tick: func(tk types.Tick) { ticks = append(ticks, tk) }})
	p.Subscribe("a")

	if err := p.step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 1 || ticks[0].Asset != "a" {
		t.Fatalf("expected one tick for a, got %v", ticks)
	}
}
