package polymarket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
)

func venueLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func venueResolver() fakeResolver {
	return fakeResolver{
		"tok-yes": {market: "m1", meta: feeds.AssetMeta{Outcome: "Yes", OutcomeIndex: 0}},
	}
}

func TestRESTVenue_BookNormalizesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("token_id"); got != "tok-yes" {
			t.Errorf("token_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"market": "m1",
			"asset_id": "tok-yes",
			"bids": [{"price":"0.60","size":"50"},{"price":"0.58","size":"20"}],
			"asks": [{"price":"0.64","size":"30"}],
			"timestamp": "1756000000000"
		}`))
	}))
	defer srv.Close()

	v := NewRESTVenue(srv.URL, venueResolver(), venueLogger())
	tick, ok, err := v.Book(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable tick")
	}
	if tick.BestBid != 0.60 || tick.BestAsk != 0.64 {
		t.Errorf("best levels = %f/%f, want 0.60/0.64", tick.BestBid, tick.BestAsk)
	}
	if tick.Market != "m1" || tick.Outcome != "Yes" {
		t.Errorf("resolver not applied: %+v", tick)
	}
}

func TestRESTVenue_BookMissingIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := NewRESTVenue(srv.URL, venueResolver(), venueLogger())
	_, ok, err := v.Book(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("missing book should not error: %v", err)
	}
	if ok {
		t.Error("missing book should report ok=false")
	}
}

func TestRESTVenue_TradesSinceAdvancesCursor(t *testing.T) {
	// The endpoint returns newest first; the venue delivers oldest first
	// and skips fills older than the cursor.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trades" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"transactionHash":"0xc","asset":"tok-yes","conditionId":"m1","price":0.62,"size":5,"side":"BUY","timestamp":1756000300,"outcome":"Yes"},
			{"transactionHash":"0xb","asset":"tok-yes","conditionId":"m1","price":0.61,"size":3,"side":"SELL","timestamp":1756000200,"outcome":"Yes"},
			{"transactionHash":"0xa","asset":"tok-yes","conditionId":"m1","price":0.60,"size":2,"side":"BUY","timestamp":1756000100,"outcome":"Yes"}
		]`))
	}))
	defer srv.Close()

	v := NewRESTVenue(srv.URL, venueResolver(), venueLogger())

	trades, next, err := v.TradesSince(context.Background(), "tok-yes", "")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	if trades[0].Price != 0.60 || trades[2].Price != 0.62 {
		t.Errorf("trades not oldest first: %f .. %f", trades[0].Price, trades[2].Price)
	}
	if next != "1756000300" {
		t.Errorf("cursor = %q, want 1756000300", next)
	}

	// A later poll from the cursor re-delivers the fill at the cursor
	// (dedup handles it) and nothing older.
	trades, next, err = v.TradesSince(context.Background(), "tok-yes", next)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].Price != 0.62 {
		t.Errorf("expected only the cursor fill, got %+v", trades)
	}
	if next != "1756000300" {
		t.Errorf("cursor moved without newer trades: %q", next)
	}
}

func TestRESTVenue_TradesErrorKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	v := NewRESTVenue(srv.URL, venueResolver(), venueLogger())
	_, next, err := v.TradesSince(context.Background(), "tok-yes", "1756000300")
	if err == nil {
		t.Fatal("expected rate-limit error")
	}
	if next != "1756000300" {
		t.Errorf("cursor should be unchanged on error, got %q", next)
	}
}
