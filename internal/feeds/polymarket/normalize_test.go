package polymarket

import (
	"strconv"
	"testing"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
)

type fakeResolver map[string]struct {
	market string
	meta   feeds.AssetMeta
}

func (f fakeResolver) Asset(asset string) (string, feeds.AssetMeta, bool) {
	e, ok := f[asset]
	return e.market, e.meta, ok
}

func TestNormalizeTradeBasics(t *testing.T) {
	msg := tradeMessage{
		AssetID:   "tok",
		Market:    "mkt",
		Price:     "0.55",
		Size:      "120.5",
		Side:      "sell",
		Timestamp: "1756000000000",
		TxHash:    "0xabc",
		Outcome:   "Yes",
		EventSlug: "slug-a",
		Title:     "Will it happen?",
	}
	tr, ok := normalizeTrade(msg, []byte(`{}`), nil)
	if !ok {
		t.Fatal("expected trade to normalize")
	}
	if tr.ID != "0xabc:tok" {
		t.Errorf("unexpected id %q", tr.ID)
	}
	if tr.Price != 0.55 || tr.Size != 120.5 {
		t.Errorf("unexpected price/size: %v %v", tr.Price, tr.Size)
	}
	if tr.Side != "SELL" {
		t.Errorf("side not upper-cased: %q", tr.Side)
	}
	if tr.Slug != "slug-a" {
		t.Errorf("unexpected slug %q", tr.Slug)
	}
	if tr.Timestamp != time.UnixMilli(1756000000000).UTC() {
		t.Errorf("unexpected timestamp %v", tr.Timestamp)
	}
}

func TestNormalizeTradeScalesRawPrices(t *testing.T) {
	// 550000 in 6-decimal quote units is probability 0.55.
	msg := tradeMessage{AssetID: "tok", Market: "mkt", Price: "550000", Size: "1", Timestamp: "1756000000"}
	tr, ok := normalizeTrade(msg, nil, nil)
	if !ok {
		t.Fatal("expected trade to normalize")
	}
	if tr.Price != 0.55 {
		t.Errorf("expected scaled price 0.55, got %v", tr.Price)
	}
}

func TestNormalizeTradeResolverFillsGaps(t *testing.T) {
	r := fakeResolver{"tok": {market: "mkt", meta: feeds.AssetMeta{Outcome: "No", OutcomeIndex: 1}}}
	msg := tradeMessage{AssetID: "tok", Price: "0.4", Size: "2", Timestamp: "1756000000"}
	tr, ok := normalizeTrade(msg, nil, r)
	if !ok {
		t.Fatal("expected trade to normalize")
	}
	if tr.Market != "mkt" || tr.Outcome != "No" || tr.OutcomeIndex != 1 {
		t.Errorf("resolver fields not applied: %+v", tr)
	}
	// No tx hash: the synthetic fallback id is used.
	want := "mkt:tok:" + strconv.FormatInt(time.Unix(1756000000, 0).UnixMilli(), 10)
	if tr.ID != want {
		t.Errorf("expected fallback id %q, got %q", want, tr.ID)
	}
}

func TestNormalizeTradeDropsUnusable(t *testing.T) {
	cases := []tradeMessage{
		{AssetID: "tok", Market: "mkt", Price: "", Size: "1"},
		{AssetID: "tok", Market: "mkt", Price: "0.5", Size: "-1"},
		{AssetID: "", Market: "mkt", Price: "0.5", Size: "1"},
		{AssetID: "tok", Market: "", Price: "0.5", Size: "1"},
	}
	for i, msg := range cases {
		if _, ok := normalizeTrade(msg, nil, nil); ok {
			t.Errorf("case %d: expected drop", i)
		}
	}
}

func TestNormalizeBookBestLevels(t *testing.T) {
	msg := bookMessage{
		AssetID: "tok",
		Market:  "mkt",
		Buys: []bookLevel{
			{Price: "0.40", Size: "10"},
			{Price: "0.48", Size: "5"},
			{Price: "0.45", Size: "7"},
		},
		Sells: []bookLevel{
			{Price: "0.55", Size: "3"},
			{Price: "0.52", Size: "8"},
		},
		Timestamp: "1756000000000",
	}
	tk, ok := normalizeBook(msg, nil)
	if !ok {
		t.Fatal("expected tick")
	}
	if tk.BestBid != 0.48 || tk.BestAsk != 0.52 {
		t.Errorf("wrong best levels: %v / %v", tk.BestBid, tk.BestAsk)
	}
	if tk.BestBidSize != 5 || tk.BestAskSize != 8 {
		t.Errorf("wrong best sizes: %v / %v", tk.BestBidSize, tk.BestAskSize)
	}
	if tk.Mid != 0.5 {
		t.Errorf("wrong mid %v", tk.Mid)
	}
}

func TestNormalizeBookDropsCrossedAndWide(t *testing.T) {
	crossed := bookMessage{
		AssetID: "tok", Market: "mkt",
		Buys:  []bookLevel{{Price: "0.60", Size: "1"}},
		Sells: []bookLevel{{Price: "0.55", Size: "1"}},
	}
	if _, ok := normalizeBook(crossed, nil); ok {
		t.Error("crossed book should be dropped")
	}

	// Spread 0.15 on mid 0.50 is exactly 30%: rejected.
	wide := bookMessage{
		AssetID: "tok", Market: "mkt",
		Buys:  []bookLevel{{Price: "0.425", Size: "1"}},
		Sells: []bookLevel{{Price: "0.575", Size: "1"}},
	}
	if _, ok := normalizeBook(wide, nil); ok {
		t.Error("30% spread should be dropped")
	}

	empty := bookMessage{AssetID: "tok", Market: "mkt", Sells: []bookLevel{{Price: "0.5", Size: "1"}}}
	if _, ok := normalizeBook(empty, nil); ok {
		t.Error("one-sided book should be dropped")
	}
}

func TestParseMillisHeuristics(t *testing.T) {
	if got := parseMillis("1756000000000"); got != time.UnixMilli(1756000000000).UTC() {
		t.Errorf("millis: %v", got)
	}
	if got := parseMillis("1756000000"); got != time.Unix(1756000000, 0).UTC() {
		t.Errorf("seconds: %v", got)
	}
	if got := parseMillis("2026-08-24T10:00:00Z"); !got.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: %v", got)
	}
	if got := parseMillis("garbage"); time.Since(got) > time.Minute {
		t.Errorf("unparseable should fall back to now, got %v", got)
	}
}

func TestConvertMarketParsesTokenArrays(t *testing.T) {
	gm := gammaMarket{
		ID:           "cond-1",
		Question:     "Who wins?",
		Slug:         "who-wins",
		Active:       true,
		Outcomes:     `["Yes","No"]`,
		ClobTokenIds: `["tok-yes","tok-no"]`,
	}
	m, ok := convertMarket(gm, "event-slug")
	if !ok {
		t.Fatal("expected conversion")
	}
	if len(m.Assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(m.Assets))
	}
	if m.Assets[0].Asset != "tok-yes" || m.Assets[0].Outcome != "Yes" || m.Assets[0].OutcomeIndex != 0 {
		t.Errorf("bad first asset: %+v", m.Assets[0])
	}
	if m.EventSlug != "event-slug" {
		t.Errorf("event slug not carried: %q", m.EventSlug)
	}

	gm.Closed = true
	if _, ok := convertMarket(gm, ""); ok {
		t.Error("closed market should be skipped")
	}
	gm.Closed = false
	gm.ClobTokenIds = "not-json"
	if _, ok := convertMarket(gm, ""); ok {
		t.Error("unparseable token list should be skipped")
	}
}
