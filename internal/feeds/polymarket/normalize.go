package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// quoteDivisor scales raw integer price representations (6-decimal USDC
// units) down to probabilities.
var quoteDivisor = decimal.New(1, 6)

// tradeMessage is the venue wire shape for trades. Polymarket delivers
// prices and sizes as decimal strings; timestamps as millisecond epochs.
type tradeMessage struct {
	EventType    string `json:"event_type"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Side         string `json:"side"`
	Timestamp    string `json:"timestamp"`
	TxHash       string `json:"transaction_hash"`
	Outcome      string `json:"outcome"`
	OutcomeIndex int    `json:"outcome_index"`
	EventSlug    string `json:"event_slug"`
	Slug         string `json:"slug"`
	Title        string `json:"title"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookMessage is the venue wire shape for full book snapshots.
type bookMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Buys      []bookLevel `json:"buys"`
	Sells     []bookLevel `json:"sells"`
	Timestamp string      `json:"timestamp"`
}

// normalizeTrade converts a wire trade to the venue-agnostic shape.
// Prices above 1 are raw integer representations and get scaled down by
// the quote divisor before clamping to [0,1]. Trades with no usable price
// or size are dropped.
func normalizeTrade(msg tradeMessage, raw []byte, resolver Resolver) (types.Trade, bool) {
	price, ok := parsePrice(msg.Price)
	if !ok {
		return types.Trade{}, false
	}
	size, err := decimal.NewFromString(msg.Size)
	if err != nil || size.IsNegative() {
		return types.Trade{}, false
	}

	ts := parseMillis(msg.Timestamp)
	market := msg.Market
	outcome := msg.Outcome
	outcomeIdx := msg.OutcomeIndex

	// The venue omits outcome labels on some message variants; the
	// hydrated metadata fills the gap.
	if resolver != nil {
		if rm, meta, found := resolver.Asset(msg.AssetID); found {
			if market == "" {
				market = rm
			}
			if outcome == "" {
				outcome = meta.Outcome
				outcomeIdx = meta.OutcomeIndex
			}
		}
	}
	if market == "" || msg.AssetID == "" {
		return types.Trade{}, false
	}

	id := msg.TxHash
	if id != "" {
		id = id + ":" + msg.AssetID
	} else {
		id = types.FallbackID(market, msg.AssetID, ts)
	}

	side := types.Side(strings.ToUpper(msg.Side))
	if side != types.BUY && side != types.SELL {
		side = types.BUY
	}

	slug := msg.EventSlug
	if slug == "" {
		slug = msg.Slug
	}

	sz, _ := size.Float64()
	return types.Trade{
		ID:           id,
		Market:       market,
		Asset:        msg.AssetID,
		Outcome:      outcome,
		OutcomeIndex: outcomeIdx,
		Price:        price,
		Size:         sz,
		Side:         side,
		Timestamp:    ts,
		Slug:         slug,
		Title:        msg.Title,
		Raw:          json.RawMessage(raw),
	}, true
}

// normalizeBook reduces a snapshot to best bid/ask. Crossed books and
// spreads at or above 30% are dropped.
func normalizeBook(msg bookMessage, resolver Resolver) (types.Tick, bool) {
	bestBid, bidSize := bestLevel(msg.Buys, true)
	bestAsk, askSize := bestLevel(msg.Sells, false)
	if bestBid <= 0 || bestAsk <= 0 {
		return types.Tick{}, false
	}
	if bestBid >= bestAsk {
		return types.Tick{}, false
	}

	mid := (bestBid + bestAsk) / 2
	spread := bestAsk - bestBid
	spreadPct := spread / mid
	if spreadPct >= 0.30 {
		return types.Tick{}, false
	}

	market := msg.Market
	outcome := ""
	if resolver != nil {
		if rm, meta, found := resolver.Asset(msg.AssetID); found {
			if market == "" {
				market = rm
			}
			outcome = meta.Outcome
		}
	}
	if market == "" {
		return types.Tick{}, false
	}

	return types.Tick{
		Market:      market,
		Asset:       msg.AssetID,
		Outcome:     outcome,
		BestBid:     bestBid,
		BestAsk:     bestAsk,
		Mid:         mid,
		Spread:      spread,
		SpreadPct:   spreadPct,
		BestBidSize: bidSize,
		BestAskSize: askSize,
		Timestamp:   parseMillis(msg.Timestamp),
	}, true
}

// bestLevel picks the highest price for bids, lowest for asks.
func bestLevel(levels []bookLevel, wantHighest bool) (price, size float64) {
	best := decimal.Zero
	bestSize := decimal.Zero
	found := false
	for _, lv := range levels {
		p, err := decimal.NewFromString(lv.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		if !found || (wantHighest && p.GreaterThan(best)) || (!wantHighest && p.LessThan(best)) {
			best = p
			bestSize, _ = decimal.NewFromString(lv.Size)
			found = true
		}
	}
	if !found {
		return 0, 0
	}
	price, _ = best.Float64()
	size, _ = bestSize.Float64()
	return price, size
}

// parsePrice scales raw integer representations down and clamps to [0,1].
func parsePrice(s string) (float64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	if d.GreaterThan(decimal.New(1, 0)) {
		d = d.Div(quoteDivisor)
	}
	p, _ := d.Float64()
	if p > 1 {
		p = 1
	}
	return p, true
}

// parseMillis reads a millisecond-epoch string, tolerating seconds and
// RFC3339 variants; unparseable timestamps become "now".
func parseMillis(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Heuristic: values this small are seconds, not millis.
		if n < 1e12 {
			return time.Unix(n, 0).UTC()
		}
		return time.UnixMilli(n).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
