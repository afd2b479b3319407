package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// RESTVenue adapts the venue's public REST endpoints to the generic
// polling contract: /book for best bid/ask snapshots, /trades for recent
// fills. It serves deployments without a socket feed and can run alongside
// one; duplicate trades are deduped downstream on id.
type RESTVenue struct {
	http     *resty.Client
	resolver Resolver
	pageSize int
	logger   *slog.Logger
}

// NewRESTVenue wires the REST surface against a hydrated metadata resolver.
func NewRESTVenue(baseURL string, resolver Resolver, logger *slog.Logger) *RESTVenue {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(1)

	return &RESTVenue{
		http:     client,
		resolver: resolver,
		pageSize: 100,
		logger:   logger.With("component", "rest-venue"),
	}
}

// restBook is the REST book shape; levels match the socket snapshot's.
type restBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// Book fetches one asset's book and reduces it to a best bid/ask tick.
// ok=false covers assets with no book and snapshots the normalizer rejects.
func (v *RESTVenue) Book(ctx context.Context, instrument string) (types.Tick, bool, error) {
	var raw restBook
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", instrument).
		SetResult(&raw).
		Get("/book")
	if err != nil {
		return types.Tick{}, false, fmt.Errorf("fetch book: %w", err)
	}
	if resp.StatusCode() == 404 {
		return types.Tick{}, false, nil
	}
	if resp.StatusCode() != 200 {
		return types.Tick{}, false, fmt.Errorf("fetch book: status %d", resp.StatusCode())
	}

	msg := bookMessage{
		AssetID:   instrument,
		Market:    raw.Market,
		Buys:      raw.Bids,
		Sells:     raw.Asks,
		Timestamp: raw.Timestamp,
	}
	tick, ok := normalizeBook(msg, v.resolver)
	return tick, ok, nil
}

// TradesSince returns recent fills for one asset, oldest first. The cursor
// is the newest delivered trade's timestamp in unix seconds; trades at the
// cursor are re-delivered rather than risk skipping an equal-timestamp
// fill, and dedup drops the repeats.
func (v *RESTVenue) TradesSince(ctx context.Context, instrument, cursor string) ([]types.Trade, string, error) {
	var page []backfillTrade
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"asset": instrument,
			"limit": strconv.Itoa(v.pageSize),
		}).
		SetResult(&page).
		Get("/trades")
	if err != nil {
		return nil, cursor, fmt.Errorf("fetch trades: %w", err)
	}
	if resp.StatusCode() == 429 {
		return nil, cursor, fmt.Errorf("fetch trades: rate limited")
	}
	if resp.StatusCode() != 200 {
		return nil, cursor, fmt.Errorf("fetch trades: status %d", resp.StatusCode())
	}

	since, _ := strconv.ParseInt(cursor, 10, 64)
	newest := since
	var out []types.Trade
	for i := len(page) - 1; i >= 0; i-- {
		bt := page[i]
		if bt.Timestamp < since {
			continue
		}
		tr, ok := normalizeTrade(bt.message(), nil, v.resolver)
		if !ok {
			continue
		}
		out = append(out, tr)
		if bt.Timestamp > newest {
			newest = bt.Timestamp
		}
	}

	next := cursor
	if newest > since {
		next = strconv.FormatInt(newest, 10)
	}
	return out, next, nil
}
