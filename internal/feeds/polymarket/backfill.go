package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
)

// backfillTrade is the REST history endpoint's trade shape. Prices and
// sizes arrive as JSON numbers here, not strings.
type backfillTrade struct {
	TxHash          string  `json:"transactionHash"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Side            string  `json:"side"`
	Timestamp       int64   `json:"timestamp"` // seconds
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	EventSlug       string  `json:"eventSlug"`
	Slug            string  `json:"slug"`
	Title           string  `json:"title"`
	ProxyWallet     string  `json:"proxyWallet"`
	TransactionType string  `json:"type"`
}

// message converts a REST trade to the socket wire shape so both paths
// share one normalizer.
func (bt backfillTrade) message() tradeMessage {
	return tradeMessage{
		AssetID:      bt.Asset,
		Market:       bt.ConditionID,
		Price:        strconv.FormatFloat(bt.Price, 'f', -1, 64),
		Size:         strconv.FormatFloat(bt.Size, 'f', -1, 64),
		Side:         bt.Side,
		Timestamp:    strconv.FormatInt(bt.Timestamp, 10),
		TxHash:       bt.TxHash,
		Outcome:      bt.Outcome,
		OutcomeIndex: bt.OutcomeIndex,
		EventSlug:    bt.EventSlug,
		Slug:         bt.Slug,
		Title:        bt.Title,
	}
}

// BackfillJob gap-fills slugs the websocket has gone silent on by pulling
// recent trades from the REST history endpoint. Duplicates are harmless:
// the trade buffer dedupes on id and the store rejects replays.
type BackfillJob struct {
	http     *resty.Client
	ctrl     *feeds.Controller
	movers   *feeds.MoverStats
	handler  feeds.TradeHandler
	limiter  *rate.Limiter
	lookback time.Duration
	silence  time.Duration
	maxPer   int
	logger   *slog.Logger
}

// NewBackfillJob wires the gap-fill job. minGap paces requests so the
// sweep never hammers the endpoint.
func NewBackfillJob(baseURL string, ctrl *feeds.Controller, movers *feeds.MoverStats, handler feeds.TradeHandler, minGap, lookback, silence time.Duration, maxPer int, logger *slog.Logger) *BackfillJob {
	if minGap <= 0 {
		minGap = time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(1)

	return &BackfillJob{
		http:     client,
		ctrl:     ctrl,
		movers:   movers,
		handler:  handler,
		limiter:  rate.NewLimiter(rate.Every(minGap), 1),
		lookback: lookback,
		silence:  silence,
		maxPer:   maxPer,
		logger:   logger.With("component", "backfill"),
	}
}

// Run sweeps every hydrated market once. A market qualifies when its slug
// has been silent longer than the silence threshold, or has never traded
// since startup.
func (b *BackfillJob) Run(ctx context.Context) {
	now := time.Now().UTC()
	var swept, filled int

	for _, m := range b.ctrl.Markets() {
		if ctx.Err() != nil {
			return
		}
		since := now.Add(-b.lookback)
		if last, ok := b.movers.SlugLastSeen(m.Slug); ok {
			if now.Sub(last) < b.silence {
				continue
			}
			if last.After(since) {
				since = last
			}
		}

		n, err := b.fillMarket(ctx, m, since)
		swept++
		filled += n
		if err != nil {
			b.logger.Warn("backfill sweep failed", "market", m.Market, "slug", m.Slug, "error", err)
		}
	}

	if swept > 0 {
		b.logger.Info("backfill sweep complete", "markets", swept, "trades", filled)
	}
}

// fillMarket pulls trades newer than since, oldest first, and replays them
// through the normal trade path.
func (b *BackfillJob) fillMarket(ctx context.Context, m feeds.MarketMeta, since time.Time) (int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var page []backfillTrade
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": m.Market,
			"limit":  strconv.Itoa(b.maxPer),
		}).
		SetResult(&page).
		Get("/trades")
	if err != nil {
		return 0, fmt.Errorf("fetch trades: %w", err)
	}
	if resp.StatusCode() == 429 {
		return 0, fmt.Errorf("fetch trades: rate limited")
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch trades: status %d", resp.StatusCode())
	}

	count := 0
	for i := len(page) - 1; i >= 0; i-- {
		bt := page[i]
		ts := time.Unix(bt.Timestamp, 0).UTC()
		if !ts.After(since) {
			continue
		}
		msg := bt.message()
		if msg.Market == "" {
			msg.Market = m.Market
		}
		if msg.EventSlug == "" {
			msg.EventSlug = m.EventSlug
		}
		tr, ok := normalizeTrade(msg, nil, b.ctrl)
		if !ok {
			continue
		}
		if b.handler != nil {
			b.handler(tr)
		}
		count++
	}
	return count, nil
}
