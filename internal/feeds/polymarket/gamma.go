package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
)

// gammaMarket is the JSON shape the metadata API returns. Outcomes and
// token ids arrive as JSON-encoded array strings.
type gammaMarket struct {
	ID           string `json:"id"`
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	Slug         string `json:"slug"`
	EventSlug    string `json:"eventSlug"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	Outcomes     string `json:"outcomes"`
	ClobTokenIds string `json:"clobTokenIds"`
}

// MetadataClient hydrates market → asset/outcome mappings from the
// metadata REST endpoint.
type MetadataClient struct {
	http   *resty.Client
	slugs  []string // optional event slug filter
	logger *slog.Logger
}

// NewMetadataClient creates a hydration client for the given base URL.
func NewMetadataClient(baseURL string, slugs []string, logger *slog.Logger) *MetadataClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &MetadataClient{
		http:   client,
		slugs:  slugs,
		logger: logger.With("component", "metadata"),
	}
}

// FetchMarkets pages through active markets and returns hydrated metadata.
// When an event slug filter is configured, one page per slug is fetched
// instead of the full active listing.
func (c *MetadataClient) FetchMarkets(ctx context.Context) ([]feeds.MarketMeta, error) {
	if len(c.slugs) > 0 {
		return c.fetchBySlugs(ctx)
	}
	return c.fetchActive(ctx)
}

func (c *MetadataClient) fetchBySlugs(ctx context.Context) ([]feeds.MarketMeta, error) {
	var out []feeds.MarketMeta
	for _, slug := range c.slugs {
		var page []gammaMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"event_slug": slug,
				"active":     "true",
				"closed":     "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets for %s: %w", slug, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets for %s: status %d", slug, resp.StatusCode())
		}
		for _, gm := range page {
			if meta, ok := convertMarket(gm, slug); ok {
				out = append(out, meta)
			}
		}
	}
	return out, nil
}

func (c *MetadataClient) fetchActive(ctx context.Context) ([]feeds.MarketMeta, error) {
	var out []feeds.MarketMeta
	offset, limit := 0, 100
	for {
		var page []gammaMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}
		for _, gm := range page {
			if meta, ok := convertMarket(gm, gm.EventSlug); ok {
				out = append(out, meta)
			}
		}
		if len(page) < limit {
			break
		}
		offset += limit
	}
	return out, nil
}

// RunHydration refreshes the controller's metadata on a fixed cadence.
func (c *MetadataClient) RunHydration(ctx context.Context, interval time.Duration, ctrl *feeds.Controller) {
	hydrate := func() {
		markets, err := c.FetchMarkets(ctx)
		if err != nil {
			c.logger.Error("metadata hydration failed", "error", err)
			return
		}
		ctrl.SetMarkets(markets)
		c.logger.Info("metadata hydrated", "markets", len(markets))
	}

	hydrate()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hydrate()
		}
	}
}

// convertMarket parses the JSON-encoded outcome and token arrays and pairs
// them up positionally.
func convertMarket(gm gammaMarket, eventSlug string) (feeds.MarketMeta, bool) {
	if !gm.Active || gm.Closed || gm.ClobTokenIds == "" {
		return feeds.MarketMeta{}, false
	}

	var tokens, outcomes []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokens); err != nil || len(tokens) == 0 {
		return feeds.MarketMeta{}, false
	}
	if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
		outcomes = nil
	}

	meta := feeds.MarketMeta{
		Market:    gm.ID,
		Slug:      gm.Slug,
		Title:     gm.Question,
		EventSlug: eventSlug,
		Assets:    make([]feeds.AssetMeta, 0, len(tokens)),
	}
	for i, tok := range tokens {
		outcome := ""
		if i < len(outcomes) {
			outcome = outcomes[i]
		}
		meta.Assets = append(meta.Assets, feeds.AssetMeta{
			Asset:        tok,
			Outcome:      outcome,
			OutcomeIndex: i,
		})
	}
	return meta, true
}
