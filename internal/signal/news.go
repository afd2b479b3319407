package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// NewsResult is what the engine hands the scorer: an aggregate relevance
// score plus the headlines that drove it.
type NewsResult struct {
	Score     float64
	Headlines []string
	Entity    string
	Category  string
}

// entityContext is the derived search identity for a market.
type entityContext struct {
	entity   string
	category string
	terms    []string
}

// newsArticle is the provider's article shape.
type newsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PublishedAt string `json:"publishedAt"`
	URL         string `json:"url"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

type newsResponse struct {
	Status   string        `json:"status"`
	Articles []newsArticle `json:"articles"`
}

// newsCacheRow mirrors the news_cache table.
type newsCacheRow struct {
	CacheSlug    string    `json:"cache_slug"`
	Bucket       int64     `json:"bucket"`
	Articles     string    `json:"articles"` // JSON blob
	ArticleCount int       `json:"article_count"`
	Query        string    `json:"query"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// EntityExtractor is the language-model fallback when no vocabulary
// matches a title.
type EntityExtractor interface {
	Entity(ctx context.Context, title, slug string) (entity, category string, terms []string, err error)
	Keywords(ctx context.Context, title string) ([]string, error)
}

// NewsStore is the store slice the engine reads trades from and caches
// articles into.
type NewsStore interface {
	Fetch(ctx context.Context, table string, params map[string]string, out any) error
	Upsert(ctx context.Context, table string, rows any, conflictCols string) error
}

// Category vocabularies, matched in priority order. The first category
// whose pattern hits the title+slug wins.
var categoryOrder = []string{"crypto", "macro", "elections", "geopolitics", "sports", "entertainment"}

var categoryPatterns = map[string]*regexp.Regexp{
	"crypto":        regexp.MustCompile(`(?i)\b(bitcoin|btc|ethereum|eth|solana|sol|xrp|dogecoin|crypto|defi|stablecoin|token|airdrop)\b`),
	"macro":         regexp.MustCompile(`(?i)\b(fed|fomc|interest rate|rate cut|rate hike|inflation|cpi|gdp|recession|tariff|jobs report|unemployment|treasury)\b`),
	"elections":     regexp.MustCompile(`(?i)\b(election|president|presidential|senate|congress|governor|primary|nominee|ballot|mayor|poll|electoral)\b`),
	"geopolitics":   regexp.MustCompile(`(?i)\b(war|ceasefire|ukraine|russia|china|taiwan|israel|gaza|iran|nato|sanctions|missile|treaty|invasion)\b`),
	"sports":        regexp.MustCompile(`(?i)\b(nba|nfl|mlb|nhl|ufc|fifa|premier league|champions league|super bowl|world cup|playoffs|finals|grand slam)\b`),
	"entertainment": regexp.MustCompile(`(?i)\b(oscar|oscars|grammy|emmy|box office|album|movie|film|netflix|celebrity|billboard)\b`),
}

var categoryTerms = map[string][]string{
	"crypto":        {"bitcoin", "ethereum", "crypto", "price", "market"},
	"macro":         {"fed", "inflation", "rates", "economy", "markets"},
	"elections":     {"election", "campaign", "vote", "polls", "candidate"},
	"geopolitics":   {"war", "talks", "sanctions", "military", "diplomacy"},
	"sports":        {"game", "season", "championship", "team", "odds"},
	"entertainment": {"award", "release", "premiere", "ratings", "studio"},
}

var stopwords = map[string]bool{
	"will": true, "the": true, "a": true, "an": true, "of": true, "in": true,
	"on": true, "at": true, "to": true, "by": true, "be": true, "is": true,
	"are": true, "was": true, "and": true, "or": true, "for": true, "with": true,
	"before": true, "after": true, "than": true, "this": true, "that": true,
	"win": true, "yes": true, "no": true, "vs": true, "2025": true, "2026": true,
}

var qualitySources = map[string]bool{
	"Reuters": true, "Associated Press": true, "Bloomberg": true, "BBC News": true,
	"The Wall Street Journal": true, "Financial Times": true, "CNBC": true,
	"The New York Times": true, "The Washington Post": true, "Axios": true,
}

// NewsEngine scores how strongly the news cycle supports a movement. All
// failure paths degrade to a zero score; a movement is never blocked on the
// news provider.
type NewsEngine struct {
	http    *resty.Client
	store   NewsStore
	llm     EntityExtractor
	enabled bool
	logger  *slog.Logger

	mu      sync.Mutex
	entHits map[string]entityContext // hourly in-process cache by title
	entAt   map[string]time.Time
	now     func() time.Time
}

// NewNewsEngine creates the engine. An empty API key disables provider
// queries; Score then always returns zero.
func NewNewsEngine(baseURL, apiKey string, st NewsStore, llm EntityExtractor, logger *slog.Logger) *NewsEngine {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetQueryParam("apiKey", apiKey)

	return &NewsEngine{
		http:    client,
		store:   st,
		llm:     llm,
		enabled: apiKey != "",
		logger:  logger.With("component", "news"),
		entHits: make(map[string]entityContext),
		entAt:   make(map[string]time.Time),
		now:     time.Now,
	}
}

// Score runs the full relevance pipeline for a movement.
func (e *NewsEngine) Score(ctx context.Context, mv types.Movement) (NewsResult, error) {
	if !e.enabled {
		return NewsResult{}, nil
	}

	slug, title, err := e.resolveIdentity(ctx, mv.Market)
	if err != nil || title == "" {
		return NewsResult{}, err
	}

	ec := e.entityFor(ctx, title, slug)
	lookback, bucketMs := newsRange(mv.WindowType)
	windowEnd := mv.WindowEnd
	if windowEnd.IsZero() {
		windowEnd = e.now().UTC()
	}
	from := windowEnd.Add(-lookback)
	bucket := windowEnd.UnixMilli() / bucketMs
	cacheSlug := slugify(ec.entity) + "__" + string(mv.WindowType)

	articles, cached := e.cacheGet(ctx, cacheSlug, bucket)
	query := ""
	if !cached {
		query = e.buildQuery(ctx, title, ec)
		articles, err = e.search(ctx, query, from, windowEnd)
		if err != nil {
			e.logger.Warn("news search failed", "market", mv.Market, "error", err)
			return NewsResult{}, nil
		}
		e.cachePut(ctx, cacheSlug, bucket, query, articles)
	}

	kept, scores := filterAndScore(articles, ec, query, windowEnd, lookback)
	agg := aggregateScore(scores, kept)

	headlines := make([]string, 0, 3)
	for i := 0; i < len(kept) && i < 3; i++ {
		headlines = append(headlines, kept[i].Title)
	}
	return NewsResult{Score: agg, Headlines: headlines, Entity: ec.entity, Category: ec.category}, nil
}

// resolveIdentity reads the newest trade for the market to recover its slug
// and title.
func (e *NewsEngine) resolveIdentity(ctx context.Context, market string) (slug, title string, err error) {
	var trades []types.Trade
	err = e.store.Fetch(ctx, store.TableTrades, map[string]string{
		"market_id": store.Eq(market),
		"order":     "ts.desc",
		"limit":     "1",
	}, &trades)
	if err != nil || len(trades) == 0 {
		return "", "", err
	}
	return trades[0].Slug, trades[0].Title, nil
}

// entityFor derives the search identity, trying the fixed vocabularies
// first and the language model only when nothing matches. Results are
// cached in-process for an hour per title.
func (e *NewsEngine) entityFor(ctx context.Context, title, slug string) entityContext {
	e.mu.Lock()
	if at, ok := e.entAt[title]; ok && e.now().Sub(at) < time.Hour {
		ec := e.entHits[title]
		e.mu.Unlock()
		return ec
	}
	e.mu.Unlock()

	ec := deriveEntity(title, slug)
	if ec.category == "" && e.llm != nil {
		entity, category, terms, err := e.llm.Entity(ctx, title, slug)
		if err == nil && entity != "" {
			if len(terms) > 5 {
				terms = terms[:5]
			}
			ec = entityContext{entity: entity, category: category, terms: terms}
		}
	}
	if ec.entity == "" {
		ec.entity = significantWords(title, 4)
	}
	if len(ec.terms) == 0 {
		ec.terms = strings.Fields(strings.ToLower(significantWords(title, 5)))
	}

	e.mu.Lock()
	e.entHits[title] = ec
	e.entAt[title] = e.now()
	e.mu.Unlock()
	return ec
}

// deriveEntity matches the fixed vocabularies in priority order.
func deriveEntity(title, slug string) entityContext {
	haystack := title + " " + strings.ReplaceAll(slug, "-", " ")
	for _, cat := range categoryOrder {
		if m := categoryPatterns[cat].FindString(haystack); m != "" {
			terms := append([]string{strings.ToLower(m)}, categoryTerms[cat]...)
			return entityContext{
				entity:   significantWords(title, 4),
				category: cat,
				terms:    dedupeTerms(terms, 6),
			}
		}
	}
	return entityContext{}
}

// buildQuery asks the language model for 3-5 keywords, falling back to the
// title minus stopwords merged with the top entity terms. Capped at 250
// characters.
func (e *NewsEngine) buildQuery(ctx context.Context, title string, ec entityContext) string {
	var parts []string
	if e.llm != nil {
		if kws, err := e.llm.Keywords(ctx, title); err == nil && len(kws) >= 3 {
			if len(kws) > 5 {
				kws = kws[:5]
			}
			parts = kws
		}
	}
	if len(parts) == 0 {
		parts = strings.Fields(significantWords(title, 6))
		for i, term := range ec.terms {
			if i >= 2 {
				break
			}
			parts = append(parts, term)
		}
	}
	q := strings.Join(dedupeTerms(parts, 10), " ")
	if len(q) > 250 {
		q = q[:250]
	}
	return q
}

func (e *NewsEngine) search(ctx context.Context, query string, from, to time.Time) ([]newsArticle, error) {
	var out newsResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":        query,
			"from":     from.UTC().Format(time.RFC3339),
			"to":       to.UTC().Format(time.RFC3339),
			"sortBy":   "publishedAt",
			"language": "en",
			"pageSize": "30",
		}).
		SetResult(&out).
		Get("/everything")
	if err != nil {
		return nil, fmt.Errorf("news query: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("news query: status %d", resp.StatusCode())
	}
	return out.Articles, nil
}

// newsRange maps a window type to its search lookback and cache bucket.
func newsRange(w types.WindowType) (lookback time.Duration, bucketMs int64) {
	switch w {
	case types.Window5m:
		return time.Hour, (15 * time.Minute).Milliseconds()
	case types.Window15m:
		return 4 * time.Hour, (30 * time.Minute).Milliseconds()
	case types.Window1h:
		return 12 * time.Hour, time.Hour.Milliseconds()
	case types.Window4h:
		return 48 * time.Hour, (2 * time.Hour).Milliseconds()
	case types.WindowEvent:
		return 24 * time.Hour, time.Hour.Milliseconds()
	default:
		return 24 * time.Hour, time.Hour.Milliseconds()
	}
}

func (e *NewsEngine) cacheGet(ctx context.Context, cacheSlug string, bucket int64) ([]newsArticle, bool) {
	var rows []newsCacheRow
	err := e.store.Fetch(ctx, store.TableNewsCache, map[string]string{
		"cache_slug": store.Eq(cacheSlug),
		"bucket":     store.Eq(fmt.Sprintf("%d", bucket)),
		"limit":      "1",
	}, &rows)
	if err != nil || len(rows) == 0 {
		return nil, false
	}
	var articles []newsArticle
	if err := json.Unmarshal([]byte(rows[0].Articles), &articles); err != nil {
		return nil, false
	}
	return articles, true
}

// cachePut writes back even empty result sets, so a quiet news cycle is
// not re-queried every scan.
func (e *NewsEngine) cachePut(ctx context.Context, cacheSlug string, bucket int64, query string, articles []newsArticle) {
	blob, err := json.Marshal(articles)
	if err != nil {
		return
	}
	row := newsCacheRow{
		CacheSlug:    cacheSlug,
		Bucket:       bucket,
		Articles:     string(blob),
		ArticleCount: len(articles),
		Query:        query,
		FetchedAt:    e.now().UTC(),
	}
	if err := e.store.Upsert(ctx, store.TableNewsCache, row, "cache_slug,bucket"); err != nil {
		e.logger.Debug("news cache write failed", "slug", cacheSlug, "error", err)
	}
}

// filterAndScore keeps articles mentioning at least one entity term and
// scores each on entity hits, recency, source quality, and query keyword
// hits. Returns the kept articles sorted by score descending with their
// scores aligned by index.
func filterAndScore(articles []newsArticle, ec entityContext, query string, windowEnd time.Time, lookback time.Duration) ([]newsArticle, []float64) {
	keywords := strings.Fields(strings.ToLower(query))
	type scored struct {
		a newsArticle
		s float64
	}
	var kept []scored

	for _, a := range articles {
		text := strings.ToLower(a.Title + " " + a.Description)
		if strings.TrimSpace(text) == "" || allStopwords(a.Title) && allStopwords(a.Description) {
			continue
		}
		entityHits := 0
		for _, term := range ec.terms {
			if strings.Contains(text, term) {
				entityHits++
			}
		}
		if entityHits == 0 {
			continue
		}

		kwHits := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				kwHits++
			}
		}

		s := 0.45*types.Clamp01(float64(entityHits)/float64(len(ec.terms))) +
			0.35*articleRecency(a.PublishedAt, windowEnd, lookback) +
			0.10*sourceQuality(a.Source.Name) +
			0.10*keywordFraction(kwHits, len(keywords))
		kept = append(kept, scored{a: a, s: s})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].s > kept[j].s })
	outA := make([]newsArticle, len(kept))
	outS := make([]float64, len(kept))
	for i, k := range kept {
		outA[i] = k.a
		outS[i] = k.s
	}
	return outA, outS
}

// aggregateScore folds per-article relevance into one 0..1 number:
// average of the top five, article count, and source diversity.
func aggregateScore(scores []float64, articles []newsArticle) float64 {
	if len(scores) == 0 {
		return 0
	}
	top := scores
	if len(top) > 5 {
		top = top[:5]
	}
	var sum float64
	for _, s := range top {
		sum += s
	}
	avgTop := sum / float64(len(top))

	sources := make(map[string]struct{})
	for _, a := range articles {
		if a.Source.Name != "" {
			sources[a.Source.Name] = struct{}{}
		}
	}

	return 0.35*avgTop +
		0.40*types.Clamp01(float64(len(scores))/8) +
		0.25*types.Clamp01(float64(len(sources))/4)
}

// articleRecency is 1.0 at (or after) the window end and decays linearly
// to 0.05 at the far edge of the lookback.
func articleRecency(publishedAt string, windowEnd time.Time, lookback time.Duration) float64 {
	t, err := time.Parse(time.RFC3339, publishedAt)
	if err != nil {
		return 0.05
	}
	if !t.Before(windowEnd) {
		return 1.0
	}
	age := windowEnd.Sub(t)
	if age >= lookback {
		return 0.05
	}
	frac := 1 - age.Seconds()/lookback.Seconds()
	return 0.05 + 0.95*frac
}

func sourceQuality(name string) float64 {
	if qualitySources[name] {
		return 1.0
	}
	return 0.5
}

func keywordFraction(hits, total int) float64 {
	if total == 0 {
		return 0
	}
	return types.Clamp01(float64(hits) / float64(total))
}

// significantWords keeps the first n non-stopword title words.
func significantWords(title string, n int) string {
	var out []string
	for _, w := range strings.Fields(title) {
		clean := strings.Trim(strings.ToLower(w), "?!.,:;\"'")
		if clean == "" || stopwords[clean] {
			continue
		}
		out = append(out, strings.Trim(w, "?!.,:;\"'"))
		if len(out) >= n {
			break
		}
	}
	return strings.Join(out, " ")
}

func allStopwords(s string) bool {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if !stopwords[strings.Trim(f, "?!.,:;\"'")] {
			return false
		}
	}
	return true
}

func dedupeTerms(terms []string, max int) []string {
	seen := make(map[string]struct{}, len(terms))
	var out []string
	for _, t := range terms {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) >= max {
			break
		}
	}
	return out
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
