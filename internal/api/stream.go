package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

const (
	pollEvery      = time.Second
	heartbeatEvery = 15 * time.Second
	burstLimit     = 500
	pollLimit      = 500
	rotateRewind   = 2 * time.Minute
)

// streamRequest is the parsed /stream query.
type streamRequest struct {
	markets   []string
	assets    []string
	slugs     []string
	eventView bool // event_slug request: keep all child markets, all outcomes
	yesOnly   bool
	bucket    time.Duration
}

func parseStreamRequest(q url.Values) streamRequest {
	req := streamRequest{
		markets: splitCSV(q.Get("market_id")),
		assets:  splitCSV(q.Get("asset_id")),
		yesOnly: q.Get("yesOnly") == "1" || q.Get("yesOnly") == "true",
	}
	if slugs := splitCSV(q.Get("event_slug")); len(slugs) > 0 {
		req.slugs = slugs
		req.eventView = true
	} else {
		req.slugs = splitCSV(q.Get("slugs"))
	}
	if n, err := strconv.Atoi(q.Get("bucketMinutes")); err == nil && n > 0 {
		req.bucket = time.Duration(n) * time.Minute
	}
	return req
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r.URL.Query())
	ctx := r.Context()

	markets, err := s.resolveMarkets(ctx, req)
	if err != nil {
		s.logger.Warn("stream market resolution failed", "error", err)
	}
	if len(markets) == 0 {
		writeError(w, http.StatusBadRequest, "no markets")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess := &streamSession{
		id:       uuid.NewString(),
		srv:      s,
		req:      req,
		markets:  markets,
		w:        w,
		flusher:  flusher,
		dominant: s.dominantMap(ctx, markets),
		index0:   make(map[string]string),
		buckets:  make(map[string]int64),
	}
	s.logger.Info("stream opened", "session", sess.id, "markets", len(markets), "event_view", req.eventView)
	sess.run(ctx)
}

// resolveMarkets turns the request into concrete market ids. Slug requests
// go through recent trades; when those are silent the last 10 minutes of
// active assets stand in.
func (s *Server) resolveMarkets(ctx context.Context, req streamRequest) ([]string, error) {
	if len(req.markets) > 0 {
		return req.markets, nil
	}
	if len(req.assets) > 0 {
		var ticks []types.Tick
		err := s.store.Fetch(ctx, store.TableTicks, map[string]string{
			"asset_id": store.In(req.assets),
			"order":    "ts.desc",
			"limit":    "200",
		}, &ticks)
		if err != nil {
			return nil, err
		}
		return distinctMarkets(ticks), nil
	}
	if len(req.slugs) > 0 {
		return s.resolveBySlugs(ctx, req.slugs, req.eventView)
	}
	return nil, nil
}

func (s *Server) resolveBySlugs(ctx context.Context, slugs []string, keepAll bool) ([]string, error) {
	var trades []types.Trade
	err := s.store.Fetch(ctx, store.TableTrades, map[string]string{
		"event_slug": store.In(slugs),
		"order":      "ts.desc",
		"limit":      "300",
	}, &trades)
	if err != nil {
		return nil, err
	}

	marketSlug := make(map[string]string) // candidate market -> slug
	var candidates []string
	for _, tr := range trades {
		if _, seen := marketSlug[tr.Market]; !seen {
			marketSlug[tr.Market] = tr.Slug
			candidates = append(candidates, tr.Market)
		}
	}

	if len(candidates) == 0 {
		// Nothing traded under these slugs recently; fall back to whatever
		// was active in the last 10 minutes.
		var ticks []types.Tick
		err := s.store.Fetch(ctx, store.TableTicks, map[string]string{
			"ts":    store.Gte(s.now().Add(-10 * time.Minute)),
			"order": "ts.desc",
			"limit": "500",
		}, &ticks)
		if err != nil {
			return nil, err
		}
		return distinctMarkets(ticks), nil
	}
	if keepAll {
		return candidates, nil
	}

	// Collapse each slug to its single most-recent market by newest tick.
	var ticks []types.Tick
	if err := s.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.In(candidates),
		"order":     "ts.desc",
		"limit":     "500",
	}, &ticks); err != nil {
		ticks = nil
	}
	chosen := make(map[string]string) // slug -> market
	for _, tk := range ticks {
		slug, ok := marketSlug[tk.Market]
		if !ok {
			continue
		}
		if _, done := chosen[slug]; !done {
			chosen[slug] = tk.Market
		}
	}
	// Slugs with no ticks at all keep their newest-traded candidate.
	for _, m := range candidates {
		slug := marketSlug[m]
		if _, done := chosen[slug]; !done {
			chosen[slug] = m
		}
	}

	var out []string
	for _, m := range candidates {
		if chosen[marketSlug[m]] == m {
			out = append(out, m)
		}
	}
	return out, nil
}

func distinctMarkets(ticks []types.Tick) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tk := range ticks {
		if _, ok := seen[tk.Market]; ok {
			continue
		}
		seen[tk.Market] = struct{}{}
		out = append(out, tk.Market)
	}
	return out
}

func (s *Server) dominantMap(ctx context.Context, markets []string) map[string]string {
	var rows []types.DominantOutcome
	err := s.store.Fetch(ctx, store.TableDominantOutcomes, map[string]string{
		"market_id": store.In(markets),
	}, &rows)
	if err != nil {
		s.logger.Debug("dominant map fetch failed", "error", err)
		return map[string]string{}
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Market] = row.Outcome
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

type streamSession struct {
	id      string
	srv     *Server
	req     streamRequest
	markets []string
	w       http.ResponseWriter
	flusher http.Flusher

	dominant map[string]string
	index0   map[string]string // market -> outcome observed at index 0
	buckets  map[string]int64  // (market|outcome) -> last emitted bucket

	lastTick  time.Time
	lastTrade time.Time
	lastMove  time.Time
	staleRuns int
	sawTicks  bool

	closeOnce sync.Once
}

type rotateEvent struct {
	Markets []string `json:"market_ids"`
}

type movementEvent struct {
	types.Movement
	Explanation string `json:"explanation,omitempty"`
}

type errorEvent struct {
	Message string `json:"message"`
}

func (ss *streamSession) run(ctx context.Context) {
	defer ss.close()

	now := ss.srv.now().UTC()
	ss.lastTick, ss.lastTrade, ss.lastMove = now, now, now
	ss.burst(ctx)

	// The poll ticker drops missed ticks, so a slow poll never overlaps
	// the next one.
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	heart := time.NewTicker(heartbeatEvery)
	defer heart.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if err := ss.poll(ctx); err != nil {
				return
			}
		case <-heart.C:
			if _, err := fmt.Fprint(ss.w, ": keep-alive\n\n"); err != nil {
				return
			}
			ss.flusher.Flush()
		}
	}
}

func (ss *streamSession) close() {
	ss.closeOnce.Do(func() {
		ss.srv.logger.Info("stream closed", "session", ss.id)
	})
}

// burst emits the latest tick per (market, outcome) so a client has a full
// picture before incremental polling starts.
func (ss *streamSession) burst(ctx context.Context) {
	var ticks []types.Tick
	err := ss.srv.store.Fetch(ctx, store.TableTicks, map[string]string{
		"market_id": store.In(ss.markets),
		"order":     "ts.desc",
		"limit":     strconv.Itoa(burstLimit),
	}, &ticks)
	if err != nil {
		ss.srv.logger.Warn("stream burst failed", "session", ss.id, "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, tk := range ticks {
		key := tk.Market + "|" + tk.Outcome
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !ss.shouldInclude(tk.Market, tk.Outcome) {
			continue
		}
		if ss.writeEvent("tick", tk) != nil {
			return
		}
	}
	if len(ticks) > 0 && ticks[0].Timestamp.After(ss.lastTick) {
		ss.lastTick = ticks[0].Timestamp
	}
}

func (ss *streamSession) poll(ctx context.Context) error {
	var (
		ticks  []types.Tick
		trades []types.Trade
		moves  []types.Movement
		errs   [3]error
		wg     sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		errs[0] = ss.srv.store.Fetch(ctx, store.TableTicks, map[string]string{
			"market_id": store.In(ss.markets),
			"ts":        store.Gt(ss.lastTick),
			"order":     "ts.asc",
			"limit":     strconv.Itoa(pollLimit),
		}, &ticks)
	}()
	go func() {
		defer wg.Done()
		errs[1] = ss.srv.store.Fetch(ctx, store.TableTrades, map[string]string{
			"market_id": store.In(ss.markets),
			"ts":        store.Gt(ss.lastTrade),
			"order":     "ts.asc",
			"limit":     strconv.Itoa(pollLimit),
		}, &trades)
	}()
	go func() {
		defer wg.Done()
		errs[2] = ss.srv.store.Fetch(ctx, store.TableMovements, map[string]string{
			"market_id":  store.In(ss.movementTargets()),
			"created_at": store.Gt(ss.lastMove),
			"order":      "created_at.asc",
			"limit":      "100",
		}, &moves)
	}()
	wg.Wait()

	// Every branch is processed even when a sibling fetch failed.
	for i, err := range errs {
		if err != nil {
			ss.srv.logger.Warn("stream poll fetch failed", "session", ss.id, "branch", i, "error", err)
			if werr := ss.writeEvent("error", errorEvent{Message: "poll failed, retrying"}); werr != nil {
				return werr
			}
		}
	}

	if err := ss.emitTicks(ticks); err != nil {
		return err
	}
	if errs[0] == nil {
		if err := ss.checkStale(ctx, len(ticks)); err != nil {
			return err
		}
	}

	for _, tr := range trades {
		if tr.OutcomeIndex == 0 && tr.Outcome != "" {
			ss.index0[tr.Market] = tr.Outcome
		}
		if tr.Timestamp.After(ss.lastTrade) {
			ss.lastTrade = tr.Timestamp
		}
		if !ss.shouldInclude(tr.Market, tr.Outcome) {
			continue
		}
		if err := ss.writeEvent("trade", tr); err != nil {
			return err
		}
	}

	return ss.emitMovements(ctx, moves)
}

func (ss *streamSession) emitTicks(ticks []types.Tick) error {
	for _, tk := range ticks {
		if tk.Timestamp.After(ss.lastTick) {
			ss.lastTick = tk.Timestamp
		}
		if !ss.shouldInclude(tk.Market, tk.Outcome) {
			continue
		}
		if ss.req.bucket > 0 {
			key := tk.Market + "|" + tk.Outcome
			bucket := tk.Timestamp.UnixMilli() / ss.req.bucket.Milliseconds()
			if ss.buckets[key] == bucket {
				continue
			}
			ss.buckets[key] = bucket
		}
		if err := ss.writeEvent("tick", tk); err != nil {
			return err
		}
	}
	if len(ticks) > 0 {
		ss.sawTicks = true
	}
	return nil
}

// emitMovements attaches narratives in one bulk explanation fetch. Event
// movements carry their anchor market in the first sentence; the "X led the
// move. Price moved ..." template form is folded into "X moved ...".
func (ss *streamSession) emitMovements(ctx context.Context, moves []types.Movement) error {
	if len(moves) == 0 {
		return nil
	}
	ids := make([]string, 0, len(moves))
	for _, mv := range moves {
		ids = append(ids, mv.ID)
	}
	texts := make(map[string]string, len(ids))
	var expl []types.Explanation
	err := ss.srv.store.Fetch(ctx, store.TableExplanations, map[string]string{
		"movement_id": store.In(ids),
	}, &expl)
	if err != nil {
		ss.srv.logger.Debug("explanation fetch failed", "session", ss.id, "error", err)
	} else {
		for _, e := range expl {
			texts[e.MovementID] = e.Text
		}
	}

	for _, mv := range moves {
		if mv.CreatedAt.After(ss.lastMove) {
			ss.lastMove = mv.CreatedAt
		}
		text := texts[mv.ID]
		if strings.HasPrefix(mv.Market, "event:") {
			text = foldEventNarrative(text)
		}
		if err := ss.writeEvent("movement", movementEvent{Movement: mv, Explanation: text}); err != nil {
			return err
		}
	}
	return nil
}

const ledPhrase = " led the move. Price moved"

func foldEventNarrative(text string) string {
	i := strings.Index(text, ledPhrase)
	if i <= 0 {
		return text
	}
	return text[:i] + " moved" + text[i+len(ledPhrase):]
}

// checkStale re-resolves slugs after enough consecutive empty polls and
// tells the client which markets it is now following.
func (ss *streamSession) checkStale(ctx context.Context, gotTicks int) error {
	if gotTicks > 0 {
		ss.staleRuns = 0
		return nil
	}
	if !ss.sawTicks || len(ss.req.slugs) == 0 {
		return nil
	}
	ss.staleRuns++
	if ss.staleRuns < ss.srv.cfg.StaleThreshold {
		return nil
	}

	markets, err := ss.srv.resolveBySlugs(ctx, ss.req.slugs, ss.req.eventView)
	ss.staleRuns = 0
	if err != nil || len(markets) == 0 {
		return nil
	}
	ss.markets = markets
	ss.dominant = ss.srv.dominantMap(ctx, markets)
	ss.lastTick = ss.srv.now().Add(-rotateRewind)
	ss.srv.logger.Info("stream rotated", "session", ss.id, "markets", len(markets))
	return ss.writeEvent("rotate", rotateEvent{Markets: markets})
}

func (ss *streamSession) movementTargets() []string {
	targets := append([]string(nil), ss.markets...)
	for _, slug := range ss.req.slugs {
		targets = append(targets, "event:"+slug)
	}
	return targets
}

// shouldInclude filters rows per outcome: event views pass everything,
// yesOnly passes "Yes", binary markets pass only the primary outcome, and
// everything else follows the dominant outcome when one is known.
func (ss *streamSession) shouldInclude(market, outcome string) bool {
	if strings.HasPrefix(market, "event:") || ss.req.eventView {
		return true
	}
	if ss.req.yesOnly {
		return outcome == "Yes"
	}
	dom := ss.dominant[market]
	if isBinaryOutcome(outcome) {
		primary := dom
		if primary == "" {
			primary = ss.index0[market]
		}
		if primary == "" {
			return outcome == "Yes" || outcome == "Up"
		}
		return outcome == primary
	}
	if dom != "" {
		return outcome == dom
	}
	return true
}

func isBinaryOutcome(outcome string) bool {
	switch outcome {
	case "Yes", "No", "Up", "Down":
		return true
	}
	return false
}

func (ss *streamSession) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ss.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	ss.flusher.Flush()
	return nil
}
