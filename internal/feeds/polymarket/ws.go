// Package polymarket implements the Polymarket source adapters: the CLOB
// market-data websocket (trades + book snapshots), the Gamma metadata
// client that hydrates market → asset mappings, and the REST backfill
// client that gap-fills silent slugs.
//
// The websocket feed is sharded: the tracked asset set is partitioned into
// groups of at most MAX_CLOB_ASSETS, one socket per group. Each socket
// reconnects independently with exponential backoff and jitter, replays
// its subscriptions on every (re)open, sends a keepalive ping, and is
// force-closed by a staleness monitor when the server goes silent.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
)

const (
	pingInterval = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Resolver maps asset ids to market/outcome metadata during normalization.
type Resolver interface {
	Asset(asset string) (market string, meta feeds.AssetMeta, ok bool)
}

// Feed is the sharded CLOB websocket adapter. It satisfies feeds.Adapter.
type Feed struct {
	url        string
	handlers   feeds.Handlers
	resolver   Resolver
	staleAfter time.Duration
	staleCheck time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	shards []*shardConn
	subs   map[string]bool // desired set across all shards
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFeed creates the adapter. Subscriptions are normally driven by the
// subscription controller through RebuildShards; Subscribe/Unsubscribe
// exist for targeted additions.
func NewFeed(url string, handlers feeds.Handlers, resolver Resolver, staleAfter, staleCheck, maxBackoff time.Duration, logger *slog.Logger) *Feed {
	return &Feed{
		url:        url,
		handlers:   handlers,
		resolver:   resolver,
		staleAfter: staleAfter,
		staleCheck: staleCheck,
		maxBackoff: maxBackoff,
		logger:     logger.With("component", "clob-ws"),
		subs:       make(map[string]bool),
	}
}

// Start runs until ctx is cancelled. Socket lifecycles are owned by the
// shard goroutines created via RebuildShards.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()
	<-f.ctx.Done()
	f.closeShardsLocked()
	return f.ctx.Err()
}

// Stop tears down all shard sockets.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	return nil
}

// Subscribe adds one instrument to the last shard (or a new one).
func (f *Feed) Subscribe(instrument string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[instrument] {
		return
	}
	f.subs[instrument] = true
	if len(f.shards) == 0 {
		f.startShardLocked([]string{instrument})
		return
	}
	f.shards[len(f.shards)-1].subscribe(instrument)
}

// Unsubscribe removes an instrument from whichever shard carries it.
func (f *Feed) Unsubscribe(instrument string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, instrument)
	for _, sh := range f.shards {
		sh.unsubscribe(instrument)
	}
}

// Subscribed returns the union of all shard subscription sets, sorted.
func (f *Feed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RebuildShards replaces the shard layout wholesale. The subscription
// controller calls this (debounced) when the tracked set changes.
func (f *Feed) RebuildShards(shards [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeShardsInnerLocked()
	f.subs = make(map[string]bool)
	for _, group := range shards {
		for _, id := range group {
			f.subs[id] = true
		}
		f.startShardLocked(group)
	}
	f.logger.Info("shards rebuilt", "shards", len(shards), "assets", len(f.subs))
}

func (f *Feed) startShardLocked(assets []string) {
	if f.ctx == nil || f.ctx.Err() != nil {
		return
	}
	sh := newShardConn(f, assets)
	f.shards = append(f.shards, sh)
	go sh.run(f.ctx)
}

func (f *Feed) closeShardsLocked() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeShardsInnerLocked()
}

func (f *Feed) closeShardsInnerLocked() {
	for _, sh := range f.shards {
		sh.close()
	}
	f.shards = nil
}

// shardConn is one websocket carrying a slice of the tracked asset set.
type shardConn struct {
	feed *Feed

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]bool
	lastMsgAt  time.Time
	closed     bool

	backoff *feeds.Backoff
	logger  *slog.Logger
}

func newShardConn(f *Feed, assets []string) *shardConn {
	subs := make(map[string]bool, len(assets))
	for _, a := range assets {
		subs[a] = true
	}
	return &shardConn{
		feed:       f,
		subscribed: subs,
		backoff:    feeds.NewBackoff(time.Second, f.maxBackoff),
		logger:     f.logger.With("shard_assets", len(assets)),
	}
}

// run connects and reads until the shard is closed, reconnecting with
// backoff. Attempts within 1 s of the previous one are re-scheduled
// without dialing.
func (s *shardConn) run(ctx context.Context) {
	for {
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		if s.backoff.Throttled() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff.Next()):
			}
			continue
		}

		err := s.connectAndRead(ctx)
		if s.isClosed() || ctx.Err() != nil {
			return
		}

		if err != nil && feeds.IsRateLimitSignal(err.Error(), 0) {
			s.backoff.RateLimited()
		}
		wait := s.backoff.Next()
		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *shardConn) connectAndRead(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.feed.url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if feeds.IsRateLimitSignal(err.Error(), status) {
			s.backoff.RateLimited()
		}
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastMsgAt = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		conn.Close()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.replaySubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("websocket connected")
	s.backoff.Reset()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(loopCtx)
	go s.staleMonitor(loopCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.mu.Lock()
		s.lastMsgAt = time.Now()
		s.mu.Unlock()

		if feeds.IsRateLimitSignal(string(msg), 0) {
			s.backoff.RateLimited()
			return fmt.Errorf("rate limited by venue")
		}
		s.dispatch(msg)
	}
}

// replaySubscriptions sends the full subscription set after every open.
func (s *shardConn) replaySubscriptions() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return s.writeJSON(map[string]any{
		"type":       "market",
		"assets_ids": ids,
	})
}

func (s *shardConn) subscribe(id string) {
	s.mu.Lock()
	s.subscribed[id] = true
	s.mu.Unlock()
	s.writeJSON(map[string]any{"operation": "subscribe", "assets_ids": []string{id}})
}

func (s *shardConn) unsubscribe(id string) {
	s.mu.Lock()
	had := s.subscribed[id]
	delete(s.subscribed, id)
	s.mu.Unlock()
	if had {
		s.writeJSON(map[string]any{"operation": "unsubscribe", "assets_ids": []string{id}})
	}
}

func (s *shardConn) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "trade", "last_trade_price":
		var msg tradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error("unmarshal trade message", "error", err)
			return
		}
		tr, ok := normalizeTrade(msg, data, s.feed.resolver)
		if !ok {
			return
		}
		if s.feed.handlers.Trade != nil {
			s.feed.handlers.Trade(tr)
		}

	case "book":
		var msg bookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error("unmarshal book message", "error", err)
			return
		}
		tk, ok := normalizeBook(msg, s.feed.resolver)
		if !ok {
			return
		}
		if s.feed.handlers.Tick != nil {
			s.feed.handlers.Tick(tk)
		}

	case "price_change", "tick_size_change", "new_market", "market_resolved":
		// Book deltas and lifecycle notices; the full snapshots carry
		// everything the tick writer needs.

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *shardConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeText("PING"); err != nil {
				return
			}
		}
	}
}

// staleMonitor force-closes the socket when the server has been silent
// past the staleness threshold; the read loop then errors and reconnects.
func (s *shardConn) staleMonitor(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.feed.staleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastMsgAt)
			s.mu.Unlock()
			if idle > s.feed.staleAfter {
				s.logger.Warn("websocket stale, forcing close", "idle", idle)
				conn.Close()
				return
			}
		}
	}
}

func (s *shardConn) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *shardConn) writeText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *shardConn) close() {
	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *shardConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
