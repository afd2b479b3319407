// Package engine is the central orchestrator of the collector.
//
// It wires together all subsystems:
//
//  1. The Polymarket websocket feed streams trades and book ticks; the
//     subscription controller decides which assets are worth a socket slot
//     and reshards the feed as mover statistics change. A REST poller can
//     cover the same assets for deployments without a socket.
//  2. Trades fan out to the batch writer, the aggregate buffer, mover
//     stats, and the three movement detectors; ticks go to the mid-tick
//     writer and the real-time detector.
//  3. The finalize worker settles OPEN movements and hands them to the
//     signal scorer (news + language model + templates).
//  4. The API server exposes the live SSE stream and the track endpoint.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/api"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/buffer"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds/poller"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds/polymarket"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/movement"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/signal"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/ticks"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

const (
	hydrateEvery    = 5 * time.Minute
	evictEvery      = 10 * time.Minute
	detectorWorkers = 8
	detectorQueue   = 256
	tickQueue       = 512
)

// Engine owns the lifecycle of every goroutine in the collector.
type Engine struct {
	cfg    *config.Config
	store  *store.Client
	logger *slog.Logger

	movers   *feeds.MoverStats
	ctrl     *feeds.Controller
	feed     *polymarket.Feed
	poll     *poller.Poller
	meta     *polymarket.MetadataClient
	backfill *polymarket.BackfillJob
	dominant *feeds.DominantTracker

	tradeBuf   *buffer.TradeBuffer
	aggBuf     *buffer.AggregateBuffer
	tickWriter *ticks.Writer
	spool      *buffer.Spool
	tradeLog   *tradeLogger

	realtime  *movement.RealtimeDetector
	windows   *movement.WindowDetector
	events    *movement.EventDetector
	finalizer *movement.FinalizeWorker

	apiServer *api.Server
	cron      *cron.Cron

	// Detector work is hashed by (market, outcome) so scans for one key
	// stay serialized in arrival order.
	detectorCh []chan types.Trade
	tickCh     chan types.Tick

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates and wires all collector components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.New(cfg.Store.URL, cfg.Store.ServiceKey, logger)
	if err != nil {
		return nil, err
	}
	st.SetRetryLogging(cfg.Logging.Retries)
	spool, err := buffer.NewSpool(cfg.Buffer.SpoolPath, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		store:      st,
		logger:     logger.With("component", "engine"),
		movers:     feeds.NewMoverStats(cfg.Feeds.MoverWindow),
		tradeBuf:   buffer.NewTradeBuffer(st, spool, cfg.Buffer, logger),
		aggBuf:     buffer.NewAggregateBuffer(st, cfg.Aggregate, logger),
		tickWriter: ticks.NewWriter(st, cfg.Logging.MidTicks, logger),
		realtime:   movement.NewRealtimeDetector(cfg.Realtime, st, logger),
		windows:    movement.NewWindowDetector(cfg.Windows, cfg.Movement, st, logger),
		spool:      spool,
		tradeLog:   newTradeLogger(cfg.Logging, logger),
		cron:       cron.New(),
		tickCh:     make(chan types.Tick, tickQueue),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	e.ctrl = feeds.NewController(e.movers, cfg.Feeds.MaxAssetsPerMarket, cfg.Feeds.MaxCLOBAssets,
		func(shards [][]string) {
			if e.feed != nil {
				e.feed.RebuildShards(shards)
			}
			if e.poll != nil {
				e.syncPollerSubs(shards)
			}
		}, logger)

	e.feed = polymarket.NewFeed(cfg.Feeds.PolymarketWSURL,
		feeds.Handlers{Trade: e.onTrade, Tick: e.onTick},
		e.ctrl, cfg.Feeds.StaleAfter, cfg.Feeds.StaleCheckEvery, cfg.Feeds.MaxBackoff, logger)

	if cfg.Feeds.PollVenueURL != "" {
		venue := polymarket.NewRESTVenue(cfg.Feeds.PollVenueURL, e.ctrl, logger)
		e.poll = poller.New(venue, feeds.Handlers{Trade: e.onTrade, Tick: e.onTick},
			cfg.Feeds.MinRequestGap, cfg.Feeds.MaxBackoff, logger)
	}

	e.meta = polymarket.NewMetadataClient(cfg.Feeds.MetadataURL, cfg.Feeds.EventSlugs, logger)
	e.dominant = feeds.NewDominantTracker(e.movers, st, cfg.Feeds.DominantTTL, logger)
	e.events = movement.NewEventDetector(cfg.Windows, cfg.Movement, st, e.ctrl, logger)

	llm := signal.NewLLMClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)
	news := signal.NewNewsEngine(cfg.News.BaseURL, cfg.News.APIKey, st, llm, logger)
	scorer := signal.NewScorer(cfg.Signal, st, news, llm, e.events.TopChild, logger)
	e.finalizer = movement.NewFinalizeWorker(cfg.Finalize, st, scorer, logger)

	if cfg.Feeds.BackfillURL != "" {
		e.backfill = polymarket.NewBackfillJob(cfg.Feeds.BackfillURL, e.ctrl, e.movers, e.onTrade,
			cfg.Feeds.MinRequestGap, cfg.Backfill.Lookback, cfg.Backfill.SilenceThreshold,
			cfg.Backfill.MaxTradesPerSlug, logger)
	}

	e.apiServer = api.NewServer(cfg.Server, st, logger)
	e.apiServer.SetStats(func() map[string]any {
		stats := map[string]any{
			"uptime_s":     int(time.Since(e.startedAt).Seconds()),
			"buffer_depth": e.tradeBuf.Depth(),
			"spool_lines":  e.spool.Len(),
			"subscribed":   len(e.feed.Subscribed()),
		}
		if e.poll != nil {
			stats["polled"] = len(e.poll.Subscribed())
		}
		return stats
	})

	e.detectorCh = make([]chan types.Trade, detectorWorkers)
	for i := range e.detectorCh {
		e.detectorCh[i] = make(chan types.Trade, detectorQueue)
	}
	return e, nil
}

// Start launches all background goroutines and the cron schedule.
func (e *Engine) Start() error {
	e.spawn(func() {
		if err := e.feed.Start(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("feed stopped", "error", err)
		}
	})
	if e.poll != nil {
		e.spawn(func() {
			if err := e.poll.Start(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("poller stopped", "error", err)
			}
		})
	}
	e.spawn(func() { e.tradeBuf.Run(e.ctx) })
	e.spawn(func() { e.tradeBuf.RunSpoolReplay(e.ctx) })
	e.spawn(func() { e.aggBuf.Run(e.ctx) })
	e.spawn(func() { e.meta.RunHydration(e.ctx, hydrateEvery, e.ctrl) })
	e.spawn(func() { e.finalizer.Run(e.ctx) })
	e.spawn(func() {
		if err := e.apiServer.Start(); err != nil {
			e.logger.Error("api server stopped", "error", err)
		}
	})

	for _, ch := range e.detectorCh {
		ch := ch
		e.spawn(func() { e.runDetectorWorker(ch) })
	}
	e.spawn(func() { e.runTickWorker() })
	if e.cfg.Logging.TradeGrouped {
		e.spawn(func() { e.tradeLog.run(e.ctx) })
	}

	e.scheduleJobs()
	e.cron.Start()

	e.logger.Info("collector started",
		"slugs", e.cfg.Feeds.EventSlugs,
		"windows", len(e.cfg.Windows),
		"backfill", e.backfill != nil,
	)
	return nil
}

// Stop tears everything down and flushes what is still buffered.
func (e *Engine) Stop() {
	e.logger.Info("stopping collector")
	e.cancel()
	e.cron.Stop()
	if err := e.apiServer.Stop(); err != nil {
		e.logger.Error("api server shutdown failed", "error", err)
	}
	if err := e.feed.Stop(); err != nil {
		e.logger.Error("feed shutdown failed", "error", err)
	}
	e.wg.Wait()

	// Last chance for buffered rows; the spool catches what the store
	// refuses.
	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	e.tradeBuf.Flush(flushCtx)
	e.aggBuf.FlushAll(flushCtx)
	e.logger.Info("collector stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) scheduleJobs() {
	every := func(d time.Duration, job func()) {
		if d <= 0 {
			return
		}
		if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", d), job); err != nil {
			e.logger.Error("cron schedule failed", "interval", d, "error", err)
		}
	}

	every(e.cfg.Feeds.MoverRefresh, e.ctrl.Recompute)
	every(e.cfg.Feeds.DominantTTL, func() {
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		defer cancel()
		e.dominant.Snapshot(ctx, e.movers.Markets())
	})
	every(evictEvery, func() {
		if n := e.realtime.Evict(); n > 0 {
			e.logger.Debug("evicted idle realtime state", "assets", n)
		}
	})
	if e.backfill != nil {
		every(e.cfg.Backfill.Interval, func() { e.backfill.Run(e.ctx) })
	}
}

// syncPollerSubs mirrors the controller's asset set onto the REST poller's
// rotation whenever the shards are rebuilt.
func (e *Engine) syncPollerSubs(shards [][]string) {
	want := make(map[string]bool)
	for _, shard := range shards {
		for _, asset := range shard {
			want[asset] = true
		}
	}
	for _, cur := range e.poll.Subscribed() {
		if want[cur] {
			delete(want, cur)
			continue
		}
		e.poll.Unsubscribe(cur)
	}
	for asset := range want {
		e.poll.Subscribe(asset)
	}
}

// onTrade is the single entry point for every normalized trade, live or
// backfilled.
func (e *Engine) onTrade(tr types.Trade) {
	e.tradeLog.observe(tr)
	e.movers.Record(tr)
	e.tradeBuf.Submit(tr)
	e.aggBuf.Submit(tr)
	e.realtime.OnTrade(tr)

	idx := keyHash(tr.Market+"|"+tr.Outcome) % uint32(len(e.detectorCh))
	select {
	case e.detectorCh[idx] <- tr:
	default:
		// Detector scans are cooldown-gated; dropping under burst only
		// delays a scan to the next trade on the same key.
		e.logger.Debug("detector queue full", "market", tr.Market)
	}
}

func (e *Engine) onTick(tk types.Tick) {
	select {
	case e.tickCh <- tk:
	default:
		e.logger.Debug("tick queue full", "market", tk.Market)
	}
}

func (e *Engine) runDetectorWorker(ch <-chan types.Trade) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tr := <-ch:
			e.windows.OnTrade(e.ctx, tr)
			e.events.OnTrade(e.ctx, tr)
		}
	}
}

func (e *Engine) runTickWorker() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tk := <-e.tickCh:
			if err := e.tickWriter.Write(e.ctx, tk); err != nil && e.ctx.Err() == nil {
				e.logger.Debug("tick write failed", "market", tk.Market, "error", err)
			}
			e.realtime.OnTick(e.ctx, tk)
		}
	}
}

func keyHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
