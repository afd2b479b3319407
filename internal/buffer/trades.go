// Package buffer implements the persistence path between the feeds and the
// table store: a batched trade writer with a circuit breaker and disk
// spool, an id dedup cache, and the per-market aggregate engine.
//
// Submit never blocks on I/O. Trades accumulate in memory and are written
// when the batch fills or the flush timer fires, whichever comes first.
// Repeated flush failures trip a breaker; while it is open, batches go to
// the on-disk journal instead, and a periodic replay drains the journal
// once the store recovers. Nothing is ever dropped.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Inserter is the slice of the store gateway the trade buffer needs.
type Inserter interface {
	Insert(ctx context.Context, table string, rows any) error
}

// TradeBuffer batches normalized trades into store inserts.
type TradeBuffer struct {
	store   Inserter
	spool   *Spool
	dedupe  *dedupeCache
	breaker *gobreaker.CircuitBreaker
	cfg     config.BufferConfig
	logger  *slog.Logger

	mu      sync.Mutex
	pending []types.Trade

	flushCh chan struct{} // size-triggered flush signal
	flushMu sync.Mutex    // serializes flushes
}

// NewTradeBuffer wires the batch writer, its breaker, and the spool.
func NewTradeBuffer(st Inserter, spool *Spool, cfg config.BufferConfig, logger *slog.Logger) *TradeBuffer {
	settings := gobreaker.Settings{
		Name:     "trade-insert",
		Interval: cfg.FailWindow, // failure counts reset on this cadence
		Timeout:  cfg.FailWindow, // open → half-open probe delay
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailThreshold)
		},
	}
	b := &TradeBuffer{
		store:   st,
		spool:   spool,
		dedupe:  newDedupeCache(cfg.DedupeTTL, 0),
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		logger:  logger.With("component", "trade-buffer"),
		pending: make([]types.Trade, 0, cfg.MaxTrades),
		flushCh: make(chan struct{}, 1),
	}
	return b
}

// Submit queues a trade for persistence. Returns immediately; duplicates
// within the dedup TTL are silently dropped. Safe for concurrent use.
func (b *TradeBuffer) Submit(tr types.Trade) {
	if b.dedupe.Seen(tr.ID) {
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, tr)
	full := len(b.pending) >= b.cfg.MaxTrades
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Depth returns the number of buffered trades.
func (b *TradeBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run drives the time-based flush and the size-triggered flush until ctx
// ends. A final flush runs on shutdown so in-memory trades land in the
// store or the spool.
func (b *TradeBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushCh:
			b.Flush(ctx)
		}
	}
}

// Flush writes the current batch. Flushes are serialized; batches are
// written one at a time in submission order.
func (b *TradeBuffer) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]types.Trade, 0, b.cfg.MaxTrades)
	b.mu.Unlock()

	_, err := b.breaker.Execute(func() (any, error) {
		err := b.store.Insert(ctx, store.TableTrades, batch)
		if err != nil && store.IsDuplicateKey(err) {
			// Someone already wrote (part of) this batch; idempotent success.
			return nil, nil
		}
		return nil, err
	})
	if err == nil {
		b.logger.Debug("trade batch flushed", "count", len(batch))
		return
	}

	// Store down or breaker open: journal the batch verbatim.
	if spoolErr := b.spool.Append(batch); spoolErr != nil {
		b.logger.Error("spool append failed, re-buffering batch",
			"count", len(batch), "error", spoolErr)
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return
	}
	b.logger.Warn("trade flush failed, batch spooled", "count", len(batch), "error", err)
}

// RunSpoolReplay periodically drains the journal. Single-record inserts so
// one bad row cannot hold the rest hostage; duplicate-key errors count as
// success.
func (b *TradeBuffer) RunSpoolReplay(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SpoolReplayEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ReplaySpool(ctx)
		}
	}
}

// ReplaySpool runs one replay pass over the journal.
func (b *TradeBuffer) ReplaySpool(ctx context.Context) {
	_, _, err := b.spool.Replay(func(tr types.Trade) error {
		err := b.store.Insert(ctx, store.TableTrades, []types.Trade{tr})
		if err != nil && store.IsDuplicateKey(err) {
			return nil
		}
		return err
	})
	if err != nil {
		b.logger.Error("spool replay failed", "error", err)
	}
}
