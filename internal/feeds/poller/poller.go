// Package poller implements the generic REST polling adapter for venues
// without a streaming feed. All requests flow through one sequential queue
// paced by a minimum inter-request gap, so the adapter never exceeds the
// venue's published rate regardless of how many instruments it tracks.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/feeds"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Venue is the REST surface a polled source must expose. Book returns the
// current best bid/ask for one instrument (ok=false when the venue has no
// book). TradesSince returns trades with ids strictly greater than the
// cursor, oldest first, plus the new cursor.
type Venue interface {
	Book(ctx context.Context, instrument string) (types.Tick, bool, error)
	TradesSince(ctx context.Context, instrument, cursor string) ([]types.Trade, string, error)
}

// Poller drives a Venue on a sequential request queue. Each slot services
// one instrument, alternating between book and trade polls, round-robin
// across the subscription set. It satisfies feeds.Adapter.
type Poller struct {
	venue    Venue
	handlers feeds.Handlers
	limiter  *rate.Limiter
	backoff  *feeds.Backoff
	logger   *slog.Logger

	mu       sync.Mutex
	subs     []string
	bookIdx  int
	tradeIdx int
	cursors  map[string]string // instrument → last trade id
	wantBook bool
}

// New creates a poller with the given inter-request gap.
func New(venue Venue, handlers feeds.Handlers, minGap, maxBackoff time.Duration, logger *slog.Logger) *Poller {
	if minGap <= 0 {
		minGap = 1500 * time.Millisecond
	}
	return &Poller{
		venue:    venue,
		handlers: handlers,
		limiter:  rate.NewLimiter(rate.Every(minGap), 1),
		backoff:  feeds.NewBackoff(time.Second, maxBackoff),
		logger:   logger.With("component", "poller"),
		cursors:  make(map[string]string),
		wantBook: true,
	}
}

// Start runs the request queue until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if feeds.IsRateLimitSignal(err.Error(), 0) {
				p.backoff.RateLimited()
			}
			wait := p.backoff.Next()
			p.logger.Warn("poll failed, backing off", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		p.backoff.Reset()
	}
}

// Stop is a no-op; the poller holds no connection state.
func (p *Poller) Stop() error { return nil }

// Subscribe adds an instrument to the polling rotation.
func (p *Poller) Subscribe(instrument string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		if s == instrument {
			return
		}
	}
	p.subs = append(p.subs, instrument)
}

// Unsubscribe removes an instrument and drops its trade cursor.
func (p *Poller) Unsubscribe(instrument string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s == instrument {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	delete(p.cursors, instrument)
	if p.bookIdx >= len(p.subs) {
		p.bookIdx = 0
	}
	if p.tradeIdx >= len(p.subs) {
		p.tradeIdx = 0
	}
}

// Subscribed returns the rotation, sorted.
func (p *Poller) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.subs...)
	sort.Strings(out)
	return out
}

// step services one queue slot: the next book poll or the next trade poll,
// whichever is due.
func (p *Poller) step(ctx context.Context) error {
	p.mu.Lock()
	if len(p.subs) == 0 {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	book := p.wantBook
	p.wantBook = !p.wantBook
	var instrument, cursor string
	if book {
		instrument = p.subs[p.bookIdx%len(p.subs)]
		p.bookIdx++
	} else {
		instrument = p.subs[p.tradeIdx%len(p.subs)]
		p.tradeIdx++
		cursor = p.cursors[instrument]
	}
	p.mu.Unlock()

	if book {
		return p.pollBook(ctx, instrument)
	}
	return p.pollTrades(ctx, instrument, cursor)
}

func (p *Poller) pollBook(ctx context.Context, instrument string) error {
	tick, ok, err := p.venue.Book(ctx, instrument)
	if err != nil {
		return err
	}
	if ok && p.handlers.Tick != nil {
		p.handlers.Tick(tick)
	}
	return nil
}

func (p *Poller) pollTrades(ctx context.Context, instrument, cursor string) error {
	trades, next, err := p.venue.TradesSince(ctx, instrument, cursor)
	if err != nil {
		return err
	}
	for _, tr := range trades {
		if p.handlers.Trade != nil {
			p.handlers.Trade(tr)
		}
	}
	// The cursor only moves forward; an empty page keeps the old one.
	if next != "" && next != cursor {
		p.mu.Lock()
		p.cursors[instrument] = next
		p.mu.Unlock()
	}
	return nil
}
