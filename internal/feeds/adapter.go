// Package feeds defines the source adapter contract and the shared
// machinery every venue adapter uses: reconnect backoff, mover statistics,
// dominant-outcome selection, and the subscription controller.
//
// An adapter owns its connection and subscription set and delivers
// venue-agnostic trades and ticks through callbacks. Nothing downstream of
// the callbacks knows which venue produced an event.
package feeds

import (
	"context"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// TradeHandler receives normalized trades.
type TradeHandler func(types.Trade)

// TickHandler receives normalized best-bid/ask ticks.
type TickHandler func(types.Tick)

// Handlers bundles the two delivery callbacks an adapter needs.
type Handlers struct {
	Trade TradeHandler
	Tick  TickHandler
}

// Adapter is the outward contract every venue source implements, whether
// it streams over a socket or polls REST endpoints.
type Adapter interface {
	// Start connects (or begins polling) and blocks until ctx is cancelled,
	// reconnecting internally as needed.
	Start(ctx context.Context) error
	// Stop closes the connection; Start returns shortly after.
	Stop() error

	Subscribe(instrument string)
	Unsubscribe(instrument string)
	Subscribed() []string
}

// MarketMeta is the hydrated metadata for one market: which assets exist
// and what their outcome labels are. Produced by venue metadata clients,
// consumed by normalization and the subscription controller.
type MarketMeta struct {
	Market    string
	Slug      string
	Title     string
	EventSlug string
	Assets    []AssetMeta
}

// AssetMeta maps one venue asset (token) to its outcome.
type AssetMeta struct {
	Asset        string
	Outcome      string
	OutcomeIndex int
}

// YesAsset returns the asset carrying the "Yes" outcome, if known.
func (m MarketMeta) YesAsset() (AssetMeta, bool) {
	for _, a := range m.Assets {
		if a.Outcome == "Yes" {
			return a, true
		}
	}
	return AssetMeta{}, false
}
