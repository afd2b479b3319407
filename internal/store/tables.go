package store

// Table names. Kept in one place so writers and the stream poller cannot
// drift apart.
const (
	TableTrades           = "market_trades"
	TableTicks            = "market_mid_ticks"
	TableTickLatest       = "market_mid_latest"
	TableAggregates       = "market_aggregates"
	TableMovements        = "market_movements"
	TableMovementEvents   = "market_movement_events" // real-time detector emissions
	TableExplanations     = "movement_explanations"
	TableSignalScores     = "signal_scores"
	TableDominantOutcomes = "dominant_outcomes"
	TableTrackedSlugs     = "tracked_slugs"
	TableNewsCache        = "news_cache"
	TableResolutions      = "market_resolutions"
)
