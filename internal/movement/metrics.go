package movement

import (
	"math"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// windowMetrics is the shared arithmetic over one window of trades and
// ticks. The windowed detector, the event detector, and the finalize worker
// all compute movements from this one shape.
type windowMetrics struct {
	FirstPrice   float64
	LastPrice    float64
	MinPrice     float64
	MaxPrice     float64
	Drift        float64 // (last-first)/first
	AbsMove      float64
	RangePct     float64 // (max-min)/min
	Volume       float64
	MaxHourVol   float64
	TradesCount  int
	PriceLevels  int // unique mids quantized to 1e-4
	AvgTradeSize float64
}

// computeMetrics derives window metrics. Prices come from ticks when any
// exist in the window, otherwise from the trades themselves. Volume and
// trade counts always come from trades.
func computeMetrics(trades []types.Trade, ticks []types.Tick) windowMetrics {
	var m windowMetrics

	var prices []float64
	if len(ticks) > 0 {
		prices = make([]float64, 0, len(ticks))
		for _, tk := range ticks {
			prices = append(prices, tk.Mid)
		}
	} else {
		prices = make([]float64, 0, len(trades))
		for _, tr := range trades {
			prices = append(prices, tr.Price)
		}
	}

	if len(prices) > 0 {
		m.FirstPrice = prices[0]
		m.LastPrice = prices[len(prices)-1]
		m.MinPrice = prices[0]
		m.MaxPrice = prices[0]
		levels := make(map[int64]struct{}, len(prices))
		for _, p := range prices {
			if p < m.MinPrice {
				m.MinPrice = p
			}
			if p > m.MaxPrice {
				m.MaxPrice = p
			}
			levels[int64(math.Round(p*1e4))] = struct{}{}
		}
		m.PriceLevels = len(levels)
		if m.FirstPrice > 0 {
			m.Drift = (m.LastPrice - m.FirstPrice) / m.FirstPrice
		}
		m.AbsMove = math.Abs(m.LastPrice - m.FirstPrice)
		if m.MinPrice > 0 {
			m.RangePct = (m.MaxPrice - m.MinPrice) / m.MinPrice
		}
	}

	m.TradesCount = len(trades)
	hourVol := make(map[int64]float64)
	for _, tr := range trades {
		m.Volume += tr.Size
		hourVol[tr.Timestamp.Unix()/3600] += tr.Size
	}
	for _, v := range hourVol {
		if v > m.MaxHourVol {
			m.MaxHourVol = v
		}
	}
	if m.TradesCount > 0 {
		m.AvgTradeSize = m.Volume / float64(m.TradesCount)
	}
	return m
}

// velocity is drift speed normalized by the square root of the window
// length, so short and long windows compare on one threshold.
func velocity(drift float64, window time.Duration) float64 {
	minutes := window.Minutes()
	if minutes <= 0 {
		return 0
	}
	return math.Abs(drift) / math.Sqrt(minutes)
}

// thinMarket flags windows with too little structure to trust price moves.
func thinMarket(m windowMetrics) bool {
	return m.TradesCount < 10 || m.PriceLevels < 5
}

// baseline holds the market's long-run volume rate used by volume rules.
type baseline struct {
	hourly float64
	valid  bool // requires ≥ 3 days of history
}

// computeBaseline derives the hourly volume baseline from a market
// aggregate. Observation is capped at 30 days so old markets still react
// to recent regime changes.
func computeBaseline(agg *types.Aggregate, now time.Time) baseline {
	if agg == nil || agg.FirstSeen.IsZero() || agg.TotalVolume <= 0 {
		return baseline{}
	}
	ageDays := now.Sub(agg.FirstSeen).Hours() / 24
	if ageDays < 3 {
		return baseline{}
	}
	observed := math.Min(30, ageDays)
	return baseline{hourly: agg.TotalVolume / observed / 24, valid: true}
}
