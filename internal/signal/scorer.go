// Package signal turns finalized movements into classified, scored signal
// rows with narrative explanations. Scoring blends capital flow, price
// structure, velocity, liquidity risk, news relevance, and time to
// resolution; the news and language-model dependencies degrade to zero and
// templates, so the scorer always produces a verdict from market data
// alone.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// ScorerStore is the store slice the scorer needs.
type ScorerStore interface {
	Fetch(ctx context.Context, table string, params map[string]string, out any) error
	Insert(ctx context.Context, table string, rows any) error
}

// NewsProvider scores news relevance for a movement.
type NewsProvider interface {
	Score(ctx context.Context, mv types.Movement) (NewsResult, error)
}

// Explainer produces the narrative. Optional; the template covers its
// absence and its failures.
type Explainer interface {
	Explain(ctx context.Context, mv types.Movement, class types.Classification, headlines []string) (string, error)
}

// TopChildFunc resolves the highest-volume child market of an event slug,
// used to anchor event explanations on a concrete market.
type TopChildFunc func(ctx context.Context, slug string, window time.Duration) (market, title string, ok bool)

// Scorer classifies movements and persists score + explanation rows.
// Statuses below the confidence floor are dropped without a trace.
type Scorer struct {
	cfg      config.SignalConfig
	store    ScorerStore
	news     NewsProvider
	explain  Explainer
	topChild TopChildFunc
	logger   *slog.Logger

	mu       sync.Mutex
	resCache map[string]cachedTimeScore
	now      func() time.Time
}

type cachedTimeScore struct {
	score float64
	at    time.Time
}

// NewScorer wires the scorer. news, explain, and topChild may be nil.
func NewScorer(cfg config.SignalConfig, st ScorerStore, news NewsProvider, explain Explainer, topChild TopChildFunc, logger *slog.Logger) *Scorer {
	return &Scorer{
		cfg:      cfg,
		store:    st,
		news:     news,
		explain:  explain,
		topChild: topChild,
		logger:   logger.With("component", "scorer"),
		resCache: make(map[string]cachedTimeScore),
		now:      time.Now,
	}
}

// Score evaluates one movement. It satisfies the finalize worker's Scorer
// contract: any returned error is logged there and never blocks the FINAL
// transition.
func (s *Scorer) Score(ctx context.Context, mv types.Movement) error {
	capital := 0.6*types.Clamp01(mv.VolumeRatio/2) + 0.4*types.Clamp01(mv.HourlyRatio/2)
	price := 0.5*types.Clamp01(math.Abs(mv.PctChange)/0.15) + 0.5*types.Clamp01(math.Abs(mv.RangePct)/0.15)
	velocityScore := types.Clamp01(mv.Velocity / 0.02)

	tradeRisk := types.Clamp01(float64(15-mv.TradesCount) / 15)
	levelRisk := types.Clamp01(float64(8-mv.PriceLevels) / 8)
	thin := 0.0
	if mv.ThinLiquidity {
		thin = 1.0
	}
	liquidityRisk := 0.6*thin + 0.25*tradeRisk + 0.15*levelRisk

	info := types.Clamp01(price * (1 - capital) * (1 - types.Clamp01(mv.VolumeRatio/2)))
	timeScore := s.timeScoreFor(ctx, mv.Market)

	var newsRes NewsResult
	if s.news != nil {
		var err error
		newsRes, err = s.news.Score(ctx, mv)
		if err != nil {
			s.logger.Warn("news scoring degraded to zero", "movement", mv.ID, "error", err)
			newsRes = NewsResult{}
		}
	}

	class, conf := classify(mv, classifyInputs{
		capital:       capital,
		price:         price,
		velocity:      velocityScore,
		info:          info,
		news:          newsRes.Score,
		timeScore:     timeScore,
		liquidityRisk: liquidityRisk,
		minInfoTrades: s.cfg.MinInfoTrades,
		minInfoLevels: s.cfg.MinInfoLevels,
		liqOverride:   s.cfg.LiquidityOverride,
	})

	adjusted := conf * (1 - 0.35*liquidityRisk) * (0.5 + 0.5*recencyWeight(mv.WindowType))
	if adjusted < s.cfg.MinConfidence {
		s.logger.Debug("signal below confidence floor",
			"movement", mv.ID, "class", class, "adjusted", adjusted)
		return nil
	}

	row := types.SignalScore{
		MovementID:     mv.ID,
		CapitalScore:   capital,
		InfoScore:      info,
		TimeScore:      timeScore,
		NewsScore:      newsRes.Score,
		Classification: class,
		Confidence:     adjusted,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Insert(ctx, store.TableSignalScores, row); err != nil {
		if store.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("insert signal score: %w", err)
	}

	s.writeExplanation(ctx, mv, class, newsRes.Headlines)
	s.logger.Info("signal scored",
		"movement", mv.ID, "class", class, "confidence", adjusted, "news", newsRes.Score)
	return nil
}

type classifyInputs struct {
	capital       float64
	price         float64
	velocity      float64
	info          float64
	news          float64
	timeScore     float64
	liquidityRisk float64
	minInfoTrades int
	minInfoLevels int
	liqOverride   float64
}

// classify applies the priority chain: first match wins, with a trailing
// TIME override when nothing else explains the move better.
func classify(mv types.Movement, in classifyInputs) (types.Classification, float64) {
	switch {
	case (mv.ThinLiquidity && in.liquidityRisk >= in.liqOverride) || in.liquidityRisk >= 0.75:
		return types.ClassLiquidity, in.liquidityRisk
	case in.news >= 0.5 && in.info >= 0.3:
		return types.ClassNews, 0.6*in.news + 0.4*in.info
	case in.velocity >= 0.6 && in.price >= 0.3:
		return types.ClassVelocity, 0.7*in.velocity + 0.3*in.price
	case in.capital >= 0.6:
		return types.ClassCapital, in.capital
	case in.info >= 0.5 && (mv.TradesCount >= in.minInfoTrades || mv.PriceLevels >= in.minInfoLevels):
		return types.ClassInfo, in.info
	case in.price >= 0.6 && mv.ThinLiquidity:
		return types.ClassLiquidity, math.Max(in.liquidityRisk, 0.55)
	case in.price >= 0.6:
		return types.ClassInfo, in.price
	case in.timeScore > in.info:
		return types.ClassTime, in.timeScore
	default:
		return types.ClassInfo, in.info
	}
}

// timeScoreFor reads the resolution row: 1 when resolved or in a terminal
// status, otherwise a linear decay toward the scheduled end. Cached per
// market.
func (s *Scorer) timeScoreFor(ctx context.Context, market string) float64 {
	s.mu.Lock()
	if hit, ok := s.resCache[market]; ok && s.now().Sub(hit.at) < s.cfg.TimeScoreCache {
		s.mu.Unlock()
		return hit.score
	}
	s.mu.Unlock()

	score := 0.0
	var rows []types.MarketResolution
	err := s.store.Fetch(ctx, store.TableResolutions, map[string]string{
		"market_id": store.Eq(market),
		"limit":     "1",
	}, &rows)
	if err != nil {
		s.logger.Debug("resolution fetch failed", "market", market, "error", err)
	} else if len(rows) > 0 {
		score = resolutionScore(rows[0], s.now().UTC(), s.cfg.TimeHorizon)
	}

	s.mu.Lock()
	s.resCache[market] = cachedTimeScore{score: score, at: s.now()}
	s.mu.Unlock()
	return score
}

var terminalStatuses = map[string]bool{
	"resolved": true, "closed": true, "settled": true, "ended": true,
}

func resolutionScore(res types.MarketResolution, now time.Time, horizon time.Duration) float64 {
	if res.Resolved || terminalStatuses[strings.ToLower(res.Status)] {
		return 1
	}
	if res.EndTime.IsZero() {
		return 0
	}
	return timeDecay(res.EndTime.Sub(now), horizon)
}

// writeExplanation persists the narrative: language model first, template
// on any failure. Event movements get anchored on their top-volume child.
func (s *Scorer) writeExplanation(ctx context.Context, mv types.Movement, class types.Classification, headlines []string) {
	text := ""
	source := "template"
	if s.explain != nil {
		if t, err := s.explain.Explain(ctx, mv, class, headlines); err == nil && t != "" {
			text = t
			source = "ai"
		}
	}
	if text == "" {
		text = templateExplanation(mv, class, headlines)
	}

	if strings.HasPrefix(mv.Market, "event:") && s.topChild != nil {
		slug := strings.TrimPrefix(mv.Market, "event:")
		if _, title, ok := s.topChild(ctx, slug, mv.WindowType.Duration()); ok && title != "" {
			text = fmt.Sprintf("%s led the move. %s", title, text)
		}
	}

	row := types.Explanation{
		MovementID: mv.ID,
		Text:       text,
		Source:     source,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Insert(ctx, store.TableExplanations, row); err != nil && !store.IsDuplicateKey(err) {
		s.logger.Warn("explanation insert failed", "movement", mv.ID, "error", err)
	}
}
