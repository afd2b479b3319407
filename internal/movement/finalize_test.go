package movement

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/config"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

type fakeScorer struct {
	scored []types.Movement
	err    error
}

func (f *fakeScorer) Score(ctx context.Context, mv types.Movement) error {
	f.scored = append(f.scored, mv)
	return f.err
}

func openMovement(id string, w types.WindowType, windowStart, finalizeAt time.Time) types.Movement {
	return types.Movement{
		ID: id, Market: "mkt", Outcome: "Yes", WindowType: w,
		WindowStart: windowStart, WindowEnd: windowStart.Add(w.Duration()),
		StartPrice: 0.50, EndPrice: 0.55, Status: types.StatusOpen,
		FinalizeAt: finalizeAt,
	}
}

func TestFinalizeDueMovement(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	fs.due = []types.Movement{openMovement("mv-1", types.Window5m, now.Add(-10*time.Minute), now.Add(-time.Minute))}
	fs.trades, fs.ticks = deepSeries("mkt", "Yes", 0.50, 0.58, now.Add(-10*time.Minute))

	sc := &fakeScorer{}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	if len(fs.patches) != 1 {
		t.Fatalf("expected one patch, got %d", len(fs.patches))
	}
	p := fs.patches[0]
	if p["status"] != string(types.StatusFinal) {
		t.Errorf("status patch = %v, want FINAL", p["status"])
	}
	if p["end_price"] != 0.58 {
		t.Errorf("settled end price = %v, want 0.58", p["end_price"])
	}
	if len(sc.scored) != 1 {
		t.Fatalf("scorer not invoked")
	}
	if sc.scored[0].Status != types.StatusFinal {
		t.Errorf("scorer should see the FINAL row, got %s", sc.scored[0].Status)
	}
}

func TestFinalizeSurvivesScorerError(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	fs.due = []types.Movement{openMovement("mv-1", types.Window5m, now.Add(-10*time.Minute), now.Add(-time.Minute))}

	sc := &fakeScorer{err: errors.New("llm down")}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	// The FINAL patch must land before scoring, so the row never loops.
	if len(fs.patches) != 1 || fs.patches[0]["status"] != string(types.StatusFinal) {
		t.Errorf("movement must be FINAL despite scorer failure: %v", fs.patches)
	}
}

func TestFinalizeKeepsMetricsWhenWindowEmpty(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	fs.due = []types.Movement{openMovement("mv-1", types.Window5m, now.Add(-10*time.Minute), now.Add(-time.Minute))}

	sc := &fakeScorer{}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	if len(fs.patches) != 1 {
		t.Fatalf("expected one patch, got %d", len(fs.patches))
	}
	if fs.patches[0]["end_price"] != 0.55 {
		t.Errorf("original metrics should stand when the store has no window data: %v", fs.patches[0]["end_price"])
	}
}

func TestEarlyFinalizeFlatTicks(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	// Not yet due, but 3 minutes old on a 5m window with flat recent ticks.
	fs.open = []types.Movement{openMovement("mv-1", types.Window5m, now.Add(-3*time.Minute), now.Add(2*time.Minute))}
	for i := 0; i < 5; i++ {
		fs.ticks = append(fs.ticks, types.Tick{
			Market: "mkt", Outcome: "Yes", Mid: 0.550 + float64(i)*0.0001,
			Timestamp: now.Add(-time.Duration(100-i) * time.Second),
		})
	}

	sc := &fakeScorer{}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	if len(fs.patches) != 1 {
		t.Fatalf("stabilized movement should finalize early, got %d patches", len(fs.patches))
	}
}

func TestEarlyFinalizeRespectsMinimumAge(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	// 4h window only 30 minutes old: too young regardless of tick shape.
	fs.open = []types.Movement{openMovement("mv-1", types.Window4h, now.Add(-30*time.Minute), now.Add(3*time.Hour))}

	sc := &fakeScorer{}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	if len(fs.patches) != 0 {
		t.Errorf("young 4h movement must not finalize early, got %d patches", len(fs.patches))
	}
}

func TestEarlyFinalizeSkipsActiveMarkets(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{}
	fs.open = []types.Movement{openMovement("mv-1", types.Window5m, now.Add(-3*time.Minute), now.Add(2*time.Minute))}
	// Recent ticks show a 4% swing: still moving.
	for i, mid := range []float64{0.55, 0.56, 0.57, 0.572} {
		fs.ticks = append(fs.ticks, types.Tick{
			Market: "mkt", Outcome: "Yes", Mid: mid,
			Timestamp: now.Add(-time.Duration(90-i*10) * time.Second),
		})
	}

	sc := &fakeScorer{}
	w := NewFinalizeWorker(config.FinalizeConfig{PollEvery: time.Second, BatchSize: 10}, fs, sc, slog.Default())
	w.RunOnce(context.Background())

	if len(fs.patches) != 0 {
		t.Errorf("moving market must not finalize early, got %d patches", len(fs.patches))
	}
}
