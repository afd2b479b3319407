package movement

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// fakeStore serves canned rows per table and records writes. Fetch results
// for the movements table are split on the finalize_at predicate so the
// finalize worker's due/open queries can be distinguished.
type fakeStore struct {
	mu sync.Mutex

	trades     []types.Trade
	ticks      []types.Tick
	aggregates []types.Aggregate
	due        []types.Movement
	open       []types.Movement

	inserted  []any
	patches   []map[string]any
	dupInsert bool
	insertErr error
}

func (f *fakeStore) Fetch(ctx context.Context, table string, params map[string]string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var src any
	switch table {
	case store.TableTrades:
		src = f.trades
	case store.TableTicks:
		src = f.ticks
	case store.TableAggregates:
		src = f.aggregates
	case store.TableMovements:
		if strings.HasPrefix(params["finalize_at"], "lte.") {
			src = f.due
		} else {
			src = f.open
		}
	default:
		src = []struct{}{}
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeStore) Insert(ctx context.Context, table string, rows any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.dupInsert {
		return &store.Error{Op: "insert", Table: table, Duplicate: true}
	}
	f.inserted = append(f.inserted, rows)
	return nil
}

func (f *fakeStore) Patch(ctx context.Context, table string, params map[string]string, patch any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := patch.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(patch)
		m = map[string]any{}
		json.Unmarshal(raw, &m)
	}
	f.patches = append(f.patches, m)
	return nil
}

func (f *fakeStore) insertedMovements(t *testing.T) []types.Movement {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Movement
	for _, row := range f.inserted {
		if mv, ok := row.(types.Movement); ok {
			out = append(out, mv)
		}
	}
	return out
}
