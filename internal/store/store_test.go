package store

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetch_DecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/market_trades" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("market_id"); got != "eq.m1" {
			t.Errorf("expected market_id=eq.m1, got %q", got)
		}
		if r.Header.Get("apikey") == "" || r.Header.Get("Authorization") == "" {
			t.Error("missing auth headers")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "key", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var rows []struct {
		ID string `json:"id"`
	}
	err = c.Fetch(context.Background(), TableTrades, map[string]string{"market_id": Eq("m1")}, &rows)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "a" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestInsert_DuplicateKeyIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"duplicate key value violates unique constraint \"market_trades_pkey\""}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	err := c.Insert(context.Background(), TableTrades, map[string]string{"id": "t1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsDuplicateKey(err) {
		t.Errorf("expected duplicate-key classification, got %v", err)
	}
	if IsTransient(err) {
		t.Error("duplicate must not be transient")
	}
}

func TestInsert_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	err := c.Insert(context.Background(), TableTrades, nil)
	if !IsTransient(err) {
		t.Errorf("expected transient classification, got %v", err)
	}
}

func TestInsert_RetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	if err := c.Insert(context.Background(), TableTrades, nil); err != nil {
		t.Fatalf("insert should succeed on retry: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("server hit %d times, want 2", n)
	}
}

func TestInsert_ConstraintErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"null value in column"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	err := c.Insert(context.Background(), TableTrades, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) || IsDuplicateKey(err) {
		t.Errorf("expected permanent classification, got %v", err)
	}
}

func TestUpsert_SetsMergePreferAndConflictColumns(t *testing.T) {
	var gotPrefer, gotConflict string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotConflict = r.URL.Query().Get("on_conflict")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	if err := c.Upsert(context.Background(), TableAggregates, map[string]any{"market_id": "m1"}, "market_id"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if gotPrefer != "resolution=merge-duplicates,return=representation" {
		t.Errorf("unexpected Prefer header %q", gotPrefer)
	}
	if gotConflict != "market_id" {
		t.Errorf("unexpected on_conflict %q", gotConflict)
	}
}

func TestPatch_AppliesPredicate(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		gotQuery = r.URL.Query().Get("active")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "key", testLogger())
	err := c.Patch(context.Background(), TableTrackedSlugs,
		map[string]string{"active": Eq("true")},
		map[string]any{"active": false})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if gotQuery != "eq.true" {
		t.Errorf("predicate not applied, got %q", gotQuery)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("", "key", testLogger()); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := New("http://x", "", testLogger()); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestPredicateHelpers(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	if got := Gte(ts); got != "gte.2026-08-24T12:00:00Z" {
		t.Errorf("Gte: %q", got)
	}
	if got := In([]string{"a", "b"}); got != "in.(a,b)" {
		t.Errorf("In: %q", got)
	}
	if got := Eq("m1"); got != "eq.m1" {
		t.Errorf("Eq: %q", got)
	}
}
