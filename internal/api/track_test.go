package api

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

func TestTrackSwitchesActiveSlug(t *testing.T) {
	fs := &fakeAPIStore{}
	s := NewServer(serverCfg(), fs, slog.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/track", strings.NewReader(`{"slug":"nba-finals"}`))
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(fs.patches) != 1 || fs.patches[0]["active"] != "eq.true" {
		t.Errorf("active rows not deactivated first: %v", fs.patches)
	}
	if len(fs.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(fs.upserts))
	}
	row, ok := fs.upserts[0].(types.TrackedSlug)
	if !ok || row.Slug != "nba-finals" || !row.Active {
		t.Errorf("upserted row = %+v", fs.upserts[0])
	}
}

func TestTrackRequiresSlug(t *testing.T) {
	fs := &fakeAPIStore{}
	s := NewServer(serverCfg(), fs, slog.Default())

	for _, body := range []string{``, `{}`, `not json`} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/track", strings.NewReader(body))
		s.server.Handler.ServeHTTP(rec, req)
		if rec.Code != 400 {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		var errBody map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil || errBody["error"] == "" {
			t.Errorf("body %q: error envelope missing, got %q", body, rec.Body.String())
		}
	}
}

func TestTrackStoreFailureIsServerError(t *testing.T) {
	fs := &fakeAPIStore{writesFail: true}
	s := NewServer(serverCfg(), fs, slog.Default())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/track", strings.NewReader(`{"slug":"nba-finals"}`))
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var errBody map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("body not JSON: %q", rec.Body.String())
	}
	if errBody["error"] != "store unavailable" {
		t.Errorf("error = %q, want store unavailable", errBody["error"])
	}
}
