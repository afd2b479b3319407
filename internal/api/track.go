package api

import (
	"encoding/json"
	"net/http"

	"github.com/johnwickoo/market-move-intelligence-sub000/internal/store"
	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

type trackRequest struct {
	Slug string `json:"slug"`
}

// handleTrack switches the single active tracked slug: every currently
// active row is deactivated first, then the new slug is upserted active.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
		writeError(w, http.StatusBadRequest, "slug required")
		return
	}
	ctx := r.Context()

	err := s.store.Patch(ctx, store.TableTrackedSlugs,
		map[string]string{"active": store.Eq("true")},
		map[string]any{"active": false})
	if err != nil {
		s.logger.Warn("deactivating tracked slugs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	row := types.TrackedSlug{
		Slug:      req.Slug,
		Active:    true,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, store.TableTrackedSlugs, row, "slug"); err != nil {
		s.logger.Warn("tracked slug upsert failed", "slug", req.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	s.logger.Info("tracking slug", "slug", req.Slug)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tracked": req.Slug})
}
