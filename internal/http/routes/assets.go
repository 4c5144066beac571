package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
)

// handleAsset serves product photo bytes: conditional request first, then
// the two-tier cache, then the remote provider with cache backfill.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	if !assets.ValidID(assetID) {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid asset id", AssetID: assetID, Kind: "bad_request"})
		return
	}

	// assets are immutable per id, so a matching tag needs no tier lookup
	etag := cache.ETagFor(assetID)
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	entry, ok := s.Cache.Get(r.Context(), assetID)
	if !ok {
		asset, err := s.Fetcher.Fetch(r.Context(), assetID)
		if err != nil {
			s.renderFetchError(w, assetID, err)
			return
		}
		entry = s.Cache.Put(r.Context(), assetID, asset.Data, asset.ContentType)
	}

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(entry.Data); err != nil {
		s.Log.Error().Err(err).Str("asset_id", assetID).Msg("write asset response")
	}
}

// etagMatches reports whether an If-None-Match header names the tag,
// allowing comma-separated lists and the wildcard.
func etagMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		if strings.TrimSpace(part) == etag {
			return true
		}
	}
	return false
}

func (s *Server) renderFetchError(w http.ResponseWriter, assetID string, err error) {
	kind := assets.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "not_found":
		status = http.StatusNotFound
	case "auth", "network":
		status = http.StatusBadGateway
	}

	s.Log.Error().Err(err).Str("asset_id", assetID).Str("kind", kind).Msg("asset fetch failed")
	s.writeJSON(w, status, errorBody{Error: err.Error(), AssetID: assetID, Kind: kind})
}

func (s *Server) handlePrecacheStart(w http.ResponseWriter, r *http.Request) {
	snap, started := s.Job.Start(r.Context())
	status := "already_running"
	if started {
		status = "started"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"progress": snap,
	})
}

func (s *Server) handlePrecacheStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Job.Progress())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Cache.Stats())
}
