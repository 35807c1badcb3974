package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/macula-io/macula-marketplace/pkg/mesh"
	gos3 "github.com/macula-io/macula-marketplace/pkg/s3"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
)

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := catalog.Filters{
		IncludeRevoked: parseBool(q.Get("include_revoked")),
	}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		parsed, err := catalog.ParseArtifactType(typ)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		filters.Type = parsed
	}

	page := catalog.Page{
		Number: parseInt(q.Get("page")),
		Size:   parseInt(q.Get("page_size")),
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	text := strings.TrimSpace(q.Get("q"))

	var (
		result catalog.PageResult
		err    error
	)
	if text != "" {
		result, err = a.catalog.Search(ctx, text, filters, page)
	} else {
		result, err = a.catalog.ListAll(ctx, filters, page)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rec, err := a.catalog.GetLatest(ctx, artifactID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	versions, err := a.catalog.ListVersions(ctx, artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"versions":    versions,
	})
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	version := chi.URLParam(r, "version")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rec, err := a.catalog.Get(ctx, artifactID, version)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

// handleDownload exchanges a catalog record's s3 reference for a short-lived
// presigned URL. Revoked versions are never served.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if a.blobs == nil {
		respondError(w, http.StatusFailedDependency, errors.New("payload store not configured"))
		return
	}

	artifactID := chi.URLParam(r, "artifactID")
	version := chi.URLParam(r, "version")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rec, err := a.catalog.Get(ctx, artifactID, version)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.Revoked() {
		respondError(w, http.StatusGone, errors.New("artifact version has been revoked"))
		return
	}

	bucket, key, err := gos3.ParseURL(rec.DownloadURL)
	if err != nil {
		respondError(w, http.StatusNotFound, errors.New("artifact payload is not hosted by this node"))
		return
	}

	const ttl = 15 * time.Minute
	url, err := a.blobs.PresignGet(ctx, bucket, key, ttl)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().UTC().Add(ttl),
		"checksum":   rec.Checksum,
	})
}

func (a *API) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	licenseCID := chi.URLParam(r, "licenseCID")

	a.markStaleness(w)
	respondJSON(w, http.StatusOK, map[string]any{
		"license_cid": licenseCID,
		"revoked":     a.cache.IsRevoked(licenseCID),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	counts, err := a.catalog.CountByType(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"artifacts_by_type": counts,
		"revocations":       a.cache.Len(),
		"dispatcher":        a.dispatcher.Progress(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since *time.Time `json:"since"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	var since time.Time
	if req.Since != nil {
		since = *req.Since
	}

	requestID, err := a.dispatcher.RequestRefresh(r.Context(), since)
	if err != nil {
		if errors.Is(err, mesh.ErrNoResponders) {
			// Nobody online to replay from; the local view simply stays as
			// it is.
			respondJSON(w, http.StatusOK, map[string]any{"status": "no_peers_online"})
			return
		}
		respondError(w, http.StatusBadGateway, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	if a.publisher == nil {
		respondError(w, http.StatusFailedDependency, errors.New("publisher not configured"))
		return
	}

	var manifest events.Manifest
	if err := decodeJSON(r, &manifest); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	update := parseBool(r.URL.Query().Get("update"))
	if err := a.publisher.PublishManifest(manifest, update); err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusBadGateway, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"artifact_id": manifest.ArtifactID,
		"version":     manifest.Version,
	})
}

// markStaleness flags query responses served while live events are not
// flowing, so callers know the view may lag the network.
func (a *API) markStaleness(w http.ResponseWriter) {
	if !a.dispatcher.Connected() {
		w.Header().Set("X-Stale-View", "true")
	}
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(s))
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}
