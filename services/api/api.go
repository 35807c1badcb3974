// Package api exposes the node's query and publish surface over HTTP. It is
// a thin shell over the catalog store, revocation cache, and dispatcher; all
// invariants live below it.
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	gos3 "github.com/macula-io/macula-marketplace/pkg/s3"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/dispatcher"
	"github.com/macula-io/macula-marketplace/services/publisher"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

// API wires the HTTP handlers to their dependencies.
type API struct {
	catalog    *catalog.Store
	cache      *revocation.Cache
	dispatcher *dispatcher.Dispatcher
	publisher  *publisher.Publisher
	blobs      *gos3.Client
	logger     *log.Logger
}

// New initialises the API layer. The publisher and blob client are optional;
// read-only nodes leave them nil and the affected endpoints report a failed
// dependency.
func New(cat *catalog.Store, cache *revocation.Cache, disp *dispatcher.Dispatcher, pub *publisher.Publisher, blobs *gos3.Client, logger *log.Logger) (*API, error) {
	if cat == nil {
		return nil, errors.New("catalog store is required")
	}
	if cache == nil {
		return nil, errors.New("revocation cache is required")
	}
	if disp == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &API{
		catalog:    cat,
		cache:      cache,
		dispatcher: disp,
		publisher:  pub,
		blobs:      blobs,
		logger:     logger,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/artifacts", a.handleListArtifacts)
		r.Get("/artifacts/{artifactID}", a.handleGetLatest)
		r.Get("/artifacts/{artifactID}/versions", a.handleListVersions)
		r.Get("/artifacts/{artifactID}/versions/{version}", a.handleGetVersion)
		r.Get("/artifacts/{artifactID}/versions/{version}/download", a.handleDownload)
		r.Get("/licenses/{licenseCID}", a.handleLicenseStatus)
		r.Get("/stats", a.handleStats)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/publish", a.handlePublish)
	})

	return r, nil
}
