// Package server implements the TeleCloud HTTP server and its JSON file API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/telecloud/telecloud/internal/config"
	"github.com/telecloud/telecloud/internal/engine"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/transport"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the TeleCloud HTTP server. It routes incoming requests to the
// file API handlers and owns the engine components they call into.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      manifest.Store
	blobs      transport.Transport
	uploader   *engine.Uploader
	downloader *engine.Downloader
	lifecycle  *engine.Lifecycle
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a new Server wired to the given manifest store and chunk
// transport, and registers all routes on the Chi router.
func New(cfg *config.Config, store manifest.Store, blobs transport.Transport) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("TeleCloud File API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:        cfg,
		router:     router,
		api:        api,
		store:      store,
		blobs:      blobs,
		uploader:   engine.NewUploader(store, blobs, cfg.Engine.MaxChunkSize, cfg.Engine.UploadConcurrency),
		downloader: engine.NewDownloader(store, blobs, cfg.Engine.PrefetchWindow),
		lifecycle:  engine.NewLifecycle(store, blobs),
	}

	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully assembled handler, for tests that drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	return metricsMiddleware(commonHeaders(s.router))
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/healthz, /docs, /openapi.json) and /metrics sit outside the owner
// check; everything under /api requires an X-Owner-ID header.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
		Description: "Returns the health status of the TeleCloud server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.store.Ping(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("manifest store unavailable")
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListFiles)
			r.Route("/{fileID}", func(r chi.Router) {
				r.Get("/", s.handleStatFile)
				r.Get("/download", s.handleDownload)
				r.Patch("/", s.handleRename)
				r.Post("/trash", s.handleTrash)
				r.Post("/restore", s.handleRestore)
				r.Delete("/", s.handlePermanentDelete)
			})
		})

		r.Route("/trash", func(r chi.Router) {
			r.Get("/", s.handleListTrash)
			r.Post("/empty", s.handleEmptyTrash)
		})
	})
}
