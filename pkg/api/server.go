// Package api is a REST front-end over a table of column families,
// exposing put/get/delete/scan/batch as JSON endpoints plus a
// websocket-streamed range scan. It is a thin consumer of
// pkg/table/pkg/cf, not part of the engine itself.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mnohosten/columnstore/pkg/table"
)

// Server is the HTTP front-end over one table.
type Server struct {
	config  Config
	tbl     *table.Table
	router  *chi.Mux
	httpSrv *http.Server
}

// New builds a Server over tbl. The caller retains ownership of tbl and
// must close it after the server is shut down.
func New(tbl *table.Table, config Config) *Server {
	s := &Server{
		config: config,
		tbl:    tbl,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)
	s.router.Use(s.requestSizeLimitMiddleware)
}

func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/_health", s.handleHealth)

	s.router.Route("/{cf}", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Post("/put", s.handlePut)
		r.Post("/get", s.handleGet)
		r.Post("/get_versions", s.handleGetVersions)
		r.Post("/delete", s.handleDelete)
		r.Post("/delete_with_ttl", s.handleDeleteWithTTL)
		r.Post("/scan_row_versions", s.handleScanRowVersions)
		r.Post("/aggregate_row", s.handleAggregateRow)
		r.Post("/scan_range", s.handleScanRange)
		r.Post("/execute_batch", s.handleExecuteBatch)
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)

		r.Get("/scan_range/stream", s.handleScanRangeStream)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]any{"status": "ok"})
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully. It returns early with an error if the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server, waiting up to 30s for
// in-flight requests to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
		return err
	}
	return nil
}

// Handler exposes the underlying router, mainly for tests that want to
// drive the server with httptest without binding a real listener.
func (s *Server) Handler() http.Handler { return s.router }
