/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi exposes a Manager over HTTP: health, control, job CRUD,
// manual triggers and run history. The surface is a thin veneer over the
// Manager's public API and adds no scheduling semantics of its own.
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	ludari "github.com/creativogee/ludari-sdk"
)

// Version is the SDK version reported by the health endpoint (set at build
// time)
var Version = "dev"

// Server is the admin API server
type Server struct {
	manager   *ludari.Manager
	logger    ludari.Logger
	startTime time.Time
	port      int
	authToken string
	limiter   *rate.Limiter
	server    *http.Server
}

// ServerOptions contains options for creating the server
type ServerOptions struct {
	// Manager is the replica this server administers. Required.
	Manager *ludari.Manager

	// Logger receives lifecycle messages. Optional.
	Logger ludari.Logger

	// Port is the listen port. Defaults to 8080.
	Port int

	// AuthToken, when set, requires "Authorization: Bearer <token>" on
	// every route except health and metrics.
	AuthToken string

	// RateLimit caps mutating requests per second across all callers.
	// Zero disables throttling.
	RateLimit float64

	// RateBurst is the mutation burst allowance. Defaults to 1 when a
	// rate limit is set.
	RateBurst int
}

// NewServer creates a new admin API server
func NewServer(opts ServerOptions) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Server{
		manager:   opts.Manager,
		logger:    logger,
		startTime: time.Now(),
		port:      opts.Port,
		authToken: opts.AuthToken,
		limiter:   limiter,
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		s.logger.Log(fmt.Sprintf("admin API listening on port %d", s.port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API server error: " + err.Error())
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	s.logger.Log("shutting down admin API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the router
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := NewHandlers(s.manager, s.startTime)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health stays open so probes work without credentials.
		r.Get("/health", h.GetHealth)

		r.Group(func(r chi.Router) {
			if s.authToken != "" {
				r.Use(bearerAuth(s.authToken))
			}
			if s.limiter != nil {
				r.Use(throttleMutations(s.limiter))
			}

			// Control
			r.Get("/control", h.GetControl)
			r.Post("/control/toggle", h.ToggleControl)
			r.Post("/control/purge", h.PurgeControl)

			// Jobs
			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs", h.CreateJob)
			r.Get("/jobs/{id}", h.GetJob)
			r.Put("/jobs/{id}", h.UpdateJob)
			r.Delete("/jobs/{id}", h.DeleteJob)
			r.Post("/jobs/{id}/toggle", h.ToggleJob)
			r.Post("/jobs/{id}/enable", h.EnableJob)
			r.Post("/jobs/{id}/disable", h.DisableJob)
			r.Post("/jobs/{id}/trigger", h.TriggerJob)

			// Runs
			r.Get("/jobs/{id}/runs", h.ListJobRuns)
		})
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// bearerAuth rejects requests whose Authorization header does not carry the
// configured token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// throttleMutations applies the shared limiter to state-changing methods.
// Reads pass through untouched.
func throttleMutations(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				if !limiter.Allow() {
					writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "mutation rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// noopLogger discards server lifecycle messages when no logger is wired.
type noopLogger struct{}

func (noopLogger) Error(string) {}
func (noopLogger) Warn(string)  {}
func (noopLogger) Log(string)   {}
func (noopLogger) Debug(string) {}
