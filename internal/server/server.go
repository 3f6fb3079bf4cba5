// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the downloader as a small REST API with
// WebSocket job updates and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

// Config holds the server settings. The mutable fields (everything the
// settings API can change) are guarded by mu; read them through settings()
// or while holding the lock.
type Config struct {
	mu sync.RWMutex

	Addr string
	Port int

	Token              string
	OutputDir          string
	Connections        int
	MaxActive          int
	Aria2Path          string
	NoAria2            bool
	MultipartThreshold string
	Verify             string
	Retries            int
	Endpoint           string

	AllowedOrigins []string
}

// settings builds the library settings from the server config.
func (c *Config) settings() civitai.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := civitai.DefaultSettings()
	cfg.Token = c.Token
	if c.OutputDir != "" {
		cfg.OutputDir = c.OutputDir
	}
	if c.Connections > 0 {
		cfg.Connections = c.Connections
	}
	if c.MaxActive > 0 {
		cfg.MaxActive = c.MaxActive
	}
	cfg.Aria2Path = c.Aria2Path
	cfg.NoAria2 = c.NoAria2
	if c.MultipartThreshold != "" {
		cfg.MultipartThreshold = c.MultipartThreshold
	}
	if c.Verify != "" {
		cfg.Verify = c.Verify
	}
	if c.Retries > 0 {
		cfg.Retries = c.Retries
	}
	if c.Endpoint != "" {
		cfg.Endpoint = c.Endpoint
	}
	return cfg
}

// Server is the HTTP API server.
type Server struct {
	config     *Config
	log        logr.Logger
	httpServer *http.Server
	jobs       *JobManager
	wsHub      *WSHub
	metrics    *Metrics
}

// New creates a server with the given config.
func New(config *Config, log logr.Logger) *Server {
	metrics := NewMetrics()
	wsHub := NewWSHub(log)
	return &Server{
		config:  config,
		log:     log,
		wsHub:   wsHub,
		metrics: metrics,
		jobs:    NewJobManager(config, wsHub, metrics),
	}
}

// ListenAndServe starts the server and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("server starting", "addr", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/downloads", s.handleStartDownload)
	mux.HandleFunc("GET /api/downloads", s.handleListJobs)
	mux.HandleFunc("GET /api/downloads/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/downloads/{id}", s.handleCancelJob)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux.HandleFunc("POST /api/plan", s.handlePlan)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path).Inc()
		s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond).String())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
