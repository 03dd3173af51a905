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

// Package httpserver exposes the bridge's Prometheus metrics and
// liveness/readiness probes on a plain HTTP listener, separate from
// the agent-check TCP listener.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beskarlabs/agentcheck-bridge/internal/obs/health"
)

// Config describes where the HTTP server binds.
type Config struct {
	Bind string
	Port int
}

// Server wraps an http.Server exposing /metrics, /healthz and /readyz.
type Server struct {
	http *http.Server
	log  logr.Logger
}

// New builds a Server backed by checker for readiness decisions.
func New(cfg Config, checker *health.Checker, log logr.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", checker.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", checker.ReadinessHandler()).Methods(http.MethodGet)

	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks serving HTTP until Shutdown is called. It
// returns nil on a clean shutdown, matching http.Server.Shutdown's
// contract of returning http.ErrServerClosed from ListenAndServe.
func (s *Server) ListenAndServe() error {
	s.log.Info("metrics/health listener started", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
