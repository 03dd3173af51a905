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

// Package agentserver bootstraps the plain TCP listener that accepts
// HAProxy agent-check connections and hands each one to the handler
// package, mirroring the accept-loop and graceful-shutdown shape this
// codebase otherwise builds around a gRPC server.
package agentserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/beskarlabs/agentcheck-bridge/internal/channel"
	"github.com/beskarlabs/agentcheck-bridge/internal/handler"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/metrics"
	"github.com/beskarlabs/agentcheck-bridge/internal/prober"
)

// Config carries everything the accept loop needs to bind a listener
// and configure every connection it accepts.
type Config struct {
	Bind string
	Port int

	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
	MaxLineBytes   int

	// GracefulTimeout bounds how long Shutdown waits for in-flight
	// connections to finish on their own before the remaining
	// connections are forcibly closed.
	GracefulTimeout time.Duration
}

// Server owns the TCP listener, the shared channel cache backing every
// probe, and the set of currently active connections.
type Server struct {
	cache  *channel.Cache
	prober *prober.Prober
	log    logr.Logger

	// mu guards cfg (the live-reloadable subset), listener and conns.
	mu       sync.Mutex
	cfg      Config
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New builds a Server. The channel cache is created fresh; it is not
// shared across Server instances.
func New(cfg Config, log logr.Logger) *Server {
	cache := channel.New()
	return &Server{
		cfg:    cfg,
		cache:  cache,
		prober: prober.New(cache, cfg.RPCTimeout),
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and blocks accepting
// connections until ctx is cancelled or Shutdown is called. It returns
// nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.log.Info("agent-check listener started", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.log.Info("accept error, listener stopping", "error", err.Error())
				return err
			}
		}

		connCfg := s.handlerConfig()
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			handler.Handle(ctx, conn, s.prober, connCfg, s.log)
		}()
	}
}

// Shutdown closes the listener so Accept unblocks, then waits up to
// GracefulTimeout for in-flight connections to finish before returning.
// Connections still open past the deadline are forcibly closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis != nil {
		_ = lis.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	s.mu.Lock()
	timeout := s.cfg.GracefulTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case <-done:
		s.log.Info("agent-check listener stopped gracefully")
		return nil
	case <-time.After(timeout):
		s.log.Info("graceful shutdown timeout, closing remaining connections")
		s.closeAllConns()
		return nil
	case <-ctx.Done():
		s.closeAllConns()
		return ctx.Err()
	}
}

// ChannelCacheSize reports the number of distinct backend channels
// currently cached, for the metrics gauge.
func (s *Server) ChannelCacheSize() int {
	return s.cache.Len()
}

// ApplyLiveConfig retunes the per-connection timeouts, the max accepted
// line length, and the backend RPC deadline without rebinding the
// listener. Bind address and port are intentionally not accepted here:
// changing either requires rebinding the TCP listener, which this
// method does not attempt — callers must restart the process for those.
func (s *Server) ApplyLiveConfig(connectTimeout, rpcTimeout time.Duration, maxLineBytes int) {
	s.mu.Lock()
	s.cfg.ConnectTimeout = connectTimeout
	s.cfg.RPCTimeout = rpcTimeout
	s.cfg.MaxLineBytes = maxLineBytes
	s.mu.Unlock()

	s.prober.SetRPCTimeout(rpcTimeout)
}

func (s *Server) handlerConfig() handler.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return handler.Config{
		ConnectTimeout: s.cfg.ConnectTimeout,
		RPCTimeout:     s.cfg.RPCTimeout,
		MaxLineBytes:   s.cfg.MaxLineBytes,
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ReportChannelMetrics periodically publishes the channel cache size
// to Prometheus until ctx is cancelled. Call it in its own goroutine.
func (s *Server) ReportChannelMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelsActive(s.cache.Len())
		}
	}
}
