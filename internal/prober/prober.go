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

// Package prober issues grpc.health.v1.Health/Check RPCs against cached
// backend channels and collapses every failure mode into a binary
// verdict. Probe never returns an error to its caller.
package prober

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/beskarlabs/agentcheck-bridge/internal/channel"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/metrics"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/tracing"
	"github.com/beskarlabs/agentcheck-bridge/internal/protocol"
)

// Prober resolves a parsed request to a channel and runs the health check.
type Prober struct {
	cache *channel.Cache
	// rpcTimeout is nanoseconds, stored atomically so a config reload can
	// retune it without disrupting probes already in flight.
	rpcTimeout atomic.Int64
}

// New returns a Prober backed by cache, applying rpcTimeout as the outer
// deadline on every Check call.
func New(cache *channel.Cache, rpcTimeout time.Duration) *Prober {
	p := &Prober{cache: cache}
	p.rpcTimeout.Store(int64(rpcTimeout))
	return p
}

// SetRPCTimeout retunes the deadline applied to subsequent Check calls.
func (p *Prober) SetRPCTimeout(d time.Duration) {
	p.rpcTimeout.Store(int64(d))
}

// Probe returns Up only if the backend's overall Health/Check reports
// SERVING within the configured timeout. Any dial error, transport
// error, RPC timeout, or non-SERVING status maps to Down; the cause is
// logged at ERROR, never propagated.
func (p *Prober) Probe(ctx context.Context, req protocol.Request, log logr.Logger, connectTimeout time.Duration) protocol.Status {
	ctx, span := tracing.StartProbeSpan(ctx, req.BackendServer, req.BackendPort, req.SSL == protocol.SSL)
	defer span.End()

	start := time.Now()
	status := p.probe(ctx, req, log, connectTimeout)
	metrics.ObserveProbe(status == protocol.Up, time.Since(start))

	return status
}

func (p *Prober) probe(ctx context.Context, req protocol.Request, log logr.Logger, connectTimeout time.Duration) protocol.Status {
	key := channel.Key{Server: req.BackendServer, Port: req.BackendPort, SSL: req.SSL}

	conn, err := p.cache.GetOrCreate(ctx, key, req.ProxyHostName, connectTimeout)
	if err != nil {
		log.Error(err, "failed to obtain backend channel", "backend", key.String())
		tracing.RecordError(ctx, err)
		return protocol.Down
	}

	rpcTimeout := time.Duration(p.rpcTimeout.Load())
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(rpcCtx, &grpc_health_v1.HealthCheckRequest{Service: ""})
	if err != nil {
		log.Error(err, "health check RPC failed", "backend", key.String(), "timeout", rpcTimeout)
		tracing.RecordError(ctx, err)
		return protocol.Down
	}

	return mapServingStatus(resp.GetStatus())
}

func mapServingStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) protocol.Status {
	if status == grpc_health_v1.HealthCheckResponse_SERVING {
		return protocol.Up
	}
	// NOT_SERVING, UNKNOWN, SERVICE_UNKNOWN, and any future/unrecognized
	// value all mean the backend is not ready to take traffic.
	return protocol.Down
}
