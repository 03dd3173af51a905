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

// Package metrics exposes Prometheus counters and histograms for the
// agent-check bridge's request engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcheck_probe_total",
			Help: "Total number of backend health probes by result.",
		},
		[]string{"result"},
	)

	probeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcheck_probe_duration_seconds",
			Help:    "Duration of a full probe (channel resolution plus RPC).",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	channelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcheck_channels_active",
			Help: "Number of distinct backend gRPC channels currently cached.",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcheck_connections_active",
			Help: "Number of currently open agent-check TCP connections.",
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcheck_requests_total",
			Help: "Total number of request lines handled, by outcome.",
		},
		[]string{"outcome"},
	)
)

// ObserveProbe records the outcome and latency of one health probe.
func ObserveProbe(up bool, d time.Duration) {
	result := "down"
	if up {
		result = "up"
	}
	probeTotal.WithLabelValues(result).Inc()
	probeDuration.Observe(d.Seconds())
}

// SetChannelsActive reports the current size of the channel cache.
func SetChannelsActive(n int) {
	channelsActive.Set(float64(n))
}

// ConnectionOpened increments the active-connection gauge.
func ConnectionOpened() {
	connectionsActive.Inc()
}

// ConnectionClosed decrements the active-connection gauge.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// Outcome labels for RecordRequest.
const (
	OutcomeServed     = "served"
	OutcomeParseError = "parse_error"
	OutcomeWriteError = "write_error"
)

// RecordRequest tags one handled request line with its terminal outcome.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}
