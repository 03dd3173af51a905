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

// Package tracing wires an OpenTelemetry span around each health probe
// (covering channel resolution, including any dial, and the outbound
// gRPC Check call).
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Config controls whether and where spans are exported.
type Config struct {
	Enabled           bool
	Endpoint          string
	ServiceVersion    string
	SamplingRatio     float64
	InsecureTransport bool
}

// DefaultConfig returns tracing configuration sourced from environment
// variables, matching the defaults a deployed bridge ships with.
func DefaultConfig(version string) *Config {
	return &Config{
		Enabled:           getEnvBool("AGENTCHECK_TRACING_ENABLED", false),
		Endpoint:          getEnv("AGENTCHECK_TRACING_ENDPOINT", ""),
		ServiceVersion:    version,
		SamplingRatio:     getEnvFloat("AGENTCHECK_TRACING_SAMPLING_RATIO", 0.1),
		InsecureTransport: getEnvBool("AGENTCHECK_TRACING_INSECURE", true),
	}
}

// Setup installs the global tracer provider and returns a shutdown func.
// When disabled, it installs a no-op provider so callers never need to
// branch on whether tracing is active.
func Setup(ctx context.Context, cfg *Config) (func(), error) {
	if cfg == nil || !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("agentcheck-bridge"),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

var (
	attrBackend = attribute.Key("agentcheck.backend")
	attrPort    = attribute.Key("agentcheck.port")
	attrSSL     = attribute.Key("agentcheck.ssl")
)

// StartProbeSpan starts a span covering one full health probe (channel
// resolution plus the Health/Check RPC).
func StartProbeSpan(ctx context.Context, backend string, port uint16, ssl bool) (context.Context, otrace.Span) {
	tracer := otel.Tracer("agentcheck-bridge")
	return tracer.Start(ctx, "probe",
		otrace.WithAttributes(
			attrBackend.String(backend),
			attrPort.Int(int(port)),
			attrSSL.Bool(ssl),
		),
	)
}

// RecordError marks the current span as failed without altering control
// flow; the wire-level down\n response is decided independently.
func RecordError(ctx context.Context, err error) {
	span := otrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
