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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/beskarlabs/agentcheck-bridge/internal/agentserver"
	"github.com/beskarlabs/agentcheck-bridge/internal/config"
	"github.com/beskarlabs/agentcheck-bridge/internal/httpserver"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/health"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/logging"
	"github.com/beskarlabs/agentcheck-bridge/internal/obs/tracing"
	"github.com/beskarlabs/agentcheck-bridge/internal/version"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent-check bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer mgr.Close()
	cfg := mgr.Get()

	log, err := logging.New(&logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: cfg.LogDevelopment,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	tracingCfg := &tracing.Config{
		Enabled:           cfg.TracingEnabled,
		Endpoint:          cfg.TracingEndpoint,
		ServiceVersion:    version.Version,
		SamplingRatio:     cfg.TracingSamplingRatio,
		InsecureTransport: true,
	}
	shutdownTracing, err := tracing.Setup(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agentSrv := agentserver.New(agentserver.Config{
		Bind:            cfg.ServerBind,
		Port:            cfg.ServerPort,
		ConnectTimeout:  cfg.GRPCConnectTimeout,
		RPCTimeout:      cfg.GRPCRPCTimeout,
		MaxLineBytes:    cfg.MaxLineBytes,
		GracefulTimeout: 10 * time.Second,
	}, log)

	checker := health.NewChecker()
	checker.Register("config", func(ctx context.Context) error { return nil })

	httpSrv := httpserver.New(httpserver.Config{
		Bind: cfg.MetricsBind,
		Port: cfg.MetricsPort,
	}, checker, log)

	errCh := make(chan error, 2)
	go func() { errCh <- agentSrv.ListenAndServe(ctx) }()
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go agentSrv.ReportChannelMetrics(ctx, 5*time.Second)
	go watchConfig(ctx, mgr, agentSrv, cfg, log)

	log.Info("agentcheckd started", "version", version.String())

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error(serveErr, "server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := agentSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "agent-check server shutdown error")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown error")
	}

	if serveErr != nil {
		return fmt.Errorf("agentcheckd exited: %w", serveErr)
	}
	return nil
}

// watchConfig applies every reloaded configuration's live-tunable fields
// (timeouts, max line length) to agentSrv. Bind addresses and ports
// cannot be changed without rebinding a listener, so a change to either
// is logged and otherwise ignored until the process is restarted.
func watchConfig(ctx context.Context, mgr *config.Manager, agentSrv *agentserver.Server, initial *config.AgentConfig, log logr.Logger) {
	prev := initial
	ch := mgr.Watch()
	// mgr.Watch() immediately queues the currently loaded configuration;
	// that first receive below re-applies what runServe already applied
	// at startup, which is harmless.
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}

			if cfg.ServerBind != prev.ServerBind || cfg.ServerPort != prev.ServerPort {
				log.Info("serverBind/serverPort changed in reloaded configuration but cannot be applied without a restart; ignoring",
					"bind", cfg.ServerBind, "port", cfg.ServerPort)
			}
			if cfg.MetricsBind != prev.MetricsBind || cfg.MetricsPort != prev.MetricsPort {
				log.Info("metricsBind/metricsPort changed in reloaded configuration but cannot be applied without a restart; ignoring",
					"bind", cfg.MetricsBind, "port", cfg.MetricsPort)
			}

			agentSrv.ApplyLiveConfig(cfg.GRPCConnectTimeout, cfg.GRPCRPCTimeout, cfg.MaxLineBytes)
			log.Info("applied reloaded configuration",
				"connectTimeout", cfg.GRPCConnectTimeout,
				"rpcTimeout", cfg.GRPCRPCTimeout,
				"maxLineBytes", cfg.MaxLineBytes)

			prev = cfg
		}
	}
}
