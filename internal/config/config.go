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

// Package config loads and validates the agent-check bridge's
// configuration from environment variables and an optional YAML
// overlay, with hot-reload on file change. The core package never does
// this work itself; it only consumes the resulting *AgentConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// AgentConfig is the validated configuration record the core consumes.
// See spec.md §3.
type AgentConfig struct {
	ServerBind string `yaml:"serverBind"`
	ServerPort int    `yaml:"serverPort"`

	GRPCConnectTimeout time.Duration `yaml:"grpcConnectTimeout"`
	GRPCRPCTimeout     time.Duration `yaml:"grpcRPCTimeout"`

	MetricsBind string `yaml:"metricsBind"`
	MetricsPort int    `yaml:"metricsPort"`

	LogLevel       string `yaml:"logLevel"`
	LogFormat      string `yaml:"logFormat"`
	LogDevelopment bool   `yaml:"logDevelopment"`

	TracingEnabled       bool    `yaml:"tracingEnabled"`
	TracingEndpoint      string  `yaml:"tracingEndpoint"`
	TracingSamplingRatio float64 `yaml:"tracingSamplingRatio"`

	MaxLineBytes int `yaml:"maxLineBytes"`
}

// DefaultConfig returns configuration sourced from environment
// variables, before the YAML overlay is applied.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		ServerBind: getEnv("AGENTCHECK_BIND", "0.0.0.0"),
		ServerPort: getEnvInt("AGENTCHECK_PORT", 9999),

		GRPCConnectTimeout: getEnvDuration("AGENTCHECK_CONNECT_TIMEOUT", 2*time.Second),
		GRPCRPCTimeout:     getEnvDuration("AGENTCHECK_RPC_TIMEOUT", 2*time.Second),

		MetricsBind: getEnv("AGENTCHECK_METRICS_BIND", "0.0.0.0"),
		MetricsPort: getEnvInt("AGENTCHECK_METRICS_PORT", 9998),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		LogDevelopment: getEnvBool("LOG_DEVELOPMENT", false),

		TracingEnabled:       getEnvBool("AGENTCHECK_TRACING_ENABLED", false),
		TracingEndpoint:      getEnv("AGENTCHECK_TRACING_ENDPOINT", ""),
		TracingSamplingRatio: getEnvFloat("AGENTCHECK_TRACING_SAMPLING_RATIO", 0.1),

		MaxLineBytes: getEnvInt("AGENTCHECK_MAX_LINE_BYTES", 8192),
	}
}

// Load builds configuration from the environment, then overlays the
// YAML file at path if non-empty, then validates the result.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants from spec.md §3: the agent-check port
// must be set and in range, timeouts must be positive, and the
// agent-check and metrics listeners must not collide. A zero metrics
// port is accepted and its range is not checked.
func (c *AgentConfig) Validate() error {
	if c.ServerPort == 0 {
		return fmt.Errorf("serverPort must be nonzero")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("serverPort %d out of range", c.ServerPort)
	}
	if c.GRPCConnectTimeout <= 0 {
		return fmt.Errorf("grpcConnectTimeout must be positive")
	}
	if c.GRPCRPCTimeout <= 0 {
		return fmt.Errorf("grpcRPCTimeout must be positive")
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.ServerPort {
		return fmt.Errorf("serverPort and metricsPort must differ")
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("maxLineBytes must be positive")
	}
	return nil
}

func loadFromFile(path string, cfg *AgentConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Manager watches a config file for changes and republishes validated
// configuration to subscribers, mirroring the hot-reload pattern used
// elsewhere in this codebase for operator-facing components.
type Manager struct {
	mu       sync.RWMutex
	cfg      *AgentConfig
	watchers []chan *AgentConfig
	watcher  *fsnotify.Watcher
	file     string
}

// NewManager loads cfg from path (if non-empty) and starts watching it
// for subsequent writes.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, file: path}
	if path != "" {
		if err := m.watch(); err != nil {
			return nil, fmt.Errorf("watch config file: %w", err)
		}
	}
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *AgentConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch returns a channel that receives every successfully reloaded
// configuration, starting with the current one.
func (m *Manager) Watch() <-chan *AgentConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *AgentConfig, 1)
	ch <- m.cfg
	m.watchers = append(m.watchers, ch)
	return ch
}

// Close stops the file watcher and closes all subscriber channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reload()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w.Add(m.file)
}

func (m *Manager) reload() {
	cfg, err := Load(m.file)
	if err != nil {
		// Keep serving the last valid configuration; an operator fixing a
		// typo mid-edit should not take the bridge down.
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	watchers := make([]chan *AgentConfig, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- cfg:
		default:
		}
	}
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

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
