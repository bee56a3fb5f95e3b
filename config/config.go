// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Destination types.
const (
	DestinationQueue = "queue"
	DestinationTopic = "topic"
)

// Config holds the dispatch engine configuration.
type Config struct {
	Log          LogConfig           `yaml:"log"`
	Storage      StorageConfig       `yaml:"storage"`
	Dispatch     DispatchConfig      `yaml:"dispatch"`
	Remote       RemoteConfig        `yaml:"remote"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds message store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB specific
	BadgerDir  string        `yaml:"badger_dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// DispatchConfig holds consumer dispatch defaults.
type DispatchConfig struct {
	// Workers bounds concurrent asynchronous deliveries.
	Workers int `yaml:"workers"`

	MaxActiveMessages int           `yaml:"max_active_messages"` // 0 = unlimited
	MaxBatchSize      int           `yaml:"max_batch_size"`
	LockExpiry        time.Duration `yaml:"lock_expiry"` // 0 = never
	InlineDelivery    bool          `yaml:"inline_delivery"`

	// Failed delivery handling
	MaxFailedDeliveries        int           `yaml:"max_failed_deliveries"`        // 0 = unlimited
	SequentialFailureThreshold int           `yaml:"sequential_failure_threshold"` // 0 = never stop
	HideDelay                  time.Duration `yaml:"hide_delay"`
	MaxHiddenMessages          int           `yaml:"max_hidden_messages"` // 0 = unlimited

	BlockWarningInterval time.Duration `yaml:"block_warning_interval"`
}

// RemoteConfig holds remote output handler configuration.
type RemoteConfig struct {
	// LocalEngine names this messaging engine.
	LocalEngine string `yaml:"local_engine"`

	TransmitBufferSize int                  `yaml:"transmit_buffer_size"`
	FlushTimeout       time.Duration        `yaml:"flush_timeout"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`

	// FlushInterval is the period of the background transmit flush. Zero
	// disables it.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// DestinationConfig declares a destination created at startup.
type DestinationConfig struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"` // queue, topic
	Ordered          bool   `yaml:"ordered"`
	ReceiveExclusive bool   `yaml:"receive_exclusive"`
	// ReceiveAllowed defaults to true when omitted.
	ReceiveAllowed       *bool  `yaml:"receive_allowed,omitempty"`
	ExceptionDestination string `yaml:"exception_destination"`
	// MaxFailedDeliveries overrides dispatch.max_failed_deliveries when set.
	MaxFailedDeliveries int `yaml:"max_failed_deliveries,omitempty"`
	// SendAllowed defaults to true when omitted.
	SendAllowed *bool `yaml:"send_allowed,omitempty"`
	MaxDepth    int   `yaml:"max_depth,omitempty"` // 0 = unlimited

	// RemoteEngines are messaging engines that also host the queue.
	RemoteEngines []string `yaml:"remote_engines,omitempty"`
	// RemoteOnly queues have no local queue point.
	RemoteOnly bool `yaml:"remote_only,omitempty"`

	// Subscriptions are created on topics at startup.
	Subscriptions []SubscriptionConfig `yaml:"subscriptions,omitempty"`
}

// SubscriptionConfig declares a topic subscription.
type SubscriptionConfig struct {
	Name string `yaml:"name"`
	// Filter is a routing key pattern; empty matches everything.
	Filter string `yaml:"filter,omitempty"`
}

// IsReceiveAllowed reports the effective receive-allowed attribute.
func (d DestinationConfig) IsReceiveAllowed() bool {
	return d.ReceiveAllowed == nil || *d.ReceiveAllowed
}

// IsSendAllowed reports the effective send-allowed attribute.
func (d DestinationConfig) IsSendAllowed() bool {
	return d.SendAllowed == nil || *d.SendAllowed
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:       "badger",
			BadgerDir:  "/tmp/fluxdispatch/data",
			GCInterval: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:                    64,
			MaxActiveMessages:          0,
			MaxBatchSize:               10,
			LockExpiry:                 0,
			InlineDelivery:             false,
			MaxFailedDeliveries:        5,
			SequentialFailureThreshold: 0,
			HideDelay:                  0,
			MaxHiddenMessages:          1000,
			BlockWarningInterval:       30 * time.Second,
		},
		Remote: RemoteConfig{
			LocalEngine:        "local",
			TransmitBufferSize: 10000,
			FlushTimeout:       10 * time.Second,
			FlushInterval:      time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxdispatch",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Destinations: []DestinationConfig{},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	d := c.Dispatch
	if d.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if d.MaxBatchSize < 1 {
		return fmt.Errorf("dispatch.max_batch_size must be at least 1")
	}
	if d.MaxActiveMessages < 0 {
		return fmt.Errorf("dispatch.max_active_messages cannot be negative")
	}
	if d.LockExpiry < 0 {
		return fmt.Errorf("dispatch.lock_expiry cannot be negative")
	}
	if d.MaxFailedDeliveries < 0 {
		return fmt.Errorf("dispatch.max_failed_deliveries cannot be negative")
	}
	if d.SequentialFailureThreshold < 0 {
		return fmt.Errorf("dispatch.sequential_failure_threshold cannot be negative")
	}
	if d.HideDelay < 0 {
		return fmt.Errorf("dispatch.hide_delay cannot be negative")
	}
	if d.MaxHiddenMessages < 0 {
		return fmt.Errorf("dispatch.max_hidden_messages cannot be negative")
	}
	if d.BlockWarningInterval < 0 {
		return fmt.Errorf("dispatch.block_warning_interval cannot be negative")
	}

	if c.Remote.LocalEngine == "" {
		return fmt.Errorf("remote.local_engine cannot be empty")
	}
	if c.Remote.TransmitBufferSize < 1 {
		return fmt.Errorf("remote.transmit_buffer_size must be at least 1")
	}
	if c.Remote.FlushInterval < 0 {
		return fmt.Errorf("remote.flush_interval cannot be negative")
	}
	if c.Remote.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("remote.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	names := make(map[string]bool, len(c.Destinations))
	for i, dest := range c.Destinations {
		if dest.Name == "" {
			return fmt.Errorf("destinations[%d].name cannot be empty", i)
		}
		if names[dest.Name] {
			return fmt.Errorf("destinations[%d].name %q is duplicated", i, dest.Name)
		}
		names[dest.Name] = true
		if dest.Type != DestinationQueue && dest.Type != DestinationTopic {
			return fmt.Errorf("destinations[%d].type must be 'queue' or 'topic'", i)
		}
		if dest.MaxFailedDeliveries < 0 {
			return fmt.Errorf("destinations[%d].max_failed_deliveries cannot be negative", i)
		}
		if dest.ExceptionDestination == dest.Name {
			return fmt.Errorf("destinations[%d].exception_destination cannot be the destination itself", i)
		}
		if dest.MaxDepth < 0 {
			return fmt.Errorf("destinations[%d].max_depth cannot be negative", i)
		}
		if dest.Type == DestinationTopic && (len(dest.RemoteEngines) > 0 || dest.RemoteOnly) {
			return fmt.Errorf("destinations[%d]: topics cannot be hosted on remote engines", i)
		}
		if dest.RemoteOnly && len(dest.RemoteEngines) == 0 {
			return fmt.Errorf("destinations[%d]: remote_only requires remote_engines", i)
		}
		if dest.Type == DestinationQueue && len(dest.Subscriptions) > 0 {
			return fmt.Errorf("destinations[%d]: subscriptions are only valid on topics", i)
		}
		subs := make(map[string]bool, len(dest.Subscriptions))
		for j, sub := range dest.Subscriptions {
			if sub.Name == "" || subs[sub.Name] {
				return fmt.Errorf("destinations[%d].subscriptions[%d] needs a unique name", i, j)
			}
			subs[sub.Name] = true
		}
	}
	for i, dest := range c.Destinations {
		if dest.ExceptionDestination != "" && !names[dest.ExceptionDestination] {
			return fmt.Errorf("destinations[%d].exception_destination %q is not declared", i, dest.ExceptionDestination)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
