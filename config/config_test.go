// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Type != "badger" {
		t.Errorf("expected default storage badger, got %s", cfg.Storage.Type)
	}
	if cfg.Dispatch.MaxBatchSize != 10 {
		t.Errorf("expected max batch size 10, got %d", cfg.Dispatch.MaxBatchSize)
	}
	if cfg.Dispatch.MaxFailedDeliveries != 5 {
		t.Errorf("expected max failed deliveries 5, got %d", cfg.Dispatch.MaxFailedDeliveries)
	}
	if cfg.Dispatch.LockExpiry != 0 {
		t.Errorf("expected lock expiry 0 (never), got %v", cfg.Dispatch.LockExpiry)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "badger without directory",
			modify: func(c *Config) {
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "memory storage needs no directory",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
				c.Storage.BadgerDir = ""
			},
			wantErr: false,
		},
		{
			name: "zero batch size",
			modify: func(c *Config) {
				c.Dispatch.MaxBatchSize = 0
			},
			wantErr: true,
		},
		{
			name: "negative hide delay",
			modify: func(c *Config) {
				c.Dispatch.HideDelay = -time.Second
			},
			wantErr: true,
		},
		{
			name: "trace sample rate out of range",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "unknown destination type",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{{Name: "orders", Type: "stream"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate destination",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{
					{Name: "orders", Type: DestinationQueue},
					{Name: "orders", Type: DestinationTopic},
				}
			},
			wantErr: true,
		},
		{
			name: "undeclared exception destination",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{
					{Name: "orders", Type: DestinationQueue, ExceptionDestination: "orders.dlq"},
				}
			},
			wantErr: true,
		},
		{
			name: "declared exception destination",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{
					{Name: "orders", Type: DestinationQueue, ExceptionDestination: "orders.dlq"},
					{Name: "orders.dlq", Type: DestinationQueue},
				}
			},
			wantErr: false,
		},
		{
			name: "remote only queue without engines",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{{Name: "orders", Type: DestinationQueue, RemoteOnly: true}}
			},
			wantErr: true,
		},
		{
			name: "topic on remote engines",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{{Name: "prices", Type: DestinationTopic, RemoteEngines: []string{"me2"}}}
			},
			wantErr: true,
		},
		{
			name: "duplicate subscription",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{{
					Name:          "prices",
					Type:          DestinationTopic,
					Subscriptions: []SubscriptionConfig{{Name: "all"}, {Name: "all"}},
				}}
			},
			wantErr: true,
		},
		{
			name: "subscription on queue",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{{
					Name:          "orders",
					Type:          DestinationQueue,
					Subscriptions: []SubscriptionConfig{{Name: "all"}},
				}}
			},
			wantErr: true,
		},
		{
			name: "empty local engine",
			modify: func(c *Config) {
				c.Remote.LocalEngine = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "no file configured", path: ""},
		{name: "missing file falls back to defaults", path: filepath.Join(dir, "missing.yaml")},
		{name: "directory", path: dir, wantErr: "failed to read config file"},
		{name: "malformed yaml", path: write("bad.yaml", "dispatch: [workers"), wantErr: "failed to parse config file"},
		{name: "zero workers", path: write("workers.yaml", "dispatch:\n  workers: 0\n"), wantErr: "dispatch.workers"},
		{
			name:    "exception destination loop",
			path:    write("loop.yaml", "destinations:\n  - name: orders\n    type: queue\n    exception_destination: orders\n"),
			wantErr: "exception_destination cannot be the destination itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				if cfg.Dispatch.Workers != Default().Dispatch.Workers {
					t.Errorf("expected default workers, got %d", cfg.Dispatch.Workers)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := `
storage:
  type: memory
destinations:
  - name: orders
    type: queue
    ordered: true
    receive_allowed: false
`
	if err := os.WriteFile(tmpfile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}
	if cfg.Dispatch.MaxBatchSize != 10 {
		t.Errorf("expected defaults to be kept, got batch size %d", cfg.Dispatch.MaxBatchSize)
	}
	if len(cfg.Destinations) != 1 || !cfg.Destinations[0].Ordered {
		t.Fatalf("expected one ordered destination, got %+v", cfg.Destinations)
	}
	if cfg.Destinations[0].IsReceiveAllowed() {
		t.Error("expected receive_allowed false")
	}
}

func TestSaveKeepsDestinationAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	closed := false

	cfg := Default()
	cfg.Storage.Type = "memory"
	cfg.Remote.LocalEngine = "me1"
	cfg.Remote.FlushInterval = 250 * time.Millisecond
	cfg.Destinations = []DestinationConfig{
		{
			Name:                 "orders",
			Type:                 DestinationQueue,
			Ordered:              true,
			ReceiveAllowed:       &closed,
			ExceptionDestination: "orders.dlq",
			MaxFailedDeliveries:  1,
			RemoteEngines:        []string{"me2"},
		},
		{Name: "orders.dlq", Type: DestinationQueue, MaxDepth: 100},
		{
			Name:          "prices",
			Type:          DestinationTopic,
			Subscriptions: []SubscriptionConfig{{Name: "eu", Filter: "prices/eu/+"}, {Name: "all"}},
		},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("loaded config differs:\n got %+v\nwant %+v", loaded, cfg)
	}

	orders, dlq := loaded.Destinations[0], loaded.Destinations[1]
	if orders.IsReceiveAllowed() {
		t.Error("orders should keep receive_allowed false")
	}
	if !orders.IsSendAllowed() || !dlq.IsReceiveAllowed() {
		t.Error("omitted attributes should default to allowed")
	}
}
