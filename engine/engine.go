// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles a messaging engine from its configuration: the
// message store, transactions, timers, the delivery worker pool, telemetry
// and the destinations declared in the config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/alarm"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/destination"
	"github.com/absmach/fluxdispatch/internal/workerpool"
	"github.com/absmach/fluxdispatch/metrics"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/store/badger"
	"github.com/absmach/fluxdispatch/store/memory"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fluxdispatch"

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTransmitter sets how messages reach remote engines.
func WithTransmitter(t destination.Transmitter) Option {
	return func(e *Engine) {
		e.transmitter = t
	}
}

// WithScheduler replaces the timer scheduler. The engine does not stop a
// scheduler it did not create.
func WithScheduler(s alarm.Scheduler) Option {
	return func(e *Engine) {
		e.sched = s
	}
}

// WithStore replaces the configured store. The engine does not close a
// store it did not open.
func WithStore(s store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// Engine is a running messaging engine.
type Engine struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       store.Store
	txm         *txn.Manager
	sched       alarm.Scheduler
	pool        *workerpool.Pool
	metrics     metrics.Recorder
	tracer      trace.Tracer
	transmitter destination.Transmitter
	dests       *destination.Manager

	ownStore bool
	timers   *alarm.TimerScheduler

	mu       sync.Mutex
	closed   bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New builds an engine and creates the destinations declared in cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("engine", cfg.Remote.LocalEngine))

	if e.store == nil {
		s, err := openStore(cfg.Storage, e.logger)
		if err != nil {
			return nil, err
		}
		e.store = s
		e.ownStore = true
	}
	if e.sched == nil {
		e.timers = alarm.NewTimerScheduler()
		e.sched = e.timers
	}

	e.metrics = metrics.Noop{}
	if cfg.Metrics.Enabled {
		m, err := metrics.New()
		if err != nil {
			e.release()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		e.metrics = m
		if cfg.Metrics.TracesEnabled {
			e.tracer = otel.Tracer(tracerName)
		}
	}

	e.txm = txn.NewManager(e.logger)
	e.pool = workerpool.New(cfg.Dispatch.Workers, e.logger)
	e.dests = destination.NewManager(destination.Deps{
		Store:       e.store,
		Txn:         e.txm,
		Scheduler:   e.sched,
		Executor:    e.pool,
		Metrics:     e.metrics,
		Tracer:      e.tracer,
		Transmitter: e.transmitter,
		Remote:      cfg.Remote,
		Logger:      e.logger,
	})

	if err := e.createDeclared(ctx); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	e.logger.Info("engine started",
		slog.String("storage", cfg.Storage.Type),
		slog.Int("workers", cfg.Dispatch.Workers),
		slog.Int("destinations", len(cfg.Destinations)))
	return e, nil
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		s, err := memory.New(memory.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		return s, nil
	case "badger":
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		logger.Info("using BadgerDB persistent storage", slog.String("dir", cfg.BadgerDir))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func (e *Engine) createDeclared(ctx context.Context) error {
	for _, dc := range e.cfg.Destinations {
		h, err := e.dests.Create(ctx, destination.OptionsFromConfig(dc, e.cfg.Dispatch))
		if err != nil {
			return fmt.Errorf("failed to create destination %s: %w", dc.Name, err)
		}
		for _, sc := range dc.Subscriptions {
			var filter types.Filter
			if sc.Filter != "" {
				filter = types.NewSelector(sc.Filter, nil)
			}
			if _, err := h.Subscribe(ctx, sc.Name, filter); err != nil {
				return fmt.Errorf("failed to subscribe %s to %s: %w", sc.Name, dc.Name, err)
			}
		}
	}
	return nil
}

// Name returns the name of the messaging engine.
func (e *Engine) Name() string {
	return e.dests.LocalEngine()
}

// Destinations returns the destination manager.
func (e *Engine) Destinations() *destination.Manager {
	return e.dests
}

// Destination returns a destination by name.
func (e *Engine) Destination(name string) (*destination.Handler, error) {
	return e.dests.Get(name)
}

// Begin starts a transaction.
func (e *Engine) Begin() *txn.Transaction {
	return e.txm.Begin()
}

// Put sends msg to the named destination.
func (e *Engine) Put(ctx context.Context, dest string, msg *types.Message, tx *txn.Transaction) error {
	if e.isClosed() {
		return ErrClosed
	}
	h, err := e.dests.Get(dest)
	if err != nil {
		return err
	}
	return h.Put(ctx, msg, tx)
}

// Attach attaches a consumer to the named destination.
func (e *Engine) Attach(dest string, opts destination.AttachOptions) (*consumer.LocalConsumerPoint, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	h, err := e.dests.Get(dest)
	if err != nil {
		return nil, err
	}
	return h.AttachConsumer(opts)
}

// AsynchOptions returns the asynchronous consumer settings of the dispatch
// configuration.
func (e *Engine) AsynchOptions() consumer.AsynchOptions {
	d := e.cfg.Dispatch
	return consumer.AsynchOptions{
		MaxActiveMessages: d.MaxActiveMessages,
		LockExpiry:        d.LockExpiry,
		MaxBatchSize:      d.MaxBatchSize,
		Inline:            d.InlineDelivery,
	}
}

// StopOptions returns the stoppable consumer settings of the dispatch
// configuration.
func (e *Engine) StopOptions() consumer.StopOptions {
	d := e.cfg.Dispatch
	return consumer.StopOptions{
		MaxSequentialFailures: d.SequentialFailureThreshold,
		HideDelay:             d.HideDelay,
		MaxHiddenMessages:     d.MaxHiddenMessages,
	}
}

// PoolStats reports the delivery worker pool counters.
func (e *Engine) PoolStats() workerpool.Stats {
	return e.pool.Stats()
}

// Start runs the background transmit flush every remote.flush_interval.
// Failed flushes trigger reallocation away from unreachable engines.
func (e *Engine) Start() {
	interval := e.cfg.Remote.FlushInterval
	if interval <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.stopLoop = cancel
	e.loopDone = make(chan struct{})
	go e.flushLoop(ctx, interval, e.loopDone)
}

func (e *Engine) flushLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Flush transmits every remote buffer once and reallocates messages held
// for unreachable engines.
func (e *Engine) Flush(ctx context.Context) {
	if err := e.dests.FlushRemotes(ctx); err != nil {
		e.logger.Debug("transmit flush failed", slog.String("error", err.Error()))
	}
	moved, err := e.dests.Reallocate(ctx)
	if err != nil {
		e.logger.Warn("reallocation failed", slog.String("error", err.Error()))
	}
	if moved > 0 {
		e.logger.Info("reallocated messages", slog.Int("messages", moved))
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close closes every consumer, flushes transmit buffers, waits for running
// deliveries and releases the store and timers.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop, done := e.stopLoop, e.loopDone
	e.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	var errs []error
	if err := e.dests.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.release(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) release() error {
	if e.timers != nil {
		e.timers.Stop()
	}
	if e.ownStore {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}
