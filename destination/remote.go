// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/metrics"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Transmitter sends messages to the queue point of a destination on a
// remote messaging engine.
type Transmitter interface {
	Transmit(ctx context.Context, engine, destination string, msgs []*types.Message) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, engine, destination string, msgs []*types.Message) error

func (f TransmitterFunc) Transmit(ctx context.Context, engine, destination string, msgs []*types.Message) error {
	return f(ctx, engine, destination, msgs)
}

type noTransmitter struct{}

func (noTransmitter) Transmit(context.Context, string, string, []*types.Message) error {
	return ErrNoTransmitter
}

// RemoteOutputHandler buffers messages for one remote engine and transmits
// them on Flush. A circuit breaker marks the engine unreachable after
// repeated transmit failures.
type RemoteOutputHandler struct {
	engine      string
	destination string
	tr          Transmitter
	cb          *gobreaker.CircuitBreaker
	capacity    int
	metrics     metrics.Recorder
	logger      *slog.Logger

	// flushMu keeps flushes in buffer order.
	flushMu sync.Mutex
	mu      sync.Mutex
	buf     []*types.Message
	// reserved counts transactional puts waiting for commit.
	reserved int
}

func newRemoteOutputHandler(engine, dest string, deps Deps, logger *slog.Logger) *RemoteOutputHandler {
	logger = logger.With(slog.String("remote_engine", engine))
	return &RemoteOutputHandler{
		engine:      engine,
		destination: dest,
		tr:          deps.Transmitter,
		cb:          newBreaker(dest+"@"+engine, deps.Remote.CircuitBreaker, logger),
		capacity:    deps.Remote.TransmitBufferSize,
		metrics:     deps.Metrics,
		logger:      logger,
	}
}

func newBreaker(name string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("remote circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Engine returns the remote engine name.
func (r *RemoteOutputHandler) Engine() string {
	return r.engine
}

// Available reports whether the engine is considered reachable.
func (r *RemoteOutputHandler) Available() bool {
	return r.cb.State() != gobreaker.StateOpen
}

// Buffered returns the number of messages waiting for transmission.
func (r *RemoteOutputHandler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Put buffers msg for transmission. Under a transaction the message joins
// the buffer when tx commits; its slot is reserved until then.
func (r *RemoteOutputHandler) Put(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	r.mu.Lock()
	if len(r.buf)+r.reserved >= r.capacity {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransmitBufferFull, r.engine)
	}
	stored := msg.Clone()
	if tx == nil {
		r.buf = append(r.buf, stored)
		r.mu.Unlock()
		return nil
	}
	r.reserved++
	r.mu.Unlock()

	err := tx.RegisterCallback(txn.CallbackFuncs{
		After: func(_ *txn.Transaction, committed bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reserved--
			if committed {
				r.buf = append(r.buf, stored)
			}
		},
	})
	if err != nil {
		r.mu.Lock()
		r.reserved--
		r.mu.Unlock()
		return fmt.Errorf("failed to register transmit callback: %w", err)
	}
	return nil
}

// Flush transmits the buffered messages in one batch. On failure they stay
// buffered, ahead of anything added meanwhile.
func (r *RemoteOutputHandler) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	batch := r.drain()
	if len(batch) == 0 {
		return nil
	}

	_, err := r.cb.Execute(func() (any, error) {
		return nil, r.tr.Transmit(ctx, r.engine, r.destination, batch)
	})
	r.metrics.RecordTransmit(r.destination, err)
	if err != nil {
		r.requeue(batch)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, r.engine, err)
		}
		return fmt.Errorf("failed to transmit to %s: %w", r.engine, err)
	}

	r.logger.Debug("flushed transmit buffer", slog.Int("messages", len(batch)))
	return nil
}

func (r *RemoteOutputHandler) drain() []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.buf
	r.buf = nil
	return batch
}

func (r *RemoteOutputHandler) requeue(msgs []*types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(msgs, r.buf...)
}

// FlushRemote flushes the transmit buffer of engine, or of every remote
// engine in parallel when engine is empty.
func (h *Handler) FlushRemote(ctx context.Context, engine string) error {
	if engine != "" {
		r, ok := h.Remote(engine)
		if !ok {
			return fmt.Errorf("%w: %s is not hosted on %s", ErrNoOutputHandler, h.opts.Name, engine)
		}
		return r.Flush(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range h.remotes {
		g.Go(func() error {
			return r.Flush(ctx)
		})
	}
	return g.Wait()
}

// Reallocate moves messages buffered for unreachable engines to another
// output: the local queue point if there is one, otherwise a reachable
// remote engine. It returns the number of messages moved.
func (h *Handler) Reallocate(ctx context.Context) (int, error) {
	if !h.realloc.TryLock() {
		return 0, ErrReallocationInProgress
	}
	defer h.realloc.Unlock()
	if err := h.checkNotDeleted(); err != nil {
		return 0, err
	}

	moved := 0
	for _, r := range h.remotes {
		if r.Available() {
			continue
		}
		msgs := r.drain()
		for i, msg := range msgs {
			out, err := h.chooseOutput("", r)
			if other, ok := out.(*RemoteOutputHandler); ok && !other.Available() {
				err = fmt.Errorf("%w: every engine hosting %s is unreachable", ErrNoOutputHandler, h.opts.Name)
			}
			if err == nil {
				err = out.Put(ctx, msg, nil)
			}
			if err != nil {
				r.requeue(msgs[i:])
				return moved, fmt.Errorf("failed to reallocate from %s: %w", r.Engine(), err)
			}
			moved++
		}
		if len(msgs) > 0 {
			h.logger.Info("reallocated messages from unreachable engine",
				slog.String("remote_engine", r.Engine()),
				slog.Int("messages", len(msgs)))
		}
	}
	return moved, nil
}
