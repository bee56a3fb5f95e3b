// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxdispatch/destination"
	"github.com/absmach/fluxdispatch/types"
)

// ErrUnknownEngine is returned when a message is transmitted to an engine
// that is not linked.
var ErrUnknownEngine = errors.New("unknown messaging engine")

// Loopback links engines in one process. Transmitted batches arrive at the
// anycast input of the target engine's queue point in one transaction.
type Loopback struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

var _ destination.Transmitter = (*Loopback)(nil)

// NewLoopback creates an empty link.
func NewLoopback() *Loopback {
	return &Loopback{engines: make(map[string]*Engine)}
}

// Register makes e reachable under its engine name.
func (l *Loopback) Register(e *Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engines[e.Name()] = e
}

// Unregister makes the named engine unreachable.
func (l *Loopback) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.engines, name)
}

// Transmit delivers msgs to dest on engine.
func (l *Loopback) Transmit(ctx context.Context, engine, dest string, msgs []*types.Message) error {
	l.mu.RLock()
	e, ok := l.engines[engine]
	l.mu.RUnlock()
	if !ok || e.isClosed() {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}

	h, err := e.dests.Get(dest)
	if err != nil {
		return err
	}
	in, err := h.GetInputHandler(destination.ClassAnycast)
	if err != nil {
		return err
	}

	tx := e.Begin()
	for _, msg := range msgs {
		if err := in.Handle(ctx, msg.Clone(), tx); err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return fmt.Errorf("failed to deliver to %s on %s: %w", dest, engine, err)
		}
	}
	return tx.Commit(ctx)
}
