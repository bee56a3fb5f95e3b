// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package txn provides the local transaction manager used by the dispatch
// core. A transaction groups store work (enlisted by resource) and
// completion callbacks; each callback is told exactly once whether the
// transaction committed or rolled back.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrNotActive  = errors.New("transaction is not active")
	ErrRolledBack = errors.New("transaction rolled back")
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateCompleting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Work is one resource's share of a transaction. Prepare may fail, in which
// case the whole transaction rolls back. Commit and Rollback must not fail.
type Work interface {
	Prepare() error
	Commit()
	Rollback()
}

// Callback observes transaction completion.
type Callback interface {
	BeforeCompletion(tx *Transaction)
	AfterCompletion(tx *Transaction, committed bool)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Before func(tx *Transaction)
	After  func(tx *Transaction, committed bool)
}

func (c CallbackFuncs) BeforeCompletion(tx *Transaction) {
	if c.Before != nil {
		c.Before(tx)
	}
}

func (c CallbackFuncs) AfterCompletion(tx *Transaction, committed bool) {
	if c.After != nil {
		c.After(tx, committed)
	}
}

// Manager creates transactions and tracks how many are in flight.
type Manager struct {
	active atomic.Int64
	logger *slog.Logger
}

// NewManager creates a transaction manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Begin starts a new transaction.
func (m *Manager) Begin() *Transaction {
	m.active.Add(1)
	return &Transaction{
		id:        uuid.New().String(),
		mgr:       m,
		resources: make(map[any]Work),
	}
}

// Active returns the number of transactions not yet completed.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Transaction is a unit of atomicity spanning store work and callbacks.
type Transaction struct {
	id  string
	mgr *Manager

	mu        sync.Mutex
	state     State
	works     []Work
	resources map[any]Work
	callbacks []Callback
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string {
	return t.id
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enlist returns the work registered for key, creating and enlisting it on
// first use. Resources use this to accumulate all their changes for one
// transaction into a single Work.
func (t *Transaction) Enlist(key any, create func() Work) (Work, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil, ErrNotActive
	}
	if w, ok := t.resources[key]; ok {
		return w, nil
	}
	w := create()
	t.resources[key] = w
	t.works = append(t.works, w)
	return w, nil
}

// RegisterCallback adds a completion callback.
func (t *Transaction) RegisterCallback(cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return ErrNotActive
	}
	t.callbacks = append(t.callbacks, cb)
	return nil
}

// Commit prepares and commits every enlisted work. If any work fails to
// prepare, or ctx is already done, the transaction rolls back instead and
// the returned error wraps ErrRolledBack.
func (t *Transaction) Commit(ctx context.Context) error {
	works, callbacks, err := t.begin()
	if err != nil {
		return err
	}

	for _, cb := range callbacks {
		cb.BeforeCompletion(t)
	}

	if err := ctx.Err(); err != nil {
		t.rollback(works, callbacks)
		return fmt.Errorf("%w: %w", ErrRolledBack, err)
	}

	for i, w := range works {
		if err := w.Prepare(); err != nil {
			t.mgr.logger.Warn("transaction prepare failed, rolling back",
				slog.String("tx", t.id),
				slog.Int("work", i),
				slog.String("error", err.Error()))
			t.rollback(works, callbacks)
			return fmt.Errorf("%w: %w", ErrRolledBack, err)
		}
	}

	for _, w := range works {
		w.Commit()
	}
	t.finish(StateCommitted, callbacks, true)
	return nil
}

// Rollback rolls back every enlisted work.
func (t *Transaction) Rollback(ctx context.Context) error {
	works, callbacks, err := t.begin()
	if err != nil {
		return err
	}

	for _, cb := range callbacks {
		cb.BeforeCompletion(t)
	}
	t.rollback(works, callbacks)
	return nil
}

func (t *Transaction) begin() ([]Work, []Callback, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil, nil, ErrNotActive
	}
	t.state = StateCompleting
	return t.works, t.callbacks, nil
}

func (t *Transaction) rollback(works []Work, callbacks []Callback) {
	for i := len(works) - 1; i >= 0; i-- {
		works[i].Rollback()
	}
	t.finish(StateRolledBack, callbacks, false)
}

func (t *Transaction) finish(state State, callbacks []Callback, committed bool) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	t.mgr.active.Add(-1)

	for _, cb := range callbacks {
		cb.AfterCompletion(t, committed)
	}
}
