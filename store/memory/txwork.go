// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"log/slog"
	"sync"

	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

type pendingOp struct {
	kind   store.OpKind
	stream string
	handle types.Handle
	lockID types.LockID
}

// txWork accumulates one transaction's changes to the store.
type txWork struct {
	store *Store
	mu    sync.Mutex
	ops   []pendingOp
}

func (s *Store) work(tx *txn.Transaction) (*txWork, error) {
	w, err := tx.Enlist(s, func() txn.Work { return &txWork{store: s} })
	if err != nil {
		return nil, err
	}
	return w.(*txWork), nil
}

func (w *txWork) add(op pendingOp) {
	w.mu.Lock()
	w.ops = append(w.ops, op)
	w.mu.Unlock()
}

func (w *txWork) snapshot() []pendingOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]pendingOp(nil), w.ops...)
}

func (w *txWork) Prepare() error {
	s := w.store
	if s.journal == nil {
		return nil
	}

	pending := w.snapshot()
	ops := make([]store.Op, 0, len(pending))
	s.mu.Lock()
	for _, p := range pending {
		op := store.Op{Kind: p.kind, Stream: p.stream, Handle: p.handle}
		if p.kind == store.OpPut {
			st, ok := s.streams[p.stream]
			if !ok {
				continue
			}
			it, ok := st.items[p.handle]
			if !ok {
				continue
			}
			op.Message = it.msg
		}
		ops = append(ops, op)
	}
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	return s.journal.Apply(ops)
}

func (w *txWork) Commit() {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range w.snapshot() {
		st, ok := s.streams[p.stream]
		if !ok {
			continue
		}
		it, ok := st.items[p.handle]
		if !ok {
			continue
		}
		switch p.kind {
		case store.OpPut:
			st.makeAvailable(p.handle, it)
		case store.OpRemove:
			if it.state == stateRemoving {
				delete(st.items, p.handle)
			}
		}
	}
}

// Rollback discards uncommitted puts. Messages removed under the
// transaction stay locked by their holder with one more delivery attempt
// counted.
func (w *txWork) Rollback() {
	s := w.store
	var updates []store.Op

	s.mu.Lock()
	for _, p := range w.snapshot() {
		st, ok := s.streams[p.stream]
		if !ok {
			continue
		}
		it, ok := st.items[p.handle]
		if !ok {
			continue
		}
		switch p.kind {
		case store.OpPut:
			delete(st.items, p.handle)
		case store.OpRemove:
			if it.state != stateRemoving {
				continue
			}
			updated := it.msg.Clone()
			updated.DeliveryCount++
			it.msg = updated
			it.state = stateLocked
			it.lockID = p.lockID
			updates = append(updates, store.Op{Kind: store.OpUpdate, Stream: p.stream, Handle: p.handle, Message: updated})
		}
	}
	s.mu.Unlock()

	if len(updates) > 0 && s.journal != nil {
		if err := s.journal.Apply(updates); err != nil {
			s.logger.Warn("failed to journal delivery counts after rollback",
				slog.Int("messages", len(updates)),
				slog.String("error", err.Error()))
		}
	}
}
