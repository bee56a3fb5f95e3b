// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements store.Store with in-memory item streams. An
// optional store.Journal makes the streams durable.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"github.com/google/btree"
)

const btreeDegree = 32

var _ store.Store = (*Store)(nil)

type itemState uint8

const (
	statePending itemState = iota
	stateAvailable
	stateLocked
	stateRemoving
)

type item struct {
	msg    *types.Message
	lockID types.LockID
	state  itemState
}

// handleKey orders the availability index.
type handleKey types.Handle

func (k handleKey) Less(than btree.Item) bool {
	return k < than.(handleKey)
}

type stream struct {
	name       string
	nextHandle types.Handle
	items      map[types.Handle]*item
	// available holds only unlocked, committed messages.
	available *btree.BTree
}

func newStream(name string) *stream {
	return &stream{
		name:      name,
		items:     make(map[types.Handle]*item),
		available: btree.New(btreeDegree),
	}
}

func (st *stream) makeAvailable(h types.Handle, it *item) {
	it.state = stateAvailable
	it.lockID = types.NoLock
	st.available.ReplaceOrInsert(handleKey(h))
}

func (st *stream) lock(h types.Handle, it *item, lockID types.LockID) {
	st.available.Delete(handleKey(h))
	it.state = stateLocked
	it.lockID = lockID
}

// Option configures a Store.
type Option func(*Store)

// WithJournal persists every change through j.
func WithJournal(j store.Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	journal store.Journal
	logger  *slog.Logger
}

// New creates a store. With a journal, persisted streams are replayed and
// every message starts out available.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		streams: make(map[string]*stream),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.journal != nil {
		loaded, err := s.journal.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to replay journal: %w", err)
		}
		for _, ls := range loaded {
			st := newStream(ls.Name)
			for _, msg := range ls.Messages {
				it := &item{msg: msg}
				st.items[msg.Handle] = it
				st.makeAvailable(msg.Handle, it)
				if msg.Handle > st.nextHandle {
					st.nextHandle = msg.Handle
				}
			}
			s.streams[ls.Name] = st
		}
	}

	return s, nil
}

func (s *Store) apply(ops ...store.Op) error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Apply(ops)
}

// CreateStream creates an empty stream.
func (s *Store) CreateStream(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, ok := s.streams[name]; ok {
		return store.ErrStreamExists
	}
	if err := s.apply(store.Op{Kind: store.OpCreateStream, Stream: name}); err != nil {
		return fmt.Errorf("failed to journal stream %s: %w", name, err)
	}
	s.streams[name] = newStream(name)
	return nil
}

// DeleteStream drops a stream and all its messages.
func (s *Store) DeleteStream(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[name]; !ok {
		return store.ErrStreamNotFound
	}
	if err := s.apply(store.Op{Kind: store.OpDeleteStream, Stream: name}); err != nil {
		return fmt.Errorf("failed to journal stream deletion %s: %w", name, err)
	}
	delete(s.streams, name)
	return nil
}

func (s *Store) stream(name string) (*stream, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	st, ok := s.streams[name]
	if !ok {
		return nil, store.ErrStreamNotFound
	}
	return st, nil
}

func (s *Store) lockedItem(st *stream, h types.Handle, lockID types.LockID) (*item, error) {
	it, ok := st.items[h]
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	if it.state != stateLocked || it.lockID != lockID {
		return nil, store.ErrNotLocked
	}
	return it, nil
}

// Put appends a message to the stream.
func (s *Store) Put(ctx context.Context, name string, msg *types.Message, tx *txn.Transaction) (types.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	st, err := s.stream(name)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	st.nextHandle++
	h := st.nextHandle
	stored := msg.Clone()
	stored.Handle = h
	st.items[h] = &item{msg: stored, state: statePending}
	s.mu.Unlock()

	if tx != nil {
		w, err := s.work(tx)
		if err != nil {
			s.dropPending(name, h)
			return 0, err
		}
		w.add(pendingOp{kind: store.OpPut, stream: name, handle: h})
		return h, nil
	}

	if err := s.apply(store.Op{Kind: store.OpPut, Stream: name, Handle: h, Message: stored}); err != nil {
		s.dropPending(name, h)
		return 0, fmt.Errorf("failed to journal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		if it, ok := st.items[h]; ok {
			st.makeAvailable(h, it)
		}
	}
	return h, nil
}

func (s *Store) dropPending(name string, h types.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		delete(st.items, h)
	}
}

// NewCursor returns a cursor over the stream.
func (s *Store) NewCursor(name string, filter types.Filter) (store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.stream(name); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = types.MatchAll
	}
	return &cursor{store: s, stream: name, filter: filter}, nil
}

// LockIfAvailable locks the message with handle h for lockID.
func (s *Store) LockIfAvailable(ctx context.Context, name string, h types.Handle, lockID types.LockID) (*types.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return nil, false, err
	}
	it, ok := st.items[h]
	if !ok {
		return nil, false, store.ErrMessageNotFound
	}
	if it.state != stateAvailable {
		return nil, false, nil
	}
	st.lock(h, it, lockID)
	return it.msg.Clone(), true, nil
}

// Unlock releases a message locked by lockID.
func (s *Store) Unlock(ctx context.Context, name string, h types.Handle, lockID types.LockID, incrementDeliveryCount bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return err
	}
	it, err := s.lockedItem(st, h, lockID)
	if err != nil {
		return err
	}
	if incrementDeliveryCount {
		updated := it.msg.Clone()
		updated.DeliveryCount++
		if err := s.apply(store.Op{Kind: store.OpUpdate, Stream: name, Handle: h, Message: updated}); err != nil {
			return fmt.Errorf("failed to journal delivery count: %w", err)
		}
		it.msg = updated
	}
	st.makeAvailable(h, it)
	return nil
}

// TransferLock hands a locked message from one lock holder to another.
func (s *Store) TransferLock(ctx context.Context, name string, h types.Handle, from, to types.LockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return err
	}
	it, err := s.lockedItem(st, h, from)
	if err != nil {
		return err
	}
	it.lockID = to
	return nil
}

// Remove deletes a message locked by lockID, immediately or under tx.
func (s *Store) Remove(ctx context.Context, name string, h types.Handle, lockID types.LockID, tx *txn.Transaction) error {
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		st, err := s.stream(name)
		if err != nil {
			return err
		}
		if _, err := s.lockedItem(st, h, lockID); err != nil {
			return err
		}
		if err := s.apply(store.Op{Kind: store.OpRemove, Stream: name, Handle: h}); err != nil {
			return fmt.Errorf("failed to journal removal: %w", err)
		}
		delete(st.items, h)
		return nil
	}

	w, err := s.work(tx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return err
	}
	it, err := s.lockedItem(st, h, lockID)
	if err != nil {
		return err
	}
	it.state = stateRemoving
	w.add(pendingOp{kind: store.OpRemove, stream: name, handle: h, lockID: lockID})
	return nil
}

// Get returns a copy of the message with handle h.
func (s *Store) Get(ctx context.Context, name string, h types.Handle) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return nil, err
	}
	it, ok := st.items[h]
	if !ok || it.state == statePending {
		return nil, store.ErrMessageNotFound
	}
	return it.msg.Clone(), nil
}

// Stats counts the stream's messages per state.
func (s *Store) Stats(ctx context.Context, name string) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(name)
	if err != nil {
		return store.Stats{}, err
	}
	var stats store.Stats
	for _, it := range st.items {
		switch it.state {
		case statePending:
			stats.Pending++
		case stateAvailable:
			stats.Available++
		case stateLocked:
			stats.Locked++
		case stateRemoving:
			stats.Removing++
		}
	}
	return stats, nil
}

// Close marks the store closed. The journal is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type cursor struct {
	store  *Store
	stream string
	filter types.Filter
	closed bool
}

func (c *cursor) NextLocked(ctx context.Context, lockID types.LockID) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil, nil
	}
	st, err := s.stream(c.stream)
	if err != nil {
		return nil, err
	}

	var found *item
	var handle types.Handle
	st.available.Ascend(func(i btree.Item) bool {
		h := types.Handle(i.(handleKey))
		it := st.items[h]
		if c.filter.Matches(it.msg) {
			found, handle = it, h
			return false
		}
		return true
	})
	if found == nil {
		return nil, nil
	}
	st.lock(handle, found, lockID)
	return found.msg.Clone(), nil
}

func (c *cursor) Close() {
	c.store.mu.Lock()
	c.closed = true
	c.store.mu.Unlock()
}
