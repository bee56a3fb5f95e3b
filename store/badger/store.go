// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements a persistent store.Store: the in-memory item
// streams journaled to BadgerDB. Locks are not persisted; after a restart
// every message is available again.
package badger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/internal/bufpool"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/store/memory"
	"github.com/absmach/fluxdispatch/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

const (
	streamPrefix  = "s/"
	messagePrefix = "m/"

	defaultGCInterval = 5 * time.Minute
	gcDiscardRatio    = 0.5
)

var _ store.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	SyncWrites bool
	GCInterval time.Duration
	// InMemory runs badger without touching disk. Used by tests.
	InMemory bool
}

// Store is the BadgerDB-backed store.
type Store struct {
	*memory.Store
	journal *Journal

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database, replays it, and starts value log GC.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", cfg.Dir, err)
	}

	j := &Journal{db: db}
	mem, err := memory.New(memory.WithJournal(j), memory.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		Store:    mem,
		journal:  j,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval, cfg.InMemory)

	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.Store.Close(); err != nil {
		return err
	}
	close(s.gcStopCh)
	<-s.gcDone
	return s.journal.db.Close()
}

func (s *Store) runGC(interval time.Duration, inMemory bool) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if inMemory {
				continue
			}
			// ErrNoRewrite just means nothing was worth collecting.
			_ = s.journal.db.RunValueLogGC(gcDiscardRatio)
		case <-s.gcStopCh:
			return
		}
	}
}

// Journal persists store operations to BadgerDB.
//
// Key format:
//   - Stream: s/{stream}
//   - Message: m/{stream}/{handle}
type Journal struct {
	db *badger.DB
}

var _ store.Journal = (*Journal)(nil)

// record is the persisted form of a message. Payloads are s2 compressed.
type record struct {
	ID            string            `json:"id"`
	RoutingKey    string            `json:"routing_key"`
	Payload       []byte            `json:"payload"`
	Properties    map[string]string `json:"properties,omitempty"`
	DeliveryCount int               `json:"delivery_count"`
	Persistent    bool              `json:"persistent"`
	CreatedAt     time.Time         `json:"created_at"`
}

func streamKey(stream string) []byte {
	return []byte(streamPrefix + stream)
}

func messageKey(stream string, h types.Handle) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", messagePrefix, stream, uint64(h)))
}

func parseMessageKey(key string) (string, types.Handle, error) {
	rest := strings.TrimPrefix(key, messagePrefix)
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed message key %q", key)
	}
	h, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message key %q: %w", key, err)
	}
	return rest[:i], types.Handle(h), nil
}

func encode(msg *types.Message) ([]byte, error) {
	n := s2.MaxEncodedLen(len(msg.Payload))
	if n < 0 {
		return nil, fmt.Errorf("payload of %d bytes is too large to compress", len(msg.Payload))
	}
	scratch := bufpool.GetBytes(n)
	defer bufpool.PutBytes(scratch)

	r := record{
		ID:            msg.ID,
		RoutingKey:    msg.RoutingKey,
		Payload:       s2.Encode(*scratch, msg.Payload),
		Properties:    msg.Properties,
		DeliveryCount: msg.DeliveryCount,
		Persistent:    msg.Persistent,
		CreatedAt:     msg.CreatedAt,
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(r); err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	// Badger holds on to the value until the transaction commits.
	return bytes.Clone(buf.Bytes()), nil
}

func decode(h types.Handle, data []byte) (*types.Message, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	payload, err := s2.Decode(nil, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return &types.Message{
		ID:            r.ID,
		Handle:        h,
		RoutingKey:    r.RoutingKey,
		Payload:       payload,
		Properties:    r.Properties,
		DeliveryCount: r.DeliveryCount,
		Persistent:    r.Persistent,
		CreatedAt:     r.CreatedAt,
	}, nil
}

// Apply writes ops in a single badger transaction.
func (j *Journal) Apply(ops []store.Op) error {
	return j.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if err := applyOp(txn, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOp(txn *badger.Txn, op store.Op) error {
	switch op.Kind {
	case store.OpCreateStream:
		return txn.Set(streamKey(op.Stream), nil)
	case store.OpDeleteStream:
		if err := deleteMessages(txn, op.Stream); err != nil {
			return err
		}
		return txn.Delete(streamKey(op.Stream))
	case store.OpPut, store.OpUpdate:
		data, err := encode(op.Message)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(op.Stream, op.Handle), data)
	case store.OpRemove:
		return txn.Delete(messageKey(op.Stream, op.Handle))
	default:
		return fmt.Errorf("unknown journal op %d", op.Kind)
	}
}

func deleteMessages(txn *badger.Txn, stream string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(messagePrefix + stream + "/")
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		// Skip keys of streams whose name extends this one.
		if name, _, err := parseMessageKey(string(key)); err != nil || name != stream {
			continue
		}
		keys = append(keys, key)
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Load replays all streams and their messages.
func (j *Journal) Load() ([]store.StreamState, error) {
	var states []store.StreamState
	index := make(map[string]int)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(streamPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			name := strings.TrimPrefix(string(it.Item().Key()), streamPrefix)
			index[name] = len(states)
			states = append(states, store.StreamState{Name: name})
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		it = txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name, h, err := parseMessageKey(string(item.Key()))
			if err != nil {
				return err
			}
			i, ok := index[name]
			if !ok {
				continue
			}
			err = item.Value(func(val []byte) error {
				msg, err := decode(h, val)
				if err != nil {
					return err
				}
				states[i].Messages = append(states[i].Messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	return states, nil
}
