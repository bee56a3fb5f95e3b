// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store defines the message store collaborator used by the dispatch
// core: item streams holding messages that consumers lock, remove under a
// transaction, or unlock for redelivery.
package store

import (
	"context"
	"errors"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

var (
	ErrStreamNotFound  = errors.New("stream not found")
	ErrStreamExists    = errors.New("stream already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotLocked       = errors.New("message is not locked by this lock id")
	ErrClosed          = errors.New("store is closed")
)

// Store manages item streams. All methods are safe for concurrent use and
// never call back into the caller while holding internal locks.
type Store interface {
	CreateStream(ctx context.Context, name string) error
	DeleteStream(ctx context.Context, name string) error

	// Put appends msg to the stream and assigns its handle. With a nil tx
	// the message is available immediately; otherwise it becomes available
	// when tx commits.
	Put(ctx context.Context, stream string, msg *types.Message, tx *txn.Transaction) (types.Handle, error)

	// NewCursor returns a cursor over available messages matching filter.
	NewCursor(stream string, filter types.Filter) (Cursor, error)

	// LockIfAvailable locks a specific message for lockID if nobody holds it.
	LockIfAvailable(ctx context.Context, stream string, h types.Handle, lockID types.LockID) (*types.Message, bool, error)

	// Unlock releases a lock held by lockID, optionally counting the
	// release as a failed delivery.
	Unlock(ctx context.Context, stream string, h types.Handle, lockID types.LockID, incrementDeliveryCount bool) error

	// TransferLock moves a lock held by from to to without making the
	// message visible to anyone else in between.
	TransferLock(ctx context.Context, stream string, h types.Handle, from, to types.LockID) error

	// Remove deletes a message locked by lockID. With a nil tx the removal
	// is immediate. Under a transaction the message is deleted on commit;
	// on rollback it stays locked by lockID and its delivery count is
	// incremented, leaving the lock holder to unlock, hide or reroute it.
	Remove(ctx context.Context, stream string, h types.Handle, lockID types.LockID, tx *txn.Transaction) error

	Get(ctx context.Context, stream string, h types.Handle) (*types.Message, error)
	Stats(ctx context.Context, stream string) (Stats, error)
	Close() error
}

// Cursor scans a stream in handle order. NextLocked always starts from the
// lowest available handle, so messages unlocked behind the scan position are
// seen again.
type Cursor interface {
	// NextLocked locks and returns the next available matching message, or
	// nil when there is none.
	NextLocked(ctx context.Context, lockID types.LockID) (*types.Message, error)
	Close()
}

// Stats describes the contents of a stream.
type Stats struct {
	Available int
	Locked    int
	Removing  int
	Pending   int
}

// Total returns the number of messages in any state.
func (s Stats) Total() int {
	return s.Available + s.Locked + s.Removing + s.Pending
}

// OpKind is the kind of a journaled change.
type OpKind uint8

const (
	OpCreateStream OpKind = iota + 1
	OpDeleteStream
	OpPut
	OpRemove
	OpUpdate
)

// Op is one journaled change.
type Op struct {
	Kind    OpKind
	Stream  string
	Handle  types.Handle
	Message *types.Message
}

// Journal persists stream changes. Apply must be atomic: either every op
// in the slice is durable or none is.
type Journal interface {
	Apply(ops []Op) error
	// Load replays the persisted streams.
	Load() ([]StreamState, error)
}

// StreamState is a replayed stream with its messages in handle order.
type StreamState struct {
	Name     string
	Messages []*types.Message
}
