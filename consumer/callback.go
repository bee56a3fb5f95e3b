// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/types"
)

// AsynchConsumerCallback receives batches of locked messages. Messages the
// callback neither deletes nor unlocks stay locked to the consumer until
// the registered lock expiry elapses.
type AsynchConsumerCallback interface {
	ConsumeMessages(ctx context.Context, msgs *LockedMessageEnumeration, session Session)
}

// StoppableAsynchConsumerCallback is told when the consumer was stopped
// after too many sequential delivery failures.
type StoppableAsynchConsumerCallback interface {
	AsynchConsumerCallback
	ConsumerSessionStopped()
}

// CallbackFunc adapts a function to AsynchConsumerCallback.
type CallbackFunc func(ctx context.Context, msgs *LockedMessageEnumeration, session Session)

func (f CallbackFunc) ConsumeMessages(ctx context.Context, msgs *LockedMessageEnumeration, session Session) {
	f(ctx, msgs, session)
}

// ExceptionListener is told about failures on the asynchronous delivery
// path. The session is closed right after.
type ExceptionListener func(err error)

// Session is the consumer handle passed to callbacks. Stop and Close called
// through it from inside the callback only request the change and return,
// and Start never runs a pass on the callback goroutine.
type Session interface {
	ID() string
	Start(deliverImmediately bool) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
}

// Executor runs asynchronous delivery passes. Submit must accept every task
// until the executor is shut down; a refused task is dropped.
type Executor interface {
	Submit(task func()) bool
}

type goExecutor struct{}

func (goExecutor) Submit(task func()) bool {
	go task()
	return true
}

// ExceptionRouter moves messages that exhausted their delivery attempts.
type ExceptionRouter interface {
	// RouteToException moves a message locked by lockID to the exception
	// destination in one transaction. It returns false when the source has
	// no exception destination.
	RouteToException(ctx context.Context, msg *types.Message, lockID types.LockID) (bool, error)
}

// AsynchOptions configures asynchronous delivery.
type AsynchOptions struct {
	// MaxActiveMessages suspends the consumer once this many messages are
	// locked to it. Zero keeps the current limit.
	MaxActiveMessages int
	// LockExpiry unlocks messages left locked after a callback. Zero means
	// never.
	LockExpiry time.Duration
	// MaxBatchSize bounds the messages handed to one callback. Forced to
	// one on ordered destinations.
	MaxBatchSize int
	// Inline runs delivery on the producer goroutine when possible.
	Inline bool
	// OrderingGroup couples consumers that must see messages in order.
	OrderingGroup *OrderingContext
	// ExternalLock serializes callbacks with a caller owned lock. It takes
	// precedence over the ordering group's shared lock.
	ExternalLock sync.Locker
}

// StopOptions configures sequential failure handling for stoppable
// consumers.
type StopOptions struct {
	// MaxSequentialFailures stops the consumer after this many consecutive
	// failures of messages on their last delivery attempts. Zero disables.
	MaxSequentialFailures int
	// HideDelay keeps a rolled back message locked for this long before it
	// is redelivered. Zero disables hiding.
	HideDelay time.Duration
	// MaxHiddenMessages suspends the consumer while this many messages are
	// hidden. Zero means unlimited.
	MaxHiddenMessages int
}

// OrderingContext names an ordering group. Consumers registered with the
// same context on a dispatcher form one KeyGroup.
type OrderingContext struct {
	name string
}

// NewOrderingContext creates an ordering context.
func NewOrderingContext(name string) *OrderingContext {
	return &OrderingContext{name: name}
}

// Name returns the context name.
func (o *OrderingContext) Name() string {
	return o.name
}

// deferred collects work that must run after all locks are released.
type deferred []func()

func (d *deferred) add(fn func()) {
	if fn != nil {
		*d = append(*d, fn)
	}
}

func (d deferred) run() {
	for _, fn := range d {
		fn()
	}
}
