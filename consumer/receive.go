// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// Receive timeouts.
const (
	// NoWait checks once and returns immediately.
	NoWait time.Duration = -1
	// WaitForever blocks until a message arrives or the session closes.
	WaitForever time.Duration = 0
)

// ErrTransactionRequired is returned when a transacted consumer receives
// without a transaction.
var ErrTransactionRequired = errors.New("transacted consumer requires a transaction")

// Receive removes the next matching message under tx and returns it. A nil
// tx removes it immediately. It returns nil without error when timeout
// elapses with no message.
func (c *LocalConsumerPoint) Receive(ctx context.Context, timeout time.Duration, tx *txn.Transaction) (*types.Message, error) {
	c.mu.Lock()
	switch {
	case c.closing || c.closed:
		err := c.unavailableLocked()
		c.mu.Unlock()
		return nil, err
	case c.callback != nil:
		c.mu.Unlock()
		return nil, ErrAsynchConsumerRegistered
	case c.receiving:
		c.mu.Unlock()
		return nil, ErrReceiveInProgress
	case c.transacted && tx == nil:
		c.mu.Unlock()
		return nil, ErrTransactionRequired
	case c.d.opts.Ordered && tx != nil && c.activeTx != nil && c.activeTx != tx:
		c.mu.Unlock()
		return nil, ErrOrderedTransactionActive
	}
	c.receiving = true
	c.mu.Unlock()
	defer c.endReceive(context.WithoutCancel(ctx))

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		msg, err := c.fetchSync(ctx, timeout != NoWait)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return c.completeReceive(ctx, msg, tx)
		}
		if timeout == NoWait {
			return nil, nil
		}

		select {
		case <-c.wake:
		case <-c.done:
			c.mu.Lock()
			err := c.unavailableLocked()
			c.mu.Unlock()
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			// A message may have been attached right before expiry.
			if msg := c.takeAttached(); msg != nil {
				return c.completeReceive(ctx, msg, tx)
			}
			return nil, nil
		}
	}
}

// fetchSync returns the attached message or scans for one. When nothing is
// found and wait is set the consumer becomes ready.
func (c *LocalConsumerPoint) fetchSync(ctx context.Context, wait bool) (*types.Message, error) {
	for {
		var def deferred
		c.mu.Lock()
		if c.closing || c.closed {
			err := c.unavailableLocked()
			c.mu.Unlock()
			return nil, err
		}
		if msg := c.attached; msg != nil {
			c.attached = nil
			c.waiting = false
			c.mu.Unlock()
			return msg, nil
		}
		if c.stopped || c.suspended != 0 {
			c.waiting = wait
			c.mu.Unlock()
			return nil, nil
		}

		epoch := c.d.currentEpoch()
		r := c.prepareAddLocked()
		if r == nil {
			c.waiting = wait
			c.mu.Unlock()
			def.run()
			return nil, nil
		}
		msg, err := c.cursor.NextLocked(ctx, c.lockID)
		if err != nil {
			r.rollback(&def)
			c.mu.Unlock()
			def.run()
			return nil, fmt.Errorf("failed to fetch message: %w", err)
		}
		if msg != nil {
			r.commit()
			c.waiting = false
			c.mu.Unlock()
			def.run()
			return msg, nil
		}

		r.rollback(&def)
		if !wait {
			c.mu.Unlock()
			def.run()
			return nil, nil
		}
		c.ready = true
		if !c.d.markReady(c, epoch) {
			// A message arrived while scanning.
			c.ready = false
			c.mu.Unlock()
			def.run()
			continue
		}
		c.waiting = true
		c.mu.Unlock()
		def.run()
		return nil, nil
	}
}

func (c *LocalConsumerPoint) takeAttached() *types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.attached
	c.attached = nil
	return msg
}

// completeReceive removes a fetched message under tx. On failure the
// message is released for redelivery.
func (c *LocalConsumerPoint) completeReceive(ctx context.Context, msg *types.Message, tx *txn.Transaction) (*types.Message, error) {
	if err := c.removeMessage(ctx, msg, tx, nil); err != nil {
		c.releaseMessages(ctx, msg)
		return nil, err
	}
	c.d.metrics.RecordDelivered(c.d.opts.Name, 1)
	return msg, nil
}

func (c *LocalConsumerPoint) endReceive(ctx context.Context) {
	c.mu.Lock()
	c.receiving = false
	c.waiting = false
	c.setNotReadyLocked()
	leftover := c.attached
	c.attached = nil
	c.mu.Unlock()

	if leftover != nil {
		c.logger.Debug("releasing message attached after receive ended",
			slog.Uint64("handle", uint64(leftover.Handle)))
		c.releaseMessages(ctx, leftover)
	}
}
