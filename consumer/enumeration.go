// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

type itemState uint8

const (
	itemLocked itemState = iota
	itemRemoving
	itemDeleted
	itemUnlocked
)

// lockedItem is a message locked to a consumer. Its state is guarded by the
// consumer's state lock.
type lockedItem struct {
	msg   *types.Message
	state itemState
	seen  bool
}

// LockedMessageEnumeration is the batch of messages locked to a consumer
// for one callback. Messages the callback neither deletes nor unlocks are
// settled by the consumer when the callback returns.
type LockedMessageEnumeration struct {
	c *LocalConsumerPoint

	mu      orderedMutex
	items   []*lockedItem
	pos     int
	current *lockedItem
}

func (c *LocalConsumerPoint) newEnumerationLocked(msgs []*types.Message) *LockedMessageEnumeration {
	e := &LockedMessageEnumeration{
		c:     c,
		mu:    orderedMutex{level: levelLeaf},
		items: make([]*lockedItem, 0, len(msgs)),
	}
	for _, msg := range msgs {
		it := &lockedItem{msg: msg}
		if prev, ok := c.lockedItems[msg.Handle]; ok {
			c.logger.Error("message locked twice by the same consumer",
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.Int("state", int(prev.state)))
		}
		c.lockedItems[msg.Handle] = it
		e.items = append(e.items, it)
	}
	return e
}

// Len returns the number of messages in the batch.
func (e *LockedMessageEnumeration) Len() int {
	return len(e.items)
}

// NextLocked returns the next message still locked to the consumer, or nil
// at the end of the batch.
func (e *LockedMessageEnumeration) NextLocked() *types.Message {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.pos < len(e.items) {
		it := e.items[e.pos]
		e.pos++
		if it.state == itemLocked {
			it.seen = true
			e.current = it
			return it.msg
		}
	}
	e.current = nil
	return nil
}

// HasNext reports whether NextLocked would return a message.
func (e *LockedMessageEnumeration) HasNext() bool {
	return e.RemainingMessageCount() > 0
}

// RemainingMessageCount returns the number of locked messages not yet
// returned by NextLocked.
func (e *LockedMessageEnumeration) RemainingMessageCount() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, it := range e.items[e.pos:] {
		if it.state == itemLocked {
			n++
		}
	}
	return n
}

// ResetCursor moves back to the start of the batch.
func (e *LockedMessageEnumeration) ResetCursor() {
	e.mu.Lock()
	e.pos = 0
	e.current = nil
	e.mu.Unlock()
}

func (e *LockedMessageEnumeration) currentItem() *lockedItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// DeleteCurrent removes the message last returned by NextLocked under tx.
func (e *LockedMessageEnumeration) DeleteCurrent(ctx context.Context, tx *txn.Transaction) error {
	it := e.currentItem()
	if it == nil {
		return ErrMessageNotLocked
	}
	return e.c.deleteItem(ctx, it, tx)
}

// DeleteSeen removes every message returned so far that is still locked.
func (e *LockedMessageEnumeration) DeleteSeen(ctx context.Context, tx *txn.Transaction) error {
	var errs []error
	for _, it := range e.items {
		e.c.mu.Lock()
		pick := it.seen && it.state == itemLocked
		e.c.mu.Unlock()
		if !pick {
			continue
		}
		if err := e.c.deleteItem(ctx, it, tx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnlockCurrent releases the message last returned by NextLocked. The
// release counts as a failed delivery.
func (e *LockedMessageEnumeration) UnlockCurrent(ctx context.Context) error {
	it := e.currentItem()
	if it == nil {
		return ErrMessageNotLocked
	}
	e.c.mu.Lock()
	locked := it.state == itemLocked
	e.c.mu.Unlock()
	if !locked {
		return fmt.Errorf("%w: handle %d", ErrMessageNotLocked, it.msg.Handle)
	}
	return e.c.unlockItems(ctx, []*lockedItem{it}, func(*lockedItem) bool { return true })
}

// UnlockAll releases every message still locked in the batch. Messages
// returned by NextLocked count a failed delivery.
func (e *LockedMessageEnumeration) UnlockAll(ctx context.Context) error {
	return e.c.unlockItems(ctx, e.items, func(it *lockedItem) bool { return it.seen })
}

// claimLocked moves a locked item to state. It reports false when the item
// is no longer locked.
func (c *LocalConsumerPoint) claimLocked(it *lockedItem, state itemState) bool {
	if it.state != itemLocked {
		return false
	}
	it.state = state
	if state != itemRemoving {
		delete(c.lockedItems, it.msg.Handle)
	}
	return true
}

func (c *LocalConsumerPoint) deleteItem(ctx context.Context, it *lockedItem, tx *txn.Transaction) error {
	c.mu.Lock()
	ok := c.claimLocked(it, itemRemoving)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrMessageNotLocked, it.msg.Handle)
	}

	if err := c.removeMessage(ctx, it.msg, tx, it); err != nil {
		c.mu.Lock()
		if it.state == itemRemoving {
			it.state = itemLocked
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// unlockItems releases the locked items among items, incrementing the
// delivery count where increment says so.
func (c *LocalConsumerPoint) unlockItems(ctx context.Context, items []*lockedItem, increment func(*lockedItem) bool) error {
	var claimed []*lockedItem
	c.mu.Lock()
	for _, it := range items {
		if c.claimLocked(it, itemUnlocked) {
			claimed = append(claimed, it)
		}
	}
	c.mu.Unlock()
	if len(claimed) == 0 {
		return nil
	}

	var errs []error
	released := make([]*types.Message, 0, len(claimed))
	for _, it := range claimed {
		if err := c.d.store.Unlock(ctx, c.d.opts.Stream, it.msg.Handle, c.lockID, increment(it)); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock message %d: %w", it.msg.Handle, err))
			continue
		}
		released = append(released, it.msg)
	}
	c.removeActiveMessages(len(claimed))
	c.d.redeliver(ctx, released...)
	return errors.Join(errs...)
}
