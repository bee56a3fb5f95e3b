// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// MsgSetAction selects what ProcessMsgSet does with each message.
type MsgSetAction struct {
	Unlock bool
	Delete bool
	Read   bool
	// IncrementLockCount counts an unlock as a failed delivery.
	IncrementLockCount bool
}

// ProcessMsgSet acts on messages that stayed locked to the consumer after
// their callback returned, so a split session can complete them by handle.
// Every handle must be locked to the consumer, otherwise nothing is done.
// With Read the messages are returned.
func (c *LocalConsumerPoint) ProcessMsgSet(ctx context.Context, handles []types.Handle, tx *txn.Transaction, action MsgSetAction) ([]*types.Message, error) {
	if action.Unlock && action.Delete {
		return nil, errors.New("message set cannot be both unlocked and deleted")
	}

	c.mu.Lock()
	if c.closing || c.closed {
		err := c.unavailableLocked()
		c.mu.Unlock()
		return nil, err
	}
	items := make([]*lockedItem, 0, len(handles))
	for _, h := range handles {
		it, ok := c.lockedItems[h]
		if !ok || it.state != itemLocked {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: handle %d", ErrMessageNotLocked, h)
		}
		items = append(items, it)
	}
	c.mu.Unlock()

	var msgs []*types.Message
	if action.Read {
		msgs = make([]*types.Message, 0, len(items))
		for _, it := range items {
			msgs = append(msgs, it.msg.Clone())
		}
	}

	switch {
	case action.Delete:
		var errs []error
		for _, it := range items {
			if err := c.deleteItem(ctx, it, tx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return msgs, err
		}
	case action.Unlock:
		if err := c.unlockItems(ctx, items, func(*lockedItem) bool { return action.IncrementLockCount }); err != nil {
			return msgs, err
		}
	}
	return msgs, nil
}
