// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"log/slog"
)

// RegisterAsynchConsumer registers cb for asynchronous delivery. The
// consumer must be stopped with no receive in progress.
func (c *LocalConsumerPoint) RegisterAsynchConsumer(cb AsynchConsumerCallback, opts AsynchOptions) error {
	if cb == nil {
		return c.register(nil, nil, AsynchOptions{}, StopOptions{})
	}
	return c.register(cb, nil, opts, StopOptions{})
}

// RegisterStoppableAsynchConsumer registers a callback that is stopped and
// notified after too many sequential delivery failures.
func (c *LocalConsumerPoint) RegisterStoppableAsynchConsumer(cb StoppableAsynchConsumerCallback, opts AsynchOptions, stop StopOptions) error {
	if cb == nil {
		return c.register(nil, nil, AsynchOptions{}, StopOptions{})
	}
	return c.register(cb, cb, opts, stop)
}

// DeregisterAsynchConsumer removes the callback, restoring the active
// message limit that was in place before registration and leaving any
// ordering group.
func (c *LocalConsumerPoint) DeregisterAsynchConsumer() error {
	return c.register(nil, nil, AsynchOptions{}, StopOptions{})
}

func (c *LocalConsumerPoint) register(cb AsynchConsumerCallback, stoppable StoppableAsynchConsumerCallback, opts AsynchOptions, stop StopOptions) error {
	d := c.d
	d.consumersMu.Lock()
	defer d.consumersMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closing || c.closed:
		err := c.unavailableLocked()
		c.mu.Unlock()
		return err
	case c.receiving:
		c.mu.Unlock()
		return ErrReceiveInProgress
	case !c.stopped || !c.gate.idle():
		c.mu.Unlock()
		return ErrNotStopped
	}
	oldGroup := c.group
	c.mu.Unlock()

	if oldGroup != nil && (cb == nil || opts.OrderingGroup != oldGroup.octx) {
		d.leaveGroupLocked(c, oldGroup)
		oldGroup = nil
	}
	var group *KeyGroup
	if cb != nil && opts.OrderingGroup != nil {
		group = oldGroup
		if group == nil {
			group = d.joinGroupLocked(c, opts.OrderingGroup)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cb == nil {
		if c.callback != nil {
			c.maxActive = c.savedMaxActive
		}
		c.callback = nil
		c.stoppable = nil
		c.busy = &c.ownBusy
		c.maxBatch = 1
		c.lockExpiry = 0
		c.inline = false
		c.seqThreshold = 0
		c.hideDelay = 0
		c.maxHidden = 0
		c.logger.Debug("asynchronous consumer deregistered")
		return nil
	}

	if c.callback == nil {
		c.savedMaxActive = c.maxActive
	}
	c.callback = cb
	c.stoppable = stoppable
	c.setNotReadyLocked()

	switch {
	case opts.ExternalLock != nil:
		c.busy = &orderedLocker{l: opts.ExternalLock, level: levelAsyncBusy}
	case group != nil:
		c.busy = &group.busy
	default:
		c.busy = &c.ownBusy
	}

	c.maxBatch = max(opts.MaxBatchSize, 1)
	if d.opts.Ordered {
		c.maxBatch = 1
	}
	if opts.MaxActiveMessages > 0 {
		c.maxActive = opts.MaxActiveMessages
	}
	c.lockExpiry = opts.LockExpiry
	c.inline = opts.Inline
	c.seqThreshold = stop.MaxSequentialFailures
	c.hideDelay = stop.HideDelay
	c.maxHidden = stop.MaxHiddenMessages

	c.logger.Debug("asynchronous consumer registered",
		slog.Int("max_batch_size", c.maxBatch),
		slog.Int("max_active_messages", c.maxActive),
		slog.Bool("inline", c.inline),
		slog.Bool("stoppable", stoppable != nil),
		slog.Bool("ordering_group", group != nil))
	return nil
}
