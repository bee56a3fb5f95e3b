// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// hiddenEntry is a rolled back message kept locked until expiry. Entries
// share one delay, so the list is ordered by expiry.
type hiddenEntry struct {
	msg    *types.Message
	expiry time.Time
}

func hiddenMessages(entries []hiddenEntry) []*types.Message {
	msgs := make([]*types.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

// removal follows one message removal enlisted in a transaction.
type removal struct {
	c     *LocalConsumerPoint
	msg   *types.Message
	item  *lockedItem
	armed atomic.Bool
}

func (r *removal) BeforeCompletion(*txn.Transaction) {}

func (r *removal) AfterCompletion(tx *txn.Transaction, committed bool) {
	if !r.armed.Load() {
		return
	}
	c := r.c
	c.d.metrics.RecordCompletion(c.d.opts.Name, committed)
	if committed {
		c.resolveItem(r.item, itemDeleted)
		c.removeActiveMessages(1)
		c.resetSequentialFailures()
	} else {
		c.resolveItem(r.item, itemUnlocked)
		c.handleRollback(context.Background(), r.msg)
	}
	c.releaseTx(tx)
}

// removeMessage removes a message locked to the consumer. Without a
// transaction the active message slot is released at once; otherwise it is
// released when the transaction completes.
func (c *LocalConsumerPoint) removeMessage(ctx context.Context, msg *types.Message, tx *txn.Transaction, it *lockedItem) error {
	if tx == nil {
		if err := c.d.store.Remove(ctx, c.d.opts.Stream, msg.Handle, c.lockID, nil); err != nil {
			return fmt.Errorf("failed to remove message: %w", err)
		}
		c.resolveItem(it, itemDeleted)
		c.d.metrics.RecordCompletion(c.d.opts.Name, true)
		c.removeActiveMessages(1)
		c.resetSequentialFailures()
		return nil
	}

	if err := c.enlistOrdered(tx); err != nil {
		return err
	}
	r := &removal{c: c, msg: msg, item: it}
	r.armed.Store(true)
	if err := tx.RegisterCallback(r); err != nil {
		c.releaseTx(tx)
		return err
	}
	if err := c.d.store.Remove(ctx, c.d.opts.Stream, msg.Handle, c.lockID, tx); err != nil {
		r.armed.Store(false)
		c.releaseTx(tx)
		return fmt.Errorf("failed to remove message: %w", err)
	}
	return nil
}

func (c *LocalConsumerPoint) resolveItem(it *lockedItem, state itemState) {
	if it == nil {
		return
	}
	c.mu.Lock()
	it.state = state
	if c.lockedItems[it.msg.Handle] == it {
		delete(c.lockedItems, it.msg.Handle)
	}
	c.mu.Unlock()
}

// enlistOrdered makes tx the consumer's single active transaction on an
// ordered destination. An asynchronous consumer is suspended until it
// completes.
func (c *LocalConsumerPoint) enlistOrdered(tx *txn.Transaction) error {
	if !c.d.opts.Ordered {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeTx != nil && c.activeTx != tx {
		return ErrOrderedTransactionActive
	}
	c.activeTx = tx
	c.activeRefs++
	if c.callback != nil {
		c.suspendLocked(types.SuspendTranActive)
	}
	return nil
}

func (c *LocalConsumerPoint) releaseTx(tx *txn.Transaction) {
	if !c.d.opts.Ordered {
		return
	}
	c.mu.Lock()
	var kick func()
	if c.activeTx == tx {
		c.activeRefs--
		if c.activeRefs <= 0 {
			c.activeTx = nil
			c.activeRefs = 0
			kick = c.resumeLocked(types.SuspendTranActive)
		}
	}
	c.mu.Unlock()
	if kick != nil {
		kick()
	}
}

func (c *LocalConsumerPoint) resetSequentialFailures() {
	c.mu.Lock()
	c.seqFailures = 0
	c.mu.Unlock()
}

// handleRollback decides the fate of a message whose removal rolled back.
// The store left it locked with its delivery count incremented.
func (c *LocalConsumerPoint) handleRollback(ctx context.Context, msg *types.Message) {
	maxFailed := c.d.opts.MaxFailedDeliveries
	previous := msg.DeliveryCount
	msg.DeliveryCount++
	counted := maxFailed > 0 && previous >= maxFailed-1
	exhausted := maxFailed > 0 && msg.DeliveryCount >= maxFailed

	c.mu.Lock()
	var notify StoppableAsynchConsumerCallback
	if c.stoppable != nil && counted {
		c.seqFailures++
		if c.seqThreshold > 0 && c.seqFailures >= c.seqThreshold && !c.stopNotified {
			c.stopNotified = true
			notify = c.stoppable
		}
	}
	hide := !exhausted && c.stoppable != nil && c.hideDelay > 0
	c.mu.Unlock()

	if notify != nil {
		// Stopping waits for the running pass, which may be the caller.
		c.d.submit(func() { c.stopAfterFailures(notify) })
	}

	if exhausted && c.routeToException(ctx, msg) {
		return
	}
	if hide && c.hide(msg) {
		return
	}

	if err := c.d.store.Unlock(ctx, c.d.opts.Stream, msg.Handle, c.lockID, false); err != nil {
		c.logger.Error("failed to unlock rolled back message",
			slog.Uint64("handle", uint64(msg.Handle)),
			slog.String("error", err.Error()))
	}
	c.removeActiveMessages(1)
	c.d.redeliver(ctx, msg)
}

func (c *LocalConsumerPoint) stopAfterFailures(cb StoppableAsynchConsumerCallback) {
	if err := c.Stop(context.Background()); err != nil {
		c.logger.Warn("failed to stop consumer after sequential failures", slog.String("error", err.Error()))
		return
	}
	c.logger.Warn("consumer stopped after sequential delivery failures")
	cb.ConsumerSessionStopped()
}

func (c *LocalConsumerPoint) routeToException(ctx context.Context, msg *types.Message) bool {
	if c.d.router == nil {
		return false
	}
	routed, err := c.d.router.RouteToException(ctx, msg, c.lockID)
	if err != nil {
		c.logger.Error("failed to route message to exception destination",
			slog.Uint64("handle", uint64(msg.Handle)),
			slog.Int("delivery_count", msg.DeliveryCount),
			slog.String("error", err.Error()))
		return false
	}
	if !routed {
		return false
	}
	c.d.metrics.RecordExceptioned(c.d.opts.Name)
	c.removeActiveMessages(1)
	return true
}

// hide keeps msg locked until the hide delay elapses. Hidden messages no
// longer count as active.
func (c *LocalConsumerPoint) hide(msg *types.Message) bool {
	c.mu.Lock()
	if c.closing || c.closed || c.hideDelay <= 0 {
		c.mu.Unlock()
		return false
	}
	c.hidden = append(c.hidden, hiddenEntry{msg: msg, expiry: c.d.sched.Now().Add(c.hideDelay)})
	if !c.hiddenArmed {
		c.hiddenArmed = true
		c.hiddenAlarm = c.d.sched.Schedule(c.hideDelay, c.revealHidden)
	}
	if c.maxHidden > 0 && len(c.hidden) >= c.maxHidden {
		c.suspendLocked(types.SuspendMaxHiddenMsgs)
	}
	if c.d.opts.Ordered {
		c.suspendLocked(types.SuspendRetryTimer)
	}
	c.mu.Unlock()

	c.logger.Debug("message hidden",
		slog.Uint64("handle", uint64(msg.Handle)),
		slog.Duration("delay", c.hideDelay))
	c.d.metrics.RecordHidden(c.d.opts.Name, 1)
	c.removeActiveMessages(1)
	return true
}

// revealHidden unlocks the hidden messages whose expiry passed and arms the
// alarm for the next one.
func (c *LocalConsumerPoint) revealHidden() {
	now := c.d.sched.Now()

	c.mu.Lock()
	c.hiddenArmed = false
	var due []*types.Message
	for len(c.hidden) > 0 && !c.hidden[0].expiry.After(now) {
		due = append(due, c.hidden[0].msg)
		c.hidden = c.hidden[1:]
	}
	if len(c.hidden) > 0 && !c.closed && !c.closing {
		c.hiddenArmed = true
		c.hiddenAlarm = c.d.sched.Schedule(c.hidden[0].expiry.Sub(now), c.revealHidden)
	}
	hook := c.revealHook
	c.mu.Unlock()

	ctx := context.Background()
	for _, msg := range due {
		if err := c.d.store.Unlock(ctx, c.d.opts.Stream, msg.Handle, c.lockID, false); err != nil {
			c.logger.Warn("failed to reveal hidden message",
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.String("error", err.Error()))
			continue
		}
		if hook != nil {
			hook(msg)
		}
		c.d.redeliver(ctx, msg)
	}
	if len(due) > 0 {
		c.d.metrics.RecordHidden(c.d.opts.Name, -len(due))
	}

	c.mu.Lock()
	var kicks deferred
	if c.maxHidden <= 0 || len(c.hidden) < c.maxHidden {
		kicks.add(c.resumeLocked(types.SuspendMaxHiddenMsgs))
	}
	if len(c.hidden) == 0 {
		kicks.add(c.resumeLocked(types.SuspendRetryTimer))
	}
	c.mu.Unlock()
	kicks.run()
}
