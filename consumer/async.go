// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxdispatch/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runAsynchConsumer drains the consumer's messages into its callback.
// Concurrent calls converge on one runner; the losers record a rerun. An
// isolated run does a single pass on the caller's goroutine and hands any
// further work to the executor.
func (c *LocalConsumerPoint) runAsynchConsumer(isolated bool) {
	tok, ok := c.gate.tryBegin()
	if !ok {
		return
	}

	for {
		again := c.runPass(tok, isolated)
		if isolated {
			if rerun := c.gate.release(); (again || rerun) && !tok.Cancelled() {
				c.schedulePass()
			}
			break
		}
		if again && !tok.Cancelled() {
			continue
		}
		if tok, ok = c.gate.next(); !ok {
			break
		}
	}

	c.finishPendingClose()
}

// runPass collects one batch and delivers it under the busy lock. It
// reports whether more messages may be waiting. An isolated pass gives up
// when the busy lock is taken, since the holder may be a callback further
// up the caller's stack.
func (c *LocalConsumerPoint) runPass(tok *cancelToken, isolated bool) bool {
	ctx := withPass(context.Background(), c)

	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()

	if isolated {
		if !tryLock(busy) {
			return true
		}
	} else {
		busy.Lock()
	}
	b := c.collectBatch(ctx, tok)
	err := b.err
	if len(b.msgs) > 0 {
		if derr := c.deliver(ctx, b); derr != nil && err == nil {
			err = derr
		}
	}
	next := c.endPass(b.group)
	busy.Unlock()

	b.def.run()
	if next != nil {
		next()
	}
	if err != nil {
		c.fail(ctx, err)
		return false
	}
	return b.again
}

type batch struct {
	msgs     []*types.Message
	enum     *LockedMessageEnumeration
	callback AsynchConsumerCallback
	group    *KeyGroup
	again    bool
	err      error
	def      deferred
}

func (c *LocalConsumerPoint) collectBatch(ctx context.Context, tok *cancelToken) *batch {
	b := &batch{}
	g := c.lockGroupAndState()
	b.group = g

	if c.stopped || c.closing || c.closed || c.callback == nil || tok.Cancelled() {
		unlockGroupAndState(c, g)
		return b
	}
	if g != nil {
		if g.refusePassLocked(c) {
			unlockGroupAndState(c, g)
			b.group = nil
			return b
		}
		g.passMember = c
		// Producers must not attach behind the scan.
		if g.ready {
			g.ready = false
			c.d.removeReady(g)
		}
	} else {
		c.setNotReadyLocked()
	}
	b.callback = c.callback

	if msg := c.takeAttachedLocked(g); msg != nil {
		b.msgs = append(b.msgs, msg)
	}

	epoch := c.d.currentEpoch()
	exhausted, transferred := false, false
	for len(b.msgs) < c.maxBatch {
		if tok.Cancelled() {
			break
		}
		r := c.prepareAddLocked()
		if r == nil {
			break
		}
		msg, err := c.cursor.NextLocked(ctx, c.lockID)
		if err != nil {
			r.rollback(&b.def)
			b.err = fmt.Errorf("failed to fetch message: %w", err)
			break
		}
		if msg == nil {
			r.rollback(&b.def)
			exhausted = true
			break
		}
		if g != nil && !c.key.matches(msg) {
			r.rollback(&b.def)
			c.mu.Unlock()
			g.transferLocked(ctx, c, msg, &b.def)
			c.mu.Lock()
			transferred = true
			break
		}
		r.commit()
		b.msgs = append(b.msgs, msg)
	}

	switch {
	case tok.Cancelled():
		// Stop or close was requested; give back what was collected.
		msgs := b.msgs
		b.msgs = nil
		b.def.add(func() { c.releaseMessages(ctx, msgs...) })
	case b.err != nil:
	case exhausted && len(b.msgs) == 0:
		b.again = !c.markReadyLocked(g, epoch)
	default:
		b.again = len(b.msgs) > 0 && !transferred
	}

	if len(b.msgs) > 0 {
		b.enum = c.newEnumerationLocked(b.msgs)
	}
	unlockGroupAndState(c, g)
	return b
}

// markReadyLocked puts the consumer, or its group, in the ready set. It
// reports false when a message arrived since epoch and a rescan is needed.
func (c *LocalConsumerPoint) markReadyLocked(g *KeyGroup, epoch uint64) bool {
	if g != nil {
		g.ready = true
		if !c.d.markReady(g, epoch) {
			g.ready = false
			return false
		}
		return true
	}
	c.ready = true
	if !c.d.markReady(c, epoch) {
		c.ready = false
		return false
	}
	return true
}

func (c *LocalConsumerPoint) endPass(g *KeyGroup) func() {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endPassLocked(c)
}

// deliver hands a batch to the callback and settles what the callback left
// locked. It returns the callback's failure, if any.
func (c *LocalConsumerPoint) deliver(ctx context.Context, b *batch) error {
	var span trace.Span
	if c.d.tracer != nil {
		ctx, span = c.d.tracer.Start(ctx, "consumer.deliver",
			trace.WithAttributes(
				attribute.String("destination", c.d.opts.Name),
				attribute.String("consumer", c.key.id),
				attribute.Int("batch_size", len(b.msgs)),
			))
		defer span.End()
	}

	c.d.metrics.RecordDelivered(c.d.opts.Name, len(b.msgs))
	start := time.Now()
	err := c.invoke(ctx, b)
	c.d.metrics.RecordCallbackDuration(c.d.opts.Name, time.Since(start))
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.settle(ctx, b.enum, &b.def)
	return err
}

func (c *LocalConsumerPoint) invoke(ctx context.Context, b *batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer callback panicked: %v", r)
		}
	}()
	b.callback.ConsumeMessages(ctx, b.enum, passSession{c: c})
	return nil
}

// settle handles the messages a callback left locked: unseen ones are
// released, seen ones on ordered destinations are unlocked for redelivery,
// and the rest stay locked until the lock expiry, if any.
func (c *LocalConsumerPoint) settle(ctx context.Context, e *LockedMessageEnumeration, def *deferred) {
	var unseen, redeliver, expiring []*lockedItem

	c.mu.Lock()
	for _, it := range e.items {
		if it.state != itemLocked {
			continue
		}
		switch {
		case !it.seen:
			it.state = itemUnlocked
			delete(c.lockedItems, it.msg.Handle)
			unseen = append(unseen, it)
		case c.d.opts.Ordered:
			it.state = itemUnlocked
			delete(c.lockedItems, it.msg.Handle)
			redeliver = append(redeliver, it)
		case c.lockExpiry > 0:
			expiring = append(expiring, it)
		}
	}
	if len(expiring) > 0 && !c.closed && !c.closing {
		c.d.sched.Schedule(c.lockExpiry, func() { c.expireLocks(expiring) })
	}
	c.mu.Unlock()

	if len(unseen)+len(redeliver) == 0 {
		return
	}
	def.add(func() {
		var released []*types.Message
		for _, set := range []struct {
			items     []*lockedItem
			increment bool
		}{{unseen, false}, {redeliver, true}} {
			for _, it := range set.items {
				if err := c.d.store.Unlock(ctx, c.d.opts.Stream, it.msg.Handle, c.lockID, set.increment); err != nil {
					c.logger.Error("failed to unlock message after callback",
						slog.Uint64("handle", uint64(it.msg.Handle)),
						slog.String("error", err.Error()))
					continue
				}
				released = append(released, it.msg)
			}
		}
		c.removeActiveMessages(len(unseen) + len(redeliver))
		c.d.redeliver(ctx, released...)
	})
}

// expireLocks unlocks messages still locked when the lock expiry elapsed.
func (c *LocalConsumerPoint) expireLocks(items []*lockedItem) {
	var expired []*types.Message
	c.mu.Lock()
	for _, it := range items {
		if it.state != itemLocked {
			continue
		}
		it.state = itemUnlocked
		delete(c.lockedItems, it.msg.Handle)
		expired = append(expired, it.msg)
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	ctx := context.Background()
	var released []*types.Message
	for _, msg := range expired {
		if err := c.d.store.Unlock(ctx, c.d.opts.Stream, msg.Handle, c.lockID, true); err != nil {
			c.logger.Warn("failed to unlock expired message",
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.String("error", err.Error()))
			continue
		}
		released = append(released, msg)
	}
	c.logger.Debug("message locks expired", slog.Int("count", len(expired)))
	c.removeActiveMessages(len(expired))
	c.d.redeliver(ctx, released...)
}

// fail reports an asynchronous delivery failure and closes the session.
func (c *LocalConsumerPoint) fail(ctx context.Context, err error) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	c.logger.Error("asynchronous delivery failed, closing consumer", slog.String("error", err.Error()))
	if listener != nil {
		listener(err)
	}
	if cerr := c.Close(ctx); cerr != nil {
		c.logger.Warn("failed to close consumer", slog.String("error", cerr.Error()))
	}
}
