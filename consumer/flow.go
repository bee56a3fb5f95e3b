// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"log/slog"

	"github.com/absmach/fluxdispatch/types"
)

const orderBlockFlags = types.SuspendTranActive | types.SuspendRetryTimer

// addReservation is one active message slot, reserved before a message is
// locked. Exactly one of commit or rollback consumes it.
type addReservation struct {
	c   *LocalConsumerPoint
	set *setReservation
}

// prepareAddLocked reserves a slot, or suspends the consumer and returns
// nil when it is at a local or set limit. The caller holds the state lock.
func (c *LocalConsumerPoint) prepareAddLocked() *addReservation {
	if c.suspended != 0 {
		return nil
	}
	if c.maxActive > 0 {
		c.countMu.Lock()
		full := c.active >= c.maxActive
		c.countMu.Unlock()
		if full {
			c.suspendLocked(types.SuspendActiveMsgs)
			return nil
		}
	}

	r := &addReservation{c: c}
	if set := c.key.set; set != nil {
		sr := set.prepareAdd(c)
		if sr == nil {
			c.suspendLocked(types.SuspendSetActiveMsgs)
			return nil
		}
		r.set = sr
	}
	return r
}

// commit counts the locked message. The caller holds the state lock.
func (r *addReservation) commit() {
	c := r.c
	if r.set != nil {
		r.set.commit()
	}

	c.countMu.Lock()
	c.active++
	full := c.maxActive > 0 && c.active >= c.maxActive
	c.countMu.Unlock()

	c.d.metrics.RecordActiveMessages(c.d.opts.Name, 1)
	if full {
		c.suspendLocked(types.SuspendActiveMsgs)
		c.startBlockWarningLocked()
	}
}

// rollback returns the slot. Set members that may resume are resumed once
// the caller released its locks.
func (r *addReservation) rollback(def *deferred) {
	if r.set == nil {
		return
	}
	if members := r.set.rollback(); len(members) > 0 {
		def.add(func() { resumeSetMembers(members) })
	}
}

func (c *LocalConsumerPoint) suspendLocked(flag types.SuspendFlag) {
	if c.suspended&flag != 0 {
		return
	}
	if c.suspended == 0 {
		c.setNotReadyLocked()
		c.d.metrics.RecordSuspended(c.d.opts.Name, 1)
	}
	c.suspended |= flag
	if flag&orderBlockFlags != 0 && c.group != nil {
		c.group.orderBlocks.Add(1)
	}
	c.logger.Debug("consumer suspended", slog.String("flag", flag.String()))
}

// resumeLocked clears flag and returns what restarts delivery, if the
// consumer can run again.
func (c *LocalConsumerPoint) resumeLocked(flag types.SuspendFlag) func() {
	if c.suspended&flag == 0 {
		return nil
	}
	c.suspended &^= flag
	if flag&orderBlockFlags != 0 && c.group != nil {
		c.group.orderBlocks.Add(-1)
		if c.suspended != 0 {
			// Other members may scan again.
			return c.group.kick
		}
	}
	if c.suspended != 0 {
		return nil
	}
	c.d.metrics.RecordSuspended(c.d.opts.Name, -1)
	c.logger.Debug("consumer resumed", slog.String("flag", flag.String()))
	return c.kickLocked()
}

func (c *LocalConsumerPoint) resume(flag types.SuspendFlag) {
	c.mu.Lock()
	kick := c.resumeLocked(flag)
	c.mu.Unlock()
	if kick != nil {
		kick()
	}
}

func (c *LocalConsumerPoint) orderBlockCountLocked() int32 {
	var n int32
	if c.suspended&types.SuspendTranActive != 0 {
		n++
	}
	if c.suspended&types.SuspendRetryTimer != 0 {
		n++
	}
	return n
}

// removeActiveMessages releases n active message slots after messages were
// completed or released. It must be called without consumer locks held.
func (c *LocalConsumerPoint) removeActiveMessages(n int) {
	if n <= 0 {
		return
	}
	var def deferred
	if set := c.key.set; set != nil {
		if members := set.remove(n); len(members) > 0 {
			def.add(func() { resumeSetMembers(members) })
		}
	}

	c.mu.Lock()
	c.countMu.Lock()
	c.active -= n
	if c.active < 0 {
		c.logger.Error("active message count went negative",
			slog.Int("active", c.active),
			slog.Int("removed", n))
		n += c.active
		c.active = 0
	}
	below := c.maxActive <= 0 || c.active < c.maxActive
	c.countMu.Unlock()
	c.d.metrics.RecordActiveMessages(c.d.opts.Name, -n)

	var kick func()
	if below {
		kick = c.resumeLocked(types.SuspendActiveMsgs)
		if c.blockArmed {
			c.d.sched.Cancel(c.blockAlarm)
			c.blockArmed = false
		}
	}
	c.mu.Unlock()

	def.run()
	if kick != nil {
		kick()
	}
}

// SetMaxActiveMessages changes the local active message limit. Zero
// removes it.
func (c *LocalConsumerPoint) SetMaxActiveMessages(n int) {
	c.mu.Lock()
	c.maxActive = n
	c.countMu.Lock()
	full := n > 0 && c.active >= n
	c.countMu.Unlock()

	var kick func()
	if full {
		c.suspendLocked(types.SuspendActiveMsgs)
		c.startBlockWarningLocked()
	} else {
		kick = c.resumeLocked(types.SuspendActiveMsgs)
	}
	c.mu.Unlock()

	if kick != nil {
		kick()
	}
}

func (c *LocalConsumerPoint) startBlockWarningLocked() {
	interval := c.d.opts.BlockWarningInterval
	if interval <= 0 || c.blockArmed || c.closed || c.closing {
		return
	}
	c.blockArmed = true
	c.blockAlarm = c.d.sched.Schedule(interval, c.blockWarning)
}

func (c *LocalConsumerPoint) blockWarning() {
	c.mu.Lock()
	c.blockArmed = false
	if c.suspended&types.SuspendActiveMsgs == 0 || c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.startBlockWarningLocked()
	maxActive := c.maxActive
	c.mu.Unlock()

	if c.d.warnLimiter.Allow() {
		c.logger.Warn("consumer blocked on active message limit",
			slog.Int("max_active_messages", maxActive),
			slog.Int("active", c.ActiveMessages()),
			slog.Duration("interval", c.d.opts.BlockWarningInterval))
	}
}
