// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/types"
)

// KeyGroup couples consumers that must see the destination's messages in
// order. The group, not its members, sits in the ready set. Members scan
// with the union of their selectors; a scanned message that belongs to
// another member is handed over and the scanner ends its batch.
type KeyGroup struct {
	d    *Dispatcher
	octx *OrderingContext

	// busy serializes callbacks of all members.
	busy orderedMutex

	mu             orderedMutex
	members        []*LocalConsumerPoint
	attachedMember *LocalConsumerPoint
	ready          bool
	passMember     *LocalConsumerPoint
	rerunRequested bool

	filter atomic.Pointer[types.AnyOf]
	// orderBlocks counts members with an uncompleted ordered transaction or
	// a pending retry timer. No member may scan while it is non-zero.
	orderBlocks atomic.Int32
}

func newKeyGroup(d *Dispatcher, octx *OrderingContext) *KeyGroup {
	g := &KeyGroup{
		d:    d,
		octx: octx,
		busy: orderedMutex{level: levelAsyncBusy},
		mu:   orderedMutex{level: levelKeyGroup},
	}
	g.filter.Store(&types.AnyOf{})
	return g
}

// Matches implements types.Filter over the union of member selectors.
func (g *KeyGroup) Matches(msg *types.Message) bool {
	return g.filter.Load().Matches(msg)
}

func (g *KeyGroup) matches(msg *types.Message) bool {
	return g.Matches(msg)
}

// Members returns a snapshot of the group members.
func (g *KeyGroup) Members() []*LocalConsumerPoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.members)
}

func (g *KeyGroup) rebuildFilterLocked() {
	union := make(types.AnyOf, 0, len(g.members))
	for _, m := range g.members {
		union = append(union, m.key.selector)
	}
	g.filter.Store(&union)
}

// reserveOwnerLocked picks the member that takes msg: the first member
// other than skip whose selector matches and that can take a message now.
// The owner is returned with its state lock held and one active message
// slot reserved. It returns nil when no matching member can run, and the
// message then waits for one to start or resume.
func (g *KeyGroup) reserveOwnerLocked(msg *types.Message, skip *LocalConsumerPoint) (*LocalConsumerPoint, *addReservation) {
	for _, m := range g.members {
		if m == skip || !m.key.matches(msg) {
			continue
		}
		m.mu.Lock()
		if m.canTakeLocked() {
			if r := m.prepareAddLocked(); r != nil {
				return m, r
			}
		}
		m.mu.Unlock()
	}
	return nil, nil
}

// refusePassLocked reports whether c may not scan right now.
func (g *KeyGroup) refusePassLocked(c *LocalConsumerPoint) bool {
	if g.attachedMember != nil && g.attachedMember != c {
		return true
	}
	if g.orderBlocks.Load() > 0 {
		return true
	}
	if g.passMember != nil && g.passMember != c {
		g.rerunRequested = true
		return true
	}
	return false
}

func (g *KeyGroup) attach(ctx context.Context, msg *types.Message, allowInline bool, def *deferred) attachResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ready {
		return attachRefused
	}
	if g.attachedMember != nil || g.orderBlocks.Load() > 0 {
		// The attached member or the order block release kicks the group.
		g.ready = false
		g.d.removeReady(g)
		return attachRefused
	}

	owner, r := g.reserveOwnerLocked(msg, nil)
	if owner == nil {
		// Nobody may take msg yet and nothing behind it may overtake it.
		// Starting or resuming a matching member kicks the group.
		g.ready = false
		g.d.removeReady(g)
		return attachRefused
	}
	defer owner.mu.Unlock()

	locked, ok, err := g.d.store.LockIfAvailable(ctx, g.d.opts.Stream, msg.Handle, owner.lockID)
	if err != nil || !ok {
		r.rollback(def)
		if err != nil {
			g.d.logger.Error("failed to lock message for ordering group",
				slog.String("group", g.octx.Name()),
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.String("error", err.Error()))
		}
		// Still ready; a member rescans in case the message moved back.
		def.add(g.kick)
		return attachLost
	}

	g.ready = false
	g.d.removeReady(g)
	r.commit()
	owner.attached = locked
	g.attachedMember = owner
	def.add(owner.deliverAttachedFunc(ctx, allowInline))
	return attachTaken
}

// transferLocked hands a message locked by the scanner to a member that
// may take it. The caller holds the group lock but not the scanner's state
// lock. When nobody can take it the message is unlocked and re-offered.
func (g *KeyGroup) transferLocked(ctx context.Context, from *LocalConsumerPoint, msg *types.Message, def *deferred) bool {
	if to, r := g.reserveOwnerLocked(msg, from); to != nil {
		moved := g.moveLockLocked(ctx, from, to, r, msg, def)
		to.mu.Unlock()
		if moved {
			return true
		}
	}

	if err := g.d.store.Unlock(ctx, g.d.opts.Stream, msg.Handle, from.lockID, false); err != nil {
		g.d.logger.Error("failed to unlock message after refused transfer",
			slog.String("group", g.octx.Name()),
			slog.Uint64("handle", uint64(msg.Handle)),
			slog.String("error", err.Error()))
		return false
	}
	def.add(func() { g.d.redeliver(context.Background(), msg) })
	return false
}

// moveLockLocked moves the lock on msg to the reserved owner. The caller
// holds the group lock and to's state lock.
func (g *KeyGroup) moveLockLocked(ctx context.Context, from, to *LocalConsumerPoint, r *addReservation, msg *types.Message, def *deferred) bool {
	if err := g.d.store.TransferLock(ctx, g.d.opts.Stream, msg.Handle, from.lockID, to.lockID); err != nil {
		r.rollback(def)
		g.d.logger.Error("failed to transfer message lock",
			slog.String("group", g.octx.Name()),
			slog.String("from", from.ID()),
			slog.String("to", to.ID()),
			slog.String("error", err.Error()))
		return false
	}
	r.commit()
	to.attached = msg
	g.attachedMember = to
	return true
}

// endPassLocked finishes a member's pass and returns the member to run
// next, if any. A member that ended its pass because it can no longer scan
// hands the group to the others.
func (g *KeyGroup) endPassLocked(c *LocalConsumerPoint) func() {
	if g.passMember == c {
		g.passMember = nil
	}
	if m := g.attachedMember; m != nil && m != c {
		return func() { m.schedulePass() }
	}
	c.mu.Lock()
	blocked := !c.canScanLocked()
	c.mu.Unlock()
	if g.rerunRequested || (blocked && !g.ready) {
		g.rerunRequested = false
		return g.kick
	}
	return nil
}

// kick starts a pass on the member that should run next: the attached
// member, or else the first member able to scan.
func (g *KeyGroup) kick() {
	g.mu.Lock()
	target := g.attachedMember
	if target == nil {
		for _, m := range g.members {
			m.mu.Lock()
			runnable := m.canScanLocked()
			m.mu.Unlock()
			if runnable {
				target = m
				break
			}
		}
	}
	g.mu.Unlock()

	if target != nil {
		target.schedulePass()
	}
}

// joinGroupLocked adds c to the group for octx. The caller holds the
// dispatcher's consumer list lock.
func (d *Dispatcher) joinGroupLocked(c *LocalConsumerPoint, octx *OrderingContext) *KeyGroup {
	g, ok := d.groups[octx]
	if !ok {
		g = newKeyGroup(d, octx)
		d.groups[octx] = g
	}

	g.mu.Lock()
	g.members = append(g.members, c)
	g.rebuildFilterLocked()
	c.mu.Lock()
	c.group = g
	c.setNotReadyLocked()
	g.orderBlocks.Add(c.orderBlockCountLocked())
	c.resetCursorLocked(g)
	c.mu.Unlock()
	g.mu.Unlock()

	d.logger.Debug("consumer joined ordering group",
		slog.String("consumer", c.ID()),
		slog.String("group", octx.Name()))
	return g
}

// leaveGroupLocked removes c from g, dropping the group when it empties.
// The caller holds the dispatcher's consumer list lock.
func (d *Dispatcher) leaveGroupLocked(c *LocalConsumerPoint, g *KeyGroup) {
	g.mu.Lock()
	if i := slices.Index(g.members, c); i >= 0 {
		g.members = slices.Delete(g.members, i, i+1)
	}
	if g.attachedMember == c {
		g.attachedMember = nil
	}
	if g.passMember == c {
		g.passMember = nil
	}
	g.rebuildFilterLocked()
	empty := len(g.members) == 0
	if empty {
		g.ready = false
		d.removeReady(g)
	}

	c.mu.Lock()
	if c.group == g {
		c.group = nil
		g.orderBlocks.Add(-c.orderBlockCountLocked())
		if !c.closing {
			c.resetCursorLocked(nil)
		}
	}
	c.mu.Unlock()
	g.mu.Unlock()

	if empty {
		delete(d.groups, g.octx)
		return
	}
	g.kick()
}
