// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/alarm"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// LocalConsumerPoint is one consumer's live session against a destination.
// It is created stopped; Start lets it receive.
type LocalConsumerPoint struct {
	d      *Dispatcher
	key    *ConsumerKey
	lockID types.LockID
	logger *slog.Logger

	gate *runGate
	// wake signals a synchronous receiver. done is closed on close.
	wake chan struct{}
	done chan struct{}

	ownBusy orderedMutex

	mu                       orderedMutex
	cursor                   store.Cursor
	stopped                  bool
	stoppedByRequest         bool
	stoppedForReceiveAllowed bool
	closed                   bool
	closing                  bool
	pendingClose             bool
	waiting                  bool
	ready                    bool
	receiving                bool
	transacted               bool
	attached                 *types.Message
	suspended                types.SuspendFlag

	callback  AsynchConsumerCallback
	stoppable StoppableAsynchConsumerCallback
	listener  ExceptionListener
	busy      sync.Locker
	group     *KeyGroup

	maxBatch       int
	lockExpiry     time.Duration
	inline         bool
	maxActive      int
	savedMaxActive int

	seqFailures  int
	seqThreshold int
	stopNotified bool
	hideDelay    time.Duration
	maxHidden    int
	hidden       []hiddenEntry
	hiddenAlarm  alarm.Handle
	hiddenArmed  bool
	revealHook   func(msg *types.Message)

	lockedItems map[types.Handle]*lockedItem
	activeTx    *txn.Transaction
	activeRefs  int

	blockAlarm alarm.Handle
	blockArmed bool

	countMu orderedMutex
	active  int
}

var _ Session = (*LocalConsumerPoint)(nil)

func newLocalConsumerPoint(d *Dispatcher, key *ConsumerKey, lockID types.LockID, cursor store.Cursor, transacted bool) *LocalConsumerPoint {
	c := &LocalConsumerPoint{
		d:                d,
		key:              key,
		lockID:           lockID,
		logger:           d.logger.With(slog.String("consumer", key.id)),
		gate:             newRunGate(),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		ownBusy:          orderedMutex{level: levelAsyncBusy},
		mu:               orderedMutex{level: levelState},
		cursor:           cursor,
		stopped:          true,
		stoppedByRequest: true,
		transacted:       transacted,
		maxBatch:         1,
		lockedItems:      make(map[types.Handle]*lockedItem),
		countMu:          orderedMutex{level: levelActiveCount},
	}
	c.busy = &c.ownBusy
	key.lcp = c
	return c
}

// ID returns the consumer identifier.
func (c *LocalConsumerPoint) ID() string {
	return c.key.id
}

// Key returns the consumer key.
func (c *LocalConsumerPoint) Key() *ConsumerKey {
	return c.key
}

// LockID returns the lock ID messages are locked with for this consumer.
func (c *LocalConsumerPoint) LockID() types.LockID {
	return c.lockID
}

// SetExceptionListener sets the listener told about asynchronous delivery
// failures.
func (c *LocalConsumerPoint) SetExceptionListener(l ExceptionListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Stopped reports whether the consumer is stopped.
func (c *LocalConsumerPoint) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Closed reports whether the consumer is closed or closing.
func (c *LocalConsumerPoint) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.closing
}

// Waiting reports whether a synchronous receiver is blocked.
func (c *LocalConsumerPoint) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *LocalConsumerPoint) unavailableLocked() error {
	return &SessionUnavailableError{Consumer: c.key.id, Reason: c.key.closedReason}
}

func (c *LocalConsumerPoint) matches(msg *types.Message) bool {
	return c.key.matches(msg)
}

// lockGroupAndState acquires the group lock, if any, and the state lock.
func (c *LocalConsumerPoint) lockGroupAndState() *KeyGroup {
	for {
		c.mu.Lock()
		g := c.group
		if g == nil {
			return nil
		}
		c.mu.Unlock()

		g.mu.Lock()
		c.mu.Lock()
		if c.group == g {
			return g
		}
		c.mu.Unlock()
		g.mu.Unlock()
	}
}

func unlockGroupAndState(c *LocalConsumerPoint, g *KeyGroup) {
	c.mu.Unlock()
	if g != nil {
		g.mu.Unlock()
	}
}

func (c *LocalConsumerPoint) setNotReadyLocked() {
	if c.ready {
		c.ready = false
		c.d.removeReady(c)
	}
}

func (c *LocalConsumerPoint) canTakeLocked() bool {
	return !c.stopped && !c.closing && !c.closed && c.callback != nil &&
		c.suspended == 0 && c.attached == nil
}

func (c *LocalConsumerPoint) canScanLocked() bool {
	return !c.stopped && !c.closing && !c.closed && c.callback != nil && c.suspended == 0
}

func (c *LocalConsumerPoint) resetCursorLocked(g *KeyGroup) {
	var filter types.Filter = c.key.selector
	if g != nil {
		filter = g
	}
	cursor, err := c.d.store.NewCursor(c.d.opts.Stream, filter)
	if err != nil {
		c.logger.Error("failed to reset cursor", slog.String("error", err.Error()))
		return
	}
	if c.cursor != nil {
		c.cursor.Close()
	}
	c.cursor = cursor
}

// attach is the standalone consumer's side of Deliver.
func (c *LocalConsumerPoint) attach(ctx context.Context, msg *types.Message, allowInline bool, def *deferred) attachResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return attachRefused
	}
	c.setNotReadyLocked()

	if c.stopped || c.closing || c.closed || c.attached != nil {
		c.logger.Error("ready consumer cannot take a message",
			slog.Bool("stopped", c.stopped),
			slog.Bool("closing", c.closing),
			slog.Bool("attached", c.attached != nil))
		return attachRefused
	}
	r := c.prepareAddLocked()
	if r == nil {
		return attachRefused
	}

	locked, ok, err := c.d.store.LockIfAvailable(ctx, c.d.opts.Stream, msg.Handle, c.lockID)
	if err != nil || !ok {
		r.rollback(def)
		if err != nil {
			c.logger.Error("failed to lock offered message",
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.String("error", err.Error()))
		}
		// No longer ready, so rescan rather than stall.
		def.add(c.rescanFuncLocked())
		return attachLost
	}

	r.commit()
	c.attached = locked
	def.add(c.deliverAttachedFunc(ctx, allowInline))
	return attachTaken
}

func (c *LocalConsumerPoint) rescanFuncLocked() func() {
	if c.callback != nil {
		return c.schedulePass
	}
	return c.signal
}

// deliverAttachedFunc returns what the producer runs once it released every
// lock: an asynchronous pass, inline when allowed, or a receiver wake-up.
// A producer putting from inside a callback never delivers inline.
func (c *LocalConsumerPoint) deliverAttachedFunc(ctx context.Context, allowInline bool) func() {
	if c.callback == nil {
		return c.signal
	}
	if allowInline && c.inline && passOf(ctx) == nil {
		return func() { c.runAsynchConsumer(true) }
	}
	return c.schedulePass
}

func (c *LocalConsumerPoint) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *LocalConsumerPoint) schedulePass() {
	c.d.submit(func() { c.runAsynchConsumer(false) })
}

// kickLocked returns what starts delivery again after the consumer was
// resumed or started.
func (c *LocalConsumerPoint) kickLocked() func() {
	if c.stopped || c.closing || c.closed {
		return nil
	}
	if c.group != nil {
		return c.group.kick
	}
	return c.rescanFuncLocked()
}

// Start lets the consumer receive. With deliverImmediately an asynchronous
// consumer runs its first pass on the calling goroutine.
func (c *LocalConsumerPoint) Start(deliverImmediately bool) error {
	c.mu.Lock()
	if c.closing || c.closed {
		err := c.unavailableLocked()
		c.mu.Unlock()
		return err
	}
	if !c.stoppedByRequest {
		c.mu.Unlock()
		return nil
	}
	c.stoppedByRequest = false
	c.stopNotified = false
	c.seqFailures = 0
	c.stopped = c.stoppedForReceiveAllowed
	kick := c.kickLocked()
	inline := deliverImmediately && c.callback != nil && c.group == nil
	c.mu.Unlock()

	if kick == nil {
		return nil
	}
	if inline {
		c.runAsynchConsumer(true)
		return nil
	}
	kick()
	return nil
}

// Stop stops delivery and waits for an in-flight pass to notice, unless ctx
// belongs to that pass. An attached message is released and, in an
// ordering group, the remaining members are kicked so they can take it.
func (c *LocalConsumerPoint) Stop(ctx context.Context) error {
	return c.stop(ctx, true)
}

func (c *LocalConsumerPoint) stop(ctx context.Context, byRequest bool) error {
	g := c.lockGroupAndState()
	if c.closing || c.closed {
		err := c.unavailableLocked()
		unlockGroupAndState(c, g)
		return err
	}
	if byRequest {
		c.stoppedByRequest = true
	} else {
		c.stoppedForReceiveAllowed = true
	}
	if c.stopped {
		unlockGroupAndState(c, g)
		return nil
	}
	c.stopped = true
	c.setNotReadyLocked()
	attached := c.takeAttachedLocked(g)
	running := c.gate.requestStop()
	unlockGroupAndState(c, g)

	if running && passOf(ctx) != c {
		c.gate.wait()
	}
	c.releaseMessages(ctx, attached)
	c.signal()
	if g != nil {
		g.kick()
	}

	c.logger.Debug("consumer stopped", slog.Bool("by_request", byRequest))
	return nil
}

func (c *LocalConsumerPoint) setReceiveAllowed(ctx context.Context, allowed bool) {
	if !allowed {
		if err := c.stop(ctx, false); err != nil {
			c.logger.Debug("consumer not stopped for receive allowed", slog.String("error", err.Error()))
		}
		return
	}

	c.mu.Lock()
	c.stoppedForReceiveAllowed = false
	if c.closing || c.closed || !c.stopped || c.stoppedByRequest {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	kick := c.kickLocked()
	c.mu.Unlock()
	if kick != nil {
		kick()
	}
}

func (c *LocalConsumerPoint) takeAttachedLocked(g *KeyGroup) *types.Message {
	msg := c.attached
	c.attached = nil
	if g != nil && g.attachedMember == c {
		g.attachedMember = nil
	}
	return msg
}

// releaseMessages unlocks counted messages without a delivery count
// increment and offers them again.
func (c *LocalConsumerPoint) releaseMessages(ctx context.Context, msgs ...*types.Message) {
	var released []*types.Message
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if err := c.d.store.Unlock(ctx, c.d.opts.Stream, msg.Handle, c.lockID, false); err != nil {
			c.logger.Error("failed to unlock message",
				slog.Uint64("handle", uint64(msg.Handle)),
				slog.String("error", err.Error()))
		}
		released = append(released, msg)
	}
	if len(released) == 0 {
		return
	}
	c.removeActiveMessages(len(released))
	c.d.redeliver(ctx, released...)
}

// Close closes the consumer. Locked messages are released, the consumer is
// detached and a blocked receiver returns a session-unavailable error. A
// second close does nothing.
func (c *LocalConsumerPoint) Close(ctx context.Context) error {
	return c.closeWithReason(ctx, types.ClosedNone)
}

func (c *LocalConsumerPoint) closeWithReason(ctx context.Context, reason types.ClosedReason) error {
	g := c.lockGroupAndState()
	if c.closing || c.closed {
		unlockGroupAndState(c, g)
		return nil
	}
	c.closing = true
	c.stopped = true
	c.key.closedReason = reason
	c.setNotReadyLocked()
	running := c.gate.requestStop()
	inside := running && passOf(ctx) == c
	if inside {
		c.pendingClose = true
	}
	close(c.done)
	unlockGroupAndState(c, g)

	if inside {
		return nil
	}
	if running {
		c.gate.wait()
	}
	c.finishClose(ctx)
	return nil
}

func (c *LocalConsumerPoint) finishPendingClose() {
	c.mu.Lock()
	pending := c.pendingClose
	c.pendingClose = false
	c.mu.Unlock()
	if pending {
		c.finishClose(context.Background())
	}
}

func (c *LocalConsumerPoint) finishClose(ctx context.Context) {
	c.d.detach(c)

	g := c.lockGroupAndState()
	c.closed = true
	attached := c.takeAttachedLocked(g)
	c.cancelAlarmsLocked()
	hidden := c.hidden
	c.hidden = nil
	var seen, unseen []*types.Message
	for h, it := range c.lockedItems {
		if it.state != itemLocked {
			continue
		}
		it.state = itemUnlocked
		delete(c.lockedItems, h)
		if it.seen {
			seen = append(seen, it.msg)
		} else {
			unseen = append(unseen, it.msg)
		}
	}
	cursor := c.cursor
	c.cursor = nil
	unlockGroupAndState(c, g)

	if cursor != nil {
		cursor.Close()
	}

	var released []*types.Message
	unlock := func(msgs []*types.Message, increment bool) {
		for _, msg := range msgs {
			if err := c.d.store.Unlock(ctx, c.d.opts.Stream, msg.Handle, c.lockID, increment); err != nil {
				c.logger.Warn("failed to unlock message on close",
					slog.Uint64("handle", uint64(msg.Handle)),
					slog.String("error", err.Error()))
				continue
			}
			released = append(released, msg)
		}
	}
	if attached != nil {
		unseen = append(unseen, attached)
	}
	unlock(unseen, false)
	unlock(seen, true)
	c.removeActiveMessages(len(unseen) + len(seen))

	// Hidden messages are no longer counted as active.
	unlock(hiddenMessages(hidden), false)
	if len(hidden) > 0 {
		c.d.metrics.RecordHidden(c.d.opts.Name, -len(hidden))
	}

	c.d.redeliver(ctx, released...)
	c.logger.Debug("consumer closed",
		slog.String("reason", c.key.closedReason.String()),
		slog.Int("released", len(released)))
}

func (c *LocalConsumerPoint) cancelAlarmsLocked() {
	if c.hiddenArmed {
		c.d.sched.Cancel(c.hiddenAlarm)
		c.hiddenArmed = false
	}
	if c.blockArmed {
		c.d.sched.Cancel(c.blockAlarm)
		c.blockArmed = false
	}
}

// IsConsumerSuspended reports whether the consumer is suspended for flag,
// or for any reason when flag is zero.
func (c *LocalConsumerPoint) IsConsumerSuspended(flag types.SuspendFlag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flag == 0 {
		return c.suspended != 0
	}
	return c.suspended&flag != 0
}

// IsCountingActiveMessages reports whether active messages are limited
// locally or by a consumer set.
func (c *LocalConsumerPoint) IsCountingActiveMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive > 0 || c.key.set != nil
}

// ActiveMessages returns the number of messages locked to the consumer and
// not yet completed.
func (c *LocalConsumerPoint) ActiveMessages() int {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.active
}

// HiddenMessages returns the number of hidden messages.
func (c *LocalConsumerPoint) HiddenMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hidden)
}
