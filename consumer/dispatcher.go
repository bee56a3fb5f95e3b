// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the dispatch point of a destination: it
// matches stored messages to ready consumers, enforces ordering and active
// message limits, and coordinates consumer start, stop and close with
// in-flight asynchronous delivery.
//
// Locks are acquired in this order and released in reverse:
//
//  1. Dispatcher consumer list
//  2. ConsumerSet member list
//  3. Consumer asynchronous-busy lock (shared within a KeyGroup, or external)
//  4. KeyGroup
//  5. Consumer state
//  6. Dispatcher ready set
//  7. ConsumerSet prepare lock, then 8. its count lock
//  9. Consumer active-message count
//
// Run gates and store internals are leaves. Unlocking a message can hand it
// straight back to a consumer, so unlocks and re-offers always happen after
// the consumer's own locks are released.
package consumer

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/alarm"
	"github.com/absmach/fluxdispatch/metrics"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Deps are the collaborators a dispatcher works against.
type Deps struct {
	Store     store.Store
	Scheduler alarm.Scheduler
	Executor  Executor
	// Router moves messages that exhausted their delivery attempts. Nil
	// disables exception routing.
	Router  ExceptionRouter
	Metrics metrics.Recorder
	// Tracer is nil when tracing is disabled.
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Options describe the destination a dispatcher serves.
type Options struct {
	Name string
	// Stream is the item stream consumers scan.
	Stream string
	// Ordered destinations deliver one message at a time and allow a single
	// uncompleted transaction per consumer.
	Ordered             bool
	ReceiveAllowed      bool
	ReceiveExclusive    bool
	MaxFailedDeliveries int
	// BlockWarningInterval is how long a consumer may stay suspended on its
	// active message limit before a warning is logged. Zero disables.
	BlockWarningInterval time.Duration
}

// ConsumerOptions configure a consumer attachment.
type ConsumerOptions struct {
	Selector types.Filter
	Set      *ConsumerSet
	// Transacted consumers must receive under a transaction.
	Transacted bool
}

// dispatchTarget is an entry of the ready set: a standalone consumer or an
// ordering group.
type dispatchTarget interface {
	matches(msg *types.Message) bool
	attach(ctx context.Context, msg *types.Message, allowInline bool, def *deferred) attachResult
}

type attachResult int

const (
	// attachRefused means the target was not ready; try the next one.
	attachRefused attachResult = iota
	attachTaken
	// attachLost means the message is no longer available.
	attachLost
)

// Dispatcher is the dispatch point of one destination.
type Dispatcher struct {
	opts    Options
	store   store.Store
	sched   alarm.Scheduler
	exec    Executor
	router  ExceptionRouter
	metrics metrics.Recorder
	tracer  trace.Tracer
	logger  *slog.Logger

	consumersMu      orderedRWMutex
	consumers        []*LocalConsumerPoint
	groups           map[*OrderingContext]*KeyGroup
	receiveAllowed   bool
	receiveExclusive bool
	closedReason     types.ClosedReason

	readyMu orderedMutex
	ready   []dispatchTarget
	// epoch advances whenever a message is left unattached. A consumer that
	// began scanning in an older epoch rescans instead of becoming ready.
	epoch        uint64
	readyVersion uint64
	rr           int

	nextLockID  atomic.Uint64
	dropped     atomic.Uint64
	deleted     atomic.Bool
	warnLimiter *rate.Limiter
}

// NewDispatcher creates the dispatch point for a destination.
func NewDispatcher(opts Options, deps Deps) *Dispatcher {
	if deps.Scheduler == nil {
		deps.Scheduler = alarm.NewTimerScheduler()
	}
	if deps.Executor == nil {
		deps.Executor = goExecutor{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Dispatcher{
		opts:             opts,
		store:            deps.Store,
		sched:            deps.Scheduler,
		exec:             deps.Executor,
		router:           deps.Router,
		metrics:          deps.Metrics,
		tracer:           deps.Tracer,
		logger:           deps.Logger.With(slog.String("destination", opts.Name)),
		consumersMu:      orderedRWMutex{level: levelDispatcherConsumers},
		groups:           make(map[*OrderingContext]*KeyGroup),
		receiveAllowed:   opts.ReceiveAllowed,
		receiveExclusive: opts.ReceiveExclusive,
		readyMu:          orderedMutex{level: levelReady},
		warnLimiter:      rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Name returns the destination name.
func (d *Dispatcher) Name() string {
	return d.opts.Name
}

// Ordered reports whether the destination requires strict ordering.
func (d *Dispatcher) Ordered() bool {
	return d.opts.Ordered
}

// Attach creates a stopped consumer on the destination.
func (d *Dispatcher) Attach(opts ConsumerOptions) (*LocalConsumerPoint, error) {
	d.consumersMu.Lock()
	defer d.consumersMu.Unlock()

	id := uuid.New().String()
	if d.closedReason != types.ClosedNone {
		return nil, &SessionUnavailableError{Consumer: id, Reason: d.closedReason}
	}
	if d.receiveExclusive && len(d.consumers) > 0 {
		return nil, ErrExclusiveConsumer
	}

	key := newConsumerKey(id, opts.Selector, opts.Set)
	cursor, err := d.store.NewCursor(d.opts.Stream, key.selector)
	if err != nil {
		return nil, err
	}

	c := newLocalConsumerPoint(d, key, types.LockID(d.nextLockID.Add(1)), cursor, opts.Transacted)
	c.stoppedForReceiveAllowed = !d.receiveAllowed
	d.consumers = append(d.consumers, c)
	if opts.Set != nil {
		opts.Set.add(c)
	}

	d.logger.Debug("consumer attached",
		slog.String("consumer", id),
		slog.Uint64("lock_id", uint64(c.lockID)))
	return c, nil
}

// Consumers returns a snapshot of the attached consumers.
func (d *Dispatcher) Consumers() []*LocalConsumerPoint {
	d.consumersMu.RLock()
	defer d.consumersMu.RUnlock()
	return slices.Clone(d.consumers)
}

// detach removes a closing consumer from the dispatcher and its group.
func (d *Dispatcher) detach(c *LocalConsumerPoint) {
	d.consumersMu.Lock()
	defer d.consumersMu.Unlock()

	if i := slices.Index(d.consumers, c); i >= 0 {
		d.consumers = slices.Delete(d.consumers, i, i+1)
	}
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g != nil {
		d.leaveGroupLocked(c, g)
	}
	d.removeReady(c)
	if set := c.key.set; set != nil {
		set.removeMember(c)
	}
}

// Deliver offers a newly stored message to the ready consumers and reports
// whether one of them took it. A consumer configured for inline delivery
// may run its callback on the calling goroutine.
func (d *Dispatcher) Deliver(ctx context.Context, msg *types.Message) bool {
	var def deferred
	taken := d.offer(ctx, msg, true, &def)
	def.run()
	return taken
}

// redeliver offers a message released by a consumer. It never delivers
// inline.
func (d *Dispatcher) redeliver(ctx context.Context, msgs ...*types.Message) {
	var def deferred
	for _, msg := range msgs {
		d.offer(ctx, msg, false, &def)
	}
	def.run()
}

func (d *Dispatcher) offer(ctx context.Context, msg *types.Message, allowInline bool, def *deferred) bool {
	for {
		d.readyMu.Lock()
		version := d.readyVersion
		candidates := make([]dispatchTarget, 0, len(d.ready))
		if n := len(d.ready); n > 0 {
			start := d.rr % n
			d.rr++
			for i := range n {
				if t := d.ready[(start+i)%n]; t.matches(msg) {
					candidates = append(candidates, t)
				}
			}
		}
		d.readyMu.Unlock()

		for _, t := range candidates {
			switch t.attach(ctx, msg, allowInline, def) {
			case attachTaken:
				return true
			case attachLost:
				return false
			}
		}

		d.readyMu.Lock()
		if d.readyVersion == version {
			d.epoch++
			d.readyMu.Unlock()
			return false
		}
		d.readyMu.Unlock()
	}
}

func (d *Dispatcher) currentEpoch() uint64 {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	return d.epoch
}

// markReady adds t to the ready set unless a message was left unattached
// since epoch was read.
func (d *Dispatcher) markReady(t dispatchTarget, epoch uint64) bool {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()

	if d.epoch != epoch {
		return false
	}
	if !slices.Contains(d.ready, t) {
		d.ready = append(d.ready, t)
	}
	d.readyVersion++
	return true
}

func (d *Dispatcher) removeReady(t dispatchTarget) {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()

	if i := slices.Index(d.ready, t); i >= 0 {
		d.ready = slices.Delete(d.ready, i, i+1)
	}
}

// ReadyCount returns the number of entries in the ready set.
func (d *Dispatcher) ReadyCount() int {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	return len(d.ready)
}

// SetReceiveAllowed stops every consumer while receiving is disallowed and
// restarts those that were not stopped by request once it is allowed again.
func (d *Dispatcher) SetReceiveAllowed(ctx context.Context, allowed bool) {
	d.consumersMu.Lock()
	if d.receiveAllowed == allowed {
		d.consumersMu.Unlock()
		return
	}
	d.receiveAllowed = allowed
	consumers := slices.Clone(d.consumers)
	d.consumersMu.Unlock()

	d.logger.Info("receive allowed changed",
		slog.Bool("allowed", allowed),
		slog.Int("consumers", len(consumers)))
	for _, c := range consumers {
		c.setReceiveAllowed(ctx, allowed)
	}
}

// ReceiveAllowed reports whether consumers may receive.
func (d *Dispatcher) ReceiveAllowed() bool {
	d.consumersMu.RLock()
	defer d.consumersMu.RUnlock()
	return d.receiveAllowed
}

// SetReceiveExclusive changes the receive-exclusive attribute. Turning it on
// closes the attached consumers so only the next one to attach can receive.
func (d *Dispatcher) SetReceiveExclusive(ctx context.Context, exclusive bool) {
	d.consumersMu.Lock()
	d.receiveExclusive = exclusive
	var consumers []*LocalConsumerPoint
	if exclusive {
		consumers = slices.Clone(d.consumers)
	}
	d.consumersMu.Unlock()

	for _, c := range consumers {
		if err := c.closeWithReason(ctx, types.ClosedReceiveExclusive); err != nil {
			d.logger.Warn("failed to close consumer",
				slog.String("consumer", c.ID()),
				slog.String("error", err.Error()))
		}
	}
}

// CloseAllConsumers closes every consumer with reason. After a deletion no
// further consumer can attach.
func (d *Dispatcher) CloseAllConsumers(ctx context.Context, reason types.ClosedReason) {
	d.consumersMu.Lock()
	if reason == types.ClosedDeleted {
		d.closedReason = reason
		d.deleted.Store(true)
	}
	consumers := slices.Clone(d.consumers)
	d.consumersMu.Unlock()

	for _, c := range consumers {
		if err := c.closeWithReason(ctx, reason); err != nil {
			d.logger.Warn("failed to close consumer",
				slog.String("consumer", c.ID()),
				slog.String("reason", reason.String()),
				slog.String("error", err.Error()))
		}
	}
}

// submit hands task to the executor. Tasks are dropped once the
// destination is deleted or the executor refuses them, which it only does
// after shutdown.
func (d *Dispatcher) submit(task func()) {
	if d.deleted.Load() || !d.exec.Submit(task) {
		d.dropped.Add(1)
		d.logger.Debug("executor refused delivery task")
	}
}

// DroppedTasks returns the number of tasks the executor refused.
func (d *Dispatcher) DroppedTasks() uint64 {
	return d.dropped.Load()
}
