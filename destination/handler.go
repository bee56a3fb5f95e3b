// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package destination is the dispatch surface of a destination: it picks
// the output path for inbound messages (local queue point, remote transmit
// buffer or publish point), the consumer manager for attaching consumers,
// and runs the deletion protocol.
package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/alarm"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/metrics"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind is the messaging model of a destination.
type Kind int

const (
	// KindQueue is point-to-point: each message goes to one consumer.
	KindQueue Kind = iota
	// KindTopic is publish/subscribe: each subscription gets a copy.
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return config.DestinationQueue
	case KindTopic:
		return config.DestinationTopic
	default:
		return "unknown"
	}
}

// Options describe a destination.
type Options struct {
	Name    string
	Kind    Kind
	Ordered bool

	SendAllowed      bool
	ReceiveAllowed   bool
	ReceiveExclusive bool
	// MaxDepth refuses puts once the local queue point holds this many
	// messages. Zero means unlimited.
	MaxDepth int

	MaxFailedDeliveries  int
	ExceptionDestination string
	BlockWarningInterval time.Duration

	// RemoteEngines also host the queue. Messages for them are buffered and
	// transmitted.
	RemoteEngines []string
	// RemoteOnly queues have no local queue point.
	RemoteOnly bool
}

// Deps are the collaborators shared by every destination of an engine.
type Deps struct {
	Store     store.Store
	Txn       *txn.Manager
	Scheduler alarm.Scheduler
	Executor  consumer.Executor
	Metrics   metrics.Recorder
	// Tracer is nil when tracing is disabled.
	Tracer      trace.Tracer
	Transmitter Transmitter
	Remote      config.RemoteConfig
	Logger      *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Txn == nil {
		d.Txn = txn.NewManager(d.Logger)
	}
	if d.Scheduler == nil {
		d.Scheduler = alarm.NewTimerScheduler()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Transmitter == nil {
		d.Transmitter = noTransmitter{}
	}
	if d.Remote.LocalEngine == "" {
		d.Remote.LocalEngine = config.Default().Remote.LocalEngine
	}
	if d.Remote.TransmitBufferSize <= 0 {
		d.Remote.TransmitBufferSize = config.Default().Remote.TransmitBufferSize
	}
	if d.Remote.CircuitBreaker.FailureThreshold <= 0 {
		d.Remote.CircuitBreaker = config.Default().Remote.CircuitBreaker
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Handler is the dispatch surface of one destination.
type Handler struct {
	opts    Options
	deps    Deps
	resolve func(name string) (*Handler, error)
	logger  *slog.Logger

	// mu is the destination lock.
	mu          sync.Mutex
	sendAllowed bool
	toBeDeleted bool
	deleted     bool
	inflightN   int
	// drained is closed when the last transactional put completes. It is
	// created by a deletion that has to wait.
	drained chan struct{}

	// realloc is held exclusively while messages are reallocated or the
	// destination is deleted.
	realloc sync.Mutex

	// queue is the local queue point. Nil for topics and remote-only
	// queues.
	queue   *consumer.Dispatcher
	remotes []*RemoteOutputHandler
	rr      atomic.Uint64

	pubsub *publishPoint
}

func newHandler(ctx context.Context, opts Options, deps Deps, resolve func(string) (*Handler, error)) (*Handler, error) {
	if err := opts.validate(deps.Remote.LocalEngine); err != nil {
		return nil, err
	}

	h := &Handler{
		opts:        opts,
		deps:        deps,
		resolve:     resolve,
		logger:      deps.Logger.With(slog.String("destination", opts.Name)),
		sendAllowed: opts.SendAllowed,
	}

	switch opts.Kind {
	case KindQueue:
		if !opts.RemoteOnly {
			if err := h.createStream(ctx, opts.Name); err != nil {
				return nil, err
			}
			h.queue = h.newDispatcher(opts.Name, opts.Name)
		}
		engines := slices.Clone(opts.RemoteEngines)
		sort.Strings(engines)
		for _, engine := range slices.Compact(engines) {
			h.remotes = append(h.remotes, newRemoteOutputHandler(engine, opts.Name, deps, h.logger))
		}
	case KindTopic:
		h.pubsub = newPublishPoint(h)
	}

	h.logger.Info("destination created",
		slog.String("kind", opts.Kind.String()),
		slog.Bool("ordered", opts.Ordered),
		slog.Bool("local", h.queue != nil || h.pubsub != nil),
		slog.Int("remote_engines", len(h.remotes)))
	return h, nil
}

func (o Options) validate(localEngine string) error {
	if o.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidOptions)
	}
	if o.Kind != KindQueue && o.Kind != KindTopic {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOptions, o.Kind)
	}
	if o.ExceptionDestination == o.Name {
		return fmt.Errorf("%w: %s cannot be its own exception destination", ErrInvalidOptions, o.Name)
	}
	if o.MaxDepth < 0 || o.MaxFailedDeliveries < 0 {
		return fmt.Errorf("%w: limits cannot be negative", ErrInvalidOptions)
	}
	if o.Kind == KindTopic && (o.RemoteOnly || len(o.RemoteEngines) > 0) {
		return fmt.Errorf("%w: topics are only hosted locally", ErrInvalidOptions)
	}
	if o.RemoteOnly && len(o.RemoteEngines) == 0 {
		return fmt.Errorf("%w: remote only queue needs remote engines", ErrInvalidOptions)
	}
	if slices.Contains(o.RemoteEngines, localEngine) {
		return fmt.Errorf("%w: %s is the local engine", ErrInvalidOptions, localEngine)
	}
	return nil
}

func (h *Handler) createStream(ctx context.Context, stream string) error {
	err := h.deps.Store.CreateStream(ctx, stream)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStreamExists):
		// Reopened from a persistent store.
		h.logger.Debug("reusing existing stream", slog.String("stream", stream))
		return nil
	default:
		return fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
}

func (h *Handler) newDispatcher(name, stream string) *consumer.Dispatcher {
	return consumer.NewDispatcher(consumer.Options{
		Name:                 name,
		Stream:               stream,
		Ordered:              h.opts.Ordered,
		ReceiveAllowed:       h.opts.ReceiveAllowed,
		ReceiveExclusive:     h.opts.ReceiveExclusive,
		MaxFailedDeliveries:  h.opts.MaxFailedDeliveries,
		BlockWarningInterval: h.opts.BlockWarningInterval,
	}, consumer.Deps{
		Store:     h.deps.Store,
		Scheduler: h.deps.Scheduler,
		Executor:  h.deps.Executor,
		Router:    &exceptionRouter{h: h, stream: stream},
		Metrics:   h.deps.Metrics,
		Tracer:    h.deps.Tracer,
		Logger:    h.deps.Logger,
	})
}

// Name returns the destination name.
func (h *Handler) Name() string {
	return h.opts.Name
}

// Kind returns the destination kind.
func (h *Handler) Kind() Kind {
	return h.opts.Kind
}

// Options returns the options the destination was created with.
func (h *Handler) Options() Options {
	return h.opts
}

// Local reports whether this engine hosts a local queue point or publish
// point for the destination.
func (h *Handler) Local() bool {
	return h.queue != nil || h.pubsub != nil
}

// ToBeDeleted reports whether deletion has started.
func (h *Handler) ToBeDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toBeDeleted
}

// CheckCanAcceptMessage reports why msg cannot be put, or nil.
func (h *Handler) CheckCanAcceptMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := h.checkNotDeleted(); err != nil {
		return err
	}

	h.mu.Lock()
	allowed := h.sendAllowed
	h.mu.Unlock()
	if !allowed {
		return ErrSendNotAllowed
	}

	if h.opts.MaxDepth > 0 && h.queue != nil {
		stats, err := h.deps.Store.Stats(ctx, h.opts.Name)
		if err != nil {
			return fmt.Errorf("failed to read depth: %w", err)
		}
		if stats.Total() >= h.opts.MaxDepth {
			return ErrDestinationFull
		}
	}
	return nil
}

func (h *Handler) checkNotDeleted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.deleted:
		return ErrDestinationDeleted
	case h.toBeDeleted:
		return ErrToBeDeleted
	default:
		return nil
	}
}

// Put accepts a message from a producer. Under a transaction the message
// becomes visible to consumers when tx commits.
func (h *Handler) Put(ctx context.Context, msg *types.Message, tx *txn.Transaction) (err error) {
	var span trace.Span
	if h.deps.Tracer != nil {
		ctx, span = h.deps.Tracer.Start(ctx, "destination.put",
			trace.WithAttributes(
				attribute.String("destination", h.opts.Name),
				attribute.String("kind", h.opts.Kind.String()),
				attribute.Bool("transacted", tx != nil),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	if err := h.CheckCanAcceptMessage(ctx, msg); err != nil {
		return err
	}
	in, err := h.GetInputHandler(h.producerClass())
	if err != nil {
		return err
	}
	return in.Handle(ctx, msg, tx)
}

func (h *Handler) producerClass() ProtocolClass {
	if h.opts.Kind == KindTopic {
		return ClassPubSub
	}
	return ClassUnicast
}

// enqueue stores msg on a local stream and offers it to the stream's
// consumers, at once or when tx commits.
func (h *Handler) enqueue(ctx context.Context, stream string, d *consumer.Dispatcher, msg *types.Message, tx *txn.Transaction) error {
	if tx != nil {
		if err := h.beginTx(); err != nil {
			return err
		}
	}

	handle, err := h.deps.Store.Put(ctx, stream, msg, tx)
	if err != nil {
		if tx != nil {
			h.endTx()
		}
		return fmt.Errorf("failed to store message: %w", err)
	}
	h.deps.Metrics.RecordPut(h.opts.Name)

	stored := msg.Clone()
	stored.Handle = handle
	if tx == nil {
		d.Deliver(ctx, stored)
		return nil
	}

	err = tx.RegisterCallback(txn.CallbackFuncs{
		After: func(_ *txn.Transaction, committed bool) {
			defer h.endTx()
			if committed {
				d.Deliver(context.WithoutCancel(ctx), stored)
			}
		},
	})
	if err != nil {
		h.endTx()
		return fmt.Errorf("failed to register put callback: %w", err)
	}
	return nil
}

// beginTx counts a transactional put. Deletion waits for the count to drop
// to zero.
func (h *Handler) beginTx() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted {
		return ErrDestinationDeleted
	}
	if h.toBeDeleted {
		return ErrToBeDeleted
	}
	h.inflightN++
	return nil
}

func (h *Handler) endTx() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflightN--
	if h.inflightN == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// AttachOptions configure a consumer attachment.
type AttachOptions struct {
	consumer.ConsumerOptions
	// Subscription names the topic subscription to consume from.
	Subscription string
	// FixedEngine restricts consumption to one messaging engine.
	FixedEngine string
	// ScopedEngines restricts consumption to a set of messaging engines.
	ScopedEngines []string
}

// AttachConsumer attaches a stopped consumer to the destination.
func (h *Handler) AttachConsumer(opts AttachOptions) (*consumer.LocalConsumerPoint, error) {
	if err := h.checkNotDeleted(); err != nil {
		return nil, err
	}

	if h.opts.Kind == KindTopic {
		sub, err := h.Subscription(opts.Subscription)
		if err != nil {
			return nil, err
		}
		return sub.d.Attach(opts.ConsumerOptions)
	}

	d, err := h.ChooseConsumerManager(opts.FixedEngine, opts.ScopedEngines)
	if err != nil {
		return nil, err
	}
	return d.Attach(opts.ConsumerOptions)
}

// SetSendAllowed changes the send-allowed attribute.
func (h *Handler) SetSendAllowed(allowed bool) {
	h.mu.Lock()
	h.sendAllowed = allowed
	h.mu.Unlock()
	h.logger.Info("send allowed changed", slog.Bool("allowed", allowed))
}

// SetReceiveAllowed changes the receive-allowed attribute of every local
// consumer manager.
func (h *Handler) SetReceiveAllowed(ctx context.Context, allowed bool) {
	for _, d := range h.dispatchers() {
		d.SetReceiveAllowed(ctx, allowed)
	}
}

// SetReceiveExclusive changes the receive-exclusive attribute of every
// local consumer manager.
func (h *Handler) SetReceiveExclusive(ctx context.Context, exclusive bool) {
	for _, d := range h.dispatchers() {
		d.SetReceiveExclusive(ctx, exclusive)
	}
}

func (h *Handler) dispatchers() []*consumer.Dispatcher {
	if h.queue != nil {
		return []*consumer.Dispatcher{h.queue}
	}
	if h.pubsub != nil {
		subs := h.pubsub.snapshot()
		out := make([]*consumer.Dispatcher, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.d)
		}
		return out
	}
	return nil
}

// Stats describes a destination.
type Stats struct {
	// Depth is the number of messages held locally in any state.
	Depth         int
	Available     int
	Locked        int
	Buffered      map[string]int
	Subscriptions int
	// InflightTransactions counts uncompleted transactional puts.
	InflightTransactions int
}

// Stats returns a snapshot of the destination.
func (h *Handler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	h.mu.Lock()
	st.InflightTransactions = h.inflightN
	h.mu.Unlock()

	streams := []string{}
	if h.queue != nil {
		streams = append(streams, h.opts.Name)
	}
	if h.pubsub != nil {
		subs := h.pubsub.snapshot()
		st.Subscriptions = len(subs)
		for _, s := range subs {
			streams = append(streams, s.stream)
		}
	}
	for _, stream := range streams {
		s, err := h.deps.Store.Stats(ctx, stream)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to read stats of %s: %w", stream, err)
		}
		st.Depth += s.Total()
		st.Available += s.Available
		st.Locked += s.Locked
	}

	if len(h.remotes) > 0 {
		st.Buffered = make(map[string]int, len(h.remotes))
		for _, r := range h.remotes {
			st.Buffered[r.Engine()] = r.Buffered()
		}
	}
	return st, nil
}
