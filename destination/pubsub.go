// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// Subscription is a topic subscription with its own item stream and
// consumer manager.
type Subscription struct {
	name   string
	filter types.Filter
	stream string
	d      *consumer.Dispatcher
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.name
}

// Filter returns the filter publications must match.
func (s *Subscription) Filter() types.Filter {
	return s.filter
}

// ConsumerManager returns the subscription's consumer manager.
func (s *Subscription) ConsumerManager() *consumer.Dispatcher {
	return s.d
}

func subscriptionStream(topic, sub string) string {
	return topic + "::" + sub
}

// publishPoint fans publications out to matching subscriptions.
type publishPoint struct {
	h    *Handler
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ InputHandler = (*publishPoint)(nil)

func newPublishPoint(h *Handler) *publishPoint {
	return &publishPoint{h: h, subs: make(map[string]*Subscription)}
}

func (p *publishPoint) snapshot() []*Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Handle stores a copy of msg on every matching subscription. Without a
// caller transaction the copies are stored under a local one, so either
// every matching subscription gets the message or none does.
func (p *publishPoint) Handle(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	own := tx == nil
	if own {
		tx = p.h.deps.Txn.Begin()
	}

	matched := 0
	for _, s := range p.snapshot() {
		if !s.filter.Matches(msg) {
			continue
		}
		if err := p.h.enqueue(ctx, s.stream, s.d, msg, tx); err != nil {
			if own {
				if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
					p.h.logger.Warn("failed to roll back publication", slog.String("error", rerr.Error()))
				}
			}
			return fmt.Errorf("failed to publish to subscription %s: %w", s.name, err)
		}
		matched++
	}

	if matched == 0 {
		p.h.logger.Debug("publication matched no subscription", slog.String("routing_key", msg.RoutingKey))
	}
	if own {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit publication: %w", err)
		}
	}
	return nil
}

// Subscribe creates a subscription on a topic. A nil filter matches every
// publication.
func (h *Handler) Subscribe(ctx context.Context, name string, filter types.Filter) (*Subscription, error) {
	if h.pubsub == nil {
		return nil, fmt.Errorf("%w: %s is a %s", ErrProtocolMismatch, h.opts.Name, h.opts.Kind)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: subscription name cannot be empty", ErrInvalidOptions)
	}
	if err := h.checkNotDeleted(); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = types.MatchAll
	}

	p := h.pubsub
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionExists, name)
	}

	stream := subscriptionStream(h.opts.Name, name)
	if err := h.createStream(ctx, stream); err != nil {
		return nil, err
	}
	sub := &Subscription{
		name:   name,
		filter: filter,
		stream: stream,
		d:      h.newDispatcher(h.opts.Name+"/"+name, stream),
	}
	p.subs[name] = sub

	h.logger.Info("subscription created", slog.String("subscription", name))
	return sub, nil
}

// Unsubscribe closes a subscription's consumers and deletes its stream.
func (h *Handler) Unsubscribe(ctx context.Context, name string) error {
	if h.pubsub == nil {
		return fmt.Errorf("%w: %s is a %s", ErrProtocolMismatch, h.opts.Name, h.opts.Kind)
	}

	p := h.pubsub
	p.mu.Lock()
	sub, ok := p.subs[name]
	delete(p.subs, name)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}

	sub.d.CloseAllConsumers(ctx, types.ClosedDeleted)
	if err := h.deps.Store.DeleteStream(ctx, sub.stream); err != nil && !errors.Is(err, store.ErrStreamNotFound) {
		return fmt.Errorf("failed to delete subscription stream: %w", err)
	}
	h.logger.Info("subscription removed", slog.String("subscription", name))
	return nil
}

// Subscription returns a subscription by name.
func (h *Handler) Subscription(name string) (*Subscription, error) {
	if h.pubsub == nil {
		return nil, fmt.Errorf("%w: %s is a %s", ErrProtocolMismatch, h.opts.Name, h.opts.Kind)
	}
	h.pubsub.mu.RLock()
	defer h.pubsub.mu.RUnlock()
	sub, ok := h.pubsub.subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	return sub, nil
}

// Subscriptions returns the topic's subscriptions ordered by name.
func (h *Handler) Subscriptions() []*Subscription {
	if h.pubsub == nil {
		return nil
	}
	return h.pubsub.snapshot()
}
