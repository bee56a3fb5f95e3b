// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/types"
	"golang.org/x/sync/errgroup"
)

// Manager creates, looks up and deletes the destinations of an engine.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu    sync.RWMutex
	dests map[string]*Handler
}

// NewManager creates a destination manager.
func NewManager(deps Deps) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		deps:   deps,
		logger: deps.Logger,
		dests:  make(map[string]*Handler),
	}
}

// LocalEngine returns the name of this messaging engine.
func (m *Manager) LocalEngine() string {
	return m.deps.Remote.LocalEngine
}

// Create creates a destination.
func (m *Manager) Create(ctx context.Context, opts Options) (*Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dests[opts.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, opts.Name)
	}
	h, err := newHandler(ctx, opts, m.deps, m.Get)
	if err != nil {
		return nil, err
	}
	m.dests[opts.Name] = h
	return h, nil
}

// Get returns a destination by name.
func (m *Manager) Get(name string) (*Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.dests[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationNotFound, name)
	}
	return h, nil
}

// List returns the destination names in order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.dests))
	for name := range m.dests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete runs the deletion protocol of a destination and forgets it.
// Destinations naming it as their exception destination lose exception
// routing.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	h, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := h.Delete(ctx, force); err != nil {
		return err
	}

	m.mu.Lock()
	if m.dests[name] == h {
		delete(m.dests, name)
	}
	m.mu.Unlock()
	return nil
}

// FlushRemotes flushes the transmit buffers of every destination.
func (m *Manager) FlushRemotes(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.handlers() {
		if len(h.remotes) == 0 {
			continue
		}
		g.Go(func() error {
			return h.FlushRemote(ctx, "")
		})
	}
	return g.Wait()
}

// Reallocate reallocates the messages buffered for unreachable engines on
// every destination and returns the number moved.
func (m *Manager) Reallocate(ctx context.Context) (int, error) {
	var (
		moved int
		errs  []error
	)
	for _, h := range m.handlers() {
		if len(h.remotes) == 0 {
			continue
		}
		n, err := h.Reallocate(ctx)
		moved += n
		if err != nil && !errors.Is(err, ErrReallocationInProgress) {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return moved, errors.Join(errs...)
}

// Close closes every consumer as the engine becomes unreachable and makes
// a last attempt to transmit buffered messages.
func (m *Manager) Close(ctx context.Context) error {
	for _, h := range m.handlers() {
		for _, d := range h.dispatchers() {
			d.CloseAllConsumers(ctx, types.ClosedUnreachable)
		}
	}
	if err := m.FlushRemotes(ctx); err != nil {
		m.logger.Warn("failed to flush transmit buffers on close", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (m *Manager) handlers() []*Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Handler, 0, len(m.dests))
	for _, h := range m.dests {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handler) int {
		return strings.Compare(a.opts.Name, b.opts.Name)
	})
	return out
}

// OptionsFromConfig builds destination options from a declared destination
// and the dispatch defaults.
func OptionsFromConfig(dc config.DestinationConfig, dispatch config.DispatchConfig) Options {
	kind := KindQueue
	if dc.Type == config.DestinationTopic {
		kind = KindTopic
	}
	maxFailed := dispatch.MaxFailedDeliveries
	if dc.MaxFailedDeliveries > 0 {
		maxFailed = dc.MaxFailedDeliveries
	}
	return Options{
		Name:                 dc.Name,
		Kind:                 kind,
		Ordered:              dc.Ordered,
		SendAllowed:          dc.IsSendAllowed(),
		ReceiveAllowed:       dc.IsReceiveAllowed(),
		ReceiveExclusive:     dc.ReceiveExclusive,
		MaxDepth:             dc.MaxDepth,
		MaxFailedDeliveries:  maxFailed,
		ExceptionDestination: dc.ExceptionDestination,
		BlockWarningInterval: dispatch.BlockWarningInterval,
		RemoteEngines:        slices.Clone(dc.RemoteEngines),
		RemoteOnly:           dc.RemoteOnly,
	}
}
