// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxdispatch/store"
	"github.com/absmach/fluxdispatch/types"
)

// Delete removes the destination. It marks the destination to be deleted so
// no new puts or consumers are accepted, waits for transactional puts to
// complete, flushes the transmit buffers and only then closes the consumers
// and deletes the streams.
//
// If a flush fails the destination stays marked and Delete may be retried.
// With force set, messages that could not be transmitted are discarded.
func (h *Handler) Delete(ctx context.Context, force bool) error {
	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return ErrDestinationDeleted
	}
	first := !h.toBeDeleted
	h.toBeDeleted = true
	h.mu.Unlock()
	if first {
		h.logger.Info("destination marked for deletion")
	}

	h.realloc.Lock()
	defer h.realloc.Unlock()

	h.mu.Lock()
	deleted := h.deleted
	h.mu.Unlock()
	if deleted {
		return ErrDestinationDeleted
	}

	if err := h.drainTransactions(ctx); err != nil {
		return err
	}
	if err := h.flushForDelete(ctx, force); err != nil {
		return err
	}

	for _, d := range h.dispatchers() {
		d.CloseAllConsumers(ctx, types.ClosedDeleted)
	}
	for _, stream := range h.streams() {
		if err := h.deps.Store.DeleteStream(ctx, stream); err != nil && !errors.Is(err, store.ErrStreamNotFound) {
			return fmt.Errorf("failed to delete stream %s: %w", stream, err)
		}
	}

	h.mu.Lock()
	h.deleted = true
	h.mu.Unlock()
	h.logger.Info("destination deleted")
	return nil
}

func (h *Handler) drainTransactions(ctx context.Context) error {
	h.mu.Lock()
	if h.inflightN == 0 {
		h.mu.Unlock()
		return nil
	}
	if h.drained == nil {
		h.drained = make(chan struct{})
	}
	drained := h.drained
	h.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transactional puts still in flight: %w", ctx.Err())
	}
}

func (h *Handler) flushForDelete(ctx context.Context, force bool) error {
	if len(h.remotes) == 0 {
		return nil
	}

	timeout := h.deps.Remote.FlushTimeout
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := h.FlushRemote(fctx, "")
	if err == nil {
		return nil
	}
	if !force {
		return fmt.Errorf("failed to flush transmit buffers: %w", err)
	}

	for _, r := range h.remotes {
		if dropped := len(r.drain()); dropped > 0 {
			h.logger.Warn("discarding untransmitted messages",
				slog.String("remote_engine", r.Engine()),
				slog.Int("messages", dropped),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (h *Handler) streams() []string {
	var out []string
	if h.queue != nil {
		out = append(out, h.opts.Name)
	}
	for _, s := range h.Subscriptions() {
		out = append(out, s.stream)
	}
	return out
}
