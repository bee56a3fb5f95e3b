// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// Properties added to messages moved to an exception destination.
const (
	PropExceptionSource        = "exception.source"
	PropExceptionReason        = "exception.reason"
	PropExceptionDeliveryCount = "exception.delivery_count"

	reasonMaxFailedDeliveries = "max failed deliveries reached"
)

// exceptionRouter serves the consumer managers of one stream.
type exceptionRouter struct {
	h      *Handler
	stream string
}

var _ consumer.ExceptionRouter = (*exceptionRouter)(nil)

// RouteToException puts a copy of msg on the exception destination and
// removes the original in one transaction.
func (r *exceptionRouter) RouteToException(ctx context.Context, msg *types.Message, lockID types.LockID) (bool, error) {
	h := r.h
	name := h.opts.ExceptionDestination
	if name == "" || h.resolve == nil {
		return false, nil
	}
	target, err := h.resolve(name)
	if err != nil {
		return false, fmt.Errorf("failed to resolve exception destination %s: %w", name, err)
	}

	ex := msg.Clone()
	ex.DeliveryCount = 0
	if ex.Properties == nil {
		ex.Properties = make(map[string]string, 3)
	}
	ex.Properties[PropExceptionSource] = h.opts.Name
	ex.Properties[PropExceptionReason] = reasonMaxFailedDeliveries
	ex.Properties[PropExceptionDeliveryCount] = strconv.Itoa(msg.DeliveryCount)

	tx := h.deps.Txn.Begin()
	rollback := func(cause error) (bool, error) {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			h.logger.Warn("failed to roll back exception routing", slog.String("error", err.Error()))
		}
		return false, cause
	}

	if err := target.putException(ctx, ex, tx); err != nil {
		return rollback(fmt.Errorf("failed to put on %s: %w", name, err))
	}
	if err := h.deps.Store.Remove(ctx, r.stream, msg.Handle, lockID, tx); err != nil {
		return rollback(fmt.Errorf("failed to remove original: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit exception routing: %w", err)
	}

	h.logger.Info("message moved to exception destination",
		slog.String("exception_destination", name),
		slog.String("message_id", msg.ID),
		slog.Int("delivery_count", msg.DeliveryCount))
	return true, nil
}

// putException accepts a message routed from another destination. The
// send-allowed attribute and depth limit do not apply.
func (h *Handler) putException(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	if err := h.checkNotDeleted(); err != nil {
		return err
	}
	in, err := h.GetInputHandler(h.producerClass())
	if err != nil {
		return err
	}
	return in.Handle(ctx, msg, tx)
}
