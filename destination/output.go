// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"fmt"
	"slices"

	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// OutputHandler is where a point-to-point message goes: the local queue
// point or the transmit buffer of a remote messaging engine.
type OutputHandler interface {
	// Engine names the messaging engine that hosts the output.
	Engine() string
	Put(ctx context.Context, msg *types.Message, tx *txn.Transaction) error
}

var (
	_ OutputHandler = (*queuePoint)(nil)
	_ OutputHandler = (*RemoteOutputHandler)(nil)
)

type queuePoint struct {
	h *Handler
}

func (q *queuePoint) Engine() string {
	return q.h.deps.Remote.LocalEngine
}

func (q *queuePoint) Put(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	return q.h.enqueue(ctx, q.h.opts.Name, q.h.queue, msg, tx)
}

// ChoosePtoPOutputHandler picks the output for a point-to-point message.
// A fixed engine selects that engine's output only. Otherwise the local
// queue point is preferred, then remote engines in turn, skipping those
// whose circuit is open while any other is available.
func (h *Handler) ChoosePtoPOutputHandler(fixedEngine string) (OutputHandler, error) {
	return h.chooseOutput(fixedEngine, nil)
}

func (h *Handler) chooseOutput(fixedEngine string, exclude *RemoteOutputHandler) (OutputHandler, error) {
	if h.opts.Kind != KindQueue {
		return nil, fmt.Errorf("%w: %s is a %s", ErrProtocolMismatch, h.opts.Name, h.opts.Kind)
	}

	if fixedEngine != "" {
		if fixedEngine == h.deps.Remote.LocalEngine && h.queue != nil {
			return &queuePoint{h: h}, nil
		}
		for _, r := range h.remotes {
			if r.Engine() == fixedEngine && r != exclude {
				return r, nil
			}
		}
		return nil, fmt.Errorf("%w: %s is not hosted on %s", ErrNoOutputHandler, h.opts.Name, fixedEngine)
	}

	if h.queue != nil {
		return &queuePoint{h: h}, nil
	}

	candidates := make([]*RemoteOutputHandler, 0, len(h.remotes))
	for _, r := range h.remotes {
		if r != exclude && r.Available() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		// Everything is unreachable: buffer until a circuit closes.
		for _, r := range h.remotes {
			if r != exclude {
				candidates = append(candidates, r)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOutputHandler, h.opts.Name)
	}
	return candidates[h.rr.Add(1)%uint64(len(candidates))], nil
}

// ChooseConsumerManager picks the consumer manager point-to-point consumers
// attach to, honoring a fixed engine or a set of scoped engines. Only the
// local queue point can serve consumers attached on this engine.
func (h *Handler) ChooseConsumerManager(fixedEngine string, scopedEngines []string) (*consumer.Dispatcher, error) {
	if h.opts.Kind != KindQueue {
		return nil, fmt.Errorf("%w: %s is a %s", ErrProtocolMismatch, h.opts.Name, h.opts.Kind)
	}
	local := h.deps.Remote.LocalEngine
	if h.queue == nil {
		return nil, fmt.Errorf("%w: %s has no queue point on %s", ErrNoConsumerManager, h.opts.Name, local)
	}
	if fixedEngine != "" && fixedEngine != local {
		return nil, fmt.Errorf("%w: consumption is fixed to %s", ErrNoConsumerManager, fixedEngine)
	}
	if len(scopedEngines) > 0 && !slices.Contains(scopedEngines, local) {
		return nil, fmt.Errorf("%w: %s is outside the consumer scope", ErrNoConsumerManager, local)
	}
	return h.queue, nil
}

// QueuePoint returns the local queue point's consumer manager, or nil.
func (h *Handler) QueuePoint() *consumer.Dispatcher {
	return h.queue
}

// Remote returns the output handler for a remote engine.
func (h *Handler) Remote(engine string) (*RemoteOutputHandler, bool) {
	for _, r := range h.remotes {
		if r.Engine() == engine {
			return r, true
		}
	}
	return nil, false
}
