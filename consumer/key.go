// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"github.com/absmach/fluxdispatch/types"
)

// ConsumerKey identifies one consumer's attachment to a dispatcher. It
// forwards active message accounting to the consumer's ConsumerSet, if any.
type ConsumerKey struct {
	id       string
	selector types.Filter
	set      *ConsumerSet
	lcp      *LocalConsumerPoint

	// closedReason is guarded by the consumer's state lock.
	closedReason types.ClosedReason
}

func newConsumerKey(id string, selector types.Filter, set *ConsumerSet) *ConsumerKey {
	if selector == nil {
		selector = types.MatchAll
	}
	return &ConsumerKey{id: id, selector: selector, set: set}
}

// ID returns the consumer identifier.
func (k *ConsumerKey) ID() string {
	return k.id
}

// Selector returns the filter the consumer registered with.
func (k *ConsumerKey) Selector() types.Filter {
	return k.selector
}

// ConsumerSet returns the set the consumer belongs to, or nil.
func (k *ConsumerKey) ConsumerSet() *ConsumerSet {
	return k.set
}

// ClosedReason returns why the consumer was closed.
func (k *ConsumerKey) ClosedReason() types.ClosedReason {
	k.lcp.mu.Lock()
	defer k.lcp.mu.Unlock()
	return k.closedReason
}

func (k *ConsumerKey) matches(msg *types.Message) bool {
	return k.selector.Matches(msg)
}
