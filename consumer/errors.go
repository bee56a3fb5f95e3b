// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxdispatch/types"
)

var (
	ErrAsynchConsumerRegistered = errors.New("an asynchronous consumer is registered")
	ErrReceiveInProgress        = errors.New("a receive is already in progress")
	ErrNotStopped               = errors.New("consumer is not stopped")
	ErrOrderedTransactionActive = errors.New("another transaction is active on the ordered destination")
	ErrMessageNotLocked         = errors.New("message is not locked by this consumer")
	ErrExclusiveConsumer        = errors.New("receive exclusive destination already has a consumer")
)

// Session-unavailable reasons. A *SessionUnavailableError matches
// ErrSessionUnavailable and exactly one of the reason errors.
var (
	ErrSessionUnavailable = errors.New("consumer session unavailable")
	ErrSessionClosed      = errors.New("consumer session closed")
	ErrDestinationDeleted = errors.New("destination deleted")
	ErrReceiveExclusive   = errors.New("destination became receive exclusive")
	ErrUnreachable        = errors.New("messaging engine unreachable")
)

// SessionUnavailableError reports why a consumer session can no longer be
// used.
type SessionUnavailableError struct {
	Consumer string
	Reason   types.ClosedReason
}

func (e *SessionUnavailableError) Error() string {
	return fmt.Sprintf("consumer %s: %s: %s", e.Consumer, ErrSessionUnavailable, e.Unwrap())
}

func (e *SessionUnavailableError) Unwrap() error {
	switch e.Reason {
	case types.ClosedDeleted:
		return ErrDestinationDeleted
	case types.ClosedReceiveExclusive:
		return ErrReceiveExclusive
	case types.ClosedUnreachable:
		return ErrUnreachable
	default:
		return ErrSessionClosed
	}
}

func (e *SessionUnavailableError) Is(target error) bool {
	return target == ErrSessionUnavailable
}
