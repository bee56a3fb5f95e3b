// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import "errors"

var (
	ErrDestinationNotFound    = errors.New("destination not found")
	ErrDestinationExists      = errors.New("destination already exists")
	ErrDestinationDeleted     = errors.New("destination deleted")
	ErrToBeDeleted            = errors.New("destination is being deleted")
	ErrSendNotAllowed         = errors.New("send not allowed on destination")
	ErrDestinationFull        = errors.New("destination reached its maximum depth")
	ErrInvalidMessage         = errors.New("invalid message")
	ErrInvalidOptions         = errors.New("invalid destination options")
	ErrProtocolMismatch       = errors.New("protocol class not supported by destination")
	ErrUnsupportedControl     = errors.New("control message not supported by handler")
	ErrNoOutputHandler        = errors.New("no output handler available")
	ErrNoConsumerManager      = errors.New("no consumer manager available")
	ErrSubscriptionExists     = errors.New("subscription already exists")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrReallocationInProgress = errors.New("reallocation or deletion in progress")
	ErrTransmitBufferFull     = errors.New("transmit buffer full")
	ErrRemoteUnavailable      = errors.New("remote messaging engine unavailable")
	ErrNoTransmitter          = errors.New("no transmitter configured")
)
