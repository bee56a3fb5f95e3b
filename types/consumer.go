// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "strings"

// ClosedReason records why a consumer key was closed.
type ClosedReason int

const (
	ClosedNone ClosedReason = iota
	ClosedDeleted
	ClosedReceiveExclusive
	ClosedUnreachable
)

func (r ClosedReason) String() string {
	switch r {
	case ClosedNone:
		return "none"
	case ClosedDeleted:
		return "destination deleted"
	case ClosedReceiveExclusive:
		return "receive exclusive"
	case ClosedUnreachable:
		return "messaging engine unreachable"
	default:
		return "unknown"
	}
}

// SuspendFlag is one independently settable reason for a consumer being
// suspended. A consumer is suspended while any flag is set.
type SuspendFlag uint8

const (
	// SuspendActiveMsgs is set when the consumer reached its own active
	// message limit.
	SuspendActiveMsgs SuspendFlag = 1 << iota
	// SuspendSetActiveMsgs is set when the owning consumer set reached its
	// shared limit.
	SuspendSetActiveMsgs
	// SuspendRetryTimer is set while a blocked-retry timer is pending.
	SuspendRetryTimer
	// SuspendMaxHiddenMsgs is set when too many messages are hidden.
	SuspendMaxHiddenMsgs
	// SuspendTranActive is set while an ordered transaction is uncompleted.
	SuspendTranActive
)

func (f SuspendFlag) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{}
	for _, n := range []struct {
		flag SuspendFlag
		name string
	}{
		{SuspendActiveMsgs, "active_msgs"},
		{SuspendSetActiveMsgs, "set_active_msgs"},
		{SuspendRetryTimer, "retry_timer"},
		{SuspendMaxHiddenMsgs, "max_hidden_msgs"},
		{SuspendTranActive, "tran_active"},
	} {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
