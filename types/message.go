// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types holds the value types shared by the dispatch core.
package types

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Handle identifies a message within one item stream. Handles are assigned
// by the store in arrival order and are not reused while the store is open.
type Handle uint64

// LockID identifies the holder of a message lock. Every consumer point owns
// exactly one lock ID for its lifetime.
type LockID uint64

// NoLock is the zero lock ID; no consumer ever owns it.
const NoLock LockID = 0

// Message is a message stored on a destination.
type Message struct {
	ID         string
	Handle     Handle
	RoutingKey string
	Payload    []byte
	Properties map[string]string

	// DeliveryCount is the number of failed delivery attempts so far.
	DeliveryCount int
	Persistent    bool
	CreatedAt     time.Time
}

// NewMessage creates a message with a fresh ID.
func NewMessage(routingKey string, payload []byte) *Message {
	return &Message{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Payload:    payload,
		Properties: make(map[string]string),
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy of the message. Store implementations hand out
// clones so callers never share mutable state with the stream.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Properties != nil {
		c.Properties = maps.Clone(m.Properties)
	}
	return &c
}
