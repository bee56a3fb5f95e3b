// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"fmt"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
)

// ProtocolClass is the class of an inbound message stream.
type ProtocolClass int

const (
	// ClassUnicast carries point-to-point messages from producers.
	ClassUnicast ProtocolClass = iota
	// ClassPubSub carries publications fanned out to subscriptions.
	ClassPubSub
	// ClassAnycast carries messages transmitted by a remote engine to this
	// engine's queue point.
	ClassAnycast
)

func (c ProtocolClass) String() string {
	switch c {
	case ClassUnicast:
		return "unicast"
	case ClassPubSub:
		return "pubsub"
	case ClassAnycast:
		return "anycast"
	default:
		return "unknown"
	}
}

// InputHandler accepts inbound messages of one protocol class.
type InputHandler interface {
	Handle(ctx context.Context, msg *types.Message, tx *txn.Transaction) error
}

// ControlKind is the kind of a control message.
type ControlKind int

const (
	// ControlFlush transmits buffered messages. Engine selects one remote
	// engine; empty flushes all.
	ControlFlush ControlKind = iota
	// ControlReallocate moves messages buffered for unreachable engines.
	ControlReallocate
	// ControlSendAllowed sets the send-allowed attribute to Flag.
	ControlSendAllowed
	// ControlReceiveAllowed sets the receive-allowed attribute to Flag.
	ControlReceiveAllowed
	// ControlReceiveExclusive sets the receive-exclusive attribute to Flag.
	ControlReceiveExclusive
)

// ControlMessage changes destination state or drives its streams.
type ControlMessage struct {
	Kind   ControlKind
	Engine string
	Flag   bool
}

// ControlHandler handles control messages of one protocol class.
type ControlHandler interface {
	HandleControl(ctx context.Context, msg ControlMessage) error
}

// GetInputHandler returns the input handler for class.
func (h *Handler) GetInputHandler(class ProtocolClass) (InputHandler, error) {
	switch {
	case class == ClassUnicast && h.opts.Kind == KindQueue:
		return ptopInput{h: h}, nil
	case class == ClassPubSub && h.opts.Kind == KindTopic:
		return h.pubsub, nil
	case class == ClassAnycast && h.queue != nil:
		return anycastInput{h: h}, nil
	default:
		return nil, fmt.Errorf("%w: %s input on %s %s", ErrProtocolMismatch, class, h.opts.Kind, h.opts.Name)
	}
}

// GetControlHandler returns the control handler for class.
func (h *Handler) GetControlHandler(class ProtocolClass) (ControlHandler, error) {
	switch {
	case class == ClassUnicast && h.opts.Kind == KindQueue:
		return ptopControl{h: h}, nil
	case class == ClassPubSub && h.opts.Kind == KindTopic:
		return pubsubControl{h: h}, nil
	case class == ClassAnycast && h.queue != nil:
		return anycastControl{h: h}, nil
	default:
		return nil, fmt.Errorf("%w: %s control on %s %s", ErrProtocolMismatch, class, h.opts.Kind, h.opts.Name)
	}
}

type ptopInput struct {
	h *Handler
}

func (in ptopInput) Handle(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	out, err := in.h.ChoosePtoPOutputHandler("")
	if err != nil {
		return err
	}
	return out.Put(ctx, msg, tx)
}

// anycastInput stores transmitted messages on the local queue point only,
// so a message never travels between engines twice.
type anycastInput struct {
	h *Handler
}

func (in anycastInput) Handle(ctx context.Context, msg *types.Message, tx *txn.Transaction) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := in.h.checkNotDeleted(); err != nil {
		return err
	}
	return in.h.enqueue(ctx, in.h.opts.Name, in.h.queue, msg, tx)
}

type ptopControl struct {
	h *Handler
}

func (c ptopControl) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Kind {
	case ControlFlush:
		return c.h.FlushRemote(ctx, msg.Engine)
	case ControlReallocate:
		_, err := c.h.Reallocate(ctx)
		return err
	case ControlSendAllowed:
		c.h.SetSendAllowed(msg.Flag)
	case ControlReceiveAllowed:
		c.h.SetReceiveAllowed(ctx, msg.Flag)
	case ControlReceiveExclusive:
		c.h.SetReceiveExclusive(ctx, msg.Flag)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedControl, msg.Kind)
	}
	return nil
}

type pubsubControl struct {
	h *Handler
}

func (c pubsubControl) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Kind {
	case ControlSendAllowed:
		c.h.SetSendAllowed(msg.Flag)
	case ControlReceiveAllowed:
		c.h.SetReceiveAllowed(ctx, msg.Flag)
	default:
		return fmt.Errorf("%w: kind %d on a topic", ErrUnsupportedControl, msg.Kind)
	}
	return nil
}

// anycastControl serves remote engines consuming from the local queue
// point. They may only gate receiving.
type anycastControl struct {
	h *Handler
}

func (c anycastControl) HandleControl(ctx context.Context, msg ControlMessage) error {
	if msg.Kind != ControlReceiveAllowed {
		return fmt.Errorf("%w: kind %d on anycast", ErrUnsupportedControl, msg.Kind)
	}
	c.h.queue.SetReceiveAllowed(ctx, msg.Flag)
	return nil
}
