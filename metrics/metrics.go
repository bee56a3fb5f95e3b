// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics records dispatch activity through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const callbackDurationName = "dispatch.callback.duration.ms"

// Recorder receives dispatch events. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordPut(dest string)
	RecordDelivered(dest string, n int)
	RecordCompletion(dest string, committed bool)
	RecordExceptioned(dest string)
	RecordHidden(dest string, delta int)
	RecordActiveMessages(dest string, delta int)
	RecordSuspended(dest string, delta int)
	RecordCallbackDuration(dest string, d time.Duration)
	RecordTransmit(dest string, err error)
}

// Noop discards every event.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordPut(string)                             {}
func (Noop) RecordDelivered(string, int)                  {}
func (Noop) RecordCompletion(string, bool)                {}
func (Noop) RecordExceptioned(string)                     {}
func (Noop) RecordHidden(string, int)                     {}
func (Noop) RecordActiveMessages(string, int)             {}
func (Noop) RecordSuspended(string, int)                  {}
func (Noop) RecordCallbackDuration(string, time.Duration) {}
func (Noop) RecordTransmit(string, error)                 {}

// Metrics holds OpenTelemetry metric instruments for the dispatcher.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPut         metric.Int64Counter
	messagesDelivered   metric.Int64Counter
	messagesCommitted   metric.Int64Counter
	messagesRolledBack  metric.Int64Counter
	messagesExceptioned metric.Int64Counter
	transmits           metric.Int64Counter

	// UpDownCounters (Gauges)
	hiddenMessages     metric.Int64UpDownCounter
	activeMessages     metric.Int64UpDownCounter
	suspendedConsumers metric.Int64UpDownCounter

	// Histograms
	callbackDuration metric.Float64Histogram
}

var _ Recorder = (*Metrics)(nil)

// New creates a Metrics instance using the global meter provider.
func New() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxdispatch"),
	}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesPut, "dispatch.messages.put.total", "Messages put on destinations"},
		{&m.messagesDelivered, "dispatch.messages.delivered.total", "Messages handed to consumers"},
		{&m.messagesCommitted, "dispatch.messages.committed.total", "Message removals committed"},
		{&m.messagesRolledBack, "dispatch.messages.rolledback.total", "Message removals rolled back"},
		{&m.messagesExceptioned, "dispatch.messages.exceptioned.total", "Messages moved to exception destinations"},
		{&m.transmits, "dispatch.remote.transmits.total", "Remote transmit attempts by outcome"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.hiddenMessages, "dispatch.messages.hidden", "Messages hidden after failed deliveries"},
		{&m.activeMessages, "dispatch.messages.active", "Messages locked to consumers and not yet completed"},
		{&m.suspendedConsumers, "dispatch.consumers.suspended", "Consumers currently suspended"},
	}
	for _, g := range gauges {
		*g.dst, err = m.meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	m.callbackDuration, err = m.meter.Float64Histogram(
		callbackDurationName,
		metric.WithDescription("Consumer callback duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackDuration histogram: %w", err)
	}

	return m, nil
}

func destAttr(dest string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("destination", dest))
}

// RecordPut records a message put on a destination.
func (m *Metrics) RecordPut(dest string) {
	m.messagesPut.Add(context.Background(), 1, destAttr(dest))
}

// RecordDelivered records messages handed to a consumer.
func (m *Metrics) RecordDelivered(dest string, n int) {
	m.messagesDelivered.Add(context.Background(), int64(n), destAttr(dest))
}

// RecordCompletion records the outcome of a transactional removal.
func (m *Metrics) RecordCompletion(dest string, committed bool) {
	if committed {
		m.messagesCommitted.Add(context.Background(), 1, destAttr(dest))
		return
	}
	m.messagesRolledBack.Add(context.Background(), 1, destAttr(dest))
}

// RecordExceptioned records a message moved to an exception destination.
func (m *Metrics) RecordExceptioned(dest string) {
	m.messagesExceptioned.Add(context.Background(), 1, destAttr(dest))
}

// RecordHidden adjusts the hidden message gauge.
func (m *Metrics) RecordHidden(dest string, delta int) {
	m.hiddenMessages.Add(context.Background(), int64(delta), destAttr(dest))
}

// RecordActiveMessages adjusts the active message gauge.
func (m *Metrics) RecordActiveMessages(dest string, delta int) {
	m.activeMessages.Add(context.Background(), int64(delta), destAttr(dest))
}

// RecordSuspended adjusts the suspended consumer gauge.
func (m *Metrics) RecordSuspended(dest string, delta int) {
	m.suspendedConsumers.Add(context.Background(), int64(delta), destAttr(dest))
}

// RecordCallbackDuration records one consumer callback invocation.
func (m *Metrics) RecordCallbackDuration(dest string, d time.Duration) {
	m.callbackDuration.Record(context.Background(), float64(d.Microseconds())/1000.0, destAttr(dest))
}

// RecordTransmit records a remote transmit attempt.
func (m *Metrics) RecordTransmit(dest string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transmits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", dest),
		attribute.String("outcome", outcome),
	))
}
