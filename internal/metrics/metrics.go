// Package metrics records relay activity as OpenTelemetry instruments.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "update-relay"

// Metrics holds the relay's metric instruments.
type Metrics struct {
	sessionsActive  metric.Int64UpDownCounter
	sessionsTotal   metric.Int64Counter
	published       metric.Int64Counter
	publishErrors   metric.Int64Counter
	channelMessages metric.Int64Counter
	delivered       metric.Int64Counter
	dropped         metric.Int64Counter
	rateLimited     metric.Int64Counter
	publishDuration metric.Float64Histogram
}

// New creates instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.sessionsActive, err = meter.Int64UpDownCounter(
		"relay.sessions.active",
		metric.WithDescription("Currently registered sessions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive counter: %w", err)
	}

	if m.sessionsTotal, err = meter.Int64Counter(
		"relay.sessions.total",
		metric.WithDescription("Total sessions opened"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessionsTotal counter: %w", err)
	}

	if m.published, err = meter.Int64Counter(
		"relay.messages.published.total",
		metric.WithDescription("Session messages republished on the shared channel"),
	); err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	if m.publishErrors, err = meter.Int64Counter(
		"relay.publish.errors.total",
		metric.WithDescription("Publish attempts that failed after retries"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publishErrors counter: %w", err)
	}

	if m.channelMessages, err = meter.Int64Counter(
		"relay.channel.messages.total",
		metric.WithDescription("Messages received from the shared channel"),
	); err != nil {
		return nil, fmt.Errorf("failed to create channelMessages counter: %w", err)
	}

	if m.delivered, err = meter.Int64Counter(
		"relay.messages.delivered.total",
		metric.WithDescription("Messages queued to sessions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	if m.dropped, err = meter.Int64Counter(
		"relay.sessions.dropped.total",
		metric.WithDescription("Sessions dropped because delivery failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	if m.rateLimited, err = meter.Int64Counter(
		"relay.frames.rate_limited.total",
		metric.WithDescription("Inbound frames delayed by the session rate limit"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rateLimited counter: %w", err)
	}

	if m.publishDuration, err = meter.Float64Histogram(
		"relay.publish.duration",
		metric.WithDescription("Publish latency including retries"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// SessionOpened records a registered session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.sessionsActive.Add(ctx, 1)
	m.sessionsTotal.Add(ctx, 1)
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

// Published records a successful publish.
func (m *Metrics) Published(d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.published.Add(ctx, 1)
	m.publishDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// PublishFailed records a publish that gave up.
func (m *Metrics) PublishFailed(d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishErrors.Add(ctx, 1)
	m.publishDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// ChannelMessage records a message arriving from the shared channel.
func (m *Metrics) ChannelMessage() {
	if m == nil {
		return
	}
	m.channelMessages.Add(context.Background(), 1)
}

// Delivered records n sessions receiving one message.
func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(context.Background(), int64(n))
}

// Dropped records a session removed after a failed delivery.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RateLimited records an inbound frame that had to wait for its session's limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Add(context.Background(), 1)
}
