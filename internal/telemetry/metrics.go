package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the pcbridge instruments.
type Metrics struct {
	TasksEnqueued   metric.Int64Counter
	TasksEvicted    metric.Int64Counter
	TasksClaimed    metric.Int64Counter
	TasksDelivered  metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	LLMCallDuration metric.Float64Histogram
	LLMRateLimited  metric.Int64Counter
	MessagesRouted  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksEnqueued, err = meter.Int64Counter("pcbridge.queue.enqueued",
		metric.WithDescription("Tasks added to the queue"),
	); err != nil {
		return nil, err
	}
	if m.TasksEvicted, err = meter.Int64Counter("pcbridge.queue.evicted",
		metric.WithDescription("Tasks dropped because the queue was full"),
	); err != nil {
		return nil, err
	}
	if m.TasksClaimed, err = meter.Int64Counter("pcbridge.queue.claimed",
		metric.WithDescription("Tasks claimed by an agent"),
	); err != nil {
		return nil, err
	}
	if m.TasksDelivered, err = meter.Int64Counter("pcbridge.queue.delivered",
		metric.WithDescription("Task results delivered to chat"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("pcbridge.agent.task.duration",
		metric.WithDescription("Agent task execution time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("pcbridge.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMRateLimited, err = meter.Int64Counter("pcbridge.llm.rate_limited",
		metric.WithDescription("LLM responses with HTTP 429"),
	); err != nil {
		return nil, err
	}
	if m.MessagesRouted, err = meter.Int64Counter("pcbridge.router.messages",
		metric.WithDescription("Inbound chat messages by outcome"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Components fall back
// to it when no Metrics is supplied.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}
