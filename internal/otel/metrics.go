package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all broker metrics instruments. The teacher's set
// (LLM call duration, tool call duration/errors, agent loop counters)
// named agent-runtime concepts the broker doesn't have; this set
// covers the broker's own hot paths instead: enqueue/stream request
// handling, task processing, dispatch assignment, and worker admission.
type Metrics struct {
	RequestDuration        metric.Float64Histogram
	TaskDuration           metric.Float64Histogram
	DispatchDuration       metric.Float64Histogram
	TaskRetries            metric.Int64Counter
	ActiveTasks            metric.Int64UpDownCounter
	StreamEventsTotal      metric.Int64Counter
	WorkerAdmissionRejects metric.Int64Counter
	RateLimitRejects       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("brokerd.request.duration",
		metric.WithDescription("Enqueue API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("brokerd.task.duration",
		metric.WithDescription("Task processing duration in seconds, from assignment to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("brokerd.dispatch.duration",
		metric.WithDescription("Time from task enqueue to worker assignment in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("brokerd.task.retries",
		metric.WithDescription("Total task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("brokerd.task.active",
		metric.WithDescription("Number of tasks currently assigned or processing"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsTotal, err = meter.Int64Counter("brokerd.stream.events",
		metric.WithDescription("Total events delivered over the event stream"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerAdmissionRejects, err = meter.Int64Counter("brokerd.worker.admission_rejects",
		metric.WithDescription("Worker handshake attempts rejected at the hub"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("brokerd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
