package supervisor

import (
	"context"

	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/loqalabs/loqa-piper/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	dispatches metric.Int64Counter
	retries    metric.Int64Counter
	restarts   metric.Int64Counter
	timeouts   metric.Int64Counter
	failures   metric.Int64Counter
}

func newMetrics(meter metric.Meter, q *queue) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-piper/supervisor")
	}
	dispatches, err := meter.Int64Counter("loqa.piper.dispatches", metric.WithDescription("Requests sent to the worker"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("loqa.piper.retries", metric.WithDescription("Tasks re-sent after a worker failure"))
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter("loqa.piper.restarts", metric.WithDescription("Workers discarded"))
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64Counter("loqa.piper.timeouts", metric.WithDescription("Stall windows that expired"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("loqa.piper.task_failures", metric.WithDescription("Tasks that ended in an error"))
	if err != nil {
		return nil, err
	}
	depth, err := meter.Int64ObservableGauge("loqa.piper.queue_depth", metric.WithDescription("Tasks waiting for the worker"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(q.len()))
		return nil
	}, depth)
	if err != nil {
		return nil, err
	}
	return &metrics{
		dispatches: dispatches,
		retries:    retries,
		restarts:   restarts,
		timeouts:   timeouts,
		failures:   failures,
	}, nil
}

func (m *metrics) dispatched(kind worker.Kind) {
	if m == nil {
		return
	}
	m.dispatches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1)
}

func (m *metrics) restarted(reason string) {
	if m == nil {
		return
	}
	m.restarts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) timedOut() {
	if m == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1)
}

func (m *metrics) failed(kind faults.Kind) {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
