package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/theapemachine/memcube"

type opStats struct {
	success     int64
	failure     int64
	totalTimeMs float64
}

/*
OperationMetrics records the outcome and latency of memory operations. The
instruments feed whatever MeterProvider is installed; the local counters back
the JSON snapshot served on /metrics.
*/
type OperationMetrics struct {
	mu sync.RWMutex

	operations    metric.Int64Counter
	duration      metric.Float64Histogram
	compensations metric.Int64Counter

	stats         map[string]*opStats
	compensated   map[string]int64
	queueDepth    int64
	tasksFinished map[string]int64
}

/*
NewOperationMetrics creates the instruments on meter, or on the global meter
provider when meter is nil.
*/
func NewOperationMetrics(meter metric.Meter) (*OperationMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &OperationMetrics{
		stats:         make(map[string]*opStats),
		compensated:   make(map[string]int64),
		tasksFinished: make(map[string]int64),
	}

	var err error

	if m.operations, err = meter.Int64Counter(
		"memcube.operations",
		metric.WithDescription("Memory operations by name and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}

	if m.duration, err = meter.Float64Histogram(
		"memcube.operation.duration",
		metric.WithDescription("Memory operation latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	if m.compensations, err = meter.Int64Counter(
		"memcube.compensations",
		metric.WithDescription("Rollbacks performed after a partial dual-store write"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create compensation counter: %w", err)
	}

	return m, nil
}

// RecordOperation records one finished operation.
func (m *OperationMetrics) RecordOperation(ctx context.Context, op string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}

	outcome := "success"
	if failed {
		outcome = "failure"
	}

	ms := float64(elapsed) / float64(time.Millisecond)
	attrs := metric.WithAttributes(attribute.String("operation", op), attribute.String("outcome", outcome))

	m.operations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, ms, attrs)

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[op]
	if !ok {
		stats = &opStats{}
		m.stats[op] = stats
	}

	if failed {
		stats.failure++
	} else {
		stats.success++
	}

	stats.totalTimeMs += ms
}

// RecordCompensation records a rollback performed by op.
func (m *OperationMetrics) RecordCompensation(ctx context.Context, op string) {
	if m == nil {
		return
	}

	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))

	m.mu.Lock()
	m.compensated[op]++
	m.mu.Unlock()
}

// RecordQueueDepth tracks the number of queued asynchronous tasks.
func (m *OperationMetrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.queueDepth = int64(depth)
	m.mu.Unlock()
}

// RecordTask counts a task reaching a terminal status.
func (m *OperationMetrics) RecordTask(status string) {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.tasksFinished[status]++
	m.mu.Unlock()
}

// GetMetrics returns a snapshot of the current metrics
func (m *OperationMetrics) GetMetrics() map[string]any {
	if m == nil {
		return map[string]any{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	operations := make(map[string]any, len(m.stats))

	for op, stats := range m.stats {
		total := stats.success + stats.failure
		avg := 0.0

		if total > 0 {
			avg = stats.totalTimeMs / float64(total)
		}

		operations[op] = map[string]any{
			"success":        stats.success,
			"failure":        stats.failure,
			"avg_latency_ms": avg,
		}
	}

	compensations := make(map[string]int64, len(m.compensated))
	for op, n := range m.compensated {
		compensations[op] = n
	}

	tasks := make(map[string]int64, len(m.tasksFinished))
	for status, n := range m.tasksFinished {
		tasks[status] = n
	}

	return map[string]any{
		"operations":    operations,
		"compensations": compensations,
		"queue_depth":   m.queueDepth,
		"tasks":         tasks,
	}
}
