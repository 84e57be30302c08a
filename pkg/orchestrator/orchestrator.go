/*
Package orchestrator keeps the graph and vector stores consistent. Every
write is a small saga: forward steps run in a fixed order and a failure after
the first store write runs the matching compensation before the error is
returned. Mutations of one memory id are serialized; reads never lock.
*/
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/memcube/pkg/audit"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEmbedTimeout = 10 * time.Second
	DefaultStoreTimeout = 5 * time.Second
)

/*
Orchestrator composes the capabilities into the memory operations. All
dependencies are injected; nothing is looked up globally.
*/
type Orchestrator struct {
	graph    memory.GraphStore
	vectors  memory.VectorStore
	embedder memory.Embedder
	audit    audit.Log

	locks        *keyedMutex
	embedTimeout time.Duration
	storeTimeout time.Duration
	metrics      *metrics.OperationMetrics
	tracer       trace.Tracer
	newID        func() string
}

type OrchestratorOption func(*Orchestrator)

func New(
	graph memory.GraphStore,
	vectors memory.VectorStore,
	embedder memory.Embedder,
	auditLog audit.Log,
	options ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		graph:        graph,
		vectors:      vectors,
		embedder:     embedder,
		audit:        auditLog,
		locks:        newKeyedMutex(),
		embedTimeout: DefaultEmbedTimeout,
		storeTimeout: DefaultStoreTimeout,
		tracer:       otel.Tracer("github.com/theapemachine/memcube/orchestrator"),
		newID:        uuid.NewString,
	}

	for _, option := range options {
		option(o)
	}

	return o
}

// WithTimeouts bounds the embedding call and each store call.
func WithTimeouts(embed, store time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if embed > 0 {
			o.embedTimeout = embed
		}

		if store > 0 {
			o.storeTimeout = store
		}
	}
}

func WithMetrics(m *metrics.OperationMetrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithIDGenerator replaces the uuid generator, mostly for tests.
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// Metrics exposes the recorder shared with the scheduler and HTTP layer.
func (o *Orchestrator) Metrics() *metrics.OperationMetrics {
	return o.metrics
}

/*
begin opens a span and returns the function that closes it and records the
operation's outcome.
*/
func (o *Orchestrator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "memory."+op, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, memerr.KindOf(err).String())
		}

		span.End()
		o.metrics.RecordOperation(ctx, op, err != nil, time.Since(start))
	}
}

/*
record appends the audit event for a finished operation. The event is
written even if the caller has gone away. When the operation succeeded but
the audit append failed, the caller gets an internal error: the change is
applied but must not be acknowledged as audited.
*/
func (o *Orchestrator) record(ctx context.Context, event audit.Event, opErr error) error {
	event.Outcome = audit.OutcomeSuccess

	if opErr != nil {
		event.Outcome = audit.OutcomeFailure
		event.Detail = strings.TrimPrefix(event.Detail+"; "+opErr.Error(), "; ")
	}

	if _, err := o.audit.Append(context.WithoutCancel(ctx), event); err != nil {
		log.Error(
			"audit append failed",
			"action", event.Action, "memory_id", event.MemoryID, "user_id", event.UserID, "error", err,
		)

		if opErr == nil {
			return memerr.ErrInternal.WithMessagef("operation applied but audit append failed").Wrap(err)
		}
	}

	return opErr
}

/*
embed calls the embedding gateway under its own timeout. Any failure,
including a timeout, is an upstream error.
*/
func (o *Orchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.embedTimeout)
	defer cancel()

	vector, err := o.embedder.Embed(ctx, text)

	if err != nil {
		return nil, upstream(err, "embedding")
	}

	if len(vector) == 0 {
		return nil, memerr.ErrUpstream.WithMessagef("embedding returned an empty vector")
	}

	return vector, nil
}

// storeCall runs fn under the per call store timeout.
func storeCall[T any](ctx context.Context, o *Orchestrator, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		return out, upstream(err, op)
	}

	return out, nil
}

func (o *Orchestrator) storeExec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := storeCall(ctx, o, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// upstream keeps classified errors and turns everything else into UpstreamError.
func upstream(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		if merr, ok := memerr.As(err); ok && merr.Kind == memerr.KindUpstream {
			return err
		}
		return memerr.ErrUpstream.WithMessagef("%s timed out", op).Wrap(err)
	}

	return memerr.Upstream(err, "%s failed", op)
}
