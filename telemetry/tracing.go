// OpenTelemetry spans around fragment claims and processing.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/fragkit/tasks"
)

// Span names.
const (
	SpanClaim   = "fragment.claim"
	SpanProcess = "fragment.process"
)

// Attribute keys.
const (
	AttrService  = attribute.Key("fragkit.service")
	AttrWorker   = attribute.Key("fragkit.worker")
	AttrTask     = attribute.Key("fragkit.task.id")
	AttrJob      = attribute.Key("fragkit.job.id")
	AttrFragment = attribute.Key("fragkit.fragment.id")
	AttrIndex    = attribute.Key("fragkit.fragment.index")
	AttrState    = attribute.Key("fragkit.fragment.state")
	AttrClaimed  = attribute.Key("fragkit.claimed")
	AttrAttempt  = attribute.Key("fragkit.attempt")
)

// Tracer wraps an OpenTelemetry tracer with scheduler helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global otel provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartClaimSpan starts a span covering one claim attempt.
func (t *Tracer) StartClaimSpan(ctx context.Context, service, workerID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanClaim, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		AttrService.String(service),
		AttrWorker.String(workerID),
	)
	return ctx, span
}

// EndClaimSpan ends a claim span. task is nil when nothing was claimed.
func (t *Tracer) EndClaimSpan(span trace.Span, task *tasks.Task, f tasks.Fragment) {
	claimed := task != nil
	span.SetAttributes(AttrClaimed.Bool(claimed))
	if claimed {
		span.SetAttributes(
			AttrTask.String(task.ID()),
			AttrJob.String(task.JobID()),
			AttrFragment.String(f.ID),
			AttrIndex.Int(f.Index),
			AttrState.String(string(f.State)),
		)
	}
	span.SetStatus(codes.Ok, "")
	span.End()
}

// StartProcessSpan starts a span covering the processing of a claimed
// fragment.
func (t *Tracer) StartProcessSpan(ctx context.Context, service string, task *tasks.Task, f tasks.Fragment, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanProcess, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		AttrService.String(service),
		AttrTask.String(task.ID()),
		AttrJob.String(task.JobID()),
		AttrFragment.String(f.ID),
		AttrIndex.Int(f.Index),
		AttrAttempt.Int(attempt),
	)
	return ctx, span
}

// EndFragmentSpan records the reported state and ends the span.
func (t *Tracer) EndFragmentSpan(span trace.Span, reported tasks.FragmentState, err error) {
	span.SetAttributes(AttrState.String(string(reported)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
