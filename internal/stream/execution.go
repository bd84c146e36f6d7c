package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dynoinc/billstream/internal/otel/semconv"
)

var tracer = otel.Tracer("github.com/dynoinc/billstream/internal/stream")

type Executor struct {
	cfg           Config
	pricer        Pricer
	continuations []Continuation
}

func NewExecutor(cfg Config, pricer Pricer, continuations ...Continuation) *Executor {
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 30 * time.Second
	}
	return &Executor{cfg: cfg, pricer: pricer, continuations: continuations}
}

// Execution is one attempt. Events may be ranged over once; the attempt
// resolves when that range reaches a terminal event, when the consumer stops
// early, or when Cancel is called.
type Execution struct {
	exec   *Executor
	call   Call
	open   OpenFunc
	start  time.Time
	future *Future

	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	span   trace.Span

	started atomic.Bool
}

func (x *Executor) Execute(ctx context.Context, call Call, open OpenFunc) *Execution {
	if call.InvocationID == "" {
		call.InvocationID = uuid.NewString()
	}

	spanCtx, span := tracer.Start(ctx, "stream.attempt", trace.WithAttributes(
		semconv.OwnerIDKey.String(call.OwnerID),
		semconv.RunIDKey.String(call.RunID),
		semconv.AttemptKey.Int(call.Attempt),
		semconv.InvocationIDKey.String(call.InvocationID),
		attribute.String("gen_ai.request.model", call.Model),
		semconv.ForceTraceKey.Bool(call.Attempt > 0),
	))

	runCtx := spanCtx
	stop := context.CancelFunc(func() {})
	if x.cfg.AttemptTimeout > 0 {
		runCtx, stop = context.WithTimeoutCause(spanCtx, x.cfg.AttemptTimeout, ErrAttemptTimeout)
	}
	runCtx, cancel := context.WithCancelCause(runCtx)

	return &Execution{
		exec:   x,
		call:   call,
		open:   open,
		start:  time.Now(),
		future: newFuture(),
		parent: spanCtx,
		ctx:    runCtx,
		cancel: cancel,
		stop:   stop,
		span:   span,
	}
}

func (e *Execution) Call() Call {
	return e.call
}

func (e *Execution) Outcome() *Future {
	return e.future
}

// Cancel aborts the attempt. If iteration never started the outcome resolves
// to aborted immediately; otherwise the running iteration observes it.
func (e *Execution) Cancel() {
	if e.started.CompareAndSwap(false, true) {
		e.cancel(ErrAborted)
		e.finish(Outcome{Status: StatusAborted, ErrorCode: CodeAborted})
		return
	}
	e.cancel(ErrAborted)
}

// Events returns the attempt's normalized events. The provider call starts on
// first iteration. Only the first range produces events; later ones are empty.
func (e *Execution) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !e.started.CompareAndSwap(false, true) {
			return
		}
		e.run(yield)
	}
}

func (e *Execution) run(yield func(Event) bool) {
	src, err := e.open(e.ctx)
	if err != nil {
		e.fail(err, yield)
		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.DebugContext(e.parent, "closing provider stream", "error", err)
		}
	}()

	for {
		if e.ctx.Err() != nil {
			e.fail(context.Cause(e.ctx), yield)
			return
		}

		chunk, err := src.Recv(e.ctx)
		if err != nil {
			e.fail(err, yield)
			return
		}

		switch chunk.Kind {
		case KindDone:
			o := e.success(chunk)
			e.finish(o)
			usage := o.Usage
			yield(Event{Kind: KindDone, Usage: &usage})
			return
		case KindError:
			if chunk.Err == nil {
				chunk.Err = errors.New("provider reported an error")
			}
			e.fail(chunk.Err, yield)
			return
		}

		if !yield(Event{Kind: chunk.Kind, Text: chunk.Text, ToolCall: chunk.ToolCall}) {
			e.cancel(ErrAborted)
			e.finish(Outcome{Status: StatusAborted, ErrorCode: CodeAborted})
			return
		}
	}
}

func (e *Execution) success(chunk Chunk) Outcome {
	o := Outcome{Status: StatusSuccess, Usage: chunk.Usage}
	switch {
	case chunk.Cost != nil:
		o.Cost = *chunk.Cost
	case e.exec.pricer != nil:
		credits, err := e.exec.pricer.Price(e.call.Model, chunk.Usage)
		if err != nil {
			slog.WarnContext(e.parent, "pricing attempt", "model", e.call.Model, "error", err)
		}
		o.Cost = CostInfo{Credits: credits, Model: e.call.Model}
	}
	return o
}

// fail resolves a non-success outcome. If the attempt context is done the
// cancel cause wins over whatever error the source surfaced for it.
func (e *Execution) fail(err error, yield func(Event) bool) {
	if e.ctx.Err() != nil {
		err = context.Cause(e.ctx)
	}

	code := Classify(err)
	if code == CodeAborted {
		e.finish(Outcome{Status: StatusAborted, ErrorCode: CodeAborted})
		return
	}

	slog.DebugContext(e.parent, "attempt failed", "invocation_id", e.call.InvocationID, "error_code", code, "error", err)
	e.span.RecordError(err)
	e.finish(Outcome{Status: StatusError, ErrorCode: code})
	yield(Event{Kind: KindError, ErrorCode: code})
}

func (e *Execution) finish(o Outcome) {
	o.Latency = time.Since(e.start)
	if sc := e.span.SpanContext(); sc.HasTraceID() {
		o.TraceID = sc.TraceID().String()
	}
	if !e.future.resolve(o) {
		return
	}

	e.stop()
	e.cancel(nil)

	e.span.SetAttributes(
		semconv.OutcomeStatusKey.String(string(o.Status)),
		semconv.OutcomeErrorKey.String(string(o.ErrorCode)),
		semconv.ChargedCreditsKey.Int64(o.Cost.Credits),
	)
	if o.Status == StatusError {
		e.span.SetStatus(codes.Error, string(o.ErrorCode))
	}
	e.span.End()

	go e.settle(o)
}

// settle runs every continuation once, concurrently, on a context that
// outlives the request but not the side effect budget.
func (e *Execution) settle(o Outcome) {
	defer close(e.future.settled)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.parent), e.exec.cfg.SideEffectTimeout)
	defer cancel()

	var g errgroup.Group
	for _, c := range e.exec.continuations {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "continuation panicked", "continuation", c.Name, "panic", r)
					sentry.CurrentHub().Recover(r)
				}
			}()

			if err := c.Run(ctx, e.call, o); err != nil {
				slog.WarnContext(ctx, "continuation failed",
					"continuation", c.Name,
					"invocation_id", e.call.InvocationID,
					"status", o.Status,
					"error", err)
				sentry.CaptureException(err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
