// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wraps go.opentelemetry.io/otel the same way the
// teacher's own (unretrieved) tracing helper package does — its call
// sites are visible in pkg/service/scheduler/scheduler.go
// (tracing.StartSpan, tracing.NewTimer, tracing.RecordError) even though
// that package's source isn't part of the retrieval pack, so this
// reconstructs the same surface: a StartSpan wrapper that accepts
// trace.SpanStartOption the way otel.Tracer(...).Start already does in
// pkg/cli/build.go, and a Timer that records its duration as a span event
// with attributes on Stop.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bob"

// StartSpan starts a span under the shared "bob" tracer, mirroring
// otel.Tracer(name).Start(ctx, ...) but with the tracer name fixed so call
// sites never have to repeat it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on the span in ctx (if any) and marks it as an
// error status, so a failed step's trace is visibly distinguishable from
// a merely-ended one.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Timer measures a named duration within ctx's span, recording it as a
// span event on Stop/StopWithAttrs rather than a separate metric — useful
// for the sub-phase timings the scheduler and executor want without
// standing up a whole metrics pipeline per phase.
type Timer struct {
	ctx   context.Context
	name  string
	start time.Time
}

// NewTimer starts timing name against ctx's active span.
func NewTimer(ctx context.Context, name string) *Timer {
	return &Timer{ctx: ctx, name: name, start: time.Now()}
}

// Stop records the elapsed duration as a span event.
func (t *Timer) Stop() time.Duration {
	return t.StopWithAttrs()
}

// StopWithAttrs records the elapsed duration as a span event carrying
// extra, caller-supplied attributes (e.g. step kind, result).
func (t *Timer) StopWithAttrs(extra ...attribute.KeyValue) time.Duration {
	elapsed := time.Since(t.start)
	attrs := append([]attribute.KeyValue{attribute.Int64("duration_ms", elapsed.Milliseconds())}, extra...)
	trace.SpanFromContext(t.ctx).AddEvent(t.name, trace.WithAttributes(attrs...))
	return elapsed
}
