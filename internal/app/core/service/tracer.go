package service

import "context"

// Tracer starts and finishes spans for cross-cutting observability. Callers
// derive a new context from StartSpan and must invoke the returned callback
// with the operation's terminal error (nil on success) exactly once.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer is the default tracer used when none is configured.
var NoopTracer Tracer = noopTracer{}
