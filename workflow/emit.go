package workflow

import (
	"encoding/json"
	"fmt"

	"goa.design/loom/job"
)

// EmitOptions configures Emit.
type EmitOptions struct {
	// Once gates the emission behind a replay marker so each call site
	// publishes at most once across replays. Defaults to true; a false
	// value republishes on every re-entry.
	Once *bool
}

// Emit publishes each topic to payload entry to the bus. Emission is
// idempotent across replays unless Once is explicitly disabled.
func Emit(ctx *Context, events map[string]any, opts ...EmitOptions) error {
	once := true
	if len(opts) > 0 && opts[0].Once != nil {
		once = *opts[0].Once
	}
	index := ctx.next()
	var field string
	if once {
		var done bool
		var err error
		field, done, err = ctx.sideEffect(job.OpEmit, index)
		if err != nil || done {
			return err
		}
	}
	for topic, payload := range events {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode emit payload for %q: %w", topic, err)
		}
		if err := ctx.bus.Publish(ctx.Context, topic, data); err != nil {
			return fmt.Errorf("emit to %q: %w", topic, err)
		}
	}
	if once {
		ctx.mark(field)
	}
	return nil
}

// Trace records a span of attributes on the telemetry sink. The publication
// is a one-shot side-effect across replays; the attributes also land on the
// current OTEL span as an event.
func Trace(ctx *Context, span map[string]any) error {
	index := ctx.next()
	field, done, err := ctx.sideEffect(job.OpTrace, index)
	if err != nil || done {
		return err
	}
	attrs := make([]any, 0, len(span)*2+2)
	attrs = append(attrs, "workflowId", ctx.WorkflowID())
	for k, v := range span {
		attrs = append(attrs, k, v)
	}
	ctx.tracer.Span(ctx.Context).AddEvent("workflow.trace", attrs...)
	data, err := json.Marshal(map[string]any{
		"workflowId": ctx.WorkflowID(),
		"dimension":  ctx.Dimension(),
		"span":       span,
	})
	if err != nil {
		return err
	}
	if err := ctx.bus.Publish(ctx.Context, ctx.Namespace()+".trace", data); err != nil {
		return fmt.Errorf("publish trace: %w", err)
	}
	ctx.mark(field)
	return nil
}

// Enrich writes the fields onto the job's search record. Sugar for a
// one-call search Set session.
func Enrich(ctx *Context, fields map[string]string) error {
	return Search(ctx).Set(fields)
}
