// Package executor implements the deterministic re-entrant executor. Each
// invocation loads the job's replay log for its dimensional thread, runs the
// user workflow function inside the interceptor onion, and maps the single
// outcome of the run onto the wire envelope the scheduler acts on.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"goa.design/loom/config"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/store"
	"goa.design/loom/telemetry"
	"goa.design/loom/workflow"
)

type (
	// Func is a registered workflow function. Arguments are read from the
	// invocation context (workflow.Args); the returned value becomes the
	// job response when the workflow completes.
	Func func(ctx *workflow.Context) (any, error)

	// WorkflowInterceptor wraps a workflow invocation. Interceptors that
	// catch errors from next must re-propagate interruptions (see
	// interrupt.DidInterrupt); swallowing one corrupts the replay
	// protocol.
	WorkflowInterceptor interface {
		Execute(ctx *workflow.Context, next func() (any, error)) (any, error)
	}

	// WorkflowInterceptorFunc adapts a function to WorkflowInterceptor.
	WorkflowInterceptorFunc func(ctx *workflow.Context, next func() (any, error)) (any, error)

	// ActivityInterceptor wraps a proxied activity execution on the worker
	// side.
	ActivityInterceptor interface {
		Execute(ctx context.Context, info *ActivityInfo, next func() (any, error)) (any, error)
	}

	// ActivityInterceptorFunc adapts a function to ActivityInterceptor.
	ActivityInterceptorFunc func(ctx context.Context, info *ActivityInfo, next func() (any, error)) (any, error)

	// ActivityInfo describes the activity call an interceptor wraps.
	ActivityInfo struct {
		ActivityName string
		WorkflowID   string
		TaskQueue    string
		Attempt      int
		Arguments    json.RawMessage
	}

	// Options configures an Executor.
	Options struct {
		// Store is the job-record substrate. Required.
		Store store.Store
		// Bus is the publish surface used by side-effect primitives.
		// Required.
		Bus pubsub.Publisher
		// Config supplies replay-read limits. Zero values are normalized.
		Config config.Config
		// Interceptors is the workflow interceptor ring, outermost first.
		Interceptors []WorkflowInterceptor
		// Logger and Tracer default to no-ops.
		Logger telemetry.Logger
		Tracer telemetry.Tracer
	}

	// Executor runs workflow re-entries.
	Executor struct {
		store        store.Store
		bus          pubsub.Publisher
		cfg          config.Config
		interceptors []WorkflowInterceptor
		logger       telemetry.Logger
		tracer       telemetry.Tracer
	}

	// Outcome is the envelope returned to the scheduler for one re-entry.
	// Exactly one of Response, Interruption, or Error is meaningful,
	// selected by Code.
	Outcome struct {
		// Code is the wire code: 200 done, 588/589/590/591/595 control,
		// 596/597/598 terminal, 599 retryable.
		Code int `json:"code"`
		// Done is true when the workflow returned.
		Done bool `json:"done,omitempty"`
		// Response is the serialized workflow return value.
		Response json.RawMessage `json:"response,omitempty"`
		// Interruption carries the control request for 588-595 codes.
		Interruption *interrupt.Interruption `json:"interruption,omitempty"`
		// Error carries the serialized error for 596-599 codes.
		Error *job.ErrorRecord `json:"$error,omitempty"`
		// Markers lists side-effect replay markers performed during the
		// invocation; the scheduler persists them with its next
		// transition.
		Markers []string `json:"markers,omitempty"`
	}
)

// Execute implements WorkflowInterceptor.
func (f WorkflowInterceptorFunc) Execute(ctx *workflow.Context, next func() (any, error)) (any, error) {
	return f(ctx, next)
}

// Execute implements ActivityInterceptor.
func (f ActivityInterceptorFunc) Execute(ctx context.Context, info *ActivityInfo, next func() (any, error)) (any, error) {
	return f(ctx, info, next)
}

// New constructs an Executor. Store and Bus are required.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	cfg := opts.Config
	cfg.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Executor{
		store:        opts.Store,
		bus:          opts.Bus,
		cfg:          cfg,
		interceptors: opts.Interceptors,
		logger:       logger,
		tracer:       tracer,
	}, nil
}

// Invoke performs one re-entry of fn for msg. The returned Outcome is the
// executor's half of the wire protocol; a non-nil error reports only
// infrastructure failures (replay-log reads), never workflow outcomes.
func (ex *Executor) Invoke(ctx context.Context, msg *job.Message, fn Func) (*Outcome, error) {
	ctx, span := ex.tracer.Start(ctx, "loom.executor.invoke")
	defer span.End()

	replay, cursor, err := ex.loadReplay(ctx, msg)
	if err != nil {
		span.SetStatus(codes.Error, "replay load failed")
		return nil, fmt.Errorf("load replay log for %q: %w", msg.WorkflowID, err)
	}
	wctx := workflow.NewContext(ctx, workflow.Params{
		Message: msg,
		Config:  ex.cfg,
		Store:   ex.store,
		Bus:     ex.bus,
		Logger:  ex.logger,
		Tracer:  ex.tracer,
		Replay:  replay,
		Cursor:  cursor,
	})

	// Build the onion once: first registered interceptor outermost.
	next := func() (any, error) { return fn(wctx) }
	for i := len(ex.interceptors) - 1; i >= 0; i-- {
		icpt, inner := ex.interceptors[i], next
		next = func() (any, error) { return icpt.Execute(wctx, inner) }
	}

	result, err := next()
	outcome := ex.classify(wctx, result, err)
	outcome.Markers = wctx.Markers()
	ex.logger.Debug(ctx, "workflow re-entry",
		"workflowId", msg.WorkflowID,
		"dimension", msg.WorkflowDimension,
		"code", outcome.Code,
		"replaySlots", len(replay),
	)
	return outcome, nil
}

// loadReplay fetches the replay log for the message's dimensional thread.
// The store pattern over-matches across dimensions, so slots are filtered
// exactly here; foreign-dimension slots must stay invisible.
func (ex *Executor) loadReplay(ctx context.Context, msg *job.Message) (map[string]string, string, error) {
	pattern := job.ReplayPattern(msg.WorkflowDimension)
	cursor, fields, err := ex.store.FindJobFields(ctx, msg.WorkflowID, pattern, "", ex.cfg.MaxReplayFields, ex.cfg.MaxReplayBytes)
	if err != nil {
		return nil, "", err
	}
	replay := make(map[string]string, len(fields))
	for name, value := range fields {
		_, dim, _, _, ok := job.ParseSlot(name)
		if !ok || dim != msg.WorkflowDimension {
			continue
		}
		replay[name] = value
	}
	return replay, cursor, nil
}

// classify maps the single invocation outcome onto the wire envelope.
func (ex *Executor) classify(wctx *workflow.Context, result any, err error) *Outcome {
	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			return &Outcome{
				Code:  interrupt.CodeFatal,
				Error: job.NewErrorRecord(interrupt.Fatal("encode workflow response: %s", merr)),
			}
		}
		return &Outcome{Code: interrupt.CodeSuccess, Done: true, Response: data}
	}

	if in, ok := interrupt.As(err); ok {
		registry := wctx.Registry()
		// Grouped awaits and signal waits always collate so the scheduler
		// receives one envelope per re-entry.
		if len(registry) > 1 || in.Kind == interrupt.KindWait {
			collated := interrupt.Collate(registry)
			return &Outcome{Code: collated.Code, Interruption: collated}
		}
		return &Outcome{Code: in.Code, Interruption: in}
	}

	code := interrupt.ErrorCode(err)
	return &Outcome{Code: code, Error: job.NewErrorRecord(err)}
}
