// Package worker hosts workflow and activity functions. A worker owns a
// registry, exposes typed registration helpers, and runs a scheduler over
// the shared substrate so the functions it serves receive their dispatches.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/loom/config"
	"goa.design/loom/executor"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/scheduler"
	"goa.design/loom/store"
	"goa.design/loom/telemetry"
)

type (
	// Options configures a Worker.
	Options struct {
		// Store is the job-record substrate. Required.
		Store store.Store
		// Bus carries the engine topics. Required.
		Bus pubsub.Bus
		// TaskQueue is the queue this worker serves. Required.
		TaskQueue string
		// Config supplies the namespace and engine defaults.
		Config config.Config
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Worker registers functions and runs the scheduler that serves them.
	Worker struct {
		opts     Options
		cfg      config.Config
		registry *scheduler.Registry
	}
)

// New constructs a Worker for one task queue.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	cfg := opts.Config
	cfg.Normalize()
	return &Worker{opts: opts, cfg: cfg, registry: scheduler.NewRegistry()}, nil
}

// TaskQueue returns the queue this worker serves.
func (w *Worker) TaskQueue() string { return w.opts.TaskQueue }

// RegisterWorkflow binds a workflow function under its name on this worker's
// task queue.
func (w *Worker) RegisterWorkflow(name string, fn executor.Func) {
	topic := job.WorkflowTopic(w.cfg.Namespace, w.opts.TaskQueue, name)
	w.registry.RegisterWorkflow(topic, fn)
}

// RegisterActivity binds a raw activity function under its name. The
// function receives the JSON-encoded argument list; use Activity for typed
// registration.
func (w *Worker) RegisterActivity(name string, fn scheduler.ActivityFunc) {
	w.registry.RegisterActivity(name, w.opts.TaskQueue, fn)
}

// RegisterInterceptor appends to the workflow interceptor ring; the first
// registered interceptor runs outermost.
func (w *Worker) RegisterInterceptor(i executor.WorkflowInterceptor) {
	w.registry.RegisterInterceptor(i)
}

// RegisterActivityInterceptor appends to the activity interceptor ring.
func (w *Worker) RegisterActivityInterceptor(i executor.ActivityInterceptor) {
	w.registry.RegisterActivityInterceptor(i)
}

// ClearInterceptors empties both interceptor rings.
func (w *Worker) ClearInterceptors() { w.registry.ClearInterceptors() }

// Run builds the scheduler over the registered functions and blocks until
// ctx is canceled. Registration must be complete before Run.
func (w *Worker) Run(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Options{
		Store:    w.opts.Store,
		Bus:      w.opts.Bus,
		Registry: w.registry,
		Config:   w.cfg,
		Logger:   w.opts.Logger,
		Metrics:  w.opts.Metrics,
		Tracer:   w.opts.Tracer,
	})
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

// Activity adapts a typed activity function to the raw registration
// signature. A single-argument call decodes the lone argument into A; a
// multi-argument call decodes the whole argument list, so A is then a slice
// or struct with positional JSON mapping.
func Activity[A, O any](fn func(ctx context.Context, arg A) (O, error)) scheduler.ActivityFunc {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var arg A
		if len(args) > 0 {
			var list []json.RawMessage
			if err := json.Unmarshal(args, &list); err != nil {
				return nil, fmt.Errorf("decode activity arguments: %w", err)
			}
			switch len(list) {
			case 0:
			case 1:
				if err := json.Unmarshal(list[0], &arg); err != nil {
					return nil, fmt.Errorf("decode activity argument: %w", err)
				}
			default:
				if err := json.Unmarshal(args, &arg); err != nil {
					return nil, fmt.Errorf("decode activity arguments: %w", err)
				}
			}
		}
		return fn(ctx, arg)
	}
}
